package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, ":8000", cfg.Addr)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenValidity)
	assert.Equal(t, 5*time.Minute, cfg.RegistryTTL)
}

func TestLoadConfig_FlagsOverrideDefaults(t *testing.T) {
	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"server", "-a", ":9999", "-s", "other-secret", "-l", "0"}

	cfg := LoadConfig()

	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "other-secret", cfg.SecretKey)
	assert.Equal(t, time.Duration(0), cfg.RegistryTTL)
}

func TestLoadConfig_JsonOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"addr": ":7070",
		"secret_key": "json-secret",
		"token_validity": "48h",
		"registry_ttl": "90s"
	}`), 0o600))

	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"server", "-c", path}

	cfg := LoadConfig()

	assert.Equal(t, ":7070", cfg.Addr)
	assert.Equal(t, "json-secret", cfg.SecretKey)
	assert.Equal(t, 48*time.Hour, cfg.TokenValidity)
	assert.Equal(t, 90*time.Second, cfg.RegistryTTL)
}

func TestLoadConfig_FlagsBeatJson(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"addr": ":7070"}`), 0o600))

	origArgs := os.Args
	defer func() { os.Args = origArgs }()
	os.Args = []string{"server", "-c", path, "-a", ":6060"}

	cfg := LoadConfig()
	assert.Equal(t, ":6060", cfg.Addr)
}
