package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := &Config{}
	cfg.LoadDefaults()

	assert.Equal(t, "ws://127.0.0.1:8000/ws", cfg.ServerURL)
	assert.Equal(t, ModePersonal, cfg.Mode)
	assert.Equal(t, ".", cfg.Dir)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.NotEmpty(t, cfg.STUNServers)
	assert.Empty(t, cfg.Token)
	assert.Empty(t, cfg.ProjectID)
}
