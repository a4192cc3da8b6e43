package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/peerdrive/peerdrive/internal/flagx"
	"github.com/peerdrive/peerdrive/internal/timex"
)

// JsonConfig is the DTO for the optional JSON config file.
type JsonConfig struct {
	ServerURL   string         `json:"server_url"`
	Token       string         `json:"token"`
	ProjectID   string         `json:"project_id"`
	OutDir      string         `json:"out_dir"`
	DialTimeout timex.Duration `json:"dial_timeout"`
	STUNServers []string       `json:"stun_servers"`
}

// parseJson overlays values from the JSON file named by -c/-config, if any.
// A missing flag means no file is loaded; an unreadable file is fatal.
func parseJson(config *Config) {
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		panic(err)
	}

	if c.ServerURL != "" {
		config.ServerURL = c.ServerURL
	}
	if c.Token != "" {
		config.Token = c.Token
	}
	if c.ProjectID != "" {
		config.ProjectID = c.ProjectID
	}
	if c.OutDir != "" {
		config.OutDir = c.OutDir
	}
	if c.DialTimeout.Duration != 0 {
		config.DialTimeout = time.Duration(c.DialTimeout.Duration)
	}
	if len(c.STUNServers) > 0 {
		config.STUNServers = c.STUNServers
	}
}
