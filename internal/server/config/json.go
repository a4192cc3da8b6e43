package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/peerdrive/peerdrive/internal/flagx"
	"github.com/peerdrive/peerdrive/internal/timex"
)

// JsonConfig is the DTO for the optional JSON config file. Interval fields
// use timex.Duration so both "5m" strings and integer nanoseconds parse.
type JsonConfig struct {
	Addr          string          `json:"addr"`
	SecretKey     string          `json:"secret_key"`
	TokenValidity timex.Duration  `json:"token_validity"`
	RegistryTTL   *timex.Duration `json:"registry_ttl"`
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

	if c.Addr != "" {
		config.Addr = c.Addr
	}
	if c.SecretKey != "" {
		config.SecretKey = c.SecretKey
	}
	if c.TokenValidity.Duration != 0 {
		config.TokenValidity = time.Duration(c.TokenValidity.Duration)
	}
	// A pointer so an explicit zero can disable registry expiry.
	if c.RegistryTTL != nil {
		config.RegistryTTL = time.Duration(c.RegistryTTL.Duration)
	}
}
