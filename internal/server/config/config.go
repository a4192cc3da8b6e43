// Package config handles configuration for the matchmaking server,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the peerdrive server.
//
// Fields:
//   - Addr: bind address for the HTTP endpoint carrying /ws and /metrics.
//   - SecretKey: HMAC secret for verifying identity tokens (HS256). Do not
//     use the test default in prod.
//   - TokenValidity: lifetime of tokens minted via the -issue-token facility.
//   - RegistryTTL: how long a registration survives without a heartbeat;
//     zero disables expiry.
type Config struct {
	Addr          string
	SecretKey     string
	TokenValidity time.Duration
	RegistryTTL   time.Duration
}

// LoadDefaults populates Config with development defaults.
// NOTE: These values are insecure for production and should be overridden.
func (c *Config) LoadDefaults() {
	c.Addr = ":8000"
	c.SecretKey = "secretKey"
	c.TokenValidity = 7 * 24 * time.Hour
	c.RegistryTTL = 5 * time.Minute
}

// LoadConfig builds a Config by applying defaults, then overlaying values
// from an optional JSON file and finally from command-line flags.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
