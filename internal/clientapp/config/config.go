// Package config handles configuration for the peerdrive client CLI,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Config holds runtime settings for the peerdrive client.
//
// Fields:
//   - ServerURL: websocket URL of the matchmaking server.
//   - Token: identity token locating the personal host. Prompted for when
//     empty.
//   - ProjectID: when set, the client runs in webreview mode: it renders the
//     project preview to a file and exits.
//   - OutDir: where downloads and rendered previews are written.
//   - DialTimeout: bound on matchmaking plus session establishment.
//   - STUNServers: STUN urls used for ICE gathering.
type Config struct {
	ServerURL   string
	Token       string
	ProjectID   string
	OutDir      string
	DialTimeout time.Duration
	STUNServers []string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:8000/ws"
	c.OutDir = "."
	c.DialTimeout = 45 * time.Second
	c.STUNServers = []string{"stun:stun.l.google.com:19302"}
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
