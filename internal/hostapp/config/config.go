// Package config handles configuration for the peerdrive host,
// including defaults, JSON overlay, and command-line flags.
package config

import "time"

// Mode selects what the host registers as.
const (
	ModePersonal  = "personal"
	ModeWebReview = "webreview"
)

// Config holds runtime settings for the peerdrive host.
//
// Fields:
//   - ServerURL: websocket URL of the matchmaking server.
//   - Token: identity token for personal mode (issued by the server owner).
//   - ProjectID: kebab-case project id for webreview mode.
//   - Mode: "personal" or "webreview".
//   - Dir: directory to serve.
//   - HeartbeatInterval: how often the registration is refreshed.
//   - STUNServers: STUN urls used for ICE gathering.
type Config struct {
	ServerURL         string
	Token             string
	ProjectID         string
	Mode              string
	Dir               string
	HeartbeatInterval time.Duration
	STUNServers       []string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "ws://127.0.0.1:8000/ws"
	c.Mode = ModePersonal
	c.Dir = "."
	c.HeartbeatInterval = 30 * time.Second
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
