package config

import (
	"flag"
	"os"
	"time"

	"github.com/peerdrive/peerdrive/internal/flagx"
)

// parseFlags populates selected host Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   websocket URL of the matchmaking server
//	-t string   identity token (personal mode)
//	-p string   project id (webreview mode)
//	-m string   mode: personal or webreview
//	-d string   directory to serve
//	-i int      heartbeat interval in seconds
//
// The function filters os.Args to only the flags it recognizes so it can
// coexist with flags parsed elsewhere (e.g. -c/-config).
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-p", "-m", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ServerURL, "a", config.ServerURL, "matchmaking server url")
	fs.StringVar(&config.Token, "t", config.Token, "identity token")
	fs.StringVar(&config.ProjectID, "p", config.ProjectID, "webreview project id")
	fs.StringVar(&config.Mode, "m", config.Mode, "mode: personal or webreview")
	fs.StringVar(&config.Dir, "d", config.Dir, "directory to serve")
	heartbeat := fs.Int("i", int(config.HeartbeatInterval.Seconds()), "heartbeat interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.HeartbeatInterval = time.Duration(*heartbeat) * time.Second
}
