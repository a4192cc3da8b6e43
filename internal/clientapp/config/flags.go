package config

import (
	"flag"
	"os"
	"time"

	"github.com/peerdrive/peerdrive/internal/flagx"
)

// parseFlags populates selected client Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   websocket URL of the matchmaking server
//	-t string   identity token (personal mode)
//	-p string   project id (webreview mode)
//	-o string   output directory for downloads and previews
//	-w int      dial timeout in seconds
//
// The function filters os.Args to only the flags it recognizes so it can
// coexist with flags parsed elsewhere (e.g. -c/-config).
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-t", "-p", "-o", "-w"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.ServerURL, "a", config.ServerURL, "matchmaking server url")
	fs.StringVar(&config.Token, "t", config.Token, "identity token")
	fs.StringVar(&config.ProjectID, "p", config.ProjectID, "webreview project id")
	fs.StringVar(&config.OutDir, "o", config.OutDir, "output directory")
	dialTimeout := fs.Int("w", int(config.DialTimeout.Seconds()), "dial timeout (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.DialTimeout = time.Duration(*dialTimeout) * time.Second
}
