package config

import (
	"flag"
	"os"
	"time"

	"github.com/peerdrive/peerdrive/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags:
//
//	-a string   HTTP bind address (e.g., ":8000")
//	-s string   token HMAC secret key
//	-t int      minted token validity, hours
//	-l int      registry TTL, seconds (0 disables expiry)
//
// The function filters os.Args to only the flags it recognizes so it can
// coexist with flags parsed elsewhere (e.g. -c/-config).
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-s", "-t", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.Addr, "a", config.Addr, "address and port to run server")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	tokenValidity := fs.Int("t", int(config.TokenValidity.Hours()), "token validity (in hours)")
	registryTTL := fs.Int("l", int(config.RegistryTTL.Seconds()), "registry entry TTL (in seconds, 0 disables)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.TokenValidity = time.Duration(*tokenValidity) * time.Hour
	config.RegistryTTL = time.Duration(*registryTTL) * time.Second
}
