package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/peerdrive/peerdrive/internal/flagx"
	"github.com/peerdrive/peerdrive/internal/server"
	"github.com/peerdrive/peerdrive/internal/server/auth"
	"github.com/peerdrive/peerdrive/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()

	if userID := issueTokenFlag(); userID != "" {
		token, err := auth.GenerateToken(userID, []byte(cfg.SecretKey), cfg.TokenValidity)
		if err != nil {
			log.Fatalf("%v", err)
		}
		fmt.Println(token)
		return
	}

	app, err := server.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}

// issueTokenFlag returns the user id passed with -issue-token, if any. The
// flag mints a host token from the configured secret and exits instead of
// serving, which keeps token issuance next to the only holder of the secret.
func issueTokenFlag() string {
	args := flagx.FilterArgs(os.Args[1:], []string{"-issue-token"})

	fs := flag.NewFlagSet("issue-token", flag.ContinueOnError)
	userID := fs.String("issue-token", "", "print a host token for the given user id and exit")
	if err := fs.Parse(args); err != nil {
		panic(err)
	}
	return *userID
}
