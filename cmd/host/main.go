package main

import (
	"context"
	"log"

	"github.com/peerdrive/peerdrive/internal/hostapp"
	"github.com/peerdrive/peerdrive/internal/hostapp/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := hostapp.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
