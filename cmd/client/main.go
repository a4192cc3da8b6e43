package main

import (
	"context"
	"log"

	"github.com/peerdrive/peerdrive/internal/clientapp"
	"github.com/peerdrive/peerdrive/internal/clientapp/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := clientapp.NewApp(cfg)

	if err != nil {
		log.Fatalf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("%v", err)
	}

}
