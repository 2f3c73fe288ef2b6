package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"netreplica/internal/app"
	"netreplica/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("%v", err)
	}
	layout, err := config.LoadLayout(cfg.LayoutPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := app.Run(ctx, app.Config{Server: cfg, Layout: layout}); err != nil {
		log.Fatalf("%v", err)
	}
}
