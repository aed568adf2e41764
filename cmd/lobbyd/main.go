// Package main runs one lobby peer: it hosts or joins lobbies through the
// configured directory and transport and keeps them alive across host loss.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"go.uber.org/zap"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	code := flag.String("code", "", "lobby code to join or create at startup (overrides lobby.default_code)")
	flag.Parse()

	ctx := context.Background()

	cfg, err := loadConfig(*configPath, *code)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	a, cleanup, err := initializeApp(ctx, cfg)
	if err != nil {
		log.Fatalf("initializing peer: %v", err)
	}
	defer cleanup()

	a.logger.Info("lobby peer initialized",
		zap.String("transport", cfg.Transport.Kind),
		zap.String("advertise", cfg.Transport.Advertise()),
		zap.String("directory", cfg.Directory.Backend),
		zap.Duration("elapsed", time.Since(start)),
	)

	if err := a.lifecycle.Run(ctx); err != nil {
		a.logger.Error("peer exited with error", zap.Error(err))
		_ = a.logger.Sync()
		log.Fatalf("running peer: %v", err)
	}
}
