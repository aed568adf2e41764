package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/directory"
	"github.com/cory-johannsen/lobby/internal/lobby"
	"github.com/cory-johannsen/lobby/internal/node"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/server"
	"github.com/cory-johannsen/lobby/internal/session"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
	"github.com/cory-johannsen/lobby/internal/transport"
	"github.com/cory-johannsen/lobby/internal/transport/grpcnet"
)

// app is everything main needs after injection.
type app struct {
	logger    *zap.Logger
	node      *node.Node
	lifecycle *server.Lifecycle
}

func loadConfig(path, code string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if code != "" {
		cfg.Lobby.DefaultCode = code
		cfg.Lobby.AutoJoinRandom = false
	}
	return cfg, nil
}

func provideLogger(cfg config.Config, peer session.PeerID) (*zap.Logger, func(), error) {
	logger, err := observability.NewLogger(cfg.Logging, zap.String("peer", string(peer)))
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}
	return logger, func() { _ = logger.Sync() }, nil
}

func providePeerID(cfg config.Config) session.PeerID {
	if cfg.Peer.ID == "" {
		return session.PeerID(uuid.NewString())
	}
	return session.PeerID(cfg.Peer.ID)
}

func provideTransport(cfg config.Config, peer session.PeerID, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport.Kind {
	case "grpc":
		return grpcnet.New(peer, grpcnet.Options{
			Listen:         cfg.Transport.Addr(),
			Advertise:      cfg.Transport.AdvertiseAddr,
			SendBuffer:     cfg.Transport.SendBuffer,
			SendTimeout:    cfg.Transport.SendTimeout,
			ConnectTimeout: cfg.Transport.ConnectTimeout,
		}, logger), nil
	case "loopback":
		return nil, errors.New("the loopback transport only links peers inside one process; use lobbysim")
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func provideDirectory(ctx context.Context, cfg config.Config, peer session.PeerID, logger *zap.Logger) (directory.Client, func(), error) {
	switch cfg.Directory.Backend {
	case "postgres":
		dbStart := time.Now()
		pool, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("connecting to database: %w", err)
		}
		logger.Info("database connected",
			zap.String("host", cfg.Database.Host),
			zap.Duration("elapsed", time.Since(dbStart)),
		)
		return pool.Directory().Client(peer, cfg.Transport.Advertise()), pool.Close, nil
	case "memory":
		logger.Warn("using the in-memory directory; only this process can see its lobbies")
		return directory.NewMemory().Client(peer, cfg.Transport.Advertise()), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown directory backend %q", cfg.Directory.Backend)
	}
}

func provideGate() lobby.Gate {
	return lobby.AllowAll
}

func provideLifecycle(logger *zap.Logger, n *node.Node) *server.Lifecycle {
	lc := server.NewLifecycle(logger)
	lc.Add("node", &server.FuncService{
		StartFn: n.Start,
		StopFn:  n.Close,
	})
	return lc
}

func newApp(logger *zap.Logger, n *node.Node, lc *server.Lifecycle) *app {
	return &app{logger: logger, node: n, lifecycle: lc}
}
