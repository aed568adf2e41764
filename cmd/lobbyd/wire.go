//go:build wireinject

package main

import (
	"context"

	"github.com/google/wire"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/node"
)

// PeerSet provides one lobby peer and its process lifecycle.
var PeerSet = wire.NewSet(
	provideLogger,
	providePeerID,
	provideTransport,
	provideDirectory,
	provideGate,
	node.New,
	provideLifecycle,
	newApp,
)

func initializeApp(ctx context.Context, cfg config.Config) (*app, func(), error) {
	wire.Build(PeerSet)
	return nil, nil, nil
}
