package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/storage/postgres"
)

// ctlPeer is the identity lobbyctl uses for read-only directory searches.
const ctlPeer = "lobbyctl"

type rootOptions struct {
	configPath string
	output     string
}

// env is the state every subcommand shares once the directory is open.
type env struct {
	cfg    config.Config
	logger *zap.Logger
	pool   *postgres.Pool
	dir    *postgres.Directory
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "lobbyctl",
		Short:         "Inspect and maintain the lobby directory",
		Long:          "lobbyctl lists, searches and reaps lobbies stored in the PostgreSQL lobby directory used by lobbyd peers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "configs/dev.yaml", "path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "table", "output format: table, json or yaml")

	rootCmd.AddCommand(
		newListCmd(opts),
		newSearchCmd(opts),
		newShowCmd(opts),
		newReapCmd(opts),
		newHealthCmd(opts),
	)
	return rootCmd
}

// open loads configuration and connects to the directory database.
// The caller must call close on the returned env.
func (o *rootOptions) open(cmd *cobra.Command) (*env, error) {
	if _, err := rendererFor(o.output); err != nil {
		return nil, err
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	logger := observability.PeerLogger(cfg.Logging, ctlPeer)
	pool, err := postgres.NewPool(cmd.Context(), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &env{cfg: cfg, logger: logger, pool: pool, dir: pool.Directory()}, nil
}

func (e *env) close() {
	e.pool.Close()
	_ = e.logger.Sync()
}
