package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/directory"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every lobby, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			lobbies, err := e.dir.List(cmd.Context())
			if err != nil {
				return fmt.Errorf("list lobbies: %w", err)
			}
			return render(cmd.OutOrStdout(), opts.output, lobbies)
		},
	}
}

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var open bool
	cmd := &cobra.Command{
		Use:   "search [CODE]",
		Short: "Search lobbies by code, or every lobby with a free slot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !open {
				return fmt.Errorf("search needs a CODE or --open")
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			client := e.dir.Client(ctlPeer, "")
			var lobbies []directory.Handle
			if open {
				lobbies, err = client.SearchOpen(cmd.Context())
			} else {
				lobbies, err = client.Search(cmd.Context(), args[0])
			}
			if err != nil {
				return fmt.Errorf("search lobbies: %w", err)
			}
			if open && len(args) == 1 {
				lobbies = filterCode(lobbies, args[0])
			}
			return render(cmd.OutOrStdout(), opts.output, lobbies)
		},
	}
	cmd.Flags().BoolVar(&open, "open", false, "only lobbies with a free slot")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show ID",
		Short: "Show one lobby with its roster",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			h, err := e.dir.Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("show lobby %s: %w", args[0], err)
			}
			return renderOne(cmd.OutOrStdout(), opts.output, h)
		},
	}
}

func newReapCmd(opts *rootOptions) *cobra.Command {
	var stale time.Duration
	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Remove members that stopped refreshing their lobbies",
		Long:  "reap removes every member whose last refresh is older than --stale. Lobbies left empty are deleted; lobbies whose owner was removed pass to their oldest remaining member.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if stale <= 0 {
				return fmt.Errorf("--stale must be positive, got %s", stale)
			}
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			removed, err := e.dir.Reap(cmd.Context(), stale)
			if err != nil {
				return fmt.Errorf("reap: %w", err)
			}
			e.logger.Info("reaped stale members", zap.Int("removed", removed), zap.Duration("stale_after", stale))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d stale member(s)\n", removed)
			return err
		},
	}
	cmd.Flags().DurationVar(&stale, "stale", time.Minute, "members not seen for this long are removed")
	return cmd
}

func filterCode(lobbies []directory.Handle, code string) []directory.Handle {
	out := lobbies[:0]
	for _, h := range lobbies {
		if h.Code == code {
			out = append(out, h)
		}
	}
	return out
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check that the directory database answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := opts.open(cmd)
			if err != nil {
				return err
			}
			defer e.close()

			start := time.Now()
			if err := e.pool.Health(cmd.Context(), timeout); err != nil {
				return fmt.Errorf("database unhealthy: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "ok (%s)\n", time.Since(start).Round(time.Millisecond))
			return err
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Second, "how long to wait for the database")
	return cmd
}
