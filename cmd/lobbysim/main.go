// Package main replays a lobby scenario against in-process peers and reports
// each step.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lobby/internal/config"
	"github.com/cory-johannsen/lobby/internal/observability"
	"github.com/cory-johannsen/lobby/internal/sim"
)

func main() {
	scenarioPath := flag.String("scenario", "scenarios/host-crash.yaml", "path to scenario file")
	level := flag.String("log-level", "warn", "log level: debug, info, warn or error")
	timeout := flag.Duration("timeout", time.Minute, "upper bound for the whole run")
	flag.Parse()

	logger, err := observability.NewLogger(config.LoggingConfig{Level: *level, Format: "console"}, zap.String("component", "lobbysim"))
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	sc, err := sim.Load(*scenarioPath)
	if err != nil {
		log.Fatalf("loading scenario: %v", err)
	}
	runner, err := sim.NewRunner(sc, logger)
	if err != nil {
		log.Fatalf("building peers: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	report, runErr := runner.Run(ctx)

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "STEP\tACTION\tPEER\tELAPSED\tRESULT\n")
	for _, st := range report.Steps {
		result := "ok"
		if st.Err != nil {
			result = st.Err.Error()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", st.Index, st.Action, st.Peer, st.Elapsed.Round(time.Millisecond), result)
	}
	_ = tw.Flush()

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "scenario %q failed after %s: %v\n", sc.Name, report.Elapsed.Round(time.Millisecond), runErr)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stdout, "scenario %q passed in %s\n", sc.Name, report.Elapsed.Round(time.Millisecond))
}
