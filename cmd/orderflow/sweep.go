package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"orderflow/jobs/broadcaster"
	"orderflow/jobs/monitor"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor pass against the local store and exit",
		Long: `Run one monitor pass against the local store and exit.

The store directory is locked by a running engine, so sweep is meant for
maintenance windows and for cron-driven deployments that do not run serve.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sweepOnce(cmd.Context(), cmd)
		},
	}
}

func sweepOnce(ctx context.Context, cmd *cobra.Command) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	pub, err := broadcaster.Dial(a.cfg.Kafka.Brokers, a.cfg.Kafka.EventsTopic, a.cfg.Kafka.ClientID,
		broadcaster.WithLogger(a.log.Named("broadcaster")))
	if err != nil {
		return err
	}
	defer pub.Close()

	mon := monitor.New(monitor.Config{
		SubmittedAfter:    a.cfg.SubmittedAfter,
		OrderAgeThreshold: a.cfg.OrderAgeThreshold,
		Concurrency:       a.cfg.MonitorWorkers,
	}, a.repo, a.chain, monitor.WithLogger(a.log.Named("monitor")), monitor.WithMetrics(a.metrics))

	sweepErr := mon.Sweep(ctx)
	sent, err := broadcaster.NewRelay(pub, a.repo, 0, 0).Once(ctx)
	if err != nil {
		return fmt.Errorf("relay events: %w", err)
	}
	if sweepErr != nil {
		return fmt.Errorf("sweep: %w", sweepErr)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sweep complete, %d events published\n", sent)
	return nil
}
