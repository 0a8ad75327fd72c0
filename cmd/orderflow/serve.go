package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/api/grpcserver"
	"orderflow/infra/kafka"
	"orderflow/jobs/broadcaster"
	"orderflow/jobs/ingest"
	"orderflow/jobs/monitor"
	"orderflow/service"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: monitor, event relay, event consumer, gRPC and metrics servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}
}

func serve(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log

	common := []service.Option{
		service.WithLogger(log),
		service.WithMetrics(a.metrics),
		service.WithLockTable(cfg.LockTable),
	}

	// ---------------- Services ----------------

	selector := service.NewSelector(a.repo, cfg.OrderAgeThreshold, common...)
	reconciler := service.NewReconciler(a.repo, a.chain, a.managed, common...)
	nonces := service.NewNonceManager(a.repo, a.managed, common...)

	// ---------------- Kafka ----------------

	pub, err := broadcaster.Dial(cfg.Kafka.Brokers, cfg.Kafka.EventsTopic, cfg.Kafka.ClientID,
		broadcaster.WithLogger(log.Named("broadcaster")),
		broadcaster.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	defer pub.Close()

	// chain notifications plus our own hand-offs (confirmed, dropped)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Kafka.Brokers,
		Topics:  []string{cfg.Kafka.ChainTopic, cfg.Kafka.EventsTopic},
		GroupID: cfg.Kafka.GroupID,
	})
	defer reader.Close()
	dlq := kafka.NewDeadLetter(cfg.Kafka.Brokers, cfg.Kafka.DeadLetter)
	defer dlq.Close()

	// ---------------- Background jobs ----------------

	mon := monitor.New(monitor.Config{
		Interval:          cfg.MonitorInterval,
		SubmittedAfter:    cfg.SubmittedAfter,
		OrderAgeThreshold: cfg.OrderAgeThreshold,
		Concurrency:       cfg.MonitorWorkers,
	}, a.repo, a.chain, monitor.WithLogger(log.Named("monitor")), monitor.WithMetrics(a.metrics))
	relay := broadcaster.NewRelay(pub, a.repo, 250*time.Millisecond, 100)

	consumer := ingest.New(reader, reconciler, nonces, a.repo,
		ingest.WithLogger(log.Named("ingest")),
		ingest.WithMetrics(a.metrics),
		ingest.WithParker(dlq),
		ingest.WithLockTable(cfg.LockTable))

	// ---------------- Servers ----------------

	grpcSrv := grpcserver.New(a.repo, selector, log.Named("grpc"))
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error { return consumer.Run(gctx) })
	g.Go(func() error { return grpcSrv.Serve(lis) })
	g.Go(func() error {
		log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		grpcSrv.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return metricsSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
