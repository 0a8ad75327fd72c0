package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"orderflow/config"
	"orderflow/infra/chain"
	"orderflow/infra/logging"
	"orderflow/infra/metrics"
	"orderflow/infra/repository"
	"orderflow/infra/store"
)

// app holds the components shared by serve and sweep.
type app struct {
	cfg      config.Config
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *store.Pebble
	repo     *repository.Repository
	chain    *chain.RPCReader
	managed  *chain.StaticValidator
}

func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	// ---------------- Metrics ----------------

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---------------- Store ----------------

	st, err := store.OpenPebble(cfg.DataDir, nil, repository.Tables(cfg.LockTable)...)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	repo := repository.New(st, repository.WithMetrics(m))

	// ---------------- Chain ----------------

	endpoints, err := cfg.Chain.ParsedEndpoints()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rd, err := chain.Dial(ctx, endpoints, chain.WithRateLimit(rate.Limit(cfg.Chain.RateLimit), cfg.Chain.RateBurst))
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	log.Info("engine initialised",
		zap.String("data_dir", cfg.DataDir),
		zap.String("lock_table", cfg.LockTable),
		zap.Uint64s("chains", rd.Chains()),
		zap.Int("managed_addresses", len(cfg.Chain.ManagedAddresses)))

	return &app{
		cfg:      cfg,
		log:      log,
		registry: reg,
		metrics:  m,
		store:    st,
		repo:     repo,
		chain:    rd,
		managed:  chain.NewStaticValidator(cfg.Chain.ManagedAddresses...),
	}, nil
}

func (a *app) Close() error {
	a.chain.Close()
	err := a.store.Close()
	_ = a.log.Sync()
	return err
}
