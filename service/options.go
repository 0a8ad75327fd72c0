package service

import (
	"time"

	"go.uber.org/zap"

	"orderflow/infra/metrics"
	"orderflow/infra/repository"
)

type options struct {
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Metrics
	lockTable string
}

type Option func(*options)

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLockTable names the address lock table released by terminal
// transitions.
func WithLockTable(name string) Option {
	return func(o *options) { o.lockTable = name }
}

func newOptions(opts []Option) options {
	o := options{
		now:       time.Now,
		log:       zap.NewNop(),
		lockTable: repository.DefaultLockTable,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
