// Package monitor runs the periodic transaction sweep. Submitted orders the
// chain has forgotten are dropped. Mined ones are handed to the reconciler
// via an event, and orders stuck before broadcast raise an alert.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/domain/event"
	"orderflow/domain/order"
	"orderflow/infra/chain"
	"orderflow/infra/metrics"
	"orderflow/infra/repository"
)

// Orders is the repository surface of the monitor. Events go through the
// repository outbox and are relayed to Kafka by the broadcaster.
type Orders interface {
	GetByStatusAndAge(ctx context.Context, state order.State, olderThan time.Duration) ([]*order.Order, error)
	TransitionAndEmit(ctx context.Context, id uuid.UUID, to order.State, ch *repository.Changes, e event.Event) error
	TouchMonitored(ctx context.Context, id uuid.UUID) error
	Emit(ctx context.Context, e event.Event) error
}

type Chain interface {
	GetTxByHash(ctx context.Context, chainID uint64, hash string) (*chain.Tx, error)
	GetTxReceipt(ctx context.Context, chainID uint64, hash string) (*chain.Receipt, error)
}

type Config struct {
	Interval time.Duration
	// SubmittedAfter is how long an order must sit unmodified before a
	// sweep looks at it.
	SubmittedAfter time.Duration
	// OrderAgeThreshold bounds the created_at age of orders reported as
	// stale; older ones are left to the selector's retry path.
	OrderAgeThreshold time.Duration
	Concurrency       int
}

var sweptTypes = []order.Type{order.Signature, order.SpeedUp, order.Cancellation}

var staleStates = []order.State{order.Signed, order.SelectedForSigning}

const (
	passSubmitted = "submitted"
	passStale     = "stale"
)

type Monitor struct {
	cfg     Config
	orders  Orders
	chain   Chain
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

type Option func(*Monitor)

func WithLogger(log *zap.Logger) Option { return func(m *Monitor) { m.log = log } }

func WithMetrics(mt *metrics.Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(cfg Config, orders Orders, c Chain, opts ...Option) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	m := &Monitor{cfg: cfg, orders: orders, chain: c, now: time.Now, log: zap.NewNop()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run sweeps every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("monitor started", zap.Duration("interval", m.cfg.Interval))
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("monitor stopped")
			return nil
		case <-ticker.C:
			if err := m.Sweep(ctx); err != nil {
				m.log.Warn("sweep finished with errors", zap.Error(err))
			}
		}
	}
}

// Sweep runs both passes once. Per-order failures do not stop the sweep;
// they are joined into the returned error.
func (m *Monitor) Sweep(ctx context.Context) error {
	start := m.now()
	errs := []error{m.sweepSubmitted(ctx), m.sweepStale(ctx)}
	err := errors.Join(errs...)
	m.log.Info("sweep done", zap.Duration("took", m.now().Sub(start)), zap.Bool("errors", err != nil))
	return err
}

func (m *Monitor) sweepSubmitted(ctx context.Context) error {
	orders, err := m.orders.GetByStatusAndAge(ctx, order.Submitted, m.cfg.SubmittedAfter)
	if err != nil {
		return fmt.Errorf("list submitted orders: %w", err)
	}
	return m.each(ctx, orders, func(ctx context.Context, o *order.Order) error {
		if !slices.Contains(sweptTypes, o.Type) {
			return nil
		}
		if o.TransactionHash == "" {
			m.log.Warn("submitted order has no transaction hash", zap.String("order_id", o.ID.String()))
			m.metrics.ObserveSweep(passSubmitted, "skipped")
			return nil
		}
		return m.checkSubmitted(ctx, o)
	})
}

func (m *Monitor) checkSubmitted(ctx context.Context, o *order.Order) error {
	log := m.log.With(zap.String("order_id", o.ID.String()), zap.String("tx_hash", o.TransactionHash))

	tx, err := m.chain.GetTxByHash(ctx, o.ChainID(), o.TransactionHash)
	switch {
	case errors.Is(err, chain.ErrTxNotFound):
		log.Info("transaction not found on chain, dropping order")
		return m.drop(ctx, o)
	case err != nil:
		return fmt.Errorf("order %s: %w", o.ID, err)
	case !tx.Confirmed():
		m.metrics.ObserveSweep(passSubmitted, "pending")
		return m.orders.TouchMonitored(ctx, o.ID)
	}

	receipt, err := m.chain.GetTxReceipt(ctx, o.ChainID(), o.TransactionHash)
	switch {
	case errors.Is(err, chain.ErrReceiptNotFound):
		log.Info("receipt missing for mined transaction, dropping order")
		return m.drop(ctx, o)
	case err != nil:
		return fmt.Errorf("order %s: %w", o.ID, err)
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.ToInt().Uint64()
	}
	m.metrics.ObserveSweep(passSubmitted, "confirmed")
	log.Info("transaction mined, handing off", zap.Uint64("block_number", block))
	return m.orders.Emit(ctx, event.Event{
		Kind:        event.TransactionConfirmed,
		OrderID:     o.ID,
		TxHash:      o.TransactionHash,
		Address:     o.Address(),
		ChainID:     o.ChainID(),
		BlockNumber: block,
		BlockHash:   receipt.BlockHash.Hex(),
	})
}

// drop moves o to Dropped together with a dropped_order event. Its address
// lock is released by whoever consumes that event.
func (m *Monitor) drop(ctx context.Context, o *order.Order) error {
	err := m.orders.TransitionAndEmit(ctx, o.ID, order.Dropped, nil, event.Event{
		Kind:    event.DroppedOrder,
		OrderID: o.ID,
		State:   order.Dropped,
		TxHash:  o.TransactionHash,
		Address: o.Address(),
		ChainID: o.ChainID(),
	})
	if err != nil {
		return err
	}
	m.metrics.ObserveSweep(passSubmitted, "dropped")
	return nil
}

func (m *Monitor) sweepStale(ctx context.Context) error {
	var errs []error
	for _, state := range staleStates {
		orders, err := m.orders.GetByStatusAndAge(ctx, state, m.cfg.SubmittedAfter)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s orders: %w", state, err))
			continue
		}
		errs = append(errs, m.each(ctx, orders, func(ctx context.Context, o *order.Order) error {
			age := m.now().Sub(o.CreatedAt)
			if age >= m.cfg.OrderAgeThreshold {
				return nil
			}
			m.metrics.ObserveSweep(passStale, "alerted")
			m.log.Warn("order stale",
				zap.String("order_id", o.ID.String()),
				zap.String("state", string(o.State)),
				zap.Duration("age", age))
			return m.orders.Emit(ctx, event.Event{
				Kind:    event.StaleOrder,
				OrderID: o.ID,
				State:   o.State,
				Address: o.Address(),
				ChainID: o.ChainID(),
			})
		}))
	}
	return errors.Join(errs...)
}

// each runs fn over orders with bounded concurrency and collects every
// failure.
func (m *Monitor) each(ctx context.Context, orders []*order.Order, fn func(context.Context, *order.Order) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, o := range orders {
		g.Go(func() error {
			if err := fn(gctx, o); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
