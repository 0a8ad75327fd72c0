// Package ingest consumes chain and engine events from Kafka and feeds
// them to the reconciler, the nonce manager and the lock release path.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"orderflow/domain/event"
	"orderflow/domain/order"
	"orderflow/infra/metrics"
	"orderflow/infra/repository"
	"orderflow/service"
)

type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Parker receives messages that cannot be handled.
type Parker interface {
	Park(ctx context.Context, msg kafka.Message, reason error) error
}

type Reconciler interface {
	Confirm(ctx context.Context, c service.Confirmation) (*order.Order, error)
	Reorg(ctx context.Context, ev service.Reorg) (service.ReorgResult, error)
}

type Nonces interface {
	Increment(ctx context.Context, address string, chainID uint64, txHash string) (*repository.NonceRecord, error)
}

type Locks interface {
	ReleaseLock(ctx context.Context, lockTable string, orderID uuid.UUID) (bool, error)
}

type Consumer struct {
	reader     Reader
	reconciler Reconciler
	nonces     Nonces
	locks      Locks

	parker    Parker
	lockTable string
	attempts  int
	backoff   time.Duration
	log       *zap.Logger
	metrics   *metrics.Metrics
}

type Option func(*Consumer)

func WithLogger(log *zap.Logger) Option { return func(c *Consumer) { c.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Consumer) { c.metrics = m } }

func WithParker(p Parker) Option { return func(c *Consumer) { c.parker = p } }

func WithLockTable(name string) Option { return func(c *Consumer) { c.lockTable = name } }

// WithRetry sets how often a message failing with an infrastructure error
// is retried before it is parked, and the initial backoff between tries.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(c *Consumer) { c.attempts, c.backoff = attempts, backoff }
}

func New(reader Reader, reconciler Reconciler, nonces Nonces, locks Locks, opts ...Option) *Consumer {
	c := &Consumer{
		reader:     reader,
		reconciler: reconciler,
		nonces:     nonces,
		locks:      locks,
		lockTable:  repository.DefaultLockTable,
		attempts:   5,
		backoff:    200 * time.Millisecond,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run fetches, handles and commits messages until ctx is done. Offsets are
// committed only after a message was handled or parked.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("ingest started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("ingest stopped")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

// process handles msg, parking it when it is malformed, rejected by the
// domain, or still failing after all retries. A returned error means the
// message must not be committed.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) error {
	log := c.log.With(zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset))

	e, err := event.Unmarshal(msg.Value)
	if err == nil {
		err = e.Validate()
	}
	if err != nil {
		c.metrics.ObserveConsume("malformed", err)
		log.Error("dropping malformed event", zap.Error(err))
		return c.park(ctx, msg, err)
	}
	log = log.With(zap.String("kind", string(e.Kind)), zap.Uint64("seq", e.Seq))

	delay := c.backoff
	for attempt := 1; ; attempt++ {
		err = c.Handle(ctx, e)
		c.metrics.ObserveConsume(string(e.Kind), err)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			log.Warn("event rejected", zap.Error(err))
			return c.park(ctx, msg, err)
		}
		if attempt >= c.attempts {
			log.Error("event failed after retries", zap.Int("attempts", attempt), zap.Error(err))
			return c.park(ctx, msg, err)
		}
		log.Warn("event failed, retrying", zap.Int("attempt", attempt), zap.Duration("backoff", delay), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (c *Consumer) park(ctx context.Context, msg kafka.Message, reason error) error {
	if c.parker == nil {
		return nil
	}
	if err := c.parker.Park(ctx, msg, reason); err != nil {
		return fmt.Errorf("park offset %d: %w", msg.Offset, err)
	}
	return nil
}

// retryable reports whether err may succeed on redelivery. Domain
// rejections never do.
func retryable(err error) bool {
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, order.ErrConditionalCheckFailed),
		errors.Is(err, order.ErrValidation),
		errors.Is(err, service.ErrAmbiguousTransaction),
		errors.Is(err, event.ErrMalformed):
		return false
	}
	return true
}

// Handle applies one event.
func (c *Consumer) Handle(ctx context.Context, e event.Event) error {
	switch e.Kind {
	case event.TransactionConfirmed, event.TransactionIncluded:
		return c.confirmed(ctx, e)

	case event.TransactionsReorged:
		res, err := c.reconciler.Reorg(ctx, service.Reorg{Hashes: e.Hashes, NewState: e.State})
		if err != nil {
			return err
		}
		c.log.Info("reorg applied", zap.Int("updated", len(res.Updated)), zap.Int("failed", len(res.Failed)))
		return nil

	case event.DroppedOrder:
		released, err := c.locks.ReleaseLock(ctx, c.lockTable, e.OrderID)
		if err != nil {
			return err
		}
		c.log.Info("dropped order processed",
			zap.String("order_id", e.OrderID.String()),
			zap.Bool("lock_released", released))
		return nil

	case event.StaleOrder:
		c.log.Warn("stale order reported",
			zap.String("order_id", e.OrderID.String()),
			zap.String("state", string(e.State)),
			zap.String("address", e.Address),
			zap.Uint64("chain_id", e.ChainID))
		return nil

	default:
		return fmt.Errorf("%w: unknown kind %q", event.ErrMalformed, e.Kind)
	}
}

// confirmed advances the sender's nonce, then finalizes the matching order.
// The nonce moves even when no order matches: the chain has consumed it.
func (c *Consumer) confirmed(ctx context.Context, e event.Event) error {
	if _, err := c.nonces.Increment(ctx, e.Address, e.ChainID, e.TxHash); err != nil {
		return err
	}
	o, err := c.reconciler.Confirm(ctx, service.Confirmation{
		TxHash:      e.TxHash,
		From:        e.Address,
		ChainID:     e.ChainID,
		BlockNumber: e.BlockNumber,
		BlockHash:   e.BlockHash,
	})
	if err != nil {
		return err
	}
	if o != nil {
		c.log.Info("order finalized",
			zap.String("order_id", o.ID.String()),
			zap.String("state", string(o.State)),
			zap.String("tx_hash", e.TxHash))
	}
	return nil
}
