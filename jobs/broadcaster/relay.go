package broadcaster

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/infra/repository"
)

// Outbox is the durable queue of events written by the engine.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]repository.OutboxEntry, error)
	AckEvent(ctx context.Context, id uuid.UUID) error
	FailEvent(ctx context.Context, id uuid.UUID, cause error) error
}

// Relay drains the outbox into Kafka.
type Relay struct {
	b        *Broadcaster
	outbox   Outbox
	interval time.Duration
	batch    int
}

func NewRelay(b *Broadcaster, outbox Outbox, interval time.Duration, batch int) *Relay {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	if batch <= 0 {
		batch = 100
	}
	return &Relay{b: b, outbox: outbox, interval: interval, batch: batch}
}

// Run relays on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context) error {
	r.b.log.Info("relay started", zap.Duration("interval", r.interval))
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Once(ctx); err != nil && ctx.Err() == nil {
				r.b.log.Warn("relay pass failed", zap.Error(err))
			}
		}
	}
}

// Once publishes pending events oldest first and acks each one sent. It
// stops at the first failure so events keep their order; the failure is
// recorded on the entry and retried next pass.
func (r *Relay) Once(ctx context.Context) (int, error) {
	pending, err := r.outbox.PendingEvents(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, entry := range pending {
		if err := r.b.Publish(ctx, entry.Event); err != nil {
			if ferr := r.outbox.FailEvent(ctx, entry.ID, err); ferr != nil {
				r.b.log.Error("recording relay failure", zap.String("event_id", entry.ID.String()), zap.Error(ferr))
			}
			return sent, err
		}
		if err := r.outbox.AckEvent(ctx, entry.ID); err != nil {
			return sent, err
		}
		sent++
	}
	return sent, nil
}
