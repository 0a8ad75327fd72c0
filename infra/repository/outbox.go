package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"orderflow/domain/event"
	"orderflow/domain/order"
	"orderflow/infra/store"
)

// MaxOutboxAttempts is how many failed relays an event survives before it
// is parked as failed.
const MaxOutboxAttempts = 10

const (
	outboxPending = "pending"
	outboxFailed  = "failed"
)

// OutboxEntry is an event waiting to be relayed to the broker.
type OutboxEntry struct {
	ID        uuid.UUID
	Event     event.Event
	Attempts  int
	CreatedAt time.Time
	LastError string
}

func (r *Repository) outboxOp(e event.Event) (store.Op, error) {
	now := r.now()
	if e.At.IsZero() {
		e.At = now
	}
	if err := e.Validate(); err != nil {
		return store.Op{}, err
	}
	payload, err := event.Marshal(e)
	if err != nil {
		return store.Op{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return store.Op{}, fmt.Errorf("event id: %w", err)
	}
	item := store.Item{
		attrEventID:   id.String(),
		attrKind:      string(e.Kind),
		attrPayload:   base64.StdEncoding.EncodeToString(payload),
		attrStatus:    outboxPending,
		attrAttempts:  "0",
		attrCreatedAt: formatTime(now),
	}
	return store.Put(OutboxTable, id.String(), item, store.MustNotExist()), nil
}

// Emit stores e for relay.
func (r *Repository) Emit(ctx context.Context, e event.Event) error {
	op, err := r.outboxOp(e)
	if err != nil {
		return err
	}
	if err := r.store.Transact(ctx, op); err != nil {
		return classify(fmt.Errorf("emit %s: %w", e.Kind, err))
	}
	return nil
}

// TransitionAndEmit moves an order like TransitionNonTerminal and stores e
// in the same transaction, so the event exists exactly when the
// transition happened.
func (r *Repository) TransitionAndEmit(ctx context.Context, id uuid.UUID, to order.State, ch *Changes, e event.Event) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t := transition{op: "transition and emit", order: o, to: to}
	op, err := r.transitionOp(o, to, ch, r.now())
	if err != nil {
		return r.fail(t, err)
	}
	emit, err := r.outboxOp(e)
	if err != nil {
		return r.fail(t, err)
	}
	return r.commit(ctx, t, op, emit)
}

// PendingEvents returns up to limit unrelayed events in the order they
// were stored. limit <= 0 means all.
func (r *Repository) PendingEvents(ctx context.Context, limit int) ([]OutboxEntry, error) {
	items, err := store.Collect(ctx, r.store, store.Query{
		Table: OutboxTable,
		Index: IndexOutboxStatus,
		Hash:  []string{outboxPending},
		Limit: limit,
	}, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("pending events: %w", err))
	}
	out := make([]OutboxEntry, 0, len(items))
	for _, item := range items {
		e, err := decodeOutbox(item)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeOutbox(item store.Item) (OutboxEntry, error) {
	id, err := uuid.Parse(item.Get(attrEventID))
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("outbox id: %w", err)
	}
	payload, err := base64.StdEncoding.DecodeString(item.Get(attrPayload))
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("outbox %s payload: %w", id, err)
	}
	e, err := event.Unmarshal(payload)
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("outbox %s: %w", id, err)
	}
	attempts, err := strconv.Atoi(item.Get(attrAttempts))
	if err != nil {
		return OutboxEntry{}, fmt.Errorf("outbox %s attempts: %w", id, err)
	}
	created, err := parseTime(item.Get(attrCreatedAt))
	if err != nil {
		return OutboxEntry{}, err
	}
	return OutboxEntry{ID: id, Event: e, Attempts: attempts, CreatedAt: created, LastError: item.Get(attrLastError)}, nil
}

// AckEvent removes a relayed event. Acking twice is fine.
func (r *Repository) AckEvent(ctx context.Context, id uuid.UUID) error {
	err := r.store.Transact(ctx, store.Delete(OutboxTable, id.String(), &store.Condition{AllowMissing: true}))
	if err != nil {
		return classify(fmt.Errorf("ack event %s: %w", id, err))
	}
	return nil
}

// FailEvent records a failed relay. After MaxOutboxAttempts the event
// leaves the pending set.
func (r *Repository) FailEvent(ctx context.Context, id uuid.UUID, cause error) error {
	item, err := r.store.Get(ctx, OutboxTable, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return &order.NotFoundError{Kind: "event", Key: id.String()}
	}
	if err != nil {
		return classify(fmt.Errorf("get event %s: %w", id, err))
	}
	attempts, err := strconv.Atoi(item.Get(attrAttempts))
	if err != nil {
		return fmt.Errorf("outbox %s attempts: %w", id, err)
	}

	set := map[string]string{
		attrAttempts:      strconv.Itoa(attempts + 1),
		attrLastAttemptAt: formatTime(r.now()),
		attrLastError:     cause.Error(),
	}
	if attempts+1 >= MaxOutboxAttempts {
		set[attrStatus] = outboxFailed
	}
	cond := store.AttrIn(attrAttempts, item.Get(attrAttempts))
	if err := r.store.Transact(ctx, store.Update(OutboxTable, id.String(), set, nil, cond)); err != nil {
		return classify(fmt.Errorf("fail event %s: %w", id, err))
	}
	return nil
}
