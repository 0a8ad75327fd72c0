// Package repository persists orders, address locks and nonce records on
// top of a transactional store. Every state change is a conditional write
// whose condition encodes the legal predecessor states of the target state
// and the expected order type, so a worker racing on a stale read gets
// order.ErrConditionalCheckFailed instead of clobbering a newer state.
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"orderflow/domain/order"
	"orderflow/infra/metrics"
	"orderflow/infra/store"
)

type Repository struct {
	store   store.Store
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Repository)

func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Repository) { r.metrics = m }
}

func New(s store.Store, opts ...Option) *Repository {
	r := &Repository{store: s, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// classify maps store failures onto the order error taxonomy.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConditionFailed):
		return fmt.Errorf("%w: %w", order.ErrConditionalCheckFailed, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %w", order.ErrNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", order.ErrUnknown, err)
	}
}

//
// ──────────────────────────────────────────────────────────
// Reads
// ──────────────────────────────────────────────────────────
//

func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	item, err := r.store.Get(ctx, OrdersTable, id.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, &order.NotFoundError{Kind: "order", Key: id.String()}
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get order %s: %w", id, err))
	}
	return decodeOrder(item)
}

func (r *Repository) GetByTransactionHash(ctx context.Context, hash string) ([]*order.Order, error) {
	items, err := store.Collect(ctx, r.store, store.Query{
		Table: OrdersTable,
		Index: IndexTransactionHash,
		Hash:  []string{hash},
	}, 0)
	if err != nil {
		return nil, classify(fmt.Errorf("orders by tx hash %s: %w", hash, err))
	}
	return decodeOrders(items)
}

// GetByStatusAndAge returns orders in state whose last modification is
// older than olderThan.
func (r *Repository) GetByStatusAndAge(ctx context.Context, state order.State, olderThan time.Duration) ([]*order.Order, error) {
	cutoff := r.now().Add(-olderThan)
	items, err := store.Collect(ctx, r.store, store.Query{
		Table:      OrdersTable,
		Index:      IndexStateLastModified,
		Hash:       []string{string(state)},
		SortBefore: formatTime(cutoff),
	}, 0)
	if err != nil {
		return nil, classify(fmt.Errorf("orders in %s older than %s: %w", state, olderThan, err))
	}
	return decodeOrders(items)
}

// GetByKeyChainTypeAndState pages through the selection index until limit
// orders are collected or the index is exhausted. limit <= 0 means all.
func (r *Repository) GetByKeyChainTypeAndState(
	ctx context.Context,
	keyID string,
	chainID uint64,
	t order.Type,
	state order.State,
	limit int,
) ([]*order.Order, error) {
	q := store.Query{
		Table: OrdersTable,
		Index: IndexKeyChainTypeState,
		Hash:  []string{order.KeyChainType(keyID, chainID, t), string(state)},
	}
	if limit > 0 {
		q.Limit = limit
	}
	items, err := store.Collect(ctx, r.store, q, limit)
	if err != nil {
		return nil, classify(fmt.Errorf("orders for %s in %s: %w", q.Hash[0], state, err))
	}
	return decodeOrders(items)
}

//
// ──────────────────────────────────────────────────────────
// Creation
// ──────────────────────────────────────────────────────────
//

func (r *Repository) stamp(o *order.Order) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.State == "" {
		o.State = order.Received
	}
	now := r.now().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.LastModifiedAt.IsZero() {
		o.LastModifiedAt = o.CreatedAt
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.LastModifiedAt = o.LastModifiedAt.UTC()
}

// Create persists a new order. Missing id, state and timestamps are filled
// in on o.
func (r *Repository) Create(ctx context.Context, o *order.Order) error {
	if !o.Type.Valid() {
		return order.Validationf("create order: unknown order type %q", o.Type)
	}
	r.stamp(o)
	item, err := encodeOrder(o)
	if err != nil {
		return err
	}
	if err := r.store.Transact(ctx, store.Put(OrdersTable, o.ID.String(), item, store.MustNotExist())); err != nil {
		return classify(fmt.Errorf("create order %s: %w", o.ID, err))
	}
	return nil
}

// CreateReplacement persists o and points its original's replaced_by at it
// in one transaction. It fails with ErrConditionalCheckFailed when the
// original is terminal or already has an active replacement.
func (r *Repository) CreateReplacement(ctx context.Context, o *order.Order) error {
	if !o.HasReplaces() {
		return order.Validationf("create replacement %s: replaces is not set", o.ID)
	}
	original, err := r.GetByID(ctx, o.Replaces)
	if err != nil {
		return err
	}
	r.stamp(o)
	fail := func(err error) error {
		return &order.TransitionError{
			Op: "create replacement", OrderID: o.ID, Type: o.Type, To: o.State,
			Related: original.ID, Address: original.Address(), ChainID: original.ChainID(), Err: err,
		}
	}

	origCond := &store.Condition{
		In:    map[string][]string{attrReplacedBy: {""}},
		NotIn: map[string][]string{attrState: order.Strings(order.TerminalStates)},
	}
	var ops []store.Op
	if original.HasReplacedBy() {
		prev, err := r.GetByID(ctx, original.ReplacedBy)
		if err != nil {
			return err
		}
		if !prev.State.IsTerminal() {
			return fail(fmt.Errorf("%w: active replacement %s in %s", order.ErrConditionalCheckFailed, prev.ID, prev.State))
		}
		origCond.In[attrReplacedBy] = []string{prev.ID.String()}
		ops = append(ops, store.Check(OrdersTable, prev.ID.String(),
			&store.Condition{In: map[string][]string{attrState: order.Strings(order.TerminalStates)}}))
	}

	item, err := encodeOrder(o)
	if err != nil {
		return err
	}
	ops = append(ops,
		store.Put(OrdersTable, o.ID.String(), item, store.MustNotExist()),
		store.Update(OrdersTable, original.ID.String(), map[string]string{attrReplacedBy: o.ID.String()}, nil, origCond),
	)
	if err := r.store.Transact(ctx, ops...); err != nil {
		return fail(classify(err))
	}
	return nil
}

//
// ──────────────────────────────────────────────────────────
// Transitions
// ──────────────────────────────────────────────────────────
//

// transitionOp builds the conditional state update moving o to `to`.
func (r *Repository) transitionOp(o *order.Order, to order.State, ch *Changes, now time.Time) (store.Op, error) {
	preds := order.Predecessors(o.Type, to)
	if len(preds) == 0 {
		return store.Op{}, fmt.Errorf("%w: %s orders cannot enter %s", order.ErrConditionalCheckFailed, o.Type, to)
	}
	set, err := ch.attrs()
	if err != nil {
		return store.Op{}, err
	}
	set[attrState] = string(to)
	set[attrLastModifiedAt] = formatTime(now)
	cond := &store.Condition{In: map[string][]string{
		attrState:     order.Strings(preds),
		attrOrderType: {string(o.Type)},
	}}
	return store.Update(OrdersTable, o.ID.String(), set, nil, cond), nil
}

// unlockOp deletes the address lock of o. The lock may be held by any of
// holders, or already be gone.
func unlockOp(lockTable string, o *order.Order, holders ...uuid.UUID) store.Op {
	if lockTable == "" {
		lockTable = DefaultLockTable
	}
	ids := make([]string, len(holders))
	for i, h := range holders {
		ids[i] = h.String()
	}
	return store.Delete(lockTable, LockKey(o.Address(), o.ChainID()), &store.Condition{
		AllowMissing: true,
		In:           map[string][]string{attrOrderID: ids},
	})
}

type transition struct {
	op      string
	order   *order.Order
	to      order.State
	related uuid.UUID
}

func (r *Repository) commit(ctx context.Context, t transition, ops ...store.Op) error {
	err := classify(r.store.Transact(ctx, ops...))
	r.metrics.ObserveTransition(t.op, string(t.to), err)
	if err != nil {
		return r.fail(t, err)
	}
	return nil
}

func (r *Repository) fail(t transition, err error) error {
	return &order.TransitionError{
		Op:      t.op,
		OrderID: t.order.ID,
		Type:    t.order.Type,
		From:    t.order.State,
		To:      t.to,
		Related: t.related,
		Address: t.order.Address(),
		ChainID: t.order.ChainID(),
		Err:     err,
	}
}

// UpdateState moves an order to newState without consulting the
// predecessor table. Terminal orders are never moved, and a Signature
// order leaving a locking state for a non-locking one releases its address
// lock.
func (r *Repository) UpdateState(ctx context.Context, lockTable string, id uuid.UUID, newState order.State) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t := transition{op: "update state", order: o, to: newState}
	if !newState.Valid() {
		return r.fail(t, order.Validationf("unknown state %q", newState))
	}
	if o.State.IsTerminal() {
		return r.fail(t, fmt.Errorf("%w: order is terminal", order.ErrConditionalCheckFailed))
	}
	ops := []store.Op{store.Update(OrdersTable, id.String(), map[string]string{
		attrState:          string(newState),
		attrLastModifiedAt: formatTime(r.now()),
	}, nil, &store.Condition{In: map[string][]string{attrState: {string(o.State)}}})}
	// only Signature orders hold the address lock themselves
	if o.Type == order.Signature && o.State.IsLocking() && !newState.IsLocking() {
		ops = append(ops, unlockOp(lockTable, o, o.ID))
	}
	return r.commit(ctx, t, ops...)
}

// TransitionNonTerminal conditionally moves an order to `to` without
// touching any lock.
func (r *Repository) TransitionNonTerminal(ctx context.Context, id uuid.UUID, to order.State, ch *Changes) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t := transition{op: "transition", order: o, to: to}
	op, err := r.transitionOp(o, to, ch, r.now())
	if err != nil {
		return r.fail(t, err)
	}
	return r.commit(ctx, t, op)
}

// TransitionAndUnlock conditionally moves an order to `to` and releases
// the lock on its (address, chain) in the same transaction. A lock still
// held by the order it replaces is released too.
func (r *Repository) TransitionAndUnlock(ctx context.Context, lockTable string, id uuid.UUID, to order.State, ch *Changes) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t := transition{op: "transition and unlock", order: o, to: to}
	op, err := r.transitionOp(o, to, ch, r.now())
	if err != nil {
		return r.fail(t, err)
	}
	holders := []uuid.UUID{o.ID}
	if o.HasReplaces() {
		holders = append(holders, o.Replaces)
	}
	return r.commit(ctx, t, op, unlockOp(lockTable, o, holders...))
}

// TransitionReplacementNonTerminal moves an order and a related order
// (its replacement or original) together, without touching any lock.
func (r *Repository) TransitionReplacementNonTerminal(
	ctx context.Context,
	id uuid.UUID, to order.State,
	relatedID uuid.UUID, relatedTo order.State,
	ch *Changes,
) error {
	o, related, err := r.pair(ctx, id, relatedID)
	if err != nil {
		return err
	}
	t := transition{op: "transition pair", order: o, to: to, related: relatedID}
	ops, err := r.pairOps(o, to, related, relatedTo, ch)
	if err != nil {
		return r.fail(t, err)
	}
	return r.commit(ctx, t, ops...)
}

// TransitionWithReplacementAndUnlock moves an order and a related order
// together and releases the lock held by either of them.
func (r *Repository) TransitionWithReplacementAndUnlock(
	ctx context.Context,
	lockTable string,
	id uuid.UUID, to order.State,
	relatedID uuid.UUID, relatedTo order.State,
	ch *Changes,
) error {
	o, related, err := r.pair(ctx, id, relatedID)
	if err != nil {
		return err
	}
	t := transition{op: "transition pair and unlock", order: o, to: to, related: relatedID}
	ops, err := r.pairOps(o, to, related, relatedTo, ch)
	if err != nil {
		return r.fail(t, err)
	}
	ops = append(ops, unlockOp(lockTable, o, o.ID, related.ID))
	return r.commit(ctx, t, ops...)
}

// TransitionMinedAndReplacement records a confirmed replacement: the mined
// order moves to minedTo, the order it replaced moves to Replaced and the
// address lock is released, all at once.
func (r *Repository) TransitionMinedAndReplacement(
	ctx context.Context,
	lockTable string,
	minedID uuid.UUID, minedTo order.State,
	replacedID uuid.UUID, setReplacedBy bool,
	ch *Changes,
) error {
	mined, replaced, err := r.pair(ctx, minedID, replacedID)
	if err != nil {
		return err
	}
	t := transition{op: "transition mined and replacement", order: mined, to: minedTo, related: replacedID}
	var replacedCh *Changes
	if setReplacedBy {
		replacedCh = &Changes{ReplacedBy: &mined.ID}
	}
	now := r.now()
	minedOp, err := r.transitionOp(mined, minedTo, ch, now)
	if err != nil {
		return r.fail(t, err)
	}
	replacedOp, err := r.transitionOp(replaced, order.Replaced, replacedCh, now)
	if err != nil {
		return r.fail(t, err)
	}
	return r.commit(ctx, t, minedOp, replacedOp, unlockOp(lockTable, replaced, mined.ID, replaced.ID))
}

func (r *Repository) pair(ctx context.Context, id, relatedID uuid.UUID) (*order.Order, *order.Order, error) {
	if id == relatedID {
		return nil, nil, order.Validationf("order %s cannot be related to itself", id)
	}
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	related, err := r.GetByID(ctx, relatedID)
	if err != nil {
		return nil, nil, err
	}
	return o, related, nil
}

func (r *Repository) pairOps(o *order.Order, to order.State, related *order.Order, relatedTo order.State, ch *Changes) ([]store.Op, error) {
	now := r.now()
	op, err := r.transitionOp(o, to, ch, now)
	if err != nil {
		return nil, err
	}
	relOp, err := r.transitionOp(related, relatedTo, nil, now)
	if err != nil {
		return nil, err
	}
	return []store.Op{op, relOp}, nil
}

// RequestCancellation flags a Signature order for cancellation. Only
// orders that have not been broadcast yet are eligible.
func (r *Repository) RequestCancellation(ctx context.Context, id uuid.UUID) error {
	o, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	t := transition{op: "request cancellation", order: o, to: o.State}
	cond := &store.Condition{In: map[string][]string{
		attrState:     order.Strings(order.CancellableStates()),
		attrOrderType: {string(order.Signature)},
	}}
	return r.commit(ctx, t, store.Update(OrdersTable, id.String(),
		map[string]string{attrCancellationRequested: "true"}, nil, cond))
}

// TouchMonitored records that the monitor looked at the order. State and
// last_modified_at are left alone.
func (r *Repository) TouchMonitored(ctx context.Context, id uuid.UUID) error {
	err := r.store.Transact(ctx, store.Update(OrdersTable, id.String(),
		map[string]string{attrLastMonitoredAt: formatTime(r.now())}, nil, &store.Condition{}))
	if err != nil {
		return classify(fmt.Errorf("touch order %s: %w", id, err))
	}
	return nil
}
