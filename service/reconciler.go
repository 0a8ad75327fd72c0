package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/domain/order"
	"orderflow/infra/repository"
)

// ErrAmbiguousTransaction is returned when a tx hash maps to more than one
// Submitted order.
var ErrAmbiguousTransaction = errors.New("more than one submitted transaction found")

// TxStatusReader reports whether a mined transaction succeeded.
type TxStatusReader interface {
	TxSucceeded(ctx context.Context, chainID uint64, hash string) (bool, error)
}

type AddressValidator interface {
	IsManagedAddress(ctx context.Context, address string) (bool, error)
}

// ReconcileStore is the repository surface used by the reconciler.
type ReconcileStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetByTransactionHash(ctx context.Context, hash string) ([]*order.Order, error)
	UpdateState(ctx context.Context, lockTable string, id uuid.UUID, newState order.State) error
	TransitionAndUnlock(ctx context.Context, lockTable string, id uuid.UUID, to order.State, ch *repository.Changes) error
	TransitionMinedAndReplacement(ctx context.Context, lockTable string, minedID uuid.UUID, minedTo order.State, replacedID uuid.UUID, setReplacedBy bool, ch *repository.Changes) error
}

// Confirmation is an "included in block" event.
type Confirmation struct {
	TxHash      string
	From        string
	ChainID     uint64
	BlockNumber uint64
	BlockHash   string
}

// Reorg declares transactions reorged out of the chain.
type Reorg struct {
	Hashes   []string
	NewState order.State
}

type ReorgResult struct {
	Updated []uuid.UUID
	Failed  map[uuid.UUID]error
}

// Reconciler folds chain events back into order state.
type Reconciler struct {
	orders    ReconcileStore
	chain     TxStatusReader
	validator AddressValidator
	opts      options
}

func NewReconciler(orders ReconcileStore, chain TxStatusReader, validator AddressValidator, opts ...Option) *Reconciler {
	return &Reconciler{orders: orders, chain: chain, validator: validator, opts: newOptions(opts)}
}

// Confirm finalizes the order behind a confirmed transaction. It returns
// the finalized order, or nil when the event needed no change (unmanaged
// sender or re-delivery of an already completed order).
func (r *Reconciler) Confirm(ctx context.Context, c Confirmation) (*order.Order, error) {
	o, err := r.confirm(ctx, c)
	r.opts.metrics.ObserveReconcile("confirm", err)
	return o, err
}

func (r *Reconciler) confirm(ctx context.Context, c Confirmation) (*order.Order, error) {
	log := r.opts.log.With(
		zap.String("tx_hash", c.TxHash),
		zap.String("from", c.From),
		zap.Uint64("chain_id", c.ChainID),
		zap.Uint64("block_number", c.BlockNumber))

	managed, err := r.validator.IsManagedAddress(ctx, c.From)
	if err != nil {
		return nil, fmt.Errorf("validate address %s: %w", c.From, err)
	}
	if !managed {
		log.Debug("ignoring transaction from unmanaged address")
		return nil, nil
	}

	o, err := r.match(ctx, c.TxHash)
	if err != nil || o == nil {
		return nil, err
	}
	log = log.With(zap.String("order_id", o.ID.String()), zap.String("order_type", string(o.Type)))

	switch o.State {
	case order.Submitted:
	case order.Completed, order.CompletedWithError:
		log.Info("transaction already reconciled", zap.String("state", string(o.State)))
		return nil, nil
	default:
		return nil, &order.TransitionError{
			Op: "confirm", OrderID: o.ID, Type: o.Type, From: o.State, To: order.Completed,
			Address: o.Address(), ChainID: o.ChainID(),
			Err: fmt.Errorf("%w: order is not submitted", order.ErrConditionalCheckFailed),
		}
	}

	ok, err := r.chain.TxSucceeded(ctx, c.ChainID, c.TxHash)
	if err != nil {
		return nil, fmt.Errorf("%w: tx status %s: %w", order.ErrUnknown, c.TxHash, err)
	}
	next := order.Completed
	if !ok {
		next = order.CompletedWithError
	}

	if o.HasReplaces() {
		original, err := r.orders.GetByID(ctx, o.Replaces)
		if err != nil {
			return nil, err
		}
		switch {
		case original.Type == order.Sponsored:
		case original.State == order.Dropped:
			// evicted by this replacement; the original stays Dropped
			log.Info("original already dropped, completing replacement alone",
				zap.String("replaced_order_id", original.ID.String()))
		default:
			if err := r.orders.TransitionMinedAndReplacement(ctx, r.opts.lockTable, o.ID, next, original.ID, true, nil); err != nil {
				return nil, err
			}
			log.Info("replacement transaction confirmed",
				zap.String("state", string(next)),
				zap.String("replaced_order_id", original.ID.String()))
			o.State = next
			return o, nil
		}
	}

	if err := r.orders.TransitionAndUnlock(ctx, r.opts.lockTable, o.ID, next, nil); err != nil {
		return nil, err
	}
	log.Info("transaction confirmed", zap.String("state", string(next)))
	o.State = next
	return o, nil
}

// match resolves the order a tx hash belongs to. A nil order with a nil
// error means the hash was already reconciled.
func (r *Reconciler) match(ctx context.Context, hash string) (*order.Order, error) {
	matches, err := r.orders.GetByTransactionHash(ctx, hash)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &order.NotFoundError{Kind: "transaction hash", Key: hash}
	case 1:
		return matches[0], nil
	}

	var submitted []*order.Order
	completed := false
	for _, o := range matches {
		if o.State == order.Submitted && o.Type != order.Sponsored {
			submitted = append(submitted, o)
		}
		if o.State == order.Completed {
			completed = true
		}
	}
	switch {
	case len(submitted) > 1:
		return nil, fmt.Errorf("%w: tx %s matches %d orders", ErrAmbiguousTransaction, hash, len(submitted))
	case len(submitted) == 1:
		return submitted[0], nil
	case completed:
		return nil, nil
	default:
		return nil, &order.NotFoundError{Kind: "transaction hash", Key: hash}
	}
}

// Reorg moves every order behind the given hashes to NewState. A failing
// order is logged and skipped so the rest of the batch still progresses.
func (r *Reconciler) Reorg(ctx context.Context, ev Reorg) (ReorgResult, error) {
	res := ReorgResult{Failed: map[uuid.UUID]error{}}
	if !ev.NewState.Valid() {
		return res, order.Validationf("reorg: unknown target state %q", ev.NewState)
	}

	seen := make(map[uuid.UUID]struct{})
	var targets []*order.Order
	for _, hash := range ev.Hashes {
		matches, err := r.orders.GetByTransactionHash(ctx, hash)
		if err != nil {
			return res, fmt.Errorf("reorg lookup %s: %w", hash, err)
		}
		for _, o := range matches {
			if _, dup := seen[o.ID]; dup {
				continue
			}
			seen[o.ID] = struct{}{}
			targets = append(targets, o)
		}
	}

	for _, o := range targets {
		err := r.orders.UpdateState(ctx, r.opts.lockTable, o.ID, ev.NewState)
		r.opts.metrics.ObserveReconcile("reorg", err)
		if err != nil {
			r.opts.log.Error("reorg update failed, skipping order",
				zap.String("order_id", o.ID.String()),
				zap.String("tx_hash", o.TransactionHash),
				zap.String("state", string(o.State)),
				zap.String("new_state", string(ev.NewState)),
				zap.Error(err))
			res.Failed[o.ID] = err
			continue
		}
		res.Updated = append(res.Updated, o.ID)
	}
	r.opts.log.Info("reorg batch processed",
		zap.Int("hashes", len(ev.Hashes)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("failed", len(res.Failed)))
	return res, nil
}
