package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/domain/order"
	"orderflow/infra/repository"
)

// TransitionStore is the repository surface the status updater dispatches
// onto.
type TransitionStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	TransitionNonTerminal(ctx context.Context, id uuid.UUID, to order.State, ch *repository.Changes) error
	TransitionAndUnlock(ctx context.Context, lockTable string, id uuid.UUID, to order.State, ch *repository.Changes) error
	TransitionReplacementNonTerminal(ctx context.Context, id uuid.UUID, to order.State, relatedID uuid.UUID, relatedTo order.State, ch *repository.Changes) error
	TransitionWithReplacementAndUnlock(ctx context.Context, lockTable string, id uuid.UUID, to order.State, relatedID uuid.UUID, relatedTo order.State, ch *repository.Changes) error
}

// StatusUpdate asks for order OrderID to move to Next. Current is the state
// the caller believes it is leaving; Signature orders moving to Error
// require it.
type StatusUpdate struct {
	OrderID uuid.UUID
	Next    order.State
	Current *order.State
	Changes *repository.Changes
}

// StatusUpdater routes a requested transition to the repository operation
// matching the order type and its locking semantics.
type StatusUpdater struct {
	orders TransitionStore
	opts   options
}

func NewStatusUpdater(orders TransitionStore, opts ...Option) *StatusUpdater {
	return &StatusUpdater{orders: orders, opts: newOptions(opts)}
}

func (u *StatusUpdater) Update(ctx context.Context, req StatusUpdate) error {
	if !req.Next.Valid() {
		return order.Validationf("order %s: unknown target state %q", req.OrderID, req.Next)
	}
	o, err := u.orders.GetByID(ctx, req.OrderID)
	if err != nil {
		return err
	}

	log := u.opts.log.With(
		zap.String("order_id", o.ID.String()),
		zap.String("order_type", string(o.Type)),
		zap.String("next_state", string(req.Next)))

	switch o.Type {
	case order.Signature:
		err = u.updateSignature(ctx, o, req)
	case order.Sponsored, order.SpeedUp, order.Cancellation:
		// these never hold the address lock themselves
		err = u.orders.TransitionNonTerminal(ctx, o.ID, req.Next, req.Changes)
	default:
		err = fmt.Errorf("%w: order %s of type %s cannot change status", order.ErrUnknown, o.ID, o.Type)
	}
	if err != nil {
		log.Warn("status update failed", zap.Error(err))
		return err
	}
	log.Info("status updated")
	return nil
}

func (u *StatusUpdater) updateSignature(ctx context.Context, o *order.Order, req StatusUpdate) error {
	if req.Next == order.Error && req.Current == nil {
		return order.Validationf("order %s: current state is required to move to %s", o.ID, order.Error)
	}
	sponsored, err := u.signedSponsoredOriginal(ctx, o)
	if err != nil {
		return err
	}

	switch {
	case sponsored != nil && req.Next == order.Submitted:
		return u.orders.TransitionReplacementNonTerminal(ctx, o.ID, order.Submitted, sponsored.ID, order.Submitted, req.Changes)

	case sponsored != nil && req.Next == order.Error:
		if req.Current.IsLocking() {
			return u.orders.TransitionWithReplacementAndUnlock(ctx, u.opts.lockTable, o.ID, order.Error, sponsored.ID, order.Error, req.Changes)
		}
		return u.orders.TransitionReplacementNonTerminal(ctx, o.ID, order.Error, sponsored.ID, order.Error, req.Changes)

	case req.Next == order.Error:
		if req.Current.IsLocking() {
			return u.orders.TransitionAndUnlock(ctx, u.opts.lockTable, o.ID, order.Error, req.Changes)
		}
		return u.orders.TransitionNonTerminal(ctx, o.ID, order.Error, req.Changes)

	case req.Next.IsTerminal():
		return u.orders.TransitionAndUnlock(ctx, u.opts.lockTable, o.ID, req.Next, req.Changes)

	default:
		return u.orders.TransitionNonTerminal(ctx, o.ID, req.Next, req.Changes)
	}
}

// signedSponsoredOriginal returns the Sponsored order wrapped by o when it
// is still Signed.
func (u *StatusUpdater) signedSponsoredOriginal(ctx context.Context, o *order.Order) (*order.Order, error) {
	if !o.HasReplaces() {
		return nil, nil
	}
	original, err := u.orders.GetByID(ctx, o.Replaces)
	if err != nil {
		return nil, fmt.Errorf("original of order %s: %w", o.ID, err)
	}
	if original.Type != order.Sponsored || original.State != order.Signed {
		return nil, nil
	}
	return original, nil
}
