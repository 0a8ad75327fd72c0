package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"orderflow/domain/order"
)

// OrderQuerier is the read side of the repository used for selection.
type OrderQuerier interface {
	GetByKeyChainTypeAndState(ctx context.Context, keyID string, chainID uint64, t order.Type, s order.State, limit int) ([]*order.Order, error)
}

// Selection is the outcome of one selector run. Order is nil when nothing
// should be advanced; Reason then says why.
type Selection struct {
	Order  *order.Order
	Reason string
}

func (s Selection) Selected() bool { return s.Order != nil }

// Selector picks the next order to progress for a (key, chain) scope.
type Selector struct {
	orders       OrderQuerier
	ageThreshold time.Duration
	opts         options
}

func NewSelector(orders OrderQuerier, ageThreshold time.Duration, opts ...Option) *Selector {
	return &Selector{orders: orders, ageThreshold: ageThreshold, opts: newOptions(opts)}
}

// Next applies the selection priorities, first match wins:
//
//  1. ApproversReviewed replacements (Cancellation, then SpeedUp)
//  2. ApproversReviewed Sponsored orders
//  3. any Submitted Signature order blocks selection
//  4. Signed, then 5. SelectedForSigning Signature orders, only once they
//     have been idle for the age threshold
//  6. ApproversReviewed Signature orders
//
// Within a category the oldest created_at wins.
func (s *Selector) Next(ctx context.Context, keyID string, chainID uint64) (Selection, error) {
	sel, err := s.next(ctx, keyID, chainID)
	if err != nil {
		return Selection{}, err
	}
	var t order.Type
	if sel.Selected() {
		t = sel.Order.Type
		s.opts.log.Debug("order selected",
			zap.String("order_id", sel.Order.ID.String()),
			zap.String("order_type", string(t)),
			zap.String("state", string(sel.Order.State)),
			zap.String("reason", sel.Reason))
	} else {
		s.opts.log.Debug("no order selected",
			zap.String("key_id", keyID),
			zap.Uint64("chain_id", chainID),
			zap.String("reason", sel.Reason))
	}
	s.opts.metrics.ObserveSelection(t)
	return sel, nil
}

func (s *Selector) next(ctx context.Context, keyID string, chainID uint64) (Selection, error) {
	for _, t := range order.ReplacementTypes {
		if o, err := s.oldest(ctx, keyID, chainID, t, order.ApproversReviewed); err != nil || o != nil {
			return Selection{Order: o, Reason: fmt.Sprintf("%s order approved", t)}, err
		}
	}

	if o, err := s.oldest(ctx, keyID, chainID, order.Sponsored, order.ApproversReviewed); err != nil || o != nil {
		return Selection{Order: o, Reason: "Sponsored order approved"}, err
	}

	busy, err := s.orders.GetByKeyChainTypeAndState(ctx, keyID, chainID, order.Signature, order.Submitted, 1)
	if err != nil {
		return Selection{}, err
	}
	if len(busy) > 0 {
		return Selection{Reason: "SUBMITTED order in progress"}, nil
	}

	for _, state := range []order.State{order.Signed, order.SelectedForSigning} {
		o, err := s.oldest(ctx, keyID, chainID, order.Signature, state)
		if err != nil {
			return Selection{}, err
		}
		if o == nil {
			continue
		}
		if s.opts.now().Sub(o.LastModifiedAt) < s.ageThreshold {
			return Selection{Reason: fmt.Sprintf("%s order found but not old enough", upper(state))}, nil
		}
		return Selection{Order: o, Reason: fmt.Sprintf("%s order retried", upper(state))}, nil
	}

	o, err := s.oldest(ctx, keyID, chainID, order.Signature, order.ApproversReviewed)
	if err != nil {
		return Selection{}, err
	}
	if o != nil {
		return Selection{Order: o, Reason: "Signature order approved"}, nil
	}
	return Selection{Reason: "no order selected: no eligible orders"}, nil
}

func (s *Selector) oldest(ctx context.Context, keyID string, chainID uint64, t order.Type, state order.State) (*order.Order, error) {
	orders, err := s.orders.GetByKeyChainTypeAndState(ctx, keyID, chainID, t, state, 0)
	if err != nil {
		return nil, fmt.Errorf("select %s %s: %w", t, state, err)
	}
	return oldest(orders), nil
}

// oldest returns the order with the earliest created_at, ties broken by id.
func oldest(orders []*order.Order) *order.Order {
	var best *order.Order
	for _, o := range orders {
		if best == nil ||
			o.CreatedAt.Before(best.CreatedAt) ||
			(o.CreatedAt.Equal(best.CreatedAt) && o.ID.String() < best.ID.String()) {
			best = o
		}
	}
	return best
}

func upper(s order.State) string {
	switch s {
	case order.Signed:
		return "SIGNED"
	case order.SelectedForSigning:
		return "SELECTED_FOR_SIGNING"
	default:
		return string(s)
	}
}
