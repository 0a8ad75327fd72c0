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

type NonceStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error)
	GetNonce(ctx context.Context, address string, chainID uint64) (*repository.NonceRecord, error)
	IncrementNonce(ctx context.Context, address string, chainID uint64, txHash string) (*repository.NonceRecord, error)
}

// NonceManager hands out nonces per order type and advances them when a
// managed address broadcast is confirmed.
type NonceManager struct {
	store     NonceStore
	validator AddressValidator
	opts      options
}

func NewNonceManager(store NonceStore, validator AddressValidator, opts ...Option) *NonceManager {
	return &NonceManager{store: store, validator: validator, opts: newOptions(opts)}
}

// Nonce returns the nonce o must be signed with.
func (m *NonceManager) Nonce(ctx context.Context, o *order.Order) (uint64, error) {
	switch o.Type {
	case order.Signature:
		rec, err := m.store.GetNonce(ctx, o.Address(), o.ChainID())
		if errors.Is(err, order.ErrNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return rec.Nonce, nil

	case order.SpeedUp, order.Cancellation:
		if !o.HasReplaces() {
			return 0, order.Validationf("%s order %s does not replace any order", o.Type, o.ID)
		}
		original, err := m.store.GetByID(ctx, o.Replaces)
		if err != nil {
			return 0, fmt.Errorf("nonce of order %s: %w", o.ID, err)
		}
		if original.Data.Nonce == nil {
			return 0, order.Validationf("original order %s of %s has no signed nonce", original.ID, o.ID)
		}
		return *original.Data.Nonce, nil

	case order.Sponsored:
		// TODO: track meta-transaction nonces per sponsored address once the
		// forwarder contract exposes them; until then sponsored orders sign with 0.
		return 0, nil

	default:
		return 0, fmt.Errorf("%w: no nonce for %s order %s", order.ErrUnknown, o.Type, o.ID)
	}
}

// Increment advances the nonce of (address, chainID) for a confirmed
// transaction. Unmanaged addresses are ignored and return nil.
func (m *NonceManager) Increment(ctx context.Context, address string, chainID uint64, txHash string) (*repository.NonceRecord, error) {
	managed, err := m.validator.IsManagedAddress(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("validate address %s: %w", address, err)
	}
	if !managed {
		return nil, nil
	}
	rec, err := m.store.IncrementNonce(ctx, address, chainID, txHash)
	if err != nil {
		return nil, err
	}
	m.opts.log.Info("nonce incremented",
		zap.String("address", rec.Address),
		zap.Uint64("chain_id", chainID),
		zap.String("tx_hash", txHash),
		zap.Uint64("nonce", rec.Nonce))
	return rec, nil
}
