package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"orderflow/domain/order"
	"orderflow/infra/store"
)

// NonceRecord tracks the next nonce of an (address, chain) pair.
type NonceRecord struct {
	Address    string
	ChainID    uint64
	Nonce      uint64
	LastTxHash string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func encodeNonce(n *NonceRecord) store.Item {
	return store.Item{
		attrPK:         noncePK,
		attrSK:         lockSK(n.Address, n.ChainID),
		attrAddress:    order.NormalizeAddress(n.Address),
		attrChainID:    strconv.FormatUint(n.ChainID, 10),
		attrNonce:      strconv.FormatUint(n.Nonce, 10),
		attrLastTxHash: n.LastTxHash,
		attrCreatedAt:  formatTime(n.CreatedAt),
		attrUpdatedAt:  formatTime(n.UpdatedAt),
	}
}

func decodeNonce(item store.Item) (*NonceRecord, error) {
	n := &NonceRecord{
		Address:    item.Get(attrAddress),
		LastTxHash: item.Get(attrLastTxHash),
	}
	var err error
	if n.ChainID, err = strconv.ParseUint(item.Get(attrChainID), 10, 64); err != nil {
		return nil, fmt.Errorf("decode nonce chain id: %w", err)
	}
	if n.Nonce, err = strconv.ParseUint(item.Get(attrNonce), 10, 64); err != nil {
		return nil, fmt.Errorf("decode nonce: %w", err)
	}
	if n.CreatedAt, err = parseTime(item.Get(attrCreatedAt)); err != nil {
		return nil, fmt.Errorf("decode nonce created_at: %w", err)
	}
	if n.UpdatedAt, err = parseTime(item.Get(attrUpdatedAt)); err != nil {
		return nil, fmt.Errorf("decode nonce updated_at: %w", err)
	}
	return n, nil
}

func (r *Repository) GetNonce(ctx context.Context, address string, chainID uint64) (*NonceRecord, error) {
	key := nonceKey(address, chainID)
	item, err := r.store.Get(ctx, NoncesTable, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &order.NotFoundError{Kind: "nonce", Key: key}
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get nonce %s: %w", key, err))
	}
	return decodeNonce(item)
}

// IncrementNonce advances the nonce after txHash was confirmed. Every
// applied hash leaves a marker written with the counter, so seeing a hash
// again, in any order, leaves the record untouched.
func (r *Repository) IncrementNonce(ctx context.Context, address string, chainID uint64, txHash string) (*NonceRecord, error) {
	key := nonceKey(address, chainID)
	marker := nonceTxKey(address, chainID, txHash)
	now := r.now().UTC()

	applied, err := r.nonceApplied(ctx, marker)
	if err != nil {
		return nil, err
	}
	cur, err := r.GetNonce(ctx, address, chainID)
	var cond *store.Condition
	switch {
	case err == nil && (applied || cur.LastTxHash == txHash):
		return cur, nil
	case errors.Is(err, order.ErrNotFound):
		cur = &NonceRecord{Address: order.NormalizeAddress(address), ChainID: chainID, CreatedAt: now}
		cond = store.MustNotExist()
	case err != nil:
		return nil, err
	default:
		cond = &store.Condition{In: map[string][]string{
			attrNonce:      {strconv.FormatUint(cur.Nonce, 10)},
			attrLastTxHash: {cur.LastTxHash},
		}}
	}

	next := *cur
	next.Nonce++
	next.LastTxHash = txHash
	next.UpdatedAt = now
	err = r.store.Transact(ctx,
		store.Put(NoncesTable, key, encodeNonce(&next), cond),
		store.Put(NoncesTable, marker, store.Item{
			attrPK:         noncePK,
			attrSK:         lockSK(address, chainID) + "#" + txHash,
			attrLastTxHash: txHash,
			attrNonce:      strconv.FormatUint(next.Nonce, 10),
			attrCreatedAt:  formatTime(now),
		}, store.MustNotExist()),
	)
	if errors.Is(err, store.ErrConditionFailed) {
		// a concurrent delivery of the same hash won the race
		if applied, aerr := r.nonceApplied(ctx, marker); aerr == nil && applied {
			return r.GetNonce(ctx, address, chainID)
		}
	}
	if err != nil {
		return nil, classify(fmt.Errorf("increment nonce %s: %w", key, err))
	}
	return &next, nil
}

// nonceApplied reports whether the marker of a confirmed hash exists.
func (r *Repository) nonceApplied(ctx context.Context, marker string) (bool, error) {
	_, err := r.store.Get(ctx, NoncesTable, marker)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, classify(fmt.Errorf("read nonce marker %s: %w", marker, err))
	}
}
