package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"orderflow/domain/order"
	"orderflow/infra/store"
)

// AcquireLock takes the address lock for (address, chainID) on behalf of
// orderID. It reports false when another order holds the lock, and true
// when the lock was taken or was already held by orderID.
func (r *Repository) AcquireLock(ctx context.Context, lockTable string, orderID uuid.UUID, address string, chainID uint64) (bool, error) {
	if lockTable == "" {
		lockTable = DefaultLockTable
	}
	item := store.Item{
		attrPK:        lockPK,
		attrSK:        lockSK(address, chainID),
		attrOrderID:   orderID.String(),
		attrCreatedAt: formatTime(r.now()),
	}
	cond := &store.Condition{
		AllowMissing: true,
		In:           map[string][]string{attrOrderID: {orderID.String()}},
	}
	err := r.store.Transact(ctx, store.Put(lockTable, LockKey(address, chainID), item, cond))
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, classify(fmt.Errorf("acquire lock %s: %w", LockKey(address, chainID), err))
	}
	return true, nil
}

// LockHolder returns the order currently holding the lock, or uuid.Nil.
func (r *Repository) LockHolder(ctx context.Context, lockTable string, address string, chainID uint64) (uuid.UUID, error) {
	if lockTable == "" {
		lockTable = DefaultLockTable
	}
	item, err := r.store.Get(ctx, lockTable, LockKey(address, chainID))
	if errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, classify(fmt.Errorf("read lock %s: %w", LockKey(address, chainID), err))
	}
	return uuid.Parse(item.Get(attrOrderID))
}

// ReleaseLock drops the address lock of a terminal order. It is a no-op,
// returning false, when the lock is absent or held by another order.
func (r *Repository) ReleaseLock(ctx context.Context, lockTable string, orderID uuid.UUID) (bool, error) {
	if lockTable == "" {
		lockTable = DefaultLockTable
	}
	o, err := r.GetByID(ctx, orderID)
	if err != nil {
		return false, err
	}
	holder, err := r.LockHolder(ctx, lockTable, o.Address(), o.ChainID())
	if err != nil {
		return false, err
	}
	if holder != orderID {
		return false, nil
	}
	t := transition{op: "release lock", order: o, to: o.State}
	if !o.State.IsTerminal() {
		return false, r.fail(t, fmt.Errorf("%w: order is not terminal", order.ErrConditionalCheckFailed))
	}
	err = r.commit(ctx, t,
		store.Check(OrdersTable, orderID.String(), store.AttrIn(attrState, order.Strings(order.TerminalStates)...)),
		unlockOp(lockTable, o, orderID),
	)
	if err != nil {
		return false, err
	}
	return true, nil
}
