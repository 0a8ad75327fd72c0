// Package store is a small transactional key/value document store.
//
// Items are flat string attribute maps addressed by (table, key). Every write
// goes through Transact, which applies up to MaxTransactItems operations
// all-or-nothing, each guarded by an optional Condition. Tables may declare
// sparse secondary indexes which are maintained inside the same transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// MaxTransactItems bounds the number of operations in a single transaction.
const MaxTransactItems = 100

var (
	ErrNotFound        = errors.New("store: item not found")
	ErrConditionFailed = errors.New("store: conditional check failed")
	ErrInvalidOp       = errors.New("store: invalid operation")
	ErrUnknownIndex    = errors.New("store: unknown index")
)

// Store is implemented by the pebble and in-memory adapters.
type Store interface {
	Get(ctx context.Context, table, key string) (Item, error)
	Query(ctx context.Context, q Query) (Page, error)
	Transact(ctx context.Context, ops ...Op) error
}

// Item is a flat attribute map. Absent attributes read as "".
type Item map[string]string

func (it Item) Get(attr string) string { return it[attr] }

func (it Item) Clone() Item {
	if it == nil {
		return nil
	}
	return maps.Clone(it)
}

type OpKind uint8

const (
	OpPut OpKind = iota
	OpUpdate
	OpDelete
	OpCheck
)

func (k OpKind) String() string {
	switch k {
	case OpPut:
		return "put"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCheck:
		return "check"
	default:
		return "unknown"
	}
}

// Op is a single write (or condition check) inside a transaction.
type Op struct {
	Kind  OpKind
	Table string
	Key   string

	Item   Item              // put
	Set    map[string]string // update
	Remove []string          // update

	Cond *Condition
}

func Put(table, key string, item Item, cond *Condition) Op {
	return Op{Kind: OpPut, Table: table, Key: key, Item: item, Cond: cond}
}

// Update merges set into the existing item and drops remove. The item must
// exist.
func Update(table, key string, set map[string]string, remove []string, cond *Condition) Op {
	return Op{Kind: OpUpdate, Table: table, Key: key, Set: set, Remove: remove, Cond: cond}
}

func Delete(table, key string, cond *Condition) Op {
	return Op{Kind: OpDelete, Table: table, Key: key, Cond: cond}
}

func Check(table, key string, cond *Condition) Op {
	return Op{Kind: OpCheck, Table: table, Key: key, Cond: cond}
}

// ConditionError reports which operation of a transaction failed its check.
type ConditionError struct {
	Index int
	Kind  OpKind
	Table string
	Key   string
}

func (e *ConditionError) Error() string {
	return fmt.Sprintf("store: %s %s/%s (op %d): conditional check failed", e.Kind, e.Table, e.Key, e.Index)
}

func (e *ConditionError) Unwrap() error { return ErrConditionFailed }

func validate(ops []Op) error {
	if len(ops) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrInvalidOp)
	}
	if len(ops) > MaxTransactItems {
		return fmt.Errorf("%w: %d items exceeds limit %d", ErrInvalidOp, len(ops), MaxTransactItems)
	}
	seen := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op.Table == "" || op.Key == "" {
			return fmt.Errorf("%w: missing table or key", ErrInvalidOp)
		}
		id := op.Table + "\x00" + op.Key
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: multiple operations on %s/%s", ErrInvalidOp, op.Table, op.Key)
		}
		seen[id] = struct{}{}
		if op.Kind == OpCheck && op.Cond == nil {
			return fmt.Errorf("%w: check on %s/%s without condition", ErrInvalidOp, op.Table, op.Key)
		}
	}
	return nil
}

// apply evaluates op against the current item and returns the resulting
// item. The returned bool is false when the item is absent afterwards.
func apply(i int, op Op, cur Item, exists bool) (Item, bool, error) {
	if op.Cond != nil && !op.Cond.Check(cur, exists) {
		return nil, false, &ConditionError{Index: i, Kind: op.Kind, Table: op.Table, Key: op.Key}
	}
	switch op.Kind {
	case OpPut:
		return op.Item.Clone(), true, nil
	case OpUpdate:
		if !exists {
			return nil, false, fmt.Errorf("update %s/%s: %w", op.Table, op.Key, ErrNotFound)
		}
		next := cur.Clone()
		for k, v := range op.Set {
			next[k] = v
		}
		for _, k := range op.Remove {
			delete(next, k)
		}
		return next, true, nil
	case OpDelete:
		return nil, false, nil
	case OpCheck:
		return cur, exists, nil
	default:
		return nil, false, fmt.Errorf("%w: kind %d", ErrInvalidOp, op.Kind)
	}
}
