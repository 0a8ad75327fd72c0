package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cockroachdb/pebble"
)

// Key layout:
//
//	d\x00<table>\x00<key>                         -> json(Item)
//	x\x00<table>\x00<index>\x00<hash>\x00<sort>\x00<key> -> key
const sep = "\x00"

// Pebble is the production Store backed by a pebble database. Transactions
// are serialized through a writer mutex and committed as one synced batch,
// which is what makes multi-item conditional writes atomic.
type Pebble struct {
	db     *pebble.DB
	schema schema
	wmu    sync.Mutex
}

var _ Store = (*Pebble)(nil)

// OpenPebble opens (or creates) a database in dir. opts may be nil.
func OpenPebble(dir string, opts *pebble.Options, tables ...TableSpec) (*Pebble, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	return &Pebble{db: db, schema: newSchema(tables)}, nil
}

func (p *Pebble) Close() error {
	return p.db.Close()
}

func dataKey(table, key string) []byte {
	return []byte("d" + sep + table + sep + key)
}

func indexPrefix(table, index, hash string) []byte {
	return []byte("x" + sep + table + sep + index + sep + hash + sep)
}

func indexKey(table, index, hash, pos string) []byte {
	return append(indexPrefix(table, index, hash), pos...)
}

// reader is satisfied by *pebble.DB and *pebble.Snapshot.
type reader interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func (p *Pebble) Get(ctx context.Context, table, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return readItem(p.db, table, key)
}

func readItem(r reader, table, key string) (Item, error) {
	val, closer, err := r.Get(dataKey(table, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", table, key, err)
	}
	defer closer.Close()

	var item Item
	if err := json.Unmarshal(val, &item); err != nil {
		return nil, fmt.Errorf("decode %s/%s: %w", table, key, err)
	}
	return item, nil
}

func (p *Pebble) Query(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	ix, err := p.schema.index(q.Table, q.Index)
	if err != nil {
		return Page{}, err
	}
	after, err := decodeToken(q.StartAfter)
	if err != nil {
		return Page{}, err
	}

	snap := p.db.NewSnapshot()
	defer snap.Close()

	prefix := indexPrefix(q.Table, ix.Name, q.hashValue())
	lower := prefix
	if after != "" {
		// first key strictly greater than the token position
		lower = append(indexKey(q.Table, ix.Name, q.hashValue(), after), 0)
	}
	upper := append(bytes.Clone(prefix[:len(prefix)-1]), 0x01)
	if q.SortBefore != "" {
		upper = indexKey(q.Table, ix.Name, q.hashValue(), q.SortBefore)
	}

	it, err := snap.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return Page{}, fmt.Errorf("query %s/%s: %w", q.Table, ix.Name, err)
	}
	defer it.Close()

	var page Page
	size := q.pageSize()
	var lastPos string
	for it.First(); it.Valid(); it.Next() {
		if len(page.Items) == size {
			page.Next = encodeToken(lastPos)
			break
		}
		key := string(it.Value())
		item, err := readItem(snap, q.Table, key)
		if err != nil {
			return Page{}, err
		}
		page.Items = append(page.Items, item)
		lastPos = string(it.Key()[len(prefix):])
	}
	if err := it.Error(); err != nil {
		return Page{}, fmt.Errorf("query %s/%s: %w", q.Table, ix.Name, err)
	}
	return page, nil
}

func (p *Pebble) Transact(ctx context.Context, ops ...Op) error {
	if err := validate(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.wmu.Lock()
	defer p.wmu.Unlock()

	b := p.db.NewBatch()
	defer b.Close()

	for i, op := range ops {
		cur, err := readItem(p.db, op.Table, op.Key)
		exists := err == nil
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		next, ok, err := apply(i, op, cur, exists)
		if err != nil {
			return err
		}
		if op.Kind == OpCheck {
			continue
		}
		if err := p.stage(b, op.Table, op.Key, cur, exists, next, ok); err != nil {
			return err
		}
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// stage writes the item change and its index maintenance into b.
func (p *Pebble) stage(b *pebble.Batch, table, key string, prev Item, hadPrev bool, next Item, hasNext bool) error {
	for _, ix := range p.schema[table] {
		if hadPrev {
			if h, ok := ix.hashValue(prev); ok {
				if err := b.Delete(indexKey(table, ix.Name, h, position(ix.sortValue(prev), key)), nil); err != nil {
					return err
				}
			}
		}
		if hasNext {
			if h, ok := ix.hashValue(next); ok {
				if err := b.Set(indexKey(table, ix.Name, h, position(ix.sortValue(next), key)), []byte(key), nil); err != nil {
					return err
				}
			}
		}
	}
	if !hasNext {
		return b.Delete(dataKey(table, key), nil)
	}
	val, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", table, key, err)
	}
	return b.Set(dataKey(table, key), val, nil)
}
