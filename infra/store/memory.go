package store

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store used by tests and single-node tooling.
type Memory struct {
	mu     sync.RWMutex
	schema schema
	tables map[string]map[string]Item
}

var _ Store = (*Memory)(nil)

func NewMemory(tables ...TableSpec) *Memory {
	return &Memory{
		schema: newSchema(tables),
		tables: make(map[string]map[string]Item),
	}
}

func (m *Memory) Get(ctx context.Context, table, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.tables[table][key]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (m *Memory) Query(ctx context.Context, q Query) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	ix, err := m.schema.index(q.Table, q.Index)
	if err != nil {
		return Page{}, err
	}
	after, err := decodeToken(q.StartAfter)
	if err != nil {
		return Page{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	type entry struct {
		pos  string
		item Item
	}
	want := q.hashValue()
	var entries []entry
	for key, item := range m.tables[q.Table] {
		h, ok := ix.hashValue(item)
		if !ok || h != want {
			continue
		}
		sv := ix.sortValue(item)
		if q.SortBefore != "" && sv >= q.SortBefore {
			continue
		}
		pos := position(sv, key)
		if after != "" && pos <= after {
			continue
		}
		entries = append(entries, entry{pos: pos, item: item})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].pos < entries[j].pos })

	var page Page
	size := q.pageSize()
	for i, e := range entries {
		if i == size {
			page.Next = encodeToken(entries[i-1].pos)
			break
		}
		page.Items = append(page.Items, e.item.Clone())
	}
	return page, nil
}

func (m *Memory) Transact(ctx context.Context, ops ...Op) error {
	if err := validate(ops); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	type result struct {
		item   Item
		exists bool
	}
	results := make([]result, len(ops))
	for i, op := range ops {
		cur, exists := m.tables[op.Table][op.Key]
		next, ok, err := apply(i, op, cur, exists)
		if err != nil {
			return err
		}
		results[i] = result{item: next, exists: ok}
	}

	for i, op := range ops {
		if op.Kind == OpCheck {
			continue
		}
		t, ok := m.tables[op.Table]
		if !ok {
			t = make(map[string]Item)
			m.tables[op.Table] = t
		}
		if results[i].exists {
			t[op.Key] = results[i].item
		} else {
			delete(t, op.Key)
		}
	}
	return nil
}
