package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTables = []TableSpec{
	{
		Name: "items",
		Indexes: []IndexSpec{
			{Name: "by-state", HashAttrs: []string{"state"}, SortAttr: "ts"},
			{Name: "by-owner-state", HashAttrs: []string{"owner", "state"}, SortAttr: "ts"},
		},
	},
	{Name: "locks"},
}

func adapters(t *testing.T) map[string]Store {
	t.Helper()
	p, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()}, testTables...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return map[string]Store{
		"memory": NewMemory(testTables...),
		"pebble": p,
	}
}

func forEachAdapter(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, s := range adapters(t) {
		t.Run(name, func(t *testing.T) { fn(t, s) })
	}
}

func TestGet_NotFound(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		_, err := s.Get(context.Background(), "items", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPutGetRoundTrip(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		item := Item{"id": "a", "state": "new", "ts": "001"}
		require.NoError(t, s.Transact(ctx, Put("items", "a", item, MustNotExist())))

		got, err := s.Get(ctx, "items", "a")
		require.NoError(t, err)
		assert.Equal(t, item, got)

		err = s.Transact(ctx, Put("items", "a", item, MustNotExist()))
		assert.ErrorIs(t, err, ErrConditionFailed)
	})
}

func TestTransact_AllOrNothing(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx,
			Put("items", "a", Item{"state": "new", "ts": "1"}, nil),
			Put("locks", "l1", Item{"owner": "a"}, nil),
		))

		err := s.Transact(ctx,
			Update("items", "a", map[string]string{"state": "done"}, nil, AttrIn("state", "new")),
			Delete("locks", "l1", AttrIn("owner", "someone-else")),
		)
		var ce *ConditionError
		require.ErrorAs(t, err, &ce)
		assert.Equal(t, 1, ce.Index)

		got, err := s.Get(ctx, "items", "a")
		require.NoError(t, err)
		assert.Equal(t, "new", got.Get("state"), "first op must not be applied")
		_, err = s.Get(ctx, "locks", "l1")
		assert.NoError(t, err)
	})
}

func TestDelete_AllowMissingIsIdempotent(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx, Put("locks", "l", Item{"owner": "a"}, nil)))

		cond := &Condition{AllowMissing: true, In: map[string][]string{"owner": {"a"}}}
		require.NoError(t, s.Transact(ctx, Delete("locks", "l", cond)))
		require.NoError(t, s.Transact(ctx, Delete("locks", "l", cond)))

		_, err := s.Get(ctx, "locks", "l")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdate_MissingItem(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		err := s.Transact(context.Background(), Update("items", "nope", map[string]string{"x": "1"}, nil, nil))
		assert.True(t, errors.Is(err, ErrNotFound) || errors.Is(err, ErrConditionFailed))
	})
}

func TestUpdate_SetAndRemove(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx, Put("items", "a", Item{"state": "new", "hint": "x", "ts": "1"}, nil)))
		require.NoError(t, s.Transact(ctx, Update("items", "a", map[string]string{"state": "done"}, []string{"hint"}, nil)))

		got, err := s.Get(ctx, "items", "a")
		require.NoError(t, err)
		assert.Equal(t, Item{"state": "done", "ts": "1"}, got)
	})
}

func TestCheckOp(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx, Put("items", "a", Item{"state": "done"}, nil)))

		err := s.Transact(ctx,
			Check("items", "a", AttrIn("state", "new")),
			Put("items", "b", Item{"state": "new"}, nil),
		)
		assert.ErrorIs(t, err, ErrConditionFailed)
		_, err = s.Get(ctx, "items", "b")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransact_Validation(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		assert.ErrorIs(t, s.Transact(ctx), ErrInvalidOp)
		assert.ErrorIs(t, s.Transact(ctx,
			Put("items", "a", Item{}, nil),
			Delete("items", "a", nil),
		), ErrInvalidOp)

		ops := make([]Op, MaxTransactItems+1)
		for i := range ops {
			ops[i] = Put("items", fmt.Sprintf("k%d", i), Item{}, nil)
		}
		assert.ErrorIs(t, s.Transact(ctx, ops...), ErrInvalidOp)
	})
}

func TestQuery_IndexMaintenance(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx,
			Put("items", "a", Item{"id": "a", "state": "new", "ts": "2"}, nil),
			Put("items", "b", Item{"id": "b", "state": "new", "ts": "1"}, nil),
			Put("items", "c", Item{"id": "c", "ts": "0"}, nil), // sparse: no state
		))

		page, err := s.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"new"}})
		require.NoError(t, err)
		require.Len(t, page.Items, 2)
		assert.Equal(t, "b", page.Items[0].Get("id"))
		assert.Equal(t, "a", page.Items[1].Get("id"))
		assert.Empty(t, page.Next)

		require.NoError(t, s.Transact(ctx, Update("items", "b", map[string]string{"state": "done"}, nil, nil)))
		page, err = s.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"new"}})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)
		assert.Equal(t, "a", page.Items[0].Get("id"))

		page, err = s.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"done"}})
		require.NoError(t, err)
		require.Len(t, page.Items, 1)

		require.NoError(t, s.Transact(ctx, Delete("items", "b", nil)))
		page, err = s.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"done"}})
		require.NoError(t, err)
		assert.Empty(t, page.Items)
	})
}

func TestQuery_CompositeHashAndSortBefore(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		require.NoError(t, s.Transact(ctx,
			Put("items", "a", Item{"owner": "o1", "state": "new", "ts": "10"}, nil),
			Put("items", "b", Item{"owner": "o1", "state": "new", "ts": "20"}, nil),
			Put("items", "c", Item{"owner": "o2", "state": "new", "ts": "05"}, nil),
		))

		page, err := s.Query(ctx, Query{Table: "items", Index: "by-owner-state", Hash: []string{"o1", "new"}})
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)

		page, err = s.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"new"}, SortBefore: "20"})
		require.NoError(t, err)
		assert.Len(t, page.Items, 2)
	})
}

func TestQuery_UnknownIndex(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		_, err := s.Query(context.Background(), Query{Table: "items", Index: "nope"})
		assert.ErrorIs(t, err, ErrUnknownIndex)
	})
}

func TestPages_FollowsContinuation(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 7; i++ {
			key := fmt.Sprintf("k%d", i)
			require.NoError(t, s.Transact(ctx, Put("items", key, Item{"id": key, "state": "new", "ts": fmt.Sprintf("%03d", i)}, nil)))
		}
		q := Query{Table: "items", Index: "by-state", Hash: []string{"new"}, Limit: 3}

		var sizes []int
		var ids []string
		for page, err := range Pages(ctx, s, q, 0) {
			require.NoError(t, err)
			sizes = append(sizes, len(page.Items))
			for _, it := range page.Items {
				ids = append(ids, it.Get("id"))
			}
		}
		assert.Equal(t, []int{3, 3, 1}, sizes)
		assert.Equal(t, []string{"k0", "k1", "k2", "k3", "k4", "k5", "k6"}, ids)

		items, err := Collect(ctx, s, q, 4)
		require.NoError(t, err)
		assert.Len(t, items, 4)

		items, err = Collect(ctx, s, q, 0)
		require.NoError(t, err)
		assert.Len(t, items, 7)
	})
}

func TestPages_Cap(t *testing.T) {
	forEachAdapter(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			key := fmt.Sprintf("k%d", i)
			require.NoError(t, s.Transact(ctx, Put("items", key, Item{"state": "new", "ts": key}, nil)))
		}
		q := Query{Table: "items", Index: "by-state", Hash: []string{"new"}, Limit: 1}
		var lastErr error
		n := 0
		for _, err := range Pages(ctx, s, q, 2) {
			if err != nil {
				lastErr = err
				break
			}
			n++
		}
		assert.Equal(t, 2, n)
		assert.ErrorIs(t, lastErr, ErrTooManyPages)
	})
}

func TestPebble_Reopen(t *testing.T) {
	fs := vfs.NewMem()
	ctx := context.Background()

	p, err := OpenPebble("db", &pebble.Options{FS: fs}, testTables...)
	require.NoError(t, err)
	require.NoError(t, p.Transact(ctx, Put("items", "a", Item{"state": "new", "ts": "1"}, nil)))
	require.NoError(t, p.Close())

	p, err = OpenPebble("db", &pebble.Options{FS: fs}, testTables...)
	require.NoError(t, err)
	defer p.Close()

	page, err := p.Query(ctx, Query{Table: "items", Index: "by-state", Hash: []string{"new"}})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
}

func TestCondition_And(t *testing.T) {
	c := AttrIn("state", "a", "b").And(AttrIn("state", "b", "c"))
	assert.True(t, c.Check(Item{"state": "b"}, true))
	assert.False(t, c.Check(Item{"state": "a"}, true))
	assert.False(t, c.Check(nil, false))
}
