package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"orderflow/domain/order"
	"orderflow/infra/store"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

const testLocks = "test_locks"

func newRepo(t *testing.T) (*Repository, *store.Memory, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := store.NewMemory(Tables(testLocks)...)
	return New(s, WithClock(clock.Now)), s, clock
}

func createOrder(t *testing.T, r *Repository, typ order.Type, state order.State, addr string) *order.Order {
	t.Helper()
	o := order.New(typ, "key-1", order.Data{Address: addr, ChainID: 1})
	o.State = state
	require.NoError(t, r.Create(context.Background(), o))
	return o
}

func lockHolder(t *testing.T, r *Repository, o *order.Order) string {
	t.Helper()
	h, err := r.LockHolder(context.Background(), testLocks, o.Address(), o.ChainID())
	require.NoError(t, err)
	if h == uuid.Nil {
		return ""
	}
	return h.String()
}
