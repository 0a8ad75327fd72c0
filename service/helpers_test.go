package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"orderflow/domain/order"
	"orderflow/infra/repository"
	"orderflow/infra/store"
)

const (
	testKey   = "key-1"
	testChain = uint64(1)
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

func newRepo(t *testing.T) (*repository.Repository, *testClock) {
	t.Helper()
	clock := newTestClock()
	s := store.NewMemory(repository.Tables(repository.DefaultLockTable)...)
	return repository.New(s, repository.WithClock(clock.Now)), clock
}

type orderOpt func(*order.Order)

func withHash(h string) orderOpt { return func(o *order.Order) { o.TransactionHash = h } }

func withAddress(a string) orderOpt { return func(o *order.Order) { o.Data.Address = a } }

func withReplaces(id uuid.UUID) orderOpt { return func(o *order.Order) { o.Replaces = id } }

func withNonce(n uint64) orderOpt { return func(o *order.Order) { o.Data.Nonce = &n } }

// seed stores an order directly in state, taking the address lock when the
// state is a locking one.
func seed(t *testing.T, r *repository.Repository, typ order.Type, state order.State, opts ...orderOpt) *order.Order {
	t.Helper()
	ctx := context.Background()
	o := order.New(typ, testKey, order.Data{Address: "0xaaa", ChainID: testChain})
	o.State = state
	for _, opt := range opts {
		opt(o)
	}
	require.NoError(t, r.Create(ctx, o))
	if state.IsLocking() && typ == order.Signature {
		ok, err := r.AcquireLock(ctx, repository.DefaultLockTable, o.ID, o.Address(), o.ChainID())
		require.NoError(t, err)
		require.True(t, ok)
	}
	return o
}

func holder(t *testing.T, r *repository.Repository, o *order.Order) uuid.UUID {
	t.Helper()
	h, err := r.LockHolder(context.Background(), repository.DefaultLockTable, o.Address(), o.ChainID())
	require.NoError(t, err)
	return h
}

func stateOf(t *testing.T, r *repository.Repository, id uuid.UUID) order.State {
	t.Helper()
	o, err := r.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o.State
}

type fakeChain struct {
	mu      sync.Mutex
	results map[string]bool
	err     error
}

func (c *fakeChain) TxSucceeded(_ context.Context, _ uint64, hash string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.results[hash], nil
}

type fakeValidator map[string]bool

func (v fakeValidator) IsManagedAddress(_ context.Context, addr string) (bool, error) {
	return v[order.NormalizeAddress(addr)], nil
}

func managed(addrs ...string) fakeValidator {
	v := fakeValidator{}
	for _, a := range addrs {
		v[order.NormalizeAddress(a)] = true
	}
	return v
}

func statePtr(s order.State) *order.State { return &s }
