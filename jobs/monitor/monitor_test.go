package monitor

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/domain/event"
	"orderflow/domain/order"
	"orderflow/infra/chain"
	"orderflow/infra/repository"
	"orderflow/infra/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeChain struct {
	txs      map[string]*chain.Tx
	receipts map[string]*chain.Receipt
	err      error
}

func (f *fakeChain) GetTxByHash(_ context.Context, _ uint64, hash string) (*chain.Tx, error) {
	if f.err != nil {
		return nil, f.err
	}
	tx, ok := f.txs[hash]
	if !ok {
		return nil, chain.ErrTxNotFound
	}
	return tx, nil
}

func (f *fakeChain) GetTxReceipt(_ context.Context, _ uint64, hash string) (*chain.Receipt, error) {
	r, ok := f.receipts[hash]
	if !ok {
		return nil, chain.ErrReceiptNotFound
	}
	return r, nil
}

// emitted returns the outbox events about order id.
func (f *fixture) emitted(t *testing.T, id uuid.UUID) []event.Event {
	pending, err := f.repo.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	var out []event.Event
	for _, p := range pending {
		if p.Event.OrderID == id {
			out = append(out, p.Event)
		}
	}
	return out
}

func minedTx() *chain.Tx {
	h := common.HexToHash("0xb1")
	idx := hexutil.Uint64(0)
	return &chain.Tx{BlockNumber: (*hexutil.Big)(big.NewInt(100)), BlockHash: &h, TransactionIndex: &idx}
}

type fixture struct {
	repo  *repository.Repository
	clock *clock
	chain *fakeChain
	mon   *Monitor
}

func newFixture(t *testing.T) *fixture {
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := repository.New(store.NewMemory(repository.Tables(repository.DefaultLockTable)...), repository.WithClock(c.Now))
	fc := &fakeChain{txs: map[string]*chain.Tx{}, receipts: map[string]*chain.Receipt{}}
	mon := New(Config{SubmittedAfter: 10 * time.Minute, OrderAgeThreshold: time.Hour, Concurrency: 2}, repo, fc, WithClock(c.Now))
	return &fixture{repo: repo, clock: c, chain: fc, mon: mon}
}

func (f *fixture) seed(t *testing.T, typ order.Type, state order.State, hash string) *order.Order {
	o := order.New(typ, "key-1", order.Data{Address: "0xaaa", ChainID: 1})
	o.State = state
	o.TransactionHash = hash
	require.NoError(t, f.repo.Create(context.Background(), o))
	return o
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *order.Order {
	o, err := f.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return o
}

func TestSweep_SubmittedOutcomes(t *testing.T) {
	f := newFixture(t)
	missing := f.seed(t, order.Signature, order.Submitted, "0xmissing")
	pending := f.seed(t, order.SpeedUp, order.Submitted, "0xpending")
	mined := f.seed(t, order.Cancellation, order.Submitted, "0xmined")
	noReceipt := f.seed(t, order.Signature, order.Submitted, "0xnoreceipt")
	sponsored := f.seed(t, order.Sponsored, order.Submitted, "0xsponsored")

	f.chain.txs["0xpending"] = &chain.Tx{}
	f.chain.txs["0xmined"] = minedTx()
	f.chain.txs["0xnoreceipt"] = minedTx()
	f.chain.receipts["0xmined"] = &chain.Receipt{Status: 1, BlockNumber: (*hexutil.Big)(big.NewInt(100)), BlockHash: common.HexToHash("0xb1")}

	f.clock.Advance(20 * time.Minute)
	fresh := f.seed(t, order.Signature, order.Submitted, "0xfresh")

	require.NoError(t, f.mon.Sweep(context.Background()))

	assert.Equal(t, order.Dropped, f.get(t, missing.ID).State)
	dropped := f.emitted(t, missing.ID)
	require.Len(t, dropped, 1)
	assert.Equal(t, event.DroppedOrder, dropped[0].Kind)

	p := f.get(t, pending.ID)
	assert.Equal(t, order.Submitted, p.State)
	assert.Equal(t, f.clock.Now(), p.LastMonitoredAt)
	assert.Empty(t, f.emitted(t, pending.ID))

	assert.Equal(t, order.Submitted, f.get(t, mined.ID).State)
	confirmed := f.emitted(t, mined.ID)
	require.Len(t, confirmed, 1)
	assert.Equal(t, event.TransactionConfirmed, confirmed[0].Kind)
	assert.Equal(t, uint64(100), confirmed[0].BlockNumber)
	assert.Equal(t, "0xmined", confirmed[0].TxHash)

	assert.Equal(t, order.Dropped, f.get(t, noReceipt.ID).State)
	assert.Equal(t, order.Submitted, f.get(t, sponsored.ID).State)
	assert.Empty(t, f.emitted(t, sponsored.ID))
	assert.Empty(t, f.emitted(t, fresh.ID))
}

func TestSweep_ChainErrorsAreJoined(t *testing.T) {
	f := newFixture(t)
	a := f.seed(t, order.Signature, order.Submitted, "0xa")
	b := f.seed(t, order.Signature, order.Submitted, "0xb")
	f.chain.err = errors.New("rpc down")
	f.clock.Advance(time.Hour)

	err := f.mon.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), a.ID.String())
	assert.Contains(t, err.Error(), b.ID.String())
	assert.Equal(t, order.Submitted, f.get(t, a.ID).State)
}

func TestSweep_StaleAlerts(t *testing.T) {
	f := newFixture(t)
	old := f.seed(t, order.Signature, order.Signed, "")
	f.clock.Advance(50 * time.Minute)
	young := f.seed(t, order.Signature, order.SelectedForSigning, "")
	recent := f.seed(t, order.Signature, order.Signed, "")
	f.clock.Advance(15 * time.Minute)
	require.NoError(t, f.repo.TransitionNonTerminal(context.Background(), recent.ID, order.Submitted, nil))

	require.NoError(t, f.mon.Sweep(context.Background()))

	assert.Empty(t, f.emitted(t, old.ID), "older than the age threshold")
	alerts := f.emitted(t, young.ID)
	require.Len(t, alerts, 1)
	assert.Equal(t, event.StaleOrder, alerts[0].Kind)
	assert.Equal(t, order.SelectedForSigning, alerts[0].State)
	assert.Equal(t, order.SelectedForSigning, f.get(t, young.ID).State)
	assert.Empty(t, f.emitted(t, recent.ID))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.mon.cfg.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
