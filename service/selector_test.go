package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/domain/order"
)

func TestSelector_ReplacementsFirst(t *testing.T) {
	r, clock := newRepo(t)
	ctx := context.Background()

	seed(t, r, order.Signature, order.ApproversReviewed)
	clock.Advance(time.Second)
	seed(t, r, order.Sponsored, order.ApproversReviewed)
	clock.Advance(time.Second)
	speedUp := seed(t, r, order.SpeedUp, order.ApproversReviewed)
	clock.Advance(time.Second)
	cancel := seed(t, r, order.Cancellation, order.ApproversReviewed)

	sel := NewSelector(r, time.Minute, WithClock(clock.Now))

	got, err := sel.Next(ctx, testKey, testChain)
	require.NoError(t, err)
	require.True(t, got.Selected())
	assert.Equal(t, cancel.ID, got.Order.ID)

	require.NoError(t, r.TransitionNonTerminal(ctx, cancel.ID, order.SelectedForSigning, nil))
	got, err = sel.Next(ctx, testKey, testChain)
	require.NoError(t, err)
	assert.Equal(t, speedUp.ID, got.Order.ID)
}

func TestSelector_SponsoredBeforeSignature(t *testing.T) {
	r, clock := newRepo(t)
	seed(t, r, order.Signature, order.ApproversReviewed)
	clock.Advance(time.Second)
	sp := seed(t, r, order.Sponsored, order.ApproversReviewed)

	got, err := NewSelector(r, time.Minute).Next(context.Background(), testKey, testChain)
	require.NoError(t, err)
	assert.Equal(t, sp.ID, got.Order.ID)
}

func TestSelector_SubmittedBlocks(t *testing.T) {
	r, _ := newRepo(t)
	seed(t, r, order.Signature, order.Submitted, withHash("0x1"))
	seed(t, r, order.Signature, order.ApproversReviewed, withAddress("0xbbb"))

	got, err := NewSelector(r, time.Minute).Next(context.Background(), testKey, testChain)
	require.NoError(t, err)
	assert.False(t, got.Selected())
	assert.Equal(t, "SUBMITTED order in progress", got.Reason)
}

func TestSelector_SignedAgeThreshold(t *testing.T) {
	r, clock := newRepo(t)
	signed := seed(t, r, order.Signature, order.Signed)
	seed(t, r, order.Signature, order.ApproversReviewed, withAddress("0xbbb"))

	sel := NewSelector(r, 5*time.Minute, WithClock(clock.Now))

	clock.Advance(time.Minute)
	got, err := sel.Next(context.Background(), testKey, testChain)
	require.NoError(t, err)
	assert.False(t, got.Selected())
	assert.Equal(t, "SIGNED order found but not old enough", got.Reason)

	clock.Advance(10 * time.Minute)
	got, err = sel.Next(context.Background(), testKey, testChain)
	require.NoError(t, err)
	require.True(t, got.Selected())
	assert.Equal(t, signed.ID, got.Order.ID)
}

func TestSelector_SelectedForSigningAgeThreshold(t *testing.T) {
	r, clock := newRepo(t)
	seed(t, r, order.Signature, order.SelectedForSigning)

	sel := NewSelector(r, 5*time.Minute, WithClock(clock.Now))
	got, err := sel.Next(context.Background(), testKey, testChain)
	require.NoError(t, err)
	assert.Equal(t, "SELECTED_FOR_SIGNING order found but not old enough", got.Reason)
}

func TestSelector_OldestSignatureWins(t *testing.T) {
	r, clock := newRepo(t)
	first := seed(t, r, order.Signature, order.ApproversReviewed)
	clock.Advance(time.Second)
	seed(t, r, order.Signature, order.ApproversReviewed, withAddress("0xbbb"))

	sel := NewSelector(r, time.Minute)
	for range 3 {
		got, err := sel.Next(context.Background(), testKey, testChain)
		require.NoError(t, err)
		assert.Equal(t, first.ID, got.Order.ID)
	}
}

func TestSelector_ScopedByKeyAndChain(t *testing.T) {
	r, _ := newRepo(t)
	seed(t, r, order.Signature, order.ApproversReviewed)

	got, err := NewSelector(r, time.Minute).Next(context.Background(), "other-key", testChain)
	require.NoError(t, err)
	assert.False(t, got.Selected())
	assert.Equal(t, "no order selected: no eligible orders", got.Reason)

	got, err = NewSelector(r, time.Minute).Next(context.Background(), testKey, 5)
	require.NoError(t, err)
	assert.False(t, got.Selected())
}

func TestOldest_TieBrokenByID(t *testing.T) {
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := order.New(order.Signature, testKey, order.Data{})
	b := order.New(order.Signature, testKey, order.Data{})
	a.CreatedAt, b.CreatedAt = at, at

	want := a
	if b.ID.String() < a.ID.String() {
		want = b
	}
	assert.Equal(t, want, oldest([]*order.Order{a, b}))
	assert.Equal(t, want, oldest([]*order.Order{b, a}))
	assert.Nil(t, oldest(nil))
}
