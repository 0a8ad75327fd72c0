package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/domain/order"
)

func TestNonce_Signature(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	o := seed(t, r, order.Signature, order.SelectedForSigning)
	m := NewNonceManager(r, managed("0xaaa"))

	n, err := m.Nonce(ctx, o)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.Increment(ctx, "0xAAA", testChain, "0x1")
	require.NoError(t, err)
	_, err = m.Increment(ctx, "0xaaa", testChain, "0x2")
	require.NoError(t, err)

	n, err = m.Nonce(ctx, o)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)
}

func TestNonce_IncrementIdempotentPerHash(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	m := NewNonceManager(r, managed("0xaaa"))

	first, err := m.Increment(ctx, "0xaaa", testChain, "0x1")
	require.NoError(t, err)
	again, err := m.Increment(ctx, "0xaaa", testChain, "0x1")
	require.NoError(t, err)
	assert.Equal(t, first.Nonce, again.Nonce)
	assert.Equal(t, uint64(1), again.Nonce)
}

func TestNonce_IncrementUnmanaged(t *testing.T) {
	r, _ := newRepo(t)
	ctx := context.Background()
	m := NewNonceManager(r, managed())

	rec, err := m.Increment(ctx, "0xaaa", testChain, "0x1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = r.GetNonce(ctx, "0xaaa", testChain)
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestNonce_ReplacementInheritsOriginal(t *testing.T) {
	r, _ := newRepo(t)
	original := seed(t, r, order.Signature, order.Submitted, withNonce(41))
	speedUp := seed(t, r, order.SpeedUp, order.ApproversReviewed, withReplaces(original.ID))
	m := NewNonceManager(r, managed("0xaaa"))

	n, err := m.Nonce(context.Background(), speedUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(41), n)
}

func TestNonce_ReplacementErrors(t *testing.T) {
	r, _ := newRepo(t)
	m := NewNonceManager(r, managed("0xaaa"))

	orphan := seed(t, r, order.Cancellation, order.ApproversReviewed)
	_, err := m.Nonce(context.Background(), orphan)
	require.ErrorIs(t, err, order.ErrValidation)

	unsigned := seed(t, r, order.Signature, order.Submitted)
	cancel := seed(t, r, order.Cancellation, order.ApproversReviewed, withReplaces(unsigned.ID))
	_, err = m.Nonce(context.Background(), cancel)
	require.ErrorIs(t, err, order.ErrValidation)
}

func TestNonce_SponsoredAndKeyCreation(t *testing.T) {
	m := NewNonceManager(nil, managed())

	n, err := m.Nonce(context.Background(), order.New(order.Sponsored, testKey, order.Data{}))
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = m.Nonce(context.Background(), order.New(order.KeyCreation, testKey, order.Data{}))
	require.ErrorIs(t, err, order.ErrUnknown)
}
