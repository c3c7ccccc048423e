package transfer

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReceivingAccount_CanonicalDerivation(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	got, err := ReceivingAccount(owner, mint)
	require.NoError(t, err)

	want, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], solana.TokenProgramID[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	again, err := ReceivingAccount(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, got, again, "derivation must be deterministic")
}

func TestResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	dest := newWallet(t)
	mint := newWallet(t)

	t.Run("absent account", func(t *testing.T) {
		net := newFakeNetwork()
		r := NewResolver(net, 4, testLogger())

		plan, err := r.Resolve(ctx, mint, dest)
		require.NoError(t, err)
		assert.False(t, plan.Exists)
		assert.Equal(t, mint, plan.Mint)
		assert.Equal(t, 1, net.reads, "exactly one network read per asset")
	})

	t.Run("existing account", func(t *testing.T) {
		net := newFakeNetwork()
		net.markExisting(t, dest, mint)
		r := NewResolver(net, 4, testLogger())

		plan, err := r.Resolve(ctx, mint, dest)
		require.NoError(t, err)
		assert.True(t, plan.Exists)
	})

	t.Run("same pair resolves to the same plan", func(t *testing.T) {
		net := newFakeNetwork()
		net.markExisting(t, dest, mint)
		r := NewResolver(net, 4, testLogger())

		first, err := r.Resolve(ctx, mint, dest)
		require.NoError(t, err)
		second, err := r.Resolve(ctx, mint, dest)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("read failure", func(t *testing.T) {
		net := newFakeNetwork()
		ata, err := ReceivingAccount(dest, mint)
		require.NoError(t, err)
		net.readErrs[ata] = errors.New("connection reset")
		r := NewResolver(net, 4, testLogger())

		_, err = r.Resolve(ctx, mint, dest)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccountResolutionFailed)
		assert.Equal(t, StageResolution, StageOf(err))
		assert.Contains(t, err.Error(), "connection reset")
	})
}

func TestResolver_ResolveAll(t *testing.T) {
	ctx := context.Background()
	dest := newWallet(t)

	mints := make([]solana.PublicKey, 12)
	for i := range mints {
		mints[i] = newWallet(t)
	}

	t.Run("plans follow input order", func(t *testing.T) {
		net := newFakeNetwork()
		for i, m := range mints {
			if i%3 == 0 {
				net.markExisting(t, dest, m)
			}
		}
		r := NewResolver(net, 4, testLogger())

		plans, err := r.ResolveAll(ctx, mints, dest)
		require.NoError(t, err)
		require.Len(t, plans, len(mints))
		for i, plan := range plans {
			assert.Equal(t, mints[i], plan.Mint)
			assert.Equal(t, i%3 == 0, plan.Exists, "plan %d", i)
		}
		assert.Equal(t, len(mints), net.reads)
	})

	t.Run("one failure aborts the batch", func(t *testing.T) {
		net := newFakeNetwork()
		ata, err := ReceivingAccount(dest, mints[5])
		require.NoError(t, err)
		net.readErrs[ata] = errors.New("rpc unavailable")
		r := NewResolver(net, 4, testLogger())

		plans, err := r.ResolveAll(ctx, mints, dest)
		require.Error(t, err)
		assert.Nil(t, plans)
		assert.ErrorIs(t, err, ErrAccountResolutionFailed)
	})

	t.Run("concurrency below one is clamped", func(t *testing.T) {
		net := newFakeNetwork()
		r := NewResolver(net, 0, testLogger())

		plans, err := r.ResolveAll(ctx, mints[:2], dest)
		require.NoError(t, err)
		assert.Len(t, plans, 2)
	})
}
