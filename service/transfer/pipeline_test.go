package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(net *fakeNetwork, events EventPublisher, opts Options) *Pipeline {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return NewPipeline(net, nil, events, m, opts, testLogger())
}

func TestTransferBatch_Scenarios(t *testing.T) {
	ctx := context.Background()

	t.Run("single asset to a fresh destination", func(t *testing.T) {
		net := newFakeNetwork()
		events := &recordingPublisher{}
		p := newTestPipeline(net, events, DefaultOptions())
		signer := newFakeSigner(t)
		dest := newWallet(t)
		assetA, mintA := newAsset(t, "A")

		result, err := p.TransferBatch(ctx, signer, NewSelectionSet(assetA), dest.String())
		require.NoError(t, err)

		require.Len(t, result.Operations, 2)
		assert.Equal(t, OperationCreateAccount, result.Operations[0].Kind)
		assert.Equal(t, mintA, result.Operations[0].Mint)
		assert.Equal(t, OperationTransfer, result.Operations[1].Kind)
		assert.Equal(t, mintA, result.Operations[1].Mint)

		assert.Equal(t, StateConfirmed, result.State)
		assert.False(t, result.Signature.IsZero())
		assert.Equal(t, 1, result.CreatedAccounts)
		assert.NotEmpty(t, result.TransferID)

		require.Len(t, net.sent, 1)
		assert.Equal(t, result.Signature, net.sent[0].Signatures[0])
		assert.Equal(t, 1, net.freshnessCalls)

		assert.Equal(t, []State{StateBuilt, StateSigned, StateSubmitted, StateConfirmed}, events.states())
	})

	t.Run("existing receiving accounts produce transfers only", func(t *testing.T) {
		net := newFakeNetwork()
		p := newTestPipeline(net, nil, DefaultOptions())
		signer := newFakeSigner(t)
		dest := newWallet(t)
		assetA, mintA := newAsset(t, "A")
		assetB, mintB := newAsset(t, "B")
		net.markExisting(t, dest, mintA)
		net.markExisting(t, dest, mintB)

		result, err := p.TransferBatch(ctx, signer, NewSelectionSet(assetA, assetB), dest.String())
		require.NoError(t, err)

		require.Len(t, result.Operations, 2)
		assert.Equal(t, OperationTransfer, result.Operations[0].Kind)
		assert.Equal(t, mintA, result.Operations[0].Mint)
		assert.Equal(t, OperationTransfer, result.Operations[1].Kind)
		assert.Equal(t, mintB, result.Operations[1].Mint)
		assert.Equal(t, 0, result.CreatedAccounts)
	})

	t.Run("malformed destination makes no network calls", func(t *testing.T) {
		net := newFakeNetwork()
		events := &recordingPublisher{}
		p := newTestPipeline(net, events, DefaultOptions())
		signer := newFakeSigner(t)
		assetA, _ := newAsset(t, "A")

		result, err := p.TransferBatch(ctx, signer, NewSelectionSet(assetA), "not-a-real-address")
		require.Error(t, err)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrInvalidDestination)
		assert.Equal(t, StageValidation, StageOf(err))
		assert.Zero(t, net.networkCalls())
		assert.Zero(t, signer.calls)
		assert.Equal(t, []State{StateFailed}, events.states())
	})

	t.Run("declined signature is never submitted", func(t *testing.T) {
		net := newFakeNetwork()
		p := newTestPipeline(net, nil, DefaultOptions())
		signer := newFakeSigner(t)
		signer.decline = true
		assetA, _ := newAsset(t, "A")

		_, err := p.TransferBatch(ctx, signer, NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSigningDeclined)
		assert.ErrorIs(t, err, errDeclined)
		assert.Equal(t, StageSigning, StageOf(err))
		assert.Equal(t, 1, signer.calls)
		assert.Empty(t, net.sent)
	})

	t.Run("confirmation timeout keeps the signature", func(t *testing.T) {
		net := newFakeNetwork()
		net.confirmBlock = true
		opts := DefaultOptions()
		opts.ConfirmTimeout = 50 * time.Millisecond
		p := newTestPipeline(net, nil, opts)
		signer := newFakeSigner(t)
		assetA, _ := newAsset(t, "A")

		_, err := p.TransferBatch(ctx, signer, NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfirmationTimeout)
		assert.Equal(t, StageConfirmation, StageOf(err))

		sig, ok := SignatureOf(err)
		require.True(t, ok)
		require.Len(t, net.sent, 1)
		assert.Equal(t, net.sent[0].Signatures[0], sig)
	})
}

func TestTransferBatch_EmptySelection(t *testing.T) {
	net := newFakeNetwork()
	p := newTestPipeline(net, nil, DefaultOptions())

	for name, sel := range map[string]*SelectionSet{
		"nil":   nil,
		"empty": NewSelectionSet(),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.TransferBatch(context.Background(), newFakeSigner(t), sel, newWallet(t).String())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmptySelection)
			assert.Zero(t, net.networkCalls())
		})
	}
}

func TestTransferBatch_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("resolution failure aborts before signing", func(t *testing.T) {
		net := newFakeNetwork()
		p := newTestPipeline(net, nil, DefaultOptions())
		signer := newFakeSigner(t)
		dest := newWallet(t)
		assetA, _ := newAsset(t, "A")
		assetB, mintB := newAsset(t, "B")
		ata, err := ReceivingAccount(dest, mintB)
		require.NoError(t, err)
		net.readErrs[ata] = errors.New("node is behind")

		_, err = p.TransferBatch(ctx, signer, NewSelectionSet(assetA, assetB), dest.String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAccountResolutionFailed)
		assert.Zero(t, signer.calls)
		assert.Zero(t, net.freshnessCalls)
	})

	t.Run("invalid mint fails composition without network", func(t *testing.T) {
		net := newFakeNetwork()
		p := newTestPipeline(net, nil, DefaultOptions())

		_, err := p.TransferBatch(ctx, newFakeSigner(t),
			NewSelectionSet(Asset{Name: "broken", MintAddress: "xyz"}), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompositionFailed)
		assert.Zero(t, net.networkCalls())
	})

	t.Run("batch larger than the limit", func(t *testing.T) {
		net := newFakeNetwork()
		opts := DefaultOptions()
		opts.MaxBatchSize = 2
		p := newTestPipeline(net, nil, opts)
		sel := NewSelectionSet()
		for _, name := range []string{"A", "B", "C"} {
			a, _ := newAsset(t, name)
			sel.Add(a)
		}

		_, err := p.TransferBatch(ctx, newFakeSigner(t), sel, newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompositionFailed)
		assert.Zero(t, net.networkCalls())
	})

	t.Run("oversized transaction is refused", func(t *testing.T) {
		net := newFakeNetwork()
		opts := DefaultOptions()
		opts.MaxBatchSize = 50
		p := newTestPipeline(net, nil, opts)
		sel := NewSelectionSet()
		for i := 0; i < 20; i++ {
			a, _ := newAsset(t, "asset")
			sel.Add(a)
		}

		_, err := p.TransferBatch(ctx, newFakeSigner(t), sel, newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCompositionFailed)
		assert.Contains(t, err.Error(), "select fewer assets")
		assert.Empty(t, net.sent)
	})

	t.Run("blockhash unavailable", func(t *testing.T) {
		net := newFakeNetwork()
		net.freshnessErr = errors.New("timeout")
		p := newTestPipeline(net, nil, DefaultOptions())
		assetA, _ := newAsset(t, "A")

		_, err := p.TransferBatch(ctx, newFakeSigner(t), NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFreshnessUnavailable)
		assert.Equal(t, StageComposition, StageOf(err))
	})

	t.Run("submission rejected is reported verbatim and not retried", func(t *testing.T) {
		net := newFakeNetwork()
		net.sendErr = errors.New("Transaction simulation failed: Blockhash not found")
		p := newTestPipeline(net, nil, DefaultOptions())
		assetA, _ := newAsset(t, "A")

		_, err := p.TransferBatch(ctx, newFakeSigner(t), NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSubmissionRejected)
		assert.Contains(t, err.Error(), "Blockhash not found")
		assert.Len(t, net.sent, 1)
		assert.Zero(t, net.confirmCalls)

		_, ok := SignatureOf(err)
		assert.True(t, ok)
	})

	t.Run("transaction failed on chain", func(t *testing.T) {
		net := newFakeNetwork()
		net.confirmErr = errors.New("transaction failed: InstructionError")
		p := newTestPipeline(net, nil, DefaultOptions())
		assetA, _ := newAsset(t, "A")

		_, err := p.TransferBatch(ctx, newFakeSigner(t), NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrConfirmationRejected)
		_, ok := SignatureOf(err)
		assert.True(t, ok)
	})

	t.Run("cancelled while signing", func(t *testing.T) {
		net := newFakeNetwork()
		p := newTestPipeline(net, nil, DefaultOptions())
		assetA, _ := newAsset(t, "A")
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		// The resolver's reads are not context aware in the fake, so the
		// keypair signer is the first to observe the cancellation.
		_, err := p.TransferBatch(cctx, newFakeSigner(t), NewSelectionSet(assetA), newWallet(t).String())
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("event publishing failure does not change the outcome", func(t *testing.T) {
		net := newFakeNetwork()
		events := &recordingPublisher{err: errors.New("nats down")}
		p := newTestPipeline(net, events, DefaultOptions())
		assetA, _ := newAsset(t, "A")

		result, err := p.TransferBatch(ctx, newFakeSigner(t), NewSelectionSet(assetA), newWallet(t).String())
		require.NoError(t, err)
		assert.Equal(t, StateConfirmed, result.State)
	})
}

func TestTransferBatch_SessionSerialization(t *testing.T) {
	net := newFakeNetwork()
	locker := NewMemoryLocker()
	p := NewPipeline(net, locker, nil, nil, DefaultOptions(), testLogger())
	signer := newFakeSigner(t)
	assetA, _ := newAsset(t, "A")

	unlock, err := locker.TryLock(context.Background(), signer.PublicKey().String())
	require.NoError(t, err)

	_, err = p.TransferBatch(context.Background(), signer, NewSelectionSet(assetA), newWallet(t).String())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Zero(t, net.networkCalls())

	unlock()

	_, err = p.TransferBatch(context.Background(), signer, NewSelectionSet(assetA), newWallet(t).String())
	assert.NoError(t, err, "session is released after the first transfer finishes")
}

func TestAcquireSession_BlocksTransferBatch(t *testing.T) {
	net := newFakeNetwork()
	p := NewPipeline(net, nil, nil, nil, DefaultOptions(), testLogger())
	signer := newFakeSigner(t)
	owner := signer.PublicKey().String()
	assetA, _ := newAsset(t, "A")

	release, err := p.AcquireSession(context.Background(), owner)
	require.NoError(t, err)

	_, err = p.AcquireSession(context.Background(), owner)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, StageValidation, StageOf(err))

	_, err = p.TransferBatch(context.Background(), signer, NewSelectionSet(assetA), newWallet(t).String())
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Zero(t, net.networkCalls())

	release()
	release()

	_, err = p.TransferBatch(context.Background(), signer, NewSelectionSet(assetA), newWallet(t).String())
	assert.NoError(t, err)
}

func TestPipeline_PrepareIsRepeatable(t *testing.T) {
	net := newFakeNetwork()
	p := newTestPipeline(net, nil, DefaultOptions())
	owner := newWallet(t)
	dest := newWallet(t)
	assetA, mintA := newAsset(t, "A")
	assetB, _ := newAsset(t, "B")
	net.markExisting(t, dest, mintA)

	first, err := p.Prepare(context.Background(), owner, []Asset{assetA, assetB}, dest.String())
	require.NoError(t, err)
	second, err := p.Prepare(context.Background(), owner, []Asset{assetA, assetB}, dest.String())
	require.NoError(t, err)

	assert.Equal(t, first.Plans, second.Plans)
	assert.Equal(t, []solana.PublicKey{first.Plans[0].Mint, first.Plans[1].Mint}, first.Mints())
	assert.Equal(t, dest, first.Destination)
}

func TestError_Format(t *testing.T) {
	sig := solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")
	err := &Error{Stage: StageConfirmation, Kind: ErrConfirmationTimeout, Signature: sig, Err: context.DeadlineExceeded}

	assert.Equal(t,
		"confirmation: confirmation timed out (signature "+sig.String()+"): context deadline exceeded",
		err.Error())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "confirmation_timeout", KindName(err))
	assert.Equal(t, "unknown", KindName(errors.New("other")))
}

func TestValidateSelection(t *testing.T) {
	dest := newWallet(t)
	a, mintA := newAsset(t, "Token #1")
	b, _ := newAsset(t, "Token #2")

	gotDest, mints, err := ValidateSelection([]Asset{a, b}, dest.String(), Options{})
	require.NoError(t, err)
	assert.Equal(t, dest, gotDest)
	require.Len(t, mints, 2)
	assert.Equal(t, mintA, mints[0])

	_, _, err = ValidateSelection([]Asset{a, b}, dest.String(), Options{MaxBatchSize: 1})
	assert.ErrorIs(t, err, ErrCompositionFailed)

	_, _, err = ValidateSelection([]Asset{a, a}, dest.String(), Options{})
	assert.ErrorIs(t, err, ErrCompositionFailed)

	_, _, err = ValidateSelection(nil, dest.String(), Options{})
	assert.ErrorIs(t, err, ErrEmptySelection)

	// the destination is checked before the selection
	_, _, err = ValidateSelection(nil, "not-an-address", Options{})
	assert.ErrorIs(t, err, ErrInvalidDestination)
}
