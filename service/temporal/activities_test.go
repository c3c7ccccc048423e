package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	natspkg "github.com/brojonat/masssend/service/nats"
	"github.com/brojonat/masssend/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"
)

// MockNetwork is a testify mock of transfer.Network.
type MockNetwork struct {
	mock.Mock
}

func (m *MockNetwork) AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error) {
	args := m.Called(ctx, address)
	return args.Bool(0), args.Error(1)
}

func (m *MockNetwork) LatestBlockhash(ctx context.Context) (transfer.Freshness, error) {
	args := m.Called(ctx)
	return args.Get(0).(transfer.Freshness), args.Error(1)
}

func (m *MockNetwork) SendTransaction(ctx context.Context, tx *solanago.Transaction) (solanago.Signature, error) {
	args := m.Called(ctx, tx)
	return args.Get(0).(solanago.Signature), args.Error(1)
}

func (m *MockNetwork) AwaitConfirmation(ctx context.Context, sig solanago.Signature, commitment rpc.CommitmentType) error {
	return m.Called(ctx, sig, commitment).Error(0)
}

var (
	testBlockhash = solanago.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	testSignature = solanago.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")
)

type activityFixture struct {
	env       *testsuite.TestActivityEnvironment
	network   *MockNetwork
	publisher *natspkg.MockPublisher
	locker    *transfer.MemoryLocker
	pipeline  *transfer.Pipeline
	signer    *transfer.KeypairSigner
	dest      solanago.PublicKey
	mints     []solanago.PublicKey
	ref       TransferRef
}

func newActivityFixture(t *testing.T) *activityFixture {
	t.Helper()

	key, err := solanago.NewRandomPrivateKey()
	require.NoError(t, err)

	f := &activityFixture{
		network:   &MockNetwork{},
		publisher: natspkg.NewMockPublisher(),
		locker:    transfer.NewMemoryLocker(),
		signer:    transfer.NewKeypairSigner(key),
		dest:      solanago.NewWallet().PublicKey(),
		mints:     []solanago.PublicKey{solanago.NewWallet().PublicKey(), solanago.NewWallet().PublicKey()},
	}
	f.ref = TransferRef{
		TransferID:  "transfer-1",
		Owner:       f.signer.PublicKey().String(),
		Destination: f.dest.String(),
		StartedAt:   time.Now().Add(-time.Minute),
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.NewMetrics(prometheus.NewRegistry())
	f.pipeline = transfer.NewPipeline(f.network, f.locker, f.publisher, m, transfer.Options{ConfirmTimeout: time.Second}, logger)

	var suite testsuite.WorkflowTestSuite
	f.env = suite.NewTestActivityEnvironment()
	f.env.RegisterActivity(NewActivities(f.pipeline, m, logger))
	return f
}

func (f *activityFixture) assets() []transfer.Asset {
	out := make([]transfer.Asset, len(f.mints))
	for i, mint := range f.mints {
		out[i] = transfer.Asset{Name: "Token", MintAddress: mint.String()}
	}
	return out
}

// expectResolution makes the first receiving account missing and the rest present.
func (f *activityFixture) expectResolution(t *testing.T) {
	t.Helper()
	for i, mint := range f.mints {
		ata, err := transfer.ReceivingAccount(f.dest, mint)
		require.NoError(t, err)
		f.network.On("AccountExists", mock.Anything, ata).Return(i > 0, nil)
	}
	f.network.On("LatestBlockhash", mock.Anything).
		Return(transfer.Freshness{Blockhash: testBlockhash, LastValidBlockHeight: 500}, nil)
}

func (f *activityFixture) prepare(t *testing.T) *PrepareTransferResult {
	t.Helper()
	f.expectResolution(t)

	val, err := f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.NoError(t, err)
	var res PrepareTransferResult
	require.NoError(t, val.Get(&res))
	return &res
}

func (f *activityFixture) sign(t *testing.T, b64 string) string {
	t.Helper()
	tx, err := solanago.TransactionFromBase64(b64)
	require.NoError(t, err)
	signed, err := f.signer.Sign(context.Background(), tx)
	require.NoError(t, err)
	out, err := signed.ToBase64()
	require.NoError(t, err)
	return out
}

func publishedStates(p *natspkg.MockPublisher) []string {
	var out []string
	for _, ev := range p.GetPublishedEvents() {
		out = append(out, ev.State)
	}
	return out
}

func TestPrepareTransfer(t *testing.T) {
	f := newActivityFixture(t)
	res := f.prepare(t)

	assert.NotEmpty(t, res.Transaction)
	assert.Equal(t, f.dest.String(), res.Destination)
	assert.Equal(t, []string{f.mints[0].String(), f.mints[1].String()}, res.Mints)
	assert.Equal(t, 1, res.CreatedAccounts)
	assert.Equal(t, testBlockhash.String(), res.Blockhash)
	assert.Equal(t, uint64(500), res.LastValidBlockHeight)

	require.Len(t, res.Instructions, 3)
	assert.Equal(t, "create_account", res.Instructions[0].Kind)
	assert.Equal(t, "transfer", res.Instructions[1].Kind)
	assert.Equal(t, f.mints[0].String(), res.Instructions[1].Mint)
	assert.Equal(t, f.mints[1].String(), res.Instructions[2].Mint)

	tx, err := solanago.TransactionFromBase64(res.Transaction)
	require.NoError(t, err)
	assert.Equal(t, f.signer.PublicKey(), tx.Message.AccountKeys[0], "owner pays the fees")

	assert.Equal(t, []string{"built"}, publishedStates(f.publisher))
	f.network.AssertExpectations(t)
}

func TestPrepareTransfer_InvalidDestination(t *testing.T) {
	f := newActivityFixture(t)
	f.ref.Destination = "not-a-key"

	_, err := f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.Error(t, err)

	te := TransferErrorFrom(err)
	assert.ErrorIs(t, te, transfer.ErrInvalidDestination)
	assert.Equal(t, transfer.StageValidation, transfer.StageOf(te))
	f.network.AssertNotCalled(t, "AccountExists", mock.Anything, mock.Anything)
	assert.Empty(t, f.publisher.GetPublishedEvents())
}

func TestPrepareTransfer_ResolutionFailure(t *testing.T) {
	f := newActivityFixture(t)
	f.network.On("AccountExists", mock.Anything, mock.Anything).Return(false, errors.New("rpc unavailable"))

	_, err := f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.Error(t, err)
	assert.ErrorIs(t, TransferErrorFrom(err), transfer.ErrAccountResolutionFailed)
	f.network.AssertNotCalled(t, "LatestBlockhash", mock.Anything)
}

func TestPrepareTransfer_SessionBusy(t *testing.T) {
	f := newActivityFixture(t)

	// a local send for the same owner is in flight
	unlock, err := f.locker.TryLock(context.Background(), f.ref.Owner)
	require.NoError(t, err)
	defer unlock()

	_, err = f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.Error(t, err)

	te := TransferErrorFrom(err)
	assert.ErrorIs(t, te, transfer.ErrSessionBusy)
	assert.Equal(t, transfer.StageValidation, transfer.StageOf(te))
	f.network.AssertNotCalled(t, "AccountExists", mock.Anything, mock.Anything)
	f.network.AssertNotCalled(t, "LatestBlockhash", mock.Anything)
}

func TestPrepareTransfer_HoldsSessionUntilReleased(t *testing.T) {
	f := newActivityFixture(t)
	f.prepare(t)

	// awaiting the signature: other transfers for the owner are refused
	_, err := f.pipeline.TransferBatch(context.Background(), f.signer, transfer.NewSelectionSet(f.assets()...), f.dest.String())
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrSessionBusy)

	other := f.ref
	other.TransferID = "transfer-2"
	_, err = f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: other, Assets: f.assets()})
	require.Error(t, err)
	assert.ErrorIs(t, TransferErrorFrom(err), transfer.ErrSessionBusy)

	// a retried prepare of the same transfer keeps its session
	_, err = f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.NoError(t, err)

	_, err = f.env.ExecuteActivity(a.ReleaseSession, ReleaseSessionInput{TransferRef: f.ref})
	require.NoError(t, err)

	unlock, err := f.locker.TryLock(context.Background(), f.ref.Owner)
	require.NoError(t, err, "session is free once released")
	unlock()

	// releasing again, or a transfer never held, is harmless
	_, err = f.env.ExecuteActivity(a.ReleaseSession, ReleaseSessionInput{TransferRef: other})
	require.NoError(t, err)
}

func TestPrepareTransfer_FailureReleasesSession(t *testing.T) {
	f := newActivityFixture(t)
	f.network.On("AccountExists", mock.Anything, mock.Anything).Return(false, errors.New("rpc unavailable"))

	_, err := f.env.ExecuteActivity(a.PrepareTransfer, PrepareTransferInput{TransferRef: f.ref, Assets: f.assets()})
	require.Error(t, err)

	unlock, err := f.locker.TryLock(context.Background(), f.ref.Owner)
	require.NoError(t, err)
	unlock()
}

func TestSubmitTransfer(t *testing.T) {
	f := newActivityFixture(t)
	prepared := f.prepare(t)
	f.network.On("SendTransaction", mock.Anything, mock.Anything).Return(testSignature, nil).Once()

	ref := f.ref
	ref.PreparedAt = time.Now().Add(-10 * time.Second)
	val, err := f.env.ExecuteActivity(a.SubmitTransfer, SubmitTransferInput{
		TransferRef:       ref,
		Transaction:       prepared.Transaction,
		SignedTransaction: f.sign(t, prepared.Transaction),
	})
	require.NoError(t, err)

	var res SubmitTransferResult
	require.NoError(t, val.Get(&res))
	assert.Equal(t, testSignature.String(), res.Signature)
	assert.Equal(t, []string{"built", "signed", "submitted"}, publishedStates(f.publisher))

	sent := f.network.Calls[len(f.network.Calls)-1].Arguments.Get(1).(*solanago.Transaction)
	require.NoError(t, sent.VerifySignatures())
}

func TestSubmitTransfer_SignatureForAnotherMessage(t *testing.T) {
	f := newActivityFixture(t)
	prepared := f.prepare(t)

	// sign a transaction with a different blockhash
	tx, err := solanago.TransactionFromBase64(prepared.Transaction)
	require.NoError(t, err)
	tx.Message.RecentBlockhash = solanago.Hash(solanago.NewWallet().PublicKey())
	other, err := tx.ToBase64()
	require.NoError(t, err)

	_, err = f.env.ExecuteActivity(a.SubmitTransfer, SubmitTransferInput{
		TransferRef:       f.ref,
		Transaction:       prepared.Transaction,
		SignedTransaction: f.sign(t, other),
	})
	require.Error(t, err)

	te := TransferErrorFrom(err)
	assert.ErrorIs(t, te, transfer.ErrSigningDeclined)
	assert.Equal(t, transfer.StageSigning, transfer.StageOf(te))
	f.network.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestSubmitTransfer_Rejected(t *testing.T) {
	f := newActivityFixture(t)
	prepared := f.prepare(t)
	f.network.On("SendTransaction", mock.Anything, mock.Anything).
		Return(solanago.Signature{}, errors.New("insufficient funds for rent")).Once()

	_, err := f.env.ExecuteActivity(a.SubmitTransfer, SubmitTransferInput{
		TransferRef:       f.ref,
		Transaction:       prepared.Transaction,
		SignedTransaction: f.sign(t, prepared.Transaction),
	})
	require.Error(t, err)

	te := TransferErrorFrom(err)
	assert.ErrorIs(t, te, transfer.ErrSubmissionRejected)
	assert.Contains(t, te.Error(), "insufficient funds for rent")
	_, ok := transfer.SignatureOf(te)
	assert.True(t, ok, "rejected submissions keep the transaction signature")
	f.network.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestConfirmTransfer(t *testing.T) {
	t.Run("confirmed", func(t *testing.T) {
		f := newActivityFixture(t)
		f.network.On("AwaitConfirmation", mock.Anything, testSignature, rpc.CommitmentConfirmed).Return(nil)

		val, err := f.env.ExecuteActivity(a.ConfirmTransfer, ConfirmTransferInput{TransferRef: f.ref, Signature: testSignature.String()})
		require.NoError(t, err)

		var res ConfirmTransferResult
		require.NoError(t, val.Get(&res))
		assert.Equal(t, testSignature.String(), res.Signature)
		assert.False(t, res.ConfirmedAt.IsZero())

		events := f.publisher.GetPublishedEvents()
		require.Len(t, events, 1)
		assert.Equal(t, "confirmed", events[0].State)
		assert.Equal(t, testSignature.String(), events[0].Signature)
	})

	t.Run("failed on chain", func(t *testing.T) {
		f := newActivityFixture(t)
		f.network.On("AwaitConfirmation", mock.Anything, testSignature, rpc.CommitmentConfirmed).
			Return(errors.New("transaction failed on chain: InstructionError"))

		_, err := f.env.ExecuteActivity(a.ConfirmTransfer, ConfirmTransferInput{TransferRef: f.ref, Signature: testSignature.String()})
		require.Error(t, err)

		te := TransferErrorFrom(err)
		assert.ErrorIs(t, te, transfer.ErrConfirmationRejected)
		sig, ok := transfer.SignatureOf(te)
		require.True(t, ok)
		assert.Equal(t, testSignature, sig)
		assert.Empty(t, f.publisher.GetPublishedEvents())
	})

	t.Run("bounded wait", func(t *testing.T) {
		f := newActivityFixture(t)
		f.network.On("AwaitConfirmation", mock.Anything, testSignature, rpc.CommitmentConfirmed).
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(context.DeadlineExceeded)

		_, err := f.env.ExecuteActivity(a.ConfirmTransfer, ConfirmTransferInput{TransferRef: f.ref, Signature: testSignature.String()})
		require.Error(t, err)
		assert.ErrorIs(t, TransferErrorFrom(err), transfer.ErrConfirmationTimeout)
	})
}

func TestPublishTransferEvent(t *testing.T) {
	f := newActivityFixture(t)

	ev := *f.ref.event(transfer.StateFailed)
	ev.Stage = transfer.StageSigning
	ev.ErrorKind = "signing_declined"

	_, err := f.env.ExecuteActivity(a.PublishTransferEvent, PublishTransferEventInput{TransferRef: f.ref, Event: ev})
	require.NoError(t, err)

	events := f.publisher.GetPublishedEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "failed", events[0].State)
	assert.Equal(t, "signing_declined", events[0].ErrorKind)
	assert.False(t, events[0].Timestamp.IsZero())
}

func TestTransferErrorFrom(t *testing.T) {
	plain := errors.New("boom")
	assert.Same(t, plain, TransferErrorFrom(plain))
	assert.Same(t, plain, activityError(plain))

	original := transfer.NewError(transfer.StageSubmission, "submission_rejected", testSignature, errors.New("blockhash not found"))
	rebuilt := TransferErrorFrom(activityError(original))

	assert.ErrorIs(t, rebuilt, transfer.ErrSubmissionRejected)
	assert.Equal(t, original.Error(), rebuilt.Error())
	sig, ok := transfer.SignatureOf(rebuilt)
	require.True(t, ok)
	assert.Equal(t, testSignature, sig)
}
