package transfer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/require"
)

// fakeNetwork implements Network for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type fakeNetwork struct {
	mu sync.Mutex

	existing map[solana.PublicKey]bool
	readErrs map[solana.PublicKey]error
	reads    int

	freshness      Freshness
	freshnessErr   error
	freshnessCalls int

	sendErr error
	sent    []*solana.Transaction

	confirmErr   error
	confirmBlock bool
	confirmCalls int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		existing: make(map[solana.PublicKey]bool),
		readErrs: make(map[solana.PublicKey]error),
		freshness: Freshness{
			Blockhash:            solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"),
			LastValidBlockHeight: 1000,
		},
	}
}

func (f *fakeNetwork) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if err, ok := f.readErrs[address]; ok {
		return false, err
	}
	return f.existing[address], nil
}

func (f *fakeNetwork) LatestBlockhash(ctx context.Context) (Freshness, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.freshnessCalls++
	if f.freshnessErr != nil {
		return Freshness{}, f.freshnessErr
	}
	return f.freshness, nil
}

func (f *fakeNetwork) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	return tx.Signatures[0], nil
}

func (f *fakeNetwork) AwaitConfirmation(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error {
	f.mu.Lock()
	f.confirmCalls++
	block, err := f.confirmBlock, f.confirmErr
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// networkCalls is the total number of calls that reached the cluster.
func (f *fakeNetwork) networkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads + f.freshnessCalls + len(f.sent) + f.confirmCalls
}

func (f *fakeNetwork) markExisting(t *testing.T, owner, mint solana.PublicKey) {
	t.Helper()
	ata, err := ReceivingAccount(owner, mint)
	require.NoError(t, err)
	f.mu.Lock()
	f.existing[ata] = true
	f.mu.Unlock()
}

var errDeclined = errors.New("user rejected the request")

// fakeSigner signs with a real key unless told to decline.
type fakeSigner struct {
	*KeypairSigner
	decline bool
	calls   int
}

func newFakeSigner(t *testing.T) *fakeSigner {
	t.Helper()
	key, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	return &fakeSigner{KeypairSigner: NewKeypairSigner(key)}
}

func (s *fakeSigner) Sign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	s.calls++
	if s.decline {
		return nil, errDeclined
	}
	return s.KeypairSigner.Sign(ctx, tx)
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recordingPublisher) PublishTransferEvent(ctx context.Context, ev *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return r.err
}

func (r *recordingPublisher) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.State
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWallet(t *testing.T) solana.PublicKey {
	t.Helper()
	return solana.NewWallet().PublicKey()
}

func newAsset(t *testing.T, name string) (Asset, solana.PublicKey) {
	t.Helper()
	mint := solana.NewWallet().PublicKey()
	return Asset{Name: name, MintAddress: mint.String()}, mint
}
