package solana

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRPCClient implements RPCClient for testing.
// It's behavior-focused: we set what it should return, not verify call sequences.
type mockRPCClient struct {
	mu sync.Mutex

	accountErrs []error // consumed one per call, then accountInfo is returned
	accountInfo *rpc.GetAccountInfoResult

	blockhash    *rpc.GetLatestBlockhashResult
	blockhashErr error

	sendSig  solana.Signature
	sendErr  error
	sendOpts []rpc.TransactionOpts

	statuses    []*rpc.SignatureStatusesResult // one per poll; the last repeats
	statusErrs  []error
	statusCalls int

	accountCalls int
}

func (m *mockRPCClient) GetAccountInfoWithOpts(
	ctx context.Context,
	account solana.PublicKey,
	opts *rpc.GetAccountInfoOpts,
) (*rpc.GetAccountInfoResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountCalls++
	if len(m.accountErrs) > 0 {
		err := m.accountErrs[0]
		m.accountErrs = m.accountErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.accountInfo == nil {
		return nil, rpc.ErrNotFound
	}
	return m.accountInfo, nil
}

func (m *mockRPCClient) GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	if m.blockhashErr != nil {
		return nil, m.blockhashErr
	}
	return m.blockhash, nil
}

func (m *mockRPCClient) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendOpts = append(m.sendOpts, opts)
	if m.sendErr != nil {
		return solana.Signature{}, m.sendErr
	}
	return m.sendSig, nil
}

func (m *mockRPCClient) GetSignatureStatuses(ctx context.Context, search bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.statusCalls
	m.statusCalls++

	if i < len(m.statusErrs) && m.statusErrs[i] != nil {
		return nil, m.statusErrs[i]
	}
	if len(m.statuses) == 0 {
		return nil, rpc.ErrNotFound
	}
	if i >= len(m.statuses) {
		i = len(m.statuses) - 1
	}
	return &rpc.GetSignatureStatusesResult{Value: []*rpc.SignatureStatusesResult{m.statuses[i]}}, nil
}

func newTestClient(mock *mockRPCClient) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(mock, "test", metrics.NewMetrics(prometheus.NewRegistry()), logger)
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

var testSig = solana.MustSignatureFromBase58("5j7s6NiJS3JAkvgkoc18WVAsiSaci2pxB2A6ueCJP4tprA2TFg9wSyTLeYouxPBJEMzJinENTkpA52YStRW5Dia7")

func TestAccountExists(t *testing.T) {
	ctx := context.Background()
	addr := solana.NewWallet().PublicKey()

	t.Run("account present", func(t *testing.T) {
		mock := &mockRPCClient{accountInfo: &rpc.GetAccountInfoResult{Value: &rpc.Account{Lamports: 2039280}}}
		exists, err := newTestClient(mock).AccountExists(ctx, addr)
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("not found means absent", func(t *testing.T) {
		mock := &mockRPCClient{}
		exists, err := newTestClient(mock).AccountExists(ctx, addr)
		require.NoError(t, err)
		assert.False(t, exists)
		assert.Equal(t, 1, mock.accountCalls)
	})

	t.Run("nil value means absent", func(t *testing.T) {
		mock := &mockRPCClient{accountInfo: &rpc.GetAccountInfoResult{}}
		exists, err := newTestClient(mock).AccountExists(ctx, addr)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("rate limited then succeeds", func(t *testing.T) {
		mock := &mockRPCClient{
			accountErrs: []error{errors.New("HTTP 429 Too Many Requests")},
			accountInfo: &rpc.GetAccountInfoResult{Value: &rpc.Account{}},
		}
		exists, err := newTestClient(mock).AccountExists(ctx, addr)
		require.NoError(t, err)
		assert.True(t, exists)
		assert.Equal(t, 2, mock.accountCalls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		boom := errors.New("connection refused")
		mock := &mockRPCClient{accountErrs: []error{boom, boom, boom, boom}}
		_, err := newTestClient(mock).AccountExists(ctx, addr)
		require.Error(t, err)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, maxReadAttempts, mock.accountCalls)
	})
}

func TestLatestBlockhash(t *testing.T) {
	hash := solana.MustHashFromBase58("4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn")
	mock := &mockRPCClient{blockhash: &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: hash, LastValidBlockHeight: 42},
	}}

	got, err := newTestClient(mock).LatestBlockhash(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hash, got.Blockhash)
	assert.Equal(t, uint64(42), got.LastValidBlockHeight)

	_, err = newTestClient(&mockRPCClient{blockhash: &rpc.GetLatestBlockhashResult{}}).LatestBlockhash(context.Background())
	assert.Error(t, err)
}

func TestSendTransaction(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		mock := &mockRPCClient{sendSig: testSig}
		sig, err := newTestClient(mock).SendTransaction(context.Background(), &solana.Transaction{})
		require.NoError(t, err)
		assert.Equal(t, testSig, sig)
		require.Len(t, mock.sendOpts, 1)
		assert.False(t, mock.sendOpts[0].SkipPreflight)
		assert.Equal(t, rpc.CommitmentConfirmed, mock.sendOpts[0].PreflightCommitment)
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		mock := &mockRPCClient{sendErr: errors.New("insufficient funds for rent")}
		_, err := newTestClient(mock).SendTransaction(context.Background(), &solana.Transaction{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insufficient funds")
		assert.Len(t, mock.sendOpts, 1)
	})
}

func TestAwaitConfirmation(t *testing.T) {
	processed := &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusProcessed}
	confirmed := &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusConfirmed}
	finalized := &rpc.SignatureStatusesResult{Slot: 10, ConfirmationStatus: rpc.ConfirmationStatusFinalized}

	t.Run("waits for the requested commitment", func(t *testing.T) {
		mock := &mockRPCClient{
			statuses:   []*rpc.SignatureStatusesResult{nil, processed, confirmed},
			statusErrs: []error{rpc.ErrNotFound},
		}
		err := newTestClient(mock).AwaitConfirmation(context.Background(), testSig, rpc.CommitmentConfirmed)
		require.NoError(t, err)
		assert.Equal(t, 3, mock.statusCalls)
	})

	t.Run("transient errors keep polling", func(t *testing.T) {
		mock := &mockRPCClient{
			statuses:   []*rpc.SignatureStatusesResult{nil, finalized},
			statusErrs: []error{errors.New("502 bad gateway")},
		}
		err := newTestClient(mock).AwaitConfirmation(context.Background(), testSig, rpc.CommitmentFinalized)
		require.NoError(t, err)
	})

	t.Run("failed transaction", func(t *testing.T) {
		failed := &rpc.SignatureStatusesResult{
			Slot:               10,
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
			Err:                map[string]interface{}{"InstructionError": []interface{}{1, "InvalidAccountData"}},
		}
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{failed}}
		err := newTestClient(mock).AwaitConfirmation(context.Background(), testSig, rpc.CommitmentConfirmed)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransactionFailed)
		assert.Contains(t, err.Error(), "InvalidAccountData")
	})

	t.Run("bounded by the context", func(t *testing.T) {
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{processed}}
		c := newTestClient(mock)
		c.sleep = sleepContext
		c.WithPollInterval(5 * time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		err := c.AwaitConfirmation(ctx, testSig, rpc.CommitmentConfirmed)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Greater(t, mock.statusCalls, 1)
	})
}

func TestSignatureStatus(t *testing.T) {
	t.Run("unknown signature", func(t *testing.T) {
		st, err := newTestClient(&mockRPCClient{}).SignatureStatus(context.Background(), testSig)
		require.NoError(t, err)
		assert.False(t, st.Found)
		assert.Equal(t, testSig.String(), st.Signature)
	})

	t.Run("confirmed signature", func(t *testing.T) {
		confs := uint64(3)
		mock := &mockRPCClient{statuses: []*rpc.SignatureStatusesResult{{
			Slot:               99,
			Confirmations:      &confs,
			ConfirmationStatus: rpc.ConfirmationStatusConfirmed,
		}}}
		st, err := newTestClient(mock).SignatureStatus(context.Background(), testSig)
		require.NoError(t, err)
		assert.True(t, st.Found)
		assert.Equal(t, uint64(99), st.Slot)
		assert.Equal(t, "confirmed", st.ConfirmationStatus)
		assert.Nil(t, st.Err)
	})
}

func TestCommitmentReached(t *testing.T) {
	tests := []struct {
		status   rpc.ConfirmationStatusType
		required rpc.CommitmentType
		want     bool
	}{
		{rpc.ConfirmationStatusProcessed, rpc.CommitmentConfirmed, false},
		{rpc.ConfirmationStatusConfirmed, rpc.CommitmentConfirmed, true},
		{rpc.ConfirmationStatusFinalized, rpc.CommitmentConfirmed, true},
		{rpc.ConfirmationStatusConfirmed, rpc.CommitmentFinalized, false},
		{rpc.ConfirmationStatusFinalized, rpc.CommitmentFinalized, true},
		{rpc.ConfirmationStatusProcessed, rpc.CommitmentProcessed, true},
		{"", rpc.CommitmentConfirmed, false},
		{rpc.ConfirmationStatusConfirmed, "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status)+"/"+string(tt.required), func(t *testing.T) {
			assert.Equal(t, tt.want, CommitmentReached(tt.status, tt.required))
		})
	}
}
