package temporal

import (
	"context"
	"fmt"
	"sync"

	"github.com/brojonat/masssend/service/transfer"
)

// MockTransferService is an in-memory TransferService for testing. Started
// transfers wait for a signature until the test resolves them.
type MockTransferService struct {
	mu        sync.Mutex
	transfers map[string]*TransferStatus // by owner
	signals   map[string][]SignatureSignal
	results   map[string]*TransferResult
	failures  map[string]error
	startErr  error
	signalErr error
}

var _ TransferService = (*MockTransferService)(nil)

// NewMockTransferService creates a new MockTransferService.
func NewMockTransferService() *MockTransferService {
	return &MockTransferService{
		transfers: make(map[string]*TransferStatus),
		signals:   make(map[string][]SignatureSignal),
		results:   make(map[string]*TransferResult),
		failures:  make(map[string]error),
	}
}

// StartTransfer records the transfer as awaiting its signature.
func (m *MockTransferService) StartTransfer(ctx context.Context, input TransferInput) (*TransferHandle, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.transfers[input.Owner]; ok && !isTerminal(st.State) {
		return nil, transfer.NewError(transfer.StageValidation, "session_busy", signatureZero,
			fmt.Errorf("owner %s already has a transfer in flight", input.Owner))
	}

	id := input.TransferID
	if id == "" {
		id = fmt.Sprintf("transfer-%d", len(m.transfers)+1)
	}
	mints := make([]string, len(input.Assets))
	for i, asset := range input.Assets {
		mints[i] = asset.MintAddress
	}
	m.transfers[input.Owner] = &TransferStatus{
		TransferID:  id,
		Owner:       input.Owner,
		Destination: input.Destination,
		State:       StatusAwaitingSignature,
		Mints:       mints,
	}
	delete(m.results, input.Owner)
	delete(m.failures, input.Owner)

	return &TransferHandle{TransferID: id, WorkflowID: TransferWorkflowID(input.Owner), RunID: "mock-run"}, nil
}

// GetTransferStatus returns a copy of the recorded status.
func (m *MockTransferService) GetTransferStatus(ctx context.Context, owner string) (*TransferStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.transfers[owner]
	if !ok {
		return nil, fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
	}
	out := *st
	return &out, nil
}

// SignTransfer records the signature and moves the transfer to confirming.
func (m *MockTransferService) SignTransfer(ctx context.Context, owner, signedTransaction string) error {
	return m.signal(owner, SignatureSignal{SignedTransaction: signedTransaction}, StatusConfirming)
}

// DeclineTransfer records the refusal and fails the transfer.
func (m *MockTransferService) DeclineTransfer(ctx context.Context, owner, reason string) error {
	return m.signal(owner, SignatureSignal{Decline: true, Reason: reason}, StatusFailed)
}

// CancelTransfer fails a transfer that is awaiting its signature.
func (m *MockTransferService) CancelTransfer(ctx context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.transfers[owner]
	if !ok {
		return fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
	}
	if st.State == StatusAwaitingSignature {
		st.State = StatusFailed
		st.Stage = string(transfer.StageSigning)
		st.ErrorKind = "signing_declined"
	}
	return nil
}

// AwaitTransfer returns the result set with Complete or Fail.
func (m *MockTransferService) AwaitTransfer(ctx context.Context, owner string) (*TransferResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err, ok := m.failures[owner]; ok {
		return nil, err
	}
	if res, ok := m.results[owner]; ok {
		return res, nil
	}
	if _, ok := m.transfers[owner]; !ok {
		return nil, fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
	}
	return nil, fmt.Errorf("transfer for owner %s has not finished", owner)
}

func (m *MockTransferService) signal(owner string, sig SignatureSignal, next string) error {
	if m.signalErr != nil {
		return m.signalErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.transfers[owner]
	if !ok {
		return fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
	}
	m.signals[owner] = append(m.signals[owner], sig)
	if st.State == StatusAwaitingSignature {
		st.State = next
		if next == StatusFailed {
			st.Stage = string(transfer.StageSigning)
			st.ErrorKind = "signing_declined"
			st.Error = sig.Reason
		}
	}
	return nil
}

// Complete marks the owner's transfer confirmed with signature.
func (m *MockTransferService) Complete(owner, signature string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.transfers[owner]
	if !ok {
		return
	}
	st.State = StatusConfirmed
	st.Signature = signature
	m.results[owner] = &TransferResult{
		TransferID:  st.TransferID,
		Owner:       owner,
		Destination: st.Destination,
		Signature:   signature,
		Mints:       st.Mints,
	}
}

// Fail marks the owner's transfer failed with err.
func (m *MockTransferService) Fail(owner string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.transfers[owner]; ok {
		st.State = StatusFailed
		st.Stage = string(transfer.StageOf(err))
		st.ErrorKind = transfer.KindName(err)
		st.Error = err.Error()
	}
	m.failures[owner] = err
}

// Signals returns the signals delivered for owner.
func (m *MockTransferService) Signals(owner string) []SignatureSignal {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]SignatureSignal, len(m.signals[owner]))
	copy(out, m.signals[owner])
	return out
}

// SetStartError makes StartTransfer return an error.
func (m *MockTransferService) SetStartError(err error) {
	m.startErr = err
}

// SetSignalError makes SignTransfer and DeclineTransfer return an error.
func (m *MockTransferService) SetSignalError(err error) {
	m.signalErr = err
}

// Reset clears all transfers and errors.
func (m *MockTransferService) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transfers = make(map[string]*TransferStatus)
	m.signals = make(map[string][]SignatureSignal)
	m.results = make(map[string]*TransferResult)
	m.failures = make(map[string]error)
	m.startErr = nil
	m.signalErr = nil
}

func isTerminal(state string) bool {
	return state == StatusConfirmed || state == StatusFailed
}
