package temporal

import "context"

// TransferService runs remote-signing transfers, one per owner at a time.
type TransferService interface {
	// StartTransfer prepares a batch transfer whose transaction the owner
	// signs in their own wallet.
	StartTransfer(ctx context.Context, input TransferInput) (*TransferHandle, error)

	// GetTransferStatus returns the state of the owner's latest transfer,
	// including the unsigned transaction while it awaits a signature.
	GetTransferStatus(ctx context.Context, owner string) (*TransferStatus, error)

	// SignTransfer delivers the signed transaction, base64 encoded.
	SignTransfer(ctx context.Context, owner, signedTransaction string) error

	// DeclineTransfer ends the transfer as declined.
	DeclineTransfer(ctx context.Context, owner, reason string) error

	// CancelTransfer cancels the owner's running transfer.
	CancelTransfer(ctx context.Context, owner string) error

	// AwaitTransfer blocks until the owner's transfer finishes and returns
	// its result or its *transfer.Error.
	AwaitTransfer(ctx context.Context, owner string) (*TransferResult, error)
}

// TransferHandle identifies a started transfer workflow.
type TransferHandle struct {
	TransferID string `json:"transfer_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// TransferWorkflowID returns the workflow ID of owner's transfer. Reusing
// the owner's address keeps a second transfer from starting while one runs.
func TransferWorkflowID(owner string) string {
	return "transfer-" + owner
}
