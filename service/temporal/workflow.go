package temporal

import (
	"errors"
	"fmt"
	"time"

	"github.com/brojonat/masssend/service/solana"
	"github.com/brojonat/masssend/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

var a *Activities // for type-safe activity invocation

const (
	// TransferStatusQuery returns the TransferStatus of a running or
	// finished transfer.
	TransferStatusQuery = "transfer-status"

	// TransferSignatureSignal delivers the owner's SignatureSignal.
	TransferSignatureSignal = "transfer-signature"
)

// Transfer workflow states reported by TransferStatusQuery.
const (
	StatusPreparing         = "preparing"
	StatusAwaitingSignature = "awaiting_signature"
	StatusSubmitting        = "submitting"
	StatusConfirming        = "confirming"
	StatusConfirmed         = "confirmed"
	StatusFailed            = "failed"
)

const defaultConfirmTimeout = 90 * time.Second

var signatureZero solanago.Signature

// TransferInput starts a remote-signing batch transfer.
type TransferInput struct {
	TransferID     string           `json:"transfer_id"`
	Owner          string           `json:"owner"`
	Destination    string           `json:"destination"`
	Assets         []transfer.Asset `json:"assets"`
	ConfirmTimeout time.Duration    `json:"confirm_timeout,omitempty"`
}

// SignatureSignal is what the owner's wallet sends back: either the signed
// transaction or a refusal.
type SignatureSignal struct {
	SignedTransaction string `json:"signed_transaction,omitempty"`
	Decline           bool   `json:"decline,omitempty"`
	Reason            string `json:"reason,omitempty"`
}

// TransferStatus is the queryable state of a transfer workflow.
type TransferStatus struct {
	TransferID           string                      `json:"transfer_id"`
	Owner                string                      `json:"owner"`
	Destination          string                      `json:"destination"`
	State                string                      `json:"state"`
	Transaction          string                      `json:"transaction,omitempty"` // unsigned, base64
	Instructions         []solana.InstructionSummary `json:"instructions,omitempty"`
	Mints                []string                    `json:"mints,omitempty"`
	CreatedAccounts      int                         `json:"created_accounts"`
	LastValidBlockHeight uint64                      `json:"last_valid_block_height,omitempty"`
	Signature            string                      `json:"signature,omitempty"`
	Stage                string                      `json:"stage,omitempty"`
	ErrorKind            string                      `json:"error_kind,omitempty"`
	Error                string                      `json:"error,omitempty"`
	StartedAt            time.Time                   `json:"started_at"`
	UpdatedAt            time.Time                   `json:"updated_at"`
}

// TransferResult is returned by a transfer workflow that confirmed.
type TransferResult struct {
	TransferID      string    `json:"transfer_id"`
	Owner           string    `json:"owner"`
	Destination     string    `json:"destination"`
	Signature       string    `json:"signature"`
	Mints           []string  `json:"mints"`
	CreatedAccounts int       `json:"created_accounts"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// TransferBatchWorkflow drives one batch transfer whose signature comes
// from the owner's own wallet:
// 1. PrepareTransfer builds the unsigned transaction
// 2. the workflow waits, without a deadline, for TransferSignatureSignal
// 3. SubmitTransfer verifies and sends the signed transaction once
// 4. ConfirmTransfer waits for the configured commitment
//
// Cancelling the workflow while it waits for the signature declines the
// transfer. Nothing is retried once the owner has signed. The owner's session
// is held from PrepareTransfer until the workflow ends, so a second transfer
// for the same owner fails with session_busy in the meantime.
func TransferBatchWorkflow(ctx workflow.Context, input TransferInput) (*TransferResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("TransferBatchWorkflow started",
		"transfer_id", input.TransferID,
		"owner", input.Owner,
		"assets", len(input.Assets),
	)

	status := TransferStatus{
		TransferID:  input.TransferID,
		Owner:       input.Owner,
		Destination: input.Destination,
		State:       StatusPreparing,
		StartedAt:   workflow.Now(ctx),
		UpdatedAt:   workflow.Now(ctx),
	}
	if err := workflow.SetQueryHandler(ctx, TransferStatusQuery, func() (TransferStatus, error) {
		return status, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to register status query: %w", err)
	}

	ref := TransferRef{
		TransferID:  input.TransferID,
		Owner:       input.Owner,
		Destination: input.Destination,
		StartedAt:   status.StartedAt,
	}
	setState := func(state string) {
		status.State = state
		status.UpdatedAt = workflow.Now(ctx)
	}
	var sessionQueue string
	fail := func(err error, stage transfer.Stage, fallbackKind string) (*TransferResult, error) {
		te := failureFrom(err, stage, fallbackKind)
		setState(StatusFailed)
		status.Stage = string(te.Stage)
		status.ErrorKind = transfer.KindName(te)
		status.Error = te.Error()
		if !te.Signature.IsZero() {
			status.Signature = te.Signature.String()
		}
		logger.Error("transfer failed",
			"transfer_id", input.TransferID,
			"stage", status.Stage,
			"kind", status.ErrorKind,
			"error", status.Error,
		)
		publishFailure(ctx, ref, status)
		releaseSession(ctx, ref, sessionQueue)
		return nil, activityError(te)
	}

	// Reads are safe to retry; everything after the signature runs once.
	prepareCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Minute,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    3,
		},
	})

	var prepared *PrepareTransferResult
	if err := workflow.ExecuteActivity(prepareCtx, a.PrepareTransfer, PrepareTransferInput{
		TransferRef: ref,
		Assets:      input.Assets,
	}).Get(ctx, &prepared); err != nil {
		return fail(err, transfer.StageComposition, "composition_failed")
	}

	sessionQueue = prepared.SessionQueue
	ref.Destination = prepared.Destination
	ref.Mints = prepared.Mints
	ref.CreatedAccounts = prepared.CreatedAccounts
	ref.PreparedAt = workflow.Now(ctx)
	status.Destination = prepared.Destination
	status.Transaction = prepared.Transaction
	status.Instructions = prepared.Instructions
	status.Mints = prepared.Mints
	status.CreatedAccounts = prepared.CreatedAccounts
	status.LastValidBlockHeight = prepared.LastValidBlockHeight
	setState(StatusAwaitingSignature)

	logger.Info("awaiting owner signature", "transfer_id", input.TransferID)

	var (
		signal    SignatureSignal
		cancelled bool
	)
	selector := workflow.NewSelector(ctx)
	selector.AddReceive(workflow.GetSignalChannel(ctx, TransferSignatureSignal), func(c workflow.ReceiveChannel, more bool) {
		c.Receive(ctx, &signal)
	})
	selector.AddReceive(ctx.Done(), func(c workflow.ReceiveChannel, more bool) {
		cancelled = true
	})
	selector.Select(ctx)

	switch {
	case cancelled:
		return fail(transfer.NewError(transfer.StageSigning, "signing_declined", signatureZero,
			errors.New("transfer cancelled before it was signed")), transfer.StageSigning, "signing_declined")
	case signal.Decline:
		reason := signal.Reason
		if reason == "" {
			reason = "owner declined to sign"
		}
		return fail(transfer.NewError(transfer.StageSigning, "signing_declined", signatureZero, errors.New(reason)),
			transfer.StageSigning, "signing_declined")
	case signal.SignedTransaction == "":
		return fail(transfer.NewError(transfer.StageSigning, "signing_declined", signatureZero,
			errors.New("empty signed transaction")), transfer.StageSigning, "signing_declined")
	}

	setState(StatusSubmitting)
	onceCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 1},
	})

	var submitted *SubmitTransferResult
	if err := workflow.ExecuteActivity(onceCtx, a.SubmitTransfer, SubmitTransferInput{
		TransferRef:       ref,
		Transaction:       prepared.Transaction,
		SignedTransaction: signal.SignedTransaction,
	}).Get(ctx, &submitted); err != nil {
		return fail(err, transfer.StageSubmission, "submission_rejected")
	}
	status.Signature = submitted.Signature
	setState(StatusConfirming)

	confirmTimeout := input.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	confirmCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		// the activity bounds itself; this only catches a lost worker
		StartToCloseTimeout: confirmTimeout + 30*time.Second,
		RetryPolicy:         &temporalsdk.RetryPolicy{MaximumAttempts: 1},
	})

	var confirmed *ConfirmTransferResult
	if err := workflow.ExecuteActivity(confirmCtx, a.ConfirmTransfer, ConfirmTransferInput{
		TransferRef: ref,
		Signature:   submitted.Signature,
	}).Get(ctx, &confirmed); err != nil {
		te := failureFrom(err, transfer.StageConfirmation, "confirmation_timeout")
		if te.Signature.IsZero() {
			te.Signature = mustSignature(submitted.Signature)
		}
		return fail(te, transfer.StageConfirmation, "confirmation_timeout")
	}

	setState(StatusConfirmed)
	releaseSession(ctx, ref, sessionQueue)
	logger.Info("TransferBatchWorkflow completed",
		"transfer_id", input.TransferID,
		"signature", confirmed.Signature,
	)

	return &TransferResult{
		TransferID:      input.TransferID,
		Owner:           input.Owner,
		Destination:     status.Destination,
		Signature:       confirmed.Signature,
		Mints:           status.Mints,
		CreatedAccounts: status.CreatedAccounts,
		ConfirmedAt:     confirmed.ConfirmedAt,
	}, nil
}

// publishFailure emits the failed event. It runs on a disconnected context
// so that it also happens after cancellation.
func publishFailure(ctx workflow.Context, ref TransferRef, status TransferStatus) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})

	ev := *ref.event(transfer.StateFailed)
	ev.Stage = transfer.Stage(status.Stage)
	ev.ErrorKind = status.ErrorKind
	ev.Error = status.Error
	ev.Signature = status.Signature

	err := workflow.ExecuteActivity(dctx, a.PublishTransferEvent, PublishTransferEventInput{
		TransferRef: ref,
		Event:       ev,
	}).Get(dctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("failed to publish failure event",
			"transfer_id", ref.TransferID,
			"error", err,
		)
	}
}

// releaseSession frees the owner's session on the worker that claimed it.
// Like publishFailure it survives cancellation.
func releaseSession(ctx workflow.Context, ref TransferRef, queue string) {
	dctx, _ := workflow.NewDisconnectedContext(ctx)
	dctx = workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
		TaskQueue:           queue,
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval: time.Second,
			MaximumAttempts: 3,
		},
	})

	err := workflow.ExecuteActivity(dctx, a.ReleaseSession, ReleaseSessionInput{TransferRef: ref}).Get(dctx, nil)
	if err != nil {
		workflow.GetLogger(ctx).Warn("failed to release owner session",
			"transfer_id", ref.TransferID,
			"error", err,
		)
	}
}

// failureFrom recovers the transfer error an activity reported, or tags an
// infrastructure failure (timeout, lost worker) with the step it hit.
func failureFrom(err error, stage transfer.Stage, fallbackKind string) *transfer.Error {
	var te *transfer.Error
	if errors.As(TransferErrorFrom(err), &te) {
		return te
	}
	return transfer.NewError(stage, fallbackKind, signatureZero, err)
}

func mustSignature(s string) solanago.Signature {
	sig, err := solanago.SignatureFromBase58(s)
	if err != nil {
		return signatureZero
	}
	return sig
}
