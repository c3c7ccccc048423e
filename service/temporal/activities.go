package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/brojonat/masssend/service/solana"
	"github.com/brojonat/masssend/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"go.temporal.io/sdk/temporal"
)

// TransferRef identifies a transfer in every activity input so that each
// activity can publish lifecycle events on its own.
type TransferRef struct {
	TransferID      string    `json:"transfer_id"`
	Owner           string    `json:"owner"`
	Destination     string    `json:"destination"`
	Mints           []string  `json:"mints,omitempty"`
	CreatedAccounts int       `json:"created_accounts"`
	StartedAt       time.Time `json:"started_at"`
	PreparedAt      time.Time `json:"prepared_at,omitempty"`
}

func (r TransferRef) event(state transfer.State) *transfer.Event {
	return &transfer.Event{
		TransferID:      r.TransferID,
		Owner:           r.Owner,
		Destination:     r.Destination,
		State:           state,
		Mints:           r.Mints,
		CreatedAccounts: r.CreatedAccounts,
	}
}

// PrepareTransferInput contains the parameters for the PrepareTransfer activity.
type PrepareTransferInput struct {
	TransferRef
	Assets []transfer.Asset `json:"assets"`
}

// PrepareTransferResult carries the unsigned transaction and what it does.
type PrepareTransferResult struct {
	Transaction          string                      `json:"transaction"` // base64, unsigned
	Destination          string                      `json:"destination"`
	Mints                []string                    `json:"mints"`
	CreatedAccounts      int                         `json:"created_accounts"`
	Instructions         []solana.InstructionSummary `json:"instructions"`
	Blockhash            string                      `json:"blockhash"`
	LastValidBlockHeight uint64                      `json:"last_valid_block_height"`
	// SessionQueue is the task queue of the worker holding the owner's
	// session. Empty means the workflow's own queue.
	SessionQueue string `json:"session_queue,omitempty"`
}

// SubmitTransferInput contains the parameters for the SubmitTransfer activity.
type SubmitTransferInput struct {
	TransferRef
	Transaction       string `json:"transaction"`        // as prepared
	SignedTransaction string `json:"signed_transaction"` // as returned by the wallet
}

// SubmitTransferResult contains the signature the cluster accepted.
type SubmitTransferResult struct {
	Signature string `json:"signature"`
}

// ConfirmTransferInput contains the parameters for the ConfirmTransfer activity.
type ConfirmTransferInput struct {
	TransferRef
	Signature string `json:"signature"`
}

// ConfirmTransferResult contains the outcome of a confirmed transfer.
type ConfirmTransferResult struct {
	Signature   string    `json:"signature"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// PublishTransferEventInput contains an event the workflow itself emits.
type PublishTransferEventInput struct {
	TransferRef
	Event transfer.Event `json:"event"`
}

// ReleaseSessionInput names the transfer whose session should be released.
type ReleaseSessionInput struct {
	TransferRef
}

// FailureDetails travels with a transfer failure through Temporal so that
// callers can rebuild the *transfer.Error.
type FailureDetails struct {
	Stage     string `json:"stage"`
	Signature string `json:"signature,omitempty"`
	Cause     string `json:"cause,omitempty"`
}

// Activities holds the dependencies needed by Temporal activities.
// Following go-kit pattern, all dependencies are explicit.
type Activities struct {
	pipeline *transfer.Pipeline
	metrics  *metrics.Metrics
	logger   *slog.Logger

	// sessionQueue routes ReleaseSession back to this process.
	sessionQueue string

	mu       sync.Mutex
	sessions map[string]func() // transfer ID -> release
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded.
func NewActivities(pipeline *transfer.Pipeline, m *metrics.Metrics, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		pipeline: pipeline,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]func()),
	}
}

// PrepareTransfer claims the owner's session, validates the selection,
// resolves receiving accounts and assembles the unsigned batch transaction
// for the owner to sign. The session stays claimed until ReleaseSession runs
// for the transfer; it is released here only if preparing fails.
func (a *Activities) PrepareTransfer(ctx context.Context, input PrepareTransferInput) (_ *PrepareTransferResult, err error) {
	defer a.recordActivity(ctx, "PrepareTransfer", time.Now(), &err)

	a.logger.DebugContext(ctx, "preparing transfer",
		"transfer_id", input.TransferID,
		"owner", input.Owner,
		"assets", len(input.Assets),
	)

	owner, err := solanago.PublicKeyFromBase58(input.Owner)
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageComposition, "composition_failed", solanago.Signature{},
			fmt.Errorf("invalid owner address: %w", err)))
	}

	// malformed requests fail without claiming the session
	if _, _, err := transfer.ValidateSelection(input.Assets, input.Destination, a.pipeline.Options()); err != nil {
		return nil, activityError(err)
	}
	if err := a.holdSession(ctx, input.TransferID, input.Owner); err != nil {
		a.logger.WarnContext(ctx, "failed to claim owner session",
			"transfer_id", input.TransferID,
			"owner", input.Owner,
			"error", err,
		)
		return nil, activityError(err)
	}
	defer func() {
		if err != nil {
			a.releaseSession(input.TransferID)
		}
	}()

	pending, err := a.pipeline.Prepare(ctx, owner, input.Assets, input.Destination)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to prepare transfer",
			"transfer_id", input.TransferID,
			"error", err,
		)
		return nil, activityError(err)
	}

	encoded, err := pending.Base64()
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageComposition, "composition_failed", solanago.Signature{}, err))
	}

	instructions, err := solana.DescribeTransaction(pending.Transaction)
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageComposition, "composition_failed", solanago.Signature{}, err))
	}
	accountMints := make(map[string]string, len(pending.Plans))
	for _, plan := range pending.Plans {
		accountMints[plan.ReceivingAccount.String()] = plan.Mint.String()
	}
	solana.AttachMints(instructions, accountMints)

	result := &PrepareTransferResult{
		Transaction:          encoded,
		Destination:          pending.Destination.String(),
		Mints:                mintStrings(pending.Mints()),
		CreatedAccounts:      pending.CreatedAccounts(),
		Instructions:         instructions,
		Blockhash:            pending.Freshness.Blockhash.String(),
		LastValidBlockHeight: pending.Freshness.LastValidBlockHeight,
		SessionQueue:         a.sessionQueue,
	}

	ref := input.TransferRef
	ref.Destination = result.Destination
	ref.Mints = result.Mints
	ref.CreatedAccounts = result.CreatedAccounts
	a.pipeline.Emit(ctx, ref.event(transfer.StateBuilt))

	a.logger.InfoContext(ctx, "transfer prepared",
		"transfer_id", input.TransferID,
		"operations", len(instructions),
		"created_accounts", result.CreatedAccounts,
	)
	return result, nil
}

// SubmitTransfer checks the wallet's signed transaction against the prepared
// one and sends it exactly once.
func (a *Activities) SubmitTransfer(ctx context.Context, input SubmitTransferInput) (_ *SubmitTransferResult, err error) {
	defer a.recordActivity(ctx, "SubmitTransfer", time.Now(), &err)

	owner, err := solanago.PublicKeyFromBase58(input.Owner)
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageSigning, "signing_declined", solanago.Signature{},
			fmt.Errorf("invalid owner address: %w", err)))
	}
	unsigned, err := solanago.TransactionFromBase64(input.Transaction)
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageSigning, "signing_declined", solanago.Signature{},
			fmt.Errorf("failed to decode prepared transaction: %w", err)))
	}

	pending := &transfer.PendingTransaction{Transaction: unsigned, FeePayer: owner}
	signed, err := a.pipeline.Sign(ctx, transfer.NewPresignedSigner(owner, input.SignedTransaction), pending)
	if a.metrics != nil && !input.PreparedAt.IsZero() {
		outcome := "signed"
		if err != nil {
			outcome = "rejected"
		}
		a.metrics.RecordSignatureWait(outcome, time.Since(input.PreparedAt).Seconds())
	}
	if err != nil {
		a.logger.WarnContext(ctx, "signed transaction rejected",
			"transfer_id", input.TransferID,
			"error", err,
		)
		return nil, activityError(err)
	}
	a.pipeline.Emit(ctx, input.event(transfer.StateSigned))

	sig, err := a.pipeline.Submit(ctx, signed)
	if err != nil {
		return nil, activityError(err)
	}

	ev := input.event(transfer.StateSubmitted)
	ev.Signature = sig.String()
	a.pipeline.Emit(ctx, ev)

	a.logger.InfoContext(ctx, "transfer submitted",
		"transfer_id", input.TransferID,
		"signature", sig.String(),
	)
	return &SubmitTransferResult{Signature: sig.String()}, nil
}

// ConfirmTransfer waits, bounded by the pipeline's confirmation timeout, for
// the submitted transaction to reach the configured commitment.
func (a *Activities) ConfirmTransfer(ctx context.Context, input ConfirmTransferInput) (_ *ConfirmTransferResult, err error) {
	defer a.recordActivity(ctx, "ConfirmTransfer", time.Now(), &err)

	sig, err := solanago.SignatureFromBase58(input.Signature)
	if err != nil {
		return nil, activityError(transfer.NewError(transfer.StageConfirmation, "confirmation_rejected", solanago.Signature{},
			fmt.Errorf("invalid signature: %w", err)))
	}

	if err := a.pipeline.Confirm(ctx, sig); err != nil {
		return nil, activityError(err)
	}

	ev := input.event(transfer.StateConfirmed)
	ev.Signature = input.Signature
	a.pipeline.Emit(ctx, ev)
	a.recordWorkflow(string(transfer.StateConfirmed), input.StartedAt)

	a.logger.InfoContext(ctx, "transfer confirmed",
		"transfer_id", input.TransferID,
		"signature", input.Signature,
	)
	return &ConfirmTransferResult{Signature: input.Signature, ConfirmedAt: time.Now().UTC()}, nil
}

// PublishTransferEvent emits an event decided by the workflow itself, such
// as a failure or a declined signature.
func (a *Activities) PublishTransferEvent(ctx context.Context, input PublishTransferEventInput) (err error) {
	defer a.recordActivity(ctx, "PublishTransferEvent", time.Now(), &err)

	ev := input.Event
	a.pipeline.Emit(ctx, &ev)

	if ev.State == transfer.StateFailed {
		a.recordWorkflow(ev.ErrorKind, input.StartedAt)
		if a.metrics != nil && ev.Stage == transfer.StageSigning && !input.PreparedAt.IsZero() {
			a.metrics.RecordSignatureWait("declined", time.Since(input.PreparedAt).Seconds())
		}
	}
	return nil
}

// ReleaseSession frees the owner's session claimed by PrepareTransfer. It is
// a no-op for a transfer this process does not hold.
func (a *Activities) ReleaseSession(ctx context.Context, input ReleaseSessionInput) (err error) {
	defer a.recordActivity(ctx, "ReleaseSession", time.Now(), &err)

	if a.releaseSession(input.TransferID) {
		a.logger.DebugContext(ctx, "owner session released",
			"transfer_id", input.TransferID,
			"owner", input.Owner,
		)
	}
	return nil
}

// holdSession claims owner for transferID. A retried PrepareTransfer for a
// transfer that already holds the session keeps it.
func (a *Activities) holdSession(ctx context.Context, transferID, owner string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, held := a.sessions[transferID]; held {
		return nil
	}
	release, err := a.pipeline.AcquireSession(ctx, owner)
	if err != nil {
		return err
	}
	if a.sessions == nil {
		a.sessions = make(map[string]func())
	}
	a.sessions[transferID] = release
	return nil
}

func (a *Activities) releaseSession(transferID string) bool {
	a.mu.Lock()
	release, held := a.sessions[transferID]
	delete(a.sessions, transferID)
	a.mu.Unlock()

	if held {
		release()
	}
	return held
}

func (a *Activities) recordActivity(ctx context.Context, activity string, start time.Time, err *error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if *err != nil {
		status = "error"
	}
	a.metrics.RecordActivityDuration(activity, status, time.Since(start).Seconds())
}

func (a *Activities) recordWorkflow(status string, startedAt time.Time) {
	if a.metrics == nil || startedAt.IsZero() {
		return
	}
	a.metrics.RecordWorkflowDuration(status, time.Since(startedAt).Seconds())
}

// activityError turns a pipeline failure into a non-retryable application
// error whose type is the failure kind.
func activityError(err error) error {
	var te *transfer.Error
	if !errors.As(err, &te) {
		return err
	}
	details := FailureDetails{Stage: string(te.Stage)}
	if te.Err != nil {
		details.Cause = te.Err.Error()
	}
	if !te.Signature.IsZero() {
		details.Signature = te.Signature.String()
	}
	return temporal.NewNonRetryableApplicationError(te.Error(), transfer.KindName(te), nil, details)
}

// TransferErrorFrom rebuilds the *transfer.Error carried by a failed
// activity or workflow. Other errors are returned unchanged.
func TransferErrorFrom(err error) error {
	var appErr *temporal.ApplicationError
	if !errors.As(err, &appErr) {
		return err
	}
	if _, ok := transfer.KindByName(appErr.Type()); !ok {
		return err
	}

	var details FailureDetails
	if appErr.HasDetails() {
		_ = appErr.Details(&details)
	}
	var sig solanago.Signature
	if details.Signature != "" {
		if parsed, perr := solanago.SignatureFromBase58(details.Signature); perr == nil {
			sig = parsed
		}
	}
	var cause error
	if details.Cause != "" {
		cause = errors.New(details.Cause)
	}
	return transfer.NewError(transfer.Stage(details.Stage), appErr.Type(), sig, cause)
}

func mintStrings(mints []solanago.PublicKey) []string {
	out := make([]string, len(mints))
	for i, m := range mints {
		out[i] = m.String()
	}
	return out
}
