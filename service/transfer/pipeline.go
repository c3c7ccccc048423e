package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/google/uuid"
)

// Network is everything the pipeline needs from the Solana cluster.
type Network interface {
	AccountReader
	LatestBlockhash(ctx context.Context) (Freshness, error)
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// AwaitConfirmation blocks until sig reaches commitment, the transaction
	// fails on chain, or ctx is done.
	AwaitConfirmation(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error
}

// Options tunes the pipeline.
type Options struct {
	Commitment               rpc.CommitmentType
	ConfirmTimeout           time.Duration
	ResolveConcurrency       int
	MaxBatchSize             int
	AllowOffCurveDestination bool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Commitment:         rpc.CommitmentConfirmed,
		ConfirmTimeout:     90 * time.Second,
		ResolveConcurrency: 8,
		MaxBatchSize:       20,
	}
}

// MaxTransactionSize is the largest serialized transaction the cluster
// accepts.
const MaxTransactionSize = 1232

// SubmissionResult is the terminal outcome of a successful transfer.
type SubmissionResult struct {
	TransferID      string                 `json:"transfer_id"`
	Owner           solana.PublicKey       `json:"owner"`
	Destination     solana.PublicKey       `json:"destination"`
	Signature       solana.Signature       `json:"signature"`
	State           State                  `json:"state"`
	Plans           []ReceivingAccountPlan `json:"plans"`
	Operations      []Operation            `json:"operations"`
	CreatedAccounts int                    `json:"created_accounts"`
	Duration        time.Duration          `json:"duration"`
}

// Pipeline validates, resolves, composes, signs, submits and confirms batch
// transfers. It holds no per-transfer state.
type Pipeline struct {
	network  Network
	resolver *Resolver
	locker   SessionLocker
	events   EventPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	opts     Options
}

// NewPipeline wires a pipeline. A nil locker falls back to an in-process
// MemoryLocker; nil events and nil metrics are skipped.
func NewPipeline(
	network Network,
	locker SessionLocker,
	events EventPublisher,
	m *metrics.Metrics,
	opts Options,
	logger *slog.Logger,
) *Pipeline {
	defaults := DefaultOptions()
	if opts.Commitment == "" {
		opts.Commitment = defaults.Commitment
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = defaults.ConfirmTimeout
	}
	if opts.ResolveConcurrency <= 0 {
		opts.ResolveConcurrency = defaults.ResolveConcurrency
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = defaults.MaxBatchSize
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}

	return &Pipeline{
		network:  network,
		resolver: NewResolver(network, opts.ResolveConcurrency, logger),
		locker:   locker,
		events:   events,
		metrics:  m,
		logger:   logger,
		opts:     opts,
	}
}

// Options returns the effective options.
func (p *Pipeline) Options() Options {
	return p.opts
}

// TransferBatch moves every asset of selection from the signer's wallet to
// destination in one atomic transaction. It returns either a confirmed
// result or a *Error tagged with the failing stage.
func (p *Pipeline) TransferBatch(ctx context.Context, signer Signer, selection *SelectionSet, destination string) (*SubmissionResult, error) {
	start := time.Now()
	owner := signer.PublicKey()
	assets := selection.Assets()

	ev := &Event{
		TransferID:  uuid.NewString(),
		Owner:       owner.String(),
		Destination: destination,
	}
	logger := p.logger.With("transfer_id", ev.TransferID, "owner", ev.Owner)

	result, err := p.transferBatch(ctx, logger, ev, signer, assets, destination)
	if err != nil {
		p.recordOutcome(KindName(err), start, len(assets), 0)
		ev.State = StateFailed
		ev.Stage = StageOf(err)
		ev.ErrorKind = KindName(err)
		ev.Error = err.Error()
		if sig, ok := SignatureOf(err); ok {
			ev.Signature = sig.String()
		}
		p.Emit(ctx, ev)
		logger.ErrorContext(ctx, "transfer failed",
			"stage", ev.Stage,
			"kind", ev.ErrorKind,
			"signature", ev.Signature,
			"error", err,
		)
		return nil, err
	}

	result.Duration = time.Since(start)
	p.recordOutcome("confirmed", start, len(assets), result.CreatedAccounts)
	logger.InfoContext(ctx, "transfer confirmed",
		"signature", result.Signature.String(),
		"assets", len(assets),
		"created_accounts", result.CreatedAccounts,
		"duration", result.Duration,
	)
	return result, nil
}

func (p *Pipeline) transferBatch(
	ctx context.Context,
	logger *slog.Logger,
	ev *Event,
	signer Signer,
	assets []Asset,
	destination string,
) (*SubmissionResult, error) {
	owner := signer.PublicKey()

	dest, mints, err := p.Validate(assets, destination)
	if err != nil {
		return nil, err
	}
	ev.Destination = dest.String()
	ev.Mints = mintStrings(mints)

	unlock, err := p.AcquireSession(ctx, owner.String())
	if err != nil {
		return nil, err
	}
	defer unlock()

	pending, err := p.build(ctx, owner, dest, mints)
	if err != nil {
		return nil, err
	}
	ev.CreatedAccounts = pending.CreatedAccounts()
	ev.State = StateBuilt
	p.Emit(ctx, ev)
	logger.InfoContext(ctx, "transaction built",
		"destination", dest.String(),
		"operations", len(pending.Operations),
		"created_accounts", ev.CreatedAccounts,
	)

	signed, err := p.Sign(ctx, signer, pending)
	if err != nil {
		return nil, err
	}
	ev.State = StateSigned
	p.Emit(ctx, ev)

	sig, err := p.Submit(ctx, signed)
	if err != nil {
		return nil, err
	}
	ev.State = StateSubmitted
	ev.Signature = sig.String()
	p.Emit(ctx, ev)
	logger.InfoContext(ctx, "transaction submitted", "signature", sig.String())

	if err := p.Confirm(ctx, sig); err != nil {
		return nil, err
	}
	ev.State = StateConfirmed
	p.Emit(ctx, ev)

	return &SubmissionResult{
		TransferID:      ev.TransferID,
		Owner:           owner,
		Destination:     dest,
		Signature:       sig,
		State:           StateConfirmed,
		Plans:           pending.Plans,
		Operations:      pending.Operations,
		CreatedAccounts: pending.CreatedAccounts(),
	}, nil
}

// AcquireSession claims the owner's session for one transfer. While it is
// held every other TransferBatch or AcquireSession for the same owner fails
// with ErrSessionBusy, in this process and, with a shared locker, in others.
func (p *Pipeline) AcquireSession(ctx context.Context, owner string) (func(), error) {
	unlock, err := p.locker.TryLock(ctx, owner)
	if err != nil {
		err = stageError(StageValidation, ErrSessionBusy, ignoreBusy(err))
		p.recordStage(StageValidation, err)
		return nil, err
	}
	return unlock, nil
}

// Validate checks the destination and the selection without touching the
// network and returns the parsed destination and mints in selection order.
func (p *Pipeline) Validate(assets []Asset, destination string) (solana.PublicKey, []solana.PublicKey, error) {
	dest, mints, err := ValidateSelection(assets, destination, p.opts)
	if err != nil {
		p.recordStage(StageOf(err), err)
		return solana.PublicKey{}, nil, err
	}
	p.recordStage(StageValidation, nil)
	return dest, mints, nil
}

// ValidateSelection is Validate for callers that hold no pipeline, such as
// the HTTP API rejecting a bad request before starting a workflow.
func ValidateSelection(assets []Asset, destination string, opts Options) (solana.PublicKey, []solana.PublicKey, error) {
	dest, err := ValidateDestination(destination, opts.AllowOffCurveDestination)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}

	if len(assets) == 0 {
		return solana.PublicKey{}, nil, stageError(StageValidation, ErrEmptySelection, nil)
	}

	maxBatch := opts.MaxBatchSize
	if maxBatch <= 0 {
		maxBatch = DefaultOptions().MaxBatchSize
	}
	mints, err := parseMints(assets, maxBatch)
	if err != nil {
		return solana.PublicKey{}, nil, err
	}
	return dest, mints, nil
}

func parseMints(assets []Asset, maxBatch int) ([]solana.PublicKey, error) {
	if len(assets) > maxBatch {
		return nil, stageError(StageComposition, ErrCompositionFailed,
			fmt.Errorf("%d assets selected, at most %d fit in one transaction", len(assets), maxBatch))
	}

	mints := make([]solana.PublicKey, 0, len(assets))
	seen := make(map[solana.PublicKey]struct{}, len(assets))
	for _, a := range assets {
		mint, err := solana.PublicKeyFromBase58(a.MintAddress)
		if err != nil {
			return nil, stageError(StageComposition, ErrCompositionFailed,
				fmt.Errorf("invalid mint address %q for asset %q: %w", a.MintAddress, a.Name, err))
		}
		if _, dup := seen[mint]; dup {
			return nil, stageError(StageComposition, ErrCompositionFailed,
				fmt.Errorf("mint %s selected more than once", mint))
		}
		seen[mint] = struct{}{}
		mints = append(mints, mint)
	}
	return mints, nil
}

// Prepare runs validation, resolution, composition and assembly and returns
// the unsigned transaction.
func (p *Pipeline) Prepare(ctx context.Context, owner solana.PublicKey, assets []Asset, destination string) (*PendingTransaction, error) {
	dest, mints, err := p.Validate(assets, destination)
	if err != nil {
		return nil, err
	}
	return p.build(ctx, owner, dest, mints)
}

func (p *Pipeline) build(ctx context.Context, owner, dest solana.PublicKey, mints []solana.PublicKey) (*PendingTransaction, error) {
	plans, err := p.resolver.ResolveAll(ctx, mints, dest)
	p.recordStage(StageResolution, err)
	if err != nil {
		return nil, err
	}

	ops, err := ComposeAll(plans, owner, dest)
	if err != nil {
		p.recordStage(StageComposition, err)
		return nil, err
	}

	// The blockhash expires after roughly a minute, so fetch it last.
	freshness, err := p.network.LatestBlockhash(ctx)
	if err != nil {
		err = stageError(StageComposition, ErrFreshnessUnavailable, err)
		p.recordStage(StageComposition, err)
		return nil, err
	}

	pending, err := Assemble(ops, owner, freshness)
	if err == nil {
		err = checkSize(pending.Transaction)
	}
	p.recordStage(StageComposition, err)
	if err != nil {
		return nil, err
	}
	pending.Plans = plans
	pending.Destination = dest
	return pending, nil
}

func checkSize(tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return stageError(StageComposition, ErrCompositionFailed, fmt.Errorf("failed to encode message: %w", err))
	}
	// one byte of signature count plus one 64 byte signature per signer
	size := len(msg) + 1 + 64*tx.NumSigners()
	if size > MaxTransactionSize {
		return stageError(StageComposition, ErrCompositionFailed,
			fmt.Errorf("transaction is %d bytes, limit is %d; select fewer assets", size, MaxTransactionSize))
	}
	return nil
}

// Sign asks signer to authorize pending. Any refusal or error is reported
// as ErrSigningDeclined and never retried.
func (p *Pipeline) Sign(ctx context.Context, signer Signer, pending *PendingTransaction) (*solana.Transaction, error) {
	signed, err := signer.Sign(ctx, pending.Transaction)
	if err != nil {
		err = stageError(StageSigning, ErrSigningDeclined, err)
		p.recordStage(StageSigning, err)
		return nil, err
	}
	if err := pending.VerifySigned(signed); err != nil {
		err = stageError(StageSigning, ErrSigningDeclined, err)
		p.recordStage(StageSigning, err)
		return nil, err
	}
	p.recordStage(StageSigning, nil)
	return signed, nil
}

// Submit sends a signed transaction once. Rejections carry the
// transaction's own signature so the caller can check the ledger.
func (p *Pipeline) Submit(ctx context.Context, signed *solana.Transaction) (solana.Signature, error) {
	sig, err := p.network.SendTransaction(ctx, signed)
	if err != nil {
		e := stageError(StageSubmission, ErrSubmissionRejected, err)
		if len(signed.Signatures) > 0 {
			e.Signature = signed.Signatures[0]
		}
		p.recordStage(StageSubmission, e)
		return solana.Signature{}, e
	}
	p.recordStage(StageSubmission, nil)
	return sig, nil
}

// Confirm waits, bounded by the configured timeout, for sig to reach the
// configured commitment.
func (p *Pipeline) Confirm(ctx context.Context, sig solana.Signature) error {
	cctx, cancel := context.WithTimeout(ctx, p.opts.ConfirmTimeout)
	defer cancel()

	err := p.network.AwaitConfirmation(cctx, sig, p.opts.Commitment)
	if err == nil {
		p.recordStage(StageConfirmation, nil)
		return nil
	}

	kind := ErrConfirmationRejected
	if cctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		kind = ErrConfirmationTimeout
	}
	e := stageError(StageConfirmation, kind, err)
	e.Signature = sig
	p.recordStage(StageConfirmation, e)
	return e
}

// Emit publishes ev to the configured EventPublisher, if any.
func (p *Pipeline) Emit(ctx context.Context, ev *Event) {
	if p.events == nil {
		return
	}
	out := *ev
	out.Timestamp = time.Now().UTC()
	if err := p.events.PublishTransferEvent(ctx, &out); err != nil {
		p.logger.WarnContext(ctx, "failed to publish transfer event",
			"transfer_id", ev.TransferID,
			"state", ev.State,
			"error", err,
		)
	}
}

func (p *Pipeline) recordStage(stage Stage, err error) {
	if p.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = KindName(err)
	}
	p.metrics.RecordTransferStage(string(stage), status)
}

func (p *Pipeline) recordOutcome(outcome string, start time.Time, assets, created int) {
	if p.metrics == nil {
		return
	}
	p.metrics.RecordTransferOutcome(outcome, time.Since(start).Seconds())
	p.metrics.RecordTransferBatchSize(assets)
	if created > 0 {
		p.metrics.RecordReceivingAccountsCreated(created)
	}
}

func ignoreBusy(err error) error {
	if errors.Is(err, ErrSessionBusy) {
		return nil
	}
	return err
}

func mintStrings(mints []solana.PublicKey) []string {
	out := make([]string, len(mints))
	for i, m := range mints {
		out[i] = m.String()
	}
	return out
}
