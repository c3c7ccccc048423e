package transfer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"
)

// ReceivingAccountPlan records where an asset will land and whether that
// account has to be created first.
type ReceivingAccountPlan struct {
	Mint             solana.PublicKey `json:"mint"`
	ReceivingAccount solana.PublicKey `json:"receivingAccount"`
	Exists           bool             `json:"exists"`
}

// AccountReader is the slice of the network the resolver needs.
type AccountReader interface {
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
}

// Resolver derives receiving accounts and checks whether they exist.
type Resolver struct {
	accounts    AccountReader
	concurrency int
	logger      *slog.Logger
}

// NewResolver creates a resolver. concurrency bounds the number of
// in-flight existence reads; values below 1 mean one read at a time.
func NewResolver(accounts AccountReader, concurrency int, logger *slog.Logger) *Resolver {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Resolver{accounts: accounts, concurrency: concurrency, logger: logger}
}

// ReceivingAccount derives the associated token account of owner for mint.
// The derivation is deterministic and needs no network access.
func ReceivingAccount(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	ata, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive associated token account for mint %s: %w", mint, err)
	}
	return ata, nil
}

// Resolve derives the receiving account for (mint, destination) and reads
// the network once to learn whether it already exists.
func (r *Resolver) Resolve(ctx context.Context, mint, destination solana.PublicKey) (ReceivingAccountPlan, error) {
	ata, err := ReceivingAccount(destination, mint)
	if err != nil {
		return ReceivingAccountPlan{}, stageError(StageResolution, ErrAccountResolutionFailed, err)
	}

	exists, err := r.accounts.AccountExists(ctx, ata)
	if err != nil {
		return ReceivingAccountPlan{}, stageError(StageResolution, ErrAccountResolutionFailed,
			fmt.Errorf("failed to read account %s for mint %s: %w", ata, mint, err))
	}

	return ReceivingAccountPlan{
		Mint:             mint,
		ReceivingAccount: ata,
		Exists:           exists,
	}, nil
}

// ResolveAll resolves every mint concurrently and returns the plans in input
// order. The first failure cancels the outstanding reads and aborts the batch.
func (r *Resolver) ResolveAll(ctx context.Context, mints []solana.PublicKey, destination solana.PublicKey) ([]ReceivingAccountPlan, error) {
	plans := make([]ReceivingAccountPlan, len(mints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	for i, mint := range mints {
		g.Go(func() error {
			plan, err := r.Resolve(gctx, mint, destination)
			if err != nil {
				return err
			}
			plans[i] = plan
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		r.logger.WarnContext(ctx, "receiving account resolution failed",
			"destination", destination.String(),
			"mints", len(mints),
			"error", err,
		)
		return nil, err
	}

	r.logger.DebugContext(ctx, "resolved receiving accounts",
		"destination", destination.String(),
		"mints", len(mints),
	)
	return plans, nil
}
