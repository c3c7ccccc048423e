package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/masssend/service/db"
	"github.com/brojonat/masssend/service/solana"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/urfave/cli/v2"
)

func sendCommand() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:     "keypair",
			Aliases:  []string{"k"},
			Usage:    "solana-keygen JSON keypair file of the sending wallet",
			EnvVars:  []string{"MASSSEND_KEYPAIR"},
			Required: true,
		},
		&cli.StringFlag{
			Name:     "to",
			Usage:    "Destination wallet address",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "rpc-url",
			Usage:   "Solana RPC endpoint (can be specified multiple times, one is picked at random)",
			EnvVars: []string{"SOLANA_RPC_URLS"},
			Value:   cli.NewStringSlice("https://api.mainnet-beta.solana.com"),
		},
		&cli.StringFlag{
			Name:  "commitment",
			Usage: "Commitment to wait for (confirmed or finalized)",
			Value: string(rpc.CommitmentConfirmed),
		},
		&cli.DurationFlag{
			Name:  "confirm-timeout",
			Usage: "How long to wait for confirmation",
			Value: 90 * time.Second,
		},
		&cli.IntFlag{
			Name:  "max-batch-size",
			Usage: "Largest number of assets in one transaction",
			Value: transfer.DefaultOptions().MaxBatchSize,
		},
		&cli.BoolFlag{
			Name:  "allow-off-curve",
			Usage: "Accept program-derived (off-curve) destinations",
		},
		&cli.StringFlag{
			Name:    "database-url",
			Usage:   "Postgres URL for session locks shared with the masssend workers",
			EnvVars: []string{"DATABASE_URL"},
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "Build and describe the transaction without signing or sending it",
		},
	}

	return &cli.Command{
		Name:  "send",
		Usage: "Send a batch of NFTs from a local keypair in one transaction",
		Flags: append(flags, assetSelectionFlags()...),
		Action: func(c *cli.Context) error {
			commitment := rpc.CommitmentType(c.String("commitment"))
			if commitment != rpc.CommitmentConfirmed && commitment != rpc.CommitmentFinalized {
				return fmt.Errorf("commitment must be confirmed or finalized, got %q", commitment)
			}

			assets, err := selectedAssets(c)
			if err != nil {
				return err
			}
			signer, err := transfer.LoadKeypairSigner(c.String("keypair"))
			if err != nil {
				return err
			}

			rpcURL, err := solana.SelectRandomEndpoint(c.StringSlice("rpc-url"))
			if err != nil {
				return err
			}
			logger := newLogger(c)
			network := solana.NewClient(solana.NewRPCClient(rpcURL), solana.EndpointLabel(rpcURL), nil, logger).
				WithCommitment(commitment)

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			locker, closeLocker, err := sessionLocker(ctx, c.String("database-url"), logger)
			if err != nil {
				return err
			}
			defer closeLocker()

			var events transfer.EventPublisher
			if !c.Bool("json") {
				events = &progressPrinter{w: c.App.ErrWriter}
			}
			pipeline := transfer.NewPipeline(network, locker, events, nil, transfer.Options{
				Commitment:               commitment,
				ConfirmTimeout:           c.Duration("confirm-timeout"),
				MaxBatchSize:             c.Int("max-batch-size"),
				AllowOffCurveDestination: c.Bool("allow-off-curve"),
			}, logger)

			if c.Bool("dry-run") {
				return describeBatch(ctx, c, pipeline, signer, assets)
			}

			result, err := pipeline.TransferBatch(ctx, signer, transfer.NewSelectionSet(assets...), c.String("to"))
			if err != nil {
				if sig, ok := transfer.SignatureOf(err); ok {
					fmt.Fprintf(c.App.ErrWriter, "Transaction %s was submitted; check the ledger before retrying\n", sig)
				}
				return fmt.Errorf("transfer failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, result)
			}
			printDivider(c.App.Writer)
			fmt.Fprintln(c.App.Writer, "✓ Transfer Confirmed")
			printDivider(c.App.Writer)
			fmt.Fprintf(c.App.Writer, "Signature:    %s\n", result.Signature)
			fmt.Fprintf(c.App.Writer, "Destination:  %s\n", result.Destination)
			fmt.Fprintf(c.App.Writer, "Assets:       %d\n", len(assets))
			fmt.Fprintf(c.App.Writer, "New accounts: %d\n", result.CreatedAccounts)
			fmt.Fprintf(c.App.Writer, "Took:         %s\n", result.Duration.Round(time.Millisecond))
			printDivider(c.App.Writer)
			return nil
		},
	}
}

// sessionLocker returns the advisory locker on databaseURL, so that a local
// send and a remote transfer for the same owner never overlap. Without a
// database the pipeline falls back to a process-local lock.
func sessionLocker(ctx context.Context, databaseURL string, logger *slog.Logger) (transfer.SessionLocker, func(), error) {
	if databaseURL == "" {
		return nil, func() {}, nil
	}
	pool, err := db.NewPool(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("session locks: %w", err)
	}
	return db.NewAdvisoryLocker(pool, nil, logger), pool.Close, nil
}

func describeBatch(ctx context.Context, c *cli.Context, pipeline *transfer.Pipeline, signer transfer.Signer, assets []transfer.Asset) error {
	pending, err := pipeline.Prepare(ctx, signer.PublicKey(), assets, c.String("to"))
	if err != nil {
		return fmt.Errorf("failed to build transaction: %w", err)
	}
	summaries, err := solana.DescribeTransaction(pending.Transaction)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return outputJSON(c.App.Writer, summaries)
	}
	fmt.Fprintf(c.App.Writer, "Dry run: %d asset(s), %d new account(s), %d instruction(s)\n",
		len(pending.Mints()), pending.CreatedAccounts(), len(summaries))
	for _, s := range summaries {
		fmt.Fprintf(c.App.Writer, "  #%d %-22s mint=%s dest=%s\n", s.Index, s.Kind, s.Mint, s.Destination)
	}
	return nil
}

// progressPrinter reports pipeline transitions on the terminal.
type progressPrinter struct {
	w io.Writer
}

func (p *progressPrinter) PublishTransferEvent(_ context.Context, ev *transfer.Event) error {
	if p.w == nil {
		return errors.New("no output")
	}
	switch ev.State {
	case transfer.StateFailed:
		fmt.Fprintf(p.w, "✗ %s at %s: %s\n", ev.ErrorKind, ev.Stage, ev.Error)
	case transfer.StateSubmitted:
		fmt.Fprintf(p.w, "… submitted %s\n", ev.Signature)
	default:
		fmt.Fprintf(p.w, "… %s\n", ev.State)
	}
	return nil
}
