package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/masssend/client"
	natspkg "github.com/brojonat/masssend/service/nats"
	"github.com/brojonat/masssend/service/transfer"
	solanago "github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"
)

const stateAwaitingSignature = "awaiting_signature"

func transferCommands() *cli.Command {
	return &cli.Command{
		Name:  "transfer",
		Usage: "Drive a batch transfer through the masssend server",
		Subcommands: []*cli.Command{
			startTransferCommand(),
			transferStatusCommand(),
			signTransferCommand(),
			declineTransferCommand(),
			cancelTransferCommand(),
			transferResultCommand(),
			watchTransferCommand(),
		},
	}
}

func ownerArg(c *cli.Context) (string, error) {
	if c.NArg() < 1 {
		return "", fmt.Errorf("owner address is required")
	}
	return c.Args().Get(0), nil
}

func startTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Prepare a batch transfer for the owner to sign",
		ArgsUsage: "OWNER_ADDRESS DESTINATION_ADDRESS",
		Flags:     assetSelectionFlags(),
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("owner and destination addresses are required")
			}
			owner, destination := c.Args().Get(0), c.Args().Get(1)

			assets, err := selectedAssets(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			handle, err := cl.StartTransfer(c.Context, owner, destination, assets)
			if err != nil {
				return fmt.Errorf("failed to start transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, handle)
			}
			fmt.Fprintf(c.App.Writer, "✓ Transfer started\n")
			fmt.Fprintf(c.App.Writer, "  Transfer ID: %s\n", handle.TransferID)
			fmt.Fprintf(c.App.Writer, "  Workflow ID: %s\n", handle.WorkflowID)
			fmt.Fprintf(c.App.Writer, "  Assets:      %d\n", len(assets))
			fmt.Fprintf(c.App.Writer, "\nSign it with: masssend transfer sign %s --keypair PATH\n", owner)
			return nil
		},
	}
}

func transferStatusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the owner's latest transfer",
		ArgsUsage: "OWNER_ADDRESS",
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			status, err := cl.GetTransfer(c.Context, owner)
			if err != nil {
				return fmt.Errorf("failed to get transfer: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, status)
			}
			printStatus(c.App.Writer, status)
			return nil
		},
	}
}

func signTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "sign",
		Usage:     "Sign the owner's prepared transaction with a local keypair and submit it",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "keypair",
				Aliases:  []string{"k"},
				Usage:    "solana-keygen JSON keypair file of the owner",
				EnvVars:  []string{"MASSSEND_KEYPAIR"},
				Required: true,
			},
			&cli.BoolFlag{
				Name:  "wait",
				Usage: "Block until the transfer is confirmed or fails",
			},
		},
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			signer, err := transfer.LoadKeypairSigner(c.String("keypair"))
			if err != nil {
				return err
			}
			if signer.PublicKey().String() != owner {
				return fmt.Errorf("keypair belongs to %s, not %s", signer.PublicKey(), owner)
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			signed, err := signPrepared(c.Context, cl, signer, owner)
			if err != nil {
				return err
			}
			if err := cl.Sign(c.Context, owner, signed); err != nil {
				return fmt.Errorf("failed to submit signature: %w", err)
			}
			fmt.Fprintf(c.App.ErrWriter, "✓ Signed transaction submitted\n")

			if !c.Bool("wait") {
				return nil
			}
			return awaitAndPrint(c, cl, owner)
		},
	}
}

// signPrepared fetches the transaction awaiting owner's signature and signs
// it locally. It returns the signed transaction, base64 encoded.
func signPrepared(ctx context.Context, cl *client.Client, signer transfer.Signer, owner string) (string, error) {
	status, err := cl.GetTransfer(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to get transfer: %w", err)
	}
	if status.State != stateAwaitingSignature || status.Transaction == "" {
		return "", fmt.Errorf("transfer %s is %s, not awaiting a signature", status.TransferID, status.State)
	}

	tx, err := solanago.TransactionFromBase64(status.Transaction)
	if err != nil {
		return "", fmt.Errorf("failed to decode prepared transaction: %w", err)
	}
	signed, err := signer.Sign(ctx, tx)
	if err != nil {
		return "", err
	}
	return signed.ToBase64()
}

func declineTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "decline",
		Usage:     "Decline to sign the owner's prepared transaction",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Reason reported with the failure",
			},
		},
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.Decline(c.Context, owner, c.String("reason")); err != nil {
				return fmt.Errorf("failed to decline transfer: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Transfer declined\n")
			return nil
		},
	}
}

func cancelTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel the owner's running transfer",
		ArgsUsage: "OWNER_ADDRESS",
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			if err := cl.Cancel(c.Context, owner); err != nil {
				return fmt.Errorf("failed to cancel transfer: %w", err)
			}
			fmt.Fprintf(c.App.Writer, "✓ Transfer cancelled\n")
			return nil
		},
	}
}

func transferResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Block until the owner's transfer is confirmed or fails",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for the outcome",
			},
		},
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}
			return awaitAndPrint(c, cl, owner)
		},
	}
}

func awaitAndPrint(c *cli.Context, cl *client.Client, owner string) error {
	ctx := c.Context
	if timeout := c.Duration("timeout"); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result, err := cl.AwaitResult(ctx, owner)
	if err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) && apiErr.Signature != "" {
			fmt.Fprintf(c.App.ErrWriter, "Transaction %s was submitted; check the ledger before retrying\n", apiErr.Signature)
		}
		return fmt.Errorf("transfer failed: %w", err)
	}

	if c.Bool("json") {
		return outputJSON(c.App.Writer, result)
	}
	printResult(c.App.Writer, result)
	return nil
}

func watchTransferCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream the lifecycle events of the owner's transfers",
		ArgsUsage: "OWNER_ADDRESS",
		Action: func(c *cli.Context) error {
			owner, err := ownerArg(c)
			if err != nil {
				return err
			}
			cl, err := newClient(c)
			if err != nil {
				return err
			}

			// Create context that cancels on interrupt
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			jsonOutput := c.Bool("json")
			err = cl.StreamEvents(ctx, owner, func(event string, data []byte) error {
				return handleStreamEvent(c.App.Writer, c.App.ErrWriter, event, data, jsonOutput)
			})
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("stream failed: %w", err)
			}
			return nil
		},
	}
}

func handleStreamEvent(out, diag io.Writer, event string, data []byte, jsonOutput bool) error {
	switch event {
	case "connected":
		if !jsonOutput {
			var info map[string]string
			if err := json.Unmarshal(data, &info); err != nil {
				return err
			}
			fmt.Fprintf(diag, "✓ Subscribed to transfers of %s\n\n", info["owner"])
		}
		return nil

	case "transfer":
		var ev natspkg.TransferEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return err
		}
		if jsonOutput {
			fmt.Fprintln(out, string(data))
		} else {
			printEvent(out, &ev)
		}
		if ev.Terminal() {
			return client.ErrStopStream
		}
		return nil

	case "error":
		var info map[string]string
		if err := json.Unmarshal(data, &info); err != nil {
			return err
		}
		return fmt.Errorf("server error: %s", info["error"])

	default:
		// Unknown event type, ignore
		return nil
	}
}

func printEvent(w io.Writer, ev *natspkg.TransferEvent) {
	fmt.Fprintf(w, "[%s] %-10s transfer=%s", ev.Timestamp.Format(time.RFC3339), ev.State, ev.TransferID)
	if ev.Signature != "" {
		fmt.Fprintf(w, " signature=%s", ev.Signature)
	}
	if ev.ErrorKind != "" {
		fmt.Fprintf(w, " kind=%s stage=%s error=%q", ev.ErrorKind, ev.Stage, ev.Error)
	}
	fmt.Fprintln(w)
}

func printStatus(w io.Writer, s *client.TransferStatus) {
	printDivider(w)
	fmt.Fprintf(w, "Transfer:    %s\n", s.TransferID)
	fmt.Fprintf(w, "State:       %s\n", s.State)
	fmt.Fprintf(w, "Owner:       %s\n", s.Owner)
	fmt.Fprintf(w, "Destination: %s\n", s.Destination)
	fmt.Fprintf(w, "Assets:      %d\n", len(s.Mints))
	fmt.Fprintf(w, "Created:     %d account(s)\n", s.CreatedAccounts)
	if s.Signature != "" {
		fmt.Fprintf(w, "Signature:   %s\n", s.Signature)
	}
	if s.ErrorKind != "" {
		fmt.Fprintf(w, "Failed:      %s at %s: %s\n", s.ErrorKind, s.Stage, s.Error)
	}
	for _, ix := range s.Instructions {
		fmt.Fprintf(w, "  #%d %-22s mint=%s dest=%s\n", ix.Index, ix.Kind, ix.Mint, ix.Destination)
	}
	fmt.Fprintf(w, "Updated:     %s\n", s.UpdatedAt.Format(time.RFC3339))
	printDivider(w)
}

func printResult(w io.Writer, r *client.TransferResult) {
	printDivider(w)
	fmt.Fprintln(w, "✓ Transfer Confirmed")
	printDivider(w)
	fmt.Fprintf(w, "Signature:    %s\n", r.Signature)
	fmt.Fprintf(w, "Destination:  %s\n", r.Destination)
	fmt.Fprintf(w, "Assets:       %d\n", len(r.Mints))
	fmt.Fprintf(w, "New accounts: %d\n", r.CreatedAccounts)
	fmt.Fprintf(w, "Confirmed:    %s\n", r.ConfirmedAt.Format(time.RFC3339))
	printDivider(w)
}
