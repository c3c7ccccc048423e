package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// ErrTransactionFailed is returned by AwaitConfirmation when the cluster
// executed the transaction and it failed.
var ErrTransactionFailed = errors.New("transaction failed on chain")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
type RPCClient interface {
	GetAccountInfoWithOpts(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetAccountInfoOpts,
	) (*rpc.GetAccountInfoResult, error)

	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	SendTransactionWithOpts(
		ctx context.Context,
		tx *solana.Transaction,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)
}

const (
	defaultPollInterval = time.Second
	maxReadAttempts     = 3
)

// Client implements transfer.Network on top of a Solana RPC node.
type Client struct {
	rpc          RPCClient
	logger       *slog.Logger
	metrics      *metrics.Metrics
	endpoint     string // RPC endpoint identifier for metrics (e.g., "mainnet", "devnet", rpc host)
	commitment   rpc.CommitmentType
	pollInterval time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
}

var _ transfer.Network = (*Client)(nil)

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling (e.g., "mainnet", "devnet", or RPC hostname).
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:          rpcClient,
		logger:       logger,
		metrics:      m,
		endpoint:     endpoint,
		commitment:   rpc.CommitmentConfirmed,
		pollInterval: defaultPollInterval,
		sleep:        sleepContext,
	}
}

// WithPollInterval sets how often AwaitConfirmation asks for signature status.
func (c *Client) WithPollInterval(d time.Duration) *Client {
	if d > 0 {
		c.pollInterval = d
	}
	return c
}

// WithCommitment sets the commitment used for account reads and preflight.
func (c *Client) WithCommitment(commitment rpc.CommitmentType) *Client {
	if commitment != "" {
		c.commitment = commitment
	}
	return c
}

// AccountExists reports whether address currently holds an account.
func (c *Client) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	var out *rpc.GetAccountInfoResult
	err := c.withRetry(ctx, "GetAccountInfo", func() error {
		var err error
		out, err = c.rpc.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
			Encoding:   solana.EncodingBase64,
			Commitment: c.commitment,
		})
		if errors.Is(err, rpc.ErrNotFound) {
			out = nil
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "failed to get account info",
			"address", address.String(),
			"error", err,
		)
		return false, err
	}

	exists := out != nil && out.Value != nil
	c.logger.DebugContext(ctx, "checked account existence",
		"address", address.String(),
		"exists", exists,
	)
	return exists, nil
}

// LatestBlockhash fetches a finalized recent blockhash.
func (c *Client) LatestBlockhash(ctx context.Context) (transfer.Freshness, error) {
	var out *rpc.GetLatestBlockhashResult
	err := c.withRetry(ctx, "GetLatestBlockhash", func() error {
		var err error
		out, err = c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		return err
	})
	if err != nil {
		return transfer.Freshness{}, err
	}
	if out == nil || out.Value == nil {
		return transfer.Freshness{}, errors.New("empty blockhash response")
	}

	return transfer.Freshness{
		Blockhash:            out.Value.Blockhash,
		LastValidBlockHeight: out.Value.LastValidBlockHeight,
	}, nil
}

// SendTransaction submits a signed transaction once; a failed submission is
// returned to the caller as is.
func (c *Client) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	start := time.Now()
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: c.commitment,
	})
	c.recordCall("SendTransaction", err, start)
	if err != nil {
		c.logger.ErrorContext(ctx, "transaction submission failed", "error", err)
		return solana.Signature{}, err
	}

	c.logger.InfoContext(ctx, "transaction submitted", "signature", sig.String())
	return sig, nil
}

// AwaitConfirmation polls signature status until the transaction reaches
// commitment, fails on chain, or ctx is done. Transient RPC errors are
// logged and polling continues.
func (c *Client) AwaitConfirmation(ctx context.Context, sig solana.Signature, commitment rpc.CommitmentType) error {
	start := time.Now()
	polls := 0
	outcome := "timeout"
	defer func() {
		if c.metrics != nil {
			c.metrics.RecordConfirmationPolls(c.endpoint, outcome, polls)
		}
	}()

	for {
		polls++
		status, err := c.signatureStatus(ctx, sig, false)
		switch {
		case err != nil:
			c.logger.WarnContext(ctx, "failed to get signature status, will retry",
				"signature", sig.String(),
				"poll", polls,
				"error", err,
			)
		case status == nil:
			c.logger.DebugContext(ctx, "signature not yet visible", "signature", sig.String(), "poll", polls)
		case status.Err != nil:
			outcome = "failed"
			return fmt.Errorf("%w: %v", ErrTransactionFailed, status.Err)
		case CommitmentReached(status.ConfirmationStatus, commitment):
			outcome = "confirmed"
			if c.metrics != nil {
				c.metrics.RecordConfirmationLatency(c.endpoint, string(commitment), time.Since(start).Seconds())
			}
			c.logger.InfoContext(ctx, "transaction confirmed",
				"signature", sig.String(),
				"status", status.ConfirmationStatus,
				"slot", status.Slot,
				"polls", polls,
			)
			return nil
		}

		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return fmt.Errorf("signature %s not confirmed: %w", sig, err)
		}
	}
}

// SignatureStatus looks sig up, searching ledger history, so a caller can
// re-check a transfer whose confirmation timed out.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	st, err := c.signatureStatus(ctx, sig, true)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &SignatureStatus{Signature: sig.String(), Found: false}, nil
	}
	return statusToDomain(sig, st), nil
}

func (c *Client) signatureStatus(ctx context.Context, sig solana.Signature, searchHistory bool) (*rpc.SignatureStatusesResult, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, searchHistory, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		c.recordCall("GetSignatureStatuses", nil, start)
		return nil, nil
	}
	c.recordCall("GetSignatureStatuses", err, start)
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Value) == 0 {
		return nil, nil
	}
	return out.Value[0], nil
}

// withRetry runs a read-only call, backing off on rate limits and
// transient errors.
func (c *Client) withRetry(ctx context.Context, method string, call func() error) error {
	var err error
	for attempt := range maxReadAttempts {
		start := time.Now()
		err = call()
		c.recordCall(method, err, start)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		reason := "timeout_or_error"
		backoff := time.Duration(250<<uint(attempt)) * time.Millisecond // 250ms, 500ms, 1s
		if strings.Contains(err.Error(), "429") {
			reason = "rate_limit"
			backoff = time.Duration(1<<uint(attempt)) * time.Second // 1s, 2s, 4s
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(c.endpoint)
			}
		}
		if attempt == maxReadAttempts-1 {
			break
		}

		c.logger.WarnContext(ctx, "rpc call failed, retrying",
			"method", method,
			"attempt", attempt+1,
			"reason", reason,
			"backoff", backoff,
			"error", err,
		)
		if c.metrics != nil {
			c.metrics.RecordRPCRetry(method, reason)
		}
		if serr := c.sleep(ctx, backoff); serr != nil {
			return err
		}
	}
	return err
}

func (c *Client) recordCall(method string, err error, start time.Time) {
	if c.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
}

// CommitmentReached reports whether a transaction at status satisfies the
// required commitment.
func CommitmentReached(status rpc.ConfirmationStatusType, required rpc.CommitmentType) bool {
	rank := map[string]int{
		string(rpc.ConfirmationStatusProcessed): 1,
		string(rpc.ConfirmationStatusConfirmed): 2,
		string(rpc.ConfirmationStatusFinalized): 3,
	}
	got, ok := rank[string(status)]
	if !ok {
		return false
	}
	want, ok := rank[string(required)]
	if !ok {
		want = rank[string(rpc.ConfirmationStatusConfirmed)]
	}
	return got >= want
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
