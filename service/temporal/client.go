package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/masssend/service/transfer"
	"github.com/google/uuid"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// ErrTransferNotFound is returned when an owner has no transfer workflow.
var ErrTransferNotFound = errors.New("transfer not found")

// Client is the production TransferService backed by Temporal.
type Client struct {
	client         client.Client
	taskQueue      string
	confirmTimeout time.Duration
	logger         *slog.Logger
}

var _ TransferService = (*Client)(nil)

// NewClient creates a new Temporal client.
func NewClient(host, namespace, taskQueue string, confirmTimeout time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("connecting to temporal",
		"host", host,
		"namespace", namespace,
		"task_queue", taskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}

	logger.Info("connected to temporal successfully")

	return &Client{
		client:         c,
		taskQueue:      taskQueue,
		confirmTimeout: confirmTimeout,
		logger:         logger,
	}, nil
}

// StartTransfer starts the transfer workflow for input.Owner. Only one
// transfer per owner may run at a time; a second start fails with
// transfer.ErrSessionBusy.
func (c *Client) StartTransfer(ctx context.Context, input TransferInput) (*TransferHandle, error) {
	if input.TransferID == "" {
		input.TransferID = uuid.NewString()
	}
	if input.ConfirmTimeout <= 0 {
		input.ConfirmTimeout = c.confirmTimeout
	}
	id := TransferWorkflowID(input.Owner)

	c.logger.Debug("starting transfer workflow",
		"workflow_id", id,
		"transfer_id", input.TransferID,
		"assets", len(input.Assets),
	)

	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                                       id,
		TaskQueue:                                c.taskQueue,
		WorkflowExecutionErrorWhenAlreadyStarted: true,
		Memo: map[string]interface{}{
			"transfer_id": input.TransferID,
			"destination": input.Destination,
			"created_by":  "masssend",
		},
	}, TransferBatchWorkflow, input)
	if err != nil {
		var already *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &already) {
			return nil, transfer.NewError(transfer.StageValidation, "session_busy", signatureZero,
				fmt.Errorf("owner %s already has a transfer in flight", input.Owner))
		}
		c.logger.Error("failed to start transfer workflow",
			"workflow_id", id,
			"error", err,
		)
		return nil, fmt.Errorf("failed to start transfer workflow %q: %w", id, err)
	}

	c.logger.Info("transfer workflow started",
		"workflow_id", id,
		"run_id", run.GetRunID(),
		"transfer_id", input.TransferID,
	)

	return &TransferHandle{
		TransferID: input.TransferID,
		WorkflowID: id,
		RunID:      run.GetRunID(),
	}, nil
}

// GetTransferStatus queries the most recent transfer workflow of owner.
func (c *Client) GetTransferStatus(ctx context.Context, owner string) (*TransferStatus, error) {
	value, err := c.client.QueryWorkflow(ctx, TransferWorkflowID(owner), "", TransferStatusQuery)
	if err != nil {
		return nil, c.mapNotFound(owner, err, "query transfer status")
	}

	var status TransferStatus
	if err := value.Get(&status); err != nil {
		return nil, fmt.Errorf("failed to decode transfer status: %w", err)
	}
	return &status, nil
}

// SignTransfer delivers the owner's signed transaction.
func (c *Client) SignTransfer(ctx context.Context, owner, signedTransaction string) error {
	return c.signal(ctx, owner, SignatureSignal{SignedTransaction: signedTransaction})
}

// DeclineTransfer tells the workflow the owner refused to sign.
func (c *Client) DeclineTransfer(ctx context.Context, owner, reason string) error {
	return c.signal(ctx, owner, SignatureSignal{Decline: true, Reason: reason})
}

func (c *Client) signal(ctx context.Context, owner string, sig SignatureSignal) error {
	id := TransferWorkflowID(owner)
	if err := c.client.SignalWorkflow(ctx, id, "", TransferSignatureSignal, sig); err != nil {
		return c.mapNotFound(owner, err, "signal transfer")
	}
	c.logger.Info("transfer signal sent",
		"workflow_id", id,
		"decline", sig.Decline,
	)
	return nil
}

// CancelTransfer cancels the running transfer of owner. A transfer that is
// still waiting for its signature ends as declined.
func (c *Client) CancelTransfer(ctx context.Context, owner string) error {
	id := TransferWorkflowID(owner)
	if err := c.client.CancelWorkflow(ctx, id, ""); err != nil {
		return c.mapNotFound(owner, err, "cancel transfer")
	}
	c.logger.Info("transfer cancellation requested", "workflow_id", id)
	return nil
}

// AwaitTransfer blocks until the current transfer of owner finishes.
// Failures are returned as *transfer.Error.
func (c *Client) AwaitTransfer(ctx context.Context, owner string) (*TransferResult, error) {
	var result TransferResult
	err := c.client.GetWorkflow(ctx, TransferWorkflowID(owner), "").Get(ctx, &result)
	if err != nil {
		var notFound *serviceerror.NotFound
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
		}
		return nil, TransferErrorFrom(err)
	}
	return &result, nil
}

func (c *Client) mapNotFound(owner string, err error, op string) error {
	var notFound *serviceerror.NotFound
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: no transfer for owner %s", ErrTransferNotFound, owner)
	}
	c.logger.Error("temporal call failed",
		"operation", op,
		"owner", owner,
		"error", err,
	)
	return fmt.Errorf("failed to %s: %w", op, err)
}

// SDKClient returns the underlying Temporal SDK client for direct workflow operations.
func (c *Client) SDKClient() client.Client {
	return c.client
}

// TaskQueue returns the configured task queue for this client.
func (c *Client) TaskQueue() string {
	return c.taskQueue
}

// Close closes the Temporal client connection.
func (c *Client) Close() {
	c.logger.Info("closing temporal client")
	c.client.Close()
}

// temporalLogger adapts slog.Logger to Temporal's logger interface.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) {
	l.logger.Debug(msg, keyvals...)
}

func (l *temporalLogger) Info(msg string, keyvals ...interface{}) {
	l.logger.Info(msg, keyvals...)
}

func (l *temporalLogger) Warn(msg string, keyvals ...interface{}) {
	l.logger.Warn(msg, keyvals...)
}

func (l *temporalLogger) Error(msg string, keyvals ...interface{}) {
	l.logger.Error(msg, keyvals...)
}
