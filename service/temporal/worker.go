package temporal

import (
	"fmt"
	"log/slog"

	"github.com/brojonat/masssend/service/metrics"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/google/uuid"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// WorkerConfig contains configuration for the Temporal worker.
type WorkerConfig struct {
	// Temporal connection settings
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Dependencies
	Pipeline *transfer.Pipeline
	Metrics  *metrics.Metrics // Optional: if nil, no metrics will be recorded
	Logger   *slog.Logger
}

// Worker wraps a Temporal worker and provides lifecycle management.
type Worker struct {
	client client.Client
	worker worker.Worker
	// sessions only runs ReleaseSession for owner sessions this process holds.
	sessions worker.Worker
	logger   *slog.Logger
}

// NewWorker creates and configures a new Temporal worker.
// The worker will process workflows and activities on the configured task queue.
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Pipeline == nil {
		return nil, fmt.Errorf("transfer pipeline is required")
	}

	logger := config.Logger.With("component", "temporal_worker")

	logger.Info("creating temporal worker",
		"host", config.TemporalHost,
		"namespace", config.TemporalNamespace,
		"task_queue", config.TaskQueue,
	)

	c, err := client.Dial(client.Options{
		HostPort:  config.TemporalHost,
		Namespace: config.TemporalNamespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal: %w", err)
	}

	w := worker.New(c, config.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     10,
		MaxConcurrentWorkflowTaskExecutionSize: 10,
	})

	w.RegisterWorkflow(TransferBatchWorkflow)
	logger.Info("registered workflow", "name", "TransferBatchWorkflow")

	activities := NewActivities(config.Pipeline, config.Metrics, logger)
	activities.sessionQueue = fmt.Sprintf("%s-session-%s", config.TaskQueue, uuid.NewString())

	// Activities are registered by name, matching the ExecuteActivity calls in the workflow
	w.RegisterActivity(activities.PrepareTransfer)
	w.RegisterActivity(activities.SubmitTransfer)
	w.RegisterActivity(activities.ConfirmTransfer)
	w.RegisterActivity(activities.PublishTransferEvent)
	w.RegisterActivity(activities.ReleaseSession)

	sessions := worker.New(c, activities.sessionQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: 10,
	})
	sessions.RegisterActivity(activities.ReleaseSession)

	logger.Info("registered activities",
		"activities", []string{"PrepareTransfer", "SubmitTransfer", "ConfirmTransfer", "PublishTransferEvent", "ReleaseSession"},
		"session_queue", activities.sessionQueue,
	)

	return &Worker{
		client:   c,
		worker:   w,
		sessions: sessions,
		logger:   logger,
	}, nil
}

// Start begins processing workflows and activities.
// This method blocks until Stop is called or an error occurs.
func (w *Worker) Start() error {
	w.logger.Info("starting temporal worker")
	if err := w.sessions.Start(); err != nil {
		return fmt.Errorf("failed to start session worker: %w", err)
	}
	defer w.sessions.Stop()

	err := w.worker.Run(worker.InterruptCh())
	if err != nil {
		w.logger.Error("worker stopped with error", "error", err)
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	w.logger.Info("worker stopped gracefully")
	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() {
	w.logger.Info("stopping temporal worker")
	w.worker.Stop()
	w.sessions.Stop()
	w.client.Close()
	w.logger.Info("temporal worker stopped")
}
