package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal       *prometheus.CounterVec
	solanaRPCCallDuration     *prometheus.HistogramVec
	solanaRPCRateLimitHits    *prometheus.CounterVec
	solanaRPCRetries          *prometheus.CounterVec
	solanaConfirmationPolls   *prometheus.HistogramVec
	solanaConfirmationLatency *prometheus.HistogramVec

	// Transfer Pipeline Metrics
	transferStagesTotal           *prometheus.CounterVec
	transferDuration              *prometheus.HistogramVec
	transferBatchSize             prometheus.Histogram
	receivingAccountsCreatedTotal prometheus.Counter

	// Workflow Metrics
	transferWorkflowDuration        *prometheus.HistogramVec
	transferWorkflowExecutionsTotal *prometheus.CounterVec
	transferActivityDuration        *prometheus.HistogramVec
	signatureWaitDuration           *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsTotal    *prometheus.CounterVec
	sseActiveConnections *prometheus.GaugeVec
	sseEventsSent        *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaConfirmationPolls: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_confirmation_polls",
				Help:    "Number of signature status polls needed per confirmation wait",
				Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
			},
			[]string{"endpoint", "outcome"},
		),
		solanaConfirmationLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_confirmation_latency_seconds",
				Help:    "Time from submission until the requested commitment was observed",
				Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 90},
			},
			[]string{"endpoint", "commitment"},
		),

		// Transfer Pipeline Metrics
		transferStagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_stages_total",
				Help: "Total number of transfer pipeline stage executions by outcome",
			},
			[]string{"stage", "status"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_duration_seconds",
				Help:    "End-to-end duration of batch transfers in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"outcome"},
		),
		transferBatchSize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "transfer_batch_size",
				Help:    "Number of assets per batch transfer",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 20},
			},
		),
		receivingAccountsCreatedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "transfer_receiving_accounts_created_total",
				Help: "Total number of receiving token accounts created by confirmed transfers",
			},
		),

		// Workflow Metrics
		transferWorkflowDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_workflow_duration_seconds",
				Help:    "Duration of transfer workflow execution in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
			},
			[]string{"status"},
		),
		transferWorkflowExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transfer_workflow_executions_total",
				Help: "Total number of transfer workflow executions",
			},
			[]string{"status"},
		),
		transferActivityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_activity_duration_seconds",
				Help:    "Duration of transfer workflow activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 90},
			},
			[]string{"activity", "status"},
		),
		signatureWaitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transfer_signature_wait_seconds",
				Help:    "Time a prepared transfer waited for its owner's signature",
				Buckets: []float64{1, 5, 15, 30, 60, 300, 900, 3600},
			},
			[]string{"outcome"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),
		sseActiveConnections: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sse_active_connections",
				Help: "Number of active SSE connections",
			},
			[]string{"handler"},
		),
		sseEventsSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sse_events_sent_total",
				Help: "Total number of SSE events sent",
			},
			[]string{"handler", "event_type"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordConfirmationPolls records how many status polls one confirmation wait took.
func (m *Metrics) RecordConfirmationPolls(endpoint, outcome string, polls int) {
	m.solanaConfirmationPolls.WithLabelValues(endpoint, outcome).Observe(float64(polls))
}

// RecordConfirmationLatency records the time until the requested commitment was seen.
func (m *Metrics) RecordConfirmationLatency(endpoint, commitment string, duration float64) {
	m.solanaConfirmationLatency.WithLabelValues(endpoint, commitment).Observe(duration)
}

// Transfer pipeline metric helpers

// RecordTransferStage records the outcome of one pipeline stage.
func (m *Metrics) RecordTransferStage(stage, status string) {
	m.transferStagesTotal.WithLabelValues(stage, status).Inc()
}

// RecordTransferOutcome records the terminal outcome and duration of a transfer.
func (m *Metrics) RecordTransferOutcome(outcome string, duration float64) {
	m.transferDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordTransferBatchSize records the number of assets in a batch.
func (m *Metrics) RecordTransferBatchSize(assets int) {
	m.transferBatchSize.Observe(float64(assets))
}

// RecordReceivingAccountsCreated records receiving accounts created by a transfer.
func (m *Metrics) RecordReceivingAccountsCreated(count int) {
	m.receivingAccountsCreatedTotal.Add(float64(count))
}

// Workflow metric helpers

// RecordWorkflowDuration records workflow execution duration.
func (m *Metrics) RecordWorkflowDuration(status string, duration float64) {
	m.transferWorkflowDuration.WithLabelValues(status).Observe(duration)
	m.transferWorkflowExecutionsTotal.WithLabelValues(status).Inc()
}

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.transferActivityDuration.WithLabelValues(activity, status).Observe(duration)
}

// RecordSignatureWait records how long a transfer waited for its signature.
func (m *Metrics) RecordSignatureWait(outcome string, duration float64) {
	m.signatureWaitDuration.WithLabelValues(outcome).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// RecordSSEConnectionChange records a change in SSE connection count for a
// stream route. Pass the route pattern, never a caller address.
func (m *Metrics) RecordSSEConnectionChange(handler string, delta float64) {
	m.sseActiveConnections.WithLabelValues(handler).Add(delta)
}

// RecordSSEEventSent records an SSE event being sent.
func (m *Metrics) RecordSSEEventSent(handler, eventType string) {
	m.sseEventsSent.WithLabelValues(handler, eventType).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
