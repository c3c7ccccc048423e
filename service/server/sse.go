package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/masssend/service/metrics"
	natspkg "github.com/brojonat/masssend/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const sseKeepaliveInterval = 10 * time.Second

// SSEPublisher manages Server-Sent Events connections for transfer event
// streaming.
type SSEPublisher struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSSEPublisher creates a new SSE publisher that subscribes to NATS internally.
func NewSSEPublisher(natsURL string, m *metrics.Metrics, logger *slog.Logger) (*SSEPublisher, error) {
	nc, err := natspkg.Connect(natsURL, "masssend-sse-publisher")
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	logger.Info("SSE publisher initialized", "nats_url", natsURL)

	return &SSEPublisher{
		nc:      nc,
		js:      js,
		metrics: m,
		logger:  logger,
	}, nil
}

// Close closes the NATS connection.
func (p *SSEPublisher) Close() error {
	if p.nc != nil {
		p.nc.Close()
		p.logger.Info("SSE publisher closed")
	}
	return nil
}

// streamTransfersRoute labels the stream's metrics.
const streamTransfersRoute = "/api/v1/stream/transfers/{owner}"

// handleStreamTransfers streams the lifecycle events of an owner's transfers.
// The stream ends after a confirmed or failed event.
// GET /api/v1/stream/transfers/{owner}
func handleStreamTransfers(publisher *SSEPublisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := r.Context()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flush(w)

		logger.DebugContext(ctx, "SSE client connected",
			"owner", owner,
			"remote_addr", r.RemoteAddr,
		)
		if publisher.metrics != nil {
			publisher.metrics.RecordSSEConnectionChange(streamTransfersRoute, 1)
			defer publisher.metrics.RecordSSEConnectionChange(streamTransfersRoute, -1)
		}

		// Ephemeral consumer, deleted when the connection closes
		cons, err := publisher.js.CreateOrUpdateConsumer(ctx, natspkg.StreamName, jetstream.ConsumerConfig{
			FilterSubject: natspkg.Subject(owner),
			AckPolicy:     jetstream.AckExplicitPolicy,
			DeliverPolicy: jetstream.DeliverNewPolicy,
		})
		if err != nil {
			logger.ErrorContext(ctx, "failed to create consumer",
				"owner", owner,
				"error", err,
			)
			writeSSEEvent(w, "error", map[string]string{"error": "failed to subscribe"})
			return
		}

		msgChan := make(chan jetstream.Msg, 10)
		doneChan := make(chan struct{})

		go func() {
			defer close(doneChan)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgChan <- msg:
				case <-ctx.Done():
				}
			})
			if err != nil {
				logger.ErrorContext(ctx, "failed to start consuming messages",
					"error", err,
				)
				return
			}
			<-ctx.Done()
			cc.Stop()
		}()

		writeSSEEvent(w, "connected", map[string]string{"owner": owner})

		keepalive := time.NewTicker(sseKeepaliveInterval)
		defer keepalive.Stop()

		for {
			select {
			case <-keepalive.C:
				fmt.Fprintf(w, ": keepalive\n\n")
				flush(w)

			case msg := <-msgChan:
				var event natspkg.TransferEvent
				if err := json.Unmarshal(msg.Data(), &event); err != nil {
					logger.WarnContext(ctx, "failed to unmarshal event",
						"error", err,
					)
					msg.Ack()
					continue
				}

				if err := writeSSEEvent(w, "transfer", event); err != nil {
					logger.WarnContext(ctx, "failed to write event",
						"error", err,
					)
				}
				msg.Ack()
				if publisher.metrics != nil {
					publisher.metrics.RecordSSEEventSent(streamTransfersRoute, event.State)
				}

				logger.DebugContext(ctx, "sent transfer event",
					"owner", owner,
					"transfer_id", event.TransferID,
					"state", event.State,
				)
				if event.Terminal() {
					return
				}

			case <-ctx.Done():
				logger.DebugContext(ctx, "SSE client disconnected",
					"owner", owner,
					"remote_addr", r.RemoteAddr,
				)
				return

			case <-doneChan:
				return
			}
		}
	})
}

// writeSSEEvent writes one named event with a JSON payload and flushes it.
func writeSSEEvent(w io.Writer, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	flush(w)
	return nil
}

func flush(w io.Writer) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}
