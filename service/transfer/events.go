package transfer

import (
	"context"
	"time"
)

// State is the position of a transfer in its lifecycle.
type State string

const (
	StateBuilt     State = "built"
	StateSigned    State = "signed"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Event describes one lifecycle transition of a transfer.
type Event struct {
	TransferID      string    `json:"transfer_id"`
	Owner           string    `json:"owner"`
	Destination     string    `json:"destination"`
	State           State     `json:"state"`
	Stage           Stage     `json:"stage,omitempty"`
	ErrorKind       string    `json:"error_kind,omitempty"`
	Error           string    `json:"error,omitempty"`
	Signature       string    `json:"signature,omitempty"`
	Mints           []string  `json:"mints,omitempty"`
	CreatedAccounts int       `json:"created_accounts"`
	Timestamp       time.Time `json:"timestamp"`
}

// EventPublisher receives lifecycle events. Publishing is best effort: the
// pipeline logs failures and carries on.
type EventPublisher interface {
	PublishTransferEvent(ctx context.Context, event *Event) error
}
