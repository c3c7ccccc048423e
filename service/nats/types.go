package nats

import (
	"fmt"
	"time"

	"github.com/brojonat/masssend/service/transfer"
)

// TransferEvent is the message published to "transfers.{owner}" in JetStream
// for every lifecycle transition of a batch transfer.
type TransferEvent struct {
	TransferID  string `json:"transfer_id"`
	Owner       string `json:"owner"`
	Destination string `json:"destination"`

	State     string `json:"state"`
	Stage     string `json:"stage,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`

	// Signature is empty until the batch has been signed.
	Signature       string   `json:"signature,omitempty"`
	Mints           []string `json:"mints,omitempty"`
	CreatedAccounts int      `json:"created_accounts"`

	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

// FromTransferEvent converts a pipeline event into its wire form.
func FromTransferEvent(ev *transfer.Event) *TransferEvent {
	mints := make([]string, len(ev.Mints))
	copy(mints, ev.Mints)

	return &TransferEvent{
		TransferID:      ev.TransferID,
		Owner:           ev.Owner,
		Destination:     ev.Destination,
		State:           string(ev.State),
		Stage:           string(ev.Stage),
		ErrorKind:       ev.ErrorKind,
		Error:           ev.Error,
		Signature:       ev.Signature,
		Mints:           mints,
		CreatedAccounts: ev.CreatedAccounts,
		Timestamp:       ev.Timestamp,
		PublishedAt:     time.Now().UTC(),
	}
}

// Subject returns the subject events for owner are published on. An empty
// owner yields the wildcard covering every owner.
func Subject(owner string) string {
	if owner == "" {
		return StreamSubjects
	}
	return fmt.Sprintf("transfers.%s", owner)
}

// Terminal reports whether no further events follow this one.
func (e *TransferEvent) Terminal() bool {
	return e.State == string(transfer.StateConfirmed) || e.State == string(transfer.StateFailed)
}
