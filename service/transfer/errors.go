package transfer

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// Stage identifies the step of the pipeline at which a transfer stopped.
type Stage string

const (
	StageValidation   Stage = "validation"
	StageResolution   Stage = "resolution"
	StageComposition  Stage = "composition"
	StageSigning      Stage = "signing"
	StageSubmission   Stage = "submission"
	StageConfirmation Stage = "confirmation"
)

// Error kinds. Match them with errors.Is.
var (
	ErrInvalidDestination      = errors.New("invalid destination")
	ErrEmptySelection          = errors.New("empty selection")
	ErrAccountResolutionFailed = errors.New("account resolution failed")
	ErrCompositionFailed       = errors.New("composition failed")
	ErrFreshnessUnavailable    = errors.New("recent blockhash unavailable")
	ErrSigningDeclined         = errors.New("signing declined")
	ErrSubmissionRejected      = errors.New("submission rejected")
	ErrConfirmationTimeout     = errors.New("confirmation timed out")
	ErrConfirmationRejected    = errors.New("confirmation rejected")
	ErrSessionBusy             = errors.New("transfer already in progress for this session")
)

// Error is the terminal failure of a transfer. Signature is set once the
// transaction has been submitted so the caller can re-check ledger state.
type Error struct {
	Stage     Stage
	Kind      error
	Signature solana.Signature
	Err       error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	if !e.Signature.IsZero() {
		msg += fmt.Sprintf(" (signature %s)", e.Signature)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Is matches a template *Error: a target with a Stage, a Kind or both
// matches any transfer error carrying the same values. Zero fields match
// anything. Kinds alone are matched through Unwrap.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	return t.Kind == nil || errors.Is(e.Kind, t.Kind)
}

func stageError(stage Stage, kind, err error) *Error {
	return &Error{Stage: stage, Kind: kind, Err: err}
}

// StageOf reports the stage a transfer error is tagged with, or "" if err
// did not come from the pipeline.
func StageOf(err error) Stage {
	var te *Error
	if errors.As(err, &te) {
		return te.Stage
	}
	return ""
}

// SignatureOf returns the provisional signature carried by err, if any.
func SignatureOf(err error) (solana.Signature, bool) {
	var te *Error
	if errors.As(err, &te) && !te.Signature.IsZero() {
		return te.Signature, true
	}
	return solana.Signature{}, false
}

var kindNames = []struct {
	kind error
	name string
}{
	{ErrInvalidDestination, "invalid_destination"},
	{ErrEmptySelection, "empty_selection"},
	{ErrAccountResolutionFailed, "account_resolution_failed"},
	{ErrFreshnessUnavailable, "freshness_unavailable"},
	{ErrCompositionFailed, "composition_failed"},
	{ErrSigningDeclined, "signing_declined"},
	{ErrSubmissionRejected, "submission_rejected"},
	{ErrConfirmationTimeout, "confirmation_timeout"},
	{ErrConfirmationRejected, "confirmation_rejected"},
	{ErrSessionBusy, "session_busy"},
}

// KindName returns a short machine-readable name for the kind of err.
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return "unknown"
}

// KindByName is the inverse of KindName.
func KindByName(name string) (error, bool) {
	for _, k := range kindNames {
		if k.name == name {
			return k.kind, true
		}
	}
	return nil, false
}

// NewError rebuilds a transfer error reported by another process, such as
// a workflow or the HTTP API.
func NewError(stage Stage, kindName string, sig solana.Signature, err error) *Error {
	kind, ok := KindByName(kindName)
	if !ok {
		kind = fmt.Errorf("%s", kindName)
	}
	return &Error{Stage: stage, Kind: kind, Signature: sig, Err: err}
}
