package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/brojonat/masssend/service/temporal"
	"github.com/brojonat/masssend/service/transfer"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB - a signed batch transaction is far smaller
	maxAddressLength   = 100     // Solana addresses are 44 chars, give buffer
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// AssetSource lists the non-fungible tokens held by an owner.
type AssetSource interface {
	ListAssets(ctx context.Context, owner string, offset, limit int) ([]transfer.Asset, error)
}

type startTransferRequest struct {
	Owner       string           `json:"owner"`
	Destination string           `json:"destination"`
	Assets      []transfer.Asset `json:"assets"`
}

// handleStartTransfer returns a handler that starts a remote-signing batch
// transfer. The selection is validated here so that obviously bad requests
// never reach the workflow.
// POST /api/v1/transfers
func handleStartTransfer(transfers temporal.TransferService, opts transfer.Options, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req startTransferRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode transfer request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large: maximum size is 1MB", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		if err := validateAddress(req.Owner); err != nil {
			writeError(w, "invalid owner: "+err.Error(), http.StatusBadRequest)
			return
		}
		if _, err := transfer.ValidateAddress(req.Owner); err != nil {
			writeError(w, "invalid owner: "+err.Error(), http.StatusBadRequest)
			return
		}

		if _, _, err := transfer.ValidateSelection(req.Assets, req.Destination, opts); err != nil {
			logger.Debug("transfer request rejected",
				"owner", req.Owner,
				"kind", transfer.KindName(err),
				"error", err,
			)
			writeTransferError(w, err)
			return
		}

		handle, err := transfers.StartTransfer(r.Context(), temporal.TransferInput{
			Owner:          req.Owner,
			Destination:    req.Destination,
			Assets:         req.Assets,
			ConfirmTimeout: opts.ConfirmTimeout,
		})
		if err != nil {
			if errors.Is(err, transfer.ErrSessionBusy) {
				writeTransferError(w, err)
				return
			}
			logger.Error("failed to start transfer", "owner", req.Owner, "error", err)
			writeError(w, "failed to start transfer", http.StatusInternalServerError)
			return
		}

		logger.Info("transfer started",
			"owner", req.Owner,
			"transfer_id", handle.TransferID,
			"assets", len(req.Assets),
		)
		writeJSON(w, handle, http.StatusAccepted)
	})
}

// handleGetTransfer returns a handler that reports the state of an owner's
// latest transfer, including the unsigned transaction while it awaits a
// signature.
// GET /api/v1/transfers/{owner}
func handleGetTransfer(transfers temporal.TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		status, err := transfers.GetTransferStatus(r.Context(), owner)
		if err != nil {
			writeServiceError(w, logger, "get transfer status", owner, err)
			return
		}
		writeJSON(w, status, http.StatusOK)
	})
}

// handleTransferResult returns a handler that blocks until the owner's
// transfer finishes. A failed transfer is reported with its kind, stage and
// signature.
// GET /api/v1/transfers/{owner}/result
func handleTransferResult(transfers temporal.TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		result, err := transfers.AwaitTransfer(r.Context(), owner)
		if err != nil {
			writeServiceError(w, logger, "await transfer", owner, err)
			return
		}
		writeJSON(w, result, http.StatusOK)
	})
}

type signatureRequest struct {
	SignedTransaction string `json:"signed_transaction"`
	Decline           bool   `json:"decline"`
	Reason            string `json:"reason"`
}

// handleSubmitSignature returns a handler that delivers the owner's signed
// transaction, or their refusal, to the waiting transfer.
// POST /api/v1/transfers/{owner}/signature
func handleSubmitSignature(transfers temporal.TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req signatureRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}

		var err error
		switch {
		case req.Decline:
			err = transfers.DeclineTransfer(r.Context(), owner, req.Reason)
		case strings.TrimSpace(req.SignedTransaction) == "":
			writeError(w, "signed_transaction is required unless decline is set", http.StatusBadRequest)
			return
		default:
			err = transfers.SignTransfer(r.Context(), owner, strings.TrimSpace(req.SignedTransaction))
		}
		if err != nil {
			writeServiceError(w, logger, "deliver signature", owner, err)
			return
		}

		logger.Info("signature response delivered", "owner", owner, "decline", req.Decline)
		w.WriteHeader(http.StatusAccepted)
	})
}

// handleCancelTransfer returns a handler that cancels the owner's transfer.
// DELETE /api/v1/transfers/{owner}
func handleCancelTransfer(transfers temporal.TransferService, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		if err := transfers.CancelTransfer(r.Context(), owner); err != nil {
			writeServiceError(w, logger, "cancel transfer", owner, err)
			return
		}

		logger.Info("transfer cancelled", "owner", owner)
		w.WriteHeader(http.StatusNoContent)
	})
}

// handleListAssets returns a handler that lists one page of an owner's
// assets from the asset source.
// GET /api/v1/assets/{owner}?offset=N&limit=N
func handleListAssets(assets AssetSource, pageLimit int, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.PathValue("owner")
		if err := validateAddress(owner); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		query := r.URL.Query()

		// Parse limit (default and max pageLimit)
		limit := pageLimit
		if limitStr := query.Get("limit"); limitStr != "" {
			var parsedLimit int
			if _, err := fmt.Sscanf(limitStr, "%d", &parsedLimit); err != nil {
				writeError(w, "invalid limit parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if parsedLimit < 1 {
				writeError(w, "limit must be at least 1", http.StatusBadRequest)
				return
			}
			if parsedLimit > pageLimit {
				writeError(w, fmt.Sprintf("limit cannot exceed %d", pageLimit), http.StatusBadRequest)
				return
			}
			limit = parsedLimit
		}

		// Parse offset (default 0)
		offset := 0
		if offsetStr := query.Get("offset"); offsetStr != "" {
			if _, err := fmt.Sscanf(offsetStr, "%d", &offset); err != nil {
				writeError(w, "invalid offset parameter: must be an integer", http.StatusBadRequest)
				return
			}
			if offset < 0 {
				writeError(w, "offset cannot be negative", http.StatusBadRequest)
				return
			}
		}

		list, err := assets.ListAssets(r.Context(), owner, offset, limit)
		if err != nil {
			logger.Error("failed to list assets", "owner", owner, "error", err)
			writeError(w, "failed to list assets", http.StatusBadGateway)
			return
		}

		logger.Debug("assets listed", "owner", owner, "count", len(list))
		writeJSON(w, map[string]interface{}{
			"owner":  owner,
			"assets": list,
			"count":  len(list),
			"limit":  limit,
			"offset": offset,
		}, http.StatusOK)
	})
}

type addressResponse struct {
	Address string `json:"address"`
	Valid   bool   `json:"valid"`
	OnCurve bool   `json:"on_curve"`
	Error   string `json:"error,omitempty"`
}

// handleValidateAddress returns a handler that reports whether an address
// can receive a batch transfer. It never touches the network.
// GET /api/v1/addresses/{address}
func handleValidateAddress(allowOffCurve bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		address := r.PathValue("address")
		resp := addressResponse{Address: address}

		if pk, err := transfer.ValidateAddress(address); err == nil {
			resp.OnCurve = pk.IsOnCurve()
		}
		if _, err := transfer.ValidateDestination(address, allowOffCurve); err != nil {
			resp.Error = err.Error()
		} else {
			resp.Valid = true
		}
		writeJSON(w, resp, http.StatusOK)
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

type transferErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Stage     string `json:"stage,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// writeTransferError writes a transfer failure with its kind, stage and, once
// submitted, its signature.
func writeTransferError(w http.ResponseWriter, err error) {
	resp := transferErrorResponse{
		Error: err.Error(),
		Kind:  transfer.KindName(err),
		Stage: string(transfer.StageOf(err)),
	}
	if sig, ok := transfer.SignatureOf(err); ok {
		resp.Signature = sig.String()
	}
	writeJSON(w, resp, statusForKind(err))
}

// statusForKind maps a transfer error kind to an HTTP status code.
func statusForKind(err error) int {
	switch {
	case errors.Is(err, transfer.ErrInvalidDestination),
		errors.Is(err, transfer.ErrEmptySelection):
		return http.StatusBadRequest
	case errors.Is(err, transfer.ErrSessionBusy),
		errors.Is(err, transfer.ErrSigningDeclined):
		return http.StatusConflict
	case errors.Is(err, transfer.ErrCompositionFailed),
		errors.Is(err, transfer.ErrSubmissionRejected),
		errors.Is(err, transfer.ErrConfirmationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, transfer.ErrAccountResolutionFailed),
		errors.Is(err, transfer.ErrFreshnessUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, transfer.ErrConfirmationTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError maps a TransferService error to a response.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, op, owner string, err error) {
	var te *transfer.Error
	switch {
	case errors.Is(err, temporal.ErrTransferNotFound):
		writeError(w, "transfer not found", http.StatusNotFound)
	case errors.As(err, &te):
		writeTransferError(w, err)
	default:
		logger.Error("transfer service call failed", "operation", op, "owner", owner, "error", err)
		writeError(w, "failed to "+op, http.StatusInternalServerError)
	}
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
