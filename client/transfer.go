package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/brojonat/masssend/service/transfer"
)

// TransferHandle identifies a transfer started on the server.
type TransferHandle struct {
	TransferID string `json:"transfer_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
}

// Instruction describes one instruction of a prepared transaction.
type Instruction struct {
	Index       int    `json:"index"`
	Program     string `json:"program"`
	Kind        string `json:"kind"`
	Payer       string `json:"payer,omitempty"`
	Owner       string `json:"owner,omitempty"`
	Mint        string `json:"mint,omitempty"`
	Source      string `json:"source,omitempty"`
	Destination string `json:"destination,omitempty"`
	Authority   string `json:"authority,omitempty"`
	Amount      uint64 `json:"amount,omitempty"`
}

// TransferStatus is the server's view of an owner's latest transfer.
// Transaction holds the unsigned transaction, base64 encoded, while the
// transfer awaits its signature.
type TransferStatus struct {
	TransferID           string        `json:"transfer_id"`
	Owner                string        `json:"owner"`
	Destination          string        `json:"destination"`
	State                string        `json:"state"`
	Transaction          string        `json:"transaction,omitempty"`
	Instructions         []Instruction `json:"instructions,omitempty"`
	Mints                []string      `json:"mints,omitempty"`
	CreatedAccounts      int           `json:"created_accounts"`
	LastValidBlockHeight uint64        `json:"last_valid_block_height,omitempty"`
	Signature            string        `json:"signature,omitempty"`
	Stage                string        `json:"stage,omitempty"`
	ErrorKind            string        `json:"error_kind,omitempty"`
	Error                string        `json:"error,omitempty"`
	StartedAt            time.Time     `json:"started_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

// TransferResult is the outcome of a confirmed transfer.
type TransferResult struct {
	TransferID      string    `json:"transfer_id"`
	Owner           string    `json:"owner"`
	Destination     string    `json:"destination"`
	Signature       string    `json:"signature"`
	Mints           []string  `json:"mints"`
	CreatedAccounts int       `json:"created_accounts"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
}

// AddressCheck is the result of validating an address on the server.
type AddressCheck struct {
	Address string `json:"address"`
	Valid   bool   `json:"valid"`
	OnCurve bool   `json:"on_curve"`
	Error   string `json:"error,omitempty"`
}

// APIError is a non-2xx response. Kind, Stage and Signature are set when the
// server reports a transfer failure.
type APIError struct {
	StatusCode int
	Message    string
	Kind       string
	Stage      string
	Signature  string
}

func (e *APIError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("request failed (%d, %s): %s", e.StatusCode, e.Kind, e.Message)
	}
	return fmt.Sprintf("request failed (%d): %s", e.StatusCode, e.Message)
}

// Is lets callers match transfer error kinds, e.g.
// errors.Is(err, transfer.ErrSessionBusy).
func (e *APIError) Is(target error) bool {
	if e.Kind == "" {
		return false
	}
	kind, ok := transfer.KindByName(e.Kind)
	return ok && kind == target
}

// Client is the HTTP client for the masssend transfer service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new transfer service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// StartTransfer asks the server to prepare a batch transfer of assets from
// owner to destination. The owner then fetches the unsigned transaction with
// GetTransfer and answers with Sign or Decline.
func (c *Client) StartTransfer(ctx context.Context, owner, destination string, assets []transfer.Asset) (*TransferHandle, error) {
	reqBody := map[string]interface{}{
		"owner":       owner,
		"destination": destination,
		"assets":      assets,
	}

	var handle TransferHandle
	if err := c.do(ctx, "POST", "/api/v1/transfers", reqBody, http.StatusAccepted, &handle); err != nil {
		return nil, err
	}
	c.logger.Debug("transfer started", "owner", owner, "transfer_id", handle.TransferID)
	return &handle, nil
}

// GetTransfer returns the status of owner's latest transfer.
func (c *Client) GetTransfer(ctx context.Context, owner string) (*TransferStatus, error) {
	var status TransferStatus
	if err := c.do(ctx, "GET", "/api/v1/transfers/"+url.PathEscape(owner), nil, http.StatusOK, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// AwaitResult blocks until owner's transfer finishes. A failed transfer is
// returned as *APIError carrying the failure kind.
func (c *Client) AwaitResult(ctx context.Context, owner string) (*TransferResult, error) {
	var result TransferResult
	if err := c.do(ctx, "GET", "/api/v1/transfers/"+url.PathEscape(owner)+"/result", nil, http.StatusOK, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Sign delivers the signed transaction, base64 encoded.
func (c *Client) Sign(ctx context.Context, owner, signedTransaction string) error {
	reqBody := map[string]interface{}{"signed_transaction": signedTransaction}
	if err := c.do(ctx, "POST", "/api/v1/transfers/"+url.PathEscape(owner)+"/signature", reqBody, http.StatusAccepted, nil); err != nil {
		return err
	}
	c.logger.Debug("signature delivered", "owner", owner)
	return nil
}

// Decline refuses to sign owner's pending transfer.
func (c *Client) Decline(ctx context.Context, owner, reason string) error {
	reqBody := map[string]interface{}{"decline": true, "reason": reason}
	return c.do(ctx, "POST", "/api/v1/transfers/"+url.PathEscape(owner)+"/signature", reqBody, http.StatusAccepted, nil)
}

// Cancel cancels owner's running transfer.
func (c *Client) Cancel(ctx context.Context, owner string) error {
	return c.do(ctx, "DELETE", "/api/v1/transfers/"+url.PathEscape(owner), nil, http.StatusNoContent, nil)
}

// ListAssets lists owner's assets through the server.
func (c *Client) ListAssets(ctx context.Context, owner string, offset, limit int) ([]transfer.Asset, error) {
	q := url.Values{}
	q.Set("offset", fmt.Sprintf("%d", offset))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	var resp struct {
		Assets []transfer.Asset `json:"assets"`
	}
	path := "/api/v1/assets/" + url.PathEscape(owner) + "?" + q.Encode()
	if err := c.do(ctx, "GET", path, nil, http.StatusOK, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// ValidateAddress asks the server whether address can receive a transfer.
func (c *Client) ValidateAddress(ctx context.Context, address string) (*AddressCheck, error) {
	var check AddressCheck
	if err := c.do(ctx, "GET", "/api/v1/addresses/"+url.PathEscape(address), nil, http.StatusOK, &check); err != nil {
		return nil, err
	}
	return &check, nil
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}
	return nil
}

// StreamEvents follows the server-sent lifecycle events of owner's
// transfers and calls fn with each event name and payload. It returns when
// fn returns ErrStopStream, ctx is done, or the server closes the stream.
func (c *Client) StreamEvents(ctx context.Context, owner string, fn func(event string, data []byte) error) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/v1/stream/transfers/"+url.PathEscape(owner), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives any client timeout.
	streaming := *c.httpClient
	streaming.Timeout = 0
	resp, err := streaming.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()

		// an empty line ends the event
		if line == "" {
			if event != "" && data != "" {
				if err := fn(event, []byte(data)); err != nil {
					if errors.Is(err, ErrStopStream) {
						return nil
					}
					return err
				}
			}
			event, data = "", ""
			continue
		}

		if strings.HasPrefix(line, "event:") {
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		} else if strings.HasPrefix(line, "data:") {
			data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("error reading event stream: %w", err)
	}
	return nil
}

// ErrStopStream ends StreamEvents without an error when returned by its
// callback.
var ErrStopStream = errors.New("stop stream")

func (c *Client) do(ctx context.Context, method, path string, body interface{}, wantStatus int, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return c.parseErrorResponse(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error     string `json:"error"`
		Kind      string `json:"kind"`
		Stage     string `json:"stage"`
		Signature string `json:"signature"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error,
		Kind:       errResp.Kind,
		Stage:      errResp.Stage,
		Signature:  errResp.Signature,
	}
}
