package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brojonat/masssend/service/transfer"
)

// MaxAssetPageLimit is the largest page the asset indexer serves.
const MaxAssetPageLimit = 200

const nftsQuery = `query GetNfts($owners: [PublicKey!], $limit: Int!, $offset: Int!) {
  nfts(owners: $owners, limit: $limit, offset: $offset) {
    address
    mintAddress
    name
    description
    image
    owner {
      address
      associatedTokenAccountAddress
    }
  }
}`

// AssetClient lists the non-fungible tokens an owner holds by querying a
// GraphQL asset indexer.
type AssetClient struct {
	endpoint   string
	pageLimit  int
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAssetClient creates a client for the indexer at endpoint. pageLimit caps
// the page size of every request; values outside (0, 200] fall back to 200.
func NewAssetClient(endpoint string, pageLimit int, httpClient *http.Client, logger *slog.Logger) *AssetClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if pageLimit <= 0 || pageLimit > MaxAssetPageLimit {
		pageLimit = MaxAssetPageLimit
	}
	return &AssetClient{
		endpoint:   endpoint,
		pageLimit:  pageLimit,
		httpClient: httpClient,
		logger:     logger,
	}
}

// PageLimit returns the effective page size cap.
func (c *AssetClient) PageLimit() int {
	return c.pageLimit
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type nftsResponse struct {
	Data struct {
		Nfts []transfer.Asset `json:"nfts"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

// ListAssets returns one page of the assets held by owner. An empty owner
// yields an empty list without a request. A limit of zero or above the cap
// is clamped to the cap.
func (c *AssetClient) ListAssets(ctx context.Context, owner string, offset, limit int) ([]transfer.Asset, error) {
	if strings.TrimSpace(owner) == "" {
		return []transfer.Asset{}, nil
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset cannot be negative: %d", offset)
	}
	if limit <= 0 || limit > c.pageLimit {
		limit = c.pageLimit
	}

	body, err := json.Marshal(graphQLRequest{
		Query: nftsQuery,
		Variables: map[string]interface{}{
			"owners": []string{owner},
			"limit":  limit,
			"offset": offset,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("asset indexer returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out nftsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		msgs := make([]string, len(out.Errors))
		for i, e := range out.Errors {
			msgs[i] = e.Message
		}
		return nil, fmt.Errorf("asset indexer error: %s", strings.Join(msgs, "; "))
	}

	assets := out.Data.Nfts
	if assets == nil {
		assets = []transfer.Asset{}
	}
	c.logger.DebugContext(ctx, "assets listed",
		"owner", owner,
		"offset", offset,
		"limit", limit,
		"count", len(assets),
	)
	return assets, nil
}
