package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/brojonat/masssend/client"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

func newLogger(c *cli.Context) *slog.Logger {
	var level slog.Level
	switch c.String("log-level") {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(c.App.ErrWriter, &slog.HandlerOptions{Level: level}))
}

func newClient(c *cli.Context) (*client.Client, error) {
	serverURL := c.String("server-url")
	if serverURL == "" {
		return nil, fmt.Errorf("server-url is required (set MASSSEND_SERVER_URL env var or use --server-url)")
	}
	return client.NewClient(serverURL, nil, newLogger(c)), nil
}

func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesJQ reports whether every filter yields a truthy first result for v.
// v is converted to plain JSON values first because gojq only walks maps,
// slices and scalars.
func matchesJQ(codes []*gojq.Code, v interface{}) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return false, err
	}

	for _, code := range codes {
		iter := code.Run(doc)
		result, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := result.(error); isErr {
			return false, err
		}
		if !isTruthy(result) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// selectedAssets builds the batch from repeated --mint flags and an optional
// --assets-file holding a JSON array of assets, as printed by
// "assets list --json".
func selectedAssets(c *cli.Context) ([]transfer.Asset, error) {
	var assets []transfer.Asset
	if path := c.String("assets-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read assets file: %w", err)
		}
		if err := json.Unmarshal(data, &assets); err != nil {
			return nil, fmt.Errorf("failed to parse assets file %s: %w", path, err)
		}
	}
	for _, mint := range c.StringSlice("mint") {
		mint = strings.TrimSpace(mint)
		if mint == "" {
			continue
		}
		assets = append(assets, transfer.Asset{MintAddress: mint})
	}
	if len(assets) == 0 {
		return nil, fmt.Errorf("no assets selected: use --mint or --assets-file")
	}
	return assets, nil
}

func assetSelectionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "mint",
			Aliases: []string{"m"},
			Usage:   "Mint address of an NFT to send (can be specified multiple times)",
		},
		&cli.StringFlag{
			Name:  "assets-file",
			Usage: "JSON file with an array of assets to send",
		},
	}
}

func printDivider(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("━", 72))
}
