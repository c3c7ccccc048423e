package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/brojonat/masssend/client"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/urfave/cli/v2"
)

// assetLister is served by both the masssend server and the indexer itself.
type assetLister interface {
	ListAssets(ctx context.Context, owner string, offset, limit int) ([]transfer.Asset, error)
}

func assetsCommands() *cli.Command {
	return &cli.Command{
		Name:  "assets",
		Usage: "Inspect the NFTs held by a wallet",
		Subcommands: []*cli.Command{
			listAssetsCommand(),
		},
	}
}

func listAssetsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Aliases:   []string{"ls"},
		Usage:     "List the NFTs held by a wallet",
		ArgsUsage: "OWNER_ADDRESS",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   client.MaxAssetPageLimit,
				Usage:   fmt.Sprintf("Page size (1-%d)", client.MaxAssetPageLimit),
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Usage:   "Number of assets to skip",
			},
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Follow pages until the wallet is exhausted",
			},
			&cli.StringFlag{
				Name:    "indexer-url",
				Usage:   "Query the asset indexer directly instead of the server",
				EnvVars: []string{"ASSET_INDEXER_URL"},
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter each asset must satisfy (can be specified multiple times, all must match)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("owner address is required")
			}
			owner := c.Args().Get(0)

			limit := c.Int("limit")
			if limit < 1 || limit > client.MaxAssetPageLimit {
				return fmt.Errorf("limit must be between 1 and %d", client.MaxAssetPageLimit)
			}
			offset := c.Int("offset")
			if offset < 0 {
				return fmt.Errorf("offset cannot be negative")
			}

			codes, err := compileJQ(c.StringSlice("jq"))
			if err != nil {
				return err
			}

			var lister assetLister
			if indexerURL := c.String("indexer-url"); indexerURL != "" {
				lister = client.NewAssetClient(indexerURL, limit, nil, newLogger(c))
			} else {
				cl, err := newClient(c)
				if err != nil {
					return err
				}
				lister = cl
			}

			assets, err := fetchAssets(c.Context, lister, owner, offset, limit, c.Bool("all"))
			if err != nil {
				return fmt.Errorf("failed to list assets: %w", err)
			}

			filtered := make([]transfer.Asset, 0, len(assets))
			for _, a := range assets {
				ok, err := matchesJQ(codes, a)
				if err != nil {
					return fmt.Errorf("jq filter failed on %s: %w", a.MintAddress, err)
				}
				if ok {
					filtered = append(filtered, a)
				}
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, filtered)
			}
			printAssets(c.App.Writer, filtered)
			return nil
		},
	}
}

// fetchAssets reads one page, or every page when all is set. A short page
// marks the end of the wallet.
func fetchAssets(ctx context.Context, lister assetLister, owner string, offset, limit int, all bool) ([]transfer.Asset, error) {
	var out []transfer.Asset
	for {
		page, err := lister.ListAssets(ctx, owner, offset, limit)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if !all || len(page) < limit {
			return out, nil
		}
		offset += len(page)
	}
}

func printAssets(w io.Writer, assets []transfer.Asset) {
	if len(assets) == 0 {
		fmt.Fprintln(w, "No assets found")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MINT\tNAME\tTOKEN ACCOUNT")
	for _, a := range assets {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", a.MintAddress, a.Name, a.Address)
	}
	tw.Flush()
	fmt.Fprintf(w, "\n%d asset(s)\n", len(assets))
}
