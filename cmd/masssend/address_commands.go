package main

import (
	"fmt"

	"github.com/brojonat/masssend/client"
	"github.com/brojonat/masssend/service/transfer"
	"github.com/urfave/cli/v2"
)

func addressCommands() *cli.Command {
	return &cli.Command{
		Name:  "address",
		Usage: "Address utilities",
		Subcommands: []*cli.Command{
			validateAddressCommand(),
		},
	}
}

func validateAddressCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Check that an address can receive a batch",
		ArgsUsage: "ADDRESS",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "allow-off-curve",
				Usage: "Accept program-derived (off-curve) destinations",
			},
			&cli.BoolFlag{
				Name:  "remote",
				Usage: "Ask the server instead of validating locally",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 1 {
				return fmt.Errorf("address is required")
			}
			address := c.Args().Get(0)

			var check *client.AddressCheck
			if c.Bool("remote") {
				cl, err := newClient(c)
				if err != nil {
					return err
				}
				check, err = cl.ValidateAddress(c.Context, address)
				if err != nil {
					return fmt.Errorf("failed to validate address: %w", err)
				}
			} else {
				check = checkAddress(address, c.Bool("allow-off-curve"))
			}

			if c.Bool("json") {
				if err := outputJSON(c.App.Writer, check); err != nil {
					return err
				}
			} else if check.Valid {
				fmt.Fprintf(c.App.Writer, "✓ %s is a valid destination (on curve: %t)\n", check.Address, check.OnCurve)
			} else {
				fmt.Fprintf(c.App.Writer, "✗ %s is not a valid destination\n", address)
				fmt.Fprintf(c.App.Writer, "  %s\n", check.Error)
			}

			if !check.Valid {
				return fmt.Errorf("invalid destination: %s", check.Error)
			}
			return nil
		},
	}
}

func checkAddress(address string, allowOffCurve bool) *client.AddressCheck {
	check := &client.AddressCheck{Address: address}
	pk, err := transfer.ValidateAddress(address)
	if err != nil {
		check.Error = err.Error()
		return check
	}
	check.Address = pk.String()
	check.OnCurve = pk.IsOnCurve()
	if _, err := transfer.ValidateDestination(address, allowOffCurve); err != nil {
		check.Error = err.Error()
		return check
	}
	check.Valid = true
	return check
}
