package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "masssend",
		Usage: "Move many NFTs to one wallet in a single Solana transaction",
		Description: `A command-line tool for batch NFT transfers.

Use "send" to run a whole batch locally with a keypair file, or the
"transfer" commands to drive a batch through the masssend server and
sign it from this machine.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			sendCommand(),
			assetsCommands(),
			addressCommands(),
			transferCommands(),
			natsCommands(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: globalFlags(),
	}
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "server-url",
			Usage:   "masssend server URL",
			EnvVars: []string{"MASSSEND_SERVER_URL", "SERVER_URL"},
			Value:   "http://localhost:8080",
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level for diagnostics on stderr (debug, info, warn, error)",
			EnvVars: []string{"LOG_LEVEL"},
			Value:   "error",
		},
		&cli.BoolFlag{
			Name:    "json",
			Aliases: []string{"j"},
			Usage:   "Output in JSON format",
		},
	}
}
