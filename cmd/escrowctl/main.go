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
		Name:  "escrowctl",
		Usage: "Escrow and transaction service CLI",
		Description: `A command-line tool for operating and debugging the escrowd service.

Use this CLI to seed reference data, inspect the ledger, drive investments
through the HTTP API, retry webhook events and manage the reconciliation sweep.
Command flags go before positional arguments.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			dbCommands(),
			bankAccountCommands(),
			escrowCommands(),
			webhookCommands(),
			temporalCommands(),
			natsCommands(),
			clientCommands(),
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
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Database connection URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:    "encryption-key",
				Usage:   "Hex-encoded 32-byte vault key (bank account commands)",
				EnvVars: []string{"ENCRYPTION_KEY"},
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.StringFlag{
				Name:    "temporal-task-queue",
				Usage:   "Temporal task queue the worker listens on",
				EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
				Value:   "escrowd-reconcile",
			},
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "escrowd API URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq expression applied to JSON output (implies --json)",
			},
		},
	}
}
