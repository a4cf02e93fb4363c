package main

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
)

func webhookCommands() *cli.Command {
	return &cli.Command{
		Name:  "webhooks",
		Usage: "Inspect and retry provider webhook events",
		Subcommands: []*cli.Command{
			{
				Name:  "failed",
				Usage: "List events that failed processing",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Value: 50, Usage: "Limit number of events"},
				},
				Action: func(c *cli.Context) error {
					events, err := newAPIClient(c).FailedWebhooks(c.Context, c.Int("limit"))
					if err != nil {
						return fmt.Errorf("failed to list webhook events: %w", err)
					}
					if wantJSON(c) {
						return outputJSON(c, events)
					}
					w := newTable(c.App.Writer)
					fmt.Fprintln(w, "EVENT\tPROVIDER\tTYPE\tTRANSACTION\tATTEMPTS\tRECEIVED\tLAST ERROR")
					for _, e := range events {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
							e.EventID, e.Provider, e.EventType, orDash(e.TransactionID),
							e.Attempts, e.CreatedAt.Format(time.RFC3339), e.LastError,
						)
					}
					return w.Flush()
				},
			},
			{
				Name:      "retry",
				Usage:     "Reprocess one event now",
				ArgsUsage: "<event-id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return fmt.Errorf("requires exactly one argument: event ID")
					}
					res, err := newAPIClient(c).RetryWebhook(c.Context, c.Args().First())
					if err != nil {
						return fmt.Errorf("failed to retry webhook event: %w", err)
					}
					if wantJSON(c) {
						return outputJSON(c, res)
					}
					if res.Error != "" {
						fmt.Fprintf(c.App.Writer, "✗ %s still %s after %d attempts: %s\n",
							res.Event.EventID, res.Event.Status, res.Event.Attempts, res.Error)
						return nil
					}
					fmt.Fprintf(c.App.Writer, "✓ %s is %s\n", res.Event.EventID, res.Event.Status)
					return nil
				},
			},
		},
	}
}
