package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/escrowd/service/domain"
	natspkg "github.com/brojonat/escrowd/service/nats"
	"github.com/itchyny/gojq"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

func natsCommands() *cli.Command {
	return &cli.Command{
		Name:  "nats",
		Usage: "NATS transaction event commands",
		Subcommands: []*cli.Command{
			tailCommand(),
			inspectStreamCommand(),
		},
	}
}

func tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Stream transaction status events",
		ArgsUsage: "[offering-id]",
		Description: `Subscribe to status changes published to NATS JetStream.

Events are published to the subject txns.{offering_id}. Without an offering
every event is shown.

Example:
  escrowctl nats tail --match '.status == "COMPLETED"' offering-1`,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "match", Usage: "Only show events for which this jq expression is truthy"},
			&cli.BoolFlag{Name: "all", Usage: "Replay retained events instead of starting at new ones"},
			&cli.IntFlag{Name: "count", Aliases: []string{"c"}, Usage: "Exit after this many events (0 = run until interrupted)"},
		},
		Action: func(c *cli.Context) error {
			var match *gojq.Code
			if expr := c.String("match"); expr != "" {
				var err error
				if match, err = compileJQ(expr); err != nil {
					return err
				}
			}

			nc, err := nats.Connect(c.String("nats-url"), nats.Name("escrowctl"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			subject := natspkg.SubjectFor(c.Args().First())
			policy := jetstream.DeliverNewPolicy
			if c.Bool("all") {
				policy = jetstream.DeliverAllPolicy
			}
			cons, err := js.OrderedConsumer(c.Context, natspkg.StreamName, jetstream.OrderedConsumerConfig{
				FilterSubjects: []string{subject},
				DeliverPolicy:  policy,
			})
			if err != nil {
				return fmt.Errorf("failed to create consumer: %w", err)
			}

			jsonOutput := wantJSON(c)
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(os.Stderr, "Waiting for events... (Ctrl-C to exit)\n\n")
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			msgs := make(chan []byte, 16)
			cc, err := cons.Consume(func(msg jetstream.Msg) {
				select {
				case msgs <- msg.Data():
				case <-ctx.Done():
				}
			})
			if err != nil {
				return fmt.Errorf("failed to consume: %w", err)
			}
			defer cc.Stop()

			n, err := tail(ctx, msgs, match, c.Int("count"), func(e *natspkg.TransactionEvent) error {
				if jsonOutput {
					return outputJSON(c, e)
				}
				writeEvent(c.App.Writer, e)
				return nil
			})
			if !jsonOutput {
				fmt.Fprintf(os.Stderr, "\n✅ Received %d events\n", n)
			}
			return err
		},
	}
}

// tail decodes events from msgs until ctx is done or limit events have been
// shown. Events that fail to decode or do not match are skipped.
func tail(ctx context.Context, msgs <-chan []byte, match *gojq.Code, limit int, show func(*natspkg.TransactionEvent) error) (int, error) {
	count := 0
	for {
		select {
		case <-ctx.Done():
			return count, nil
		case data := <-msgs:
			var event natspkg.TransactionEvent
			if err := json.Unmarshal(data, &event); err != nil {
				fmt.Fprintf(os.Stderr, "Error parsing event: %v\n", err)
				continue
			}
			if match != nil && !matchesJQ(match, &event) {
				continue
			}
			if err := show(&event); err != nil {
				return count, err
			}
			count++
			if limit > 0 && count >= limit {
				return count, nil
			}
		}
	}
}

func writeEvent(w io.Writer, e *natspkg.TransactionEvent) {
	transition := string(e.Status)
	if e.PreviousStatus != "" {
		transition = fmt.Sprintf("%s -> %s", e.PreviousStatus, e.Status)
	}
	fmt.Fprintf(w, "%s  %-12s %-24s %s %s %s\n",
		e.OccurredAt.Format(time.RFC3339), e.Type, transition, e.TransactionID, e.OfferingID, formatCents(e.Amount))
	if e.Status == domain.StatusFailed && (e.ComplianceReason != "" || e.ErrorMessage != "") {
		fmt.Fprintf(w, "    reason: %s %s\n", e.ComplianceReason, e.ErrorMessage)
	}
	if e.NeedsReview {
		fmt.Fprintln(w, "    needs review")
	}
}

func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the TRANSACTIONS JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(c.Context, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}
			info, err := stream.Info(c.Context)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantJSON(c) {
				return outputJSON(c, info)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			return nil
		},
	}
}
