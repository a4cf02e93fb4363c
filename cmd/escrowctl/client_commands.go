package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/brojonat/escrowd/client"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "Drive transactions through the HTTP API",
		Subcommands: []*cli.Command{
			investCommand(),
			payoutCommand(),
			getTransactionCommand(),
			cancelTransactionCommand(),
			listTransactionsCommand(),
			summaryCommand(),
			awaitCommand(),
		},
	}
}

func investCommand() *cli.Command {
	return &cli.Command{
		Name:      "invest",
		Usage:     "Create an investment",
		ArgsUsage: "<user-id> <offering-id> <dollars>",
		Description: `Submits an investment on behalf of a user. The idempotency key defaults to a
fresh UUID; pass --key to safely retry a request.

Example:
  escrowctl client invest --bank-account ba-1 --await investor-1 offering-1 50000`,
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Value: string(domain.MethodACH), Usage: "Payment method (ACH, WIRE, CHECK)"},
			&cli.StringFlag{Name: "bank-account", Aliases: []string{"b"}, Usage: "Bank account ID (required for ACH)"},
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "Idempotency key"},
			&cli.StringFlag{Name: "description", Usage: "Free-form description"},
		}, awaitFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: user ID, offering ID and amount")
			}
			amount, err := parseDollars(c.Args().Get(2))
			if err != nil {
				return err
			}
			req := client.TransactionRequest{
				IdempotencyKey: idempotencyKey(c),
				Type:           domain.TypeInvestment,
				PaymentMethod:  domain.PaymentMethod(strings.ToUpper(c.String("method"))),
				Amount:         amount,
				FromUserID:     c.Args().Get(0),
				BankAccountID:  c.String("bank-account"),
				OfferingID:     c.Args().Get(1),
				Description:    c.String("description"),
			}

			cl := newAPIClient(c)
			t, err := cl.CreateInvestment(c.Context, req.FromUserID, req)
			if err != nil {
				return reportRejection(c, err)
			}
			return finish(c, cl, t)
		},
	}
}

func payoutCommand() *cli.Command {
	return &cli.Command{
		Name:      "payout",
		Usage:     "Create a distribution, refund, fee or transfer out of escrow",
		ArgsUsage: "<user-id> <offering-id> <dollars>",
		Flags: append([]cli.Flag{
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: string(domain.TypeDistribution), Usage: "DISTRIBUTION, REFUND, FEE or TRANSFER"},
			&cli.StringFlag{Name: "method", Aliases: []string{"m"}, Value: string(domain.MethodWire), Usage: "Payment method (ACH, WIRE, CHECK, INTERNAL)"},
			&cli.StringFlag{Name: "bank-account", Aliases: []string{"b"}, Usage: "Bank account ID"},
			&cli.StringFlag{Name: "fee", Usage: "Fee withheld, in dollars"},
			&cli.StringFlag{Name: "key", Aliases: []string{"k"}, Usage: "Idempotency key"},
			&cli.StringFlag{Name: "description", Usage: "Free-form description"},
		}, awaitFlags()...),
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: user ID, offering ID and amount")
			}
			txType := domain.TransactionType(strings.ToUpper(c.String("type")))
			if !txType.Valid() || txType == domain.TypeInvestment {
				return fmt.Errorf("type must be DISTRIBUTION, REFUND, FEE or TRANSFER")
			}
			amount, err := parseDollars(c.Args().Get(2))
			if err != nil {
				return err
			}
			var fee int64
			if s := c.String("fee"); s != "" {
				if fee, err = parseDollars(s); err != nil {
					return err
				}
			}
			req := client.TransactionRequest{
				IdempotencyKey: idempotencyKey(c),
				Type:           txType,
				PaymentMethod:  domain.PaymentMethod(strings.ToUpper(c.String("method"))),
				Amount:         amount,
				FeeAmount:      fee,
				ToUserID:       c.Args().Get(0),
				BankAccountID:  c.String("bank-account"),
				OfferingID:     c.Args().Get(1),
				Description:    c.String("description"),
			}

			cl := newAPIClient(c)
			t, err := cl.CreateTransaction(c.Context, req)
			if err != nil {
				return reportRejection(c, err)
			}
			return finish(c, cl, t)
		},
	}
}

func getTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a transaction",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			t, err := newAPIClient(c).GetTransaction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			return printTransaction(c, t)
		},
	}
}

func cancelTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a transaction that has not been dispatched",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			t, err := newAPIClient(c).CancelTransaction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to cancel transaction: %w", err)
			}
			return printTransaction(c, t)
		},
	}
}

func listOptions(c *cli.Context) client.ListOptions {
	return client.ListOptions{
		UserID:     c.String("user"),
		OfferingID: c.String("offering"),
		Status:     domain.Status(strings.ToUpper(c.String("status"))),
		Type:       domain.TransactionType(strings.ToUpper(c.String("type"))),
		Limit:      c.Int("limit"),
		Offset:     c.Int("offset"),
	}
}

func filterFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Filter by investor user ID"},
		&cli.StringFlag{Name: "offering", Aliases: []string{"o"}, Usage: "Filter by offering ID"},
		&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status"},
		&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by type"},
		&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Limit number of transactions"},
		&cli.IntFlag{Name: "offset", Usage: "Skip this many transactions"},
	}
}

func listTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List transactions",
		Aliases: []string{"ls"},
		Flags:   filterFlags(),
		Action: func(c *cli.Context) error {
			txns, err := newAPIClient(c).ListTransactions(c.Context, listOptions(c))
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			return printTransactions(c, txns)
		},
	}
}

func summaryCommand() *cli.Command {
	return &cli.Command{
		Name:  "summary",
		Usage: "Aggregate transactions by status and type",
		Flags: filterFlags(),
		Action: func(c *cli.Context) error {
			s, err := newAPIClient(c).Summary(c.Context, listOptions(c))
			if err != nil {
				return fmt.Errorf("failed to get summary: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, s)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "Transactions:   %d\n", s.Count)
			fmt.Fprintf(w, "Invested:       %s\n", formatCents(s.TotalInvested))
			fmt.Fprintf(w, "Pending:        %s\n", formatCents(s.TotalPending))
			fmt.Fprintf(w, "Distributed:    %s\n", formatCents(s.TotalDistributed))
			fmt.Fprintf(w, "Refunded:       %s\n", formatCents(s.TotalRefunded))
			fmt.Fprintf(w, "Needs Review:   %d\n", s.NeedsReview)
			tw := newTable(w)
			fmt.Fprintln(tw, "\nSTATUS\tCOUNT\tAMOUNT")
			for _, st := range []domain.Status{domain.StatusPending, domain.StatusProcessing, domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled} {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", st, s.CountByStatus[st], formatCents(s.AmountByStatus[st]))
			}
			return tw.Flush()
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a transaction completes, fails or is cancelled",
		ArgsUsage: "<transaction-id>",
		Flags:     awaitFlags()[1:],
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			t, err := await(c, newAPIClient(c), c.Args().First())
			if err != nil {
				return err
			}
			return printTransaction(c, t)
		},
	}
}

// awaitFlags are shared by await and the create commands. The first flag
// only makes sense on create.
func awaitFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "await", Usage: "Block until the transaction settles"},
		&cli.DurationFlag{Name: "timeout", Value: 10 * time.Minute, Usage: "How long to wait for the transaction to settle"},
		&cli.DurationFlag{Name: "poll", Value: client.DefaultPollInterval, Usage: "Polling interval when no stream event arrives"},
	}
}

func await(c *cli.Context, cl *client.Client, id string) (*domain.Transaction, error) {
	ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
	defer cancel()
	if !wantJSON(c) {
		fmt.Fprintf(os.Stderr, "Waiting for %s to settle (timeout %v)...\n", id, c.Duration("timeout"))
	}
	t, err := cl.AwaitTerminal(ctx, id, c.Duration("poll"))
	if err != nil {
		return nil, fmt.Errorf("failed to await transaction: %w", err)
	}
	return t, nil
}

// finish prints a freshly created transaction, waiting for it first when
// --await is set.
func finish(c *cli.Context, cl *client.Client, t *domain.Transaction) error {
	if c.Bool("await") && !t.Status.Terminal() {
		var err error
		if t, err = await(c, cl, t.ID); err != nil {
			return err
		}
	}
	return printTransaction(c, t)
}

// reportRejection prints the FAILED transaction and check trail the server
// returns with a compliance or provider rejection, then returns the error.
func reportRejection(c *cli.Context, err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) || apiErr.Transaction == nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	if wantJSON(c) {
		if jerr := outputJSON(c, apiErr); jerr != nil {
			return jerr
		}
	} else {
		writeTransaction(c.App.Writer, apiErr.Transaction)
		for _, check := range apiErr.Checks {
			fmt.Fprintf(c.App.Writer, "  %-16s %-8s %s\n", check.Name, check.Outcome, check.Detail)
		}
	}
	return fmt.Errorf("transaction rejected: %w", err)
}

func idempotencyKey(c *cli.Context) string {
	if k := c.String("key"); k != "" {
		return k
	}
	return uuid.NewString()
}

func printTransaction(c *cli.Context, t *domain.Transaction) error {
	if wantJSON(c) {
		return outputJSON(c, t)
	}
	writeTransaction(c.App.Writer, t)
	return nil
}

func printTransactions(c *cli.Context, txns []*domain.Transaction) error {
	if wantJSON(c) {
		if txns == nil {
			txns = []*domain.Transaction{}
		}
		return outputJSON(c, txns)
	}
	w := newTable(c.App.Writer)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tMETHOD\tAMOUNT\tOFFERING\tINVESTOR\tINITIATED")
	for _, t := range txns {
		status := string(t.Status)
		if t.NeedsReview {
			status += " (review)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Type, status, t.PaymentMethod, formatCents(t.Amount),
			t.OfferingID, t.InvestorID(), t.InitiatedAt.Format(time.RFC3339),
		)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\nTotal: %d transactions\n", len(txns))
	return nil
}

func writeTransaction(w io.Writer, t *domain.Transaction) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Transaction:  %s\n", t.ID)
	fmt.Fprintf(w, "Type:         %s\n", t.Type)
	fmt.Fprintf(w, "Status:       %s\n", t.Status)
	fmt.Fprintf(w, "Method:       %s\n", t.PaymentMethod)
	fmt.Fprintf(w, "Amount:       %s (fee %s, net %s)\n", formatCents(t.Amount), formatCents(t.FeeAmount), formatCents(t.NetAmount))
	fmt.Fprintf(w, "Offering:     %s\n", t.OfferingID)
	fmt.Fprintf(w, "Investor:     %s\n", t.InvestorID())
	if t.Provider != "" {
		fmt.Fprintf(w, "Provider:     %s %s\n", t.Provider, t.ProviderReference)
	}
	if t.ComplianceReason != "" {
		fmt.Fprintf(w, "Compliance:   %s\n", t.ComplianceReason)
	}
	if t.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:        %s\n", t.ErrorMessage)
	}
	if t.NeedsReview {
		fmt.Fprintf(w, "Needs Review: true\n")
	}
	fmt.Fprintf(w, "Initiated:    %s\n", t.InitiatedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Updated:      %s\n", t.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}

func healthCommand() *cli.Command {
	return &cli.Command{
		Name:  "health",
		Usage: "Check server health",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 5 * time.Second,
			},
		},
		Action: func(c *cli.Context) error {
			serverURL := c.String("server-url")
			if serverURL == "" {
				return fmt.Errorf("server-url is required (set SERVER_URL env var or use --server-url)")
			}

			httpClient := &http.Client{
				Timeout: c.Duration("timeout"),
			}

			resp, err := httpClient.Get(serverURL + "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode == http.StatusOK {
				fmt.Fprintf(c.App.Writer, "✓ Server is healthy (status: %d)\n", resp.StatusCode)
				fmt.Fprintf(c.App.Writer, "  URL: %s\n", serverURL)
				return nil
			}

			return fmt.Errorf("server returned unhealthy status: %d", resp.StatusCode)
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "escrowctl\n")
			fmt.Fprintf(c.App.Writer, "  Version: %s\n", version)
			fmt.Fprintf(c.App.Writer, "  Commit:  %s\n", commit)
			fmt.Fprintf(c.App.Writer, "  Built:   %s\n", date)
			return nil
		},
	}
}
