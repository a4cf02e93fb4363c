package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/brojonat/escrowd/client"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/urfave/cli/v2"
)

func escrowCommands() *cli.Command {
	return &cli.Command{
		Name:  "escrow",
		Usage: "Escrow account commands (via the HTTP API)",
		Subcommands: []*cli.Command{
			openAccountCommand(),
			getAccountCommand(),
			listAccountsCommand(),
			holdCommand("hold", "Place a hold on available funds", (*client.Client).Hold),
			holdCommand("unhold", "Release a hold back to available funds", (*client.Client).Unhold),
			accountStatusCommand("suspend", "Suspend an account; new transactions are refused", (*client.Client).Suspend),
			accountStatusCommand("activate", "Reactivate a suspended account", (*client.Client).Activate),
			entriesCommand(),
		},
	}
}

func openAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "open",
		Usage:     "Open the escrow account for an offering",
		ArgsUsage: "<offering-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Usage: "Regulation mode (REG_D_506B, REG_D_506C, REG_CF, REG_A)",
				Value: string(domain.RegD506B),
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: offering ID")
			}
			mode := domain.RegulationMode(strings.ToUpper(c.String("mode")))
			if !mode.Valid() {
				return fmt.Errorf("unknown regulation mode %q", c.String("mode"))
			}
			acct, err := newAPIClient(c).OpenAccount(c.Context, c.Args().First(), mode)
			if err != nil {
				return fmt.Errorf("failed to open account: %w", err)
			}
			return printAccount(c, acct)
		},
	}
}

func getAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an offering's escrow account balances",
		ArgsUsage: "<offering-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: offering ID")
			}
			acct, err := newAPIClient(c).GetAccount(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get account: %w", err)
			}
			return printAccount(c, acct)
		},
	}
}

func listAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List escrow accounts",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			accounts, err := newAPIClient(c).ListAccounts(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list accounts: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, accounts)
			}
			w := newTable(c.App.Writer)
			fmt.Fprintln(w, "OFFERING\tMODE\tSTATUS\tCURRENT\tAVAILABLE\tPENDING\tHELD")
			for _, a := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					a.OfferingID, a.RegulationMode, a.Status,
					formatCents(a.CurrentBalance), formatCents(a.AvailableBalance),
					formatCents(a.PendingBalance), formatCents(a.HeldBalance),
				)
			}
			return w.Flush()
		},
	}
}

type holdFunc func(c *client.Client, ctx context.Context, offeringID string, amount int64, reason string) (*domain.EscrowAccount, error)

func holdCommand(name, usage string, fn holdFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<offering-id> <dollars>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "reason", Aliases: []string{"r"}, Usage: "Reason recorded in the ledger journal", Required: true},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: offering ID and amount")
			}
			amount, err := parseDollars(c.Args().Get(1))
			if err != nil {
				return err
			}
			acct, err := fn(newAPIClient(c), c.Context, c.Args().First(), amount, c.String("reason"))
			if err != nil {
				return fmt.Errorf("failed to %s funds: %w", name, err)
			}
			return printAccount(c, acct)
		},
	}
}

type statusFunc func(c *client.Client, ctx context.Context, offeringID string) (*domain.EscrowAccount, error)

func accountStatusCommand(name, usage string, fn statusFunc) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     usage,
		ArgsUsage: "<offering-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: offering ID")
			}
			acct, err := fn(newAPIClient(c), c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to %s account: %w", name, err)
			}
			return printAccount(c, acct)
		},
	}
}

func entriesCommand() *cli.Command {
	return &cli.Command{
		Name:      "entries",
		Usage:     "Show the ledger journal for an offering, newest first",
		ArgsUsage: "<offering-id>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Limit number of entries", Value: 100},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: offering ID")
			}
			entries, err := newAPIClient(c).Entries(c.Context, c.Args().First(), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list entries: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, entries)
			}
			w := newTable(c.App.Writer)
			fmt.Fprintln(w, "TIME\tOP\tAMOUNT\tTRANSACTION\tCURRENT\tAVAILABLE\tPENDING\tHELD\tREASON")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					e.CreatedAt.Format(time.RFC3339), e.Op, formatCents(e.Amount), orDash(e.TransactionID),
					formatCents(e.CurrentBalance), formatCents(e.AvailableBalance),
					formatCents(e.PendingBalance), formatCents(e.HeldBalance), e.Reason,
				)
			}
			return w.Flush()
		},
	}
}

func printAccount(c *cli.Context, a *domain.EscrowAccount) error {
	if wantJSON(c) {
		return outputJSON(c, a)
	}
	writeAccount(c.App.Writer, a)
	return nil
}

func writeAccount(w io.Writer, a *domain.EscrowAccount) {
	fmt.Fprintf(w, "Offering:        %s\n", a.OfferingID)
	fmt.Fprintf(w, "Account ID:      %s\n", a.ID)
	fmt.Fprintf(w, "Regulation:      %s\n", a.RegulationMode)
	fmt.Fprintf(w, "Status:          %s\n", a.Status)
	fmt.Fprintf(w, "Current:         %s\n", formatCents(a.CurrentBalance))
	fmt.Fprintf(w, "  Available:     %s\n", formatCents(a.AvailableBalance))
	fmt.Fprintf(w, "  Pending:       %s (outbound %s)\n", formatCents(a.PendingBalance), formatCents(a.PendingOutbound))
	fmt.Fprintf(w, "  Held:          %s\n", formatCents(a.HeldBalance))
	fmt.Fprintf(w, "Deposits:        %s\n", formatCents(a.TotalDeposits))
	fmt.Fprintf(w, "Withdrawals:     %s\n", formatCents(a.TotalWithdrawals))
	fmt.Fprintf(w, "Distributions:   %s\n", formatCents(a.TotalDistributions))
	fmt.Fprintf(w, "Version:         %d\n", a.Version)
	fmt.Fprintf(w, "Updated:         %s\n", a.UpdatedAt.Format(time.RFC3339))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
