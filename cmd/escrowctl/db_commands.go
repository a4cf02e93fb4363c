package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/brojonat/escrowd/service/db"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func dbCommands() *cli.Command {
	return &cli.Command{
		Name:  "db",
		Usage: "Database administration and inspection commands",
		Subcommands: []*cli.Command{
			migrateCommand(),
			{
				Name:  "txns",
				Usage: "Inspect transactions directly in the database",
				Subcommands: []*cli.Command{
					dbListTransactionsCommand(),
					dbGetTransactionCommand(),
				},
			},
			{
				Name:  "limits",
				Usage: "Manage regulatory transaction limits",
				Subcommands: []*cli.Command{
					setLimitCommand(),
					listLimitsCommand(),
				},
			},
			{
				Name:  "investors",
				Usage: "Manage mirrored investor profiles",
				Subcommands: []*cli.Command{
					upsertInvestorCommand(),
					getInvestorCommand(),
				},
			},
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the embedded schema (safe to run repeatedly)",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "✓ Schema applied")
			return nil
		},
	}
}

func dbListTransactionsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List transactions",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "Filter by investor user ID"},
			&cli.StringFlag{Name: "offering", Aliases: []string{"o"}, Usage: "Filter by offering ID"},
			&cli.StringFlag{Name: "status", Aliases: []string{"s"}, Usage: "Filter by status (PENDING, PROCESSING, COMPLETED, FAILED, CANCELLED)"},
			&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Usage: "Filter by type (INVESTMENT, DISTRIBUTION, REFUND, FEE, TRANSFER)"},
			&cli.IntFlag{Name: "limit", Aliases: []string{"n"}, Usage: "Limit number of transactions", Value: 50},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			txns, err := store.ListTransactions(c.Context, domain.TransactionFilter{
				UserID:     c.String("user"),
				OfferingID: c.String("offering"),
				Status:     domain.Status(strings.ToUpper(c.String("status"))),
				Type:       domain.TransactionType(strings.ToUpper(c.String("type"))),
				Limit:      int32(c.Int("limit")),
			})
			if err != nil {
				return fmt.Errorf("failed to list transactions: %w", err)
			}
			return printTransactions(c, txns)
		},
	}
}

func dbGetTransactionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Get a transaction by ID",
		ArgsUsage: "<transaction-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: transaction ID")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			t, err := store.GetTransaction(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get transaction: %w", err)
			}
			return printTransaction(c, t)
		},
	}
}

func setLimitCommand() *cli.Command {
	return &cli.Command{
		Name:      "set",
		Usage:     "Create or update a limit row",
		ArgsUsage: "<limit-type> <dollars>",
		Description: `Limit types: DAILY_DEPOSIT, MONTHLY_DEPOSIT, ANNUAL_INVESTMENT,
NON_ACCREDITED_INVESTOR, ACCREDITED_INVESTOR, PER_TRANSACTION.

Example:
  escrowctl db limits set PER_TRANSACTION 250000`,
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: limit type and amount")
			}
			lt := domain.LimitType(strings.ToUpper(c.Args().Get(0)))
			if !lt.Valid() {
				return fmt.Errorf("unknown limit type %q", c.Args().Get(0))
			}
			amount, err := parseDollars(c.Args().Get(1))
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			limit := domain.TransactionLimit{LimitType: lt, Amount: amount, Currency: "USD"}
			if err := store.UpsertTransactionLimit(c.Context, limit); err != nil {
				return fmt.Errorf("failed to set limit: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, limit)
			}
			fmt.Fprintf(c.App.Writer, "✓ %s = %s\n", lt, formatCents(amount))
			return nil
		},
	}
}

func listLimitsCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Usage:   "List configured limits",
		Aliases: []string{"ls"},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			limits, err := store.ListTransactionLimits(c.Context)
			if err != nil {
				return fmt.Errorf("failed to list limits: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, limits)
			}

			w := newTable(c.App.Writer)
			fmt.Fprintln(w, "TYPE\tAMOUNT\tCURRENCY")
			for _, l := range limits {
				fmt.Fprintf(w, "%s\t%s\t%s\n", l.LimitType, formatCents(l.Amount), l.Currency)
			}
			return w.Flush()
		},
	}
}

func upsertInvestorCommand() *cli.Command {
	return &cli.Command{
		Name:      "upsert",
		Usage:     "Create or update an investor profile",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "name", Usage: "Legal name", Required: true},
			&cli.StringFlag{Name: "country", Usage: "ISO country code", Value: "US"},
			&cli.StringFlag{Name: "kyc", Usage: "KYC status (PENDING, VERIFIED, REJECTED)", Value: string(domain.KYCPending)},
			&cli.BoolFlag{Name: "accredited", Usage: "Investor is accredited"},
			&cli.StringFlag{Name: "income", Usage: "Annual income in dollars", Value: "0"},
			&cli.StringFlag{Name: "net-worth", Usage: "Net worth in dollars", Value: "0"},
			&cli.BoolFlag{Name: "sanctioned", Usage: "Flag the investor as a sanctions match"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user ID")
			}
			inv, err := investorFromFlags(c, c.Args().First())
			if err != nil {
				return err
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.UpsertInvestor(c.Context, inv); err != nil {
				return fmt.Errorf("failed to upsert investor: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, inv)
			}
			fmt.Fprintf(c.App.Writer, "✓ Investor %s saved (KYC %s, accredited %v)\n", inv.UserID, inv.KYCStatus, inv.Accredited)
			return nil
		},
	}
}

// investorFromFlags validates the upsert flags. Zero income and net worth
// are allowed; the compliance floor still applies.
func investorFromFlags(c *cli.Context, userID string) (*domain.Investor, error) {
	kyc := domain.KYCStatus(strings.ToUpper(c.String("kyc")))
	switch kyc {
	case domain.KYCPending, domain.KYCVerified, domain.KYCRejected:
	default:
		return nil, fmt.Errorf("unknown KYC status %q", c.String("kyc"))
	}
	money := func(flag string) (int64, error) {
		v := c.String(flag)
		if v == "" || v == "0" {
			return 0, nil
		}
		return parseDollars(v)
	}
	income, err := money("income")
	if err != nil {
		return nil, err
	}
	netWorth, err := money("net-worth")
	if err != nil {
		return nil, err
	}
	return &domain.Investor{
		UserID:        userID,
		LegalName:     c.String("name"),
		Country:       strings.ToUpper(c.String("country")),
		KYCStatus:     kyc,
		Accredited:    c.Bool("accredited"),
		AnnualIncome:  income,
		NetWorth:      netWorth,
		SanctionsFlag: c.Bool("sanctioned"),
	}, nil
}

func getInvestorCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show an investor profile",
		ArgsUsage: "<user-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user ID")
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			inv, err := store.GetInvestor(c.Context, c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get investor: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, inv)
			}
			w := c.App.Writer
			fmt.Fprintf(w, "User ID:     %s\n", inv.UserID)
			fmt.Fprintf(w, "Legal Name:  %s\n", inv.LegalName)
			fmt.Fprintf(w, "Country:     %s\n", inv.Country)
			fmt.Fprintf(w, "KYC:         %s\n", inv.KYCStatus)
			fmt.Fprintf(w, "Accredited:  %v\n", inv.Accredited)
			fmt.Fprintf(w, "Income:      %s\n", formatCents(inv.AnnualIncome))
			fmt.Fprintf(w, "Net Worth:   %s\n", formatCents(inv.NetWorth))
			fmt.Fprintf(w, "Sanctioned:  %v\n", inv.SanctionsFlag)
			fmt.Fprintf(w, "Updated:     %s\n", inv.UpdatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool), pool.Close, nil
}
