package main

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/vault"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
)

func bankAccountCommands() *cli.Command {
	return &cli.Command{
		Name:  "bank-accounts",
		Usage: "Register and look up investor bank accounts",
		Subcommands: []*cli.Command{
			addBankAccountCommand(),
			findBankAccountsCommand(),
		},
	}
}

func addBankAccountCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Usage:     "Register a bank account; numbers are encrypted before storage",
		ArgsUsage: "<user-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "holder", Usage: "Account holder name", Required: true},
			&cli.StringFlag{Name: "routing", Usage: "9-digit ABA routing number", Required: true},
			&cli.StringFlag{Name: "account", Usage: "Account number", Required: true},
			&cli.StringFlag{Name: "status", Usage: "Verification status (PENDING, VERIFIED, FAILED)", Value: string(domain.VerificationPending)},
			&cli.StringFlag{Name: "plaid-item", Usage: "Plaid item ID"},
			&cli.StringFlag{Name: "plaid-account", Usage: "Plaid account ID"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user ID")
			}
			v, err := getVault(c)
			if err != nil {
				return err
			}
			b, err := newBankAccount(v, c.Args().First(), c.String("holder"), c.String("routing"), c.String("account"),
				domain.VerificationStatus(strings.ToUpper(c.String("status"))))
			if err != nil {
				return err
			}
			b.PlaidItemID = c.String("plaid-item")
			b.PlaidAccountID = c.String("plaid-account")

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.CreateBankAccount(c.Context, b); err != nil {
				return fmt.Errorf("failed to create bank account: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, b)
			}
			fmt.Fprintf(c.App.Writer, "✓ Bank account %s (****%s) registered for %s\n", b.ID, b.AccountLast4, b.UserID)
			return nil
		},
	}
}

// newBankAccount validates and encrypts the account details. Only the last
// four digits and the keyed routing hash are stored in the clear.
func newBankAccount(v *vault.Vault, userID, holder, routing, account string, status domain.VerificationStatus) (*domain.BankAccount, error) {
	if !allDigits(routing) || len(routing) != 9 {
		return nil, fmt.Errorf("routing number must be 9 digits")
	}
	if !allDigits(account) || len(account) < 4 || len(account) > 17 {
		return nil, fmt.Errorf("account number must be 4 to 17 digits")
	}
	switch status {
	case domain.VerificationPending, domain.VerificationVerified, domain.VerificationFailed:
	default:
		return nil, fmt.Errorf("unknown verification status %q", status)
	}

	accountEnc, err := v.Encrypt(account)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt account number: %w", err)
	}
	routingEnc, err := v.Encrypt(routing)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt routing number: %w", err)
	}
	return &domain.BankAccount{
		ID:                 uuid.NewString(),
		UserID:             userID,
		HolderName:         holder,
		AccountNumberEnc:   accountEnc,
		RoutingNumberEnc:   routingEnc,
		RoutingNumberHash:  v.Hash(routing),
		AccountLast4:       account[len(account)-4:],
		VerificationStatus: status,
	}, nil
}

func findBankAccountsCommand() *cli.Command {
	return &cli.Command{
		Name:      "find",
		Usage:     "Find bank accounts by routing number without decrypting stored data",
		ArgsUsage: "<routing-number>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: routing number")
			}
			v, err := getVault(c)
			if err != nil {
				return err
			}
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			accounts, err := store.FindBankAccountsByRoutingHash(c.Context, v.Hash(c.Args().First()))
			if err != nil {
				return fmt.Errorf("failed to find bank accounts: %w", err)
			}
			if wantJSON(c) {
				return outputJSON(c, accounts)
			}

			w := newTable(c.App.Writer)
			fmt.Fprintln(w, "ID\tUSER\tHOLDER\tLAST4\tSTATUS")
			for _, b := range accounts {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", b.ID, b.UserID, b.HolderName, b.AccountLast4, b.VerificationStatus)
			}
			return w.Flush()
		},
	}
}

func getVault(c *cli.Context) (*vault.Vault, error) {
	key := c.String("encryption-key")
	if key == "" {
		return nil, fmt.Errorf("encryption-key is required (set ENCRYPTION_KEY env var or use --encryption-key)")
	}
	return vault.NewFromHex(key)
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
