package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/brojonat/escrowd/client"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

// wantJSON reports whether the command should print machine-readable output.
func wantJSON(c *cli.Context) bool {
	return c.Bool("json") || c.String("jq") != ""
}

// outputJSON writes v as indented JSON, or the results of --jq applied to it.
func outputJSON(c *cli.Context, v interface{}) error {
	w := c.App.Writer
	if expr := c.String("jq"); expr != "" {
		code, err := compileJQ(expr)
		if err != nil {
			return err
		}
		return runJQ(code, v, w)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func compileJQ(expr string) (*gojq.Code, error) {
	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
	}
	return code, nil
}

// runJQ evaluates code against v and prints every result, one JSON value per
// line. gojq only understands plain maps and slices, so v is round-tripped
// through encoding/json first.
func runJQ(code *gojq.Code, v interface{}, w io.Writer) error {
	input, err := toGeneric(v)
	if err != nil {
		return err
	}
	iter := code.Run(input)
	for {
		out, ok := iter.Next()
		if !ok {
			return nil
		}
		if err, isErr := out.(error); isErr {
			return fmt.Errorf("jq: %w", err)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(w, string(data))
	}
}

// matchesJQ reports whether code yields a truthy first result for v.
func matchesJQ(code *gojq.Code, v interface{}) bool {
	input, err := toGeneric(v)
	if err != nil {
		return false
	}
	out, ok := code.Run(input).Next()
	if !ok {
		return false
	}
	if _, isErr := out.(error); isErr {
		return false
	}
	return isTruthy(out)
}

func toGeneric(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("failed to decode output: %w", err)
	}
	return generic, nil
}

// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

// parseDollars converts a dollar amount such as "50000", "2,200.50" or
// "$12.5" to cents. Fractions of a cent are rejected rather than rounded.
func parseDollars(s string) (int64, error) {
	clean := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(s), "$"), ",", "")
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return 0, fmt.Errorf("invalid amount %q: more than two decimal places", s)
	}
	if !cents.IsPositive() {
		return 0, fmt.Errorf("invalid amount %q: must be positive", s)
	}
	return cents.IntPart(), nil
}

// formatCents renders minor units as dollars.
func formatCents(cents int64) string {
	return "$" + decimal.New(cents, -2).StringFixed(2)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

// newAPIClient builds an HTTP client for --server-url. Only errors are
// logged so stdout stays clean for piping.
func newAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}
