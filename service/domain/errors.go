package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrReservationNotFound is returned when settle or release has nothing to act on.
	ErrReservationNotFound = errors.New("reservation not found")
	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = errors.New("duplicate")
	// ErrConflict is returned when a conditional update lost a race.
	ErrConflict = errors.New("conflicting update")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// Invalid builds a ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ComplianceError is a rule rejection with the full check breakdown.
type ComplianceError struct {
	Reason Reason
	Checks []CheckResult
}

func (e *ComplianceError) Error() string {
	for _, c := range e.Checks {
		if c.Outcome == OutcomeFailed {
			return fmt.Sprintf("compliance rejected: %s (%s)", e.Reason, c.Detail)
		}
	}
	return fmt.Sprintf("compliance rejected: %s", e.Reason)
}

// LedgerConsistencyError is an escrow invariant violation. It always
// indicates a defect and the offending mutation is rolled back.
type LedgerConsistencyError struct {
	AccountID string
	Op        LedgerOp
	Invariant string
	Detail    string
}

func (e *LedgerConsistencyError) Error() string {
	return fmt.Sprintf("ledger consistency violation on %s during %s: %s (%s)", e.AccountID, e.Op, e.Invariant, e.Detail)
}

// ProviderError is an upstream payment-rail failure.
type ProviderError struct {
	Provider   Provider
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "provider %s %s failed", strings.ToLower(string(e.Provider)), e.Op)
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ProviderError) Unwrap() error { return e.Err }

// SignatureVerificationError rejects an untrusted webhook.
type SignatureVerificationError struct {
	Provider Provider
	Reason   string
}

func (e *SignatureVerificationError) Error() string {
	return fmt.Sprintf("%s webhook signature verification failed: %s", strings.ToLower(string(e.Provider)), e.Reason)
}

// InvalidStateTransitionError is returned for transitions the lifecycle forbids.
type InvalidStateTransitionError struct {
	TransactionID string
	From          Status
	Event         string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("transaction %s: cannot apply %s in state %s", e.TransactionID, e.Event, e.From)
}
