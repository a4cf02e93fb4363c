// Package compliance decides whether an investor may move a given amount.
// Rules run in a fixed priority order and the first failure wins.
package compliance

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/brojonat/escrowd/service/audit"
	"github.com/brojonat/escrowd/service/domain"
	"github.com/brojonat/escrowd/service/metrics"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Request carries everything a decision depends on. Totals are in cents and
// count transactions that are pending, processing or completed. Investment
// limits apply to inflows only; payouts are screened for sanctions and KYC.
type Request struct {
	Investor           *domain.Investor
	Type               domain.TransactionType
	Amount             int64
	Trailing12Months   int64
	DepositedToday     int64
	DepositedThisMonth int64
	RegulationMode     domain.RegulationMode
	Limits             domain.Limits

	// Audit context.
	TransactionID  string
	IdempotencyKey string
	OfferingID     string
}

// Decision is the outcome of an evaluation.
type Decision struct {
	Approved    bool                 `json:"approved"`
	Reason      domain.Reason        `json:"reason,omitempty"`
	Checks      []domain.CheckResult `json:"checks"`
	EvaluatedAt time.Time            `json:"evaluated_at"`
	AuditID     string               `json:"audit_id"`
}

// Err returns the rejection as a *domain.ComplianceError, or nil when approved.
func (d Decision) Err() error {
	if d.Approved {
		return nil
	}
	return &domain.ComplianceError{Reason: d.Reason, Checks: d.Checks}
}

// Gate evaluates compliance rules and records every decision.
type Gate struct {
	sanctions *SanctionsList
	sink      audit.Sink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New creates a Gate. A nil sanctions list screens only the investor's own flag.
func New(sanctions *SanctionsList, sink audit.Sink, logger *slog.Logger, opts ...Option) *Gate {
	if sanctions == nil {
		sanctions = NewSanctionsList(nil, nil, nil)
	}
	g := &Gate{
		sanctions: sanctions,
		sink:      sink,
		logger:    logger.With("component", "compliance"),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the rules and writes an audit record. A failed audit write
// is logged and counted but never changes the decision.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	d := evaluate(g.sanctions, req)
	d.EvaluatedAt = g.now().UTC()
	d.AuditID = uuid.NewString()

	g.metrics.RecordComplianceDecision(d.Approved, string(d.Reason))

	rec := audit.Record{
		ID:             d.AuditID,
		TransactionID:  req.TransactionID,
		IdempotencyKey: req.IdempotencyKey,
		OfferingID:     req.OfferingID,
		RegulationMode: req.RegulationMode,
		Amount:         req.Amount,
		Approved:       d.Approved,
		Reason:         d.Reason,
		Checks:         d.Checks,
		EvaluatedAt:    d.EvaluatedAt,
	}
	if req.Investor != nil {
		rec.UserID = req.Investor.UserID
	}
	if g.sink != nil {
		if err := g.sink.Write(ctx, rec); err != nil {
			g.metrics.RecordAuditFailure(g.sink.Name())
			g.logger.ErrorContext(ctx, "failed to write compliance audit record",
				"audit_id", rec.ID, "transaction_id", req.TransactionID, "error", err)
		}
	}

	if !d.Approved {
		g.logger.InfoContext(ctx, "compliance rejected",
			"user_id", rec.UserID, "transaction_id", req.TransactionID, "reason", d.Reason, "amount", req.Amount)
	}
	return d
}

type rule func(s *SanctionsList, req Request) domain.CheckResult

var rules = map[domain.CheckName]rule{
	domain.CheckSanctions:      checkSanctions,
	domain.CheckKYC:            checkKYC,
	domain.CheckPerTransaction: checkPerTransaction,
	domain.CheckAnnual:         checkAnnual,
	domain.CheckVelocity:       checkVelocity,
}

// evaluate applies the rules in domain.CheckOrder. It performs no I/O.
func evaluate(s *SanctionsList, req Request) Decision {
	d := Decision{Approved: true, Checks: make([]domain.CheckResult, 0, len(domain.CheckOrder))}
	if req.Investor == nil {
		req.Investor = &domain.Investor{}
	}
	for _, name := range domain.CheckOrder {
		if !d.Approved {
			d.Checks = append(d.Checks, domain.CheckResult{Name: name, Outcome: domain.OutcomeSkipped})
			continue
		}
		res := rules[name](s, req)
		res.Name = name
		if res.Outcome == domain.OutcomeFailed {
			d.Approved = false
			d.Reason = res.Reason
		}
		d.Checks = append(d.Checks, res)
	}
	return d
}

func passed(detail string) domain.CheckResult {
	return domain.CheckResult{Outcome: domain.OutcomePassed, Detail: detail}
}

func failed(reason domain.Reason, limit, used int64, format string, args ...any) domain.CheckResult {
	return domain.CheckResult{
		Outcome: domain.OutcomeFailed,
		Reason:  reason,
		Limit:   limit,
		Used:    used,
		Detail:  fmt.Sprintf(format, args...),
	}
}

func checkSanctions(s *SanctionsList, req Request) domain.CheckResult {
	if req.Investor.SanctionsFlag {
		return failed(domain.ReasonSanctionsHit, 0, 0, "investor flagged by screening provider")
	}
	if hit, field := s.Match(req.Investor); hit {
		return failed(domain.ReasonSanctionsHit, 0, 0, "investor %s is on the sanctions list", field)
	}
	return passed("")
}

func checkKYC(_ *SanctionsList, req Request) domain.CheckResult {
	if req.Investor.KYCStatus != domain.KYCVerified {
		status := req.Investor.KYCStatus
		if status == "" {
			status = "MISSING"
		}
		return failed(domain.ReasonKYCRequired, 0, 0, "kyc status is %s", status)
	}
	return passed("")
}

func outflow(req Request) bool {
	return req.Type != "" && req.Type.Direction() == domain.DirectionOut
}

// checkPerTransaction caps every transaction, inflow or outflow.
func checkPerTransaction(_ *SanctionsList, req Request) domain.CheckResult {
	limit, ok := req.Limits.Get(domain.LimitPerTransaction)
	if !ok {
		return passed("no per-transaction limit configured")
	}
	if req.Amount > limit {
		return failed(domain.ReasonLimitExceeded, limit, req.Amount, "amount %d exceeds per-transaction limit %d", req.Amount, limit)
	}
	return domain.CheckResult{Outcome: domain.OutcomePassed, Limit: limit, Used: req.Amount}
}

func checkAnnual(_ *SanctionsList, req Request) domain.CheckResult {
	if outflow(req) {
		return passed("limits apply to investments only")
	}
	limit, limited, why := AnnualCap(req.Investor, req.RegulationMode, req.Limits)
	if !limited {
		return passed(why)
	}
	used := req.Trailing12Months + req.Amount
	if used > limit {
		return failed(domain.ReasonLimitExceeded, limit, used,
			"trailing 12 month total %d plus amount %d exceeds annual cap %d (%s)", req.Trailing12Months, req.Amount, limit, why)
	}
	return domain.CheckResult{Outcome: domain.OutcomePassed, Limit: limit, Used: used, Detail: why}
}

func checkVelocity(_ *SanctionsList, req Request) domain.CheckResult {
	if outflow(req) {
		return passed("limits apply to investments only")
	}
	if limit, ok := req.Limits.Get(domain.LimitDailyDeposit); ok {
		if used := req.DepositedToday + req.Amount; used > limit {
			return failed(domain.ReasonVelocityExceeded, limit, used, "daily deposits %d would exceed %d", used, limit)
		}
	}
	if limit, ok := req.Limits.Get(domain.LimitMonthlyDeposit); ok {
		if used := req.DepositedThisMonth + req.Amount; used > limit {
			return failed(domain.ReasonVelocityExceeded, limit, used, "monthly deposits %d would exceed %d", used, limit)
		}
	}
	return passed("")
}

var tenPercent = decimal.New(1, -1)

// AnnualCap returns an investor's 12 month investment ceiling. limited is
// false when no ceiling applies.
//
// Non-accredited investors get the greater of ANNUAL_INVESTMENT and 10% of
// max(income, net worth), the latter capped at NON_ACCREDITED_INVESTOR.
// REG_D_506C offerings admit no non-accredited investors. Accredited
// investors are only capped when an ACCREDITED_INVESTOR row exists.
func AnnualCap(inv *domain.Investor, mode domain.RegulationMode, limits domain.Limits) (limit int64, limited bool, why string) {
	if inv.Accredited {
		if l, ok := limits.Get(domain.LimitAccreditedInvestor); ok {
			return l, true, "accredited investor ceiling"
		}
		return 0, false, "accredited investor"
	}
	if mode == domain.RegD506C {
		return 0, true, "REG_D_506C offerings accept accredited investors only"
	}

	fixed, hasFixed := limits.Get(domain.LimitAnnualInvestment)
	threshold, hasThreshold := limits.Get(domain.LimitNonAccreditedInvestor)
	if !hasFixed && !hasThreshold {
		return 0, false, "no annual limit configured"
	}

	base := inv.AnnualIncome
	if inv.NetWorth > base {
		base = inv.NetWorth
	}
	pct := decimal.NewFromInt(base).Mul(tenPercent).Floor().IntPart()
	if hasThreshold && pct > threshold {
		pct = threshold
	}
	if fixed >= pct {
		return fixed, true, "fixed annual cap"
	}
	return pct, true, "10% of income or net worth"
}

// SanctionsList screens investors by user ID, legal name and country.
type SanctionsList struct {
	userIDs   map[string]struct{}
	names     map[string]struct{}
	countries map[string]struct{}
}

// NewSanctionsList builds a list. Names are matched after normalization and
// countries by ISO code, case-insensitively.
func NewSanctionsList(userIDs, names, countries []string) *SanctionsList {
	s := &SanctionsList{
		userIDs:   make(map[string]struct{}),
		names:     make(map[string]struct{}),
		countries: make(map[string]struct{}),
	}
	for _, id := range userIDs {
		if id = strings.TrimSpace(id); id != "" {
			s.userIDs[id] = struct{}{}
		}
	}
	for _, n := range names {
		if n = NormalizeName(n); n != "" {
			s.names[n] = struct{}{}
		}
	}
	for _, c := range countries {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			s.countries[c] = struct{}{}
		}
	}
	return s
}

// Match reports whether inv is listed and which field matched.
func (s *SanctionsList) Match(inv *domain.Investor) (bool, string) {
	if _, ok := s.userIDs[inv.UserID]; ok && inv.UserID != "" {
		return true, "user id"
	}
	if n := NormalizeName(inv.LegalName); n != "" {
		if _, ok := s.names[n]; ok {
			return true, "legal name"
		}
	}
	if c := strings.ToUpper(strings.TrimSpace(inv.Country)); c != "" {
		if _, ok := s.countries[c]; ok {
			return true, "country"
		}
	}
	return false, ""
}

// Len returns the number of listed entries.
func (s *SanctionsList) Len() int {
	return len(s.userIDs) + len(s.names) + len(s.countries)
}

// NormalizeName lowercases, drops punctuation and collapses whitespace.
func NormalizeName(name string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == '-':
			space = true
		}
	}
	return b.String()
}
