// Package domain holds the types shared by the ledger, the compliance gate,
// the transaction state machine and the webhook reconciler.
package domain

import "time"

// TransactionType classifies what a transaction moves money for.
type TransactionType string

const (
	TypeInvestment   TransactionType = "INVESTMENT"
	TypeDistribution TransactionType = "DISTRIBUTION"
	TypeRefund       TransactionType = "REFUND"
	TypeFee          TransactionType = "FEE"
	TypeTransfer     TransactionType = "TRANSFER"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TypeInvestment, TypeDistribution, TypeRefund, TypeFee, TypeTransfer:
		return true
	}
	return false
}

// Direction returns whether funds flow into or out of escrow for this type.
func (t TransactionType) Direction() Direction {
	if t == TypeInvestment {
		return DirectionIn
	}
	return DirectionOut
}

// Status is the lifecycle state of a transaction.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// PaymentMethod is the rail a transaction settles over.
type PaymentMethod string

const (
	MethodACH      PaymentMethod = "ACH"
	MethodWire     PaymentMethod = "WIRE"
	MethodCheck    PaymentMethod = "CHECK"
	MethodInternal PaymentMethod = "INTERNAL"
)

// Valid reports whether m is a known payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodACH, MethodWire, MethodCheck, MethodInternal:
		return true
	}
	return false
}

// Provider identifies an external payment rail.
type Provider string

const (
	ProviderNone   Provider = ""
	ProviderStripe Provider = "STRIPE"
	ProviderPlaid  Provider = "PLAID"
)

// Transaction is a single movement of money into or out of an escrow account.
type Transaction struct {
	ID                string          `json:"id"`
	Type              TransactionType `json:"type"`
	Status            Status          `json:"status"`
	PaymentMethod     PaymentMethod   `json:"payment_method"`
	Amount            int64           `json:"amount"`
	FeeAmount         int64           `json:"fee_amount"`
	NetAmount         int64           `json:"net_amount"`
	IdempotencyKey    string          `json:"idempotency_key"`
	FromUserID        string          `json:"from_user_id,omitempty"`
	ToUserID          string          `json:"to_user_id,omitempty"`
	BankAccountID     string          `json:"bank_account_id,omitempty"`
	OfferingID        string          `json:"offering_id"`
	EscrowAccountID   string          `json:"escrow_account_id"`
	Provider          Provider        `json:"provider,omitempty"`
	ProviderReference string          `json:"provider_reference,omitempty"`
	ComplianceReason  Reason          `json:"compliance_reason,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	NeedsReview       bool            `json:"needs_review"`
	InitiatedAt       time.Time       `json:"initiated_at"`
	ProcessingAt      *time.Time      `json:"processing_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	FailedAt          *time.Time      `json:"failed_at,omitempty"`
	CancelledAt       *time.Time      `json:"cancelled_at,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// InvestorID returns the user whose limits apply to the transaction.
func (t *Transaction) InvestorID() string {
	if t.Type == TypeInvestment {
		return t.FromUserID
	}
	return t.ToUserID
}

// TransactionFilter narrows transaction listings and summaries.
type TransactionFilter struct {
	UserID     string
	OfferingID string
	Status     Status
	Type       TransactionType
	Limit      int32
	Offset     int32
}

// Summary aggregates transactions by status and type.
type Summary struct {
	Count            int64            `json:"count"`
	CountByStatus    map[Status]int64 `json:"count_by_status"`
	AmountByStatus   map[Status]int64 `json:"amount_by_status"`
	TotalInvested    int64            `json:"total_invested"`
	TotalPending     int64            `json:"total_pending"`
	TotalDistributed int64            `json:"total_distributed"`
	TotalRefunded    int64            `json:"total_refunded"`
	NeedsReview      int64            `json:"needs_review"`
}

// AccountStatus reports whether an escrow account accepts new reservations.
type AccountStatus string

const (
	AccountActive    AccountStatus = "ACTIVE"
	AccountSuspended AccountStatus = "SUSPENDED"
)

// RegulationMode is the securities exemption an offering is raised under.
type RegulationMode string

const (
	RegD506B RegulationMode = "REG_D_506B"
	RegD506C RegulationMode = "REG_D_506C"
	RegCF    RegulationMode = "REG_CF"
	RegA     RegulationMode = "REG_A"
)

// Valid reports whether m is a known regulation mode.
func (m RegulationMode) Valid() bool {
	switch m {
	case RegD506B, RegD506C, RegCF, RegA:
		return true
	}
	return false
}

// EscrowAccount is the segregated balance for one offering.
// PendingOutbound is the share of PendingBalance earmarked for outflows.
type EscrowAccount struct {
	ID                 string         `json:"id"`
	OfferingID         string         `json:"offering_id"`
	RegulationMode     RegulationMode `json:"regulation_mode"`
	CurrentBalance     int64          `json:"current_balance"`
	AvailableBalance   int64          `json:"available_balance"`
	PendingBalance     int64          `json:"pending_balance"`
	PendingOutbound    int64          `json:"pending_outbound"`
	HeldBalance        int64          `json:"held_balance"`
	TotalDeposits      int64          `json:"total_deposits"`
	TotalWithdrawals   int64          `json:"total_withdrawals"`
	TotalDistributions int64          `json:"total_distributions"`
	Status             AccountStatus  `json:"status"`
	Version            int64          `json:"version"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// Direction says whether a reservation brings funds in or sends them out.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// ReservationStatus tracks a reservation from creation to resolution.
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationSettled  ReservationStatus = "SETTLED"
	ReservationReleased ReservationStatus = "RELEASED"
)

// Reservation is the ledger's record of funds in flight for one transaction.
type Reservation struct {
	TransactionID   string            `json:"transaction_id"`
	EscrowAccountID string            `json:"escrow_account_id"`
	Amount          int64             `json:"amount"`
	Direction       Direction         `json:"direction"`
	Kind            TransactionType   `json:"kind"`
	Status          ReservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
	ResolvedAt      *time.Time        `json:"resolved_at,omitempty"`
}

// LedgerOp names a ledger mutation.
type LedgerOp string

const (
	OpReserve LedgerOp = "RESERVE"
	OpSettle  LedgerOp = "SETTLE"
	OpRelease LedgerOp = "RELEASE"
	OpHold    LedgerOp = "HOLD"
	OpUnhold  LedgerOp = "UNHOLD"
)

// LedgerEntry is one line of the append-only escrow journal.
type LedgerEntry struct {
	ID               string    `json:"id"`
	EscrowAccountID  string    `json:"escrow_account_id"`
	TransactionID    string    `json:"transaction_id,omitempty"`
	Op               LedgerOp  `json:"op"`
	Amount           int64     `json:"amount"`
	Reason           string    `json:"reason,omitempty"`
	CurrentBalance   int64     `json:"current_balance"`
	AvailableBalance int64     `json:"available_balance"`
	PendingBalance   int64     `json:"pending_balance"`
	HeldBalance      int64     `json:"held_balance"`
	CreatedAt        time.Time `json:"created_at"`
}

// LimitType names a regulatory limit row.
type LimitType string

const (
	LimitDailyDeposit          LimitType = "DAILY_DEPOSIT"
	LimitMonthlyDeposit        LimitType = "MONTHLY_DEPOSIT"
	LimitAnnualInvestment      LimitType = "ANNUAL_INVESTMENT"
	LimitNonAccreditedInvestor LimitType = "NON_ACCREDITED_INVESTOR"
	LimitAccreditedInvestor    LimitType = "ACCREDITED_INVESTOR"
	LimitPerTransaction        LimitType = "PER_TRANSACTION"
)

// Valid reports whether l is a known limit type.
func (l LimitType) Valid() bool {
	switch l {
	case LimitDailyDeposit, LimitMonthlyDeposit, LimitAnnualInvestment,
		LimitNonAccreditedInvestor, LimitAccreditedInvestor, LimitPerTransaction:
		return true
	}
	return false
}

// TransactionLimit is a static regulatory ceiling.
type TransactionLimit struct {
	LimitType LimitType `json:"limit_type"`
	Amount    int64     `json:"amount"`
	Currency  string    `json:"currency"`
}

// Limits indexes limit rows by type. A missing type means unlimited.
type Limits map[LimitType]int64

// NewLimits builds a Limits index from rows.
func NewLimits(rows []TransactionLimit) Limits {
	l := make(Limits, len(rows))
	for _, r := range rows {
		l[r.LimitType] = r.Amount
	}
	return l
}

// Get returns the limit amount and whether one is configured.
func (l Limits) Get(t LimitType) (int64, bool) {
	v, ok := l[t]
	return v, ok
}

// WebhookStatus tracks processing of a recorded provider event.
type WebhookStatus string

const (
	WebhookPending   WebhookStatus = "PENDING"
	WebhookCompleted WebhookStatus = "COMPLETED"
	WebhookFailed    WebhookStatus = "FAILED"
)

// WebhookEvent is a deduplicated provider delivery.
type WebhookEvent struct {
	EventID           string        `json:"event_id"`
	Provider          Provider      `json:"provider"`
	EventType         string        `json:"event_type"`
	ProviderReference string        `json:"provider_reference,omitempty"`
	TransactionID     string        `json:"transaction_id,omitempty"`
	Payload           []byte        `json:"payload"`
	Status            WebhookStatus `json:"status"`
	Attempts          int32         `json:"attempts"`
	LastError         string        `json:"last_error,omitempty"`
	Sequence          int64         `json:"sequence"`
	CreatedAt         time.Time     `json:"created_at"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
}

// OrderingKey groups events that must be applied sequentially.
func (e *WebhookEvent) OrderingKey() string {
	if e.TransactionID != "" {
		return e.TransactionID
	}
	if e.ProviderReference != "" {
		return string(e.Provider) + ":" + e.ProviderReference
	}
	return e.EventID
}

// VerificationStatus is the state of a linked bank account.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationVerified VerificationStatus = "VERIFIED"
	VerificationFailed   VerificationStatus = "FAILED"
)

// BankAccount holds encrypted payment destination details.
type BankAccount struct {
	ID                 string             `json:"id"`
	UserID             string             `json:"user_id"`
	HolderName         string             `json:"holder_name"`
	AccountNumberEnc   string             `json:"-"`
	RoutingNumberEnc   string             `json:"-"`
	RoutingNumberHash  string             `json:"routing_number_hash"`
	AccountLast4       string             `json:"account_last4"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	PlaidItemID        string             `json:"plaid_item_id,omitempty"`
	PlaidAccountID     string             `json:"plaid_account_id,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
}

// KYCStatus is an investor's identity verification state.
type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// Investor is the compliance-relevant profile of a user.
type Investor struct {
	UserID        string    `json:"user_id"`
	LegalName     string    `json:"legal_name"`
	Country       string    `json:"country"`
	KYCStatus     KYCStatus `json:"kyc_status"`
	Accredited    bool      `json:"accredited"`
	AnnualIncome  int64     `json:"annual_income"`
	NetWorth      int64     `json:"net_worth"`
	SanctionsFlag bool      `json:"sanctions_flag"`
	UpdatedAt     time.Time `json:"updated_at"`
}
