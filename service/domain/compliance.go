package domain

// Reason is a machine-readable compliance rejection code.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonSanctionsHit     Reason = "SANCTIONS_HIT"
	ReasonKYCRequired      Reason = "KYC_REQUIRED"
	ReasonLimitExceeded    Reason = "LIMIT_EXCEEDED"
	ReasonVelocityExceeded Reason = "VELOCITY_EXCEEDED"
)

// CheckName identifies one compliance rule.
type CheckName string

const (
	CheckSanctions      CheckName = "SANCTIONS"
	CheckKYC            CheckName = "KYC"
	CheckPerTransaction CheckName = "PER_TRANSACTION"
	CheckAnnual         CheckName = "ANNUAL_INVESTMENT"
	CheckVelocity       CheckName = "VELOCITY"
)

// CheckOrder is the fixed evaluation priority.
var CheckOrder = []CheckName{CheckSanctions, CheckKYC, CheckPerTransaction, CheckAnnual, CheckVelocity}

// Outcome is the result of a single check.
type Outcome string

const (
	OutcomePassed  Outcome = "PASSED"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeSkipped Outcome = "SKIPPED"
)

// CheckResult is one line of a compliance breakdown.
type CheckResult struct {
	Name    CheckName `json:"name" bson:"name"`
	Outcome Outcome   `json:"outcome" bson:"outcome"`
	Reason  Reason    `json:"reason,omitempty" bson:"reason,omitempty"`
	Limit   int64     `json:"limit,omitempty" bson:"limit,omitempty"`
	Used    int64     `json:"used,omitempty" bson:"used,omitempty"`
	Detail  string    `json:"detail,omitempty" bson:"detail,omitempty"`
}
