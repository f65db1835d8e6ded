package models

import "time"

// TokenStatus is the administrative review state of a ledger entry.
type TokenStatus string

const (
	TokenStatusPending  TokenStatus = "pending"
	TokenStatusApproved TokenStatus = "approved"
	TokenStatusRejected TokenStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s TokenStatus) Valid() bool {
	return s == TokenStatusPending || s == TokenStatusApproved || s == TokenStatusRejected
}

// CanTransitionTo enforces pending -> approved|rejected and approved -> rejected.
func (s TokenStatus) CanTransitionTo(next TokenStatus) bool {
	switch s {
	case TokenStatusPending:
		return next == TokenStatusApproved || next == TokenStatusRejected
	case TokenStatusApproved:
		return next == TokenStatusRejected
	default:
		return false
	}
}

// ReasonEvaluatedContribution is the ledger reason for tokens paid on evaluation.
const ReasonEvaluatedContribution = "evaluated_contribution"

// RewardToken is an append-only ledger entry.
type RewardToken struct {
	ID                string           `db:"id" json:"id"`
	UserID            string           `db:"user_id" json:"user_id"`
	RecordingID       string           `db:"recording_id" json:"recording_id"`
	Amount            int              `db:"amount" json:"amount"`
	QualityAtIssuance Quality          `db:"quality_at_issuance" json:"quality_at_issuance"`
	Reason            string           `db:"reason" json:"reason"`
	Method            EvaluationMethod `db:"method" json:"method"`
	Status            TokenStatus      `db:"status" json:"status"`
	CreatedAt         time.Time        `db:"created_at" json:"created_at"`
}

// TokenFilter narrows ListTokens results.
type TokenFilter struct {
	Method   *EvaluationMethod
	Status   *TokenStatus
	Page     int
	PageSize int
}

// Balance is the derived token balance of a user.
type Balance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}
