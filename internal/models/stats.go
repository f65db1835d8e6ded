package models

import "time"

// DomainContribution is one (domain, recordedVia) bucket of a user's recordings.
type DomainContribution struct {
	Domain          Domain      `db:"domain" json:"domain"`
	RecordedVia     RecordedVia `db:"recorded_via" json:"recorded_via"`
	Count           int         `db:"count" json:"count"`
	ScoredCount     int         `db:"scored_count" json:"scored_count"`
	AvgQualityScore *float64    `db:"avg_quality_score" json:"avg_quality_score"`
}

// ContributionStats summarises one user's recordings.
type ContributionStats struct {
	UserID          string               `json:"user_id"`
	TotalRecordings int                  `json:"total_recordings"`
	PerDomain       []DomainContribution `json:"per_domain"`
	GeneratedAt     time.Time            `json:"generated_at"`
}

// TokenStatRow is one (domain, quality, method) rollup of issued tokens.
type TokenStatRow struct {
	Domain      string           `db:"domain" json:"domain"`
	Quality     Quality          `db:"quality" json:"quality"`
	Method      EvaluationMethod `db:"method" json:"method"`
	TotalAmount int64            `db:"total_amount" json:"total_amount"`
	Count       int              `db:"count" json:"count"`
}

// TokenStats is the ledger-wide rollup sorted by TotalAmount descending.
type TokenStats struct {
	Rows        []TokenStatRow `json:"rows"`
	GeneratedAt time.Time      `json:"generated_at"`
}
