package models

import "time"

// EvaluationState is the lifecycle position of a recording in the evaluation pipeline.
type EvaluationState string

const (
	EvaluationPending    EvaluationState = "pending"
	EvaluationInProgress EvaluationState = "in_progress"
	EvaluationScored     EvaluationState = "scored"
	EvaluationFailed     EvaluationState = "failed"
)

// Evaluable reports whether a claim may start from this state.
func (s EvaluationState) Evaluable() bool {
	return s == EvaluationPending || s == EvaluationFailed
}

// Quality is the tier assigned to a scored recording.
type Quality string

const (
	QualityBad       Quality = "bad"
	QualityAverage   Quality = "average"
	QualityGood      Quality = "good"
	QualityExcellent Quality = "excellent"
)

// QualityOrdinals maps each quality tier to the ordinal used for averaging.
var QualityOrdinals = map[Quality]int{
	QualityBad:       1,
	QualityAverage:   2,
	QualityGood:      3,
	QualityExcellent: 4,
}

// Ordinal returns bad=1 through excellent=4, or 0 for unknown values.
func (q Quality) Ordinal() int {
	return QualityOrdinals[q]
}

// Valid reports whether q is a known tier.
func (q Quality) Valid() bool {
	_, ok := QualityOrdinals[q]
	return ok
}

// Domain is the subject area of the text a contributor read aloud.
type Domain string

const (
	DomainGeneral     Domain = "general"
	DomainHealth      Domain = "health"
	DomainAgriculture Domain = "agriculture"
	DomainFinance     Domain = "finance"
	DomainEducation   Domain = "education"
	DomainCulture     Domain = "culture"
)

// Domains lists every accepted domain value.
var Domains = []Domain{DomainGeneral, DomainHealth, DomainAgriculture, DomainFinance, DomainEducation, DomainCulture}

// Valid reports whether d is one of Domains.
func (d Domain) Valid() bool {
	for _, known := range Domains {
		if d == known {
			return true
		}
	}
	return false
}

// RecordedVia identifies the client that captured the audio.
type RecordedVia string

const (
	RecordedViaDevice RecordedVia = "device"
	RecordedViaWeb    RecordedVia = "web"
)

// Valid reports whether v is a supported capture channel.
func (v RecordedVia) Valid() bool {
	return v == RecordedViaDevice || v == RecordedViaWeb
}

// ContributorStatus is the simplified status shown to the recording owner.
type ContributorStatus string

const (
	ContributorStatusPending     ContributorStatus = "pending"
	ContributorStatusNeedsReview ContributorStatus = "needs_review"
	ContributorStatusScored      ContributorStatus = "scored"
)

// EvaluationMethod records which trigger produced an evaluation.
type EvaluationMethod string

const (
	MethodAPI            EvaluationMethod = "api"
	MethodWorker         EvaluationMethod = "worker"
	MethodReconciliation EvaluationMethod = "reconciliation"
)

// Valid reports whether m is a known trigger.
func (m EvaluationMethod) Valid() bool {
	return m == MethodAPI || m == MethodWorker || m == MethodReconciliation
}

// Recording is one submitted voice sample plus its evaluation outcome.
type Recording struct {
	ID              string          `db:"id" json:"id"`
	OwnerID         string          `db:"owner_id" json:"owner_id"`
	StorageRef      string          `db:"storage_ref" json:"-"`
	Language        string          `db:"language" json:"language"`
	Dialect         *string         `db:"dialect" json:"dialect,omitempty"`
	Domain          Domain          `db:"domain" json:"domain"`
	DurationSeconds float64         `db:"duration_seconds" json:"duration_seconds"`
	RecordedVia     RecordedVia     `db:"recorded_via" json:"recorded_via"`
	EvaluationState EvaluationState `db:"evaluation_state" json:"evaluation_state"`
	Quality         *Quality        `db:"quality" json:"quality,omitempty"`
	Transcription   *string         `db:"transcription" json:"transcription,omitempty"`
	Score           *float64        `db:"score" json:"score,omitempty"`

	// Result computed by the scorer but not yet committed. Only set while in_progress.
	PendingQuality       *Quality `db:"pending_quality" json:"-"`
	PendingAmount        *int     `db:"pending_amount" json:"-"`
	PendingTranscription *string  `db:"pending_transcription" json:"-"`

	FailureReason      *string    `db:"failure_reason" json:"failure_reason,omitempty"`
	EvaluationAttempts int        `db:"evaluation_attempts" json:"evaluation_attempts"`
	ClaimedAt          *time.Time `db:"claimed_at" json:"-"`
	EvaluatedAt        *time.Time `db:"evaluated_at" json:"evaluated_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// ContributorStatus maps the internal state to what the owner is shown.
func (r *Recording) ContributorStatus() ContributorStatus {
	switch r.EvaluationState {
	case EvaluationScored:
		return ContributorStatusScored
	case EvaluationFailed:
		return ContributorStatusNeedsReview
	default:
		return ContributorStatusPending
	}
}

// HasStashedResult reports whether a scored result is waiting to be committed.
func (r *Recording) HasStashedResult() bool {
	return r.EvaluationState == EvaluationInProgress && r.PendingQuality != nil && r.PendingAmount != nil
}

// ScoredResult is a classified scorer outcome ready to commit.
type ScoredResult struct {
	Score         float64
	Quality       Quality
	Amount        int
	Transcription *string
}
