package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to TokenStatus
		allowed  bool
	}{
		{TokenStatusPending, TokenStatusApproved, true},
		{TokenStatusPending, TokenStatusRejected, true},
		{TokenStatusApproved, TokenStatusRejected, true},
		{TokenStatusApproved, TokenStatusPending, false},
		{TokenStatusRejected, TokenStatusApproved, false},
		{TokenStatusRejected, TokenStatusPending, false},
		{TokenStatusPending, TokenStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRecordingContributorStatus(t *testing.T) {
	rec := &Recording{EvaluationState: EvaluationInProgress}
	assert.Equal(t, ContributorStatusPending, rec.ContributorStatus())
	rec.EvaluationState = EvaluationFailed
	assert.Equal(t, ContributorStatusNeedsReview, rec.ContributorStatus())
	rec.EvaluationState = EvaluationScored
	assert.Equal(t, ContributorStatusScored, rec.ContributorStatus())
}

func TestHasStashedResult(t *testing.T) {
	q := QualityGood
	amount := 5
	rec := &Recording{EvaluationState: EvaluationInProgress}
	assert.False(t, rec.HasStashedResult())

	rec.PendingQuality, rec.PendingAmount = &q, &amount
	assert.True(t, rec.HasStashedResult())

	rec.EvaluationState = EvaluationScored
	assert.False(t, rec.HasStashedResult())
}

func TestEnumsValidate(t *testing.T) {
	assert.True(t, EvaluationFailed.Evaluable())
	assert.False(t, EvaluationScored.Evaluable())
	assert.Equal(t, 4, QualityExcellent.Ordinal())
	assert.Zero(t, Quality("superb").Ordinal())
	assert.True(t, DomainCulture.Valid())
	assert.False(t, Domain("sports").Valid())
	assert.False(t, RecordedVia("radio").Valid())
	assert.True(t, MethodReconciliation.Valid())
	assert.False(t, TokenStatus("void").Valid())
	assert.False(t, (*JWTClaims)(nil).IsAdmin())
}
