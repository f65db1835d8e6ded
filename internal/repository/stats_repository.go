package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/voice-reward-api/internal/models"
)

// StatsRepository runs read-only rollups over recordings and the ledger.
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository constructs the repository.
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// ContributionBuckets groups a user's recordings by (domain, recorded_via). Only scored
// recordings contribute to the average, but every recording is counted.
func (r *StatsRepository) ContributionBuckets(ctx context.Context, userID string) ([]models.DomainContribution, error) {
	query := `SELECT domain, recorded_via, COUNT(*) AS count, COUNT(quality) AS scored_count,
AVG(` + qualityOrdinalExpr("quality") + `)::float8 AS avg_quality_score
FROM recordings WHERE owner_id = $1
GROUP BY domain, recorded_via ORDER BY domain, recorded_via`
	var rows []models.DomainContribution
	if err := r.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, fmt.Errorf("contribution stats: %w", err)
	}
	return rows, nil
}

// TokenRollup sums non-rejected tokens by (domain, quality, method), largest total first.
// Tokens whose recording was deleted are grouped under domain "unknown".
func (r *StatsRepository) TokenRollup(ctx context.Context) ([]models.TokenStatRow, error) {
	const query = `SELECT COALESCE(r.domain, 'unknown') AS domain, t.quality_at_issuance AS quality, t.method AS method,
SUM(t.amount) AS total_amount, COUNT(*) AS count
FROM reward_tokens t LEFT JOIN recordings r ON r.id = t.recording_id
WHERE t.status <> 'rejected'
GROUP BY 1, 2, 3
ORDER BY total_amount DESC, domain ASC, quality ASC, method ASC`
	var rows []models.TokenStatRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("token stats: %w", err)
	}
	return rows, nil
}

func qualityOrdinalExpr(column string) string {
	var b strings.Builder
	b.WriteString("CASE ")
	b.WriteString(column)
	for _, q := range []models.Quality{models.QualityBad, models.QualityAverage, models.QualityGood, models.QualityExcellent} {
		fmt.Fprintf(&b, " WHEN '%s' THEN %d", q, q.Ordinal())
	}
	b.WriteString(" END")
	return b.String()
}
