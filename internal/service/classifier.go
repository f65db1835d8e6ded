package service

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/voice-reward-api/internal/models"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
)

// Score bounds accepted from the scorer.
const (
	MinScore = 0.0
	MaxScore = 100.0
)

// Tier maps every score at or above MinScore (and below the next tier) to a quality and token amount.
type Tier struct {
	MinScore float64
	Quality  models.Quality
	Amount   int
}

// ThresholdTable is an ordered set of tiers, highest MinScore first.
type ThresholdTable struct {
	tiers []Tier
}

// NewThresholdTable validates tiers and returns them sorted by MinScore descending.
// A valid table covers score 0, has distinct thresholds and never pays more for a lower tier.
func NewThresholdTable(tiers []Tier) (*ThresholdTable, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("threshold table is empty")
	}
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinScore > sorted[j].MinScore })

	for i, tier := range sorted {
		if math.IsNaN(tier.MinScore) || tier.MinScore < MinScore || tier.MinScore > MaxScore {
			return nil, fmt.Errorf("tier %s: threshold %v outside [%v,%v]", tier.Quality, tier.MinScore, MinScore, MaxScore)
		}
		if !tier.Quality.Valid() {
			return nil, fmt.Errorf("tier %d: unknown quality %q", i, tier.Quality)
		}
		if tier.Amount < 0 {
			return nil, fmt.Errorf("tier %s: negative amount", tier.Quality)
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if prev.MinScore == tier.MinScore {
			return nil, fmt.Errorf("duplicate threshold %v", tier.MinScore)
		}
		if tier.Amount > prev.Amount {
			return nil, fmt.Errorf("tier %s pays %d, more than higher tier %s (%d)", tier.Quality, tier.Amount, prev.Quality, prev.Amount)
		}
	}
	if sorted[len(sorted)-1].MinScore != MinScore {
		return nil, fmt.Errorf("threshold table must contain a tier starting at %v", MinScore)
	}
	return &ThresholdTable{tiers: sorted}, nil
}

// ParseThresholdTable reads "min:quality:amount,..." as produced by EVALUATION_THRESHOLDS.
func ParseThresholdTable(raw string) (*ThresholdTable, error) {
	var tiers []Tier
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("threshold entry %q: want min:quality:amount", entry)
		}
		minScore, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("threshold entry %q: %w", entry, err)
		}
		amount, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			return nil, fmt.Errorf("threshold entry %q: %w", entry, err)
		}
		tiers = append(tiers, Tier{
			MinScore: minScore,
			Quality:  models.Quality(strings.ToLower(strings.TrimSpace(parts[1]))),
			Amount:   amount,
		})
	}
	return NewThresholdTable(tiers)
}

// Tiers returns a copy of the table, highest threshold first.
func (t *ThresholdTable) Tiers() []Tier {
	out := make([]Tier, len(t.tiers))
	copy(out, t.tiers)
	return out
}

// Classifier maps numeric scores to quality tiers and token amounts.
type Classifier struct {
	table *ThresholdTable
}

// NewClassifier wraps a validated table.
func NewClassifier(table *ThresholdTable) *Classifier {
	return &Classifier{table: table}
}

// Classify returns the tier for score, rejecting values the scorer should never produce.
func (c *Classifier) Classify(score float64) (models.Quality, int, error) {
	if math.IsNaN(score) || math.IsInf(score, 0) || score < MinScore || score > MaxScore {
		return "", 0, appErrors.Clone(appErrors.ErrScorerResponseInvalid, fmt.Sprintf("score %v outside [%v,%v]", score, MinScore, MaxScore))
	}
	for _, tier := range c.table.tiers {
		if score >= tier.MinScore {
			return tier.Quality, tier.Amount, nil
		}
	}
	// unreachable for a validated table
	return "", 0, appErrors.Clone(appErrors.ErrScorerResponseInvalid, "score below every tier")
}

// QualityOrdinal maps bad=1 through excellent=4.
func QualityOrdinal(q models.Quality) int {
	return q.Ordinal()
}
