package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)
	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, "/api/v1", cfg.APIPrefix)
	assert.Equal(t, 10*time.Second, cfg.Scorer.Timeout)
	assert.Equal(t, DefaultThresholds, cfg.Evaluation.Thresholds)
	assert.Equal(t, 5, cfg.Evaluation.MaxAttempts)
	assert.Equal(t, 2*time.Minute, cfg.Reconciliation.ClaimTTL)
	assert.Contains(t, cfg.Storage.AllowedMIMEs, "audio/wav")
	assert.EqualValues(t, 20*1024*1024, cfg.Storage.MaxFileSizeBytes)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("SCORER_TIMEOUT", "3s")
	v.Set("EVALUATION_RETRY_DELAY", "not-a-duration")
	v.Set("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")

	cfg := fromViper(v)
	assert.Equal(t, 3*time.Second, cfg.Scorer.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Evaluation.RetryDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
}

func TestValidateRequiresClaimTTLAboveScorerBudget(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	cfg := fromViper(v)
	assert.Equal(t, 10*time.Second, cfg.Evaluation.CommitTimeout)
	assert.NoError(t, cfg.Validate())

	v.Set("SCORER_TIMEOUT", "90s")
	v.Set("RECONCILIATION_CLAIM_TTL", "1m")
	cfg = fromViper(v)
	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RECONCILIATION_CLAIM_TTL")

	v.Set("RECONCILIATION_CLAIM_TTL", "100s")
	assert.Error(t, fromViper(v).Validate())

	v.Set("RECONCILIATION_CLAIM_TTL", "101s")
	assert.NoError(t, fromViper(v).Validate())
}
