package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// DefaultThresholds is the classification table used when EVALUATION_THRESHOLDS is unset.
const DefaultThresholds = "90:excellent:8,50:good:5,35:average:3,0:bad:1"

type Config struct {
	Env       string
	Port      int
	APIPrefix string

	Database       DatabaseConfig
	Redis          RedisConfig
	JWT            JWTConfig
	CORS           CORSConfig
	Log            LogConfig
	Storage        StorageConfig
	Scorer         ScorerConfig
	Evaluation     EvaluationConfig
	Reconciliation ReconciliationConfig
	Stats          StatsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Issuer     string
	Expiration time.Duration
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// StorageConfig controls where uploaded audio lives and how it is shared.
type StorageConfig struct {
	Dir              string
	SignedURLSecret  string
	SignedURLTTL     time.Duration
	MaxFileSizeBytes int64
	AllowedMIMEs     []string
}

// ScorerConfig points at the remote quality analysis service.
type ScorerConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// EvaluationConfig tunes the evaluation worker pool and the reward table.
type EvaluationConfig struct {
	Workers      int
	BufferSize   int
	QueueRetries int
	RetryDelay   time.Duration
	MaxAttempts  int
	Thresholds   string

	// CommitTimeout bounds the writes that follow a scorer response.
	CommitTimeout time.Duration
}

// ReconciliationConfig governs the out-of-band sweep.
type ReconciliationConfig struct {
	Enabled   bool
	Interval  time.Duration
	ClaimTTL  time.Duration
	BatchSize int
}

// StatsConfig governs caching of contribution and token rollups.
type StatsConfig struct {
	CacheEnabled bool
	CacheTTL     time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations that would let the sweep expire a claim that is still live.
func (c *Config) Validate() error {
	live := c.Scorer.Timeout + c.Evaluation.CommitTimeout
	if c.Reconciliation.ClaimTTL <= live {
		return fmt.Errorf("RECONCILIATION_CLAIM_TTL (%s) must exceed SCORER_TIMEOUT + EVALUATION_COMMIT_TIMEOUT (%s)", c.Reconciliation.ClaimTTL, live)
	}
	return nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("REDIS_ENABLED"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret:     v.GetString("JWT_SECRET"),
		Issuer:     v.GetString("JWT_ISSUER"),
		Expiration: parseDuration(v.GetString("JWT_EXPIRATION"), 24*time.Hour),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	maxUpload := v.GetInt64("STORAGE_MAX_FILE_SIZE")
	if maxUpload <= 0 {
		maxUpload = 20 * 1024 * 1024
	}
	cfg.Storage = StorageConfig{
		Dir:              v.GetString("STORAGE_DIR"),
		SignedURLSecret:  v.GetString("STORAGE_SIGNED_URL_SECRET"),
		SignedURLTTL:     parseDuration(v.GetString("STORAGE_SIGNED_URL_TTL"), 30*time.Minute),
		MaxFileSizeBytes: maxUpload,
		AllowedMIMEs:     splitAndTrim(v.GetString("STORAGE_ALLOWED_MIME_TYPES")),
	}

	cfg.Scorer = ScorerConfig{
		BaseURL: v.GetString("SCORER_BASE_URL"),
		APIKey:  v.GetString("SCORER_API_KEY"),
		Timeout: parseDuration(v.GetString("SCORER_TIMEOUT"), 10*time.Second),
	}

	cfg.Evaluation = EvaluationConfig{
		Workers:      v.GetInt("EVALUATION_WORKERS"),
		BufferSize:   v.GetInt("EVALUATION_QUEUE_BUFFER"),
		QueueRetries: v.GetInt("EVALUATION_QUEUE_RETRIES"),
		RetryDelay:   parseDuration(v.GetString("EVALUATION_RETRY_DELAY"), 5*time.Second),
		MaxAttempts:  v.GetInt("EVALUATION_MAX_ATTEMPTS"),
		Thresholds:   v.GetString("EVALUATION_THRESHOLDS"),

		CommitTimeout: parseDuration(v.GetString("EVALUATION_COMMIT_TIMEOUT"), 10*time.Second),
	}

	cfg.Reconciliation = ReconciliationConfig{
		Enabled:   v.GetBool("ENABLE_RECONCILIATION"),
		Interval:  parseDuration(v.GetString("RECONCILIATION_INTERVAL"), 5*time.Minute),
		ClaimTTL:  parseDuration(v.GetString("RECONCILIATION_CLAIM_TTL"), 2*time.Minute),
		BatchSize: v.GetInt("RECONCILIATION_BATCH_SIZE"),
	}

	cfg.Stats = StatsConfig{
		CacheEnabled: v.GetBool("ENABLE_STATS_CACHE"),
		CacheTTL:     parseDuration(v.GetString("STATS_CACHE_TTL"), 5*time.Minute),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "voice_rewards")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "voice-reward-api")
	v.SetDefault("JWT_EXPIRATION", "24h")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("STORAGE_DIR", "./blobs")
	v.SetDefault("STORAGE_SIGNED_URL_SECRET", "dev_blob_secret")
	v.SetDefault("STORAGE_SIGNED_URL_TTL", "30m")
	v.SetDefault("STORAGE_MAX_FILE_SIZE", 20*1024*1024)
	v.SetDefault("STORAGE_ALLOWED_MIME_TYPES", "audio/wav,audio/x-wav,audio/mpeg,audio/ogg,audio/webm,audio/mp4")

	v.SetDefault("SCORER_BASE_URL", "http://localhost:9000")
	v.SetDefault("SCORER_API_KEY", "")
	v.SetDefault("SCORER_TIMEOUT", "10s")

	v.SetDefault("EVALUATION_WORKERS", 4)
	v.SetDefault("EVALUATION_QUEUE_BUFFER", 64)
	v.SetDefault("EVALUATION_QUEUE_RETRIES", 3)
	v.SetDefault("EVALUATION_RETRY_DELAY", "5s")
	v.SetDefault("EVALUATION_MAX_ATTEMPTS", 5)
	v.SetDefault("EVALUATION_THRESHOLDS", DefaultThresholds)
	v.SetDefault("EVALUATION_COMMIT_TIMEOUT", "10s")

	v.SetDefault("ENABLE_RECONCILIATION", true)
	v.SetDefault("RECONCILIATION_INTERVAL", "5m")
	v.SetDefault("RECONCILIATION_CLAIM_TTL", "2m")
	v.SetDefault("RECONCILIATION_BATCH_SIZE", 100)

	v.SetDefault("ENABLE_STATS_CACHE", false)
	v.SetDefault("STATS_CACHE_TTL", "5m")
}

// isMissingFile treats an absent .env as "use environment and defaults only".
func isMissingFile(err error) bool {
	return strings.Contains(err.Error(), "no such file or directory")
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
