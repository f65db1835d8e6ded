package main

import (
	"encoding/json"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/service"
	"github.com/noah-isme/voice-reward-api/pkg/config"
)

// issue_token prints an access token signed with the configured JWT secret.
// Intended for local development and smoke tests against a running API.
func main() {
	var (
		userID string
		role   string
		ttl    time.Duration
	)
	flag.StringVar(&userID, "user", "", "User ID placed in the token subject")
	flag.StringVar(&role, "role", string(models.RoleContributor), "CONTRIBUTOR or ADMIN")
	flag.DurationVar(&ttl, "ttl", 0, "Token lifetime, defaults to JWT_EXPIRATION")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if cfg.Env == config.EnvProduction {
		log.Fatal("refusing to mint tokens with production configuration")
	}
	expiry := cfg.JWT.Expiration
	if ttl > 0 {
		expiry = ttl
	}

	auth := service.NewAuthService(nil, service.AuthConfig{
		AccessTokenSecret: cfg.JWT.Secret,
		AccessTokenExpiry: expiry,
		Issuer:            cfg.JWT.Issuer,
	})
	token, expiresAt, err := auth.IssueToken(userID, models.UserRole(strings.ToUpper(role)))
	if err != nil {
		log.Fatalf("failed to issue token: %v", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]interface{}{
		"access_token": token,
		"expires_at":   expiresAt,
		"user_id":      userID,
		"role":         strings.ToUpper(role),
	}); err != nil {
		log.Fatalf("failed to write token: %v", err)
	}
}
