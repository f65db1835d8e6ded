package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
)

const maxScorerResponseBytes = 1 << 20

// ScoreRequest is sent to the remote scorer.
type ScoreRequest struct {
	StorageRef   string `json:"storageRef"`
	DomainHint   string `json:"domainHint"`
	LanguageHint string `json:"languageHint"`
}

// ScoreResult is the validated scorer response.
type ScoreResult struct {
	OverallScore  float64
	Transcription *string
}

// ScorerClientConfig configures the HTTP scorer client.
type ScorerClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// ScorerClient calls the quality analysis service over HTTP and classifies every failure.
type ScorerClient struct {
	endpoint string
	apiKey   string
	timeout  time.Duration
	client   *http.Client
	logger   *zap.Logger
}

// NewScorerClient constructs a ScorerClient.
func NewScorerClient(cfg ScorerClientConfig, logger *zap.Logger) *ScorerClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &ScorerClient{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/score",
		apiKey:   cfg.APIKey,
		timeout:  cfg.Timeout,
		client:   client,
		logger:   logger,
	}
}

// Score posts req to the scorer under the configured timeout. Errors are one of
// ErrScorerTimeout, ErrScorerUnavailable or ErrScorerResponseInvalid.
func (c *ScorerClient) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return ScoreResult{}, appErrors.WrapAs(appErrors.ErrInternal, err, "encode score request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return ScoreResult{}, appErrors.WrapAs(appErrors.ErrScorerUnavailable, err, "build score request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return ScoreResult{}, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxScorerResponseBytes))
	if err != nil {
		return ScoreResult{}, classifyTransportError(ctx, err)
	}
	c.logger.Sugar().Debugw("scorer responded", "status", resp.StatusCode, "latency", time.Since(start), "storage_ref", req.StorageRef)

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return ScoreResult{}, appErrors.Clone(appErrors.ErrScorerUnavailable, fmt.Sprintf("scorer returned HTTP %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return ScoreResult{}, appErrors.Clone(appErrors.ErrScorerResponseInvalid, fmt.Sprintf("scorer returned HTTP %d", resp.StatusCode))
	}
	return decodeScoreResponse(payload)
}

// decodeScoreResponse treats the body as untrusted and coerces it field by field.
func decodeScoreResponse(payload []byte) (ScoreResult, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return ScoreResult{}, invalidResponse("response is not a JSON object")
	}

	rawScore, ok := fields["overallScore"]
	if !ok {
		return ScoreResult{}, invalidResponse("overallScore missing")
	}
	var score *float64
	if err := json.Unmarshal(rawScore, &score); err != nil || score == nil {
		return ScoreResult{}, invalidResponse("overallScore is not a number")
	}
	if math.IsNaN(*score) || *score < MinScore || *score > MaxScore {
		return ScoreResult{}, invalidResponse(fmt.Sprintf("overallScore %v outside [%v,%v]", *score, MinScore, MaxScore))
	}

	result := ScoreResult{OverallScore: *score}
	if rawText, ok := fields["transcription"]; ok {
		var text *string
		if err := json.Unmarshal(rawText, &text); err != nil {
			return ScoreResult{}, invalidResponse("transcription is not a string")
		}
		if text != nil && strings.TrimSpace(*text) != "" {
			result.Transcription = text
		}
	}
	return result, nil
}

func invalidResponse(msg string) error {
	return appErrors.Clone(appErrors.ErrScorerResponseInvalid, "invalid scorer response: "+msg)
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return appErrors.WrapAs(appErrors.ErrScorerTimeout, err, "")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return appErrors.WrapAs(appErrors.ErrScorerTimeout, err, "")
	}
	return appErrors.WrapAs(appErrors.ErrScorerUnavailable, err, "")
}
