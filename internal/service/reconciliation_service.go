package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
)

// Reconciliation action labels.
const (
	ActionRecommitted    = "recommitted"
	ActionClaimExpired   = "claim_expired"
	ActionFailedRequeued = "failed_requeued"
	ActionPendingQueued  = "pending_queued"
	ActionNeedsReview    = "needs_review"
	ActionError          = "error"
)

// RetryableFailureReasons lists the persisted failure codes that the sweep retries automatically.
func RetryableFailureReasons() []string {
	return []string{appErrors.ErrScorerTimeout.Code, appErrors.ErrScorerUnavailable.Code, FailureClaimExpired}
}

type reconciliationStore interface {
	ListStaleInProgress(ctx context.Context, before time.Time, limit int) ([]models.Recording, error)
	ListRetryableFailed(ctx context.Context, reasons []string, maxAttempts, limit int) ([]models.Recording, error)
	ListPendingEvaluation(ctx context.Context, limit int) ([]models.Recording, error)
	ListNeedsReview(ctx context.Context, retryableReasons []string, maxAttempts, limit int) ([]models.Recording, error)
	ResetToPending(ctx context.Context, id string) error
}

// ReconciliationConfig tunes the sweep.
type ReconciliationConfig struct {
	Interval    time.Duration
	ClaimTTL    time.Duration
	BatchSize   int
	MaxAttempts int
}

// ReconciliationService repairs recordings that a crash, timeout or full queue left behind.
type ReconciliationService struct {
	repo      reconciliationStore
	evaluator *EvaluationService
	metrics   *MetricsService
	logger    *zap.Logger
	cfg       ReconciliationConfig
	now       func() time.Time

	// serialises RunOnce between the ticker and the admin trigger
	mu sync.Mutex
}

// NewReconciliationService constructs the sweep.
func NewReconciliationService(repo reconciliationStore, evaluator *EvaluationService, metrics *MetricsService, logger *zap.Logger, cfg ReconciliationConfig) *ReconciliationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClaimTTL <= 0 {
		cfg.ClaimTTL = 2 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &ReconciliationService{
		repo:      repo,
		evaluator: evaluator,
		metrics:   metrics,
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

// RunOnce performs one sweep:
//   - stale in_progress claims with a stashed result are committed;
//   - stale claims without one are failed with CLAIM_EXPIRED;
//   - failed recordings with a retryable reason and attempts left go back to pending;
//   - pending recordings are handed to the evaluation queue.
func (s *ReconciliationService) RunOnce(ctx context.Context) (*dto.ReconciliationReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := &dto.ReconciliationReport{StartedAt: s.now().UTC()}
	queued := make(map[string]struct{})

	stale, err := s.repo.ListStaleInProgress(ctx, s.now().Add(-s.cfg.ClaimTTL), s.cfg.BatchSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list stale evaluations")
	}
	for i := range stale {
		rec := &stale[i]
		if rec.HasStashedResult() {
			if _, err := s.evaluator.Recommit(ctx, rec); err != nil {
				if !isSettled(err) {
					report.Errors++
					s.logger.Sugar().Errorw("recommit failed", "recording_id", rec.ID, "error", err)
				}
				continue
			}
			report.Recommitted++
			continue
		}
		if err := s.evaluator.ExpireClaim(ctx, rec); err != nil {
			if !errors.Is(err, appErrors.ErrInvalidState) {
				report.Errors++
				s.logger.Sugar().Errorw("expire claim failed", "recording_id", rec.ID, "error", err)
			}
			continue
		}
		report.ClaimsExpired++
	}

	retryable := RetryableFailureReasons()
	failed, err := s.repo.ListRetryableFailed(ctx, retryable, s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list retryable recordings")
	}
	for _, rec := range failed {
		if err := s.repo.ResetToPending(ctx, rec.ID); err != nil {
			if !errors.Is(err, repository.ErrStateConflict) {
				report.Errors++
				s.logger.Sugar().Warnw("failed to reset recording", "recording_id", rec.ID, "error", err)
			}
			continue
		}
		if s.enqueue(ctx, rec.ID, queued, report) {
			report.FailedRequeued++
		}
	}

	pending, err := s.repo.ListPendingEvaluation(ctx, s.cfg.BatchSize)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list pending recordings")
	}
	for _, rec := range pending {
		if _, seen := queued[rec.ID]; seen {
			continue
		}
		if s.enqueue(ctx, rec.ID, queued, report) {
			report.PendingQueued++
		}
	}

	review, err := s.repo.ListNeedsReview(ctx, retryable, s.cfg.MaxAttempts, s.cfg.BatchSize)
	if err != nil {
		s.logger.Sugar().Warnw("failed to count recordings needing review", "error", err)
	} else {
		report.NeedsReview = len(review)
	}

	report.FinishedAt = s.now().UTC()
	s.observe(report)
	s.logger.Sugar().Infow("reconciliation pass complete",
		"recommitted", report.Recommitted,
		"claims_expired", report.ClaimsExpired,
		"failed_requeued", report.FailedRequeued,
		"pending_queued", report.PendingQueued,
		"needs_review", report.NeedsReview,
		"errors", report.Errors,
		"duration", report.FinishedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// ListNeedsReview returns failed recordings the sweep will not retry on its own.
func (s *ReconciliationService) ListNeedsReview(ctx context.Context, limit int) ([]models.Recording, error) {
	if limit <= 0 || limit > s.cfg.BatchSize {
		limit = s.cfg.BatchSize
	}
	items, err := s.repo.ListNeedsReview(ctx, RetryableFailureReasons(), s.cfg.MaxAttempts, limit)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list recordings needing review")
	}
	return items, nil
}

// Start runs the sweep on a ticker until ctx is cancelled.
func (s *ReconciliationService) Start(ctx context.Context) {
	if s.cfg.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer ticker.Stop()
		s.runLogged(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runLogged(ctx)
			}
		}
	}()
}

func (s *ReconciliationService) runLogged(ctx context.Context) {
	if _, err := s.RunOnce(ctx); err != nil {
		s.logger.Sugar().Warnw("reconciliation pass failed", "error", err)
	}
}

func (s *ReconciliationService) enqueue(ctx context.Context, id string, queued map[string]struct{}, report *dto.ReconciliationReport) bool {
	if err := s.evaluator.Enqueue(ctx, id); err != nil {
		report.Errors++
		s.logger.Sugar().Warnw("failed to enqueue evaluation", "recording_id", id, "error", err)
		return false
	}
	queued[id] = struct{}{}
	return true
}

func (s *ReconciliationService) observe(report *dto.ReconciliationReport) {
	s.metrics.ObserveReconciliation(ActionRecommitted, report.Recommitted)
	s.metrics.ObserveReconciliation(ActionClaimExpired, report.ClaimsExpired)
	s.metrics.ObserveReconciliation(ActionFailedRequeued, report.FailedRequeued)
	s.metrics.ObserveReconciliation(ActionPendingQueued, report.PendingQueued)
	s.metrics.ObserveReconciliation(ActionNeedsReview, report.NeedsReview)
	s.metrics.ObserveReconciliation(ActionError, report.Errors)
}

// isSettled reports whether a recommit lost a race to another committer.
func isSettled(err error) bool {
	return errors.Is(err, appErrors.ErrAlreadyScored) || errors.Is(err, appErrors.ErrAlreadyInProgress) || errors.Is(err, appErrors.ErrInvalidState)
}
