package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/voice-reward-api/internal/dto"
	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	appErrors "github.com/noah-isme/voice-reward-api/pkg/errors"
	"github.com/noah-isme/voice-reward-api/pkg/jobs"
)

// JobTypeEvaluate tags evaluation jobs on the queue.
const JobTypeEvaluate = "evaluate"

// Failure reason persisted when a claim outlives the claim TTL without a result.
const FailureClaimExpired = "CLAIM_EXPIRED"

const defaultCommitTimeout = 10 * time.Second

type evaluationStore interface {
	GetByID(ctx context.Context, id string) (*models.Recording, error)
	ClaimForEvaluation(ctx context.Context, id string) (*models.Recording, bool, error)
	StashResult(ctx context.Context, id string, result models.ScoredResult) error
	CommitScored(ctx context.Context, id string, result models.ScoredResult, token *models.RewardToken) error
	MarkFailed(ctx context.Context, id, reason string) error
	ExpireClaim(ctx context.Context, id, reason string) error
	RevokeForReevaluation(ctx context.Context, id string, audit *models.AuditLog) error
}

type scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

type statsInvalidator interface {
	Invalidate(ctx context.Context, pattern string) error
}

type jobDispatcher interface {
	TryEnqueue(job jobs.Job) error
}

// EvaluateOptions selects how an evaluation was triggered.
type EvaluateOptions struct {
	Method models.EvaluationMethod
}

// EvaluationConfig tunes the orchestrator.
type EvaluationConfig struct {
	// MaxAttempts bounds automatic retries of failed recordings. Zero disables the bound.
	MaxAttempts int
	// CommitTimeout bounds the stash, commit and failure writes after the scorer answers.
	CommitTimeout time.Duration
}

// EvaluationService drives a recording from pending or failed to a terminal state and pays for it.
type EvaluationService struct {
	repo       evaluationStore
	scorer     scorer
	classifier *Classifier
	cache      statsInvalidator
	queue      jobDispatcher
	metrics    *MetricsService
	logger     *zap.Logger
	cfg        EvaluationConfig
}

// NewEvaluationService constructs the orchestrator.
func NewEvaluationService(repo evaluationStore, scorer scorer, classifier *Classifier, cache statsInvalidator, queue jobDispatcher, metrics *MetricsService, logger *zap.Logger, cfg EvaluationConfig) *EvaluationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	return &EvaluationService{
		repo:       repo,
		scorer:     scorer,
		classifier: classifier,
		cache:      cache,
		queue:      queue,
		metrics:    metrics,
		logger:     logger,
		cfg:        cfg,
	}
}

// Evaluate claims the recording, scores it, classifies the score and commits the
// state change together with exactly one reward token.
func (s *EvaluationService) Evaluate(ctx context.Context, recordingID string, opts EvaluateOptions) (*dto.EvaluationResult, error) {
	method := opts.Method
	if method == "" {
		method = models.MethodAPI
	}

	if method != models.MethodAPI && s.cfg.MaxAttempts > 0 {
		if err := s.checkAttemptBudget(ctx, recordingID); err != nil {
			s.metrics.ObserveEvaluation(OutcomeInvalid, method)
			return nil, err
		}
	}

	rec, claimed, err := s.repo.ClaimForEvaluation(ctx, recordingID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to claim recording")
	}
	if !claimed {
		err := s.claimRejection(ctx, recordingID)
		s.observeRejection(err, method)
		return nil, err
	}

	result, err := s.scoreAndClassify(ctx, rec)

	// the claim is held from here on; a caller hanging up must not strand it
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CommitTimeout)
	defer cancel()

	if err != nil {
		s.markFailed(writeCtx, rec, err)
		s.metrics.ObserveEvaluation(OutcomeFailed, method)
		return nil, err
	}

	if err := s.repo.StashResult(writeCtx, rec.ID, result); err != nil {
		s.logger.Sugar().Warnw("failed to stash evaluation result", "recording_id", rec.ID, "error", err)
	}
	return s.commit(writeCtx, rec.ID, rec.OwnerID, result, method)
}

// Recommit retries the commit of a stashed result without calling the scorer again.
func (s *EvaluationService) Recommit(ctx context.Context, rec *models.Recording) (*dto.EvaluationResult, error) {
	if rec == nil || !rec.HasStashedResult() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "recording has no stashed result")
	}
	result := models.ScoredResult{
		Quality:       *rec.PendingQuality,
		Amount:        *rec.PendingAmount,
		Transcription: rec.PendingTranscription,
	}
	if rec.Score != nil {
		result.Score = *rec.Score
	}
	return s.commit(ctx, rec.ID, rec.OwnerID, result, models.MethodReconciliation)
}

// ExpireClaim fails an in_progress recording whose evaluator disappeared before producing a result.
// A row that gained a stashed result since it was listed is left for Recommit.
func (s *EvaluationService) ExpireClaim(ctx context.Context, rec *models.Recording) error {
	if err := s.repo.ExpireClaim(ctx, rec.ID, FailureClaimExpired); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return appErrors.Clone(appErrors.ErrInvalidState, "recording no longer in progress or already holds a result")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to expire claim")
	}
	s.logger.Sugar().Warnw("evaluation claim expired", "recording_id", rec.ID, "claimed_at", rec.ClaimedAt)
	return nil
}

// ForceReevaluate is the audited admin path for evaluating a scored recording again.
// The prior token is rejected in the same transaction that resets the recording.
// Recordings that are not scored go through the normal Evaluate path.
func (s *EvaluationService) ForceReevaluate(ctx context.Context, recordingID, actorID, reason string) (*dto.EvaluationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "reason is required to force re-evaluation")
	}
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "recording not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recording")
	}
	if rec.EvaluationState != models.EvaluationScored {
		return s.Evaluate(ctx, recordingID, EvaluateOptions{Method: models.MethodAPI})
	}

	oldValues, _ := json.Marshal(map[string]interface{}{
		"evaluation_state": rec.EvaluationState,
		"quality":          rec.Quality,
		"score":            rec.Score,
	})
	newValues, _ := json.Marshal(map[string]interface{}{
		"evaluation_state": models.EvaluationPending,
		"reason":           reason,
	})
	audit := &models.AuditLog{
		UserID:     &actorID,
		Action:     models.AuditActionRecordingReevaluate,
		Resource:   models.AuditResourceRecording,
		ResourceID: &rec.ID,
		OldValues:  oldValues,
		NewValues:  newValues,
	}
	if err := s.repo.RevokeForReevaluation(ctx, rec.ID, audit); err != nil {
		if errors.Is(err, repository.ErrStateConflict) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, "recording changed state, retry")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reset recording")
	}
	s.logger.Sugar().Infow("forced re-evaluation", "recording_id", rec.ID, "actor_id", actorID, "reason", reason)
	s.invalidateStats(ctx)

	return s.Evaluate(ctx, rec.ID, EvaluateOptions{Method: models.MethodAPI})
}

// Enqueue hands the recording to the evaluation workers without waiting for the result.
func (s *EvaluationService) Enqueue(ctx context.Context, recordingID string) error {
	if s.queue == nil {
		return appErrors.Clone(appErrors.ErrUnavailable, "evaluation queue not configured")
	}
	if err := s.queue.TryEnqueue(jobs.Job{ID: recordingID, Type: JobTypeEvaluate}); err != nil {
		if errors.Is(err, jobs.ErrQueueFull) {
			return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "evaluation queue is full, retry later")
		}
		return appErrors.Wrap(err, appErrors.ErrUnavailable.Code, appErrors.ErrUnavailable.Status, "failed to enqueue evaluation")
	}
	return nil
}

func (s *EvaluationService) checkAttemptBudget(ctx context.Context, recordingID string) error {
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "recording not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recording")
	}
	if rec.EvaluationState == models.EvaluationFailed && rec.EvaluationAttempts >= s.cfg.MaxAttempts {
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("recording exhausted %d evaluation attempts and needs review", rec.EvaluationAttempts))
	}
	return nil
}

// claimRejection explains why a claim did not succeed.
func (s *EvaluationService) claimRejection(ctx context.Context, recordingID string) error {
	rec, err := s.repo.GetByID(ctx, recordingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "recording not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recording")
	}
	switch rec.EvaluationState {
	case models.EvaluationScored:
		return appErrors.ErrAlreadyScored
	case models.EvaluationInProgress:
		return appErrors.ErrAlreadyInProgress
	default:
		// state moved between the claim and the read; the next trigger will pick it up
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("recording is %s", rec.EvaluationState))
	}
}

func (s *EvaluationService) observeRejection(err error, method models.EvaluationMethod) {
	switch {
	case errors.Is(err, appErrors.ErrAlreadyScored):
		s.metrics.ObserveEvaluation(OutcomeAlreadyScored, method)
	case errors.Is(err, appErrors.ErrAlreadyInProgress):
		s.metrics.ObserveEvaluation(OutcomeAlreadyInProgress, method)
	default:
		s.metrics.ObserveEvaluation(OutcomeInvalid, method)
	}
}

func (s *EvaluationService) scoreAndClassify(ctx context.Context, rec *models.Recording) (models.ScoredResult, error) {
	start := time.Now()
	resp, err := s.scorer.Score(ctx, ScoreRequest{
		StorageRef:   rec.StorageRef,
		DomainHint:   string(rec.Domain),
		LanguageHint: rec.Language,
	})
	if err != nil {
		code := appErrors.Code(err)
		if code == "" || code == appErrors.ErrInternal.Code {
			err = appErrors.WrapAs(appErrors.ErrScorerUnavailable, err, "")
			code = appErrors.ErrScorerUnavailable.Code
		}
		s.metrics.ObserveScorer(code, time.Since(start))
		return models.ScoredResult{}, err
	}
	s.metrics.ObserveScorer("ok", time.Since(start))

	quality, amount, err := s.classifier.Classify(resp.OverallScore)
	if err != nil {
		return models.ScoredResult{}, err
	}
	return models.ScoredResult{
		Score:         resp.OverallScore,
		Quality:       quality,
		Amount:        amount,
		Transcription: resp.Transcription,
	}, nil
}

func (s *EvaluationService) markFailed(ctx context.Context, rec *models.Recording, cause error) {
	reason := appErrors.Code(cause)
	if err := s.repo.MarkFailed(ctx, rec.ID, reason); err != nil {
		s.logger.Sugar().Errorw("failed to mark recording failed", "recording_id", rec.ID, "reason", reason, "error", err)
		return
	}
	s.logger.Sugar().Warnw("evaluation failed", "recording_id", rec.ID, "reason", reason, "attempt", rec.EvaluationAttempts, "error", cause)
}

func (s *EvaluationService) commit(ctx context.Context, recordingID, ownerID string, result models.ScoredResult, method models.EvaluationMethod) (*dto.EvaluationResult, error) {
	token := &models.RewardToken{
		UserID: ownerID,
		Reason: models.ReasonEvaluatedContribution,
		Method: method,
		Status: models.TokenStatusPending,
	}
	err := s.repo.CommitScored(ctx, recordingID, result, token)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrDuplicateToken):
		s.logger.Sugar().Errorw("duplicate reward issuance prevented", "code", appErrors.ErrDuplicateIssuance.Code,
			"recording_id", recordingID, "user_id", ownerID, "amount", result.Amount, "error", err)
		s.metrics.ObserveEvaluation(OutcomeCommitFailed, method)
		// park it as failed so the sweep stops recommitting and review picks it up
		if markErr := s.repo.MarkFailed(ctx, recordingID, appErrors.ErrDuplicateIssuance.Code); markErr != nil {
			s.logger.Sugar().Errorw("failed to mark duplicate issuance for review", "recording_id", recordingID, "error", markErr)
		}
		return nil, appErrors.WrapAs(appErrors.ErrDuplicateIssuance, err, "")
	case errors.Is(err, repository.ErrStateConflict):
		rejection := s.claimRejection(ctx, recordingID)
		s.observeRejection(rejection, method)
		return nil, rejection
	default:
		s.logger.Sugar().Errorw("evaluation commit failed, result kept for reconciliation", "code", appErrors.ErrCommitPartialFailure.Code,
			"recording_id", recordingID, "user_id", ownerID, "amount", result.Amount, "quality", result.Quality, "error", err)
		s.metrics.ObserveEvaluation(OutcomeCommitFailed, method)
		return nil, appErrors.WrapAs(appErrors.ErrCommitPartialFailure, err, "")
	}

	s.metrics.ObserveEvaluation(OutcomeScored, method)
	s.metrics.ObserveTokensIssued(result.Quality, result.Amount)
	s.invalidateStats(ctx)
	s.logger.Sugar().Infow("recording scored", "recording_id", recordingID, "user_id", ownerID,
		"quality", result.Quality, "amount", result.Amount, "method", method, "token_id", token.ID)

	return &dto.EvaluationResult{
		RecordingID: recordingID,
		State:       models.EvaluationScored,
		Quality:     result.Quality,
		Amount:      result.Amount,
		Score:       result.Score,
		TokenID:     token.ID,
		Method:      method,
	}, nil
}

func (s *EvaluationService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, StatsCachePattern); err != nil {
		s.logger.Sugar().Warnw("failed to invalidate stats cache", "error", err)
	}
}

// EvaluationWorker adapts queue jobs to EvaluationService.Evaluate.
type EvaluationWorker struct {
	evaluator *EvaluationService
	logger    *zap.Logger
}

// NewEvaluationWorker constructs a worker.
func NewEvaluationWorker(evaluator *EvaluationService, logger *zap.Logger) *EvaluationWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EvaluationWorker{evaluator: evaluator, logger: logger}
}

// Handle evaluates the recording named by job.ID. Scorer transport and storage errors are
// returned so the queue backs off; outcomes that retrying cannot change are swallowed or marked permanent.
func (w *EvaluationWorker) Handle(ctx context.Context, job jobs.Job) error {
	_, err := w.evaluator.Evaluate(ctx, job.ID, EvaluateOptions{Method: models.MethodWorker})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, appErrors.ErrAlreadyScored),
		errors.Is(err, appErrors.ErrAlreadyInProgress),
		errors.Is(err, appErrors.ErrInvalidState),
		errors.Is(err, appErrors.ErrNotFound):
		w.logger.Sugar().Debugw("nothing to evaluate", "recording_id", job.ID, "reason", appErrors.Code(err))
		return nil
	case errors.Is(err, appErrors.ErrScorerResponseInvalid),
		errors.Is(err, appErrors.ErrDuplicateIssuance),
		errors.Is(err, appErrors.ErrCommitPartialFailure):
		return jobs.Permanent(err)
	default:
		return err
	}
}
