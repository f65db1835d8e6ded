package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/voice-reward-api/internal/models"
	"github.com/noah-isme/voice-reward-api/internal/repository"
	"github.com/noah-isme/voice-reward-api/pkg/jobs"
)

// memStore is an in-memory recording store and ledger with the same conditional-write
// contract as the Postgres repositories.
type memStore struct {
	mu         sync.Mutex
	now        time.Time
	recordings map[string]*models.Recording
	tokens     []models.RewardToken
	audits     []models.AuditLog
	commitErrs []error
	createErr  error
}

func newMemStore() *memStore {
	return &memStore{now: time.Now().UTC(), recordings: map[string]*models.Recording{}}
}

func (m *memStore) addRecording(owner string, state models.EvaluationState) *models.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(time.Second)
	rec := &models.Recording{
		ID:              uuid.NewString(),
		OwnerID:         owner,
		StorageRef:      "local://recordings/2026/10/" + uuid.NewString() + ".wav",
		Language:        "sw",
		Domain:          models.DomainHealth,
		DurationSeconds: 10,
		RecordedVia:     models.RecordedViaDevice,
		EvaluationState: state,
		CreatedAt:       m.now,
		UpdatedAt:       m.now,
	}
	m.recordings[rec.ID] = rec
	cp := *rec
	return &cp
}

func (m *memStore) Create(ctx context.Context, rec *models.Recording) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.now = m.now.Add(time.Second)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.EvaluationState = models.EvaluationPending
	rec.CreatedAt, rec.UpdatedAt = m.now, m.now
	cp := *rec
	m.recordings[rec.ID] = &cp
	return nil
}

func (m *memStore) ListByOwner(ctx context.Context, ownerID string, page, size int) ([]models.Recording, int, error) {
	all := m.filter(func(r *models.Recording) bool { return r.OwnerID == ownerID },
		func(a, b *models.Recording) bool { return a.CreatedAt.After(b.CreatedAt) }, 0)
	start := (page - 1) * size
	if start >= len(all) {
		return []models.Recording{}, len(all), nil
	}
	end := start + size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*models.Recording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok {
		return nil, fmt.Errorf("get recording: %w", sql.ErrNoRows)
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) ClaimForEvaluation(ctx context.Context, id string) (*models.Recording, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || !rec.EvaluationState.Evaluable() {
		return nil, false, nil
	}
	now := time.Now().UTC()
	rec.EvaluationState = models.EvaluationInProgress
	rec.EvaluationAttempts++
	rec.ClaimedAt = &now
	rec.FailureReason = nil
	rec.Score = nil
	rec.PendingQuality, rec.PendingAmount, rec.PendingTranscription = nil, nil, nil
	cp := *rec
	return &cp, true, nil
}

func (m *memStore) StashResult(ctx context.Context, id string, result models.ScoredResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationInProgress {
		return repository.ErrStateConflict
	}
	score, quality, amount := result.Score, result.Quality, result.Amount
	rec.Score, rec.PendingQuality, rec.PendingAmount, rec.PendingTranscription = &score, &quality, &amount, result.Transcription
	return nil
}

func (m *memStore) CommitScored(ctx context.Context, id string, result models.ScoredResult, token *models.RewardToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.commitErrs) > 0 {
		err := m.commitErrs[0]
		m.commitErrs = m.commitErrs[1:]
		return err
	}
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationInProgress {
		return repository.ErrStateConflict
	}
	reason := token.Reason
	if reason == "" {
		reason = models.ReasonEvaluatedContribution
	}
	for _, existing := range m.tokens {
		if existing.RecordingID == id && existing.Reason == reason && existing.Status != models.TokenStatusRejected {
			return repository.ErrDuplicateToken
		}
	}
	now := time.Now().UTC()
	quality, score := result.Quality, result.Score
	rec.EvaluationState = models.EvaluationScored
	rec.Quality, rec.Score, rec.Transcription = &quality, &score, result.Transcription
	rec.PendingQuality, rec.PendingAmount, rec.PendingTranscription = nil, nil, nil
	rec.ClaimedAt = nil
	rec.EvaluatedAt = &now

	token.ID = uuid.NewString()
	token.RecordingID = id
	token.Amount = result.Amount
	token.QualityAtIssuance = result.Quality
	token.Reason = reason
	if token.Status == "" {
		token.Status = models.TokenStatusPending
	}
	token.CreatedAt = now
	m.tokens = append(m.tokens, *token)
	return nil
}

func (m *memStore) MarkFailed(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationInProgress {
		return repository.ErrStateConflict
	}
	rec.EvaluationState = models.EvaluationFailed
	rec.FailureReason = &reason
	rec.ClaimedAt = nil
	rec.PendingQuality, rec.PendingAmount, rec.PendingTranscription = nil, nil, nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ExpireClaim(ctx context.Context, id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationInProgress || rec.PendingQuality != nil {
		return repository.ErrStateConflict
	}
	rec.EvaluationState = models.EvaluationFailed
	rec.FailureReason = &reason
	rec.ClaimedAt = nil
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *memStore) ResetToPending(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationFailed {
		return repository.ErrStateConflict
	}
	rec.EvaluationState = models.EvaluationPending
	return nil
}

func (m *memStore) RevokeForReevaluation(ctx context.Context, id string, audit *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok || rec.EvaluationState != models.EvaluationScored {
		return repository.ErrStateConflict
	}
	m.rejectLocked(id)
	rec.EvaluationState = models.EvaluationPending
	rec.Quality, rec.Transcription, rec.Score, rec.EvaluatedAt = nil, nil, nil, nil
	if audit != nil {
		m.audits = append(m.audits, *audit)
	}
	return nil
}

func (m *memStore) Delete(ctx context.Context, id string, audit *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recordings[id]
	if !ok {
		return fmt.Errorf("lock recording: %w", sql.ErrNoRows)
	}
	if rec.EvaluationState == models.EvaluationInProgress {
		return repository.ErrStateConflict
	}
	m.rejectLocked(id)
	delete(m.recordings, id)
	if audit != nil {
		m.audits = append(m.audits, *audit)
	}
	return nil
}

func (m *memStore) rejectLocked(recordingID string) {
	for i := range m.tokens {
		if m.tokens[i].RecordingID == recordingID {
			m.tokens[i].Status = models.TokenStatusRejected
		}
	}
}

func (m *memStore) filter(keep func(*models.Recording) bool, less func(a, b *models.Recording) bool, limit int) []models.Recording {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Recording
	for _, rec := range m.recordings {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	items := make([]models.Recording, len(out))
	for i, rec := range out {
		items[i] = *rec
	}
	return items
}

func (m *memStore) ListPendingEvaluation(ctx context.Context, limit int) ([]models.Recording, error) {
	return m.filter(func(r *models.Recording) bool { return r.EvaluationState == models.EvaluationPending },
		func(a, b *models.Recording) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func (m *memStore) ListStaleInProgress(ctx context.Context, before time.Time, limit int) ([]models.Recording, error) {
	return m.filter(func(r *models.Recording) bool {
		return r.EvaluationState == models.EvaluationInProgress && (r.ClaimedAt == nil || r.ClaimedAt.Before(before))
	}, func(a, b *models.Recording) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func (m *memStore) ListRetryableFailed(ctx context.Context, reasons []string, maxAttempts, limit int) ([]models.Recording, error) {
	return m.filter(func(r *models.Recording) bool {
		return r.EvaluationState == models.EvaluationFailed && r.FailureReason != nil &&
			contains(reasons, *r.FailureReason) && r.EvaluationAttempts < maxAttempts
	}, func(a, b *models.Recording) bool { return a.CreatedAt.Before(b.CreatedAt) }, limit), nil
}

func (m *memStore) ListNeedsReview(ctx context.Context, retryable []string, maxAttempts, limit int) ([]models.Recording, error) {
	return m.filter(func(r *models.Recording) bool {
		return r.EvaluationState == models.EvaluationFailed &&
			(r.FailureReason == nil || !contains(retryable, *r.FailureReason) || r.EvaluationAttempts >= maxAttempts)
	}, func(a, b *models.Recording) bool { return a.CreatedAt.After(b.CreatedAt) }, limit), nil
}

func (m *memStore) BalanceOf(ctx context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, tok := range m.tokens {
		if tok.UserID == userID && tok.Status != models.TokenStatusRejected {
			total += int64(tok.Amount)
		}
	}
	return total, nil
}

func (m *memStore) tokensFor(recordingID string) []models.RewardToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.RewardToken
	for _, tok := range m.tokens {
		if tok.RecordingID == recordingID {
			out = append(out, tok)
		}
	}
	return out
}

func (m *memStore) activeTokens(recordingID string) int {
	n := 0
	for _, tok := range m.tokensFor(recordingID) {
		if tok.Status != models.TokenStatusRejected {
			n++
		}
	}
	return n
}

func (m *memStore) state(id string) models.EvaluationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recordings[id]; ok {
		return rec.EvaluationState
	}
	return ""
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

type stubScorer struct {
	calls int32
	fn    func(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

func (s *stubScorer) Score(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.fn(ctx, req)
}

func (s *stubScorer) Calls() int {
	return int(atomic.LoadInt32(&s.calls))
}

func fixedScore(score float64) *stubScorer {
	return &stubScorer{fn: func(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
		return ScoreResult{OverallScore: score}, nil
	}}
}

func failingScorer(err error) *stubScorer {
	return &stubScorer{fn: func(ctx context.Context, req ScoreRequest) (ScoreResult, error) {
		return ScoreResult{}, err
	}}
}

type stubInvalidator struct {
	calls int32
}

func (s *stubInvalidator) Invalidate(ctx context.Context, pattern string) error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

type stubQueue struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (q *stubQueue) TryEnqueue(job jobs.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *stubQueue) ids() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.jobs))
	for i, j := range q.jobs {
		out[i] = j.ID
	}
	return out
}
