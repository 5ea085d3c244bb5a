package pipeline_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/musegen/musegen/internal/store"
	"github.com/musegen/musegen/pkg/models"
)

// memStore is an in-memory store.Store with the same compare-and-set
// transition semantics as the Postgres implementation. It lets the pipeline
// scenarios run without a database.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
	apps map[uuid.UUID]*models.Application
}

func newMemStore() *memStore {
	return &memStore{
		jobs: make(map[uuid.UUID]*models.Job),
		apps: make(map[uuid.UUID]*models.Application),
	}
}

var _ store.Store = (*memStore)(nil)

func cloneJob(j *models.Job) *models.Job {
	c := *j
	return &c
}

func (m *memStore) Ping(_ context.Context) error { return nil }

func (m *memStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if job.UserID == uuid.Nil || job.ApplicationID == uuid.Nil {
		return fmt.Errorf("%w: user and application are required", store.ErrValidation)
	}
	if job.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", store.ErrValidation)
	}
	if !models.ValidPriority(job.Priority) {
		return fmt.Errorf("%w: invalid priority %d", store.ErrValidation, job.Priority)
	}
	if _, ok := m.jobs[job.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := cloneJob(job)
	c.Status = models.JobStatusQueued
	m.jobs[job.ID] = c
	return nil
}

func (m *memStore) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneJob(j), nil
}

// conflict mirrors the Postgres CAS-miss classification.
func (m *memStore) conflict(id uuid.UUID) error {
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	if j.Status == models.JobStatusCancelled {
		return store.ErrJobCancelled
	}
	return fmt.Errorf("%w: job is %s", store.ErrInvalidTransition, j.Status)
}

func (m *memStore) ClaimJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if j.Status != models.JobStatusQueued {
		return nil, m.conflict(id)
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusProcessing
	j.StartedAt = &now
	j.LastUpdateAt = &now
	return cloneJob(j), nil
}

func (m *memStore) UpdateProgress(_ context.Context, id uuid.UUID, p store.Progress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return m.conflict(id)
	}
	now := time.Now().UTC()
	j.ProgressPercentage = p.ProgressPercentage
	if p.CurrentTokens > j.CurrentTokens {
		j.CurrentTokens = p.CurrentTokens
	}
	j.TokensPerSecond = p.TokensPerSecond
	if p.ElapsedSeconds > j.ElapsedSeconds {
		j.ElapsedSeconds = p.ElapsedSeconds
	}
	j.EstimatedRemainingSeconds = p.EstimatedRemainingSeconds
	if len(p.PartialContent) > j.PartialContentLength {
		j.PartialContentLength = len(p.PartialContent)
	}
	j.ContentRate = p.ContentRate
	j.LastUpdateAt = &now
	if app, ok := m.apps[j.ApplicationID]; ok {
		app.Content = p.PartialContent
		app.UpdatedAt = now
	}
	return nil
}

func (m *memStore) CompleteJob(_ context.Context, id uuid.UUID, content string, final store.FinalMetrics) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusProcessing {
		return m.conflict(id)
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusCompleted
	j.ProgressPercentage = 100
	j.PromptTokens = final.PromptTokens
	j.CompletionTokens = final.CompletionTokens
	j.TotalTokens = final.TotalTokens
	if final.ElapsedSeconds > j.ElapsedSeconds {
		j.ElapsedSeconds = final.ElapsedSeconds
	}
	j.TokensPerSecond = final.TokensPerSecond
	j.EstimatedRemainingSeconds = 0
	j.PartialContentLength = len(content)
	j.LastUpdateAt = &now
	j.CompletedAt = &now
	if app, ok := m.apps[j.ApplicationID]; ok {
		app.Content = content
		app.Status = models.ApplicationStatusCompleted
		app.UpdatedAt = now
	}
	return nil
}

func (m *memStore) FailJob(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != models.JobStatusQueued && j.Status != models.JobStatusProcessing) {
		return m.conflict(id)
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusFailed
	j.ErrorMessage = &errMsg
	j.LastUpdateAt = &now
	j.CompletedAt = &now
	if app, ok := m.apps[j.ApplicationID]; ok {
		app.Content = ""
		app.Status = models.ApplicationStatusFailed
		app.UpdatedAt = now
	}
	return nil
}

func (m *memStore) CancelJob(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || (j.Status != models.JobStatusQueued && j.Status != models.JobStatusProcessing) {
		return m.conflict(id)
	}
	now := time.Now().UTC()
	j.Status = models.JobStatusCancelled
	j.LastUpdateAt = &now
	j.CompletedAt = &now
	if app, ok := m.apps[j.ApplicationID]; ok {
		app.Content = ""
		app.Status = models.ApplicationStatusDraft
		app.UpdatedAt = now
	}
	return nil
}

func (m *memStore) RetryJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != models.JobStatusFailed {
		return nil, m.conflict(id)
	}
	j.Status = models.JobStatusQueued
	j.ErrorMessage = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LastUpdateAt = nil
	j.ProgressPercentage = 0
	j.CurrentTokens = 0
	j.TokensPerSecond = 0
	j.ElapsedSeconds = 0
	j.EstimatedRemainingSeconds = 0
	j.PromptTokens = 0
	j.CompletionTokens = 0
	j.TotalTokens = 0
	j.PartialContentLength = 0
	j.ContentRate = 0
	if app, ok := m.apps[j.ApplicationID]; ok {
		app.Content = ""
		app.Status = models.ApplicationStatusGenerating
	}
	return cloneJob(j), nil
}

func (m *memStore) ListActiveJobs(_ context.Context, limit int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusQueued || j.Status == models.JobStatusProcessing {
			out = append(out, cloneJob(j))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListJobsByUser(_ context.Context, userID uuid.UUID, limit, _ int) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.UserID == userID {
			out = append(out, cloneJob(j))
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) ListStuckQueued(_ context.Context, olderThan time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status == models.JobStatusQueued && j.CreatedAt.Before(olderThan) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (m *memStore) ListStaleProcessing(_ context.Context, staleSince time.Time) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Job
	for _, j := range m.jobs {
		if j.Status != models.JobStatusProcessing {
			continue
		}
		if j.LastUpdateAt == nil || j.LastUpdateAt.Before(staleSince) {
			out = append(out, cloneJob(j))
		}
	}
	return out, nil
}

func (m *memStore) DeleteTerminalJobsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, j := range m.jobs {
		if models.TerminalStatus(j.Status) && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (m *memStore) CountJobsByStatus(_ context.Context) (map[string]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[string]int)
	for _, j := range m.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (m *memStore) CreateApplication(_ context.Context, app *models.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[app.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *app
	m.apps[app.ID] = &c
	return nil
}

func (m *memStore) GetApplication(_ context.Context, id uuid.UUID) (*models.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *app
	return &c, nil
}

func (m *memStore) IncrementRemixCount(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[id]
	if !ok {
		return store.ErrNotFound
	}
	app.RemixCount++
	return nil
}

func (m *memStore) GetAPIKeyByPrefix(_ context.Context, _ string) ([]*models.APIKey, error) {
	return nil, nil
}

func (m *memStore) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }

// setCreatedAt rewinds a job's creation time, for grace-period scenarios.
func (m *memStore) setCreatedAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.CreatedAt = at
	}
}

// setLastUpdateAt rewinds a job's liveness timestamp.
func (m *memStore) setLastUpdateAt(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.jobs[id]; ok {
		j.LastUpdateAt = &at
	}
}
