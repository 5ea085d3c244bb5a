package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/musegen/musegen/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")

	// ErrValidation marks a malformed job at creation time. Nothing is inserted.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidTransition is returned when an update would move a job status
	// backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("invalid job status transition")

	// ErrJobCancelled is returned when a claim or progress write finds the job
	// cancelled. The worker must stop without touching the row further.
	ErrJobCancelled = errors.New("job cancelled")
)

// Progress is a partial update of a processing job's metrics. All cumulative
// fields carry absolute values, never deltas, so a replayed write is harmless.
type Progress struct {
	ProgressPercentage        float64
	CurrentTokens             int
	TokensPerSecond           float64
	ElapsedSeconds            float64
	EstimatedRemainingSeconds float64
	PartialContent            string
	ContentRate               float64
}

// FinalMetrics carries the totals written when a job completes.
type FinalMetrics struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	ElapsedSeconds   float64
	TokensPerSecond  float64
}

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Jobs. Status transitions are compare-and-set on the current status so
	// that no update can regress a job, regardless of writer interleaving.
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	UpdateProgress(ctx context.Context, id uuid.UUID, p Progress) error
	CompleteJob(ctx context.Context, id uuid.UUID, content string, final FinalMetrics) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error
	CancelJob(ctx context.Context, id uuid.UUID) error
	RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error)

	ListActiveJobs(ctx context.Context, limit int) ([]*models.Job, error)
	ListJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error)
	ListStuckQueued(ctx context.Context, olderThan time.Time) ([]*models.Job, error)
	ListStaleProcessing(ctx context.Context, staleSince time.Time) ([]*models.Job, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	CountJobsByStatus(ctx context.Context) (map[string]int, error)

	// Applications. Terminal application status is only ever written inside
	// the same transaction as the owning job row.
	CreateApplication(ctx context.Context, app *models.Application) error
	GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error)
	IncrementRemixCount(ctx context.Context, id uuid.UUID) error

	// API keys, consumed by the auth middleware.
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}
