package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/musegen/musegen/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const jobColumns = `id, user_id, application_id, remix_of, prompt, model, max_tokens, priority, status,
	progress_percentage, current_tokens, tokens_per_second, elapsed_seconds,
	estimated_remaining_seconds, prompt_tokens, completion_tokens, total_tokens,
	partial_content_length, content_rate, error_message, last_update_at,
	created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.UserID, &j.ApplicationID, &j.RemixOf, &j.Prompt, &j.Model,
		&j.MaxTokens, &j.Priority, &j.Status, &j.ProgressPercentage, &j.CurrentTokens, &j.TokensPerSecond,
		&j.ElapsedSeconds, &j.EstimatedRemainingSeconds, &j.PromptTokens, &j.CompletionTokens,
		&j.TotalTokens, &j.PartialContentLength, &j.ContentRate, &j.ErrorMessage,
		&j.LastUpdateAt, &j.CreatedAt, &j.StartedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	if job.UserID == uuid.Nil {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if job.ApplicationID == uuid.Nil {
		return fmt.Errorf("%w: application_id is required", ErrValidation)
	}
	if job.Prompt == "" {
		return fmt.Errorf("%w: prompt is required", ErrValidation)
	}
	if !models.ValidPriority(job.Priority) {
		return fmt.Errorf("%w: priority must be -1, 0 or 1; got %d", ErrValidation, job.Priority)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, application_id, remix_of, prompt, model, max_tokens, priority, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.UserID, job.ApplicationID, job.RemixOf, job.Prompt, job.Model,
		job.MaxTokens, job.Priority, models.JobStatusQueued, job.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ClaimJob atomically transitions a queued job to processing on behalf of a
// worker. Exactly one concurrent caller can win the claim; everyone else gets
// ErrJobCancelled or ErrInvalidTransition depending on the row's status.
func (s *PostgresStore) ClaimJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $2, started_at = NOW(), last_update_at = NOW()
		 WHERE id = $1 AND status = $3
		 RETURNING `+jobColumns,
		id, models.JobStatusProcessing, models.JobStatusQueued))
	if err == nil {
		return j, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return nil, s.transitionConflict(ctx, id)
}

// UpdateProgress writes throttled progress metrics for a processing job and
// mirrors the cumulative partial content into the application row. The write
// is guarded on status=processing: a cancel that landed in between surfaces
// as ErrJobCancelled, which is the worker's cooperative cancellation signal.
func (s *PostgresStore) UpdateProgress(ctx context.Context, id uuid.UUID, p Progress) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin progress update: %w", err)
	}
	defer tx.Rollback(ctx)

	var appID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET
			progress_percentage = $2,
			current_tokens = GREATEST(current_tokens, $3),
			tokens_per_second = $4,
			elapsed_seconds = GREATEST(elapsed_seconds, $5),
			estimated_remaining_seconds = $6,
			partial_content_length = GREATEST(partial_content_length, $7),
			content_rate = $8,
			last_update_at = NOW()
		 WHERE id = $1 AND status = $9
		 RETURNING application_id`,
		id, p.ProgressPercentage, p.CurrentTokens, p.TokensPerSecond, p.ElapsedSeconds,
		p.EstimatedRemainingSeconds, len(p.PartialContent), p.ContentRate,
		models.JobStatusProcessing).Scan(&appID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.transitionConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE applications SET content = $2, updated_at = NOW() WHERE id = $1`,
		appID, p.PartialContent)
	if err != nil {
		return fmt.Errorf("update partial content: %w", err)
	}

	return tx.Commit(ctx)
}

// CompleteJob persists the final content and flips both the application and
// the job to completed in a single transaction, so a reader that observes a
// completed job is guaranteed the content exists.
func (s *PostgresStore) CompleteJob(ctx context.Context, id uuid.UUID, content string, final FinalMetrics) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin complete: %w", err)
	}
	defer tx.Rollback(ctx)

	var appID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET
			status = $2,
			progress_percentage = 100,
			current_tokens = GREATEST(current_tokens, $3),
			prompt_tokens = $4,
			completion_tokens = $5,
			total_tokens = $6,
			elapsed_seconds = GREATEST(elapsed_seconds, $7),
			tokens_per_second = $8,
			estimated_remaining_seconds = 0,
			partial_content_length = $9,
			last_update_at = NOW(),
			completed_at = NOW()
		 WHERE id = $1 AND status = $10
		 RETURNING application_id`,
		id, models.JobStatusCompleted, final.CompletionTokens, final.PromptTokens,
		final.CompletionTokens, final.TotalTokens, final.ElapsedSeconds,
		final.TokensPerSecond, len(content), models.JobStatusProcessing).Scan(&appID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.transitionConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE applications SET content = $2, status = $3, updated_at = NOW() WHERE id = $1`,
		appID, content, models.ApplicationStatusCompleted)
	if err != nil {
		return fmt.Errorf("store final content: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback(ctx)

	var appID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET status = $2, error_message = $3, last_update_at = NOW(), completed_at = NOW()
		 WHERE id = $1 AND status = ANY($4)
		 RETURNING application_id`,
		id, models.JobStatusFailed, errMsg,
		[]string{models.JobStatusQueued, models.JobStatusProcessing}).Scan(&appID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.transitionConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}

	// Partial output is not valid content.
	_, err = tx.Exec(ctx,
		`UPDATE applications SET content = '', status = $2, updated_at = NOW() WHERE id = $1`,
		appID, models.ApplicationStatusFailed)
	if err != nil {
		return fmt.Errorf("mark application failed: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) CancelJob(ctx context.Context, id uuid.UUID) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel: %w", err)
	}
	defer tx.Rollback(ctx)

	var appID uuid.UUID
	err = tx.QueryRow(ctx,
		`UPDATE jobs SET status = $2, last_update_at = NOW(), completed_at = NOW()
		 WHERE id = $1 AND status = ANY($3)
		 RETURNING application_id`,
		id, models.JobStatusCancelled,
		[]string{models.JobStatusQueued, models.JobStatusProcessing}).Scan(&appID)
	if errors.Is(err, pgx.ErrNoRows) {
		return s.transitionConflict(ctx, id)
	}
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE applications SET content = '', status = $2, updated_at = NOW() WHERE id = $1`,
		appID, models.ApplicationStatusDraft)
	if err != nil {
		return fmt.Errorf("reset application: %w", err)
	}

	return tx.Commit(ctx)
}

// RetryJob resets a failed job back to queued and clears its terminal fields.
// The caller is responsible for re-enqueueing the id.
func (s *PostgresStore) RetryJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback(ctx)

	j, err := scanJob(tx.QueryRow(ctx,
		`UPDATE jobs SET
			status = $2,
			error_message = NULL,
			started_at = NULL,
			completed_at = NULL,
			last_update_at = NULL,
			progress_percentage = 0,
			current_tokens = 0,
			tokens_per_second = 0,
			elapsed_seconds = 0,
			estimated_remaining_seconds = 0,
			prompt_tokens = 0,
			completion_tokens = 0,
			total_tokens = 0,
			partial_content_length = 0,
			content_rate = 0
		 WHERE id = $1 AND status = $3
		 RETURNING `+jobColumns,
		id, models.JobStatusQueued, models.JobStatusFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.transitionConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("retry job: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE applications SET content = '', status = $2, updated_at = NOW() WHERE id = $1`,
		j.ApplicationID, models.ApplicationStatusGenerating)
	if err != nil {
		return nil, fmt.Errorf("reset application for retry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return j, nil
}

// transitionConflict classifies a CAS miss on a job row.
func (s *PostgresStore) transitionConflict(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}
	if status == models.JobStatusCancelled {
		return ErrJobCancelled
	}
	return fmt.Errorf("%w: job is %s", ErrInvalidTransition, status)
}

func (s *PostgresStore) ListActiveJobs(ctx context.Context, limit int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	// Priority-first ordering, consistent with dispatch tier ordering.
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = ANY($1)
		 ORDER BY priority DESC, created_at DESC
		 LIMIT $2`,
		[]string{models.JobStatusQueued, models.JobStatusProcessing}, limit)
	if err != nil {
		return nil, fmt.Errorf("list active jobs: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListJobsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs by user: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStuckQueued(ctx context.Context, olderThan time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND created_at < $2 ORDER BY created_at ASC`,
		models.JobStatusQueued, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stuck queued: %w", err)
	}
	return collectJobs(rows)
}

func (s *PostgresStore) ListStaleProcessing(ctx context.Context, staleSince time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = $1 AND (last_update_at IS NULL OR last_update_at < $2)
		 ORDER BY started_at ASC`,
		models.JobStatusProcessing, staleSince)
	if err != nil {
		return nil, fmt.Errorf("list stale processing: %w", err)
	}
	return collectJobs(rows)
}

// DeleteTerminalJobsBefore removes terminal jobs whose completion predates the
// cutoff. Queued and processing jobs are never touched, regardless of age.
func (s *PostgresStore) DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE status = ANY($1) AND completed_at IS NOT NULL AND completed_at < $2`,
		[]string{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled},
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) CountJobsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func collectJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// --- Applications ---

func (s *PostgresStore) CreateApplication(ctx context.Context, app *models.Application) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO applications (id, user_id, title, content, status, remix_of, remix_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		app.ID, app.UserID, app.Title, app.Content, app.Status, app.RemixOf,
		app.RemixCount, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create application: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetApplication(ctx context.Context, id uuid.UUID) (*models.Application, error) {
	var a models.Application
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, title, content, status, remix_of, remix_count, created_at, updated_at
		 FROM applications WHERE id = $1`, id,
	).Scan(&a.ID, &a.UserID, &a.Title, &a.Content, &a.Status, &a.RemixOf,
		&a.RemixCount, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get application: %w", err)
	}
	return &a, nil
}

func (s *PostgresStore) IncrementRemixCount(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE applications SET remix_count = remix_count + 1, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("increment remix count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.UserID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
