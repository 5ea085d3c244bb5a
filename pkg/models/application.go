package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ApplicationStatusDraft      = "draft"
	ApplicationStatusGenerating = "generating"
	ApplicationStatusCompleted  = "completed"
	ApplicationStatusFailed     = "failed"
)

// Application holds the generated artifact a job produces output for. Its
// status mirrors the owning job's terminal state and is only ever written in
// the same transaction as the job row, so the two cannot drift.
type Application struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	UserID     uuid.UUID  `db:"user_id"     json:"user_id"`
	Title      string     `db:"title"       json:"title"`
	Content    string     `db:"content"     json:"content"`
	Status     string     `db:"status"      json:"status"`
	RemixOf    *uuid.UUID `db:"remix_of"    json:"remix_of,omitempty"`
	RemixCount int        `db:"remix_count" json:"remix_count"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"  json:"updated_at"`
}
