package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelled  = "cancelled"
)

// Priority levels for generation jobs. Workers drain higher tiers first.
const (
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// ValidPriority reports whether p is one of the allowed priority levels.
func ValidPriority(p int) bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// TerminalStatus reports whether s is a terminal job status. Terminal jobs
// never transition again.
func TerminalStatus(s string) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// Job tracks one asynchronous content-generation request. The API returns a
// job id on POST /api/v1/generations; clients poll GET /api/v1/jobs/{job_id}
// or subscribe to the SSE event stream until the status is terminal.
type Job struct {
	ID            uuid.UUID  `db:"id"             json:"id"`
	UserID        uuid.UUID  `db:"user_id"        json:"user_id"`
	ApplicationID uuid.UUID  `db:"application_id" json:"application_id"`
	RemixOf       *uuid.UUID `db:"remix_of"       json:"remix_of,omitempty"`

	Prompt    string `db:"prompt"     json:"prompt"`
	Model     string `db:"model"      json:"model"`
	MaxTokens int    `db:"max_tokens" json:"max_tokens"`
	Priority  int    `db:"priority"   json:"priority"`
	Status    string `db:"status"     json:"status"`

	// Progress metrics, written only by the worker holding the job.
	ProgressPercentage        float64 `db:"progress_percentage"         json:"progress_percentage"`
	CurrentTokens             int     `db:"current_tokens"              json:"current_tokens"`
	TokensPerSecond           float64 `db:"tokens_per_second"           json:"tokens_per_second"`
	ElapsedSeconds            float64 `db:"elapsed_seconds"             json:"elapsed_seconds"`
	EstimatedRemainingSeconds float64 `db:"estimated_remaining_seconds" json:"estimated_remaining_seconds"`
	PromptTokens              int     `db:"prompt_tokens"               json:"prompt_tokens"`
	CompletionTokens          int     `db:"completion_tokens"           json:"completion_tokens"`
	TotalTokens               int     `db:"total_tokens"                json:"total_tokens"`
	PartialContentLength      int     `db:"partial_content_length"      json:"partial_content_length"`
	ContentRate               float64 `db:"content_rate"                json:"content_rate"`

	ErrorMessage *string    `db:"error_message"  json:"error_message,omitempty"`
	LastUpdateAt *time.Time `db:"last_update_at" json:"last_update_at,omitempty"`

	CreatedAt   time.Time  `db:"created_at"   json:"created_at"`
	StartedAt   *time.Time `db:"started_at"   json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}
