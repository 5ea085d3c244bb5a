// Package models contains shared data models used across the Musegen codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// User owns applications, jobs and API keys. Account management itself lives
// outside the generation pipeline; the pipeline only needs the identity.
type User struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Handle    string    `db:"handle"     json:"handle"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
