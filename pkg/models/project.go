// Package models contains shared data models used across the scanpipe codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Project is the ownership boundary for scans, assets and API keys.
type Project struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
