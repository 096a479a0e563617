package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ScanStatus is the coarse lifecycle state of a scan.
type ScanStatus string

const (
	ScanStatusUploaded        ScanStatus = "uploaded"
	ScanStatusExtracting      ScanStatus = "extracting"
	ScanStatusFramesExtracted ScanStatus = "frames_extracted"
	ScanStatusProcessing      ScanStatus = "processing"
	ScanStatusCompleted       ScanStatus = "completed"
	ScanStatusFailed          ScanStatus = "failed"
)

// Rank orders the non-failed statuses along the pipeline. Failed and unknown
// statuses return -1.
func (s ScanStatus) Rank() int {
	switch s {
	case ScanStatusUploaded:
		return 0
	case ScanStatusExtracting:
		return 1
	case ScanStatusFramesExtracted:
		return 2
	case ScanStatusProcessing:
		return 3
	case ScanStatusCompleted:
		return 4
	default:
		return -1
	}
}

// IsTerminal reports whether no further stage may be dispatched.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed
}

// CanAdvanceTo reports whether moving from s to next keeps the status
// monotonic. Failed is reachable from any non-terminal status; staying put is
// always allowed.
func (s ScanStatus) CanAdvanceTo(next ScanStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	if next == ScanStatusFailed {
		return true
	}
	return next.Rank() > s.Rank()
}

// Scan is one uploaded video and its reconstruction attempt.
type Scan struct {
	ID                uuid.UUID       `db:"id"                 json:"id"`
	ProjectID         uuid.UUID       `db:"project_id"         json:"project_id"`
	VideoFilename     string          `db:"video_filename"     json:"video_filename"`
	VideoSize         int64           `db:"video_size"         json:"video_size"`
	VideoPath         string          `db:"video_path"         json:"video_path"`
	Status            ScanStatus      `db:"status"             json:"status"`
	StatusMessage     string          `db:"status_message"     json:"status_message,omitempty"`
	FrameCount        int             `db:"frame_count"        json:"frame_count"`
	ProcessingResults json.RawMessage `db:"processing_results" json:"processing_results,omitempty"`
	CreatedAt         time.Time       `db:"created_at"         json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at"         json:"updated_at"`
}
