package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type AssetType string

const (
	AssetTypePointCloud AssetType = "point_cloud"
	AssetTypeMesh       AssetType = "mesh"
	AssetTypeTexture    AssetType = "texture"
	AssetTypeModel      AssetType = "model"
)

type AssetStatus string

const (
	AssetStatusProcessing AssetStatus = "processing"
	AssetStatusCompleted  AssetStatus = "completed"
	AssetStatusFailed     AssetStatus = "failed"
)

// Asset is a 3D artifact produced by a completed stage. File formats are
// opaque to the service and referenced by path only.
type Asset struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	ProjectID        uuid.UUID       `db:"project_id"        json:"project_id"`
	ScanID           uuid.UUID       `db:"scan_id"           json:"scan_id"`
	JobID            uuid.UUID       `db:"job_id"            json:"job_id"`
	Type             AssetType       `db:"type"              json:"type"`
	Path             string          `db:"path"              json:"path"`
	Format           string          `db:"format"            json:"format"`
	SizeBytes        int64           `db:"size_bytes"        json:"size_bytes"`
	Metadata         map[string]any  `db:"metadata"          json:"metadata"`
	ProcessingParams json.RawMessage `db:"processing_params" json:"processing_params,omitempty"`
	Status           AssetStatus     `db:"status"            json:"status"`
	ErrorMessage     *string         `db:"error_message"     json:"error_message,omitempty"`
	ProcessedAt      *time.Time      `db:"processed_at"      json:"processed_at,omitempty"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}
