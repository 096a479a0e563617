package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrConflict is returned when a compare-and-swap update loses to a concurrent writer.
var ErrConflict = errors.New("concurrent modification")

// ErrAlreadyMaterialized is returned by MaterializeJob when another caller
// materialized the job first.
var ErrAlreadyMaterialized = errors.New("job already materialized")

// ErrInvalidTransition is returned when a scan status update would move the
// scan backwards along the pipeline.
var ErrInvalidTransition = errors.New("invalid status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	GetDefaultProject(ctx context.Context) (*models.Project, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Scan, error)
	UpdateScanStatus(ctx context.Context, id uuid.UUID, status models.ScanStatus, opts ...ScanUpdateOption) error
	DeleteScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error
	ListScansWithActiveJobs(ctx context.Context) ([]*models.Scan, error)

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Job, error)
	ListJobsByScan(ctx context.Context, scanID uuid.UUID) ([]*models.Job, error)
	UpdateJob(ctx context.Context, job *models.Job) error

	ListAssetsByScan(ctx context.Context, scanID uuid.UUID, projectID uuid.UUID) ([]*models.Asset, error)
	ListAssetsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Asset, error)
	GetAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Asset, error)
	UpdateAssetMetadata(ctx context.Context, id uuid.UUID, projectID uuid.UUID, metadata map[string]any) (*models.Asset, error)
	DeleteAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error

	MaterializeJob(ctx context.Context, p MaterializeParams) error
}

// MaterializeParams carries every write produced by materializing one
// completed job. Implementations apply it atomically and only if the job has
// not been materialized yet.
type MaterializeParams struct {
	JobID  uuid.UUID
	ScanID uuid.UUID
	Assets []*models.Asset

	// Error, when set, records a failed materialization instead of a
	// successful one. Assets must be empty in that case.
	Error *string

	ScanStatus        *models.ScanStatus
	ScanMessage       *string
	FrameCount        *int
	ProcessingResults json.RawMessage
}

type scanUpdateParams struct {
	Message           *string
	FrameCount        *int
	ProcessingResults json.RawMessage
	Force             bool
}

type ScanUpdateOption func(*scanUpdateParams)

func WithStatusMessage(msg string) ScanUpdateOption {
	return func(p *scanUpdateParams) {
		p.Message = &msg
	}
}

func WithFrameCount(n int) ScanUpdateOption {
	return func(p *scanUpdateParams) {
		p.FrameCount = &n
	}
}

func WithProcessingResults(raw json.RawMessage) ScanUpdateOption {
	return func(p *scanUpdateParams) {
		p.ProcessingResults = raw
	}
}

// WithForce skips the monotonic transition check. Used by retry to move a
// failed scan back to a dispatchable status.
func WithForce() ScanUpdateOption {
	return func(p *scanUpdateParams) {
		p.Force = true
	}
}

func applyScanOptions(opts []ScanUpdateOption) *scanUpdateParams {
	params := &scanUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}
	return params
}
