package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/internal/orchestrator"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// ScanStore is the persistence the scan handlers depend on.
type ScanStore interface {
	CreateScan(ctx context.Context, scan *models.Scan) error
	GetScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Scan, error)
	DeleteScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error
	ListJobsByScan(ctx context.Context, scanID uuid.UUID) ([]*models.Job, error)
}

// ScanFiles resolves and removes the files that belong to a scan.
type ScanFiles interface {
	InputPath(videoPath string) (string, error)
	ScanDir(scanID uuid.UUID) string
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, key string) error
}

// JobCanceller cancels a single job.
type JobCanceller interface {
	Cancel(ctx context.Context, projectID, jobID uuid.UUID) (*models.Job, error)
}

type createScanRequest struct {
	VideoFilename string `json:"video_filename" validate:"required,max=255"`
	VideoSize     int64  `json:"video_size"     validate:"gt=0"`
	VideoPath     string `json:"video_path"     validate:"required"`
}

// NewCreateScanHandler returns an http.HandlerFunc for POST /api/v1/scans.
// The video must already be in shared storage; only its location is recorded.
func NewCreateScanHandler(s ScanStore, files ScanFiles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}

		var req createScanRequest
		if !decodeBody(w, r, &req) {
			return
		}

		videoPath, err := files.InputPath(req.VideoPath)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"video_path must be a relative path inside storage", nil)
			return
		}

		now := time.Now().UTC()
		scan := &models.Scan{
			ID:            uuid.New(),
			ProjectID:     projectID,
			VideoFilename: req.VideoFilename,
			VideoSize:     req.VideoSize,
			VideoPath:     videoPath,
			Status:        models.ScanStatusUploaded,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := s.CreateScan(r.Context(), scan); err != nil {
			writeError(w, r, err)
			return
		}

		slog.Info("scan created", "scan_id", scan.ID, "project_id", projectID, "video_path", videoPath)
		response.Created(w, scan)
	}
}

// NewGetScanHandler returns an http.HandlerFunc for GET /api/v1/scans/{scanID}.
func NewGetScanHandler(s ScanStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		scanID, ok := pathID(w, r, "scanID")
		if !ok {
			return
		}

		scan, err := s.GetScan(r.Context(), scanID, projectID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, scan)
	}
}

// NewDeleteScanHandler returns an http.HandlerFunc for DELETE
// /api/v1/scans/{scanID}. In-flight jobs are cancelled first; the scan's
// records go next, then its files. File removal failures are logged only.
func NewDeleteScanHandler(s ScanStore, jobs JobCanceller, files ScanFiles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		scanID, ok := pathID(w, r, "scanID")
		if !ok {
			return
		}

		ctx := r.Context()
		scan, err := s.GetScan(ctx, scanID, projectID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		scanJobs, err := s.ListJobsByScan(ctx, scanID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for _, j := range scanJobs {
			if j.Status.IsTerminal() {
				continue
			}
			if _, err := jobs.Cancel(ctx, projectID, j.ID); err != nil && !errors.Is(err, orchestrator.ErrNotCancellable) {
				writeError(w, r, err)
				return
			}
		}

		if err := s.DeleteScan(ctx, scanID, projectID); err != nil {
			writeError(w, r, err)
			return
		}

		cleanup := context.WithoutCancel(ctx)
		if err := files.RemoveAll(cleanup, files.ScanDir(scanID)); err != nil {
			slog.Warn("failed to remove scan files", "scan_id", scanID, "error", err)
		}
		if err := files.Remove(cleanup, scan.VideoPath); err != nil {
			slog.Warn("failed to remove scan video", "scan_id", scanID, "video_path", scan.VideoPath, "error", err)
		}

		slog.Info("scan deleted", "scan_id", scanID, "project_id", projectID, "jobs", len(scanJobs))
		response.NoContent(w)
	}
}
