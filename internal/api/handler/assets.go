package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/api/response"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// AssetStore is the persistence the asset handlers depend on.
type AssetStore interface {
	GetScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Scan, error)
	ListAssetsByScan(ctx context.Context, scanID uuid.UUID, projectID uuid.UUID) ([]*models.Asset, error)
	GetAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Asset, error)
	UpdateAssetMetadata(ctx context.Context, id uuid.UUID, projectID uuid.UUID, metadata map[string]any) (*models.Asset, error)
	DeleteAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error
}

// ArtifactFiles opens and removes the files backing assets.
type ArtifactFiles interface {
	ArtifactKey(scanID uuid.UUID, artifactPath string) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, int64, error)
	Remove(ctx context.Context, key string) error
}

// FileDownloader fetches a job's output file from the processing service.
type FileDownloader interface {
	DownloadFile(ctx context.Context, jobID, filename string) (io.ReadCloser, int64, error)
}

type updateAssetRequest struct {
	Metadata map[string]any `json:"metadata" validate:"required"`
}

// NewListAssetsHandler returns an http.HandlerFunc for GET
// /api/v1/scans/{scanID}/assets.
func NewListAssetsHandler(s AssetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		scanID, ok := pathID(w, r, "scanID")
		if !ok {
			return
		}

		if _, err := s.GetScan(r.Context(), scanID, projectID); err != nil {
			writeError(w, r, err)
			return
		}
		assets, err := s.ListAssetsByScan(r.Context(), scanID, projectID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if assets == nil {
			assets = []*models.Asset{}
		}
		response.Collection(w, assets, response.ListMeta{Total: len(assets)})
	}
}

// NewUpdateAssetHandler returns an http.HandlerFunc for PATCH
// /api/v1/assets/{assetID}. Metadata is replaced as a whole; nothing else
// about an asset is editable.
func NewUpdateAssetHandler(s AssetStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		assetID, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}

		var req updateAssetRequest
		if !decodeBody(w, r, &req) {
			return
		}

		asset, err := s.UpdateAssetMetadata(r.Context(), assetID, projectID, req.Metadata)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, asset)
	}
}

// NewDeleteAssetHandler returns an http.HandlerFunc for DELETE
// /api/v1/assets/{assetID}. The backing file is removed after the record.
func NewDeleteAssetHandler(s AssetStore, files ArtifactFiles) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		assetID, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}

		ctx := r.Context()
		asset, err := s.GetAsset(ctx, assetID, projectID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if err := s.DeleteAsset(ctx, assetID, projectID); err != nil {
			writeError(w, r, err)
			return
		}

		key, err := files.ArtifactKey(asset.ScanID, asset.Path)
		if err == nil {
			err = files.Remove(context.WithoutCancel(ctx), key)
		}
		if err != nil {
			slog.Warn("failed to remove asset file", "asset_id", assetID, "path", asset.Path, "error", err)
		}

		slog.Info("asset deleted", "asset_id", assetID, "scan_id", asset.ScanID)
		response.NoContent(w)
	}
}

// NewDownloadAssetHandler returns an http.HandlerFunc for GET
// /api/v1/assets/{assetID}/download. Files present in shared storage are
// served directly; otherwise the file is streamed from the processing
// service's download endpoint.
func NewDownloadAssetHandler(s AssetStore, files ArtifactFiles, remote FileDownloader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := projectID(w, r)
		if !ok {
			return
		}
		assetID, ok := pathID(w, r, "assetID")
		if !ok {
			return
		}

		ctx := r.Context()
		asset, err := s.GetAsset(ctx, assetID, projectID)
		if err != nil {
			writeError(w, r, err)
			return
		}

		body, size, err := openArtifact(ctx, asset, files, remote)
		if err != nil {
			writeError(w, r, err)
			return
		}
		defer body.Close()

		name := path.Base(asset.Path)
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
		if size >= 0 {
			w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		}

		// Large models outlive the server's write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		w.WriteHeader(http.StatusOK)
		if n, err := io.Copy(w, body); err != nil {
			slog.Warn("asset download interrupted", "asset_id", assetID, "bytes", n, "error", err)
		}
	}
}

func openArtifact(ctx context.Context, asset *models.Asset, files ArtifactFiles, remote FileDownloader) (io.ReadCloser, int64, error) {
	key, err := files.ArtifactKey(asset.ScanID, asset.Path)
	if err != nil {
		return nil, 0, err
	}
	body, size, err := files.Open(ctx, key)
	if err == nil {
		return body, size, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, 0, fmt.Errorf("opening %s: %w", key, err)
	}
	return remote.DownloadFile(ctx, asset.JobID.String(), path.Base(asset.Path))
}
