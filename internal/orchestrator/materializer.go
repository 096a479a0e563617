package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// artifactDescriptor is one entry of a completed job's result payload.
type artifactDescriptor struct {
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Format   string         `json:"format"`
	Count    int            `json:"count"`
	Metadata map[string]any `json:"metadata"`
}

type resultPayload struct {
	artifacts      map[pipeline.ArtifactKind]artifactDescriptor
	partialFailure bool
	errorMessage   string
}

var artifactKinds = []pipeline.ArtifactKind{
	pipeline.ArtifactFrames,
	pipeline.ArtifactPointCloud,
	pipeline.ArtifactMesh,
	pipeline.ArtifactTexture,
	pipeline.ArtifactTexturedModel,
}

// Materializer turns a completed job's result payload into asset records and
// advances the owning scan. Each job is materialized at most once.
type Materializer struct {
	*core
}

// Materialize records the assets described by job's result. Calling it again
// for a job that was already materialized returns the existing assets.
func (m *Materializer) Materialize(ctx context.Context, scan *models.Scan, job *models.Job) ([]*models.Asset, error) {
	if job.Status != models.JobStatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotCompleted, job.ID, job.Status)
	}
	if job.Materialized() {
		return m.settled(ctx, job)
	}

	def, ok := m.stages.Lookup(job.Stage)
	if !ok {
		return nil, m.fail(ctx, scan, job, fmt.Sprintf("unknown stage %q", job.Stage))
	}

	payload, err := decodeResult(job.Result)
	if err != nil {
		return nil, m.fail(ctx, scan, job, err.Error())
	}
	if payload.partialFailure {
		reason := payload.errorMessage
		if reason == "" {
			reason = "processing reported a partial failure"
		}
		return nil, m.fail(ctx, scan, job, "partial failure: "+reason)
	}
	for _, kind := range def.Expects {
		if _, ok := payload.artifacts[kind]; !ok {
			return nil, m.fail(ctx, scan, job, fmt.Sprintf("result is missing %s", kind))
		}
	}

	now := time.Now().UTC()
	var assets []*models.Asset
	for _, kind := range def.Produces {
		desc, ok := payload.artifacts[kind]
		if !ok {
			continue
		}
		assetType, ok := kind.AssetType()
		if !ok {
			continue
		}
		assets = append(assets, &models.Asset{
			ID:               uuid.New(),
			ProjectID:        scan.ProjectID,
			ScanID:           scan.ID,
			JobID:            job.ID,
			Type:             assetType,
			Path:             desc.Path,
			Format:           assetFormat(desc),
			SizeBytes:        desc.Size,
			Metadata:         desc.Metadata,
			ProcessingParams: job.Params,
			Status:           models.AssetStatusCompleted,
			ProcessedAt:      &now,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}

	params := store.MaterializeParams{
		JobID:  job.ID,
		ScanID: scan.ID,
		Assets: assets,
	}
	if err := m.nextScanStatus(ctx, scan, job, payload, &params); err != nil {
		return nil, err
	}

	err = m.store.MaterializeJob(ctx, params)
	if errors.Is(err, store.ErrAlreadyMaterialized) {
		current, err := m.store.GetJob(ctx, job.ID, scan.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("reloading job: %w", err)
		}
		return m.settled(ctx, current)
	}
	if err != nil {
		return nil, fmt.Errorf("materializing job %s: %w", job.ID, err)
	}

	m.invalidateStatus(ctx, scan.ID)
	materializationsTotal.WithLabelValues("completed").Inc()
	slog.Info("job materialized", "job_id", job.ID, "scan_id", scan.ID, "stage", job.Stage, "assets", len(assets))
	return assets, nil
}

// nextScanStatus decides where the scan moves once job is materialized:
// completed when every required stage is done, frames_extracted after frame
// extraction, otherwise unchanged.
func (m *Materializer) nextScanStatus(ctx context.Context, scan *models.Scan, job *models.Job, payload *resultPayload, params *store.MaterializeParams) error {
	jobs, err := m.store.ListJobsByScan(ctx, scan.ID)
	if err != nil {
		return fmt.Errorf("listing jobs: %w", err)
	}
	latest := latestByStage(jobs)

	allDone := true
	summary := make(map[string]string)
	for _, stage := range m.required.Required() {
		j, ok := latest[stage]
		if !ok || j.Status != models.JobStatusCompleted {
			allDone = false
			break
		}
		if j.ID != job.ID && (j.MaterializedAt == nil || j.MaterializeError != nil) {
			allDone = false
			break
		}
		summary[string(stage)] = j.ID.String()
	}

	if allDone {
		results, err := json.Marshal(map[string]any{
			"stages":       summary,
			"completed_at": time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("encoding processing results: %w", err)
		}
		status := models.ScanStatusCompleted
		msg := "reconstruction completed"
		params.ScanStatus = &status
		params.ScanMessage = &msg
		params.ProcessingResults = results
	} else if job.Stage == models.StageFrameExtraction {
		status := models.ScanStatusFramesExtracted
		msg := "frames extracted"
		params.ScanStatus = &status
		params.ScanMessage = &msg
	}

	if frames, ok := payload.artifacts[pipeline.ArtifactFrames]; ok && job.Stage == models.StageFrameExtraction {
		count := frames.Count
		params.FrameCount = &count
	}
	return nil
}

// settled reports the outcome of an earlier materialization.
func (m *Materializer) settled(ctx context.Context, job *models.Job) ([]*models.Asset, error) {
	if job.MaterializeError != nil {
		return nil, fmt.Errorf("%w: %s", ErrMaterializationFailure, *job.MaterializeError)
	}
	assets, err := m.store.ListAssetsByJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("listing assets: %w", err)
	}
	return assets, nil
}

// fail records a materialization failure on the job and the scan. No assets
// are written.
func (m *Materializer) fail(ctx context.Context, scan *models.Scan, job *models.Job, reason string) error {
	msg := fmt.Sprintf("%s result rejected: %s", job.Stage, reason)
	failed := models.ScanStatusFailed

	err := m.store.MaterializeJob(ctx, store.MaterializeParams{
		JobID:       job.ID,
		ScanID:      scan.ID,
		Error:       &msg,
		ScanStatus:  &failed,
		ScanMessage: &msg,
	})
	if errors.Is(err, store.ErrAlreadyMaterialized) {
		current, err := m.store.GetJob(ctx, job.ID, scan.ProjectID)
		if err != nil {
			return fmt.Errorf("reloading job: %w", err)
		}
		_, err = m.settled(ctx, current)
		return err
	}
	if err != nil {
		return fmt.Errorf("recording materialization failure for job %s: %w", job.ID, err)
	}

	m.invalidateStatus(ctx, scan.ID)
	materializationsTotal.WithLabelValues("failed").Inc()
	slog.Error("materialization failed", "job_id", job.ID, "scan_id", scan.ID, "stage", job.Stage, "reason", reason)
	return fmt.Errorf("%w: %s", ErrMaterializationFailure, msg)
}

// decodeResult parses a result payload. Unknown keys are ignored; recognized
// descriptors must carry a path and non-negative sizes.
func decodeResult(raw json.RawMessage) (*resultPayload, error) {
	payload := &resultPayload{artifacts: make(map[pipeline.ArtifactKind]artifactDescriptor)}
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("malformed result payload: %v", err)
	}
	if v, ok := fields["partial_failure"]; ok {
		if err := json.Unmarshal(v, &payload.partialFailure); err != nil {
			return nil, fmt.Errorf("malformed partial_failure: %v", err)
		}
	}
	if v, ok := fields["error"]; ok {
		// A non-string error is still a reportable failure; keep its raw text.
		if err := json.Unmarshal(v, &payload.errorMessage); err != nil {
			payload.errorMessage = string(v)
		}
	}

	for _, kind := range artifactKinds {
		v, ok := fields[string(kind)]
		if !ok || bytes.Equal(bytes.TrimSpace(v), []byte("null")) {
			continue
		}
		var desc artifactDescriptor
		if err := json.Unmarshal(v, &desc); err != nil {
			return nil, fmt.Errorf("malformed %s descriptor: %v", kind, err)
		}
		desc.Path = strings.TrimSpace(desc.Path)
		if desc.Path == "" {
			return nil, fmt.Errorf("%s descriptor has no path", kind)
		}
		if desc.Size < 0 {
			return nil, fmt.Errorf("%s descriptor has negative size", kind)
		}
		if desc.Count < 0 {
			return nil, fmt.Errorf("%s descriptor has negative count", kind)
		}
		payload.artifacts[kind] = desc
	}
	return payload, nil
}

func assetFormat(desc artifactDescriptor) string {
	if desc.Format != "" {
		return strings.ToLower(desc.Format)
	}
	return strings.TrimPrefix(strings.ToLower(path.Ext(desc.Path)), ".")
}
