package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// StageParams are forwarded to the processing service with every dispatch.
type StageParams struct {
	Quality     string `json:"quality"      validate:"required,oneof=low medium high extreme"`
	CameraModel string `json:"camera_model" validate:"required,oneof=SIMPLE_PINHOLE PINHOLE SIMPLE_RADIAL RADIAL OPENCV OPENCV_FISHEYE FULL_OPENCV"`
}

// DispatchRequest asks for one stage to be started on a scan.
type DispatchRequest struct {
	ProjectID uuid.UUID
	ScanID    uuid.UUID
	Stage     models.Stage
	Params    StageParams
}

// JobHandle is returned as soon as the processing service accepted the job.
type JobHandle struct {
	JobID  uuid.UUID        `json:"job_id"`
	ScanID uuid.UUID        `json:"scan_id"`
	Stage  models.Stage     `json:"stage"`
	Status models.JobStatus `json:"status"`
}

// Dispatcher creates job records and starts them on the processing service.
type Dispatcher struct {
	*core
	validate *validator.Validate
}

func newDispatcher(c *core) *Dispatcher {
	return &Dispatcher{core: c, validate: validator.New()}
}

// Dispatch starts stage on a scan. At most one non-terminal job exists per
// scan and stage; dispatches for the same scan are serialized.
func (d *Dispatcher) Dispatch(ctx context.Context, req DispatchRequest) (*JobHandle, error) {
	def, params, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	unlock := d.scanLocks.Lock(req.ScanID)
	defer unlock()

	scan, err := d.store.GetScan(ctx, req.ScanID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}
	jobs, err := d.store.ListJobsByScan(ctx, scan.ID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return d.dispatchLocked(ctx, scan, def, params, jobs, false)
}

// Retry re-dispatches a stage after a failure or cancellation. A failed scan
// is first moved back to the stage's ready status.
func (d *Dispatcher) Retry(ctx context.Context, req DispatchRequest) (*JobHandle, error) {
	def, params, err := d.prepare(req)
	if err != nil {
		return nil, err
	}

	unlock := d.scanLocks.Lock(req.ScanID)
	defer unlock()

	scan, err := d.store.GetScan(ctx, req.ScanID, req.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}
	jobs, err := d.store.ListJobsByScan(ctx, scan.ID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	latest := latestByStage(jobs)
	last := latest[def.Stage]
	retryable := last != nil && (last.Status == models.JobStatusFailed || last.Status == models.JobStatusCancelled)
	if scan.Status != models.ScanStatusFailed && !retryable {
		return nil, fmt.Errorf("%w: %s has nothing to retry", ErrPreconditionNotMet, def.Stage)
	}
	if err := d.checkOrder(def.Stage, latest, true); err != nil {
		return nil, err
	}

	if scan.Status == models.ScanStatusFailed {
		if last != nil && !last.Status.IsTerminal() {
			return nil, fmt.Errorf("%w: %s job %s", ErrAlreadyInProgress, def.Stage, last.ID)
		}
		reset := def.ReadyStatuses[0]
		if err := d.stages.CheckReady(def.Stage, reset, completedStages(latest)); err != nil {
			return nil, err
		}
		if err := d.store.UpdateScanStatus(ctx, scan.ID, reset, store.WithForce(), store.WithStatusMessage("")); err != nil {
			return nil, fmt.Errorf("resetting scan status: %w", err)
		}
		slog.Info("scan reset for retry", "scan_id", scan.ID, "stage", def.Stage, "status", reset)
		scan.Status = reset
		scan.StatusMessage = ""
	}
	return d.dispatchLocked(ctx, scan, def, params, jobs, true)
}

func (d *Dispatcher) prepare(req DispatchRequest) (pipeline.StageDef, StageParams, error) {
	params := req.Params
	if params.Quality == "" {
		params.Quality = d.cfg.DefaultQuality
	}
	if params.CameraModel == "" {
		params.CameraModel = d.cfg.DefaultCameraModel
	}
	if err := d.validate.Struct(params); err != nil {
		return pipeline.StageDef{}, params, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	def, ok := d.stages.Lookup(req.Stage)
	if !ok {
		return pipeline.StageDef{}, params, fmt.Errorf("%w: %w %q", ErrInvalidParams, pipeline.ErrUnknownStage, req.Stage)
	}
	return def, params, nil
}

// dispatchLocked runs with the scan lock held.
func (d *Dispatcher) dispatchLocked(ctx context.Context, scan *models.Scan, def pipeline.StageDef, params StageParams, jobs []*models.Job, retry bool) (*JobHandle, error) {
	for _, j := range jobs {
		if j.Stage == def.Stage && !j.Status.IsTerminal() {
			dispatchesTotal.WithLabelValues(string(def.Stage), "in_progress").Inc()
			return nil, fmt.Errorf("%w: %s job %s", ErrAlreadyInProgress, def.Stage, j.ID)
		}
	}
	latest := latestByStage(jobs)
	if err := d.checkOrder(def.Stage, latest, retry); err != nil {
		dispatchesTotal.WithLabelValues(string(def.Stage), "rejected").Inc()
		return nil, err
	}
	if err := d.stages.CheckReady(def.Stage, scan.Status, completedStages(latest)); err != nil {
		dispatchesTotal.WithLabelValues(string(def.Stage), "rejected").Inc()
		return nil, err
	}

	inputPath := d.files.OutputDir(scan.ID)
	if def.Stage == models.StageFrameExtraction {
		p, err := d.files.InputPath(scan.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("%w: video path: %v", ErrInvalidParams, err)
		}
		inputPath = p
	}

	rawParams, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encoding params: %w", err)
	}

	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		ScanID:    scan.ID,
		Stage:     def.Stage,
		Status:    models.JobStatusPending,
		Params:    rawParams,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrDuplicateKey) {
			dispatchesTotal.WithLabelValues(string(def.Stage), "in_progress").Inc()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyInProgress, def.Stage)
		}
		return nil, fmt.Errorf("creating job: %w", err)
	}
	d.invalidateStatus(ctx, scan.ID)

	startCtx, cancel := context.WithTimeout(ctx, d.cfg.StartTimeout)
	err = d.colmap.StartReconstruction(startCtx, colmap.StartRequest{
		ScanID:      scan.ID.String(),
		JobID:       job.ID.String(),
		Stage:       string(def.Stage),
		InputPath:   inputPath,
		OutputPath:  d.files.OutputDir(scan.ID),
		Quality:     params.Quality,
		CameraModel: params.CameraModel,
	})
	cancel()

	// The job exists remotely now or never will; record the outcome even if
	// the caller went away.
	writeCtx := context.WithoutCancel(ctx)
	if err != nil {
		return nil, d.initiationFailed(writeCtx, scan, job, err)
	}

	started, err := d.updateJob(writeCtx, scan.ProjectID, job, func(j *models.Job) bool {
		if j.Status != models.JobStatusPending {
			return false
		}
		ts := time.Now().UTC()
		j.Status = models.JobStatusRunning
		j.StartedAt = &ts
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("marking job running: %w", err)
	}

	if def.InFlightStatus != "" && scan.Status != def.InFlightStatus && scan.Status.CanAdvanceTo(def.InFlightStatus) {
		err := d.store.UpdateScanStatus(writeCtx, scan.ID, def.InFlightStatus,
			store.WithStatusMessage(fmt.Sprintf("%s started", def.Stage)))
		if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
			slog.Error("failed to advance scan status", "scan_id", scan.ID, "status", def.InFlightStatus, "error", err)
		}
	}
	d.invalidateStatus(writeCtx, scan.ID)

	dispatchesTotal.WithLabelValues(string(def.Stage), "started").Inc()
	slog.Info("stage dispatched", "scan_id", scan.ID, "job_id", job.ID, "stage", def.Stage)

	return &JobHandle{
		JobID:  started.ID,
		ScanID: scan.ID,
		Stage:  def.Stage,
		Status: started.Status,
	}, nil
}

// checkOrder keeps dispatches in pipeline order. A completed stage is only
// run again through a retry, and nothing starts behind a later stage that is
// still in flight. Outside a retry a completed later stage also blocks.
func (d *Dispatcher) checkOrder(stage models.Stage, latest map[models.Stage]*models.Job, retry bool) error {
	if j := latest[stage]; j != nil && j.Status == models.JobStatusCompleted && !retry {
		return fmt.Errorf("%w: %s already completed", ErrPreconditionNotMet, stage)
	}
	for _, later := range d.stages.Stages()[d.stages.Index(stage)+1:] {
		j := latest[later]
		if j == nil {
			continue
		}
		if !j.Status.IsTerminal() || (!retry && j.Status == models.JobStatusCompleted) {
			return fmt.Errorf("%w: later stage %s is %s", ErrPreconditionNotMet, later, j.Status)
		}
	}
	return nil
}

func (d *Dispatcher) initiationFailed(ctx context.Context, scan *models.Scan, job *models.Job, cause error) error {
	msg := fmt.Sprintf("failed to start %s: %v", job.Stage, cause)

	_, err := d.updateJob(ctx, scan.ProjectID, job, func(j *models.Job) bool {
		if j.Status.IsTerminal() {
			return false
		}
		ts := time.Now().UTC()
		j.Status = models.JobStatusFailed
		j.Message = msg
		j.CompletedAt = &ts
		return true
	})
	if err != nil {
		slog.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
	d.failScan(ctx, scan.ID, msg)

	dispatchesTotal.WithLabelValues(string(job.Stage), "initiation_failed").Inc()
	slog.Error("stage dispatch failed", "scan_id", scan.ID, "job_id", job.ID, "stage", job.Stage, "error", cause)
	return fmt.Errorf("%w: %w", ErrInitiationFailure, cause)
}
