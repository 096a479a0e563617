package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/cache"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	maxConcurrentRefresh = 4
	unreachableMessage   = "processing service unreachable"
)

// AggregateState is the overall status of a scan across its required stages.
type AggregateState string

const (
	AggregatePending    AggregateState = "pending"
	AggregateProcessing AggregateState = "processing"
	AggregateCompleted  AggregateState = "completed"
	AggregateFailed     AggregateState = "failed"
)

// AggregateStatus is what clients poll.
type AggregateStatus struct {
	ScanID     uuid.UUID         `json:"scan_id"`
	Status     AggregateState    `json:"status"`
	Progress   int               `json:"progress"`
	Message    string            `json:"message"`
	ScanStatus models.ScanStatus `json:"scan_status"`
	FrameCount int               `json:"frame_count"`
	Degraded   bool              `json:"degraded"`
	Stages     []StageStatus     `json:"stages"`
}

// StageStatus reports the latest job of one required stage.
type StageStatus struct {
	Stage       models.Stage     `json:"stage"`
	JobID       *uuid.UUID       `json:"job_id,omitempty"`
	Status      models.JobStatus `json:"status"`
	Progress    int              `json:"progress"`
	Message     string           `json:"message,omitempty"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Poller refreshes job records from the processing service and aggregates
// them into a scan status.
type Poller struct {
	*core
	materializer *Materializer
	group        singleflight.Group
}

// GetStatus refreshes every in-flight job of a scan and returns the
// aggregate. When a status cache TTL is configured a fresh cached aggregate
// is served instead.
func (p *Poller) GetStatus(ctx context.Context, projectID, scanID uuid.UUID) (*AggregateStatus, error) {
	scan, err := p.store.GetScan(ctx, scanID, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading scan: %w", err)
	}
	if p.cfg.StatusCacheTTL > 0 {
		if cached, ok := p.cachedStatus(ctx, scanID); ok {
			return cached, nil
		}
	}
	return p.Sync(ctx, scan)
}

// Sync refreshes the scan's jobs without consulting the status cache.
func (p *Poller) Sync(ctx context.Context, scan *models.Scan) (*AggregateStatus, error) {
	jobs, err := p.store.ListJobsByScan(ctx, scan.ID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var transient atomic.Int32
	var g errgroup.Group
	g.SetLimit(maxConcurrentRefresh)
	for _, j := range jobs {
		if !p.needsRefresh(j) {
			continue
		}
		jobID := j.ID
		g.Go(func() error {
			err := p.refresh(ctx, scan, jobID)
			if errors.Is(err, ErrTransientPoll) {
				transient.Add(1)
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Reload: refreshes may have moved the scan and its jobs.
	scan, err = p.store.GetScan(ctx, scan.ID, scan.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("reloading scan: %w", err)
	}
	jobs, err = p.store.ListJobsByScan(ctx, scan.ID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	status := aggregate(p.required, scan, jobs)
	if transient.Load() > 0 {
		healthCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
		if err := p.colmap.Health(healthCtx); err != nil {
			slog.Warn("processing service health check failed", "scan_id", scan.ID, "error", err)
			status.Degraded = true
		}
		cancel()
	}

	if p.cfg.StatusCacheTTL > 0 {
		if data, err := json.Marshal(status); err == nil {
			_ = p.cache.Set(ctx, cache.ScanStatusKey(scan.ID), data, p.cfg.StatusCacheTTL)
		}
	}
	return status, nil
}

func (p *Poller) cachedStatus(ctx context.Context, scanID uuid.UUID) (*AggregateStatus, bool) {
	data, ok, err := p.cache.Get(ctx, cache.ScanStatusKey(scanID))
	if err != nil || !ok {
		return nil, false
	}
	var status AggregateStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, false
	}
	return &status, true
}

// needsRefresh skips terminal jobs that are fully settled and pending jobs
// whose dispatch may still be in flight.
func (p *Poller) needsRefresh(j *models.Job) bool {
	switch j.Status {
	case models.JobStatusCompleted:
		return !j.Materialized()
	case models.JobStatusFailed, models.JobStatusCancelled:
		return false
	case models.JobStatusPending:
		return time.Since(j.CreatedAt) >= p.cfg.StartTimeout
	default:
		return true
	}
}

// refresh collapses concurrent refreshes of the same job into one.
func (p *Poller) refresh(ctx context.Context, scan *models.Scan, jobID uuid.UUID) error {
	_, err, _ := p.group.Do(jobID.String(), func() (any, error) {
		return nil, p.refreshJob(context.WithoutCancel(ctx), scan, jobID)
	})
	return err
}

func (p *Poller) refreshJob(ctx context.Context, scan *models.Scan, jobID uuid.UUID) error {
	unlock := p.jobLocks.Lock(jobID)
	defer unlock()

	job, err := p.store.GetJob(ctx, jobID, scan.ProjectID)
	if err != nil {
		return fmt.Errorf("loading job: %w", err)
	}
	if job.Status == models.JobStatusCompleted && !job.Materialized() {
		return p.materialize(ctx, scan, job)
	}
	if job.Status.IsTerminal() {
		return nil
	}

	pollCtx, cancel := context.WithTimeout(ctx, p.cfg.PollTimeout)
	resp, err := p.colmap.JobStatus(pollCtx, jobID.String())
	cancel()
	if err != nil {
		return p.recordPollFailure(ctx, scan, job, err)
	}
	pollsTotal.WithLabelValues("ok").Inc()

	updated, err := p.updateJob(ctx, scan.ProjectID, job, func(j *models.Job) bool {
		return mergeStatus(j, resp)
	})
	if errors.Is(err, store.ErrConflict) {
		slog.Warn("job updated concurrently, skipping merge", "job_id", jobID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("merging job status: %w", err)
	}
	if updated.Status == job.Status {
		return nil
	}

	p.invalidateStatus(ctx, scan.ID)
	slog.Info("job status changed", "job_id", jobID, "scan_id", scan.ID, "stage", updated.Stage,
		"from", job.Status, "to", updated.Status)

	switch updated.Status {
	case models.JobStatusFailed:
		observeDuration(updated)
		p.failScan(ctx, scan.ID, fmt.Sprintf("%s failed: %s", updated.Stage, updated.Message))
	case models.JobStatusCompleted:
		observeDuration(updated)
		return p.materialize(ctx, scan, updated)
	}
	return nil
}

// materialize runs the materializer; its failures are already recorded on
// the scan and are not poll errors.
func (p *Poller) materialize(ctx context.Context, scan *models.Scan, job *models.Job) error {
	_, err := p.materializer.Materialize(ctx, scan, job)
	if errors.Is(err, ErrMaterializationFailure) {
		slog.Warn("materialization failed", "job_id", job.ID, "scan_id", scan.ID, "error", err)
		return nil
	}
	return err
}

func (p *Poller) recordPollFailure(ctx context.Context, scan *models.Scan, job *models.Job, cause error) error {
	pollsTotal.WithLabelValues("error").Inc()
	threshold := p.cfg.PollFailureThreshold

	updated, err := p.updateJob(ctx, scan.ProjectID, job, func(j *models.Job) bool {
		if j.Status.IsTerminal() {
			return false
		}
		j.PollFailures++
		if j.PollFailures >= threshold {
			ts := time.Now().UTC()
			j.Status = models.JobStatusFailed
			j.Message = unreachableMessage
			j.CompletedAt = &ts
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("recording poll failure: %w", err)
	}

	if updated.Status == models.JobStatusFailed && job.Status != models.JobStatusFailed {
		slog.Error("giving up on job after repeated poll failures", "job_id", job.ID, "scan_id", scan.ID,
			"failures", updated.PollFailures, "error", cause)
		observeDuration(updated)
		p.failScan(ctx, scan.ID, fmt.Sprintf("%s failed: %s", updated.Stage, unreachableMessage))
	} else {
		slog.Warn("transient poll failure", "job_id", job.ID, "scan_id", scan.ID,
			"failures", updated.PollFailures, "error", cause)
	}
	return fmt.Errorf("%w: job %s: %w", ErrTransientPoll, job.ID, cause)
}

// mergeStatus folds a polled report into j and reports whether anything
// changed. Terminal jobs are immutable and illegal transitions are ignored.
func mergeStatus(j *models.Job, resp *colmap.JobStatusResponse) bool {
	if j.Status.IsTerminal() {
		return false
	}
	changed := false
	if j.PollFailures != 0 {
		j.PollFailures = 0
		changed = true
	}

	status, known := normalizeStatus(resp.Status)
	if !known {
		slog.Warn("unknown job status from processing service", "job_id", j.ID, "status", resp.Status)
		status = j.Status
	}
	if status != j.Status {
		if !j.Status.CanTransitionTo(status) {
			slog.Warn("ignoring illegal job transition", "job_id", j.ID, "from", j.Status, "to", status)
			return changed
		}
		ts := time.Now().UTC()
		j.Status = status
		if j.StartedAt == nil {
			j.StartedAt = &ts
		}
		if status.IsTerminal() {
			j.CompletedAt = &ts
		}
		changed = true
	}

	progress := clampProgress(resp.Progress)
	if j.Status == models.JobStatusCompleted {
		progress = 100
	}
	if progress < j.Progress {
		slog.Warn("progress regression clamped", "job_id", j.ID, "stored", j.Progress, "reported", progress)
		progress = j.Progress
	}
	if progress != j.Progress {
		j.Progress = progress
		changed = true
	}

	msg := strings.TrimSpace(resp.Message)
	if j.Status == models.JobStatusFailed && msg == "" && j.Message == "" {
		msg = "processing failed"
	}
	if msg != "" && msg != j.Message {
		j.Message = msg
		changed = true
	}

	if j.Status == models.JobStatusCompleted && len(resp.Results) > 0 && !bytes.Equal(j.Result, resp.Results) {
		j.Result = append(json.RawMessage(nil), resp.Results...)
		changed = true
	}
	return changed
}

// normalizeStatus maps the processing service's vocabulary onto job statuses.
func normalizeStatus(s string) (models.JobStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending", "queued":
		return models.JobStatusPending, true
	case "running", "processing":
		return models.JobStatusRunning, true
	case "completed", "success":
		return models.JobStatusCompleted, true
	case "failed", "error":
		return models.JobStatusFailed, true
	case "cancelled", "canceled":
		return models.JobStatusCancelled, true
	default:
		return "", false
	}
}

func clampProgress(p float64) int {
	if math.IsNaN(p) {
		return 0
	}
	return max(0, min(100, int(math.Round(p))))
}

// aggregate summarizes the latest job of each required stage.
func aggregate(def *pipeline.Definition, scan *models.Scan, jobs []*models.Job) *AggregateStatus {
	latest := latestByStage(jobs)
	required := def.Required()

	out := &AggregateStatus{
		ScanID:     scan.ID,
		ScanStatus: scan.Status,
		FrameCount: scan.FrameCount,
		Stages:     make([]StageStatus, 0, len(required)),
	}

	var (
		sum       int
		completed int
		running   bool
		failedMsg string
		failed    = scan.Status == models.ScanStatusFailed
	)
	for _, stage := range required {
		j, ok := latest[stage]
		if !ok {
			out.Stages = append(out.Stages, StageStatus{
				Stage:   stage,
				Status:  models.JobStatusPending,
				Message: "not yet dispatched",
			})
			continue
		}
		id := j.ID
		out.Stages = append(out.Stages, StageStatus{
			Stage:       stage,
			JobID:       &id,
			Status:      j.Status,
			Progress:    j.Progress,
			Message:     j.Message,
			StartedAt:   j.StartedAt,
			CompletedAt: j.CompletedAt,
		})

		switch j.Status {
		case models.JobStatusFailed:
			failed = true
			if failedMsg == "" {
				failedMsg = fmt.Sprintf("%s failed: %s", stage, j.Message)
			}
		case models.JobStatusCompleted:
			if j.MaterializeError != nil {
				failed = true
				if failedMsg == "" {
					failedMsg = *j.MaterializeError
				}
			}
			completed++
			sum += 100
		case models.JobStatusRunning:
			running = true
			sum += j.Progress
		case models.JobStatusPending:
			sum += j.Progress
		}
	}

	if len(required) > 0 {
		out.Progress = max(0, min(100, sum/len(required)))
	}
	switch {
	case failed:
		out.Status = AggregateFailed
		out.Message = scan.StatusMessage
		if out.Message == "" {
			out.Message = failedMsg
		}
	case completed == len(required):
		out.Status = AggregateCompleted
		out.Message = "all stages completed"
	case running:
		out.Status = AggregateProcessing
		out.Message = fmt.Sprintf("%d of %d stages completed", completed, len(required))
	default:
		out.Status = AggregatePending
		out.Message = fmt.Sprintf("%d of %d stages completed", completed, len(required))
	}
	return out
}
