package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

const cancelMessage = "cancelled by user"

// Canceller stops jobs locally and asks the processing service to stop them.
type Canceller struct {
	*core
}

// Cancel moves a non-terminal job to cancelled. The local record is updated
// first; the remote cancel runs in the background and its failures are only
// logged. Cancelling an already cancelled job returns it unchanged.
func (c *Canceller) Cancel(ctx context.Context, projectID, jobID uuid.UUID) (*models.Job, error) {
	unlock := c.jobLocks.Lock(jobID)
	defer unlock()

	job, err := c.store.GetJob(ctx, jobID, projectID)
	if err != nil {
		return nil, fmt.Errorf("loading job: %w", err)
	}
	switch job.Status {
	case models.JobStatusCancelled:
		return job, nil
	case models.JobStatusCompleted, models.JobStatusFailed:
		return nil, fmt.Errorf("%w: job is %s", ErrNotCancellable, job.Status)
	}

	updated, err := c.updateJob(ctx, projectID, job, func(j *models.Job) bool {
		if j.Status.IsTerminal() {
			return false
		}
		ts := time.Now().UTC()
		j.Status = models.JobStatusCancelled
		j.Message = cancelMessage
		j.CompletedAt = &ts
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling job: %w", err)
	}
	if updated.Status != models.JobStatusCancelled {
		return nil, fmt.Errorf("%w: job is %s", ErrNotCancellable, updated.Status)
	}

	c.invalidateStatus(ctx, updated.ScanID)
	observeDuration(updated)
	cancellationsTotal.WithLabelValues(string(updated.Stage)).Inc()
	slog.Info("job cancelled", "job_id", jobID, "scan_id", updated.ScanID, "stage", updated.Stage)

	c.cancelRemote(jobID)
	return updated, nil
}

func (c *Canceller) cancelRemote(jobID uuid.UUID) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in remote cancel", "error", r, "job_id", jobID)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.CancelTimeout)
		defer cancel()
		if err := c.colmap.CancelJob(ctx, jobID.String()); err != nil {
			slog.Warn("remote cancel failed", "job_id", jobID, "error", err)
		}
	}()
}
