// Package orchestrator drives scans through the reconstruction pipeline: it
// dispatches stages to the COLMAP service, merges polled status into job
// records, materializes completed results into assets and cancels jobs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/cache"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/internal/storage"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

const maxCASAttempts = 3

// Deps are the collaborators shared by every orchestrator component.
type Deps struct {
	Store  store.Store
	Cache  cache.Cache
	Colmap colmap.Client
	Files  *storage.FileStore

	// Pipeline is the full stage catalog. Defaults to pipeline.Default().
	Pipeline *pipeline.Definition
}

// Config tunes timeouts and defaults. Zero values fall back to defaults.
type Config struct {
	StartTimeout         time.Duration
	PollTimeout          time.Duration
	CancelTimeout        time.Duration
	PollFailureThreshold int
	StatusCacheTTL       time.Duration
	DefaultQuality       string
	DefaultCameraModel   string

	// FinalStage truncates the stages a scan must finish to be completed.
	// Empty means every stage is required.
	FinalStage models.Stage
}

func (c Config) withDefaults() Config {
	if c.StartTimeout <= 0 {
		c.StartTimeout = 30 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 10 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 10 * time.Second
	}
	if c.PollFailureThreshold < 1 {
		c.PollFailureThreshold = 3
	}
	if c.DefaultQuality == "" {
		c.DefaultQuality = "medium"
	}
	if c.DefaultCameraModel == "" {
		c.DefaultCameraModel = "SIMPLE_RADIAL"
	}
	return c
}

// Orchestrator bundles the components that share locks and background work.
type Orchestrator struct {
	Dispatcher   *Dispatcher
	Poller       *Poller
	Materializer *Materializer
	Canceller    *Canceller

	core *core
}

// New wires the orchestrator components around a shared core.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil || deps.Cache == nil || deps.Colmap == nil || deps.Files == nil {
		return nil, errors.New("orchestrator: store, cache, colmap and files are required")
	}
	stages := deps.Pipeline
	if stages == nil {
		stages = pipeline.Default()
	}
	required := stages
	if cfg.FinalStage != "" {
		var err error
		required, err = stages.Through(cfg.FinalStage)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: final stage: %w", err)
		}
	}

	c := &core{
		store:     deps.Store,
		cache:     deps.Cache,
		colmap:    deps.Colmap,
		files:     deps.Files,
		stages:    stages,
		required:  required,
		cfg:       cfg.withDefaults(),
		scanLocks: newKeyedMutex(),
		jobLocks:  newKeyedMutex(),
	}
	m := &Materializer{core: c}
	return &Orchestrator{
		Dispatcher:   newDispatcher(c),
		Poller:       &Poller{core: c, materializer: m},
		Materializer: m,
		Canceller:    &Canceller{core: c},
		core:         c,
	}, nil
}

// Wait blocks until background remote cancellations finish or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.core.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Required returns the stages a scan must finish to be completed.
func (o *Orchestrator) Required() []models.Stage {
	return o.core.required.Stages()
}

// core holds state shared by the components. scanLocks serialize dispatches
// per scan; jobLocks serialize status merges and cancellation per job.
type core struct {
	store  store.Store
	cache  cache.Cache
	colmap colmap.Client
	files  *storage.FileStore

	stages   *pipeline.Definition
	required *pipeline.Definition
	cfg      Config

	scanLocks *keyedMutex
	jobLocks  *keyedMutex
	wg        sync.WaitGroup
}

// updateJob applies mutate and persists the result with compare-and-swap,
// reloading and reapplying on conflict. mutate returns false when there is
// nothing to write, in which case the current record is returned unchanged.
func (c *core) updateJob(ctx context.Context, projectID uuid.UUID, job *models.Job, mutate func(*models.Job) bool) (*models.Job, error) {
	current := job
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		next := *current
		if !mutate(&next) {
			return current, nil
		}
		err := c.store.UpdateJob(ctx, &next)
		if err == nil {
			return &next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}
		current, err = c.store.GetJob(ctx, job.ID, projectID)
		if err != nil {
			return nil, err
		}
	}
	return nil, store.ErrConflict
}

// failScan moves a scan to failed. A scan that already reached a terminal
// status is left alone.
func (c *core) failScan(ctx context.Context, scanID uuid.UUID, msg string) {
	err := c.store.UpdateScanStatus(ctx, scanID, models.ScanStatusFailed, store.WithStatusMessage(msg))
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) {
		slog.Error("failed to mark scan failed", "scan_id", scanID, "error", err)
	}
	c.invalidateStatus(ctx, scanID)
}

func (c *core) invalidateStatus(ctx context.Context, scanID uuid.UUID) {
	_ = c.cache.Delete(ctx, cache.ScanStatusKey(scanID))
}

// latestByStage picks the most recent job per stage. jobs must be ordered by
// creation time.
func latestByStage(jobs []*models.Job) map[models.Stage]*models.Job {
	latest := make(map[models.Stage]*models.Job, len(jobs))
	for _, j := range jobs {
		latest[j.Stage] = j
	}
	return latest
}

// completedStages reports the stages whose latest job completed and whose
// results were materialized without error.
func completedStages(latest map[models.Stage]*models.Job) map[models.Stage]bool {
	done := make(map[models.Stage]bool, len(latest))
	for stage, j := range latest {
		if j.Status == models.JobStatusCompleted && j.MaterializedAt != nil {
			done[stage] = true
		}
	}
	return done
}

func observeDuration(job *models.Job) {
	if job.StartedAt == nil || job.CompletedAt == nil {
		return
	}
	stageDuration.WithLabelValues(string(job.Stage), string(job.Status)).
		Observe(job.CompletedAt.Sub(*job.StartedAt).Seconds())
}
