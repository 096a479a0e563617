package orchestrator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/internal/colmap"
	"github.com/kiranshivaraju/scanpipe/internal/pipeline"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sparseOnly(t *testing.T) *pipeline.Definition {
	t.Helper()
	def, err := pipeline.NewDefinition(pipeline.StageDef{
		Stage:          models.StageSparseReconstruction,
		ReadyStatuses:  []models.ScanStatus{models.ScanStatusUploaded},
		InFlightStatus: models.ScanStatusProcessing,
		Produces:       []pipeline.ArtifactKind{pipeline.ArtifactPointCloud},
		Expects:        []pipeline.ArtifactKind{pipeline.ArtifactPointCloud},
	})
	require.NoError(t, err)
	return def
}

func TestGetStatus_UndispatchedScan(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)

	status := h.status(t, scan.ID)

	assert.Equal(t, AggregatePending, status.Status)
	assert.Equal(t, 0, status.Progress)
	assert.Equal(t, models.ScanStatusUploaded, status.ScanStatus)
	require.Len(t, status.Stages, 7)
	for _, s := range status.Stages {
		assert.Equal(t, models.JobStatusPending, s.Status)
		assert.Equal(t, "not yet dispatched", s.Message)
		assert.Nil(t, s.JobID)
	}
}

func TestGetStatus_RunningProgress(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)
	h.colmap.report(handle.JobID, "processing", 70, "")

	status := h.status(t, scan.ID)

	assert.Equal(t, AggregateProcessing, status.Status)
	assert.Equal(t, 10, status.Progress)
	assert.Equal(t, 70, status.Stages[0].Progress)
	assert.Equal(t, handle.JobID, *status.Stages[0].JobID)
	assert.False(t, status.Degraded)
}

func TestGetStatus_PollFailureThreshold(t *testing.T) {
	h := newHarness(t, Config{PollFailureThreshold: 3}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)
	h.colmap.set(func(f *fakeColmap) {
		f.statusErr = colmap.ErrUnreachable
		f.healthErr = colmap.ErrUnreachable
	})

	for i := 1; i <= 2; i++ {
		status := h.status(t, scan.ID)
		assert.True(t, status.Degraded)
		assert.Equal(t, AggregateProcessing, status.Status)

		job := h.job(t, handle.JobID)
		assert.Equal(t, models.JobStatusRunning, job.Status, "poll %d", i)
		assert.Equal(t, i, job.PollFailures)
	}

	status := h.status(t, scan.ID)
	assert.Equal(t, AggregateFailed, status.Status)

	job := h.job(t, handle.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "processing service unreachable", job.Message)
	assert.NotNil(t, job.CompletedAt)

	got := h.scan(t, scan.ID)
	assert.Equal(t, models.ScanStatusFailed, got.Status)
	assert.Equal(t, "frame_extraction failed: processing service unreachable", got.StatusMessage)

	calls := h.colmap.statusCalls.Load()
	h.status(t, scan.ID)
	assert.Equal(t, calls, h.colmap.statusCalls.Load(), "failed jobs are not polled again")
}

func TestGetStatus_SuccessResetsPollFailures(t *testing.T) {
	h := newHarness(t, Config{PollFailureThreshold: 3}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)

	h.colmap.set(func(f *fakeColmap) { f.statusErr = colmap.ErrTimeout })
	h.status(t, scan.ID)
	h.status(t, scan.ID)
	require.Equal(t, 2, h.job(t, handle.JobID).PollFailures)

	h.colmap.set(func(f *fakeColmap) { f.statusErr = nil })
	h.colmap.report(handle.JobID, "running", 20, "")
	status := h.status(t, scan.ID)

	assert.False(t, status.Degraded)
	job := h.job(t, handle.JobID)
	assert.Equal(t, 0, job.PollFailures)
	assert.Equal(t, 20, job.Progress)
}

func TestGetStatus_ProgressNeverDecreases(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)

	h.colmap.report(handle.JobID, "running", 40, "")
	h.status(t, scan.ID)
	h.colmap.report(handle.JobID, "running", 25, "")
	status := h.status(t, scan.ID)

	assert.Equal(t, 40, status.Stages[0].Progress)
	assert.Equal(t, 40, h.job(t, handle.JobID).Progress)

	h.colmap.report(handle.JobID, "running", 60.6, "")
	h.status(t, scan.ID)
	assert.Equal(t, 61, h.job(t, handle.JobID).Progress)
}

func TestGetStatus_RepeatedPollsAreIdempotent(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)
	h.colmap.set(func(f *fakeColmap) {
		f.statuses[handle.JobID.String()] = colmap.JobStatusResponse{Status: "running", Progress: 30, Message: "extracting frames"}
	})

	first := h.status(t, scan.ID)
	version := h.job(t, handle.JobID).Version
	second := h.status(t, scan.ID)

	assert.Equal(t, version, h.job(t, handle.JobID).Version, "unchanged report must not write")
	assert.Equal(t, first, second)
	assert.Equal(t, AggregateProcessing, second.Status)
	assert.Equal(t, "extracting frames", second.Stages[0].Message)
}

func TestGetStatus_RemoteFailure(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)
	h.colmap.set(func(f *fakeColmap) {
		f.statuses[handle.JobID.String()] = colmap.JobStatusResponse{Status: "error", Progress: 12, Message: "ffmpeg exited with status 1"}
	})

	status := h.status(t, scan.ID)

	assert.Equal(t, AggregateFailed, status.Status)
	job := h.job(t, handle.JobID)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "ffmpeg exited with status 1", job.Message)
	assert.Equal(t, 12, job.Progress)

	got := h.scan(t, scan.ID)
	assert.Equal(t, models.ScanStatusFailed, got.Status)
	assert.Equal(t, "frame_extraction failed: ffmpeg exited with status 1", got.StatusMessage)
}

func TestGetStatus_FrameExtractionCompleted(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.runStage(t, scan.ID, models.StageFrameExtraction)

	job := h.job(t, handle.JobID)
	assert.Equal(t, 100, job.Progress)
	assert.NotNil(t, job.CompletedAt)
	assert.JSONEq(t, stageResults[models.StageFrameExtraction], string(job.Result))

	got := h.scan(t, scan.ID)
	assert.Equal(t, models.ScanStatusFramesExtracted, got.Status)
	assert.Equal(t, 120, got.FrameCount)
	assert.Empty(t, h.assets(t, scan.ID))
}

func TestGetStatus_PointCloudOnlyWithSparseFinalStage(t *testing.T) {
	h := newHarness(t, Config{FinalStage: models.StageSparseReconstruction}, nil)
	scan := h.newScan(t)
	for _, stage := range []models.Stage{
		models.StageFrameExtraction,
		models.StageFeatureExtraction,
		models.StageFeatureMatching,
		models.StageSparseReconstruction,
	} {
		h.runStage(t, scan.ID, stage)
	}

	assets := h.assets(t, scan.ID)
	require.Len(t, assets, 1)
	assert.Equal(t, models.AssetTypePointCloud, assets[0].Type)
	assert.Equal(t, "sparse/points.ply", assets[0].Path)
	assert.Equal(t, int64(2048), assets[0].SizeBytes)
	assert.Equal(t, "ply", assets[0].Format)
	assert.Equal(t, models.AssetStatusCompleted, assets[0].Status)
	assert.EqualValues(t, 1000, assets[0].Metadata["points"])

	got := h.scan(t, scan.ID)
	assert.Equal(t, models.ScanStatusCompleted, got.Status)
	assert.Contains(t, string(got.ProcessingResults), "sparse_reconstruction")

	status := h.status(t, scan.ID)
	assert.Equal(t, AggregateCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
}

func TestGetStatus_PointCloudOnlyWithFullPipeline(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	for _, stage := range []models.Stage{
		models.StageFrameExtraction,
		models.StageFeatureExtraction,
		models.StageFeatureMatching,
		models.StageSparseReconstruction,
	} {
		h.runStage(t, scan.ID, stage)
	}

	assets := h.assets(t, scan.ID)
	require.Len(t, assets, 1)
	assert.Equal(t, models.AssetTypePointCloud, assets[0].Type)
	assert.Equal(t, models.ScanStatusProcessing, h.scan(t, scan.ID).Status)

	status := h.status(t, scan.ID)
	assert.Equal(t, AggregatePending, status.Status)
	assert.Equal(t, 400/7, status.Progress)
}

func TestGetStatus_SingleStagePipeline(t *testing.T) {
	h := newHarness(t, Config{}, sparseOnly(t))
	scan := h.newScan(t)
	h.runStage(t, scan.ID, models.StageSparseReconstruction)

	assert.Len(t, h.assets(t, scan.ID), 1)
	assert.Equal(t, models.ScanStatusCompleted, h.scan(t, scan.ID).Status)
}

func TestGetStatus_FullPipeline(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	for _, stage := range pipeline.AllStages() {
		h.runStage(t, scan.ID, stage)
	}

	byType := map[models.AssetType]int{}
	for _, a := range h.assets(t, scan.ID) {
		byType[a.Type]++
	}
	assert.Equal(t, map[models.AssetType]int{
		models.AssetTypePointCloud: 2,
		models.AssetTypeMesh:       1,
		models.AssetTypeModel:      1,
		models.AssetTypeTexture:    1,
	}, byType)

	assert.Equal(t, models.ScanStatusCompleted, h.scan(t, scan.ID).Status)
	status := h.status(t, scan.ID)
	assert.Equal(t, AggregateCompleted, status.Status)
	assert.Equal(t, 100, status.Progress)
}

func TestGetStatus_ConcurrentPollsMaterializeOnce(t *testing.T) {
	h := newHarness(t, Config{}, sparseOnly(t))
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageSparseReconstruction)
	h.colmap.report(handle.JobID, "completed", 100, stageResults[models.StageSparseReconstruction])
	h.colmap.set(func(f *fakeColmap) { f.statusDelay = 20 * time.Millisecond })

	const n = 8
	var wg sync.WaitGroup
	statuses := make([]*AggregateStatus, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			statuses[i], errs[i] = h.o.Poller.GetStatus(context.Background(), h.project, scan.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, AggregateCompleted, statuses[i].Status)
	}
	assert.Len(t, h.assets(t, scan.ID), 1)
	assert.Equal(t, models.ScanStatusCompleted, h.scan(t, scan.ID).Status)
}

func TestGetStatus_SkipsFreshPendingJobs(t *testing.T) {
	h := newHarness(t, Config{StartTimeout: time.Minute}, nil)
	scan := h.newScan(t)
	now := time.Now().UTC()
	job := &models.Job{
		ID:        uuid.New(),
		ScanID:    scan.ID,
		Stage:     models.StageFrameExtraction,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))

	status := h.status(t, scan.ID)
	assert.Zero(t, h.colmap.statusCalls.Load())
	assert.Equal(t, AggregatePending, status.Status)
}

func TestGetStatus_PollsStalePendingJobs(t *testing.T) {
	h := newHarness(t, Config{StartTimeout: time.Second}, nil)
	scan := h.newScan(t)
	created := time.Now().UTC().Add(-time.Hour)
	job := &models.Job{
		ID:        uuid.New(),
		ScanID:    scan.ID,
		Stage:     models.StageFrameExtraction,
		Status:    models.JobStatusPending,
		CreatedAt: created,
		UpdatedAt: created,
	}
	require.NoError(t, h.store.CreateJob(context.Background(), job))
	h.colmap.report(job.ID, "running", 5, "")

	h.status(t, scan.ID)

	assert.Equal(t, int32(1), h.colmap.statusCalls.Load())
	got := h.job(t, job.ID)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	assert.NotNil(t, got.StartedAt)
}

func TestGetStatus_CachedAggregate(t *testing.T) {
	h := newHarness(t, Config{StatusCacheTTL: time.Minute}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)

	h.colmap.report(handle.JobID, "running", 10, "")
	assert.Equal(t, 10, h.status(t, scan.ID).Stages[0].Progress)

	h.colmap.report(handle.JobID, "running", 50, "")
	assert.Equal(t, 10, h.status(t, scan.ID).Stages[0].Progress, "served from cache")

	_, err := h.o.Canceller.Cancel(context.Background(), h.project, handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, h.status(t, scan.ID).Stages[0].Status, "cancel invalidates the cache")
}

func TestGetStatus_CacheDisabled(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	scan := h.newScan(t)
	handle := h.dispatch(t, scan.ID, models.StageFrameExtraction)

	h.colmap.report(handle.JobID, "running", 10, "")
	h.status(t, scan.ID)
	h.colmap.report(handle.JobID, "running", 50, "")
	assert.Equal(t, 50, h.status(t, scan.ID).Stages[0].Progress)
}

func TestGetStatus_UnknownScan(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	_, err := h.o.Poller.GetStatus(context.Background(), h.project, uuid.New())
	assert.Error(t, err)
}

func TestMergeStatus(t *testing.T) {
	started := time.Now().UTC().Add(-time.Minute)
	running := func() *models.Job {
		return &models.Job{ID: uuid.New(), Status: models.JobStatusRunning, Progress: 30, StartedAt: &started}
	}

	t.Run("unknown status keeps stored status", func(t *testing.T) {
		j := running()
		changed := mergeStatus(j, &colmap.JobStatusResponse{Status: "warming_up", Progress: 35})
		assert.True(t, changed)
		assert.Equal(t, models.JobStatusRunning, j.Status)
		assert.Equal(t, 35, j.Progress)
	})

	t.Run("illegal transition ignored", func(t *testing.T) {
		j := running()
		changed := mergeStatus(j, &colmap.JobStatusResponse{Status: "queued", Progress: 90})
		assert.False(t, changed)
		assert.Equal(t, models.JobStatusRunning, j.Status)
		assert.Equal(t, 30, j.Progress)
	})

	t.Run("terminal job is immutable", func(t *testing.T) {
		j := running()
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		changed := mergeStatus(j, &colmap.JobStatusResponse{Status: "failed", Progress: 10, Message: "late"})
		assert.False(t, changed)
		assert.Equal(t, models.JobStatusCompleted, j.Status)
		assert.Empty(t, j.Message)
	})

	t.Run("completion forces full progress and keeps result", func(t *testing.T) {
		j := running()
		changed := mergeStatus(j, &colmap.JobStatusResponse{Status: "success", Progress: 97, Results: []byte(`{"mesh":{"path":"m.obj"}}`)})
		assert.True(t, changed)
		assert.Equal(t, models.JobStatusCompleted, j.Status)
		assert.Equal(t, 100, j.Progress)
		assert.NotNil(t, j.CompletedAt)
		assert.Equal(t, started, *j.StartedAt)
		assert.JSONEq(t, `{"mesh":{"path":"m.obj"}}`, string(j.Result))
	})

	t.Run("failure without message gets a default", func(t *testing.T) {
		j := running()
		mergeStatus(j, &colmap.JobStatusResponse{Status: "failed"})
		assert.Equal(t, models.JobStatusFailed, j.Status)
		assert.Equal(t, "processing failed", j.Message)
	})
}

func TestNormalizeStatus(t *testing.T) {
	tests := []struct {
		in    string
		want  models.JobStatus
		known bool
	}{
		{"queued", models.JobStatusPending, true},
		{"pending", models.JobStatusPending, true},
		{"processing", models.JobStatusRunning, true},
		{"RUNNING", models.JobStatusRunning, true},
		{"completed", models.JobStatusCompleted, true},
		{"success", models.JobStatusCompleted, true},
		{"error", models.JobStatusFailed, true},
		{" failed ", models.JobStatusFailed, true},
		{"canceled", models.JobStatusCancelled, true},
		{"cancelled", models.JobStatusCancelled, true},
		{"paused", "", false},
	}
	for _, tt := range tests {
		got, known := normalizeStatus(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.known, known, tt.in)
	}
}

func TestClampProgress(t *testing.T) {
	assert.Equal(t, 0, clampProgress(-5))
	assert.Equal(t, 100, clampProgress(140))
	assert.Equal(t, 43, clampProgress(42.5))
	assert.Equal(t, 0, clampProgress(math.NaN()))
}

func TestAggregate_CancelledStageCountsAsPending(t *testing.T) {
	def, err := pipeline.Default().Through(models.StageFeatureExtraction)
	require.NoError(t, err)
	scan := &models.Scan{ID: uuid.New(), Status: models.ScanStatusFramesExtracted}
	now := time.Now().UTC()
	jobs := []*models.Job{
		{ID: uuid.New(), Stage: models.StageFrameExtraction, Status: models.JobStatusCompleted, Progress: 100, MaterializedAt: &now},
		{ID: uuid.New(), Stage: models.StageFeatureExtraction, Status: models.JobStatusCancelled, Progress: 40},
	}

	status := aggregate(def, scan, jobs)

	assert.Equal(t, AggregatePending, status.Status)
	assert.Equal(t, 50, status.Progress)
	assert.Equal(t, models.JobStatusCancelled, status.Stages[1].Status)
}

func TestAggregate_LatestJobWins(t *testing.T) {
	def, err := pipeline.Default().Through(models.StageFrameExtraction)
	require.NoError(t, err)
	scan := &models.Scan{ID: uuid.New(), Status: models.ScanStatusExtracting}
	jobs := []*models.Job{
		{ID: uuid.New(), Stage: models.StageFrameExtraction, Status: models.JobStatusFailed, Message: "boom"},
		{ID: uuid.New(), Stage: models.StageFrameExtraction, Status: models.JobStatusRunning, Progress: 20},
	}

	status := aggregate(def, scan, jobs)

	assert.Equal(t, AggregateProcessing, status.Status)
	assert.Equal(t, 20, status.Progress)
}

func TestAggregate_MaterializeErrorFails(t *testing.T) {
	def, err := pipeline.Default().Through(models.StageFrameExtraction)
	require.NoError(t, err)
	scan := &models.Scan{ID: uuid.New(), Status: models.ScanStatusExtracting}
	msg := "frame_extraction result rejected: result is missing frames"
	jobs := []*models.Job{
		{ID: uuid.New(), Stage: models.StageFrameExtraction, Status: models.JobStatusCompleted, Progress: 100, MaterializeError: &msg},
	}

	status := aggregate(def, scan, jobs)

	assert.Equal(t, AggregateFailed, status.Status)
	assert.Equal(t, msg, status.Message)
}
