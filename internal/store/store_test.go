package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/scanpipe/internal/store"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("scanpipe_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// forEachStore runs fn against the in-memory store and, unless -short is
// set, against a migrated Postgres container.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, store.NewMemoryStore())
	})
	t.Run("postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, store.NewPostgresStore(setupTestDB(t)))
	})
}

func defaultProjectID(t *testing.T, s store.Store) uuid.UUID {
	t.Helper()
	p, err := s.GetDefaultProject(context.Background())
	require.NoError(t, err)
	return p.ID
}

func newScan(t *testing.T, s store.Store, projectID uuid.UUID) *models.Scan {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	scan := &models.Scan{
		ID:            uuid.New(),
		ProjectID:     projectID,
		VideoFilename: "walkaround.mp4",
		VideoSize:     1 << 20,
		VideoPath:     "uploads/walkaround.mp4",
		Status:        models.ScanStatusUploaded,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, s.CreateScan(context.Background(), scan))
	return scan
}

func newJob(t *testing.T, s store.Store, scanID uuid.UUID, stage models.Stage, status models.JobStatus) *models.Job {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	job := &models.Job{
		ID:        uuid.New(),
		ScanID:    scanID,
		Stage:     stage,
		Status:    status,
		Params:    json.RawMessage(`{"quality":"medium"}`),
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// --- Project Tests ---

func TestGetDefaultProject(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		p, err := s.GetDefaultProject(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "default", p.Name)
		assert.NotEqual(t, uuid.Nil, p.ID)
	})
}

// --- API Key Tests ---

func TestAPIKey_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID:        uuid.New(),
			ProjectID: defaultProjectID(t, s),
			Name:      "test-key",
			KeyHash:   "bcrypt-hash-here",
			KeyPrefix: "sp_abcd",
			Scopes:    []string{"read", "write"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))

		keys, err := s.GetAPIKeyByPrefix(ctx, "sp_abcd")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, []string{"read", "write"}, keys[0].Scopes)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
		keys, err = s.GetAPIKeyByPrefix(ctx, "sp_abcd")
		require.NoError(t, err)
		assert.NotNil(t, keys[0].LastUsedAt)

		dup := *key
		dup.KeyHash = "other"
		assert.ErrorIs(t, s.CreateAPIKey(ctx, &dup), store.ErrDuplicateKey)
	})
}

// --- Scan Tests ---

func TestScan_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)

		got, err := s.GetScan(ctx, scan.ID, projectID)
		require.NoError(t, err)
		assert.Equal(t, scan.VideoFilename, got.VideoFilename)
		assert.Equal(t, models.ScanStatusUploaded, got.Status)

		_, err = s.GetScan(ctx, scan.ID, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestScan_UpdateStatusMonotonic(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)

		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusExtracting))
		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusFramesExtracted, store.WithFrameCount(240)))

		err := s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusUploaded)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusFailed, store.WithStatusMessage("boom")))
		err = s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusProcessing)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusFramesExtracted,
			store.WithForce(), store.WithStatusMessage("")))

		got, err := s.GetScan(ctx, scan.ID, projectID)
		require.NoError(t, err)
		assert.Equal(t, models.ScanStatusFramesExtracted, got.Status)
		assert.Equal(t, 240, got.FrameCount)
		assert.Empty(t, got.StatusMessage)

		assert.ErrorIs(t, s.UpdateScanStatus(ctx, uuid.New(), models.ScanStatusFailed), store.ErrNotFound)
	})
}

func TestScan_DeleteCascades(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusRunning)

		require.NoError(t, s.DeleteScan(ctx, scan.ID, projectID))

		jobs, err := s.ListJobsByScan(ctx, scan.ID)
		require.NoError(t, err)
		assert.Empty(t, jobs)
		assert.ErrorIs(t, s.DeleteScan(ctx, scan.ID, projectID), store.ErrNotFound)
	})
}

func TestScan_ListWithActiveJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)

		active := newScan(t, s, projectID)
		newJob(t, s, active.ID, models.StageFrameExtraction, models.JobStatusRunning)

		idle := newScan(t, s, projectID)
		newJob(t, s, idle.ID, models.StageFrameExtraction, models.JobStatusFailed)

		unmaterialized := newScan(t, s, projectID)
		newJob(t, s, unmaterialized.ID, models.StageFrameExtraction, models.JobStatusCompleted)

		scans, err := s.ListScansWithActiveJobs(ctx)
		require.NoError(t, err)

		ids := make([]uuid.UUID, 0, len(scans))
		for _, sc := range scans {
			ids = append(ids, sc.ID)
		}
		assert.ElementsMatch(t, []uuid.UUID{active.ID, unmaterialized.ID}, ids)
	})
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		job := newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusPending)

		got, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)
		assert.Equal(t, models.StageFrameExtraction, got.Stage)
		assert.Equal(t, models.JobStatusPending, got.Status)
		assert.JSONEq(t, `{"quality":"medium"}`, string(got.Params))

		_, err = s.GetJob(ctx, job.ID, uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)
		_, err = s.GetJob(ctx, uuid.New(), projectID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_OneActivePerStage(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		scan := newScan(t, s, defaultProjectID(t, s))
		first := newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusRunning)

		dup := &models.Job{
			ID: uuid.New(), ScanID: scan.ID, Stage: models.StageFrameExtraction,
			Status: models.JobStatusPending, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
		}
		assert.ErrorIs(t, s.CreateJob(ctx, dup), store.ErrDuplicateKey)

		first.Status = models.JobStatusCancelled
		require.NoError(t, s.UpdateJob(ctx, first))
		assert.NoError(t, s.CreateJob(ctx, dup))
	})
}

func TestJob_UpdateCompareAndSwap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		job := newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusPending)

		a, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)
		b, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)

		a.Status = models.JobStatusRunning
		a.Progress = 10
		require.NoError(t, s.UpdateJob(ctx, a))
		assert.Equal(t, job.Version+1, a.Version)

		b.Status = models.JobStatusRunning
		b.Progress = 20
		assert.ErrorIs(t, s.UpdateJob(ctx, b), store.ErrConflict)

		got, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)
		assert.Equal(t, 10, got.Progress)

		missing := *got
		missing.ID = uuid.New()
		assert.ErrorIs(t, s.UpdateJob(ctx, &missing), store.ErrNotFound)
	})
}

func TestJob_ListByScanOrdered(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		scan := newScan(t, s, defaultProjectID(t, s))
		first := newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusFailed)
		time.Sleep(2 * time.Millisecond)
		second := newJob(t, s, scan.ID, models.StageFrameExtraction, models.JobStatusRunning)

		jobs, err := s.ListJobsByScan(ctx, scan.ID)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, first.ID, jobs[0].ID)
		assert.Equal(t, second.ID, jobs[1].ID)
	})
}

// --- Materialization & Asset Tests ---

func pointCloudAsset(scan *models.Scan, jobID uuid.UUID) *models.Asset {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Asset{
		ID:          uuid.New(),
		ProjectID:   scan.ProjectID,
		ScanID:      scan.ID,
		JobID:       jobID,
		Type:        models.AssetTypePointCloud,
		Path:        "out/sparse.ply",
		Format:      "ply",
		SizeBytes:   4096,
		Metadata:    map[string]any{"points": float64(1200)},
		Status:      models.AssetStatusCompleted,
		ProcessedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func TestMaterializeJob_ExactlyOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusProcessing))
		job := newJob(t, s, scan.ID, models.StageSparseReconstruction, models.JobStatusCompleted)

		var wg sync.WaitGroup
		errs := make([]error, 5)
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.MaterializeJob(ctx, store.MaterializeParams{
					JobID:  job.ID,
					ScanID: scan.ID,
					Assets: []*models.Asset{pointCloudAsset(scan, job.ID)},
				})
			}(i)
		}
		wg.Wait()

		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.True(t, errors.Is(err, store.ErrAlreadyMaterialized), "unexpected error: %v", err)
		}
		assert.Equal(t, 1, wins)

		assets, err := s.ListAssetsByJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Len(t, assets, 1)

		got, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)
		assert.NotNil(t, got.MaterializedAt)
	})
}

func TestMaterializeJob_FailureRecordsError(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusProcessing))
		job := newJob(t, s, scan.ID, models.StageMeshing, models.JobStatusCompleted)

		msg := "missing mesh descriptor"
		failed := models.ScanStatusFailed
		require.NoError(t, s.MaterializeJob(ctx, store.MaterializeParams{
			JobID:       job.ID,
			ScanID:      scan.ID,
			Error:       &msg,
			ScanStatus:  &failed,
			ScanMessage: &msg,
		}))

		got, err := s.GetJob(ctx, job.ID, projectID)
		require.NoError(t, err)
		require.NotNil(t, got.MaterializeError)
		assert.Equal(t, msg, *got.MaterializeError)
		assert.Nil(t, got.MaterializedAt)

		sc, err := s.GetScan(ctx, scan.ID, projectID)
		require.NoError(t, err)
		assert.Equal(t, models.ScanStatusFailed, sc.Status)
		assert.Equal(t, msg, sc.StatusMessage)

		assets, err := s.ListAssetsByScan(ctx, scan.ID, projectID)
		require.NoError(t, err)
		assert.Empty(t, assets)
	})
}

func TestMaterializeJob_RejectsIncompleteJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		scan := newScan(t, s, defaultProjectID(t, s))
		job := newJob(t, s, scan.ID, models.StageMeshing, models.JobStatusRunning)

		err := s.MaterializeJob(context.Background(), store.MaterializeParams{JobID: job.ID, ScanID: scan.ID})
		assert.ErrorIs(t, err, store.ErrConflict)
	})
}

func TestAsset_UpdateMetadataAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		projectID := defaultProjectID(t, s)
		scan := newScan(t, s, projectID)
		require.NoError(t, s.UpdateScanStatus(ctx, scan.ID, models.ScanStatusProcessing))
		job := newJob(t, s, scan.ID, models.StageSparseReconstruction, models.JobStatusCompleted)
		asset := pointCloudAsset(scan, job.ID)
		require.NoError(t, s.MaterializeJob(ctx, store.MaterializeParams{
			JobID: job.ID, ScanID: scan.ID, Assets: []*models.Asset{asset},
		}))

		updated, err := s.UpdateAssetMetadata(ctx, asset.ID, projectID, map[string]any{"label": "front yard"})
		require.NoError(t, err)
		assert.Equal(t, "front yard", updated.Metadata["label"])

		_, err = s.UpdateAssetMetadata(ctx, asset.ID, uuid.New(), nil)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.DeleteAsset(ctx, asset.ID, projectID))
		_, err = s.GetAsset(ctx, asset.ID, projectID)
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.ErrorIs(t, s.DeleteAsset(ctx, asset.ID, projectID), store.ErrNotFound)
	})
}

func TestPing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}
