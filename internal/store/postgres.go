package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Projects ---

func (s *PostgresStore) GetDefaultProject(ctx context.Context) (*models.Project, error) {
	var p models.Project
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM projects WHERE name = 'default' LIMIT 1`,
	).Scan(&p.ID, &p.Name, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default project: %w", err)
	}
	return &p, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, project_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.ProjectID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, project_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.ProjectID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Scans ---

const scanColumns = `id, project_id, video_filename, video_size, video_path, status, status_message,
	frame_count, processing_results, created_at, updated_at`

func scanScan(row pgx.Row) (*models.Scan, error) {
	var sc models.Scan
	err := row.Scan(&sc.ID, &sc.ProjectID, &sc.VideoFilename, &sc.VideoSize, &sc.VideoPath,
		&sc.Status, &sc.StatusMessage, &sc.FrameCount, &sc.ProcessingResults, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) CreateScan(ctx context.Context, scan *models.Scan) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO scans (id, project_id, video_filename, video_size, video_path, status, status_message, frame_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		scan.ID, scan.ProjectID, scan.VideoFilename, scan.VideoSize, scan.VideoPath,
		scan.Status, scan.StatusMessage, scan.FrameCount, scan.CreatedAt, scan.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create scan: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Scan, error) {
	sc, err := scanScan(s.pool.QueryRow(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1 AND project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) UpdateScanStatus(ctx context.Context, id uuid.UUID, status models.ScanStatus, opts ...ScanUpdateOption) error {
	params := applyScanOptions(opts)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin scan update: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := updateScanTx(ctx, tx, id, status, params); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit scan update: %w", err)
	}
	return nil
}

// updateScanTx locks the scan row, validates the transition and applies it.
func updateScanTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, status models.ScanStatus, params *scanUpdateParams) error {
	var current models.ScanStatus
	err := tx.QueryRow(ctx, `SELECT status FROM scans WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get scan status: %w", err)
	}

	if !params.Force && !current.CanAdvanceTo(status) {
		return fmt.Errorf("%w: scan %s -> %s", ErrInvalidTransition, current, status)
	}

	query := `UPDATE scans SET status = $2, updated_at = $3`
	args := []any{id, status, time.Now().UTC()}
	argIdx := 4

	if params.Message != nil {
		query += fmt.Sprintf(", status_message = $%d", argIdx)
		args = append(args, *params.Message)
		argIdx++
	}
	if params.FrameCount != nil {
		query += fmt.Sprintf(", frame_count = $%d", argIdx)
		args = append(args, *params.FrameCount)
		argIdx++
	}
	if params.ProcessingResults != nil {
		query += fmt.Sprintf(", processing_results = $%d", argIdx)
		args = append(args, params.ProcessingResults)
		argIdx++
	}
	query += " WHERE id = $1"

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update scan status: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteScan(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM scans WHERE id = $1 AND project_id = $2`, id, projectID)
	if err != nil {
		return fmt.Errorf("delete scan: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListScansWithActiveJobs returns scans that still have jobs in flight or
// completed jobs awaiting materialization.
func (s *PostgresStore) ListScansWithActiveJobs(ctx context.Context) ([]*models.Scan, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+scanColumns+` FROM scans s WHERE EXISTS (
			SELECT 1 FROM jobs j WHERE j.scan_id = s.id AND (
				j.status IN ('pending', 'running')
				OR (j.status = 'completed' AND j.materialized_at IS NULL AND j.materialize_error IS NULL)))
		 ORDER BY s.updated_at`)
	if err != nil {
		return nil, fmt.Errorf("list active scans: %w", err)
	}
	defer rows.Close()

	var scans []*models.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		scans = append(scans, sc)
	}
	return scans, rows.Err()
}

// --- Jobs ---

const jobColumns = `j.id, j.scan_id, j.stage, j.status, j.progress, j.message, j.params, j.result,
	j.poll_failures, j.materialized_at, j.materialize_error, j.started_at, j.completed_at,
	j.created_at, j.updated_at, j.version`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.ScanID, &j.Stage, &j.Status, &j.Progress, &j.Message, &j.Params, &j.Result,
		&j.PollFailures, &j.MaterializedAt, &j.MaterializeError, &j.StartedAt, &j.CompletedAt,
		&j.CreatedAt, &j.UpdatedAt, &j.Version)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, scan_id, stage, status, progress, message, params, created_at, updated_at, version)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.ScanID, job.Stage, job.Status, job.Progress, job.Message, job.Params,
		job.CreatedAt, job.UpdatedAt, job.Version)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs j JOIN scans s ON s.id = j.scan_id
		 WHERE j.id = $1 AND s.project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobsByScan(ctx context.Context, scanID uuid.UUID) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs j WHERE j.scan_id = $1 ORDER BY j.created_at, j.id`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateJob persists the mutable fields of job if its Version still matches
// the stored row. On success job.Version is incremented.
func (s *PostgresStore) UpdateJob(ctx context.Context, job *models.Job) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $3, progress = $4, message = $5, result = $6, poll_failures = $7,
			started_at = $8, completed_at = $9, updated_at = $10, version = version + 1
		 WHERE id = $1 AND version = $2`,
		job.ID, job.Version, job.Status, job.Progress, job.Message, job.Result, job.PollFailures,
		job.StartedAt, job.CompletedAt, now)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, job.ID).Scan(&exists); err != nil {
			return fmt.Errorf("check job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrConflict
	}
	job.Version++
	job.UpdatedAt = now
	return nil
}

// --- Assets ---

const assetColumns = `id, project_id, scan_id, job_id, type, path, format, size_bytes, metadata,
	processing_params, status, error_message, processed_at, created_at, updated_at`

func scanAsset(row pgx.Row) (*models.Asset, error) {
	var a models.Asset
	err := row.Scan(&a.ID, &a.ProjectID, &a.ScanID, &a.JobID, &a.Type, &a.Path, &a.Format, &a.SizeBytes,
		&a.Metadata, &a.ProcessingParams, &a.Status, &a.ErrorMessage, &a.ProcessedAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) queryAssets(ctx context.Context, query string, args ...any) ([]*models.Asset, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []*models.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) ListAssetsByScan(ctx context.Context, scanID uuid.UUID, projectID uuid.UUID) ([]*models.Asset, error) {
	return s.queryAssets(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE scan_id = $1 AND project_id = $2 ORDER BY created_at, id`,
		scanID, projectID)
}

func (s *PostgresStore) ListAssetsByJob(ctx context.Context, jobID uuid.UUID) ([]*models.Asset, error) {
	return s.queryAssets(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE job_id = $1 ORDER BY created_at, id`, jobID)
}

func (s *PostgresStore) GetAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Asset, error) {
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`SELECT `+assetColumns+` FROM assets WHERE id = $1 AND project_id = $2`, id, projectID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get asset: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) UpdateAssetMetadata(ctx context.Context, id uuid.UUID, projectID uuid.UUID, metadata map[string]any) (*models.Asset, error) {
	if metadata == nil {
		metadata = map[string]any{}
	}
	a, err := scanAsset(s.pool.QueryRow(ctx,
		`UPDATE assets SET metadata = $3, updated_at = NOW()
		 WHERE id = $1 AND project_id = $2
		 RETURNING `+assetColumns, id, projectID, metadata))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update asset metadata: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) DeleteAsset(ctx context.Context, id uuid.UUID, projectID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM assets WHERE id = $1 AND project_id = $2`, id, projectID)
	if err != nil {
		return fmt.Errorf("delete asset: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Materialization ---

// MaterializeJob applies p in a single transaction. The job row is locked and
// re-checked so that only the first caller writes anything.
func (s *PostgresStore) MaterializeJob(ctx context.Context, p MaterializeParams) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin materialize: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		status models.JobStatus
		matAt  *time.Time
		matErr *string
	)
	err = tx.QueryRow(ctx,
		`SELECT status, materialized_at, materialize_error FROM jobs WHERE id = $1 FOR UPDATE`, p.JobID,
	).Scan(&status, &matAt, &matErr)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	if matAt != nil || matErr != nil {
		return ErrAlreadyMaterialized
	}
	if status != models.JobStatusCompleted {
		return fmt.Errorf("%w: job is %s", ErrConflict, status)
	}

	now := time.Now().UTC()
	for _, a := range p.Assets {
		metadata := a.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO assets (id, project_id, scan_id, job_id, type, path, format, size_bytes, metadata,
				processing_params, status, error_message, processed_at, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
			a.ID, a.ProjectID, a.ScanID, a.JobID, a.Type, a.Path, a.Format, a.SizeBytes, metadata,
			a.ProcessingParams, a.Status, a.ErrorMessage, a.ProcessedAt, a.CreatedAt, a.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert asset: %w", err)
		}
	}

	if p.Error != nil {
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET materialize_error = $2, updated_at = $3, version = version + 1 WHERE id = $1`,
			p.JobID, *p.Error, now)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET materialized_at = $2, updated_at = $2, version = version + 1 WHERE id = $1`,
			p.JobID, now)
	}
	if err != nil {
		return fmt.Errorf("mark job materialized: %w", err)
	}

	if p.ScanStatus != nil {
		params := &scanUpdateParams{
			Message:           p.ScanMessage,
			FrameCount:        p.FrameCount,
			ProcessingResults: p.ProcessingResults,
		}
		// A scan that moved on concurrently keeps its status; the job is
		// still marked materialized.
		err := updateScanTx(ctx, tx, p.ScanID, *p.ScanStatus, params)
		if err != nil && !errors.Is(err, ErrInvalidTransition) {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit materialize: %w", err)
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
