package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/scanpipe/pkg/models"
)

// MemoryStore is an in-process Store with the same semantics as
// PostgresStore. It backs tests and STORE_DRIVER=memory.
type MemoryStore struct {
	mu       sync.RWMutex
	project  models.Project
	apiKeys  map[uuid.UUID]*models.APIKey
	scans    map[uuid.UUID]*models.Scan
	jobs     map[uuid.UUID]*models.Job
	assets   map[uuid.UUID]*models.Asset
	jobOrder []uuid.UUID
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store seeded with the default project.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	return &MemoryStore{
		project: models.Project{ID: uuid.New(), Name: "default", CreatedAt: now, UpdatedAt: now},
		apiKeys: make(map[uuid.UUID]*models.APIKey),
		scans:   make(map[uuid.UUID]*models.Scan),
		jobs:    make(map[uuid.UUID]*models.Job),
		assets:  make(map[uuid.UUID]*models.Asset),
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (m *MemoryStore) GetDefaultProject(_ context.Context) (*models.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := m.project
	return &p, nil
}

// --- API Keys ---

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []*models.APIKey
	for _, k := range m.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			c.Scopes = slices.Clone(k.Scopes)
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.apiKeys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	c.Scopes = slices.Clone(key.Scopes)
	m.apiKeys[key.ID] = &c
	return nil
}

// --- Scans ---

func (m *MemoryStore) CreateScan(_ context.Context, scan *models.Scan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.scans[scan.ID]; ok {
		return ErrDuplicateKey
	}
	m.scans[scan.ID] = cloneScan(scan)
	return nil
}

func (m *MemoryStore) GetScan(_ context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.scans[id]
	if !ok || sc.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return cloneScan(sc), nil
}

func (m *MemoryStore) UpdateScanStatus(_ context.Context, id uuid.UUID, status models.ScanStatus, opts ...ScanUpdateOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateScanLocked(id, status, applyScanOptions(opts))
}

func (m *MemoryStore) updateScanLocked(id uuid.UUID, status models.ScanStatus, params *scanUpdateParams) error {
	sc, ok := m.scans[id]
	if !ok {
		return ErrNotFound
	}
	if !params.Force && !sc.Status.CanAdvanceTo(status) {
		return fmt.Errorf("%w: scan %s -> %s", ErrInvalidTransition, sc.Status, status)
	}
	sc.Status = status
	sc.UpdatedAt = time.Now().UTC()
	if params.Message != nil {
		sc.StatusMessage = *params.Message
	}
	if params.FrameCount != nil {
		sc.FrameCount = *params.FrameCount
	}
	if params.ProcessingResults != nil {
		sc.ProcessingResults = slices.Clone(params.ProcessingResults)
	}
	return nil
}

func (m *MemoryStore) DeleteScan(_ context.Context, id uuid.UUID, projectID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.scans[id]
	if !ok || sc.ProjectID != projectID {
		return ErrNotFound
	}
	delete(m.scans, id)
	for jid, j := range m.jobs {
		if j.ScanID == id {
			delete(m.jobs, jid)
		}
	}
	m.jobOrder = slices.DeleteFunc(m.jobOrder, func(jid uuid.UUID) bool {
		_, ok := m.jobs[jid]
		return !ok
	})
	for aid, a := range m.assets {
		if a.ScanID == id {
			delete(m.assets, aid)
		}
	}
	return nil
}

func (m *MemoryStore) ListScansWithActiveJobs(_ context.Context) ([]*models.Scan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[uuid.UUID]bool)
	var scans []*models.Scan
	for _, jid := range m.jobOrder {
		j := m.jobs[jid]
		active := !j.Status.IsTerminal() ||
			(j.Status == models.JobStatusCompleted && !j.Materialized())
		if !active || seen[j.ScanID] {
			continue
		}
		seen[j.ScanID] = true
		if sc, ok := m.scans[j.ScanID]; ok {
			scans = append(scans, cloneScan(sc))
		}
	}
	return scans, nil
}

// --- Jobs ---

func (m *MemoryStore) CreateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return ErrDuplicateKey
	}
	if !job.Status.IsTerminal() {
		for _, j := range m.jobs {
			if j.ScanID == job.ScanID && j.Stage == job.Stage && !j.Status.IsTerminal() {
				return ErrDuplicateKey
			}
		}
	}
	m.jobs[job.ID] = cloneJob(job)
	m.jobOrder = append(m.jobOrder, job.ID)
	return nil
}

func (m *MemoryStore) GetJob(_ context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if sc, ok := m.scans[j.ScanID]; !ok || sc.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return cloneJob(j), nil
}

func (m *MemoryStore) ListJobsByScan(_ context.Context, scanID uuid.UUID) ([]*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var jobs []*models.Job
	for _, jid := range m.jobOrder {
		if j := m.jobs[jid]; j.ScanID == scanID {
			jobs = append(jobs, cloneJob(j))
		}
	}
	return jobs, nil
}

func (m *MemoryStore) UpdateJob(_ context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != job.Version {
		return ErrConflict
	}
	now := time.Now().UTC()
	stored.Status = job.Status
	stored.Progress = job.Progress
	stored.Message = job.Message
	stored.Result = slices.Clone(job.Result)
	stored.PollFailures = job.PollFailures
	stored.StartedAt = job.StartedAt
	stored.CompletedAt = job.CompletedAt
	stored.UpdatedAt = now
	stored.Version++

	job.Version = stored.Version
	job.UpdatedAt = now
	return nil
}

// --- Assets ---

func (m *MemoryStore) ListAssetsByScan(_ context.Context, scanID uuid.UUID, projectID uuid.UUID) ([]*models.Asset, error) {
	return m.filterAssets(func(a *models.Asset) bool {
		return a.ScanID == scanID && a.ProjectID == projectID
	}), nil
}

func (m *MemoryStore) ListAssetsByJob(_ context.Context, jobID uuid.UUID) ([]*models.Asset, error) {
	return m.filterAssets(func(a *models.Asset) bool { return a.JobID == jobID }), nil
}

func (m *MemoryStore) filterAssets(keep func(*models.Asset) bool) []*models.Asset {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Asset
	for _, a := range m.assets {
		if keep(a) {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) GetAsset(_ context.Context, id uuid.UUID, projectID uuid.UUID) (*models.Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.assets[id]
	if !ok || a.ProjectID != projectID {
		return nil, ErrNotFound
	}
	return cloneAsset(a), nil
}

func (m *MemoryStore) UpdateAssetMetadata(_ context.Context, id uuid.UUID, projectID uuid.UUID, metadata map[string]any) (*models.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok || a.ProjectID != projectID {
		return nil, ErrNotFound
	}
	if metadata == nil {
		metadata = map[string]any{}
	}
	a.Metadata = maps.Clone(metadata)
	a.UpdatedAt = time.Now().UTC()
	return cloneAsset(a), nil
}

func (m *MemoryStore) DeleteAsset(_ context.Context, id uuid.UUID, projectID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assets[id]
	if !ok || a.ProjectID != projectID {
		return ErrNotFound
	}
	delete(m.assets, id)
	return nil
}

// --- Materialization ---

func (m *MemoryStore) MaterializeJob(_ context.Context, p MaterializeParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[p.JobID]
	if !ok {
		return ErrNotFound
	}
	if j.Materialized() {
		return ErrAlreadyMaterialized
	}
	if j.Status != models.JobStatusCompleted {
		return fmt.Errorf("%w: job is %s", ErrConflict, j.Status)
	}
	for _, a := range p.Assets {
		if _, dup := m.assets[a.ID]; dup {
			return ErrDuplicateKey
		}
	}

	if p.ScanStatus != nil {
		params := &scanUpdateParams{
			Message:           p.ScanMessage,
			FrameCount:        p.FrameCount,
			ProcessingResults: p.ProcessingResults,
		}
		if sc, ok := m.scans[p.ScanID]; ok && sc.Status.CanAdvanceTo(*p.ScanStatus) {
			if err := m.updateScanLocked(p.ScanID, *p.ScanStatus, params); err != nil {
				return err
			}
		}
	}

	for _, a := range p.Assets {
		c := cloneAsset(a)
		if c.Metadata == nil {
			c.Metadata = map[string]any{}
		}
		m.assets[a.ID] = c
	}

	now := time.Now().UTC()
	if p.Error != nil {
		msg := *p.Error
		j.MaterializeError = &msg
	} else {
		j.MaterializedAt = &now
	}
	j.UpdatedAt = now
	j.Version++
	return nil
}

func cloneScan(s *models.Scan) *models.Scan {
	c := *s
	c.ProcessingResults = slices.Clone(s.ProcessingResults)
	return &c
}

func cloneJob(j *models.Job) *models.Job {
	c := *j
	c.Params = slices.Clone(j.Params)
	c.Result = slices.Clone(j.Result)
	return &c
}

func cloneAsset(a *models.Asset) *models.Asset {
	c := *a
	c.Metadata = maps.Clone(a.Metadata)
	c.ProcessingParams = slices.Clone(a.ProcessingParams)
	return &c
}
