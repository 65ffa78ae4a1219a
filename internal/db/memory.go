package db

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
)

// MemoryStore is a Repository kept in process memory. It backs tests and
// the CLI's --dry-run mode. Every successful mutation increments Writes.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	writes  int
	sources map[string]*models.Source
	runs    []*models.IngestionRun
	raws    map[string]*models.RawGrant
	grants  map[uuid.UUID]*models.Grant
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		sources: make(map[string]*models.Source),
		raws:    make(map[string]*models.RawGrant),
		grants:  make(map[uuid.UUID]*models.Grant),
	}
}

// Writes is the number of mutations applied so far.
func (m *MemoryStore) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

func rawKey(sourceID uuid.UUID, externalID string) string {
	return sourceID.String() + "|" + externalID
}

func (m *MemoryStore) UpsertSource(_ context.Context, src *models.Source) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	existing, ok := m.sources[src.Name]
	if !ok {
		existing = &models.Source{ID: uuid.New(), Name: src.Name, IsActive: src.IsActive, CreatedAt: now}
		m.sources[src.Name] = existing
	}
	existing.DisplayName = src.DisplayName
	existing.SourceType = src.SourceType
	existing.BaseURL = src.BaseURL
	existing.UpdatedAt = now
	m.writes++

	out := *existing
	return &out, nil
}

func (m *MemoryStore) GetSourceByName(_ context.Context, name string) (*models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[name]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", name, ErrNotFound)
	}
	out := *src
	return &out, nil
}

func (m *MemoryStore) ListSources(_ context.Context) ([]models.Source, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Source, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, *src)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) UpdateSourceSync(_ context.Context, id uuid.UUID, at time.Time, status models.SyncStatus, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if src.ID == id {
			t, s := at, status
			src.LastSyncAt = &t
			src.LastSyncStatus = &s
			src.LastSyncCount = count
			src.UpdatedAt = m.now()
			m.writes++
			return nil
		}
	}
	return fmt.Errorf("source %s: %w", id, ErrNotFound)
}

func (m *MemoryStore) CreateRun(_ context.Context, run *models.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run.ID = uuid.New()
	stored := *run
	m.runs = append(m.runs, &stored)
	m.writes++
	return nil
}

func (m *MemoryStore) FinishRun(_ context.Context, run *models.IngestionRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.runs {
		if r.ID == run.ID {
			stored := *run
			stored.ErrorLog = append([]models.RecordError(nil), run.ErrorLog...)
			m.runs[i] = &stored
			m.writes++
			return nil
		}
	}
	return fmt.Errorf("ingestion run %s: %w", run.ID, ErrNotFound)
}

func (m *MemoryStore) ListRecentRuns(_ context.Context, limit int) ([]models.IngestionRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make(map[uuid.UUID]string, len(m.sources))
	for _, src := range m.sources {
		names[src.ID] = src.Name
	}

	out := make([]models.IngestionRun, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		r := *m.runs[i]
		r.SourceName = names[r.SourceID]
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) FindRawGrant(_ context.Context, sourceID uuid.UUID, externalID string) (*models.RawGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.raws[rawKey(sourceID, externalID)]
	if !ok {
		return nil, fmt.Errorf("raw grant %s: %w", externalID, ErrNotFound)
	}
	out := *raw
	return &out, nil
}

func (m *MemoryStore) CreateRawGrant(_ context.Context, raw *models.RawGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rawKey(raw.SourceID, raw.ExternalID)
	if _, ok := m.raws[key]; ok {
		return fmt.Errorf("raw grant %s already exists for source %s", raw.ExternalID, raw.SourceID)
	}
	now := m.now()
	raw.ID = uuid.New()
	raw.CreatedAt, raw.UpdatedAt = now, now
	stored := *raw
	m.raws[key] = &stored
	m.writes++
	return nil
}

func (m *MemoryStore) UpdateRawGrant(_ context.Context, raw *models.RawGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := rawKey(raw.SourceID, raw.ExternalID)
	existing, ok := m.raws[key]
	if !ok || existing.ID != raw.ID {
		return fmt.Errorf("raw grant %s: %w", raw.ExternalID, ErrNotFound)
	}
	raw.UpdatedAt = m.now()
	stored := *raw
	m.raws[key] = &stored
	m.writes++
	return nil
}

func (m *MemoryStore) CreateGrant(_ context.Context, g *models.Grant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	g.ID = uuid.New()
	g.CreatedAt, g.UpdatedAt = now, now
	stored := *g
	m.grants[g.ID] = &stored
	m.writes++
	return nil
}

func (m *MemoryStore) UpdateGrant(_ context.Context, id uuid.UUID, u models.GrantUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	u.Apply(g)
	g.UpdatedAt = m.now()
	m.writes++
	return nil
}

// Grant returns a copy of the stored grant.
func (m *MemoryStore) Grant(id uuid.UUID) (*models.Grant, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, false
	}
	out := *g
	return &out, true
}

// Grants returns every stored grant ordered by external id.
func (m *MemoryStore) Grants() []models.Grant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Grant, 0, len(m.grants))
	for _, g := range m.grants {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out
}

// RunCount is the number of ingestion runs ever created.
func (m *MemoryStore) RunCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
