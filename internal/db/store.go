package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	pool *pgxpool.Pool
	q    querier
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// InGrantTx runs fn against a transaction-scoped store and commits when fn
// returns nil.
func (s *Store) InGrantTx(ctx context.Context, fn func(GrantRepository) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&Store{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return fmt.Errorf("failed to load %s: %w", what, err)
}

// --- sources ---

const sourceCols = `id, name, display_name, source_type, base_url, is_active,
	last_sync_at, last_sync_status, last_sync_count, created_at, updated_at`

func scanSource(scan func(dest ...any) error) (models.Source, error) {
	var src models.Source
	var status *string
	err := scan(
		&src.ID, &src.Name, &src.DisplayName, &src.SourceType, &src.BaseURL, &src.IsActive,
		&src.LastSyncAt, &status, &src.LastSyncCount, &src.CreatedAt, &src.UpdatedAt,
	)
	if err != nil {
		return src, err
	}
	if status != nil {
		s := models.SyncStatus(*status)
		src.LastSyncStatus = &s
	}
	return src, nil
}

func (s *Store) UpsertSource(ctx context.Context, src *models.Source) (*models.Source, error) {
	sql := fmt.Sprintf(`
		INSERT INTO ingestion_sources (name, display_name, source_type, base_url, is_active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			source_type = EXCLUDED.source_type,
			base_url = EXCLUDED.base_url,
			updated_at = NOW()
		RETURNING %s
	`, sourceCols)
	row := s.q.QueryRow(ctx, sql, src.Name, src.DisplayName, string(src.SourceType), src.BaseURL, src.IsActive)

	out, err := scanSource(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert source %s: %w", src.Name, err)
	}
	return &out, nil
}

func (s *Store) GetSourceByName(ctx context.Context, name string) (*models.Source, error) {
	sql := fmt.Sprintf(`SELECT %s FROM ingestion_sources WHERE name = $1`, sourceCols)
	out, err := scanSource(s.q.QueryRow(ctx, sql, name).Scan)
	if err != nil {
		return nil, notFound(err, "source "+name)
	}
	return &out, nil
}

func (s *Store) ListSources(ctx context.Context) ([]models.Source, error) {
	rows, err := s.q.Query(ctx, fmt.Sprintf(`SELECT %s FROM ingestion_sources ORDER BY name`, sourceCols))
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		src, err := scanSource(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan source: %w", err)
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func (s *Store) UpdateSourceSync(ctx context.Context, id uuid.UUID, at time.Time, status models.SyncStatus, count int) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE ingestion_sources
		SET last_sync_at = $2, last_sync_status = $3, last_sync_count = $4, updated_at = NOW()
		WHERE id = $1
	`, id, at, string(status), count)
	if err != nil {
		return fmt.Errorf("failed to update source sync: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- runs ---

func (s *Store) CreateRun(ctx context.Context, run *models.IngestionRun) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO ingestion_runs (source_id, status, started_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, run.SourceID, string(run.Status), run.StartedAt).Scan(&run.ID)
	if err != nil {
		return fmt.Errorf("failed to create ingestion run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, run *models.IngestionRun) error {
	errorLog, err := json.Marshal(nonNilErrors(run.ErrorLog))
	if err != nil {
		return fmt.Errorf("failed to encode error log: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE ingestion_runs SET
			status = $2,
			completed_at = $3,
			total_fetched = $4,
			total_new = $5,
			total_updated = $6,
			total_unchanged = $7,
			total_errors = $8,
			error_log = $9::jsonb
		WHERE id = $1
	`, run.ID, string(run.Status), run.CompletedAt, run.TotalFetched, run.TotalNew,
		run.TotalUpdated, run.TotalUnchanged, run.TotalErrors, errorLog)
	if err != nil {
		return fmt.Errorf("failed to update ingestion run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ingestion run %s: %w", run.ID, ErrNotFound)
	}
	return nil
}

func (s *Store) ListRecentRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	rows, err := s.q.Query(ctx, `
		SELECT r.id, r.source_id, s.name, r.status, r.started_at, r.completed_at,
			r.total_fetched, r.total_new, r.total_updated, r.total_unchanged, r.total_errors, r.error_log
		FROM ingestion_runs r
		JOIN ingestion_sources s ON s.id = r.source_id
		ORDER BY r.started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []models.IngestionRun
	for rows.Next() {
		var run models.IngestionRun
		var errorLog []byte
		if err := rows.Scan(
			&run.ID, &run.SourceID, &run.SourceName, &run.Status, &run.StartedAt, &run.CompletedAt,
			&run.TotalFetched, &run.TotalNew, &run.TotalUpdated, &run.TotalUnchanged, &run.TotalErrors, &errorLog,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if len(errorLog) > 0 {
			_ = json.Unmarshal(errorLog, &run.ErrorLog)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// --- raw grants ---

func (s *Store) FindRawGrant(ctx context.Context, sourceID uuid.UUID, externalID string) (*models.RawGrant, error) {
	var raw models.RawGrant
	err := s.q.QueryRow(ctx, `
		SELECT id, source_id, external_id, raw_data, checksum, status, normalized_at, grant_id, created_at, updated_at
		FROM raw_grants
		WHERE source_id = $1 AND external_id = $2
	`, sourceID, externalID).Scan(
		&raw.ID, &raw.SourceID, &raw.ExternalID, &raw.RawData, &raw.Checksum, &raw.Status,
		&raw.NormalizedAt, &raw.GrantID, &raw.CreatedAt, &raw.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "raw grant "+externalID)
	}
	return &raw, nil
}

func (s *Store) CreateRawGrant(ctx context.Context, raw *models.RawGrant) error {
	err := s.q.QueryRow(ctx, `
		INSERT INTO raw_grants (source_id, external_id, raw_data, checksum, status, normalized_at, grant_id)
		VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`, raw.SourceID, raw.ExternalID, []byte(raw.RawData), raw.Checksum, string(raw.Status), raw.NormalizedAt, raw.GrantID,
	).Scan(&raw.ID, &raw.CreatedAt, &raw.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert raw grant %s: %w", raw.ExternalID, err)
	}
	return nil
}

func (s *Store) UpdateRawGrant(ctx context.Context, raw *models.RawGrant) error {
	err := s.q.QueryRow(ctx, `
		UPDATE raw_grants SET
			raw_data = $2::jsonb,
			checksum = $3,
			status = $4,
			normalized_at = $5,
			grant_id = $6,
			updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`, raw.ID, []byte(raw.RawData), raw.Checksum, string(raw.Status), raw.NormalizedAt, raw.GrantID,
	).Scan(&raw.UpdatedAt)
	if err != nil {
		return notFound(err, "raw grant "+raw.ExternalID)
	}
	return nil
}

// --- grants ---

func vectorArg(embedding []float32) *pgvector.Vector {
	if len(embedding) == 0 {
		return nil
	}
	v := pgvector.NewVector(embedding)
	return &v
}

func (s *Store) CreateGrant(ctx context.Context, g *models.Grant) error {
	requirements, err := json.Marshal(g.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	err = s.q.QueryRow(ctx, `
		INSERT INTO grants (
			title, category, source_type, funding_amount_min, funding_amount_max,
			deadline, external_id, source_url, application_url, cfda,
			agency_code, description, eligibility_criteria, requirements, is_active,
			ingestion_source_id, last_synced_at, embedding
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10,
			$11, $12, $13, $14::jsonb, $15,
			$16, $17, $18
		)
		RETURNING id, created_at, updated_at
	`,
		g.Title, string(g.Category), string(g.SourceType), g.FundingAmountMin, g.FundingAmountMax,
		g.Deadline, g.ExternalID, g.SourceURL, g.ApplicationURL, g.CFDA,
		g.AgencyCode, g.Description, g.EligibilityCriteria, requirements, g.IsActive,
		g.IngestionSourceID, g.LastSyncedAt, vectorArg(g.Embedding),
	).Scan(&g.ID, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert grant %s: %w", g.ExternalID, err)
	}
	return nil
}

func (s *Store) UpdateGrant(ctx context.Context, id uuid.UUID, u models.GrantUpdate) error {
	requirements, err := json.Marshal(u.Requirements)
	if err != nil {
		return fmt.Errorf("failed to encode requirements: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE grants SET
			title = $2,
			funding_amount_min = $3,
			funding_amount_max = $4,
			deadline = $5,
			description = $6,
			eligibility_criteria = $7,
			requirements = $8::jsonb,
			is_active = $9,
			last_synced_at = $10,
			embedding = COALESCE($11, embedding),
			updated_at = NOW()
		WHERE id = $1
	`, id, u.Title, u.FundingAmountMin, u.FundingAmountMax, u.Deadline, u.Description,
		u.EligibilityCriteria, requirements, u.IsActive, u.LastSyncedAt, vectorArg(u.Embedding))
	if err != nil {
		return fmt.Errorf("failed to update grant %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("grant %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetGrant loads a catalog entry by id, embedding included.
func (s *Store) GetGrant(ctx context.Context, id uuid.UUID) (*models.Grant, error) {
	var g models.Grant
	var requirements []byte
	var embedding *pgvector.Vector
	err := s.q.QueryRow(ctx, `
		SELECT id, title, category, source_type, funding_amount_min, funding_amount_max,
			deadline, external_id, source_url, application_url, cfda,
			agency_code, description, eligibility_criteria, requirements, is_active,
			ingestion_source_id, last_synced_at, embedding, created_at, updated_at
		FROM grants WHERE id = $1
	`, id).Scan(
		&g.ID, &g.Title, &g.Category, &g.SourceType, &g.FundingAmountMin, &g.FundingAmountMax,
		&g.Deadline, &g.ExternalID, &g.SourceURL, &g.ApplicationURL, &g.CFDA,
		&g.AgencyCode, &g.Description, &g.EligibilityCriteria, &requirements, &g.IsActive,
		&g.IngestionSourceID, &g.LastSyncedAt, &embedding, &g.CreatedAt, &g.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "grant "+id.String())
	}
	g.Requirements = models.NewRequirements()
	if len(requirements) > 0 {
		if err := json.Unmarshal(requirements, g.Requirements); err != nil {
			return nil, fmt.Errorf("failed to decode requirements of grant %s: %w", id, err)
		}
	}
	if embedding != nil {
		g.Embedding = embedding.Slice()
	}
	return &g, nil
}

func nonNilErrors(errs []models.RecordError) []models.RecordError {
	if errs == nil {
		return []models.RecordError{}
	}
	return errs
}
