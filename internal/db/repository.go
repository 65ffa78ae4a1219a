package db

import (
	"context"
	"errors"
	"time"

	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that matched no row.
var ErrNotFound = errors.New("not found")

type SourceRepository interface {
	// UpsertSource inserts or refreshes the registry fields of a source keyed
	// by name. Last-sync fields of an existing row are preserved.
	UpsertSource(ctx context.Context, src *models.Source) (*models.Source, error)
	GetSourceByName(ctx context.Context, name string) (*models.Source, error)
	ListSources(ctx context.Context) ([]models.Source, error)
	UpdateSourceSync(ctx context.Context, id uuid.UUID, at time.Time, status models.SyncStatus, count int) error
}

type RunRepository interface {
	CreateRun(ctx context.Context, run *models.IngestionRun) error
	// FinishRun writes the terminal status, counters and error log of run.
	FinishRun(ctx context.Context, run *models.IngestionRun) error
	ListRecentRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
}

type GrantRepository interface {
	FindRawGrant(ctx context.Context, sourceID uuid.UUID, externalID string) (*models.RawGrant, error)
	CreateRawGrant(ctx context.Context, raw *models.RawGrant) error
	UpdateRawGrant(ctx context.Context, raw *models.RawGrant) error
	CreateGrant(ctx context.Context, g *models.Grant) error
	UpdateGrant(ctx context.Context, id uuid.UUID, u models.GrantUpdate) error
}

// Repository is everything ingestion needs from persistence.
type Repository interface {
	SourceRepository
	RunRepository
	GrantRepository
}

// GrantTransactor runs one record's writes atomically. Stores that cannot
// offer transactions simply do not implement it.
type GrantTransactor interface {
	InGrantTx(ctx context.Context, fn func(GrantRepository) error) error
}
