package db

import (
	"context"
	"testing"
	"time"

	"github.com/david/grant-ingest/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_UpsertSourcePreservesSync(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	src, err := m.UpsertSource(ctx, &models.Source{Name: "nsf_awards", DisplayName: "NSF", IsActive: true})
	require.NoError(t, err)
	require.NoError(t, m.UpdateSourceSync(ctx, src.ID, time.Now(), models.SyncPartial, 7))

	again, err := m.UpsertSource(ctx, &models.Source{Name: "nsf_awards", DisplayName: "NSF Awards"})
	require.NoError(t, err)
	assert.Equal(t, src.ID, again.ID)
	assert.Equal(t, "NSF Awards", again.DisplayName)
	require.NotNil(t, again.LastSyncStatus)
	assert.Equal(t, models.SyncPartial, *again.LastSyncStatus)
	assert.Equal(t, 7, again.LastSyncCount)
	assert.Equal(t, 3, m.Writes())
}

func TestMemoryStore_LookupsReturnErrNotFound(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	_, err := m.GetSourceByName(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	src, err := m.UpsertSource(ctx, &models.Source{Name: "a"})
	require.NoError(t, err)
	_, err = m.FindRawGrant(ctx, src.ID, "x")
	assert.ErrorIs(t, err, ErrNotFound)

	err = m.FinishRun(ctx, &models.IngestionRun{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RawGrantUniquePerSource(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	src, err := m.UpsertSource(ctx, &models.Source{Name: "a"})
	require.NoError(t, err)

	require.NoError(t, m.CreateRawGrant(ctx, &models.RawGrant{SourceID: src.ID, ExternalID: "1"}))
	assert.Error(t, m.CreateRawGrant(ctx, &models.RawGrant{SourceID: src.ID, ExternalID: "1"}))
}

func TestMemoryStore_ListRecentRunsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	src, err := m.UpsertSource(ctx, &models.Source{Name: "ca_grants"})
	require.NoError(t, err)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.CreateRun(ctx, &models.IngestionRun{
			SourceID: src.ID, Status: models.RunRunning, StartedAt: base.Add(time.Duration(i) * time.Hour),
		}))
	}

	runs, err := m.ListRecentRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, base.Add(2*time.Hour), runs[0].StartedAt)
	assert.Equal(t, base.Add(time.Hour), runs[1].StartedAt)
	assert.Equal(t, "ca_grants", runs[0].SourceName)
}
