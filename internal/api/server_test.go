package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/ingest"
	"github.com/david/grant-ingest/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRegistry = `
sources:
  - name: good
    display_name: Good Source
    source_type: FEDERAL_API
    base_url: https://good.example
  - name: down
    display_name: Down Source
    source_type: STATE_CSV
    base_url: https://down.example
`

func newTestServer(t *testing.T) (*Server, *db.MemoryStore) {
	t.Helper()
	t.Setenv("ADMIN_SECRET", "s3cret")

	reg, err := ingest.ParseRegistry([]byte(testRegistry))
	require.NoError(t, err)

	deadline := time.Now().AddDate(0, 3, 0)
	clients := map[string]ingest.Client{
		"good": ingest.ClientFunc(func(ctx context.Context) ([]ingest.Record, error) {
			return []ingest.Record{{
				Source:     "good",
				ExternalID: "G-1",
				Payload: models.NormalizedGrant{
					Title:      "Library Modernization",
					Category:   models.CategoryInfrastructure,
					SourceType: models.SourceTypeFederal,
					Deadline:   deadline,
					ExternalID: "G-1",
					IsActive:   true,
				},
			}}, nil
		}),
		"down": ingest.ClientFunc(func(ctx context.Context) ([]ingest.Record, error) {
			return nil, errors.New("connection refused")
		}),
	}

	store := db.NewMemoryStore()
	promReg := prometheus.NewRegistry()
	orch := ingest.NewOrchestrator(store, reg, clients, ingest.WithMetrics(ingest.NewMetrics(promReg)))

	srv, err := NewServer(orch, promReg)
	require.NoError(t, err)
	return srv, store
}

func do(srv *Server, method, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.Echo.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireSecret(t *testing.T) {
	srv, store := newTestServer(t)

	rec := do(srv, http.MethodPost, "/api/v1/ingest/source/good", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(srv, http.MethodPost, "/api/v1/ingest/source/good", map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, store.RunCount())

	rec = do(srv, http.MethodPost, "/api/v1/ingest/source/good", map[string]string{"Authorization": "Bearer s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestSource_StatusMapping(t *testing.T) {
	srv, store := newTestServer(t)
	admin := map[string]string{"X-Admin-Secret": "s3cret"}

	t.Run("success", func(t *testing.T) {
		rec := do(srv, http.MethodPost, "/api/v1/ingest/source/good", admin)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Result ingest.IngestionResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, models.RunSuccess, body.Result.Status)
		assert.Equal(t, 1, body.Result.New)
	})

	t.Run("unknown source is 404 without a run", func(t *testing.T) {
		before := store.RunCount()
		rec := do(srv, http.MethodPost, "/api/v1/ingest/source/not_a_real_source", admin)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, before, store.RunCount())
	})

	t.Run("fetch failure is 502 with the failed run", func(t *testing.T) {
		rec := do(srv, http.MethodPost, "/api/v1/ingest/source/down", admin)
		require.Equal(t, http.StatusBadGateway, rec.Code)

		var body struct {
			Error  string                 `json:"error"`
			Result ingest.IngestionResult `json:"result"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Contains(t, body.Error, "connection refused")
		assert.Equal(t, models.RunFailed, body.Result.Status)
	})
}

func TestIngestAllAndStatusRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, http.MethodPost, "/api/v1/ingest/all", map[string]string{"X-Admin-Secret": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	var summary ingest.BatchSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 2, summary.TotalSources)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)

	rec = do(srv, http.MethodGet, "/api/v1/ingestion/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sources struct {
		Sources []models.Source `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sources))
	require.Len(t, sources.Sources, 2)
	statuses := map[string]models.SyncStatus{}
	for _, src := range sources.Sources {
		require.NotNil(t, src.LastSyncStatus)
		statuses[src.Name] = *src.LastSyncStatus
	}
	assert.Equal(t, models.SyncSuccess, statuses["good"])
	assert.Equal(t, models.SyncError, statuses["down"])

	rec = do(srv, http.MethodGet, "/api/v1/ingestion/runs?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs struct {
		Runs []models.IngestionRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &runs))
	assert.Len(t, runs.Runs, 1)

	rec = do(srv, http.MethodGet, "/api/v1/ingestion/runs?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(srv, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "grant_ingest_runs_total")
}

func TestIngestSource_ConflictWhileRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	require.True(t, srv.acquire("good"))
	defer srv.release("good")

	rec := do(srv, http.MethodPost, "/api/v1/ingest/source/good", map[string]string{"X-Admin-Secret": "s3cret"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestIngestSource_ConflictWhileBatchRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	require.True(t, srv.acquire(batchKey))

	rec := do(srv, http.MethodPost, "/api/v1/ingest/source/good", map[string]string{"X-Admin-Secret": "s3cret"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	srv.release(batchKey)
	rec = do(srv, http.MethodPost, "/api/v1/ingest/source/good", map[string]string{"X-Admin-Secret": "s3cret"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIngestAll_ConflictWhileSourceRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	require.True(t, srv.acquire("good"))
	defer srv.release("good")

	rec := do(srv, http.MethodPost, "/api/v1/ingest/all", map[string]string{"X-Admin-Secret": "s3cret"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// An unrelated source is still free.
	assert.True(t, srv.acquire("other"))
	srv.release("other")
}
