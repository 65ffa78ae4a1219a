package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orchestratorRegistry = `
sources:
  - name: alpha
    display_name: Alpha Grants
    source_type: FEDERAL_API
    base_url: https://alpha.example
  - name: beta
    display_name: Beta Grants
    source_type: STATE_CSV
    base_url: https://beta.example
  - name: registered_only
    display_name: No Client
    source_type: RESEARCH_API
    base_url: https://none.example
`

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func goodRecord(source, id string) Record {
	return Record{
		Source:     source,
		ExternalID: id,
		Payload: models.NormalizedGrant{
			Title:            "Grant " + id,
			Category:         models.CategoryFederal,
			SourceType:       models.SourceTypeFederal,
			FundingAmountMax: 1000,
			Deadline:         testNow.AddDate(0, 6, 0),
			ExternalID:       id,
			IsActive:         true,
		},
	}
}

// badRecord carries a payload no mapper understands.
func badRecord(source, id string) Record {
	return Record{Source: source, ExternalID: id, Payload: "not a grant"}
}

func staticClient(records ...Record) Client {
	return ClientFunc(func(ctx context.Context) ([]Record, error) {
		return records, nil
	})
}

func newTestOrchestrator(t *testing.T, clients map[string]Client, opts ...Option) (*Orchestrator, *db.MemoryStore) {
	t.Helper()
	reg, err := ParseRegistry([]byte(orchestratorRegistry))
	require.NoError(t, err)
	store := db.NewMemoryStore()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewOrchestrator(store, reg, clients, opts...), store
}

func TestDecideStatus(t *testing.T) {
	tests := []struct {
		name      string
		succeeded int
		errors    int
		want      models.RunStatus
	}{
		{"no records", 0, 0, models.RunSuccess},
		{"all succeeded", 5, 0, models.RunSuccess},
		{"mixed", 8, 2, models.RunPartial},
		// Unchanged records count as succeeded.
		{"unchanged with errors", 3, 1, models.RunPartial},
		{"all failed", 0, 3, models.RunFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideStatus(tt.succeeded, tt.errors))
		})
	}
}

func TestRunIngestion_PartialRun(t *testing.T) {
	var records []Record
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("A-%d", i)
		if i == 3 || i == 7 {
			records = append(records, badRecord("alpha", id))
			continue
		}
		records = append(records, goodRecord("alpha", id))
	}
	orch, store := newTestOrchestrator(t, map[string]Client{"alpha": staticClient(records...)})

	result, err := orch.RunIngestion(context.Background(), "alpha")
	require.NoError(t, err)

	assert.Equal(t, models.RunPartial, result.Status)
	assert.Equal(t, 10, result.Fetched)
	assert.Equal(t, 8, result.New+result.Updated)
	assert.Equal(t, 2, result.Errors)
	require.Len(t, result.ErrorLog, 2)
	assert.Equal(t, "A-3", result.ErrorLog[0].ExternalID)
	assert.Equal(t, "A-7", result.ErrorLog[1].ExternalID)
	assert.Len(t, store.Grants(), 8)

	runs, err := orch.GetRecentRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunPartial, runs[0].Status)
	assert.Equal(t, "alpha", runs[0].SourceName)
	assert.Equal(t, 2, runs[0].TotalErrors)
	require.NotNil(t, runs[0].CompletedAt)

	src, err := store.GetSourceByName(context.Background(), "alpha")
	require.NoError(t, err)
	require.NotNil(t, src.LastSyncStatus)
	assert.Equal(t, models.SyncPartial, *src.LastSyncStatus)
	assert.Equal(t, 8, src.LastSyncCount)
}

func TestRunIngestion_TerminalStatuses(t *testing.T) {
	tests := []struct {
		name    string
		records []Record
		want    models.RunStatus
	}{
		{"all succeed", []Record{goodRecord("alpha", "1"), goodRecord("alpha", "2")}, models.RunSuccess},
		{"all fail", []Record{badRecord("alpha", "1"), badRecord("alpha", "2")}, models.RunFailed},
		{"empty fetch", nil, models.RunSuccess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orch, _ := newTestOrchestrator(t, map[string]Client{"alpha": staticClient(tt.records...)})
			result, err := orch.RunIngestion(context.Background(), "alpha")
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Status)
			assert.True(t, result.Status.Terminal())
		})
	}
}

func TestRunIngestion_SecondRunIsUnchanged(t *testing.T) {
	client := staticClient(goodRecord("alpha", "1"), goodRecord("alpha", "2"))
	orch, store := newTestOrchestrator(t, map[string]Client{"alpha": client})
	ctx := context.Background()

	first, err := orch.RunIngestion(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 2, first.New)

	second, err := orch.RunIngestion(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.RunSuccess, second.Status)
	assert.Equal(t, 0, second.New)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 2, second.Unchanged)
	assert.Len(t, store.Grants(), 2)

	src, err := store.GetSourceByName(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, src.LastSyncCount)
}

func TestRunIngestion_UnchangedWithErrorsIsPartial(t *testing.T) {
	calls := 0
	client := ClientFunc(func(ctx context.Context) ([]Record, error) {
		calls++
		if calls == 1 {
			return []Record{goodRecord("alpha", "1"), goodRecord("alpha", "2")}, nil
		}
		return []Record{goodRecord("alpha", "1"), goodRecord("alpha", "2"), badRecord("alpha", "3")}, nil
	})
	orch, _ := newTestOrchestrator(t, map[string]Client{"alpha": client})
	ctx := context.Background()

	_, err := orch.RunIngestion(ctx, "alpha")
	require.NoError(t, err)

	second, err := orch.RunIngestion(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 0, second.New+second.Updated)
	assert.Equal(t, 2, second.Unchanged)
	assert.Equal(t, 1, second.Errors)
	assert.Equal(t, models.RunPartial, second.Status)
}

func TestRunIngestion_IsolatesPanickingRecord(t *testing.T) {
	records := []Record{
		goodRecord("alpha", "1"),
		{Source: "alpha", ExternalID: "boom", Payload: (*GrantsGovOpportunity)(nil)},
		goodRecord("alpha", "3"),
	}
	orch, store := newTestOrchestrator(t, map[string]Client{"alpha": staticClient(records...)})

	result, err := orch.RunIngestion(context.Background(), "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.RunPartial, result.Status)
	assert.Equal(t, 2, result.New)
	require.Len(t, result.ErrorLog, 1)
	assert.Equal(t, "boom", result.ErrorLog[0].ExternalID)
	assert.Contains(t, result.ErrorLog[0].Message, "panic")

	grants := store.Grants()
	require.Len(t, grants, 2)
	assert.Equal(t, "3", grants[1].ExternalID)
}

func TestRunIngestion_UnknownSourceCreatesNoRun(t *testing.T) {
	orch, store := newTestOrchestrator(t, map[string]Client{"alpha": staticClient()})

	for _, name := range []string{"nope", "registered_only"} {
		result, err := orch.RunIngestion(context.Background(), name)
		require.Error(t, err)
		assert.Nil(t, result)
		assert.True(t, errors.Is(err, ErrUnknownSource))
	}
	assert.Zero(t, store.RunCount())
}

func TestRunIngestion_FetchFailure(t *testing.T) {
	down := ClientFunc(func(ctx context.Context) ([]Record, error) {
		return nil, &UpstreamError{Source: "beta", Method: "GET", URL: "https://beta.example/export.csv", StatusCode: 503, Body: "maintenance"}
	})
	orch, store := newTestOrchestrator(t, map[string]Client{"beta": down})
	ctx := context.Background()

	result, err := orch.RunIngestion(ctx, "beta")
	require.Error(t, err)

	var failed *RunFailedError
	require.True(t, errors.As(err, &failed))
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	require.NotNil(t, result)
	assert.Same(t, result, failed.Result)
	assert.Equal(t, models.RunFailed, result.Status)
	assert.Equal(t, 1, result.Errors)
	require.Len(t, result.ErrorLog, 1)
	assert.Empty(t, result.ErrorLog[0].ExternalID)
	assert.Contains(t, result.ErrorLog[0].Message, "503")

	src, err := store.GetSourceByName(ctx, "beta")
	require.NoError(t, err)
	require.NotNil(t, src.LastSyncStatus)
	assert.Equal(t, models.SyncError, *src.LastSyncStatus)

	runs, err := orch.GetRecentRuns(ctx, 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
}

func TestRunIngestion_FetchPanicFailsRun(t *testing.T) {
	panicky := ClientFunc(func(ctx context.Context) ([]Record, error) {
		panic("nil map")
	})
	orch, _ := newTestOrchestrator(t, map[string]Client{"alpha": panicky})

	result, err := orch.RunIngestion(context.Background(), "alpha")
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, models.RunFailed, result.Status)
}

func TestRunIngestion_CancelledContextStillFinishesRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := ClientFunc(func(context.Context) ([]Record, error) {
		cancel()
		return []Record{goodRecord("alpha", "1"), goodRecord("alpha", "2")}, nil
	})
	orch, _ := newTestOrchestrator(t, map[string]Client{"alpha": client})

	result, err := orch.RunIngestion(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, models.RunFailed, result.Status)
	assert.Equal(t, 1, result.Errors)

	runs, err := orch.GetRecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunFailed, runs[0].Status)
}

func TestEnsureSource(t *testing.T) {
	orch, store := newTestOrchestrator(t, nil)
	ctx := context.Background()

	src, err := orch.EnsureSource(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, "Beta Grants", src.DisplayName)
	assert.Equal(t, models.IngestionStateCSV, src.SourceType)

	again, err := orch.EnsureSource(ctx, "beta")
	require.NoError(t, err)
	assert.Equal(t, src.ID, again.ID)

	_, err = orch.EnsureSource(ctx, "gamma")
	assert.True(t, errors.Is(err, ErrUnknownSource))

	sources, err := orch.GetSourcesStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, sources, 1)
	assert.Zero(t, store.RunCount())
}

func TestRunAll_ContinuesPastFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	clients := map[string]Client{
		"alpha": staticClient(goodRecord("alpha", "1")),
		"beta": ClientFunc(func(ctx context.Context) ([]Record, error) {
			return nil, errors.New("connection reset")
		}),
	}
	orch, _ := newTestOrchestrator(t, clients, WithMetrics(metrics))

	summary := orch.RunAll(context.Background())
	assert.Equal(t, 2, summary.TotalSources)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 2)
	assert.Equal(t, "alpha", summary.Results[0].SourceName)
	assert.Equal(t, models.RunFailed, summary.Results[1].Status)
	assert.Empty(t, summary.Errors)

	assert.Equal(t, 1.0, counterValue(t, metrics.RunsTotal.WithLabelValues("alpha", "SUCCESS")))
	assert.Equal(t, 1.0, counterValue(t, metrics.RunsTotal.WithLabelValues("beta", "FAILED")))
	assert.Equal(t, 1.0, counterValue(t, metrics.RecordsTotal.WithLabelValues("alpha", "NEW")))
}

func TestRunAll_NamedSourcesReportUnknown(t *testing.T) {
	orch, store := newTestOrchestrator(t, map[string]Client{"alpha": staticClient(goodRecord("alpha", "1"))})

	summary := orch.RunAll(context.Background(), "alpha", "missing")
	assert.Equal(t, 2, summary.TotalSources)
	assert.Equal(t, 1, summary.Successful)
	assert.Equal(t, 1, summary.Failed)
	require.Len(t, summary.Results, 1)
	assert.Contains(t, summary.Errors["missing"], "unknown ingestion source")
	assert.Equal(t, 1, store.RunCount())
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}
