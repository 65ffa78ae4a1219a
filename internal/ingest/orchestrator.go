package ingest

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"time"

	"github.com/david/grant-ingest/internal/ai"
	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/models"
	"github.com/google/uuid"
)

const defaultRecentRuns = 20

// IngestionResult summarizes one run for callers and the HTTP layer.
type IngestionResult struct {
	RunID       uuid.UUID            `json:"runId"`
	SourceID    uuid.UUID            `json:"sourceId"`
	SourceName  string               `json:"sourceName"`
	Status      models.RunStatus     `json:"status"`
	FetchPath   FetchPath            `json:"fetchPath,omitempty"`
	Fetched     int                  `json:"totalFetched"`
	New         int                  `json:"totalNew"`
	Updated     int                  `json:"totalUpdated"`
	Unchanged   int                  `json:"totalUnchanged"`
	Errors      int                  `json:"totalErrors"`
	ErrorLog    []models.RecordError `json:"errors"`
	StartedAt   time.Time            `json:"startedAt"`
	CompletedAt time.Time            `json:"completedAt"`
	DurationMS  int64                `json:"durationMs"`
}

// BatchSummary is the outcome of RunAll.
type BatchSummary struct {
	Timestamp    time.Time          `json:"timestamp"`
	TotalSources int                `json:"totalSources"`
	Successful   int                `json:"successful"`
	Failed       int                `json:"failed"`
	Results      []*IngestionResult `json:"results"`
	// Errors holds the error of each source that failed before a run existed.
	Errors map[string]string `json:"errors,omitempty"`
}

// decideStatus maps the per-record counters onto a terminal status.
// UNCHANGED counts as a success.
func decideStatus(succeeded, errors int) models.RunStatus {
	switch {
	case errors == 0:
		return models.RunSuccess
	case succeeded > 0:
		return models.RunPartial
	default:
		return models.RunFailed
	}
}

// fetchPathReporter is implemented by clients that can serve from more than one endpoint.
type fetchPathReporter interface {
	LastFetchPath() FetchPath
}

type Option func(*Orchestrator)

func WithEmbedder(e ai.Embedder) Option {
	return func(o *Orchestrator) { o.embedder = e }
}

func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithNormalizer replaces the default normalizer.
func WithNormalizer(n *Normalizer) Option {
	return func(o *Orchestrator) { o.normalizer = n }
}

// Orchestrator runs fetch, normalize and persist for registered sources and
// keeps the run log and source snapshots current.
type Orchestrator struct {
	store      db.Repository
	registry   *Registry
	clients    map[string]Client
	normalizer *Normalizer
	persister  *Persister
	embedder   ai.Embedder
	metrics    *Metrics
	now        func() time.Time
}

func NewOrchestrator(store db.Repository, registry *Registry, clients map[string]Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    store,
		registry: registry,
		clients:  clients,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.normalizer == nil {
		o.normalizer = NewNormalizer(o.now)
	}
	o.persister = NewPersister(store, o.embedder)
	o.persister.now = o.now
	return o
}

// SourceNames lists the sources that are both registered and have a client.
func (o *Orchestrator) SourceNames() []string {
	var names []string
	for _, name := range o.registry.Names() {
		if _, ok := o.clients[name]; ok {
			names = append(names, name)
		}
	}
	return names
}

// EnsureSource upserts the Source row for a registered name.
func (o *Orchestrator) EnsureSource(ctx context.Context, name string) (*models.Source, error) {
	cfg, ok := o.registry.Get(name)
	if !ok {
		return nil, &UnknownSourceError{Name: name}
	}
	return o.store.UpsertSource(ctx, &models.Source{
		Name:        cfg.Name,
		DisplayName: firstNonEmpty(cfg.DisplayName, cfg.Name),
		SourceType:  models.IngestionSourceType(cfg.SourceType),
		BaseURL:     cfg.BaseURL,
		IsActive:    true,
	})
}

func (o *Orchestrator) GetSourcesStatus(ctx context.Context) ([]models.Source, error) {
	return o.store.ListSources(ctx)
}

// GetRecentRuns returns runs most recent first. A non-positive limit means 20.
func (o *Orchestrator) GetRecentRuns(ctx context.Context, limit int) ([]models.IngestionRun, error) {
	if limit <= 0 {
		limit = defaultRecentRuns
	}
	return o.store.ListRecentRuns(ctx, limit)
}

// RunIngestion fetches every record of one source and persists the changes.
// Per-record failures are collected in the result. A failed fetch marks the
// run FAILED and is returned as a *RunFailedError carrying the result.
func (o *Orchestrator) RunIngestion(ctx context.Context, name string) (*IngestionResult, error) {
	client, ok := o.clients[name]
	if !ok {
		return nil, &UnknownSourceError{Name: name}
	}
	src, err := o.EnsureSource(ctx, name)
	if err != nil {
		return nil, err
	}

	run := &models.IngestionRun{
		SourceID:   src.ID,
		SourceName: src.Name,
		Status:     models.RunRunning,
		StartedAt:  o.now().UTC(),
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to start run for %s: %w", name, err)
	}
	log.Printf("[Ingest] Run %s started for %s", run.ID, name)

	result := &IngestionResult{
		RunID:      run.ID,
		SourceID:   src.ID,
		SourceName: src.Name,
		StartedAt:  run.StartedAt,
		ErrorLog:   []models.RecordError{},
	}

	records, fetchErr := o.fetch(ctx, client)
	if reporter, ok := client.(fetchPathReporter); ok && fetchErr == nil {
		result.FetchPath = reporter.LastFetchPath()
	}
	if fetchErr != nil {
		log.Printf("[Ingest] Fetch failed for %s: %v", name, fetchErr)
		result.Errors = 1
		result.ErrorLog = append(result.ErrorLog, models.RecordError{Message: fetchErr.Error()})
		o.finish(ctx, run, result, models.RunFailed)
		return result, &RunFailedError{Source: name, RunID: run.ID, Result: result, Err: fetchErr}
	}

	result.Fetched = len(records)
	for _, rec := range records {
		if ctx.Err() != nil {
			// Remaining records are not attempted; the run still gets a terminal state.
			result.Errors++
			result.ErrorLog = append(result.ErrorLog, models.RecordError{ExternalID: rec.ExternalID, Message: ctx.Err().Error()})
			break
		}
		outcome, err := o.processRecord(ctx, src.ID, rec)
		if err != nil {
			result.Errors++
			result.ErrorLog = append(result.ErrorLog, models.RecordError{ExternalID: rec.ExternalID, Message: err.Error()})
			o.metrics.observeRecord(name, "ERROR")
			log.Printf("[Ingest] %s record %s failed: %v", name, rec.ExternalID, err)
			continue
		}
		o.metrics.observeRecord(name, string(outcome))
		switch outcome {
		case OutcomeNew:
			result.New++
		case OutcomeUpdated:
			result.Updated++
		case OutcomeUnchanged:
			result.Unchanged++
		}
	}

	status := decideStatus(result.New+result.Updated+result.Unchanged, result.Errors)
	o.finish(ctx, run, result, status)
	log.Printf("[Ingest] Run %s for %s finished %s: fetched=%d new=%d updated=%d unchanged=%d errors=%d",
		run.ID, name, status, result.Fetched, result.New, result.Updated, result.Unchanged, result.Errors)
	return result, nil
}

// fetch calls the client, converting a panic into an error.
func (o *Orchestrator) fetch(ctx context.Context, client Client) (records []Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Ingest] Fetch panic: %v\n%s", r, debug.Stack())
			records, err = nil, fmt.Errorf("fetch panicked: %v", r)
		}
	}()
	return client.FetchAll(ctx)
}

// processRecord normalizes and persists one record. A panic is reported as
// that record's error.
func (o *Orchestrator) processRecord(ctx context.Context, sourceID uuid.UUID, rec Record) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = "", fmt.Errorf("panic while processing record: %v", r)
		}
	}()

	normalized, err := o.normalizer.Normalize(rec)
	if err != nil {
		return "", err
	}
	return o.persister.UpsertIfChanged(ctx, sourceID, normalized, rec.Payload)
}

// finish writes the terminal run state and the source snapshot. Both writes
// survive cancellation of ctx.
func (o *Orchestrator) finish(ctx context.Context, run *models.IngestionRun, result *IngestionResult, status models.RunStatus) {
	ctx = context.WithoutCancel(ctx)
	completed := o.now().UTC()

	result.Status = status
	result.CompletedAt = completed
	result.DurationMS = completed.Sub(result.StartedAt).Milliseconds()

	run.Status = status
	run.CompletedAt = &completed
	run.TotalFetched = result.Fetched
	run.TotalNew = result.New
	run.TotalUpdated = result.Updated
	run.TotalUnchanged = result.Unchanged
	run.TotalErrors = result.Errors
	run.ErrorLog = result.ErrorLog

	if err := o.store.FinishRun(ctx, run); err != nil {
		log.Printf("[Ingest] Failed to finalize run %s: %v", run.ID, err)
	}
	if err := o.store.UpdateSourceSync(ctx, run.SourceID, completed, status.SyncStatus(), result.New+result.Updated); err != nil {
		log.Printf("[Ingest] Failed to update sync status of %s: %v", run.SourceName, err)
	}
	o.metrics.observeRun(run.SourceName, string(status), completed.Sub(result.StartedAt).Seconds())
}

// RunAll ingests the given sources one after another, or every known source
// when names is empty. A failing source never stops the batch.
func (o *Orchestrator) RunAll(ctx context.Context, names ...string) *BatchSummary {
	if len(names) == 0 {
		names = o.SourceNames()
	}
	summary := &BatchSummary{
		Timestamp:    o.now().UTC(),
		TotalSources: len(names),
		Results:      make([]*IngestionResult, 0, len(names)),
	}

	for _, name := range names {
		result, err := o.RunIngestion(ctx, name)
		if result != nil {
			summary.Results = append(summary.Results, result)
		}
		if err != nil || result == nil || result.Status == models.RunFailed {
			summary.Failed++
			if err != nil && result == nil {
				if summary.Errors == nil {
					summary.Errors = make(map[string]string)
				}
				summary.Errors[name] = err.Error()
			}
			if err != nil {
				log.Printf("[Ingest] Source %s failed: %v", name, err)
			}
			continue
		}
		summary.Successful++
	}

	log.Printf("[Ingest] Batch complete: %d/%d sources succeeded", summary.Successful, summary.TotalSources)
	return summary
}
