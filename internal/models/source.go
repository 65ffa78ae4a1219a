package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// IngestionSourceType describes how a registered source is fetched.
type IngestionSourceType string

const (
	IngestionFederalAPI    IngestionSourceType = "FEDERAL_API"
	IngestionStateCSV      IngestionSourceType = "STATE_CSV"
	IngestionSpendingAPI   IngestionSourceType = "SPENDING_API"
	IngestionResearchAPI   IngestionSourceType = "RESEARCH_API"
	IngestionFoundation990 IngestionSourceType = "FOUNDATION_990"
)

// SyncStatus is the outcome of the most recent run recorded on a Source.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncPartial SyncStatus = "partial"
	SyncError   SyncStatus = "error"
)

// Source is a registered upstream provider plus its last-sync snapshot.
type Source struct {
	ID             uuid.UUID           `json:"id"`
	Name           string              `json:"name"`
	DisplayName    string              `json:"display_name"`
	SourceType     IngestionSourceType `json:"source_type"`
	BaseURL        string              `json:"base_url"`
	IsActive       bool                `json:"is_active"`
	LastSyncAt     *time.Time          `json:"last_sync_at,omitempty"`
	LastSyncStatus *SyncStatus         `json:"last_sync_status,omitempty"`
	LastSyncCount  int                 `json:"last_sync_count"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// RunStatus is the state of an IngestionRun. RUNNING is the only non-terminal state.
type RunStatus string

const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunPartial RunStatus = "PARTIAL"
	RunFailed  RunStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunPartial || s == RunFailed
}

// SyncStatus maps a terminal run status onto the source snapshot value.
func (s RunStatus) SyncStatus() SyncStatus {
	switch s {
	case RunSuccess:
		return SyncSuccess
	case RunPartial:
		return SyncPartial
	default:
		return SyncError
	}
}

// RecordError is one entry in a run's error log.
type RecordError struct {
	ExternalID string `json:"externalId"`
	Message    string `json:"message"`
}

// IngestionRun is the append-only log entry for one execution against one source.
type IngestionRun struct {
	ID             uuid.UUID     `json:"id"`
	SourceID       uuid.UUID     `json:"source_id"`
	SourceName     string        `json:"source_name,omitempty"`
	Status         RunStatus     `json:"status"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	TotalFetched   int           `json:"total_fetched"`
	TotalNew       int           `json:"total_new"`
	TotalUpdated   int           `json:"total_updated"`
	TotalUnchanged int           `json:"total_unchanged"`
	TotalErrors    int           `json:"total_errors"`
	ErrorLog       []RecordError `json:"error_log"`
}

// Duration is the elapsed time of a finished run, or zero while RUNNING.
func (r IngestionRun) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// RawGrantStatus tracks whether a raw record has been turned into a Grant.
type RawGrantStatus string

const (
	RawFetched    RawGrantStatus = "FETCHED"
	RawNormalized RawGrantStatus = "NORMALIZED"
)

// RawGrant pairs a provider payload with its checksum. (SourceID, ExternalID) is unique.
type RawGrant struct {
	ID           uuid.UUID       `json:"id"`
	SourceID     uuid.UUID       `json:"source_id"`
	ExternalID   string          `json:"external_id"`
	RawData      json.RawMessage `json:"raw_data"`
	Checksum     string          `json:"checksum"`
	Status       RawGrantStatus  `json:"status"`
	NormalizedAt *time.Time      `json:"normalized_at,omitempty"`
	GrantID      *uuid.UUID      `json:"grant_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Linked reports whether the raw record already owns a Grant.
func (r *RawGrant) Linked() bool {
	return r.GrantID != nil && *r.GrantID != uuid.Nil
}
