package ingest

import (
	"context"
)

// Record is one raw provider payload as returned by a source client.
// Payload holds the provider-specific struct (GrantsGovOpportunity,
// CaliforniaGrantRow, ...) and is stored verbatim as the raw audit copy.
type Record struct {
	Source     string
	ExternalID string
	Payload    any
}

// Client fetches every record a source currently exposes.
type Client interface {
	FetchAll(ctx context.Context) ([]Record, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context) ([]Record, error)

func (f ClientFunc) FetchAll(ctx context.Context) ([]Record, error) {
	return f(ctx)
}

// FetchPath identifies which upstream protocol served a fetch.
type FetchPath string

const (
	PathModern FetchPath = "modern"
	PathLegacy FetchPath = "legacy"
)

// Outcome is the result of persisting one normalized record.
type Outcome string

const (
	OutcomeNew       Outcome = "NEW"
	OutcomeUpdated   Outcome = "UPDATED"
	OutcomeUnchanged Outcome = "UNCHANGED"
)
