package ingest

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownSource       = errors.New("unknown ingestion source")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

const maxErrorBody = 512

// UnknownSourceError is returned when a name is not in the registry or has no client.
type UnknownSourceError struct {
	Name string
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown ingestion source %q", e.Name)
}

func (e *UnknownSourceError) Is(target error) bool {
	return target == ErrUnknownSource
}

// UpstreamError describes a network failure or non-2xx response from a provider.
type UpstreamError struct {
	Source     string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	prefix := e.Method + " " + e.URL
	if e.Source != "" {
		prefix = "[" + e.Source + "] " + prefix
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API returned %d: %s", prefix, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

func (e *UpstreamError) Is(target error) bool {
	return target == ErrUpstreamUnavailable
}

func newStatusError(source, method, url string, status int, body []byte) *UpstreamError {
	excerpt := string(body)
	if len(excerpt) > maxErrorBody {
		excerpt = excerpt[:maxErrorBody] + "..."
	}
	return &UpstreamError{Source: source, Method: method, URL: url, StatusCode: status, Body: excerpt}
}

// RunFailedError is returned by RunIngestion when the fetch phase failed.
// Result still describes the FAILED run.
type RunFailedError struct {
	Source string
	RunID  uuid.UUID
	Result *IngestionResult
	Err    error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("ingestion of %s failed (run %s): %v", e.Source, e.RunID, e.Err)
}

func (e *RunFailedError) Unwrap() error {
	return e.Err
}
