package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultOllamaHost  = "http://localhost:11434"
	defaultEmbedModel  = "nomic-embed-text"
	maxEmbedErrorBody  = 256
	maxEmbedRespBytes  = 4 << 20
	embedClientTimeout = 30 * time.Second
)

// ErrEmbeddingUnavailable matches every failure to obtain a vector from the
// embedding service, so callers can treat embeddings as best effort.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder turns grant text into a dense vector for similarity search.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
}

// EmbeddingError is a failed call to the embedding service.
type EmbeddingError struct {
	Model      string
	StatusCode int
	Body       string
	Err        error
}

func (e *EmbeddingError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("[Ollama] %s: status %d: %s", e.Model, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("[Ollama] %s: %v", e.Model, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

func (e *EmbeddingError) Is(target error) bool { return target == ErrEmbeddingUnavailable }

// OllamaClient calls a local Ollama server's embeddings endpoint.
type OllamaClient struct {
	BaseURL    string
	EmbedModel string
	HTTP       *http.Client
}

// NewOllamaClient fills in the default host and model when either is empty.
func NewOllamaClient(baseURL, embedModel string) *OllamaClient {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaHost
	}
	if embedModel == "" {
		embedModel = defaultEmbedModel
	}
	return &OllamaClient{
		BaseURL:    baseURL,
		EmbedModel: embedModel,
		HTTP:       &http.Client{Timeout: embedClientTimeout},
	}
}

type embeddingRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embeddingResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (c *OllamaClient) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: c.EmbedModel, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &EmbeddingError{Model: c.EmbedModel, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEmbedRespBytes))
	if err != nil {
		return nil, &EmbeddingError{Model: c.EmbedModel, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		excerpt := string(body)
		if len(excerpt) > maxEmbedErrorBody {
			excerpt = excerpt[:maxEmbedErrorBody] + "..."
		}
		return nil, &EmbeddingError{Model: c.EmbedModel, StatusCode: resp.StatusCode, Body: excerpt}
	}

	var out embeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &EmbeddingError{Model: c.EmbedModel, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if len(out.Embedding) == 0 {
		return nil, &EmbeddingError{Model: c.EmbedModel, Err: errors.New("empty embedding")}
	}
	return out.Embedding, nil
}
