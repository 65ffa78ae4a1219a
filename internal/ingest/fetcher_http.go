package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"errors"
	"math/rand"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "grant-ingest/1.0 (+https://github.com/david/grant-ingest)"
	maxResponseBytes = 64 << 20
)

// APIClient is the HTTP capability shared by all source clients: a polite
// per-source limiter, retries with backoff on 429/5xx and timeouts, and
// UpstreamError for everything that does not end in a 2xx.
type APIClient struct {
	Source     string
	HTTP       *http.Client
	Limiter    *rate.Limiter
	MaxRetries int
	UserAgent  string
}

// NewAPIClient builds a client from a registry fetch configuration.
func NewAPIClient(source string, cfg FetchConfig) *APIClient {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	ua := cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}

	return &APIClient{
		Source:     source,
		HTTP:       &http.Client{Timeout: cfg.Timeout(), Transport: transport},
		Limiter:    newLimiter(cfg.Delay()),
		MaxRetries: cfg.MaxRetries,
		UserAgent:  ua,
	}
}

// newLimiter allows one request per delay. A zero delay disables limiting.
func newLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Wait blocks until the limiter admits another upstream call.
func (c *APIClient) Wait(ctx context.Context) error {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter.Wait(ctx)
}

func (c *APIClient) GetJSON(ctx context.Context, url string, header http.Header, out any) error {
	body, err := c.Do(ctx, http.MethodGet, url, nil, header)
	if err != nil {
		return err
	}
	return c.decode(url, body, out)
}

func (c *APIClient) PostJSON(ctx context.Context, url string, payload any, header http.Header, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	body, err := c.Do(ctx, http.MethodPost, url, data, header)
	if err != nil {
		return err
	}
	return c.decode(url, body, out)
}

func (c *APIClient) GetText(ctx context.Context, url string, header http.Header) (string, error) {
	body, err := c.Do(ctx, http.MethodGet, url, nil, header)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func (c *APIClient) decode(url string, body []byte, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("[%s] failed to decode response from %s: %w", c.Source, redactURL(url), err)
	}
	return nil
}

// Do executes one request with limiter and retries and returns the body of a 2xx response.
func (c *APIClient) Do(ctx context.Context, method, url string, body []byte, header http.Header) ([]byte, error) {
	client := c.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	safeURL := redactURL(url)

	var lastErr error
	for attempt := 0; attempt <= c.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 0.5s, 1s, 2s + jitter
			backoff := time.Duration(500*(1<<uint(attempt-1))) * time.Millisecond
			jitter := time.Duration(rand.Intn(100)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := c.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", c.UserAgent)
		req.Header.Set("Accept", "application/json, text/csv;q=0.9, */*;q=0.8")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Set(k, v)
			}
		}

		resp, err := client.Do(req)
		if err != nil {
			var urlErr *neturl.Error
			if errors.As(err, &urlErr) {
				urlErr.URL = safeURL
			}
			lastErr = &UpstreamError{Source: c.Source, Method: method, URL: safeURL, Err: err}
			if ctx.Err() == nil && shouldRetry(err, 0) {
				continue
			}
			return nil, lastErr
		}

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			if readErr != nil {
				return nil, &UpstreamError{Source: c.Source, Method: method, URL: safeURL, Err: readErr}
			}
			return data, nil
		}

		lastErr = newStatusError(c.Source, method, safeURL, resp.StatusCode, data)
		if shouldRetry(nil, resp.StatusCode) {
			continue
		}
		return nil, lastErr
	}

	return nil, lastErr
}

// credentialParams are query parameters masked before a URL reaches an error,
// a log line or a persisted run.
var credentialParams = map[string]bool{
	"api_key":      true,
	"apikey":       true,
	"key":          true,
	"token":        true,
	"access_token": true,
}

// redactURL masks credential query values and userinfo passwords.
func redactURL(raw string) string {
	u, err := neturl.Parse(raw)
	if err != nil {
		return raw
	}
	if u.RawQuery != "" {
		q := u.Query()
		masked := false
		for k := range q {
			if credentialParams[strings.ToLower(k)] {
				q.Set(k, "REDACTED")
				masked = true
			}
		}
		if masked {
			u.RawQuery = q.Encode()
		}
	}
	return u.Redacted()
}

// shouldRetry determines if an error or status code should trigger a retry
func shouldRetry(err error, statusCode int) bool {
	if err != nil {
		if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
			return true
		}
		return false
	}

	switch statusCode {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
