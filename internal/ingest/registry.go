package ingest

import (
	"embed"
	"fmt"
	"os"
	"time"

	"github.com/david/grant-ingest/internal/models"
	"gopkg.in/yaml.v3"
)

//go:embed config/sources.yaml
var sourcesYAML embed.FS

// Registry is the fixed set of sources the pipeline knows how to ingest.
type Registry struct {
	Sources []SourceConfig `yaml:"sources"`
}

// FetchConfig defines HTTP behaviour for one source.
type FetchConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds,omitempty"`  // Default: 30
	MaxRetries     int    `yaml:"max_retries,omitempty"`      // Default: 2
	RequestDelayMS int    `yaml:"request_delay_ms,omitempty"` // Pause between upstream calls, 0 disables
	Concurrency    int    `yaml:"concurrency,omitempty"`      // Fan-out bound for detail requests, default 5
	PageSize       int    `yaml:"page_size,omitempty"`
	MaxPages       int    `yaml:"max_pages,omitempty"`
	UserAgent      string `yaml:"user_agent,omitempty"`
}

func (f FetchConfig) Timeout() time.Duration {
	if f.TimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(f.TimeoutSeconds) * time.Second
}

func (f FetchConfig) Delay() time.Duration {
	return time.Duration(f.RequestDelayMS) * time.Millisecond
}

func (f FetchConfig) concurrency() int {
	if f.Concurrency <= 0 {
		return 5
	}
	return f.Concurrency
}

func (f FetchConfig) pageSize(def int) int {
	if f.PageSize <= 0 {
		return def
	}
	return f.PageSize
}

func (f FetchConfig) maxPages(def int) int {
	if f.MaxPages <= 0 {
		return def
	}
	return f.MaxPages
}

// SourceConfig is one registry entry.
type SourceConfig struct {
	Name          string                     `yaml:"name"`
	DisplayName   string                     `yaml:"display_name"`
	SourceType    models.IngestionSourceType `yaml:"source_type"`
	BaseURL       string                     `yaml:"base_url"`
	APIBaseURL    string                     `yaml:"api_base_url,omitempty"`
	LegacyBaseURL string                     `yaml:"legacy_base_url,omitempty"`
	DiscoveryURL  string                     `yaml:"discovery_url,omitempty"`
	APIKey        string                     `yaml:"api_key,omitempty"`
	Keywords      []string                   `yaml:"keywords,omitempty"`
	ProgramCodes  []string                   `yaml:"program_codes,omitempty"`
	Agencies      []string                   `yaml:"agencies,omitempty"`
	Enrich        bool                       `yaml:"enrich,omitempty"`
	Description   string                     `yaml:"description,omitempty"`

	Fetch FetchConfig `yaml:"fetch,omitempty"`
}

// Get returns the entry registered under name.
func (r *Registry) Get(name string) (SourceConfig, bool) {
	if r == nil {
		return SourceConfig{}, false
	}
	for _, s := range r.Sources {
		if s.Name == name {
			return s, true
		}
	}
	return SourceConfig{}, false
}

// Names lists registered source names in registry order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Sources))
	for _, s := range r.Sources {
		names = append(names, s.Name)
	}
	return names
}

// LoadRegistry reads the embedded sources.yaml, or the file at path when one is given.
func LoadRegistry(path string) (*Registry, error) {
	var (
		data []byte
		err  error
	)
	if path != "" {
		data, err = os.ReadFile(path)
	} else {
		data, err = sourcesYAML.ReadFile("config/sources.yaml")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read source registry: %w", err)
	}
	return ParseRegistry(data)
}

// ParseRegistry expands ${ENV} references and validates the entries.
func ParseRegistry(data []byte) (*Registry, error) {
	expanded := os.ExpandEnv(string(data))

	var reg Registry
	if err := yaml.Unmarshal([]byte(expanded), &reg); err != nil {
		return nil, fmt.Errorf("failed to parse source registry: %w", err)
	}

	seen := make(map[string]bool, len(reg.Sources))
	for _, s := range reg.Sources {
		if s.Name == "" {
			return nil, fmt.Errorf("source registry: entry without name")
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("source registry: duplicate source %q", s.Name)
		}
		seen[s.Name] = true
	}
	return &reg, nil
}
