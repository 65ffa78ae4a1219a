package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/david/grant-ingest/internal/ingest"
	"github.com/david/grant-ingest/internal/models"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Ingestion is the part of the orchestrator the HTTP layer drives.
type Ingestion interface {
	RunIngestion(ctx context.Context, name string) (*ingest.IngestionResult, error)
	RunAll(ctx context.Context, names ...string) *ingest.BatchSummary
	GetSourcesStatus(ctx context.Context) ([]models.Source, error)
	GetRecentRuns(ctx context.Context, limit int) ([]models.IngestionRun, error)
}

type Server struct {
	Echo   *echo.Echo
	Ingest Ingestion

	adminSecret string

	// Sources with a run in flight, plus batchKey while /ingest/all runs.
	// A trigger that would overlap one of them gets 409.
	runMu   sync.Mutex
	running map[string]bool
}

const batchKey = "*"

// NewServer wires routes. gatherer backs /metrics and may be nil to use the
// default Prometheus registry.
func NewServer(ing Ingestion, gatherer prometheus.Gatherer) (*Server, error) {
	secret, err := resolveAdminSecret()
	if err != nil {
		return nil, err
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{
		Echo:        e,
		Ingest:      ing,
		adminSecret: secret,
		running:     make(map[string]bool),
	}
	s.routes(gatherer)
	return s, nil
}

func (s *Server) routes(gatherer prometheus.Gatherer) {
	s.Echo.GET("/health", s.handleHealth)
	s.Echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := s.Echo.Group("/api/v1")
	api.GET("/ingestion/sources", s.handleGetSources)
	api.GET("/ingestion/runs", s.handleGetRuns)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/ingest/source/:name", s.handleIngestSource)
	admin.POST("/ingest/all", s.handleIngestAll)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleGetSources(c echo.Context) error {
	sources, err := s.Ingest.GetSourcesStatus(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sources == nil {
		sources = []models.Source{}
	}
	return c.JSON(http.StatusOK, map[string]any{"sources": sources})
}

func (s *Server) handleGetRuns(c echo.Context) error {
	limit := 20
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 500 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
		}
		limit = n
	}

	runs, err := s.Ingest.GetRecentRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []models.IngestionRun{}
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleIngestSource(c echo.Context) error {
	name := c.Param("name")
	if !s.acquire(name) {
		return c.JSON(http.StatusConflict, map[string]string{"error": fmt.Sprintf("ingestion of %s already running or blocked by a batch", name)})
	}
	defer s.release(name)

	result, err := s.Ingest.RunIngestion(c.Request().Context(), name)
	if err != nil {
		var failed *ingest.RunFailedError
		switch {
		case errors.Is(err, ingest.ErrUnknownSource):
			return c.JSON(http.StatusNotFound, map[string]string{"error": err.Error()})
		case errors.As(err, &failed):
			return c.JSON(http.StatusBadGateway, map[string]any{
				"error":  err.Error(),
				"result": failed.Result,
			})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%s ingestion complete", name),
		"result":  result,
	})
}

// handleIngestAll runs every known source, or those listed in ?sources=a,b.
func (s *Server) handleIngestAll(c echo.Context) error {
	if !s.acquire(batchKey) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "an ingestion is already running"})
	}
	defer s.release(batchKey)

	summary := s.Ingest.RunAll(c.Request().Context(), splitCSV(c.QueryParam("sources"))...)
	return c.JSON(http.StatusOK, summary)
}

// acquire claims key. A source is refused while it or the batch is running,
// and the batch is refused while anything is running.
func (s *Server) acquire(key string) bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running[key] || s.running[batchKey] {
		return false
	}
	if key == batchKey && len(s.running) > 0 {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Server) release(key string) {
	s.runMu.Lock()
	delete(s.running, key)
	s.runMu.Unlock()
}

func splitCSV(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		// Check X-Admin-Secret header or Bearer token
		authHeader := c.Request().Header.Get("Authorization")
		adminHeader := c.Request().Header.Get("X-Admin-Secret")

		if adminHeader != "" && s.secretMatches(adminHeader) {
			return next(c)
		}
		if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
			if s.secretMatches(authHeader[7:]) {
				return next(c)
			}
		}

		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) secretMatches(candidate string) bool {
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(s.adminSecret)) == 1
}

// resolveAdminSecret reads ADMIN_SECRET, generating an ephemeral secret when
// it is unset so admin routes are never open.
func resolveAdminSecret() (string, error) {
	if secret := strings.TrimSpace(os.Getenv("ADMIN_SECRET")); secret != "" {
		return secret, nil
	}

	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate ADMIN_SECRET fallback: %w", err)
	}
	log.Print("ADMIN_SECRET is not set; using ephemeral in-memory fallback secret")
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
