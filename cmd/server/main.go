package main

import (
	"context"
	"log"
	"os"

	"github.com/david/grant-ingest/internal/ai"
	"github.com/david/grant-ingest/internal/api"
	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/ingest"
	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := db.ApplyMigrations(ctx, pool); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	registry, err := ingest.LoadRegistry(os.Getenv("SOURCES_FILE"))
	if err != nil {
		log.Fatalf("Failed to load source registry: %v", err)
	}

	metrics := ingest.NewMetrics(prometheus.DefaultRegisterer)
	opts := []ingest.Option{ingest.WithMetrics(metrics)}
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		opts = append(opts, ingest.WithEmbedder(ai.NewOllamaClient(host, os.Getenv("OLLAMA_EMBED_MODEL"))))
		log.Printf("Embeddings enabled via %s", host)
	}

	orch := ingest.NewOrchestrator(db.NewStore(pool), registry, ingest.NewClients(registry, metrics), opts...)

	srv, err := api.NewServer(orch, prometheus.DefaultGatherer)
	if err != nil {
		log.Fatalf("Failed to initialize server: %v", err)
	}
	log.Printf("Server starting on port %s...", port)
	if err := srv.Start(port); err != nil {
		log.Fatal(err)
	}
}
