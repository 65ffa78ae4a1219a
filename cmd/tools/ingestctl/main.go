// Command ingestctl runs and inspects grant ingestion from the command line.
//
//	ingestctl ingest grants_gov ca_grants
//	ingestctl ingest --all
//	ingestctl sources
//	ingestctl runs --limit 20
//
// Exit status is 1 when any requested run ends FAILED, so cron wrappers can alert on it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/david/grant-ingest/internal/ai"
	"github.com/david/grant-ingest/internal/db"
	"github.com/david/grant-ingest/internal/ingest"
	"github.com/spf13/cobra"
)

var (
	sourcesFile string
	dryRun      bool
)

// errRunFailed signals a FAILED run after its output was printed.
var errRunFailed = errors.New("one or more ingestion runs failed")

var rootCmd = &cobra.Command{
	Use:           "ingestctl",
	Short:         "Run and inspect grant ingestion",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&sourcesFile, "sources-file", os.Getenv("SOURCES_FILE"), "Source registry YAML (default: embedded registry)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Use an in-memory store instead of DATABASE_URL")
	rootCmd.AddCommand(ingestCmd, sourcesCmd, runsCmd)
}

// openOrchestrator builds the orchestrator against Postgres, or memory in
// dry-run mode. The returned func releases the pool.
func openOrchestrator(ctx context.Context) (*ingest.Orchestrator, func(), error) {
	registry, err := ingest.LoadRegistry(sourcesFile)
	if err != nil {
		return nil, nil, err
	}
	clients := ingest.NewClients(registry, nil)

	var opts []ingest.Option
	if host := os.Getenv("OLLAMA_HOST"); host != "" {
		opts = append(opts, ingest.WithEmbedder(ai.NewOllamaClient(host, os.Getenv("OLLAMA_EMBED_MODEL"))))
	}

	if dryRun {
		return ingest.NewOrchestrator(db.NewMemoryStore(), registry, clients, opts...), func() {}, nil
	}

	pool, err := db.Connect(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.ApplyMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migration failed: %w", err)
	}
	return ingest.NewOrchestrator(db.NewStore(pool), registry, clients, opts...), pool.Close, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
