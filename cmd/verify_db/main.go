package main

import (
	"context"
	"log"
	"os"

	"github.com/david/grant-ingest/internal/db"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Prints per-source catalog counts. Unlinked raw grants are records whose
// grant was never created or was deleted; the next run of that source repairs them.
func main() {
	ctx := context.Background()
	pool, err := db.Connect(ctx)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	rows, err := pool.Query(ctx, `
		SELECT
			s.name,
			(SELECT count(*) FROM raw_grants r WHERE r.source_id = s.id),
			(SELECT count(*) FROM raw_grants r WHERE r.source_id = s.id AND r.grant_id IS NULL),
			(SELECT count(*) FROM grants g WHERE g.ingestion_source_id = s.id),
			(SELECT count(*) FROM grants g WHERE g.ingestion_source_id = s.id AND g.is_active),
			(SELECT count(*) FROM grants g WHERE g.ingestion_source_id = s.id AND g.embedding IS NOT NULL)
		FROM ingestion_sources s
		ORDER BY s.name
	`)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	defer rows.Close()

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Raw", "Unlinked", "Grants", "Active", "Embedded"})

	var unlinkedTotal int64
	for rows.Next() {
		var name string
		var raw, unlinked, grants, active, embedded int64
		if err := rows.Scan(&name, &raw, &unlinked, &grants, &active, &embedded); err != nil {
			log.Fatalf("Scan failed: %v", err)
		}
		unlinkedTotal += unlinked
		t.AppendRow(table.Row{name, raw, unlinked, grants, active, embedded})
	}
	if err := rows.Err(); err != nil {
		log.Fatalf("Query failed: %v", err)
	}
	t.Render()

	if unlinkedTotal > 0 {
		log.Printf("%d raw grants have no catalog entry", unlinkedTotal)
	}
}
