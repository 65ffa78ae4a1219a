package main

import (
	"fmt"
	"io"
	"time"

	"github.com/david/grant-ingest/internal/ingest"
	"github.com/david/grant-ingest/internal/models"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	ingestAll bool
	runsLimit int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [source...]",
	Short: "Run ingestion for the named sources",
	Long:  `Fetches, normalizes and persists every record of each named source. With --all, every registered source runs in registry order.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !ingestAll && len(args) == 0 {
			return fmt.Errorf("name at least one source or pass --all")
		}
		orch, closeFn, err := openOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		names := args
		if ingestAll {
			names = nil
		}
		summary := orch.RunAll(cmd.Context(), names...)
		renderSummary(cmd.OutOrStdout(), summary)
		if summary.Failed > 0 {
			return errRunFailed
		}
		return nil
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show the last sync status of every source",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		sources, err := orch.GetSourcesStatus(cmd.Context())
		if err != nil {
			return err
		}
		renderSources(cmd.OutOrStdout(), sources)
		return nil
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recent ingestion runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, closeFn, err := openOrchestrator(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		runs, err := orch.GetRecentRuns(cmd.Context(), runsLimit)
		if err != nil {
			return err
		}
		renderRuns(cmd.OutOrStdout(), runs, time.Now())
		return nil
	},
}

func init() {
	ingestCmd.Flags().BoolVar(&ingestAll, "all", false, "Ingest every registered source")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 10, "Number of runs to show")
}

func renderSummary(w io.Writer, summary *ingest.BatchSummary) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Source", "Status", "Path", "Fetched", "New", "Updated", "Unchanged", "Errors", "Duration"})
	for _, r := range summary.Results {
		path := string(r.FetchPath)
		if path == "" {
			path = "-"
		}
		t.AppendRow(table.Row{
			r.SourceName, r.Status, path, r.Fetched, r.New, r.Updated, r.Unchanged, r.Errors,
			(time.Duration(r.DurationMS) * time.Millisecond).Round(time.Second).String(),
		})
	}
	for name, msg := range summary.Errors {
		t.AppendRow(table.Row{name, "ERROR", "-", 0, 0, 0, 0, 0, msg})
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "", "Succeeded", fmt.Sprintf("%d/%d", summary.Successful, summary.TotalSources)})
	t.Render()

	for _, r := range summary.Results {
		for _, e := range r.ErrorLog {
			id := e.ExternalID
			if id == "" {
				id = "(fetch)"
			}
			fmt.Fprintf(w, "  %s %s: %s\n", r.SourceName, id, e.Message)
		}
	}
}

func renderSources(w io.Writer, sources []models.Source) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Source", "Name", "Type", "Last Sync", "Status", "Count"})
	for _, s := range sources {
		lastSync, status := "never", "-"
		if s.LastSyncAt != nil {
			lastSync = s.LastSyncAt.Local().Format("2006-01-02 15:04")
		}
		if s.LastSyncStatus != nil {
			status = string(*s.LastSyncStatus)
		}
		t.AppendRow(table.Row{s.Name, s.DisplayName, s.SourceType, lastSync, status, s.LastSyncCount})
	}
	t.Render()
}

// renderRuns prints runs. A RUNNING row older than an hour is flagged as
// probably abandoned, since a killed process never finalizes its run.
func renderRuns(w io.Writer, runs []models.IngestionRun, now time.Time) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Source", "Status", "Fetched", "New", "Updated", "Unchanged", "Errors", "Duration", "Started At"})
	for _, r := range runs {
		status := string(r.Status)
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		} else if now.Sub(r.StartedAt) > time.Hour {
			status += " (stale)"
			duration = "-"
		}
		t.AppendRow(table.Row{
			r.SourceName, status, r.TotalFetched, r.TotalNew, r.TotalUpdated, r.TotalUnchanged, r.TotalErrors,
			duration, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	t.Render()
}
