package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/handlens/handlens/internal/config"
	"github.com/handlens/handlens/internal/storage"
)

// ReportCmd prints what the store holds for a past job.
type ReportCmd struct {
	JobID string `arg:"" help:"Job identifier"`

	Config string `short:"c" default:"handlens.hcl" help:"Path to HCL configuration"`
}

func (cmd ReportCmd) Run() error {
	cfg, err := config.LoadConfig(cmd.Config)
	if err != nil {
		return err
	}
	store, err := storage.NewSQLiteStore(cfg.Output.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	job, err := store.GetJob(ctx, cmd.JobID)
	if err != nil {
		return fmt.Errorf("job %s: %w", cmd.JobID, err)
	}

	fmt.Printf("Job %s: %s (tier %s, updated %s)\n",
		job.ID, job.Status, job.Tier, humanize.Time(job.UpdatedAt))
	if job.Error != "" {
		fmt.Println("  error:", job.Error)
	}
	fmt.Printf("  %d files, %d hands, %d screenshots, %d matched, %d clean / %d residual\n",
		job.FilesTotal, job.HandsParsed, job.ScreenshotsTotal, job.Matched, job.CleanFiles, job.ResidualFiles)

	outcomes, err := store.ListScreenshotOutcomes(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if len(outcomes) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle("Screenshots")
		t.AppendHeader(table.Row{"File", "Hand ID", "Matched", "Confidence", "Failure"})
		for _, o := range outcomes {
			t.AppendRow(table.Row{o.Filename, o.HandID, o.MatchedHand, o.Confidence, o.FailureKind})
		}
		t.Render()
	}

	files, err := store.ListRewrittenFiles(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if len(files) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle("Output files")
		t.AppendHeader(table.Row{"File", "Class", "Size"})
		for _, f := range files {
			t.AppendRow(table.Row{f.Filename, f.Class, humanize.Bytes(uint64(len(f.Body)))})
		}
		t.Render()
	}

	conflicts, err := store.ListTableConflicts(ctx, cmd.JobID)
	if err != nil {
		return err
	}
	if len(conflicts) > 0 {
		t := table.NewWriter()
		t.SetOutputMirror(os.Stdout)
		t.SetTitle("Name conflicts")
		t.AppendHeader(table.Row{"Table", "Identifier", "Names"})
		for _, c := range conflicts {
			t.AppendRow(table.Row{c.TableID, c.AnonymousID, strings.Join(c.Names, ", ")})
		}
		t.Render()
	}
	return nil
}
