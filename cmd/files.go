package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/desertthunder/marks/internal/formatter"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/tasks"
	"github.com/urfave/cli/v3"
)

// Export writes the bookmarks to --output, or to stdout when no path is given.
func (r *Runner) Export(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("output")
	format := cmd.String("format")
	if format == "" {
		format = formatter.DetectFormat(path)
	}
	format = formatter.NormalizeFormat(format)

	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}
	if err := a.Store.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load bookmarks: %w", err)
	}
	items := a.Store.Bookmarks()

	if path == "" {
		data, err := formatter.Export(items, format)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	}

	written, err := formatter.WriteExport(items, format, path)
	if err != nil {
		return err
	}
	r.logger.Info("export written", "path", written, "format", format, "count", len(items))
	return r.writePlain("✓ Exported %d bookmark(s) to %s\n", len(items), written)
}

// Import adds the bookmarks in a file, skipping URLs that are already saved. "-" reads stdin.
func (r *Runner) Import(ctx context.Context, cmd *cli.Command) error {
	path := cmd.StringArg("file")
	if path == "" {
		return fmt.Errorf("%w: usage: marks import <file>", shared.ErrMissingArgument)
	}

	var in io.Reader = os.Stdin
	source := "stdin"
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open import file: %w", err)
		}
		defer f.Close()
		in, source = f, path
	}

	format := cmd.String("format")
	if format == "" && path == "-" {
		return fmt.Errorf("%w: --format is required when reading stdin", shared.ErrMissingArgument)
	}

	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}

	opts := tasks.ImportOpts{
		Source:    source,
		Format:    format,
		Workers:   int(cmd.Int("workers")),
		RateLimit: cmd.Float("rate"),
		DryRun:    cmd.Bool("dry-run"),
	}

	progress := make(chan tasks.ProgressUpdate, 64)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for update := range progress {
			r.writePlain("%s\n", update.Message)
		}
	}()

	result, err := a.Importer.Run(ctx, in, opts, progress)
	close(progress)
	wg.Wait()
	if err != nil {
		return err
	}

	job := result.Job
	if opts.DryRun {
		planned := 0
		for _, e := range result.Entries {
			if e.Status == tasks.EntryPlanned {
				planned++
			}
		}
		return r.writePlainln("Dry run: %d to add, %d already saved", planned, job.Skipped)
	}

	r.writePlainln("✓ Imported %d, skipped %d, failed %d (%s)",
		job.Imported, job.Skipped, job.Failed, job.Duration().Round(time.Millisecond))
	for _, e := range result.Entries {
		if e.Status == tasks.EntryFailed {
			r.writePlain("  ✗ %s: %v\n", entryLabel(e), e.Err)
		}
	}
	return nil
}

func entryLabel(e tasks.EntryResult) string {
	if e.Entry.Title != "" {
		return e.Entry.Title
	}
	if e.Entry.URL != "" {
		return e.Entry.URL
	}
	return "(empty entry)"
}

// ImportHistory lists the signed-in user's recorded imports, newest first.
func (r *Runner) ImportHistory(ctx context.Context, cmd *cli.Command) error {
	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}

	jobs, err := r.imports.List(a.Session.Current().UserID(), int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("failed to read import history: %w", err)
	}

	if cmd.Bool("json") || cmd.Bool("pretty") {
		return r.writeJSON(jobs, cmd.Bool("pretty"))
	}

	if len(jobs) == 0 {
		return r.writePlain("No imports yet\n")
	}

	r.writePlainHeader(fmt.Sprintf("Imports (%d)", len(jobs)))
	for _, job := range jobs {
		r.writePlain("%s  %-9s %s [%s]\n",
			job.CreatedAt.Local().Format("2006-01-02 15:04"), job.Status, job.Source, job.Format)
		r.writePlain("    total %d, imported %d, skipped %d, failed %d\n",
			job.Total, job.Imported, job.Skipped, job.Failed)
		if job.Error != "" {
			r.writePlain("    error: %s\n", strings.TrimSpace(job.Error))
		}
	}
	return nil
}
