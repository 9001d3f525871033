// package tasks implements bulk bookmark imports.
//
// The core abstraction is Importer, which parses an export file, drops duplicates and adds the rest
// through the bookmark store with a bounded worker pool. Progress is reported over a channel without
// blocking the CLI or UI layers.
package tasks

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/formatter"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/time/rate"
)

const (
	defaultWorkers   = 4
	maxWorkers       = 10
	defaultRateLimit = 5.0
)

// BookmarkStore is the part of the bookmark store an import needs.
type BookmarkStore interface {
	Add(ctx context.Context, title, url string) error
	Refresh(ctx context.Context) error
	Bookmarks() []models.Bookmark
}

// Identity reports the signed-in session.
type Identity interface {
	Current() *models.Session
}

// JobRecorder persists import runs.
type JobRecorder interface {
	Create(job *models.ImportJob) error
	Update(job *models.ImportJob) error
}

// ImportOpts configures an import run.
type ImportOpts struct {
	Source    string  // Display name of the input, usually the file path
	Format    string  // json, yaml, csv or html
	Workers   int     // Concurrent inserts (default: 4, max: 10)
	RateLimit float64 // Inserts per second (default: 5)
	DryRun    bool    // Report what would be inserted without inserting or recording
}

// EntryStatus is the outcome for one imported entry.
type EntryStatus string

const (
	EntryImported EntryStatus = "imported"
	EntrySkipped  EntryStatus = "skipped"
	EntryFailed   EntryStatus = "failed"
	EntryPlanned  EntryStatus = "planned"
)

// EntryResult is the outcome for one entry of the input.
type EntryResult struct {
	Entry  formatter.Entry
	Status EntryStatus
	Err    error
}

// ImportResult summarizes an import run.
type ImportResult struct {
	Job     *models.ImportJob
	Entries []EntryResult
}

// Importer adds bookmarks in bulk.
type Importer struct {
	store    BookmarkStore
	identity Identity
	jobs     JobRecorder
	logger   *log.Logger
	now      func() time.Time
}

// NewImporter creates an Importer. jobs may be nil to skip recording.
func NewImporter(store BookmarkStore, identity Identity, jobs JobRecorder, logger *log.Logger) *Importer {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Importer{
		store:    store,
		identity: identity,
		jobs:     jobs,
		logger:   shared.WithLogger(logger, "component", "import"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// sendProgress sends a progress update through the channel without blocking.
func sendProgress(progress chan<- ProgressUpdate, update ProgressUpdate) {
	if progress == nil {
		return
	}
	select {
	case progress <- update:
	default:
	}
}

// Run parses r and adds every entry not already saved.
//
// Entries with an empty title or url fail individually with [shared.ErrEmptyField]; the run itself
// only fails when the input cannot be parsed or the current list cannot be read.
func (im *Importer) Run(ctx context.Context, r io.Reader, opts ImportOpts, progress chan<- ProgressUpdate) (*ImportResult, error) {
	sess := im.identity.Current()
	if sess == nil {
		return nil, shared.ErrNotAuthenticated
	}

	opts = withDefaults(opts)
	job := models.NewImportJob(sess.UserID(), opts.Source, opts.Format)
	result := &ImportResult{Job: job}

	record := im.jobs != nil && !opts.DryRun
	if record {
		if err := im.jobs.Create(job); err != nil {
			return nil, fmt.Errorf("failed to record import: %w", err)
		}
	}
	job.Start(im.now())
	im.save(job, record)

	err := im.run(ctx, r, opts, progress, result)
	job.Finish(im.now(), err)
	im.save(job, record)

	if err != nil {
		im.logger.Error("import failed", "source", opts.Source, "error", err)
		return result, err
	}
	im.logger.Info("import finished",
		"source", opts.Source,
		"imported", job.Imported,
		"skipped", job.Skipped,
		"failed", job.Failed,
		"duration", job.Duration(),
	)
	return result, nil
}

func (im *Importer) save(job *models.ImportJob, record bool) {
	if !record {
		return
	}
	if err := im.jobs.Update(job); err != nil {
		im.logger.Warn("failed to update import record", "id", job.ID, "error", err)
	}
}

func withDefaults(opts ImportOpts) ImportOpts {
	if opts.Source == "" {
		opts.Source = "stdin"
	}
	if opts.Format == "" {
		opts.Format = formatter.DetectFormat(opts.Source)
	}
	opts.Format = formatter.NormalizeFormat(opts.Format)
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Workers > maxWorkers {
		opts.Workers = maxWorkers
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	return opts
}

func (im *Importer) run(ctx context.Context, r io.Reader, opts ImportOpts, progress chan<- ProgressUpdate, result *ImportResult) error {
	job := result.Job

	sendProgress(progress, parsingUpdate(opts.Source, opts.Format))
	entries, err := formatter.Parse(r, opts.Format)
	if err != nil {
		return err
	}
	job.Total = len(entries)
	sendProgress(progress, parsedUpdate(len(entries)))

	if err := im.store.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load current bookmarks: %w", err)
	}
	fresh, skipped := dedupe(entries, im.store.Bookmarks())
	result.Entries = append(result.Entries, skipped...)
	job.Skipped = len(skipped)
	sendProgress(progress, dedupeUpdate(len(fresh), len(skipped)))

	if opts.DryRun {
		for i, e := range fresh {
			result.Entries = append(result.Entries, EntryResult{Entry: e, Status: EntryPlanned})
			sendProgress(progress, plannedUpdate(i+1, len(fresh), e))
		}
		return nil
	}

	for _, res := range im.insert(ctx, fresh, opts, progress) {
		result.Entries = append(result.Entries, res)
		if res.Status == EntryImported {
			job.Imported++
		} else {
			job.Failed++
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sendProgress(progress, refreshUpdate())
	if err := im.store.Refresh(ctx); err != nil {
		im.logger.Warn("refresh after import failed", "error", err)
	}
	return nil
}

// insert adds entries with a worker pool, returning results in completion order.
func (im *Importer) insert(ctx context.Context, entries []formatter.Entry, opts ImportOpts, progress chan<- ProgressUpdate) []EntryResult {
	limiter := rate.NewLimiter(rate.Limit(opts.RateLimit), 1)

	jobs := make(chan formatter.Entry, len(entries))
	results := make(chan EntryResult, len(entries))

	var wg sync.WaitGroup
	for i := 0; i < opts.Workers; i++ {
		wg.Add(1)
		go im.worker(ctx, &wg, limiter, jobs, results)
	}

	for _, e := range entries {
		jobs <- e
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	out := make([]EntryResult, 0, len(entries))
	for res := range results {
		out = append(out, res)
		sendProgress(progress, insertUpdate(len(out), len(entries), res))
	}
	return out
}

func (im *Importer) worker(
	ctx context.Context,
	wg *sync.WaitGroup,
	limiter *rate.Limiter,
	jobs <-chan formatter.Entry,
	results chan<- EntryResult,
) {
	defer wg.Done()

	for e := range jobs {
		if e.Title == "" || e.URL == "" {
			results <- EntryResult{Entry: e, Status: EntryFailed, Err: shared.ErrEmptyField}
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			results <- EntryResult{Entry: e, Status: EntryFailed, Err: err}
			continue
		}
		if err := im.store.Add(ctx, e.Title, e.URL); err != nil {
			results <- EntryResult{Entry: e, Status: EntryFailed, Err: err}
			continue
		}
		results <- EntryResult{Entry: e, Status: EntryImported}
	}
}

// dedupe splits entries into those to insert and those whose URL is already saved or repeated.
func dedupe(entries []formatter.Entry, existing []models.Bookmark) ([]formatter.Entry, []EntryResult) {
	seen := make(map[string]bool, len(existing)+len(entries))
	for _, b := range existing {
		seen[URLKey(b.URL)] = true
	}

	var fresh []formatter.Entry
	var skipped []EntryResult
	for _, e := range entries {
		if e.URL == "" {
			fresh = append(fresh, e)
			continue
		}
		key := URLKey(e.URL)
		if seen[key] {
			skipped = append(skipped, EntryResult{Entry: e, Status: EntrySkipped})
			continue
		}
		seen[key] = true
		fresh = append(fresh, e)
	}
	return fresh, skipped
}

// URLKey normalizes a URL for duplicate detection: scheme and host are lowercased, a trailing slash
// and fragment are dropped. Unparseable input is compared as trimmed text.
func URLKey(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimSuffix(raw, "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}
