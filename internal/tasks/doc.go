// Package tasks runs bulk bookmark imports with real-time progress reporting.
//
// # Import
//
// [Importer.Run] reads an export file and adds what is missing:
//
//  1. Parse: JSON, YAML (including Homepage bookmarks.yaml), CSV or Netscape bookmark HTML
//  2. Dedupe: entries whose URL is already saved, or repeated in the file, are skipped (see [URLKey])
//  3. Insert: a bounded worker pool adds the rest through the bookmark store, rate limited
//  4. Refresh: the list is re-fetched once at the end
//
// Entries with an empty title or url fail on their own; the run continues.
//
// # Progress Reporting
//
// Updates are sent on a caller-owned channel with select/default so a slow reader never blocks the import.
//
// # Job History
//
// Each non-dry run is recorded as a [models.ImportJob] through a [JobRecorder]
// (repositories.ImportRepository in the CLI).
package tasks
