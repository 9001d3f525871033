// Package repositories implements SQLite persistence for local state.
//
// Bookmarks are never stored here; they live in the hosted backend.
//
// Key Implementations:
//   - [SessionRepository] : the signed-in session, a single row replaced on every sign-in or refresh
//   - [ImportRepository] : bulk import history with status tracking and soft deletes
//
// Import jobs carry a sequence number for stable, human-readable ordering independent of their UUIDs.
// The [NextSequence] function atomically increments the per-table counter row.
package repositories
