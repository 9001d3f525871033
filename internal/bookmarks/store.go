// package bookmarks mirrors the signed-in user's bookmark list and keeps it current
package bookmarks

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
)

// DefaultTable is the backend table holding bookmark rows.
const DefaultTable = "bookmarks"

var listQuery = services.Query{
	Columns: []string{"id", "title", "url", "user_id", "created_at"},
	Order:   []services.Order{{Column: "created_at"}},
}

// Identity reports the session that rows are created under.
type Identity interface {
	Current() *models.Session
}

// Store is an in-memory copy of the bookmark list. The list is only ever replaced as a whole.
type Store struct {
	table    services.TableService
	identity Identity
	name     string
	logger   *log.Logger

	mu        sync.RWMutex
	items     []models.Bookmark
	started   uint64
	applied   uint64
	listeners map[int]func([]models.Bookmark)
	nextID    int

	notifyMu sync.Mutex
}

// NewStore creates an empty store over the table called name.
func NewStore(table services.TableService, identity Identity, name string, logger *log.Logger) *Store {
	if name == "" {
		name = DefaultTable
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Store{
		table:     table,
		identity:  identity,
		name:      name,
		logger:    shared.WithLogger(logger, "component", "bookmarks"),
		listeners: make(map[int]func([]models.Bookmark)),
	}
}

// Table returns the backend table name.
func (s *Store) Table() string { return s.name }

// Bookmarks returns the current list, newest first. The slice is a copy.
func (s *Store) Bookmarks() []models.Bookmark {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.Bookmark(nil), s.items...)
}

// OnChange registers fn to receive the list after every swap and returns a func that unregisters it.
func (s *Store) OnChange(fn func([]models.Bookmark)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Refresh fetches every row visible to the current session and replaces the list.
//
// On failure the list is emptied and the error returned. When refreshes overlap, the one started
// last wins: an older refresh that finishes late is discarded.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.started++
	gen := s.started
	s.mu.Unlock()

	var rows []models.Bookmark
	err := s.table.Select(ctx, s.name, listQuery, &rows)
	if err != nil {
		s.logger.Error("refresh failed", "error", err)
		rows = nil
	} else {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].CreatedAt.After(rows[j].CreatedAt)
		})
	}

	if !s.swap(gen, rows) {
		s.logger.Debug("discarding stale refresh", "generation", gen)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to refresh bookmarks: %w", err)
	}
	s.logger.Debug("bookmarks refreshed", "count", len(rows))
	return nil
}

// Clear empties the list and discards refreshes already in flight.
func (s *Store) Clear() {
	s.mu.Lock()
	s.started++
	gen := s.started
	s.mu.Unlock()
	s.swap(gen, nil)
}

// swap installs rows unless a newer refresh has already been applied. Listeners see swaps in
// generation order; a swap overtaken before its delivery is not delivered.
func (s *Store) swap(gen uint64, rows []models.Bookmark) bool {
	s.mu.Lock()
	if gen < s.applied {
		s.mu.Unlock()
		return false
	}
	s.applied = gen
	s.items = rows
	s.mu.Unlock()

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.RLock()
	if gen < s.applied {
		s.mu.RUnlock()
		return true
	}
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]models.Bookmark), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	snapshot := append([]models.Bookmark(nil), rows...)
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(snapshot)
	}
	return true
}

// Add inserts a bookmark owned by the current session. Empty fields are rejected with
// [shared.ErrEmptyField] before any request is made. The list is not touched; the change
// notification brings the new row in.
func (s *Store) Add(ctx context.Context, title, url string) error {
	if title == "" || url == "" {
		return shared.ErrEmptyField
	}

	sess := s.identity.Current()
	if sess == nil {
		return shared.ErrNotAuthenticated
	}

	row := models.NewBookmark{Title: title, URL: url, UserID: sess.UserID()}
	if err := models.Validate(row); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	if err := s.table.Insert(ctx, s.name, row); err != nil {
		s.logger.Error("insert failed", "title", title, "error", err)
		return fmt.Errorf("failed to add bookmark: %w", err)
	}
	s.logger.Info("bookmark added", "title", title, "url", url)
	return nil
}

// Remove deletes the bookmark with id. The list is not touched.
func (s *Store) Remove(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: bookmark id", shared.ErrMissingArgument)
	}
	if err := s.table.Delete(ctx, s.name, services.Eq("id", id)); err != nil {
		s.logger.Error("delete failed", "id", id, "error", err)
		return fmt.Errorf("failed to delete bookmark: %w", err)
	}
	s.logger.Info("bookmark deleted", "id", id)
	return nil
}

// Find returns the bookmark with id from the current list.
func (s *Store) Find(id string) (models.Bookmark, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.items {
		if b.ID == id {
			return b, true
		}
	}
	return models.Bookmark{}, false
}
