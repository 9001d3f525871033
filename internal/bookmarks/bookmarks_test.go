package bookmarks

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	tu "github.com/desertthunder/marks/internal/testing"
)

type fixture struct {
	auth    *tu.FakeAuth
	backend *tu.FakeBackend
}

func newFixture() *fixture {
	auth := tu.NewFakeAuth()
	return &fixture{auth: auth, backend: tu.NewFakeBackend(auth)}
}

// as signs userID in and returns a store and listener acting as that user.
func (f *fixture) as(t *testing.T, userID string) (*Store, *Listener, *session.Manager) {
	t.Helper()
	logger := log.New(&bytes.Buffer{})
	m := session.NewManager(f.auth, nil, "", logger)
	if userID != "" {
		authURL, _, err := m.BeginSignIn("http://127.0.0.1:3000/callback")
		if err != nil {
			t.Fatalf("BeginSignIn() error = %v", err)
		}
		_, state, code := f.auth.Approve(authURL, userID)
		if _, err := m.CompleteSignIn(context.Background(), state, code); err != nil {
			t.Fatalf("CompleteSignIn() error = %v", err)
		}
	}

	client := f.backend.Client(m)
	store := NewStore(client, m, "", logger)
	return store, NewListener(client, store, logger), m
}

func titles(items []models.Bookmark) []string {
	out := make([]string, len(items))
	for i, b := range items {
		out[i] = b.Title
	}
	return out
}

func TestStoreRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("Rows Are Scoped To Owner", func(t *testing.T) {
		f := newFixture()
		alice, _, _ := f.as(t, "alice")
		bob, _, _ := f.as(t, "bob")

		if err := alice.Add(ctx, "Example", "https://example.com"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if err := alice.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if err := bob.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}

		if got := alice.Bookmarks(); len(got) != 1 || got[0].UserID != "alice" {
			t.Errorf("expected alice to see her bookmark, got %+v", got)
		}
		if got := bob.Bookmarks(); len(got) != 0 {
			t.Errorf("expected bob to see nothing, got %+v", got)
		}
	})

	t.Run("Repeated Refresh Is Stable", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		for _, title := range []string{"a", "b", "c"} {
			store.Add(ctx, title, "https://"+title+".test")
		}

		store.Refresh(ctx)
		first := store.Bookmarks()
		store.Refresh(ctx)
		second := store.Bookmarks()

		if len(first) != 3 || len(first) != len(second) {
			t.Fatalf("expected 3 rows twice, got %d and %d", len(first), len(second))
		}
		for i := range first {
			if first[i] != second[i] {
				t.Errorf("row %d differs: %+v vs %+v", i, first[i], second[i])
			}
		}
	})

	t.Run("Newest First", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "B1", "https://one.test")
		store.Add(ctx, "B2", "https://two.test")
		store.Refresh(ctx)

		got := titles(store.Bookmarks())
		if len(got) != 2 || got[0] != "B2" || got[1] != "B1" {
			t.Errorf("expected [B2 B1], got %v", got)
		}
	})

	t.Run("Failure Empties List", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "Example", "https://example.com")
		store.Refresh(ctx)

		f.backend.SelectErr = shared.ErrServiceUnavailable
		err := store.Refresh(ctx)
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
		if got := store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected empty list after failure, got %+v", got)
		}
	})

	t.Run("Signed Out Sees Nothing", func(t *testing.T) {
		f := newFixture()
		alice, _, _ := f.as(t, "alice")
		alice.Add(ctx, "Example", "https://example.com")

		anon, _, _ := f.as(t, "")
		if err := anon.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if got := anon.Bookmarks(); len(got) != 0 {
			t.Errorf("expected nothing, got %+v", got)
		}
	})

	t.Run("Last Started Refresh Wins", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		other, _, _ := f.as(t, "alice")
		store.Add(ctx, "Example", "https://example.com")
		other.Refresh(ctx)
		id := other.Bookmarks()[0].ID

		entered := make(chan struct{})
		release := make(chan struct{})
		f.backend.SelectHook = func(call int) {
			if call == 2 {
				close(entered)
				<-release
			}
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Refresh(ctx)
		}()
		<-entered

		if err := store.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		if got := store.Bookmarks(); len(got) != 1 {
			t.Fatalf("expected newer refresh to install 1 row, got %d", len(got))
		}

		if err := other.Remove(ctx, id); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		close(release)
		wg.Wait()

		if got := store.Bookmarks(); len(got) != 1 {
			t.Errorf("expected stale refresh to be discarded, got %d rows", len(got))
		}
	})

	t.Run("Clear Discards In Flight", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "Example", "https://example.com")

		entered := make(chan struct{})
		release := make(chan struct{})
		f.backend.SelectHook = func(int) {
			close(entered)
			<-release
		}

		done := make(chan struct{})
		go func() {
			store.Refresh(ctx)
			close(done)
		}()
		<-entered
		store.Clear()
		close(release)
		<-done

		if got := store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected cleared list, got %+v", got)
		}
	})

	t.Run("OnChange Receives Snapshots", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "Example", "https://example.com")

		var got [][]models.Bookmark
		cancel := store.OnChange(func(items []models.Bookmark) { got = append(got, items) })
		store.Refresh(ctx)
		cancel()
		store.Refresh(ctx)

		if len(got) != 1 || len(got[0]) != 1 {
			t.Errorf("expected one notification with one row, got %v", got)
		}
	})
	t.Run("OnChange Delivers Latest Swap Last", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "one", "https://one.test")

		entered := make(chan struct{})
		release := make(chan struct{})
		var (
			mu   sync.Mutex
			got  [][]models.Bookmark
			once sync.Once
		)
		store.OnChange(func(items []models.Bookmark) {
			blocked := false
			once.Do(func() { blocked = true })
			if blocked {
				close(entered)
				<-release
			}
			mu.Lock()
			got = append(got, items)
			mu.Unlock()
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			store.Refresh(ctx)
		}()
		<-entered

		store.Add(ctx, "two", "https://two.test")
		go func() {
			defer wg.Done()
			store.Refresh(ctx)
		}()
		deadline := time.Now().Add(2 * time.Second)
		for len(store.Bookmarks()) != 2 && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		close(release)
		wg.Wait()

		mu.Lock()
		defer mu.Unlock()
		if len(store.Bookmarks()) != 2 {
			t.Fatalf("expected store to hold 2 rows, got %d", len(store.Bookmarks()))
		}
		if last := got[len(got)-1]; len(last) != 2 {
			t.Errorf("expected last delivery to carry 2 rows, got %d", len(last))
		}
	})
}

func TestStoreAdd(t *testing.T) {
	ctx := context.Background()

	tc := []struct {
		name  string
		title string
		url   string
	}{
		{name: "Empty Title", title: "", url: "https://example.com"},
		{name: "Empty URL", title: "Example", url: ""},
	}

	for _, tt := range tc {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			store, _, _ := f.as(t, "alice")

			err := store.Add(ctx, tt.title, tt.url)
			if !errors.Is(err, shared.ErrEmptyField) {
				t.Errorf("expected ErrEmptyField, got %v", err)
			}
			if f.backend.Inserts != 0 {
				t.Errorf("expected no insert, got %d", f.backend.Inserts)
			}
		})
	}

	t.Run("Tags Row With Session User", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		if err := store.Add(ctx, "Example", "https://example.com"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		rows := f.backend.Rows()
		if len(rows) != 1 || rows[0]["user_id"] != "alice" {
			t.Errorf("expected row owned by alice, got %v", rows)
		}
		if got := store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected no local insert, got %+v", got)
		}
	})

	t.Run("Inserts Text As Typed", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		if err := store.Add(ctx, "  Example ", " https://example.com"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}

		rows := f.backend.Rows()
		if len(rows) != 1 || rows[0]["title"] != "  Example " || rows[0]["url"] != " https://example.com" {
			t.Errorf("expected untrimmed row, got %v", rows)
		}
	})

	t.Run("Signed Out", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "")
		if err := store.Add(ctx, "Example", "https://example.com"); !errors.Is(err, shared.ErrNotAuthenticated) {
			t.Errorf("expected ErrNotAuthenticated, got %v", err)
		}
		if f.backend.Inserts != 0 {
			t.Errorf("expected no insert, got %d", f.backend.Inserts)
		}
	})

	t.Run("Backend Rejection", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		f.backend.InsertErr = shared.ErrPermissionDenied
		if err := store.Add(ctx, "Example", "https://example.com"); !errors.Is(err, shared.ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
	})
}

func TestStoreRemove(t *testing.T) {
	ctx := context.Background()

	t.Run("Removed Row Never Returns", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		store.Add(ctx, "Keep", "https://keep.test")
		store.Add(ctx, "Drop", "https://drop.test")
		store.Refresh(ctx)

		id := store.Bookmarks()[0].ID
		if err := store.Remove(ctx, id); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		store.Refresh(ctx)

		for _, b := range store.Bookmarks() {
			if b.ID == id {
				t.Errorf("expected %s to be gone", id)
			}
		}
		if _, ok := store.Find(id); ok {
			t.Error("expected Find to miss removed row")
		}
	})

	t.Run("Other Users Rows Untouched", func(t *testing.T) {
		f := newFixture()
		alice, _, _ := f.as(t, "alice")
		bob, _, _ := f.as(t, "bob")
		alice.Add(ctx, "Mine", "https://mine.test")
		alice.Refresh(ctx)

		if err := bob.Remove(ctx, alice.Bookmarks()[0].ID); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if len(f.backend.Rows()) != 1 {
			t.Error("expected alice's row to survive bob's delete")
		}
	})

	t.Run("Empty ID", func(t *testing.T) {
		f := newFixture()
		store, _, _ := f.as(t, "alice")
		if err := store.Remove(ctx, ""); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})
}

func TestListener(t *testing.T) {
	ctx := context.Background()

	t.Run("Sign In Add Delete Scenario", func(t *testing.T) {
		f := newFixture()
		store, listener, _ := f.as(t, "alice")
		if err := listener.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		defer listener.Stop()

		if err := store.Add(ctx, "Example", "https://example.com"); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		got := store.Bookmarks()
		if len(got) != 1 || got[0].Title != "Example" || got[0].URL != "https://example.com" {
			t.Fatalf("expected exactly one entry after change, got %+v", got)
		}

		if err := store.Remove(ctx, got[0].ID); err != nil {
			t.Fatalf("Remove() error = %v", err)
		}
		if got := store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected empty list after delete, got %+v", got)
		}
		if listener.Events() != 2 {
			t.Errorf("expected 2 events, got %d", listener.Events())
		}
	})

	t.Run("Any Event Triggers Refresh", func(t *testing.T) {
		f := newFixture()
		_, listener, _ := f.as(t, "alice")
		listener.Start(ctx)
		defer listener.Stop()

		before := f.backend.Selects
		f.backend.Emit(models.ChangeEvent{Kind: models.EventUpdate, Table: DefaultTable})
		if f.backend.Selects != before+1 {
			t.Errorf("expected an update to refresh, got %d selects", f.backend.Selects-before)
		}
	})

	t.Run("Other Tables Ignored", func(t *testing.T) {
		f := newFixture()
		_, listener, _ := f.as(t, "alice")
		listener.Start(ctx)
		defer listener.Stop()

		f.backend.Emit(models.ChangeEvent{Kind: models.EventInsert, Table: "notes"})
		if listener.Events() != 0 {
			t.Errorf("expected no events, got %d", listener.Events())
		}
	})

	t.Run("Restart Keeps One Subscription", func(t *testing.T) {
		f := newFixture()
		_, listener, _ := f.as(t, "alice")
		listener.Start(ctx)
		listener.Start(ctx)
		if n := f.backend.Subscribers(); n != 1 {
			t.Errorf("expected 1 subscriber, got %d", n)
		}
		if !listener.Running() {
			t.Error("expected listener to be running")
		}

		if err := listener.Stop(); err != nil {
			t.Fatalf("Stop() error = %v", err)
		}
		if n := f.backend.Subscribers(); n != 0 {
			t.Errorf("expected subscription released, got %d", n)
		}
		if err := listener.Stop(); err != nil {
			t.Errorf("expected second Stop to be a no-op, got %v", err)
		}
	})
}
