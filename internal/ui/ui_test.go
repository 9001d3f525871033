package ui

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/state"
)

type fakeSessions struct {
	mu         sync.Mutex
	sess       *models.Session
	listeners  map[int]session.Listener
	next       int
	signOutErr error
}

func newFakeSessions(sess *models.Session) *fakeSessions {
	return &fakeSessions{sess: sess, listeners: make(map[int]session.Listener)}
}

func (f *fakeSessions) Current() *models.Session { return f.sess }
func (f *fakeSessions) Provider() string         { return "google" }

func (f *fakeSessions) OnChange(fn session.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeSessions) set(evt session.Event, sess *models.Session) {
	f.mu.Lock()
	f.sess = sess
	fns := make([]session.Listener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(evt, sess)
	}
}

func (f *fakeSessions) SignOut(context.Context) error {
	f.set(session.EventSignedOut, nil)
	return f.signOutErr
}

type fakeStore struct {
	items      []models.Bookmark
	listeners  map[int]func([]models.Bookmark)
	next       int
	added      [][2]string
	removed    []string
	refreshes  int
	addErr     error
	refreshErr error
}

func newFakeStore(items ...models.Bookmark) *fakeStore {
	return &fakeStore{items: items, listeners: make(map[int]func([]models.Bookmark))}
}

func (f *fakeStore) Bookmarks() []models.Bookmark { return f.items }

func (f *fakeStore) OnChange(fn func([]models.Bookmark)) func() {
	id := f.next
	f.next++
	f.listeners[id] = fn
	return func() { delete(f.listeners, id) }
}

func (f *fakeStore) notify(items []models.Bookmark) {
	f.items = items
	for _, fn := range f.listeners {
		fn(items)
	}
}

func (f *fakeStore) Refresh(context.Context) error {
	f.refreshes++
	f.notify(f.items)
	return f.refreshErr
}

func (f *fakeStore) Add(_ context.Context, title, url string) error {
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, [2]string{title, url})
	return nil
}

func (f *fakeStore) Remove(_ context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

var (
	alice   = &models.Session{AccessToken: "at", User: models.User{ID: "alice", Email: "alice@example.com"}}
	samples = []models.Bookmark{
		{ID: "b2", Title: "Go", URL: "https://go.dev", UserID: "alice"},
		{ID: "b1", Title: "Example", URL: "https://example.com", UserID: "alice"},
	}
)

func keyRunes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

var (
	keyEnter = tea.KeyMsg{Type: tea.KeyEnter}
	keyTab   = tea.KeyMsg{Type: tea.KeyTab}
	keyEsc   = tea.KeyMsg{Type: tea.KeyEsc}
	keyCtrlX = tea.KeyMsg{Type: tea.KeyCtrlX}
)

// press feeds keys to the model and returns the command from the last one.
func press(m *Model, keys ...tea.KeyMsg) tea.Cmd {
	var cmd tea.Cmd
	for _, k := range keys {
		_, cmd = m.Update(k)
	}
	return cmd
}

// typeText enters s one rune at a time into the focused input.
func typeText(m *Model, s string) {
	for _, r := range s {
		press(m, keyRunes(string(r)))
	}
}

// run executes an action command and feeds its result back.
func run(t *testing.T, m *Model, cmd tea.Cmd) {
	t.Helper()
	if cmd == nil {
		t.Fatal("expected a command")
	}
	m.Update(cmd())
}

// deliver feeds every queued notification to the model.
func deliver(m *Model) {
	for {
		msg, ok := m.inbox.pop()
		if !ok {
			return
		}
		m.Update(msg)
	}
}

func newModel(sessions *fakeSessions, store *fakeStore, signIn SignInFunc) *Model {
	if signIn == nil {
		signIn = func(context.Context) error { return nil }
	}
	m := NewModel(context.Background(), sessions, store, signIn, func(string) error { return nil })
	m.subscribe()
	return m
}

func TestSignInScreen(t *testing.T) {
	t.Run("Renders Sign In Control", func(t *testing.T) {
		m := newModel(newFakeSessions(nil), newFakeStore(), nil)
		if m.State().Screen() != state.Unauthenticated {
			t.Fatalf("expected unauthenticated, got %s", m.State().Screen())
		}
		if view := m.View(); !strings.Contains(view, "Sign in") || strings.Contains(view, "Title ›") {
			t.Errorf("expected only the sign-in control, got %q", view)
		}
	})

	t.Run("Enter Starts One Sign In", func(t *testing.T) {
		calls := 0
		m := newModel(newFakeSessions(nil), newFakeStore(), func(context.Context) error {
			calls++
			return nil
		})

		cmd := press(m, keyEnter)
		if press(m, keyEnter) != nil {
			t.Error("expected no second sign-in while one is running")
		}
		if !strings.Contains(m.View(), "Waiting") {
			t.Errorf("expected waiting indicator, got %q", m.View())
		}
		run(t, m, cmd)
		if calls != 1 {
			t.Errorf("expected 1 sign-in, got %d", calls)
		}
	})

	t.Run("Failure Is Shown", func(t *testing.T) {
		m := newModel(newFakeSessions(nil), newFakeStore(), func(context.Context) error {
			return shared.ErrTimeout
		})
		run(t, m, press(m, keyEnter))
		if !errors.Is(m.State().Err, shared.ErrTimeout) {
			t.Errorf("expected timeout error, got %v", m.State().Err)
		}
		if !strings.Contains(m.View(), shared.ErrTimeout.Error()) {
			t.Error("expected error in status line")
		}

		press(m, keyEsc)
		if m.State().Err != nil {
			t.Error("expected esc to dismiss the error")
		}
	})

	t.Run("Session Change Switches Screen", func(t *testing.T) {
		sessions := newFakeSessions(nil)
		store := newFakeStore()
		m := newModel(sessions, store, nil)

		sessions.set(session.EventSignedIn, alice)
		store.notify(samples)
		deliver(m)

		s := m.State()
		if s.Screen() != state.Authenticated || len(s.Bookmarks) != 2 || s.Loading {
			t.Errorf("unexpected state %+v", s)
		}
		if view := m.View(); !strings.Contains(view, "alice@example.com") || !strings.Contains(view, "Go") {
			t.Errorf("expected list for alice, got %q", view)
		}
	})

	t.Run("Late List Before Session Is Ignored", func(t *testing.T) {
		sessions := newFakeSessions(nil)
		store := newFakeStore()
		m := newModel(sessions, store, nil)

		store.notify(samples)
		deliver(m)
		if len(m.State().Bookmarks) != 0 {
			t.Errorf("expected no list while signed out, got %+v", m.State().Bookmarks)
		}
	})
}

func TestBookmarksScreen(t *testing.T) {
	t.Run("Add", func(t *testing.T) {
		store := newFakeStore(samples...)
		m := newModel(newFakeSessions(alice), store, nil)

		typeText(m, "Docs")
		press(m, keyTab)
		typeText(m, "https://pkg.go.dev")
		run(t, m, press(m, keyEnter))

		if len(store.added) != 1 || store.added[0] != [2]string{"Docs", "https://pkg.go.dev"} {
			t.Fatalf("unexpected inserts %v", store.added)
		}
		if m.State().Title != "" || m.title.Value() != "" || m.url.Value() != "" {
			t.Error("expected form cleared after add")
		}
		if m.focus != focusTitle {
			t.Errorf("expected focus back on title, got %d", m.focus)
		}
	})

	t.Run("Enter With Incomplete Form Moves Focus", func(t *testing.T) {
		store := newFakeStore()
		m := newModel(newFakeSessions(alice), store, nil)

		typeText(m, "Docs")
		if cmd := press(m, keyEnter); cmd != nil {
			cmd()
		}
		if m.focus != focusURL {
			t.Errorf("expected focus on url, got %d", m.focus)
		}
		if len(store.added) != 0 {
			t.Error("expected no insert with an empty url")
		}
	})

	t.Run("Add Failure Keeps Form", func(t *testing.T) {
		store := newFakeStore()
		store.addErr = shared.ErrPermissionDenied
		m := newModel(newFakeSessions(alice), store, nil)

		typeText(m, "Docs")
		press(m, keyTab)
		typeText(m, "https://pkg.go.dev")
		run(t, m, press(m, keyEnter))

		if !errors.Is(m.State().Err, shared.ErrPermissionDenied) {
			t.Errorf("expected permission error, got %v", m.State().Err)
		}
		if m.State().Title != "Docs" || m.title.Value() != "Docs" {
			t.Error("expected form kept after failure")
		}
	})

	t.Run("Q Types Into Inputs", func(t *testing.T) {
		m := newModel(newFakeSessions(alice), newFakeStore(), nil)
		typeText(m, "q")
		if m.title.Value() != "q" || m.State().Title != "q" {
			t.Errorf("expected q typed into title, got %q", m.title.Value())
		}
	})

	t.Run("List Keys", func(t *testing.T) {
		store := newFakeStore(samples...)
		var opened []string
		m := NewModel(context.Background(), newFakeSessions(alice), store, nil, func(u string) error {
			opened = append(opened, u)
			return nil
		})
		m.subscribe()

		press(m, keyTab, keyTab)
		if m.focus != focusList {
			t.Fatalf("expected list focus, got %d", m.focus)
		}

		run(t, m, press(m, keyRunes("d")))
		if len(store.removed) != 1 || store.removed[0] != "b2" {
			t.Errorf("expected newest bookmark removed, got %v", store.removed)
		}

		run(t, m, press(m, keyRunes("o")))
		if len(opened) != 1 || opened[0] != "https://go.dev" {
			t.Errorf("expected selected url opened, got %v", opened)
		}

		cmd := press(m, keyRunes("r"))
		if !m.State().Loading {
			t.Error("expected loading while refreshing")
		}
		run(t, m, cmd)
		deliver(m)
		if store.refreshes != 1 || m.State().Loading {
			t.Errorf("expected one refresh that finished, got %d", store.refreshes)
		}
	})

	t.Run("Open Failure Is Shown", func(t *testing.T) {
		store := newFakeStore(samples...)
		m := NewModel(context.Background(), newFakeSessions(alice), store, nil, func(string) error {
			return errors.New("no browser")
		})
		press(m, keyTab, keyTab)
		run(t, m, press(m, keyRunes("o")))
		if m.State().Err == nil {
			t.Error("expected open failure to be shown")
		}
	})

	t.Run("Sign Out", func(t *testing.T) {
		sessions := newFakeSessions(alice)
		store := newFakeStore(samples...)
		m := newModel(sessions, store, nil)
		typeText(m, "draft")

		run(t, m, press(m, keyCtrlX))
		store.notify(nil)
		deliver(m)

		s := m.State()
		if s.Screen() != state.Unauthenticated || s.Bookmarks != nil || s.Title != "" {
			t.Errorf("expected signed out with nothing left, got %+v", s)
		}
		if m.title.Value() != "" || len(m.list.Items()) != 0 {
			t.Error("expected inputs and list cleared")
		}
	})

	t.Run("Sign Out Remote Failure Still Signs Out", func(t *testing.T) {
		sessions := newFakeSessions(alice)
		sessions.signOutErr = shared.ErrServiceUnavailable
		m := newModel(sessions, newFakeStore(), nil)

		result := press(m, keyCtrlX)()
		deliver(m)
		m.Update(result)

		if m.State().Screen() != state.Unauthenticated {
			t.Error("expected unauthenticated")
		}
		if !errors.Is(m.State().Err, shared.ErrServiceUnavailable) {
			t.Errorf("expected remote failure shown, got %v", m.State().Err)
		}
	})
}

func TestModelClose(t *testing.T) {
	t.Run("Unsubscribes And Stops Waiting", func(t *testing.T) {
		sessions := newFakeSessions(nil)
		store := newFakeStore()
		m := newModel(sessions, store, nil)

		m.Close()
		m.Close()

		if len(sessions.listeners) != 0 || len(store.listeners) != 0 {
			t.Errorf("expected listeners removed, got %d and %d", len(sessions.listeners), len(store.listeners))
		}
		if msg := m.inbox.wait()(); msg != nil {
			t.Errorf("expected nil after close, got %v", msg)
		}
	})
}
