package app

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
	tu "github.com/desertthunder/marks/internal/testing"
	"golang.org/x/oauth2"
)

type fakeBackend struct {
	auth       *tu.FakeAuth
	table      *tu.FakeBackend
	connectErr error
	closed     int
}

func newFakeBackend() *fakeBackend {
	auth := tu.NewFakeAuth()
	return &fakeBackend{auth: auth, table: tu.NewFakeBackend(auth)}
}

func (f *fakeBackend) Auth() services.AuthService { return f.auth }

func (f *fakeBackend) Connect(_ context.Context, ts oauth2.TokenSource) (services.TableService, services.RealtimeService, error) {
	if f.connectErr != nil {
		return nil, nil, f.connectErr
	}
	c := f.table.Client(ts)
	return c, c, nil
}

func (f *fakeBackend) Close() error {
	f.closed++
	return nil
}

// seed inserts a bookmark owned by userID through a separate client.
func (f *fakeBackend) seed(t *testing.T, userID, title, url string) {
	t.Helper()
	sess := f.auth.SessionFor(userID)
	c := f.table.Client(oauth2.StaticTokenSource(&oauth2.Token{AccessToken: sess.AccessToken}))
	row := map[string]string{"title": title, "url": url, "user_id": userID}
	if err := c.Insert(context.Background(), "bookmarks", row); err != nil {
		t.Fatalf("seed insert error = %v", err)
	}
}

func newApp(t *testing.T, b *fakeBackend, sessions *tu.MemorySessions, live bool) *App {
	t.Helper()
	opts := Options{
		Config:  shared.DefaultConfig(),
		Logger:  log.New(&bytes.Buffer{}),
		Backend: b,
		Live:    live,
	}
	if sessions != nil {
		opts.Sessions = sessions
	}
	a, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func signIn(t *testing.T, a *App, b *fakeBackend, userID string) {
	t.Helper()
	var authURL string
	if _, err := a.Session.SignIn(context.Background(), "http://127.0.0.1:3000/callback", func(u string) error {
		authURL = u
		return nil
	}); err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	_, state, code := b.auth.Approve(authURL, userID)
	if _, err := a.Session.CompleteSignIn(context.Background(), state, code); err != nil {
		t.Fatalf("CompleteSignIn() error = %v", err)
	}
	a.Settle()
}

func TestAppStart(t *testing.T) {
	ctx := context.Background()

	t.Run("Signed Out", func(t *testing.T) {
		b := newFakeBackend()
		b.seed(t, "alice", "Example", "https://example.com")
		a := newApp(t, b, &tu.MemorySessions{}, true)

		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := a.Store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected empty list, got %+v", got)
		}
		if a.Listener.Running() {
			t.Error("expected listener stopped while signed out")
		}
	})

	t.Run("Restores Persisted Session", func(t *testing.T) {
		b := newFakeBackend()
		b.seed(t, "alice", "Example", "https://example.com")
		sessions := &tu.MemorySessions{}
		sessions.Save(b.auth.SessionFor("alice"))

		a := newApp(t, b, sessions, true)
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if got := a.Store.Bookmarks(); len(got) != 1 || got[0].Title != "Example" {
			t.Errorf("expected restored list, got %+v", got)
		}
		if !a.Listener.Running() || b.table.Subscribers() != 1 {
			t.Errorf("expected one live subscription, got %d", b.table.Subscribers())
		}
	})

	t.Run("Start Is Idempotent", func(t *testing.T) {
		b := newFakeBackend()
		a := newApp(t, b, nil, true)
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		if err := a.Start(ctx); err != nil {
			t.Fatalf("second Start() error = %v", err)
		}
	})

	t.Run("Connect Failure", func(t *testing.T) {
		b := newFakeBackend()
		b.connectErr = shared.ErrServiceUnavailable
		_, err := New(ctx, Options{Backend: b, Logger: log.New(&bytes.Buffer{})})
		if !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	})
}

func TestAppSessionChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("Sign In Loads And Listens", func(t *testing.T) {
		b := newFakeBackend()
		b.seed(t, "alice", "Example", "https://example.com")
		b.seed(t, "bob", "Other", "https://other.test")
		a := newApp(t, b, nil, true)
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start() error = %v", err)
		}

		signIn(t, a, b, "alice")

		if got := a.Store.Bookmarks(); len(got) != 1 || got[0].UserID != "alice" {
			t.Errorf("expected alice's bookmark only, got %+v", got)
		}
		if !a.Listener.Running() {
			t.Error("expected listener running")
		}

		b.seed(t, "alice", "Second", "https://second.test")
		if got := a.Store.Bookmarks(); len(got) != 2 || got[0].Title != "Second" {
			t.Errorf("expected remote insert to be picked up, got %+v", got)
		}
	})

	t.Run("Sign Out Clears And Stops", func(t *testing.T) {
		b := newFakeBackend()
		b.seed(t, "alice", "Example", "https://example.com")
		a := newApp(t, b, nil, true)
		a.Start(ctx)
		signIn(t, a, b, "alice")

		if err := a.Session.SignOut(ctx); err != nil {
			t.Fatalf("SignOut() error = %v", err)
		}
		a.Settle()

		if got := a.Store.Bookmarks(); len(got) != 0 {
			t.Errorf("expected cleared list, got %+v", got)
		}
		if a.Listener.Running() || b.table.Subscribers() != 0 {
			t.Errorf("expected no subscriptions, got %d", b.table.Subscribers())
		}
	})

	t.Run("Token Refresh Keeps One Subscription", func(t *testing.T) {
		b := newFakeBackend()
		a := newApp(t, b, nil, true)
		a.Start(ctx)
		signIn(t, a, b, "alice")

		if _, err := a.Session.Refresh(ctx); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
		a.Settle()

		if !a.Listener.Running() || b.table.Subscribers() != 1 {
			t.Errorf("expected exactly one subscription, got %d", b.table.Subscribers())
		}
	})

	t.Run("Not Live", func(t *testing.T) {
		b := newFakeBackend()
		b.seed(t, "alice", "Example", "https://example.com")
		a := newApp(t, b, nil, false)
		a.Start(ctx)
		signIn(t, a, b, "alice")

		if got := a.Store.Bookmarks(); len(got) != 1 {
			t.Errorf("expected list loaded, got %+v", got)
		}
		if b.table.Subscribers() != 0 {
			t.Errorf("expected no subscription, got %d", b.table.Subscribers())
		}
	})
}

func TestAppClose(t *testing.T) {
	t.Run("Releases Backend Once", func(t *testing.T) {
		b := newFakeBackend()
		sessions := &tu.MemorySessions{}
		sessions.Save(b.auth.SessionFor("alice"))
		a := newApp(t, b, sessions, true)
		a.Start(context.Background())

		if err := a.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
		if err := a.Close(); err != nil {
			t.Fatalf("second Close() error = %v", err)
		}
		if b.closed != 1 {
			t.Errorf("expected backend closed once, got %d", b.closed)
		}
		if b.table.Subscribers() != 0 {
			t.Errorf("expected subscription released, got %d", b.table.Subscribers())
		}
	})

	t.Run("Without Start", func(t *testing.T) {
		b := newFakeBackend()
		a := newApp(t, b, nil, false)
		if err := a.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
}

func TestNewBackend(t *testing.T) {
	logger := log.New(&bytes.Buffer{})

	t.Run("Supabase Default", func(t *testing.T) {
		b, err := NewBackend(shared.DefaultConfig(), nil, logger)
		if err != nil {
			t.Fatalf("NewBackend() error = %v", err)
		}
		if _, ok := b.(*SupabaseBackend); !ok {
			t.Errorf("expected *SupabaseBackend, got %T", b)
		}
		if _, ok := b.(APIProvider); !ok {
			t.Error("expected backend to expose its API client")
		}
	})

	t.Run("Postgres", func(t *testing.T) {
		cfg := shared.DefaultConfig()
		cfg.Backend.Driver = "postgres"
		b, err := NewBackend(cfg, nil, logger)
		if err != nil {
			t.Fatalf("NewBackend() error = %v", err)
		}
		if _, ok := b.(*PostgresBackend); !ok {
			t.Errorf("expected *PostgresBackend, got %T", b)
		}
		if err := b.Close(); err != nil {
			t.Errorf("expected Close before Connect to succeed, got %v", err)
		}
	})

	t.Run("Unknown Driver", func(t *testing.T) {
		cfg := shared.DefaultConfig()
		cfg.Backend.Driver = "mysql"
		if _, err := NewBackend(cfg, nil, logger); !errors.Is(err, shared.ErrInvalidConfig) {
			t.Errorf("expected ErrInvalidConfig, got %v", err)
		}
	})
}
