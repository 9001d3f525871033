package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	tu "github.com/desertthunder/marks/internal/testing"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestBookmarkCommands(t *testing.T) {
	t.Run("Signed Out", func(t *testing.T) {
		f := newFixture(t, "")
		for _, args := range [][]string{
			{"list"},
			{"add", "Example", "https://example.com"},
			{"export"},
			{"watch"},
		} {
			if err := f.run(args...); !errors.Is(err, shared.ErrNotAuthenticated) {
				t.Errorf("%v: expected ErrNotAuthenticated, got %v", args, err)
			}
		}
	})

	t.Run("Add Then List", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("add", "Example", "https://example.com"); err != nil {
			t.Fatalf("add: expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✓ Added Example") {
			t.Errorf("expected confirmation, got %q", f.output.String())
		}

		f.output.Reset()
		if err := f.run("list"); err != nil {
			t.Fatalf("list: expected no error, got %v", err)
		}
		out := f.output.String()
		if !strings.Contains(out, "Example") || !strings.Contains(out, "https://example.com") {
			t.Errorf("expected bookmark in list, got %q", out)
		}
		if !strings.Contains(out, "1 bookmark(s)") {
			t.Errorf("expected count, got %q", out)
		}
	})

	t.Run("List JSON Newest First", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "First", "https://one.test")
		f.backend.seed(t, "alice", "Second", "https://two.test")
		f.backend.seed(t, "bob", "Other", "https://bob.test")

		if err := f.run("list", "--json"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		var items []models.Bookmark
		if err := json.Unmarshal([]byte(f.output.String()), &items); err != nil {
			t.Fatalf("expected JSON output, got %v", err)
		}
		if len(items) != 2 {
			t.Fatalf("expected 2 bookmarks, got %d", len(items))
		}
		if items[0].Title != "Second" || items[1].Title != "First" {
			t.Errorf("expected newest first, got %s, %s", items[0].Title, items[1].Title)
		}
	})

	t.Run("List Empty", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("list"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "No bookmarks yet") {
			t.Errorf("expected empty message, got %q", f.output.String())
		}

		f.output.Reset()
		if err := f.run("list", "--json"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if strings.TrimSpace(f.output.String()) != "[]" {
			t.Errorf("expected empty array, got %q", f.output.String())
		}
	})

	t.Run("List Format", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "Example", "https://example.com")

		if err := f.run("list", "--format", "csv"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.HasPrefix(f.output.String(), "ID,Title,URL,Created") {
			t.Errorf("expected CSV header, got %q", f.output.String())
		}

		if err := f.run("list", "--format", "xml"); !errors.Is(err, shared.ErrUnsupportedFormat) {
			t.Errorf("expected ErrUnsupportedFormat, got %v", err)
		}
	})

	t.Run("Add Validation", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("add", "Example"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
		if err := f.run("add", "  ", "https://example.com"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
		if f.backend.table.Inserts != 0 {
			t.Errorf("expected no inserts, got %d", f.backend.table.Inserts)
		}
	})

	t.Run("Add Backend Failure", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.table.InsertErr = shared.ErrPermissionDenied

		if err := f.run("add", "Example", "https://example.com"); !errors.Is(err, shared.ErrPermissionDenied) {
			t.Errorf("expected ErrPermissionDenied, got %v", err)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "Example", "https://example.com")
		id, _ := f.backend.table.Rows()[0]["id"].(string)

		if err := f.run("delete", id); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✓ Deleted Example") {
			t.Errorf("expected confirmation with title, got %q", f.output.String())
		}
		if rows := f.backend.table.Rows(); len(rows) != 0 {
			t.Errorf("expected row deleted, got %v", rows)
		}
	})

	t.Run("Delete Any Id", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("delete", "42"); err != nil {
			t.Errorf("expected unknown id to be passed through, got %v", err)
		}
		if err := f.run("delete"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("Watch", func(t *testing.T) {
		f := newFixture(t, "alice")
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		errs := make(chan error, 1)
		go func() {
			errs <- f.runner.command().Run(ctx, []string{"marks", "watch"})
		}()

		waitFor(t, "initial list", func() bool { return strings.Contains(f.output.String(), "No bookmarks yet") })
		waitFor(t, "subscription", func() bool { return f.backend.table.Subscribers() == 1 })

		f.backend.seed(t, "alice", "Live", "https://live.test")
		waitFor(t, "change", func() bool { return strings.Contains(f.output.String(), "https://live.test") })

		cancel()
		select {
		case err := <-errs:
			if err != nil {
				t.Errorf("expected clean exit, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("watch did not stop")
		}
	})
}

func TestFileCommands(t *testing.T) {
	t.Run("Export To Stdout", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "Example", "https://example.com")

		if err := f.run("export", "--format", "markdown"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "[Example](https://example.com)") {
			t.Errorf("expected markdown link, got %q", f.output.String())
		}
	})

	t.Run("Export To File Detects Format", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "Example", "https://example.com")
		path := filepath.Join(f.dir, "out", "marks.yaml")

		if err := f.run("export", "-o", path); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		tu.AssertFileExists(t, path)
		if content := tu.MustReadFile(t, path); !strings.Contains(content, "title: Example") {
			t.Errorf("expected YAML export, got %q", content)
		}
		if !strings.Contains(f.output.String(), "✓ Exported 1 bookmark(s)") {
			t.Errorf("expected confirmation, got %q", f.output.String())
		}
	})

	t.Run("Import Skips Saved", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.backend.seed(t, "alice", "Example", "https://example.com")
		path := filepath.Join(f.dir, "import.json")
		tu.MustWriteFile(t, path, `[
			{"title": "Example", "url": "https://example.com/"},
			{"title": "Go", "url": "https://go.dev"},
			{"title": "", "url": "https://untitled.test"}
		]`)

		if err := f.run("import", "--rate", "100", path); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}

		out := f.output.String()
		if !strings.Contains(out, "Imported 1, skipped 1, failed 1") {
			t.Errorf("expected summary, got %q", out)
		}
		if !strings.Contains(out, "✗ https://untitled.test") {
			t.Errorf("expected failed entry listed, got %q", out)
		}
		if rows := f.backend.table.Rows(); len(rows) != 2 {
			t.Errorf("expected 2 rows, got %d", len(rows))
		}

		f.output.Reset()
		if err := f.run("import", "history", "--json"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		var jobs []models.ImportJob
		if err := json.Unmarshal([]byte(f.output.String()), &jobs); err != nil {
			t.Fatalf("expected JSON history, got %v", err)
		}
		if len(jobs) != 1 || jobs[0].Status != models.ImportCompleted || jobs[0].Imported != 1 {
			t.Errorf("expected one completed job, got %+v", jobs)
		}
	})

	t.Run("Import Dry Run", func(t *testing.T) {
		f := newFixture(t, "alice")
		path := filepath.Join(f.dir, "import.csv")
		tu.MustWriteFile(t, path, "title,url\nGo,https://go.dev\n")

		if err := f.run("import", "--dry-run", path); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "Dry run: 1 to add, 0 already saved") {
			t.Errorf("expected dry run summary, got %q", f.output.String())
		}
		if f.backend.table.Inserts != 0 {
			t.Errorf("expected no inserts, got %d", f.backend.table.Inserts)
		}

		f.output.Reset()
		if err := f.run("import", "history"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "No imports yet") {
			t.Errorf("expected dry runs unrecorded, got %q", f.output.String())
		}
	})

	t.Run("Import Errors", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("import"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
		if err := f.run("import", filepath.Join(f.dir, "missing.json")); err == nil {
			t.Error("expected error for missing file")
		}
		if err := f.run("import", "-"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected format required for stdin, got %v", err)
		}
	})
}

func TestAuthCommands(t *testing.T) {
	t.Run("Status Signed Out", func(t *testing.T) {
		f := newFixture(t, "")

		if err := f.run("auth", "status"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✗ Not signed in") {
			t.Errorf("expected signed out status, got %q", f.output.String())
		}
	})

	t.Run("Status Signed In", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("auth", "status", "--json"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		var status authStatus
		if err := json.Unmarshal([]byte(f.output.String()), &status); err != nil {
			t.Fatalf("expected JSON status, got %v", err)
		}
		if !status.Authenticated || status.User == nil || status.User.ID != "alice" {
			t.Errorf("expected alice, got %+v", status)
		}
	})

	t.Run("Logout", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("auth", "logout"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✓ Signed out") {
			t.Errorf("expected confirmation, got %q", f.output.String())
		}
		if sess, _ := f.sessions.Load(); sess != nil {
			t.Errorf("expected persisted session cleared, got %+v", sess)
		}
	})

	t.Run("Logout Signed Out", func(t *testing.T) {
		f := newFixture(t, "")

		if err := f.run("auth", "logout"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "Not signed in") {
			t.Errorf("expected notice, got %q", f.output.String())
		}
	})

	t.Run("Login", func(t *testing.T) {
		f := newFixture(t, "")

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("failed to reserve port: %v", err)
		}
		f.runner.config.Server.Port = ln.Addr().(*net.TCPAddr).Port
		ln.Close()

		f.runner.open = func(authURL string) error {
			callback, _, _ := f.backend.auth.Approve(authURL, "alice")
			go func() {
				if resp, err := http.Get(callback); err == nil {
					resp.Body.Close()
				}
			}()
			return nil
		}

		if err := f.run("auth", "login", "--timeout", "5s"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✓ Signed in as alice@example.com") {
			t.Errorf("expected confirmation, got %q", f.output.String())
		}
		if sess, _ := f.sessions.Load(); sess == nil || sess.User.ID != "alice" {
			t.Errorf("expected session persisted, got %+v", sess)
		}
	})

	t.Run("Login Already Signed In", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.runner.open = func(string) error {
			t.Error("expected no browser")
			return nil
		}

		if err := f.run("auth", "login"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "Already signed in") {
			t.Errorf("expected notice, got %q", f.output.String())
		}
	})
}

func TestSetupCommands(t *testing.T) {
	t.Run("Config", func(t *testing.T) {
		f := newFixture(t, "")

		if err := f.run("--url", "https://abc.supabase.co", "setup", "config"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		config, err := shared.LoadConfig(f.runner.configPath)
		if err != nil {
			t.Fatalf("expected config to load, got %v", err)
		}
		if config.Backend.URL != "https://abc.supabase.co" {
			t.Errorf("expected url override saved, got %s", config.Backend.URL)
		}

		if err := f.run("setup", "config"); err == nil {
			t.Error("expected error when config exists")
		}
		if err := f.run("setup", "config", "--force"); err != nil {
			t.Errorf("expected --force to overwrite, got %v", err)
		}
	})

	t.Run("Database", func(t *testing.T) {
		f := newFixture(t, "")
		f.runner.config.Database.Path = filepath.Join(f.dir, "local", "marks.db")

		if err := f.run("setup", "database"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		tu.AssertFileExists(t, f.runner.config.Database.Path)

		f.output.Reset()
		if err := f.run("setup", "database", "--status"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if !strings.Contains(f.output.String(), "✓ 0001 create_sessions") {
			t.Errorf("expected applied migration, got %q", f.output.String())
		}

		if err := f.run("setup", "database", "--rollback"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		f.output.Reset()
		f.run("setup", "database", "--status")
		if !strings.Contains(f.output.String(), "✗ 0003 create_imports") {
			t.Errorf("expected last migration rolled back, got %q", f.output.String())
		}
	})

	t.Run("Schema", func(t *testing.T) {
		f := newFixture(t, "")

		if err := f.run("setup", "schema"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		out := f.output.String()
		if !strings.Contains(out, `CREATE TABLE IF NOT EXISTS "public"."bookmarks"`) {
			t.Errorf("expected table statement, got %q", out)
		}
		if strings.Contains(out, "{{") {
			t.Errorf("expected placeholders substituted, got %q", out)
		}
	})

	t.Run("Schema Apply Needs DSN", func(t *testing.T) {
		f := newFixture(t, "")

		if err := f.run("setup", "schema", "--apply"); !errors.Is(err, shared.ErrMissingConfig) {
			t.Errorf("expected ErrMissingConfig, got %v", err)
		}
	})
}

func TestAPICommand(t *testing.T) {
	t.Run("Backend Without HTTP API", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("api", "get", "/rest/v1/bookmarks"); !errors.Is(err, shared.ErrServiceUnavailable) {
			t.Errorf("expected ErrServiceUnavailable, got %v", err)
		}
	})

	t.Run("Missing Path", func(t *testing.T) {
		f := newFixture(t, "alice")

		if err := f.run("api", "get"); !errors.Is(err, shared.ErrMissingArgument) {
			t.Errorf("expected ErrMissingArgument, got %v", err)
		}
	})

	t.Run("Closes Backend Once", func(t *testing.T) {
		f := newFixture(t, "alice")
		f.run("list")
		f.runner.Close()
		f.runner.Close()

		if f.backend.closed != 1 {
			t.Errorf("expected backend closed once, got %d", f.backend.closed)
		}
	})
}
