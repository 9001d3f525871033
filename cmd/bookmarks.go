package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/desertthunder/marks/internal/formatter"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/urfave/cli/v3"
)

// List refreshes and prints the signed-in user's bookmarks.
func (r *Runner) List(ctx context.Context, cmd *cli.Command) error {
	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}

	if err := a.Store.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load bookmarks: %w", err)
	}
	items := a.Store.Bookmarks()

	if cmd.Bool("json") || cmd.Bool("pretty") {
		if items == nil {
			items = []models.Bookmark{}
		}
		return r.writeJSON(items, cmd.Bool("pretty"))
	}

	if format := cmd.String("format"); format != "" {
		data, err := formatter.Export(items, format)
		if err != nil {
			return err
		}
		_, err = r.output.Write(data)
		return err
	}

	r.printBookmarks(items)
	return nil
}

func (r *Runner) printBookmarks(items []models.Bookmark) {
	if len(items) == 0 {
		r.writePlain("No bookmarks yet. Add one with 'marks add <title> <url>'\n")
		return
	}

	for _, b := range items {
		r.writePlain("%s  %s\n", b.CreatedAt.Local().Format("2006-01-02 15:04"), b.Title)
		r.writePlain("    %s\n", b.URL)
		r.writePlain("    %s\n", b.ID)
	}
	r.writePlainln("%d bookmark(s)", len(items))
}

// Add saves a bookmark.
func (r *Runner) Add(ctx context.Context, cmd *cli.Command) error {
	title := cmd.StringArg("title")
	url := cmd.StringArg("url")
	if title == "" || url == "" {
		return fmt.Errorf("%w: usage: marks add <title> <url>", shared.ErrMissingArgument)
	}

	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}

	if err := a.Store.Add(ctx, title, url); err != nil {
		return err
	}
	return r.writePlain("✓ Added %s\n", title)
}

// Delete removes a bookmark by id.
func (r *Runner) Delete(ctx context.Context, cmd *cli.Command) error {
	id := strings.TrimSpace(cmd.StringArg("id"))
	if id == "" {
		return fmt.Errorf("%w: usage: marks delete <id>", shared.ErrMissingArgument)
	}

	a, err := r.startSignedIn(ctx, false)
	if err != nil {
		return err
	}

	label := id
	if b, ok := a.Store.Find(id); ok {
		label = b.Title
	}

	if err := a.Store.Remove(ctx, id); err != nil {
		return err
	}
	return r.writePlain("✓ Deleted %s\n", label)
}

// Watch prints the list now and again on every change until interrupted.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	a, err := r.startSignedIn(ctx, true)
	if err != nil {
		return err
	}
	if !a.Listener.Running() {
		return fmt.Errorf("%w: change notifications are unavailable", shared.ErrSubscription)
	}

	var mu sync.Mutex
	show := func(items []models.Bookmark) {
		mu.Lock()
		defer mu.Unlock()
		r.writePlainHeader(fmt.Sprintf("%s · %d bookmark(s)", time.Now().Format("15:04:05"), len(items)))
		r.printBookmarks(items)
	}

	unsubscribe := a.Store.OnChange(show)
	defer unsubscribe()
	show(a.Store.Bookmarks())

	r.logger.Info("watching for changes", "table", a.Store.Table())
	<-ctx.Done()
	return nil
}
