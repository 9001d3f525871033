package ui

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	"github.com/desertthunder/marks/internal/models"
)

var _ list.Item = bookmarkItem{}

// bookmarkItem wraps [models.Bookmark] to implement [list.Item].
type bookmarkItem struct {
	bookmark models.Bookmark
}

func (i bookmarkItem) FilterValue() string { return i.bookmark.Title }
func (i bookmarkItem) Title() string       { return i.bookmark.Title }
func (i bookmarkItem) Description() string {
	if i.bookmark.CreatedAt.IsZero() {
		return i.bookmark.URL
	}
	return fmt.Sprintf("%s • %s", i.bookmark.URL, i.bookmark.CreatedAt.Local().Format("Jan 2 2006 15:04"))
}

func toItems(bookmarks []models.Bookmark) []list.Item {
	items := make([]list.Item, len(bookmarks))
	for i, b := range bookmarks {
		items[i] = bookmarkItem{bookmark: b}
	}
	return items
}

func newList(width, height int) list.Model {
	l := list.New(nil, list.NewDefaultDelegate(), width, height)
	l.Title = "Bookmarks"
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.SetStatusBarItemName("bookmark", "bookmarks")
	l.KeyMap.Quit.SetEnabled(false)
	l.KeyMap.ForceQuit.SetEnabled(false)
	l.Styles.Title = l.Styles.Title.Background(styles.focused.GetForeground())
	return l
}
