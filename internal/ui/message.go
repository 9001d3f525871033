package ui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/marks/internal/models"
)

// MsgKind enumerates all message types in the application.
type MsgKind int

// Msg represents all possible messages in the TUI (Elm-style message union).
type Msg struct {
	kind MsgKind
	data any
}

var (
	_ tea.Msg = Msg{}
)

const (
	MsgSessionChanged MsgKind = iota
	MsgBookmarksChanged
	MsgSignedIn
	MsgSignedOut
	MsgAdded
	MsgRemoved
	MsgRefreshed
	MsgOpened
)

// sessionChangedMsg is the constructor for [MsgSessionChanged]
func sessionChangedMsg(sess *models.Session) Msg {
	return Msg{kind: MsgSessionChanged, data: sess}
}

// bookmarksChangedMsg is the constructor for [MsgBookmarksChanged]
func bookmarksChangedMsg(bookmarks []models.Bookmark) Msg {
	return Msg{kind: MsgBookmarksChanged, data: bookmarks}
}

// doneMsg is the constructor for the result of a user action. data carries the error, if any.
func doneMsg(kind MsgKind, err error) Msg {
	return Msg{kind: kind, data: err}
}

func (m Msg) err() error {
	err, _ := m.data.(error)
	return err
}

// inbox queues notifications from other goroutines without ever blocking the sender.
type inbox struct {
	mu    sync.Mutex
	queue []Msg
	wake  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newInbox() *inbox {
	return &inbox{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

func (b *inbox) push(msg Msg) {
	b.mu.Lock()
	b.queue = append(b.queue, msg)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *inbox) pop() (Msg, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Msg{}, false
	}
	msg := b.queue[0]
	b.queue = b.queue[1:]
	return msg, true
}

// wait returns a command that delivers the next queued message.
func (b *inbox) wait() tea.Cmd {
	return func() tea.Msg {
		for {
			if msg, ok := b.pop(); ok {
				return msg
			}
			select {
			case <-b.wake:
			case <-b.done:
				return nil
			}
		}
	}
}

func (b *inbox) close() {
	b.once.Do(func() { close(b.done) })
}
