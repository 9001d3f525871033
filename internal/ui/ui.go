package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/state"
)

// Sessions is the part of the session manager the TUI drives.
type Sessions interface {
	Current() *models.Session
	Provider() string
	OnChange(fn session.Listener) func()
	SignOut(ctx context.Context) error
}

// Bookmarks is the part of the bookmark store the TUI drives.
type Bookmarks interface {
	Bookmarks() []models.Bookmark
	OnChange(fn func([]models.Bookmark)) func()
	Refresh(ctx context.Context) error
	Add(ctx context.Context, title, url string) error
	Remove(ctx context.Context, id string) error
}

// SignInFunc runs the browser sign-in and returns once it has completed or failed.
type SignInFunc func(ctx context.Context) error

type focus int

const (
	focusTitle focus = iota
	focusURL
	focusList
)

// Model represents the TUI application state.
type Model struct {
	ctx      context.Context
	sessions Sessions
	store    Bookmarks
	signIn   SignInFunc
	open     shared.Opener

	state   state.State
	focus   focus
	title   textinput.Model
	url     textinput.Model
	list    list.Model
	help    help.Model
	keys    keyMap
	inbox   *inbox
	unsubs  []func()
	signing bool
}

// NewModel creates a TUI model over the given session manager and store.
func NewModel(ctx context.Context, sessions Sessions, store Bookmarks, signIn SignInFunc, open shared.Opener) *Model {
	if open == nil {
		open = shared.OpenBrowser
	}

	title := textinput.New()
	title.Prompt = "Title › "
	title.Placeholder = "Example"
	title.CharLimit = 512

	url := textinput.New()
	url.Prompt = "URL   › "
	url.Placeholder = "https://example.com"
	url.CharLimit = 2048

	s := state.Reduce(state.State{}, state.SessionChanged{Session: sessions.Current()})
	s = state.Reduce(s, state.BookmarksLoaded{Bookmarks: store.Bookmarks()})

	m := &Model{
		ctx:      ctx,
		sessions: sessions,
		store:    store,
		signIn:   signIn,
		open:     open,
		state:    s,
		title:    title,
		url:      url,
		list:     newList(80, 14),
		help:     help.New(),
		keys:     newKeyMap(),
		inbox:    newInbox(),
	}
	m.list.SetItems(toItems(s.Bookmarks))
	m.setFocus(focusTitle)
	return m
}

// State returns the current view state.
func (m *Model) State() state.State { return m.state }

// Init subscribes to session and store changes and starts waiting for them.
func (m *Model) Init() tea.Cmd {
	m.subscribe()
	return tea.Batch(m.inbox.wait(), textinput.Blink)
}

func (m *Model) subscribe() {
	m.unsubs = append(m.unsubs,
		m.sessions.OnChange(func(_ session.Event, sess *models.Session) {
			m.inbox.push(sessionChangedMsg(sess))
		}),
		m.store.OnChange(func(items []models.Bookmark) {
			m.inbox.push(bookmarksChangedMsg(items))
		}),
	)
}

// Close unsubscribes from change notifications. It is safe to call more than once.
func (m *Model) Close() {
	for _, unsub := range m.unsubs {
		unsub()
	}
	m.unsubs = nil
	m.inbox.close()
}

// Update handles incoming messages and updates the model state.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(msg.Width-4, max(msg.Height-12, 4))
		m.title.Width = max(msg.Width-12, 20)
		m.url.Width = max(msg.Width-12, 20)
		m.help.Width = msg.Width
		return m, nil
	case tea.KeyMsg:
		return m.handleKeys(msg)
	case Msg:
		return m.handleMsg(msg)
	}
	return m, nil
}

func (m *Model) dispatch(a state.Action) {
	m.state = state.Reduce(m.state, a)
}

func (m *Model) handleMsg(msg Msg) (tea.Model, tea.Cmd) {
	switch msg.kind {
	case MsgSessionChanged:
		sess, _ := msg.data.(*models.Session)
		wasSignedIn := m.state.Session != nil
		m.dispatch(state.SessionChanged{Session: sess})
		if sess == nil {
			m.title.Reset()
			m.url.Reset()
			m.list.SetItems(nil)
		} else if !wasSignedIn {
			m.signing = false
			m.setFocus(focusTitle)
		}
		return m, m.inbox.wait()
	case MsgBookmarksChanged:
		items, _ := msg.data.([]models.Bookmark)
		m.dispatch(state.BookmarksLoaded{Bookmarks: items})
		cmd := m.list.SetItems(toItems(m.state.Bookmarks))
		return m, tea.Batch(cmd, m.inbox.wait())
	case MsgSignedIn:
		m.signing = false
	case MsgAdded:
		if msg.err() == nil {
			m.dispatch(state.BookmarkAdded{})
			m.title.Reset()
			m.url.Reset()
			return m, m.setFocus(focusTitle)
		}
	}

	if err := msg.err(); err != nil {
		m.dispatch(state.Failed{Err: err})
	}
	return m, nil
}

func (m *Model) handleKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.force) {
		return m, m.quit()
	}
	if key.Matches(msg, m.keys.dismiss) {
		m.dispatch(state.ErrorCleared{})
		return m, nil
	}
	if m.state.Screen() == state.Unauthenticated {
		return m.handleSignInKeys(msg)
	}
	return m.handleBookmarkKeys(msg)
}

func (m *Model) handleSignInKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, m.quit()
	case key.Matches(msg, m.keys.signIn):
		if m.signing {
			return m, nil
		}
		m.signing = true
		m.dispatch(state.ErrorCleared{})
		return m, m.signInCmd()
	}
	return m, nil
}

func (m *Model) handleBookmarkKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.signOut):
		return m, m.signOutCmd()
	case key.Matches(msg, m.keys.next):
		return m, m.setFocus((m.focus + 1) % 3)
	}

	if m.focus == focusList {
		return m.handleListKeys(msg)
	}

	if key.Matches(msg, m.keys.submit) {
		if m.state.CanAdd() {
			return m, m.addCmd(m.state.Title, m.state.URL)
		}
		if m.focus == focusTitle {
			return m, m.setFocus(focusURL)
		}
		return m, nil
	}

	var cmd tea.Cmd
	if m.focus == focusTitle {
		m.title, cmd = m.title.Update(msg)
		m.dispatch(state.TitleChanged{Title: m.title.Value()})
	} else {
		m.url, cmd = m.url.Update(msg)
		m.dispatch(state.URLChanged{URL: m.url.Value()})
	}
	return m, cmd
}

func (m *Model) handleListKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.quit):
		return m, m.quit()
	case key.Matches(msg, m.keys.remove):
		if b, ok := m.selected(); ok {
			return m, m.removeCmd(b.ID)
		}
		return m, nil
	case key.Matches(msg, m.keys.open):
		if b, ok := m.selected(); ok {
			return m, m.openCmd(b.URL)
		}
		return m, nil
	case key.Matches(msg, m.keys.refresh):
		m.dispatch(state.RefreshStarted{})
		return m, m.refreshCmd()
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m *Model) setFocus(f focus) tea.Cmd {
	m.focus = f
	m.title.Blur()
	m.url.Blur()
	switch f {
	case focusTitle:
		return m.title.Focus()
	case focusURL:
		return m.url.Focus()
	}
	return nil
}

func (m *Model) selected() (models.Bookmark, bool) {
	item, ok := m.list.SelectedItem().(bookmarkItem)
	if !ok {
		return models.Bookmark{}, false
	}
	return item.bookmark, true
}

func (m *Model) quit() tea.Cmd {
	m.Close()
	return tea.Quit
}

func (m *Model) signInCmd() tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgSignedIn, m.signIn(m.ctx))
	}
}

func (m *Model) signOutCmd() tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgSignedOut, m.sessions.SignOut(m.ctx))
	}
}

func (m *Model) addCmd(title, url string) tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgAdded, m.store.Add(m.ctx, title, url))
	}
}

func (m *Model) removeCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgRemoved, m.store.Remove(m.ctx, id))
	}
}

func (m *Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgRefreshed, m.store.Refresh(m.ctx))
	}
}

func (m *Model) openCmd(url string) tea.Cmd {
	return func() tea.Msg {
		return doneMsg(MsgOpened, m.open(url))
	}
}

// View renders the screen for the current state.
func (m *Model) View() string {
	if m.state.Screen() == state.Unauthenticated {
		return m.renderSignIn()
	}
	return m.renderBookmarks()
}

func (m *Model) renderSignIn() string {
	title := styles.title.Render("Bookmarks")
	info := fmt.Sprintf("Sign in with %s to see your bookmarks.", m.sessions.Provider())

	control := styles.focused.Render("[ Sign in ]")
	if m.signing {
		control = styles.warn.Render("→ Waiting for the browser sign-in...")
	}

	helpView := m.help.ShortHelpView([]key.Binding{m.keys.signIn, m.keys.quit})
	return fmt.Sprintf("%s\n%s\n\n%s\n%s\n%s", title, info, control, m.renderStatus(), helpView)
}

func (m *Model) renderBookmarks() string {
	var b strings.Builder

	b.WriteString(styles.title.Render("Bookmarks"))
	b.WriteString("\n")
	b.WriteString(styles.help.Render("Signed in as " + m.state.Session.User.DisplayName()))
	b.WriteString("\n\n")

	b.WriteString(m.renderInput(m.title, focusTitle))
	b.WriteString("\n")
	b.WriteString(m.renderInput(m.url, focusURL))
	b.WriteString("\n\n")

	if m.state.Loading {
		b.WriteString(styles.warn.Render("Loading..."))
		b.WriteString("\n")
	}
	b.WriteString(m.list.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")

	var helpKeys []key.Binding
	if m.focus == focusList {
		helpKeys = []key.Binding{m.keys.next, m.keys.remove, m.keys.open, m.keys.refresh, m.keys.signOut, m.keys.quit}
	} else {
		helpKeys = []key.Binding{m.keys.next, m.keys.submit, m.keys.signOut}
	}
	b.WriteString(m.help.ShortHelpView(helpKeys))
	return b.String()
}

func (m *Model) renderInput(in textinput.Model, f focus) string {
	if m.focus == f {
		return styles.focused.Render(in.View())
	}
	return styles.blurred.Render(in.View())
}

func (m *Model) renderStatus() string {
	if m.state.Err != nil {
		return styles.err.Render("✗ " + m.state.Err.Error())
	}
	return ""
}
