// package state holds the view state shared by the terminal and web UIs and the reducer that updates it
package state

import (
	"github.com/desertthunder/marks/internal/models"
)

// Screen is the view state machine: signed out shows only the sign-in control, signed in shows
// the add form and the list.
type Screen int

const (
	Unauthenticated Screen = iota
	Authenticated
)

func (s Screen) String() string {
	if s == Authenticated {
		return "authenticated"
	}
	return "unauthenticated"
}

// State is everything a view renders. It is a value; [Reduce] returns a new one.
type State struct {
	Session   *models.Session
	Bookmarks []models.Bookmark
	Title     string
	URL       string
	Err       error
	Loading   bool
}

// Screen derives the view from the session.
func (s State) Screen() Screen {
	if s.Session == nil {
		return Unauthenticated
	}
	return Authenticated
}

// CanAdd reports whether the add form holds both fields.
func (s State) CanAdd() bool {
	return s.Title != "" && s.URL != ""
}

// Action is a state transition.
type Action interface{ isAction() }

// SessionChanged replaces the session. Signing out clears the list and the form; signing in
// marks the list as loading until the first refresh lands.
type SessionChanged struct{ Session *models.Session }

// BookmarksLoaded replaces the list.
type BookmarksLoaded struct{ Bookmarks []models.Bookmark }

// RefreshStarted marks the list as loading.
type RefreshStarted struct{}

// TitleChanged sets the form title.
type TitleChanged struct{ Title string }

// URLChanged sets the form URL.
type URLChanged struct{ URL string }

// BookmarkAdded clears the form after a successful insert.
type BookmarkAdded struct{}

// Failed records an error for display.
type Failed struct{ Err error }

// ErrorCleared dismisses the displayed error.
type ErrorCleared struct{}

func (SessionChanged) isAction()  {}
func (BookmarksLoaded) isAction() {}
func (RefreshStarted) isAction()  {}
func (TitleChanged) isAction()    {}
func (URLChanged) isAction()      {}
func (BookmarkAdded) isAction()   {}
func (Failed) isAction()          {}
func (ErrorCleared) isAction()    {}

// Reduce applies a to s.
func Reduce(s State, a Action) State {
	switch a := a.(type) {
	case SessionChanged:
		wasSignedIn := s.Session != nil
		s.Session = a.Session
		if a.Session == nil {
			s.Bookmarks = nil
			s.Title, s.URL = "", ""
			s.Loading = false
		} else if !wasSignedIn {
			s.Loading = true
		}
		s.Err = nil
	case BookmarksLoaded:
		if s.Session == nil {
			s.Bookmarks = nil
		} else {
			s.Bookmarks = a.Bookmarks
		}
		s.Loading = false
	case RefreshStarted:
		s.Loading = s.Session != nil
	case TitleChanged:
		s.Title = a.Title
	case URLChanged:
		s.URL = a.URL
	case BookmarkAdded:
		s.Title, s.URL = "", ""
		s.Err = nil
	case Failed:
		s.Err = a.Err
		s.Loading = false
	case ErrorCleared:
		s.Err = nil
	}
	return s
}
