package web

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/desertthunder/marks/internal/formatter"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/state"
	"github.com/go-chi/chi/v5"
)

type pageData struct {
	SignedIn  bool
	User      string
	Provider  string
	Title     string
	URL       string
	Error     string
	Loading   bool
	Bookmarks []models.Bookmark
}

func (s *Server) pageData(st state.State) pageData {
	d := pageData{
		SignedIn:  st.Screen() == state.Authenticated,
		Provider:  s.sessions.Provider(),
		Title:     st.Title,
		URL:       st.URL,
		Loading:   st.Loading,
		Bookmarks: st.Bookmarks,
	}
	if st.Session != nil {
		d.User = st.Session.User.DisplayName()
	}
	if st.Err != nil {
		d.Error = st.Err.Error()
	}
	return d
}

func (s *Server) render(w http.ResponseWriter, name string, data pageData) {
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		s.logger.Error("template failed", "template", name, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(buf.Bytes())
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.render(w, "page", s.pageData(s.snapshot()))
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	st := s.state
	s.mu.Unlock()
	s.render(w, "list", s.pageData(st))
}

func (s *Server) handleSignIn(w http.ResponseWriter, r *http.Request) {
	authURL, _, err := s.sessions.BeginSignIn(s.CallbackURL())
	if err != nil {
		s.fail(err)
		redirectHome(w, r)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		s.fail(fmt.Errorf("%w: %s - %s", shared.ErrAuthFailed, errParam, q.Get("error_description")))
		redirectHome(w, r)
		return
	}

	flow, code := q.Get("state"), q.Get("code")
	if flow == "" || code == "" {
		s.fail(fmt.Errorf("%w: callback is missing state or code", shared.ErrAuthFailed))
		redirectHome(w, r)
		return
	}

	if _, err := s.sessions.CompleteSignIn(r.Context(), flow, code); err != nil {
		s.fail(fmt.Errorf("sign-in failed: %w", err))
	}
	redirectHome(w, r)
}

func (s *Server) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.SignOut(r.Context()); err != nil {
		s.fail(err)
	}
	redirectHome(w, r)
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	title, url := r.PostForm.Get("title"), r.PostForm.Get("url")

	if err := s.store.Add(r.Context(), title, url); err != nil {
		s.dispatch(state.TitleChanged{Title: title})
		s.dispatch(state.URLChanged{URL: url})
		s.fail(err)
	} else {
		s.dispatch(state.BookmarkAdded{})
		s.logger.Info("bookmark added", "url", url)
	}
	redirectHome(w, r)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(err)
	}
	redirectHome(w, r)
}

type apiError struct {
	Error string `json:"error"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *models.User `json:"user,omitempty"`
	ExpiresAt     string       `json:"expires_at,omitempty"`
}

type addRequest struct {
	Title string `json:"title"`
	URL   string `json:"url"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, shared.ErrEmptyField),
		errors.Is(err, shared.ErrInvalidInput),
		errors.Is(err, shared.ErrInvalidArgument),
		errors.Is(err, shared.ErrMissingArgument),
		errors.Is(err, shared.ErrUnsupportedFormat):
		return http.StatusBadRequest
	case errors.Is(err, shared.ErrNotAuthenticated),
		errors.Is(err, shared.ErrTokenExpired),
		errors.Is(err, shared.ErrRefreshFailed):
		return http.StatusUnauthorized
	case errors.Is(err, shared.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, shared.ErrBookmarkNotFound):
		return http.StatusNotFound
	case errors.Is(err, shared.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) apiError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("api request failed", "error", err)
	}
	writeJSON(w, status, apiError{Error: err.Error()})
}

func (s *Server) rejectCrossSite(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("rejected cross-origin request", "method", r.Method, "path", r.URL.Path, "origin", r.Header.Get("Origin"))
	s.apiError(w, fmt.Errorf("%w: cross-origin request", shared.ErrPermissionDenied))
}

func (s *Server) apiSession(w http.ResponseWriter, r *http.Request) {
	sess := s.sessions.Current()
	if sess == nil {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	user := sess.User
	writeJSON(w, http.StatusOK, sessionResponse{
		Authenticated: true,
		User:          &user,
		ExpiresAt:     sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) apiList(w http.ResponseWriter, r *http.Request) {
	if s.sessions.Current() == nil {
		s.apiError(w, shared.ErrNotAuthenticated)
		return
	}
	items := s.store.Bookmarks()

	format := formatter.NormalizeFormat(r.URL.Query().Get("format"))
	if format == "" || format == formatter.FormatJSON {
		if items == nil {
			items = []models.Bookmark{}
		}
		writeJSON(w, http.StatusOK, items)
		return
	}

	data, err := formatter.Export(items, format)
	if err != nil {
		s.apiError(w, err)
		return
	}
	w.Header().Set("Content-Type", formatter.ContentType(format))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="bookmarks.%s"`, formatter.Extension(format)))
	w.Write(data)
}

func (s *Server) apiAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		s.apiError(w, fmt.Errorf("%w: %v", shared.ErrInvalidInput, err))
		return
	}

	if err := s.store.Add(r.Context(), req.Title, req.URL); err != nil {
		s.apiError(w, err)
		return
	}
	s.logger.Info("bookmark added", "url", req.URL)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

func (s *Server) apiDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.apiError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
