// Package web serves the bookmark manager in a browser, mirroring the TUI.
//
// The server is local and single-user: it drives the same session manager and bookmark store as the
// terminal views, so signing in here signs the CLI in too. View state lives in one [state.State]
// updated through [state.Reduce]; errors are shown once on the next page render.
//
// Routes
//
//	GET  /                      → sign-in control, or the add form and list
//	GET  /auth/signin           → redirect to the provider
//	GET  /auth/callback         → complete sign-in, redirect to /
//	POST /auth/signout          → sign out, redirect to /
//	POST /bookmarks             → add from form fields title and url
//	POST /bookmarks/{id}/delete → delete
//	GET  /bookmarks             → list fragment
//	GET  /events                → server-sent events, one "refresh" per list change
//
// The JSON API under /api is CORS enabled for the configured origins:
//
//	GET    /api/bookmarks[?format=csv|yaml|markdown|text]
//	POST   /api/bookmarks       {"title": "...", "url": "..."}
//	DELETE /api/bookmarks/{id}
//	GET    /api/session
package web

import (
	"context"
	"embed"
	"errors"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/server"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/state"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

//go:embed templates/*.html
var templateFS embed.FS

var templates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// CallbackPath is the sign-in redirect target on this server.
const CallbackPath = "/auth/callback"

// Sessions is the part of the session manager the web view drives.
type Sessions interface {
	Current() *models.Session
	Provider() string
	OnChange(fn session.Listener) func()
	BeginSignIn(redirectTo string) (authURL, state string, err error)
	CompleteSignIn(ctx context.Context, state, code string) (*models.Session, error)
	SignOut(ctx context.Context) error
}

// Bookmarks is the part of the bookmark store the web view drives.
type Bookmarks interface {
	Bookmarks() []models.Bookmark
	OnChange(fn func([]models.Bookmark)) func()
	Add(ctx context.Context, title, url string) error
	Remove(ctx context.Context, id string) error
}

// Server is the local web UI.
type Server struct {
	sessions Sessions
	store    Bookmarks
	cfg      shared.ServerConfig
	logger   *log.Logger
	router   chi.Router
	events   *hub

	mu     sync.Mutex
	state  state.State
	unsubs []func()
	once   sync.Once
}

// New creates a server over sessions and store and starts tracking their changes.
func New(sessions Sessions, store Bookmarks, cfg shared.ServerConfig, logger *log.Logger) *Server {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	s := &Server{
		sessions: sessions,
		store:    store,
		cfg:      cfg,
		logger:   shared.WithLogger(logger, "component", "web"),
		events:   newHub(),
	}
	s.state = state.Reduce(s.state, state.SessionChanged{Session: sessions.Current()})
	s.state = state.Reduce(s.state, state.BookmarksLoaded{Bookmarks: store.Bookmarks()})

	s.unsubs = append(s.unsubs,
		sessions.OnChange(func(_ session.Event, sess *models.Session) {
			s.dispatch(state.SessionChanged{Session: sess})
			s.events.broadcast()
		}),
		store.OnChange(func(items []models.Bookmark) {
			s.dispatch(state.BookmarksLoaded{Bookmarks: items})
			s.events.broadcast()
		}),
	)
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(server.RequestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(server.SameOrigin([]string{s.cfg.BaseURL()}, nil))

		r.Get("/", s.handleIndex)
		r.Get("/auth/signin", s.handleSignIn)
		r.Get(CallbackPath, s.handleCallback)
		r.Post("/auth/signout", s.handleSignOut)

		r.Route("/bookmarks", func(r chi.Router) {
			r.Get("/", s.handleList)
			r.Post("/", s.handleAdd)
			r.Post("/{id}/delete", s.handleDelete)
		})
		r.Get("/events", s.handleEvents)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
		r.Use(server.SameOrigin(append([]string{s.cfg.BaseURL()}, s.cfg.AllowedOrigins...), http.HandlerFunc(s.rejectCrossSite)))
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/session", s.apiSession)
		r.Get("/bookmarks", s.apiList)
		r.Post("/bookmarks", s.apiAdd)
		r.Delete("/bookmarks/{id}", s.apiDelete)
	})
	return r
}

// ServeHTTP implements [http.Handler].
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// CallbackURL is the redirect target registered with the provider.
func (s *Server) CallbackURL() string {
	return s.cfg.BaseURL() + CallbackPath
}

// Run serves on the configured address until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		s.logger.Infof("web UI listening on %s", s.cfg.BaseURL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("web UI shutting down")
	s.events.close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// Close stops tracking changes and ends open event streams.
func (s *Server) Close() {
	s.once.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.events.close()
	})
}

func (s *Server) dispatch(a state.Action) {
	s.mu.Lock()
	s.state = state.Reduce(s.state, a)
	s.mu.Unlock()
}

// snapshot returns the state to render and clears the displayed error, so it shows once.
func (s *Server) snapshot() state.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state
	s.state = state.Reduce(s.state, state.ErrorCleared{})
	return st
}

func (s *Server) fail(err error) {
	s.logger.Warn("request failed", "error", err)
	s.dispatch(state.Failed{Err: err})
}
