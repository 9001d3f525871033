package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
)

// Backend is the hosted service behind the app: an auth API plus a table and realtime API
// that act as whoever tokens identifies.
type Backend interface {
	Auth() services.AuthService
	Connect(ctx context.Context, tokens oauth2.TokenSource) (services.TableService, services.RealtimeService, error)
	Close() error
}

// APIProvider is implemented by backends that expose their raw HTTP client.
type APIProvider interface {
	API() *services.APIService
}

// NewBackend builds the backend selected by cfg.Backend.Driver.
func NewBackend(cfg *shared.Config, client *http.Client, logger *log.Logger) (Backend, error) {
	if client == nil {
		client = &http.Client{Timeout: cfg.Backend.Timeout()}
	}

	switch cfg.Backend.Driver {
	case "", "supabase":
		return NewSupabaseBackend(cfg, client, logger), nil
	case "postgres":
		return NewPostgresBackend(cfg, client, logger), nil
	default:
		return nil, fmt.Errorf("%w: unknown backend driver %q", shared.ErrInvalidConfig, cfg.Backend.Driver)
	}
}

// SupabaseBackend talks to GoTrue, PostgREST and Realtime over HTTP.
type SupabaseBackend struct {
	cfg    *shared.Config
	auth   *services.SupabaseAuth
	api    *services.APIService
	logger *log.Logger
}

// NewSupabaseBackend creates the hosted backend client. Auth requests carry explicit tokens;
// table requests go through a rate limited client bound to the session in Connect.
func NewSupabaseBackend(cfg *shared.Config, client *http.Client, logger *log.Logger) *SupabaseBackend {
	b := cfg.Backend
	return &SupabaseBackend{
		cfg:    cfg,
		auth:   services.NewSupabaseAuth(services.NewAPIService(b.URL, b.AnonKey, client)),
		api:    services.NewAPIService(b.URL, b.AnonKey, client).WithRateLimit(b.RateLimit),
		logger: logger,
	}
}

func (s *SupabaseBackend) Auth() services.AuthService { return s.auth }

// API returns the session-bound HTTP client.
func (s *SupabaseBackend) API() *services.APIService { return s.api }

func (s *SupabaseBackend) Connect(_ context.Context, tokens oauth2.TokenSource) (services.TableService, services.RealtimeService, error) {
	s.api.WithTokenSource(tokens)
	table := services.NewRESTService(s.api, s.cfg.Bookmarks.Schema)

	rt, err := services.NewRealtimeClient(s.api.BaseURL(), s.api.APIKey(), s.cfg.Bookmarks.Schema, tokens, s.logger)
	if err != nil {
		return nil, nil, err
	}
	return table, rt, nil
}

func (s *SupabaseBackend) Close() error { return nil }

// PostgresBackend signs in through GoTrue but reads and writes the bookmarks table directly,
// with change notifications over LISTEN/NOTIFY.
type PostgresBackend struct {
	*SupabaseBackend
	db *sql.DB
}

// NewPostgresBackend creates the direct database backend. The connection opens in Connect.
func NewPostgresBackend(cfg *shared.Config, client *http.Client, logger *log.Logger) *PostgresBackend {
	return &PostgresBackend{SupabaseBackend: NewSupabaseBackend(cfg, client, logger)}
}

func (p *PostgresBackend) Connect(ctx context.Context, tokens oauth2.TokenSource) (services.TableService, services.RealtimeService, error) {
	pg := p.cfg.Backend.Postgres
	db, err := services.OpenPostgres(ctx, pg.DSN)
	if err != nil {
		return nil, nil, err
	}
	p.db = db
	p.api.WithTokenSource(tokens)

	table := services.NewPostgresService(db, p.cfg.Bookmarks.Schema, pg.Role, p.cfg.Backend.JWTSecret, tokens)
	listener := services.NewPostgresListener(pg.DSN, pg.Channel, p.logger)
	return table, listener, nil
}

func (p *PostgresBackend) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}
