package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/app"
	"github.com/desertthunder/marks/internal/repositories"
	"github.com/desertthunder/marks/internal/server"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/urfave/cli/v3"
)

// Runner holds all dependencies for CLI commands and provides methods for each command action.
//
// The backend client and the local store open on first use, so commands that only touch files never
// need a valid backend configuration.
type Runner struct {
	config     *shared.Config
	configPath string
	backend    app.Backend
	sessions   session.Store
	httpClient *http.Client
	logger     *log.Logger
	output     io.Writer
	open       shared.Opener

	mu      sync.Mutex
	db      *sql.DB
	imports *repositories.ImportRepository
	app     *app.App
}

// RunnerOpts contains configuration options for creating a Runner.
type RunnerOpts struct {
	Config     *shared.Config
	ConfigPath string
	Backend    app.Backend   // nil builds one from Config
	Sessions   session.Store // nil persists the session in the local database
	HTTPClient *http.Client
	Logger     *log.Logger
	Output     io.Writer
	Open       shared.Opener // nil opens the system browser
}

// NewRunner creates a new Runner with the provided configuration
func NewRunner(opts RunnerOpts) *Runner {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Open == nil {
		opts.Open = shared.OpenBrowser
	}

	return &Runner{
		config:     opts.Config,
		configPath: opts.ConfigPath,
		backend:    opts.Backend,
		sessions:   opts.Sessions,
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
		output:     opts.Output,
		open:       opts.Open,
	}
}

// SetLogger replaces the logger used by the runner and anything it opens afterwards.
func (r *Runner) SetLogger(l *log.Logger) {
	r.logger = l
}

func (r *Runner) command() *cli.Command {
	return &cli.Command{
		Name:     "marks",
		Usage:    "Keep bookmarks in a hosted Supabase project",
		Version:  "0.3.0",
		Flags:    globalFlags(),
		Before:   r.configure,
		Commands: r.register(),
	}
}

func (r *Runner) register() []*cli.Command {
	commands := []*cli.Command{}
	for _, fn := range [](func(*Runner) *cli.Command){
		setupCommand, authCommand, listCommand, addCommand, deleteCommand, watchCommand,
		exportCommand, importCommand, apiCommand, tuiCommand, serveCommand,
	} {
		commands = append(commands, fn(r))
	}

	return commands
}

// configure loads the config file when present and applies flag and environment overrides.
func (r *Runner) configure(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	if cmd.IsSet("config") || r.configPath == "" {
		r.configPath = cmd.String("config")
	}

	if _, err := os.Stat(r.configPath); err == nil {
		config, err := shared.LoadConfig(r.configPath)
		if err != nil {
			return ctx, err
		}
		r.config = config
	} else {
		r.logger.Debug("config file not found, using defaults", "path", r.configPath)
	}

	if cmd.IsSet("url") {
		r.config.Backend.URL = cmd.String("url")
	}
	if cmd.IsSet("key") {
		r.config.Backend.AnonKey = cmd.String("key")
	}
	if cmd.IsSet("log-level") {
		r.config.Log.Level = cmd.String("log-level")
	}
	shared.SetLogLevel(r.logger, shared.ParseLogLevel(r.config.Log.Level))

	return ctx, nil
}

// openLocal opens the SQLite database holding the session and the import history.
func (r *Runner) openLocal() error {
	if r.db != nil {
		return nil
	}

	db, err := shared.OpenSessionDatabase(r.config.Database)
	if err != nil {
		return fmt.Errorf("failed to open local database: %w", err)
	}
	r.db = db
	r.imports = repositories.NewImportRepository(db)
	if r.sessions == nil {
		r.sessions = repositories.NewSessionRepository(db)
	}
	return nil
}

// start builds the app and restores the persisted session. live subscribes to change notifications
// while signed in.
func (r *Runner) start(ctx context.Context, live bool) (*app.App, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.app != nil {
		return r.app, nil
	}

	if err := r.config.Validate(); err != nil {
		return nil, err
	}
	if err := r.openLocal(); err != nil {
		return nil, err
	}

	backend := r.backend
	if backend == nil {
		b, err := app.NewBackend(r.config, r.httpClient, r.logger)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	a, err := app.New(ctx, app.Options{
		Config:   r.config,
		Logger:   r.logger,
		Backend:  backend,
		Sessions: r.sessions,
		Jobs:     r.imports,
		Live:     live,
	})
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to restore session: %w", err)
	}

	r.app = a
	return a, nil
}

// startSignedIn is [Runner.start] for commands that need a session.
func (r *Runner) startSignedIn(ctx context.Context, live bool) (*app.App, error) {
	a, err := r.start(ctx, live)
	if err != nil {
		return nil, err
	}
	if a.Session.Current() == nil {
		return nil, fmt.Errorf("%w: run 'marks auth login' first", shared.ErrNotAuthenticated)
	}
	return a, nil
}

// localSignIn configures a browser sign-in against a callback server on the configured address.
func (r *Runner) localSignIn(prompt func(string)) *server.LocalSignIn {
	return &server.LocalSignIn{
		Addr:   r.config.Server.Addr(),
		Open:   r.open,
		Logger: r.logger,
		Prompt: prompt,
	}
}

// Close releases the app and the local database.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.app != nil {
		errs = append(errs, r.app.Close())
		r.app = nil
	}
	if r.db != nil {
		errs = append(errs, r.db.Close())
		r.db = nil
	}
	return errors.Join(errs...)
}

func (r *Runner) writeJSON(data any, pretty bool) error {
	output, err := shared.MarshalJSON(data, pretty)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := r.output.Write(output); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	if _, err := r.output.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

func (r *Runner) writePlain(format string, args ...any) error {
	text := fmt.Sprintf(format, args...)
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainln(format string, args ...any) error {
	text := "\n" + fmt.Sprintf(format, args...) + "\n"
	if _, err := r.output.Write([]byte(text)); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

func (r *Runner) writePlainHeader(title string) {
	r.writePlain("═══════════════════════════════════════\n")
	r.writePlain("%v\n", title)
	r.writePlain("═══════════════════════════════════════\n")
}
