// package app wires the session manager, bookmark store and change listener to a backend
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/bookmarks"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/session"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/desertthunder/marks/internal/tasks"
)

const applyTimeout = 30 * time.Second

// Options configures [New].
type Options struct {
	Config   *shared.Config
	Logger   *log.Logger
	Backend  Backend           // nil builds one from Config
	Sessions session.Store     // nil keeps the session in memory
	Jobs     tasks.JobRecorder // nil skips import history
	Live     bool              // subscribe to change notifications while signed in
}

// App is the running client. Session changes are applied in order on a single worker goroutine:
// signing in starts the listener and refreshes the list; signing out stops it and clears the list.
type App struct {
	Config   *shared.Config
	Session  *session.Manager
	Store    *bookmarks.Store
	Listener *bookmarks.Listener
	Importer *tasks.Importer

	backend Backend
	logger  *log.Logger
	live    bool

	qmu   sync.Mutex
	queue []change
	wake  chan struct{}
	quit  chan struct{}
	done  chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	unsub     func()
	startOnce sync.Once
	closeOnce sync.Once
}

type change struct {
	evt     session.Event
	sess    *models.Session
	barrier chan struct{}
}

// New assembles an App. Nothing runs until [App.Start].
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Config == nil {
		opts.Config = shared.DefaultConfig()
	}
	if opts.Logger == nil {
		opts.Logger = shared.NewLogger(nil)
	}
	if opts.Backend == nil {
		b, err := NewBackend(opts.Config, nil, opts.Logger)
		if err != nil {
			return nil, err
		}
		opts.Backend = b
	}

	mgr := session.NewManager(opts.Backend.Auth(), opts.Sessions, opts.Config.Auth.Provider, opts.Logger)

	table, realtime, err := opts.Backend.Connect(ctx, mgr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to backend: %w", err)
	}

	store := bookmarks.NewStore(table, mgr, opts.Config.Bookmarks.Table, opts.Logger)
	runCtx, cancel := context.WithCancel(context.Background())

	return &App{
		Config:   opts.Config,
		Session:  mgr,
		Store:    store,
		Listener: bookmarks.NewListener(realtime, store, opts.Logger),
		Importer: tasks.NewImporter(store, mgr, opts.Jobs, opts.Logger),
		backend:  opts.Backend,
		logger:   shared.WithLogger(opts.Logger, "component", "app"),
		live:     opts.Live,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      runCtx,
		cancel:   cancel,
	}, nil
}

// API returns the backend's raw HTTP client, or nil when the backend has none.
func (a *App) API() *services.APIService {
	if p, ok := a.backend.(APIProvider); ok {
		return p.API()
	}
	return nil
}

// Start loads the persisted session and waits for the resulting state to be applied.
func (a *App) Start(ctx context.Context) error {
	var err error
	a.startOnce.Do(func() {
		a.unsub = a.Session.OnChange(func(evt session.Event, sess *models.Session) {
			a.enqueue(change{evt: evt, sess: sess})
		})
		go a.run()

		if err = a.Session.Init(ctx); err != nil {
			return
		}
		a.Settle()
	})
	return err
}

// Settle blocks until every session change queued so far has been applied.
func (a *App) Settle() {
	barrier := make(chan struct{})
	a.enqueue(change{barrier: barrier})
	select {
	case <-barrier:
	case <-a.done:
	}
}

func (a *App) enqueue(c change) {
	a.qmu.Lock()
	a.queue = append(a.queue, c)
	a.qmu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

func (a *App) next() (change, bool) {
	a.qmu.Lock()
	defer a.qmu.Unlock()
	if len(a.queue) == 0 {
		return change{}, false
	}
	c := a.queue[0]
	a.queue = a.queue[1:]
	return c, true
}

func (a *App) run() {
	defer close(a.done)
	for {
		select {
		case <-a.quit:
			return
		case <-a.wake:
		}
		for {
			c, ok := a.next()
			if !ok {
				break
			}
			if c.barrier != nil {
				close(c.barrier)
				continue
			}
			a.apply(c)
		}
	}
}

func (a *App) apply(c change) {
	ctx, cancel := context.WithTimeout(a.ctx, applyTimeout)
	defer cancel()

	if c.sess == nil {
		if err := a.Listener.Stop(); err != nil {
			a.logger.Warn("failed to stop listener", "error", err)
		}
		a.Store.Clear()
		return
	}

	if c.evt == session.EventTokenRefreshed {
		if a.live && a.Listener.Running() {
			a.startListener(ctx)
		}
		return
	}

	if a.live {
		a.startListener(ctx)
	}
	if err := a.Store.Refresh(ctx); err != nil {
		a.logger.Warn("initial refresh failed", "error", err)
	}
}

func (a *App) startListener(ctx context.Context) {
	if err := a.Listener.Start(ctx); err != nil {
		a.logger.Error("change notifications unavailable", "error", err)
	}
}

// Close stops the worker and the listener and releases the backend.
func (a *App) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.unsub != nil {
			a.unsub()
		}
		a.cancel()
		close(a.quit)
		if a.unsub != nil {
			<-a.done
		}
		err = errors.Join(a.Listener.Stop(), a.backend.Close())
	})
	return err
}
