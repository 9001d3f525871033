package bookmarks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
)

const refreshTimeout = 30 * time.Second

// Listener refreshes a [Store] whenever the backend reports a change to its table.
// The event payload is ignored; any insert, update or delete triggers a full refresh.
type Listener struct {
	realtime services.RealtimeService
	store    *Store
	logger   *log.Logger

	mu     sync.Mutex
	sub    services.Subscription
	cancel context.CancelFunc
	events int
}

// NewListener creates a stopped listener for store.
func NewListener(realtime services.RealtimeService, store *Store, logger *log.Logger) *Listener {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Listener{
		realtime: realtime,
		store:    store,
		logger:   shared.WithLogger(logger, "component", "listener"),
	}
}

// Start opens the subscription, replacing any previous one.
func (l *Listener) Start(ctx context.Context) error {
	l.Stop()

	runCtx, cancel := context.WithCancel(context.Background())
	sub, err := l.realtime.Subscribe(ctx, l.store.Table(), models.MaskAll, func(evt models.ChangeEvent) {
		l.handle(runCtx, evt)
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to %s: %w", l.store.Table(), err)
	}

	l.mu.Lock()
	l.sub = sub
	l.cancel = cancel
	l.mu.Unlock()

	l.logger.Info("listening for changes", "table", l.store.Table())
	return nil
}

func (l *Listener) handle(ctx context.Context, evt models.ChangeEvent) {
	if ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	l.events++
	l.mu.Unlock()

	l.logger.Debug("change received", "event", evt.String())

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	if err := l.store.Refresh(ctx); err != nil && ctx.Err() == nil {
		l.logger.Warn("refresh after change failed", "error", err)
	}
}

// Stop releases the subscription. It is a no-op when the listener is not running
// and must not be called from inside a change callback.
func (l *Listener) Stop() error {
	l.mu.Lock()
	sub, cancel := l.sub, l.cancel
	l.sub, l.cancel = nil, nil
	l.mu.Unlock()

	if sub == nil {
		return nil
	}
	cancel()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	l.logger.Info("stopped listening", "table", l.store.Table())
	return nil
}

// Running reports whether a subscription is open.
func (l *Listener) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sub != nil
}

// Events returns how many change notifications have been handled.
func (l *Listener) Events() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events
}
