package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
)

// CallbackPath is where the local sign-in server receives the provider redirect.
const CallbackPath = "/callback"

// Flow is the sign-in half of the session manager.
type Flow interface {
	SignIn(ctx context.Context, redirectTo string, open shared.Opener) (state string, err error)
	CompleteSignIn(ctx context.Context, state, code string) (*models.Session, error)
}

// LocalSignIn runs a browser sign-in against a temporary callback server bound to addr.
// It returns once the callback has been handled, the timeout elapses or ctx is cancelled.
type LocalSignIn struct {
	Addr    string
	Timeout time.Duration
	Open    shared.Opener
	Logger  *log.Logger

	// Prompt is called with the authorize URL when the browser could not be opened.
	Prompt func(authURL string)
}

// Run performs the sign-in through flow.
func (s *LocalSignIn) Run(ctx context.Context, flow Flow) (*models.Session, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	open := s.Open
	if open == nil {
		open = shared.OpenBrowser
	}
	logger := s.Logger
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start callback server: %w", err)
	}

	handler := NewOAuthHandler(CallbackPath, flow.CompleteSignIn)
	router := NewBasicRouter()
	router.Use(Recoverer(logger))
	router.Handler(handler)

	httpServer := &http.Server{Handler: router, ReadHeaderTimeout: 10 * time.Second}
	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("starting callback server", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down callback server", "error", err)
		}
	}()

	redirectTo := "http://" + ln.Addr().String() + CallbackPath
	var authURL string
	capture := func(u string) error {
		authURL = u
		return open(u)
	}
	if _, err := flow.SignIn(ctx, redirectTo, capture); err != nil {
		if authURL == "" {
			return nil, err
		}
		logger.Warn("failed to open browser automatically", "error", err)
		if s.Prompt != nil {
			s.Prompt(authURL)
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-handler.Result():
		if result.Error() != nil {
			return nil, fmt.Errorf("%w: %w", shared.ErrAuthFailed, result.Error())
		}
		return result.Session, nil
	case err := <-serverErrors:
		return nil, fmt.Errorf("callback server error: %w", err)
	case <-timer.C:
		return nil, fmt.Errorf("%w: sign-in timed out after %s", shared.ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
