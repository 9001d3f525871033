package main

import (
	"context"
	"fmt"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/urfave/cli/v3"
)

// AuthLogin signs in through the browser with a temporary callback server and persists the session.
func (r *Runner) AuthLogin(ctx context.Context, cmd *cli.Command) error {
	a, err := r.start(ctx, false)
	if err != nil {
		return err
	}

	if sess := a.Session.Current(); sess != nil && !cmd.Bool("force") {
		return r.writePlain("✓ Already signed in as %s\n", sess.User.DisplayName())
	}

	signIn := r.localSignIn(func(authURL string) {
		r.writePlain("⚠ Could not open browser automatically.\n")
		r.writePlain("Please visit this URL to sign in:\n%s\n\n", authURL)
	})
	signIn.Timeout = cmd.Duration("timeout")

	r.writePlain("→ Opening browser to sign in with %s...\n", a.Session.Provider())
	r.writePlain("→ Waiting for authorization (%s timeout)...\n", signIn.Timeout)

	sess, err := signIn.Run(ctx, a.Session)
	if err != nil {
		return err
	}
	a.Settle()

	r.logger.Info("signed in", "user", sess.UserID(), "provider", sess.User.Provider)
	return r.writePlain("✓ Signed in as %s\n", sess.User.DisplayName())
}

// AuthLogout revokes the session and forgets it locally.
func (r *Runner) AuthLogout(ctx context.Context, cmd *cli.Command) error {
	a, err := r.start(ctx, false)
	if err != nil {
		return err
	}

	if a.Session.Current() == nil {
		return r.writePlain("Not signed in\n")
	}

	err = a.Session.SignOut(ctx)
	a.Settle()
	if err != nil {
		r.logger.Warn("remote sign-out failed, session cleared locally", "error", err)
	}
	return r.writePlain("✓ Signed out\n")
}

type authStatus struct {
	Authenticated bool         `json:"authenticated"`
	User          *models.User `json:"user,omitempty"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

// AuthStatus confirms the stored session with the backend and shows who it belongs to.
func (r *Runner) AuthStatus(ctx context.Context, cmd *cli.Command) error {
	a, err := r.start(ctx, false)
	if err != nil {
		return err
	}

	status := authStatus{}
	if a.Session.Current() != nil {
		user, err := a.Session.Verify(ctx)
		if err != nil {
			return fmt.Errorf("failed to verify session: %w", err)
		}
		expires := a.Session.Current().ExpiresAt
		status = authStatus{Authenticated: true, User: user, ExpiresAt: &expires}
	}

	if cmd.Bool("json") || cmd.Bool("pretty") {
		return r.writeJSON(status, cmd.Bool("pretty"))
	}

	if !status.Authenticated {
		return r.writePlain("✗ Not signed in\nRun 'marks auth login' to sign in with %s\n", a.Session.Provider())
	}

	r.writePlain("✓ Signed in as %s\n", status.User.DisplayName())
	if status.User.Email != "" {
		r.writePlain("Email: %s\n", status.User.Email)
	}
	if status.User.Provider != "" {
		r.writePlain("Provider: %s\n", status.User.Provider)
	}
	r.writePlain("Session expires: %s\n", status.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}
