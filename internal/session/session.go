// package session tracks the signed-in identity and hands out its access token
package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
)

const (
	defaultLeeway  = time.Minute
	flowTTL        = 10 * time.Minute
	refreshTimeout = 15 * time.Second
)

// Event names an auth state transition.
type Event string

const (
	EventInitial        Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

// Listener observes auth state changes. sess is nil when signed out.
type Listener func(evt Event, sess *models.Session)

// Store persists the session between runs.
type Store interface {
	Save(sess *models.Session) error
	Load() (*models.Session, error)
	Clear() error
}

type pendingFlow struct {
	verifier string
	created  time.Time
}

// Manager owns the current session. It is safe for concurrent use and implements [oauth2.TokenSource].
type Manager struct {
	auth     services.AuthService
	store    Store
	provider string
	logger   *log.Logger
	now      func() time.Time
	leeway   time.Duration

	mu        sync.RWMutex
	session   *models.Session
	version   uint64
	listeners map[int]Listener
	nextID    int
	pending   map[string]pendingFlow

	refreshMu sync.Mutex
	commitMu  sync.Mutex
	notifyMu  sync.Mutex
}

// NewManager creates a manager that signs in with provider. store may be nil for an in-memory session.
func NewManager(auth services.AuthService, store Store, provider string, logger *log.Logger) *Manager {
	if provider == "" {
		provider = "google"
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Manager{
		auth:      auth,
		store:     store,
		provider:  provider,
		logger:    shared.WithLogger(logger, "component", "session"),
		now:       time.Now,
		leeway:    defaultLeeway,
		listeners: make(map[int]Listener),
		pending:   make(map[string]pendingFlow),
	}
}

// Provider returns the configured sign-in provider.
func (m *Manager) Provider() string { return m.provider }

// Init loads the persisted session, refreshing it when the access token has expired.
// A failed refresh leaves the manager signed out. Listeners receive [EventInitial].
func (m *Manager) Init(ctx context.Context) error {
	var sess *models.Session
	if m.store != nil {
		loaded, err := m.store.Load()
		if err != nil {
			return fmt.Errorf("failed to load session: %w", err)
		}
		sess = loaded
	}

	if sess != nil && sess.Expired(m.now(), m.leeway) {
		refreshed, err := m.auth.Refresh(ctx, sess.RefreshToken)
		if err != nil {
			m.logger.Warn("stored session could not be refreshed", "error", err)
			sess = nil
		} else {
			m.fillUserID(refreshed)
			sess = refreshed
		}
	}

	_, err := m.commit(EventInitial, sess)
	return err
}

// Current returns the session, or nil when signed out. The returned value must not be modified.
func (m *Manager) Current() *models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// OnChange registers fn for auth state changes and returns a func that unregisters it.
// Listeners run synchronously on the goroutine that caused the change, in registration order, and
// must not sign in, sign out or refresh from inside the callback. A change superseded before its
// listeners ran is not delivered; they see the newer one instead.
func (m *Manager) OnChange(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// BeginSignIn starts a PKCE sign-in. The provider redirects to redirectTo with the returned state
// appended, plus a code for [Manager.CompleteSignIn].
func (m *Manager) BeginSignIn(redirectTo string) (authURL, state string, err error) {
	u, err := url.Parse(redirectTo)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", fmt.Errorf("%w: redirect %q must be an absolute URL", shared.ErrInvalidArgument, redirectTo)
	}

	state, err = shared.GenerateState()
	if err != nil {
		return "", "", err
	}
	verifier := oauth2.GenerateVerifier()

	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()

	m.mu.Lock()
	m.prune()
	m.pending[state] = pendingFlow{verifier: verifier, created: m.now()}
	m.mu.Unlock()

	return m.auth.AuthorizeURL(m.provider, u.String(), verifier), state, nil
}

// prune drops abandoned flows. Callers hold mu.
func (m *Manager) prune() {
	cutoff := m.now().Add(-flowTTL)
	for state, flow := range m.pending {
		if flow.created.Before(cutoff) {
			delete(m.pending, state)
		}
	}
}

// SignIn starts a sign-in and opens the authorize URL with open. The session arrives later,
// through the callback and the change listeners.
func (m *Manager) SignIn(ctx context.Context, redirectTo string, open shared.Opener) (state string, err error) {
	authURL, state, err := m.BeginSignIn(redirectTo)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.logger.Info("opening browser for sign-in", "provider", m.provider)
	if err := open(authURL); err != nil {
		return state, fmt.Errorf("failed to open browser (visit %s): %w", authURL, err)
	}
	return state, nil
}

// CompleteSignIn finishes the flow identified by state by exchanging code for a session.
func (m *Manager) CompleteSignIn(ctx context.Context, state, code string) (*models.Session, error) {
	m.mu.Lock()
	flow, ok := m.pending[state]
	delete(m.pending, state)
	m.mu.Unlock()

	if !ok {
		return nil, shared.ErrUnknownFlow
	}
	if m.now().Sub(flow.created) > flowTTL {
		return nil, fmt.Errorf("%w: sign-in flow expired", shared.ErrTimeout)
	}

	sess, err := m.auth.ExchangeCode(ctx, code, flow.verifier)
	if err != nil {
		return nil, err
	}
	m.fillUserID(sess)

	m.logger.Info("signed in", "user", sess.User.DisplayName())
	if _, err := m.commit(EventSignedIn, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// SignOut clears the session locally, notifies listeners and revokes it remotely.
// Local state is cleared even when the remote call fails; that failure is returned.
func (m *Manager) SignOut(ctx context.Context) error {
	prev := m.Current()

	_, persistErr := m.commit(EventSignedOut, nil)
	if prev == nil {
		return persistErr
	}
	m.logger.Info("signed out", "user", prev.User.DisplayName())

	if err := m.auth.SignOut(ctx, prev.AccessToken); err != nil {
		return errors.Join(fmt.Errorf("remote sign-out failed: %w", err), persistErr)
	}
	return persistErr
}

// Refresh exchanges the refresh token for a new session. A rejected refresh token signs the user out;
// transport failures leave the session in place.
func (m *Manager) Refresh(ctx context.Context) (*models.Session, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked(ctx, false)
}

func (m *Manager) refreshLocked(ctx context.Context, onlyIfExpired bool) (*models.Session, error) {
	cur := m.Current()
	if cur == nil {
		return nil, shared.ErrNotAuthenticated
	}
	if onlyIfExpired && !cur.Expired(m.now(), m.leeway) {
		return cur, nil
	}

	sess, err := m.auth.Refresh(ctx, cur.RefreshToken)
	if err != nil {
		if errors.Is(err, shared.ErrServiceUnavailable) {
			return nil, err
		}
		ok, clearErr := m.commitIf(cur, EventSignedOut, nil)
		if ok {
			m.logger.Warn("refresh rejected, signed out", "error", err)
		}
		if clearErr != nil {
			m.logger.Error("failed to clear stored session", "error", clearErr)
		}
		return nil, err
	}
	if sess.User.ID == "" {
		sess.User = cur.User
	}
	m.fillUserID(sess)

	ok, err := m.commitIf(cur, EventTokenRefreshed, sess)
	if err != nil {
		return nil, err
	}
	if !ok {
		m.logger.Debug("discarding refresh for a replaced session")
		if latest := m.Current(); latest != nil {
			return latest, nil
		}
		return nil, shared.ErrNotAuthenticated
	}
	m.logger.Debug("token refreshed", "expires_at", sess.ExpiresAt)
	return sess, nil
}

// Token implements [oauth2.TokenSource], refreshing an expired access token first.
// It reports [shared.ErrNotAuthenticated] when signed out.
func (m *Manager) Token() (*oauth2.Token, error) {
	sess := m.Current()
	if sess == nil {
		return nil, shared.ErrNotAuthenticated
	}

	if sess.Expired(m.now(), m.leeway) {
		ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()

		m.refreshMu.Lock()
		refreshed, err := m.refreshLocked(ctx, true)
		m.refreshMu.Unlock()
		if err != nil {
			return nil, err
		}
		sess = refreshed
	}

	return Token(sess), nil
}

// Verify asks the backend who the current token belongs to.
func (m *Manager) Verify(ctx context.Context) (*models.User, error) {
	tok, err := m.Token()
	if err != nil {
		return nil, err
	}
	return m.auth.User(ctx, tok.AccessToken)
}

// Token converts a session to an [oauth2.Token].
func Token(sess *models.Session) *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  sess.AccessToken,
		TokenType:    sess.TokenType,
		RefreshToken: sess.RefreshToken,
		Expiry:       sess.ExpiresAt,
	}
}

func (m *Manager) fillUserID(sess *models.Session) {
	if sess == nil || sess.User.ID != "" {
		return
	}
	if sub, err := services.Subject(sess.AccessToken); err == nil {
		sess.User.ID = sub
	}
}

func (m *Manager) persist(sess *models.Session) error {
	if m.store == nil {
		return nil
	}
	if sess == nil {
		return m.store.Clear()
	}
	return m.store.Save(sess)
}

// commit persists sess, makes it current and notifies listeners. A sign-out is applied even
// when the store fails to clear; that error is returned.
func (m *Manager) commit(evt Event, sess *models.Session) (bool, error) {
	return m.apply(evt, sess, false, nil)
}

// commitIf is commit guarded on expect still being the current session. It reports whether the
// change was applied.
func (m *Manager) commitIf(expect *models.Session, evt Event, sess *models.Session) (bool, error) {
	return m.apply(evt, sess, true, expect)
}

func (m *Manager) apply(evt Event, sess *models.Session, guard bool, expect *models.Session) (bool, error) {
	m.commitMu.Lock()
	if guard && m.Current() != expect {
		m.commitMu.Unlock()
		return false, nil
	}
	err := m.persist(sess)
	if err != nil && sess != nil {
		m.commitMu.Unlock()
		return false, err
	}

	m.mu.Lock()
	m.session = sess
	m.version++
	version := m.version
	m.mu.Unlock()
	m.commitMu.Unlock()

	m.notify(evt, sess, version)
	return true, err
}

// notify delivers a committed change unless a later commit has replaced it.
func (m *Manager) notify(evt Event, sess *models.Session, version uint64) {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.RLock()
	if version != m.version {
		m.mu.RUnlock()
		return
	}
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]Listener, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.RUnlock()

	m.logger.Debug("auth state changed", "event", evt, "user", sess.UserID())
	for _, fn := range fns {
		fn(evt, sess)
	}
}
