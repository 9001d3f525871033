package testing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/services"
	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
)

// FakeAuth is an in-memory [services.AuthService]. It issues "token-<user>-<n>" access tokens
// and checks the PKCE verifier against the challenge sent to AuthorizeURL.
type FakeAuth struct {
	mu         sync.Mutex
	codes      map[string]fakeCode
	tokens     map[string]string // access token -> user id
	refresh    map[string]string // refresh token -> user id
	issued     int
	ExpiresIn  time.Duration
	Now        func() time.Time
	RefreshErr error
	SignOutErr error
	SignOuts   int
	Refreshes  int
}

type fakeCode struct {
	challenge string
	user      models.User
}

// NewFakeAuth creates a FakeAuth whose tokens live for an hour.
func NewFakeAuth() *FakeAuth {
	return &FakeAuth{
		codes:     make(map[string]fakeCode),
		tokens:    make(map[string]string),
		refresh:   make(map[string]string),
		ExpiresIn: time.Hour,
		Now:       time.Now,
	}
}

func (f *FakeAuth) AuthorizeURL(provider, redirectTo, verifier string) string {
	v := url.Values{}
	v.Set("provider", provider)
	v.Set("redirect_to", redirectTo)
	v.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	return "https://auth.test/authorize?" + v.Encode()
}

// Approve plays the provider: the user identified by userID consents on authURL.
// It returns the redirect target carrying the state and a one-time code.
func (f *FakeAuth) Approve(authURL, userID string) (callback string, state string, code string) {
	u, _ := url.Parse(authURL)
	q := u.Query()

	f.mu.Lock()
	f.issued++
	code = fmt.Sprintf("code-%d", f.issued)
	f.codes[code] = fakeCode{
		challenge: q.Get("code_challenge"),
		user:      models.User{ID: userID, Email: userID + "@example.com", Provider: q.Get("provider")},
	}
	f.mu.Unlock()

	redirect, _ := url.Parse(q.Get("redirect_to"))
	rq := redirect.Query()
	state = rq.Get("state")
	rq.Set("code", code)
	redirect.RawQuery = rq.Encode()
	return redirect.String(), state, code
}

// SessionFor issues a session for userID without a sign-in flow.
func (f *FakeAuth) SessionFor(userID string) *models.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.issue(models.User{ID: userID, Email: userID + "@example.com", Provider: "google"})
}

func (f *FakeAuth) issue(user models.User) *models.Session {
	f.issued++
	access := fmt.Sprintf("token-%s-%d", user.ID, f.issued)
	refresh := fmt.Sprintf("refresh-%s-%d", user.ID, f.issued)
	f.tokens[access] = user.ID
	f.refresh[refresh] = user.ID
	return &models.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "bearer",
		ExpiresAt:    f.Now().Add(f.ExpiresIn),
		User:         user,
	}
}

// UserID resolves an access token, or "" when it is unknown or revoked.
func (f *FakeAuth) UserID(accessToken string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokens[accessToken]
}

func (f *FakeAuth) ExchangeCode(_ context.Context, code, verifier string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, ok := f.codes[code]
	delete(f.codes, code)
	if !ok {
		return nil, fmt.Errorf("%w: unknown code", shared.ErrAuthFailed)
	}
	if oauth2.S256ChallengeFromVerifier(verifier) != c.challenge {
		return nil, fmt.Errorf("%w: code verifier mismatch", shared.ErrAuthFailed)
	}
	return f.issue(c.user), nil
}

func (f *FakeAuth) Refresh(_ context.Context, refreshToken string) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Refreshes++

	if f.RefreshErr != nil {
		return nil, f.RefreshErr
	}
	uid, ok := f.refresh[refreshToken]
	if !ok {
		return nil, fmt.Errorf("%w: unknown refresh token", shared.ErrRefreshFailed)
	}
	delete(f.refresh, refreshToken)
	return f.issue(models.User{ID: uid, Email: uid + "@example.com", Provider: "google"}), nil
}

func (f *FakeAuth) User(_ context.Context, accessToken string) (*models.User, error) {
	uid := f.UserID(accessToken)
	if uid == "" {
		return nil, shared.ErrNotAuthenticated
	}
	return &models.User{ID: uid, Email: uid + "@example.com", Provider: "google"}, nil
}

func (f *FakeAuth) SignOut(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SignOuts++
	if f.SignOutErr != nil {
		return f.SignOutErr
	}
	delete(f.tokens, accessToken)
	return nil
}

// MemorySessions is an in-memory session store.
type MemorySessions struct {
	mu      sync.Mutex
	session  *models.Session
	SaveErr  error
	ClearErr error
}

func (m *MemorySessions) Save(sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.session = sess
	return nil
}

func (m *MemorySessions) Load() (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session, nil
}

func (m *MemorySessions) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ClearErr != nil {
		return m.ClearErr
	}
	m.session = nil
	return nil
}

// FakeBackend is an in-memory bookmarks table with ownership policies and change notifications.
// Use [FakeBackend.Client] to act as a caller.
type FakeBackend struct {
	auth *FakeAuth

	mu          sync.Mutex
	rows        []map[string]any
	subscribers map[int]fakeSubscriber
	nextSub     int
	clock       time.Time

	SelectErr  error
	InsertErr  error
	DeleteErr  error
	Inserts    int
	Selects    int
	SelectHook func(call int)
	Async      bool
}

type fakeSubscriber struct {
	table string
	mask  models.EventMask
	fn    func(models.ChangeEvent)
}

// NewFakeBackend creates an empty backend that resolves callers through auth.
func NewFakeBackend(auth *FakeAuth) *FakeBackend {
	return &FakeBackend{
		auth:        auth,
		subscribers: make(map[int]fakeSubscriber),
		clock:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Client returns a table and realtime client authenticated by ts.
func (b *FakeBackend) Client(ts oauth2.TokenSource) *FakeClient {
	return &FakeClient{backend: b, tokens: ts}
}

// Rows returns a copy of every row regardless of owner.
func (b *FakeBackend) Rows() []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, len(b.rows))
	copy(out, b.rows)
	return out
}

// Subscribers returns the number of live subscriptions.
func (b *FakeBackend) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Emit delivers evt to matching subscribers as if another client had changed the table.
func (b *FakeBackend) Emit(evt models.ChangeEvent) {
	b.mu.Lock()
	var fns []func(models.ChangeEvent)
	for _, s := range b.subscribers {
		if s.table == evt.Table && s.mask.Has(evt.Kind) {
			fns = append(fns, s.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range fns {
		if b.Async {
			go fn(evt)
		} else {
			fn(evt)
		}
	}
}

// FakeClient is one caller's view of a [FakeBackend].
type FakeClient struct {
	backend *FakeBackend
	tokens  oauth2.TokenSource
}

func (c *FakeClient) caller() string {
	if c.tokens == nil {
		return ""
	}
	tok, err := c.tokens.Token()
	if err != nil || tok == nil {
		return ""
	}
	return c.backend.auth.UserID(tok.AccessToken)
}

func matches(row map[string]any, filters []services.Filter) bool {
	for _, f := range filters {
		v := fmt.Sprint(row[f.Column])
		switch f.Op {
		case services.OpEq:
			if v != f.Value {
				return false
			}
		case services.OpNeq:
			if v == f.Value {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func (c *FakeClient) Select(_ context.Context, table string, q services.Query, dest any) error {
	b := c.backend
	b.mu.Lock()
	b.Selects++
	call := b.Selects
	hook := b.SelectHook
	b.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	uid := c.caller()

	b.mu.Lock()
	if b.SelectErr != nil {
		err := b.SelectErr
		b.mu.Unlock()
		return err
	}
	var out []map[string]any
	for _, row := range b.rows {
		if row["table"] != table || uid == "" || row["user_id"] != uid || !matches(row, q.Filters) {
			continue
		}
		out = append(out, row)
	}
	b.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		ti, tj := out[i]["created_at"].(time.Time), out[j]["created_at"].(time.Time)
		if len(q.Order) > 0 && q.Order[0].Ascending {
			return ti.Before(tj)
		}
		return ti.After(tj)
	})

	public := make([]map[string]any, 0, len(out))
	for _, row := range out {
		r := make(map[string]any, len(row))
		for k, v := range row {
			if k != "table" {
				r[k] = v
			}
		}
		public = append(public, r)
	}

	data, err := json.Marshal(public)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dest)
}

func (c *FakeClient) Insert(_ context.Context, table string, row any) error {
	data, err := json.Marshal(row)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("%w: row must be an object", shared.ErrInvalidInput)
	}

	uid := c.caller()
	if uid == "" {
		return shared.ErrNotAuthenticated
	}
	if fields["user_id"] != uid {
		return fmt.Errorf("%w: new row violates row-level security policy", shared.ErrPermissionDenied)
	}
	for _, col := range []string{"title", "url"} {
		if s, _ := fields[col].(string); strings.TrimSpace(s) == "" {
			return fmt.Errorf("%w: %s violates check constraint", shared.ErrInvalidInput, col)
		}
	}

	b := c.backend
	b.mu.Lock()
	b.Inserts++
	if b.InsertErr != nil {
		err := b.InsertErr
		b.mu.Unlock()
		return err
	}
	b.clock = b.clock.Add(time.Second)
	fields["id"] = shared.GenerateID()
	fields["created_at"] = b.clock
	fields["table"] = table
	b.rows = append(b.rows, fields)
	record := map[string]any{"id": fields["id"], "title": fields["title"], "url": fields["url"], "user_id": uid}
	b.mu.Unlock()

	b.Emit(models.ChangeEvent{Kind: models.EventInsert, Schema: "public", Table: table, New: record})
	return nil
}

func (c *FakeClient) Delete(_ context.Context, table string, filters ...services.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires a filter", shared.ErrInvalidInput)
	}
	uid := c.caller()
	if uid == "" {
		return shared.ErrNotAuthenticated
	}

	b := c.backend
	b.mu.Lock()
	if b.DeleteErr != nil {
		err := b.DeleteErr
		b.mu.Unlock()
		return err
	}
	var removed []map[string]any
	kept := b.rows[:0:0]
	for _, row := range b.rows {
		if row["table"] == table && row["user_id"] == uid && matches(row, filters) {
			removed = append(removed, row)
			continue
		}
		kept = append(kept, row)
	}
	b.rows = kept
	b.mu.Unlock()

	for _, row := range removed {
		b.Emit(models.ChangeEvent{Kind: models.EventDelete, Schema: "public", Table: table, Old: map[string]any{"id": row["id"]}})
	}
	return nil
}

func (c *FakeClient) Subscribe(_ context.Context, table string, mask models.EventMask, fn func(models.ChangeEvent)) (services.Subscription, error) {
	if mask == 0 {
		return nil, fmt.Errorf("%w: empty event mask", shared.ErrSubscription)
	}
	b := c.backend
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subscribers[id] = fakeSubscriber{table: table, mask: mask, fn: fn}
	b.mu.Unlock()

	return &fakeSubscription{backend: b, id: id}, nil
}

type fakeSubscription struct {
	backend *FakeBackend
	id      int
	once    sync.Once
}

func (s *fakeSubscription) Unsubscribe() error {
	s.once.Do(func() {
		s.backend.mu.Lock()
		delete(s.backend.subscribers, s.id)
		s.backend.mu.Unlock()
	})
	return nil
}
