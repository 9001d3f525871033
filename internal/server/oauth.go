package server

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/desertthunder/marks/internal/models"
)

// Exchanger completes a sign-in: it checks state against the pending flow and trades code for a session.
type Exchanger func(ctx context.Context, state, code string) (*models.Session, error)

// OAuthResult contains the result of a sign-in callback.
type OAuthResult struct {
	Session *models.Session
	err     error
}

func (o *OAuthResult) Error() error {
	return o.err
}

// OAuthHandler handles the redirect back from the auth provider.
// Implements the [Handler] interface for registration with a [Router].
type OAuthHandler struct {
	path        string
	exchange    Exchanger
	timeout     time.Duration
	resultChan  chan OAuthResult
	once        sync.Once
	callbackHit bool
	mu          sync.Mutex
}

// NewOAuthHandler creates a handler serving path that completes sign-in through exchange.
func NewOAuthHandler(path string, exchange Exchanger) *OAuthHandler {
	if path == "" {
		path = "/callback"
	}
	return &OAuthHandler{
		path:       path,
		exchange:   exchange,
		timeout:    30 * time.Second,
		resultChan: make(chan OAuthResult, 1),
	}
}

// Routes returns the HTTP routes this handler serves.
func (h *OAuthHandler) Routes() []string {
	return []string{h.path}
}

// ServeHTTP handles the callback request.
//
// Only the first request is processed; the result goes to the result channel.
func (h *OAuthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.callbackHit {
		h.mu.Unlock()
		http.Error(w, "Callback already processed", http.StatusBadRequest)
		return
	}
	h.callbackHit = true
	h.mu.Unlock()

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		err := fmt.Errorf("authorization failed: %s - %s", errParam, q.Get("error_description"))
		h.Send(OAuthResult{err: err})
		renderCallback(w, http.StatusBadRequest, false, q.Get("error_description"))
		return
	}

	state, code := q.Get("state"), q.Get("code")
	if state == "" || code == "" {
		h.Send(OAuthResult{err: fmt.Errorf("callback is missing state or code")})
		renderCallback(w, http.StatusBadRequest, false, "The sign-in response was incomplete.")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	sess, err := h.exchange(ctx, state, code)
	if err != nil {
		h.Send(OAuthResult{err: fmt.Errorf("code exchange failed: %w", err)})
		renderCallback(w, http.StatusInternalServerError, false, "The sign-in could not be completed.")
		return
	}

	h.Send(OAuthResult{Session: sess})
	renderCallback(w, http.StatusOK, true, "You can close this window and return to the terminal.")
}

// Send sends the result through the channel (only once).
func (h *OAuthHandler) Send(result OAuthResult) {
	h.once.Do(func() {
		h.resultChan <- result
		close(h.resultChan)
	})
}

// Result returns the result channel for receiving sign-in completion.
//
// Channel will receive exactly one result and then be closed.
func (h *OAuthHandler) Result() <-chan OAuthResult {
	return h.resultChan
}

var callbackPage = template.Must(template.New("callback").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>{{if .OK}}Signed In{{else}}Sign-In Failed{{end}}</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif;
               display: flex; align-items: center; justify-content: center; height: 100vh;
               margin: 0; background: #f5f5f5; }
        .container { text-align: center; background: white; padding: 2rem;
                     border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        h1 { margin: 0 0 1rem 0; }
        .ok { color: #3ecf8e; }
        .fail { color: #e5484d; }
        p { color: #666; margin: 0; }
    </style>
</head>
<body>
    <div class="container">
        {{if .OK}}<h1 class="ok">✓ Signed In</h1>{{else}}<h1 class="fail">✗ Sign-In Failed</h1>{{end}}
        <p>{{.Message}}</p>
    </div>
</body>
</html>
`))

func renderCallback(w http.ResponseWriter, status int, ok bool, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	callbackPage.Execute(w, struct {
		OK      bool
		Message string
	}{ok, message})
}
