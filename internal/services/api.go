// Raw HTTP transport shared by the auth and table clients
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// APIService makes requests against the backend's HTTP API, attaching the project key and the caller's bearer token.
type APIService struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     oauth2.TokenSource
}

// NewAPIService creates a new API service for the backend at baseURL.
func NewAPIService(baseURL, apiKey string, client *http.Client) *APIService {
	if baseURL == "" {
		baseURL = "http://localhost:54321"
	}
	if !strings.HasPrefix(baseURL, "http") {
		baseURL = "https://" + baseURL
	}
	if client == nil {
		client = http.DefaultClient
	}

	return &APIService{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: client,
	}
}

// WithRateLimit limits outgoing requests to rps per second. Zero disables limiting.
func (a *APIService) WithRateLimit(rps float64) *APIService {
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	} else {
		a.limiter = nil
	}
	return a
}

// WithTokenSource authenticates requests as the current session's user.
//
// When the source reports [shared.ErrNotAuthenticated] the request falls back to the project key.
func (a *APIService) WithTokenSource(ts oauth2.TokenSource) *APIService {
	a.tokens = ts
	return a
}

// BaseURL returns the backend root URL.
func (a *APIService) BaseURL() string { return a.baseURL }

// APIKey returns the project key sent with every request.
func (a *APIService) APIKey() string { return a.apiKey }

// APIResponse represents a raw API response with status and body.
type APIResponse struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	IsJSON     bool
	JSONData   any
}

// Err returns an [*APIError] for non-2xx responses and nil otherwise.
func (r *APIResponse) Err() error {
	if r.StatusCode >= 200 && r.StatusCode < 300 {
		return nil
	}
	return newAPIError(r.StatusCode, r.Body)
}

// Decode unmarshals the response body into v.
func (r *APIResponse) Decode(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// APIError represents an error returned by the backend.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error: %s (status: %d, code: %s)", e.Message, e.StatusCode, e.Code)
	}
	return fmt.Sprintf("API error: %s (status: %d)", e.Message, e.StatusCode)
}

// Unwrap maps the status onto the shared sentinel errors so callers can use [errors.Is].
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusUnauthorized:
		return shared.ErrNotAuthenticated
	case e.StatusCode == http.StatusForbidden || e.Code == "42501":
		return shared.ErrPermissionDenied
	case e.StatusCode == http.StatusServiceUnavailable || e.StatusCode == http.StatusBadGateway:
		return shared.ErrServiceUnavailable
	default:
		return shared.ErrAPIRequest
	}
}

// newAPIError extracts a message from the error shapes PostgREST and GoTrue produce.
func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Message: http.StatusText(status)}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		if text := strings.TrimSpace(string(body)); text != "" {
			apiErr.Message = text
		}
		return apiErr
	}

	for _, key := range []string{"message", "msg", "error_description", "error"} {
		if s, ok := payload[key].(string); ok && s != "" {
			apiErr.Message = s
			break
		}
	}
	for _, key := range []string{"code", "error_code"} {
		if c, ok := payload[key].(string); ok && c != "" {
			apiErr.Code = c
			break
		}
	}
	return apiErr
}

// Do performs a request against path (relative to the base URL) and returns the raw response.
//
// A non-nil body is JSON encoded. An Authorization entry in headers takes precedence over the token source.
func (a *APIService) Do(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (*APIResponse, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	fullURL := a.baseURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("apikey", a.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	if req.Header.Get("Authorization") == "" {
		bearer, err := a.bearer()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	return a.send(req)
}

func (a *APIService) bearer() (string, error) {
	if a.tokens == nil {
		return a.apiKey, nil
	}

	tok, err := a.tokens.Token()
	if errors.Is(err, shared.ErrNotAuthenticated) {
		return a.apiKey, nil
	}
	if err != nil {
		return "", err
	}
	return tok.AccessToken, nil
}

func (a *APIService) send(req *http.Request) (*APIResponse, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", shared.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	apiResp := &APIResponse{
		StatusCode: resp.StatusCode,
		Headers:    resp.Header,
		Body:       body,
	}

	var jsonData any
	if len(body) > 0 && json.Unmarshal(body, &jsonData) == nil {
		apiResp.IsJSON = true
		apiResp.JSONData = jsonData
	}

	return apiResp, nil
}

// Get performs a GET request to the specified path and returns the raw response.
// path may carry its own query string.
func (a *APIService) Get(ctx context.Context, path string) (*APIResponse, error) {
	p, rawQuery, _ := strings.Cut(path, "?")
	query, err := url.ParseQuery(rawQuery)
	if err != nil {
		return nil, fmt.Errorf("%w: bad query string: %v", shared.ErrInvalidArgument, err)
	}
	return a.Do(ctx, http.MethodGet, p, query, nil, nil)
}

// Post performs a POST request with the given JSON data and returns the raw response.
func (a *APIService) Post(ctx context.Context, path string, data []byte) (*APIResponse, error) {
	return a.Do(ctx, http.MethodPost, path, nil, json.RawMessage(data), nil)
}
