package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
)

const authPath = "/auth/v1"

// SupabaseAuth implements [AuthService] against GoTrue.
type SupabaseAuth struct {
	api *APIService
	now func() time.Time
}

// NewSupabaseAuth creates an auth client. api should not carry a token source: auth endpoints are
// called with the project key or an explicit access token.
func NewSupabaseAuth(api *APIService) *SupabaseAuth {
	return &SupabaseAuth{api: api, now: time.Now}
}

// AuthorizeURL builds the PKCE authorize URL for provider.
func (s *SupabaseAuth) AuthorizeURL(provider, redirectTo, verifier string) string {
	v := url.Values{}
	v.Set("provider", provider)
	v.Set("redirect_to", redirectTo)
	v.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
	v.Set("code_challenge_method", "s256")
	return s.api.BaseURL() + authPath + "/authorize?" + v.Encode()
}

type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int64    `json:"expires_in"`
	ExpiresAt    int64    `json:"expires_at"`
	RefreshToken string   `json:"refresh_token"`
	User         userInfo `json:"user"`
}

type userInfo struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	AppMetadata  map[string]any `json:"app_metadata"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u userInfo) toModel() models.User {
	user := models.User{ID: u.ID, Email: u.Email, Metadata: u.UserMetadata}
	if p, ok := u.AppMetadata["provider"].(string); ok {
		user.Provider = p
	}
	return user
}

func (t tokenResponse) toSession(now time.Time) *models.Session {
	sess := &models.Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		User:         t.User.toModel(),
	}
	switch {
	case t.ExpiresAt > 0:
		sess.ExpiresAt = time.Unix(t.ExpiresAt, 0).UTC()
	case t.ExpiresIn > 0:
		sess.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second).UTC()
	}
	if sess.TokenType == "" {
		sess.TokenType = "bearer"
	}
	return sess
}

// ExchangeCode completes a PKCE sign-in.
func (s *SupabaseAuth) ExchangeCode(ctx context.Context, code, verifier string) (*models.Session, error) {
	if code == "" || verifier == "" {
		return nil, fmt.Errorf("%w: code and verifier are required", shared.ErrAuthFailed)
	}

	body := map[string]string{"auth_code": code, "code_verifier": verifier}
	sess, err := s.token(ctx, "pkce", body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrAuthFailed, err)
	}
	return sess, nil
}

// Refresh trades a refresh token for a new session.
func (s *SupabaseAuth) Refresh(ctx context.Context, refreshToken string) (*models.Session, error) {
	if refreshToken == "" {
		return nil, shared.ErrNoRefreshToken
	}

	sess, err := s.token(ctx, "refresh_token", map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrRefreshFailed, err)
	}
	return sess, nil
}

func (s *SupabaseAuth) token(ctx context.Context, grant string, body map[string]string) (*models.Session, error) {
	query := url.Values{"grant_type": {grant}}
	resp, err := s.api.Do(ctx, http.MethodPost, authPath+"/token", query, body, nil)
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := resp.Decode(&tr); err != nil {
		return nil, err
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access token")
	}
	return tr.toSession(s.now()), nil
}

// User fetches the identity behind accessToken.
func (s *SupabaseAuth) User(ctx context.Context, accessToken string) (*models.User, error) {
	resp, err := s.api.Do(ctx, http.MethodGet, authPath+"/user", nil, nil, bearerHeader(accessToken))
	if err != nil {
		return nil, err
	}
	if err := resp.Err(); err != nil {
		return nil, err
	}

	var info userInfo
	if err := resp.Decode(&info); err != nil {
		return nil, err
	}
	user := info.toModel()
	return &user, nil
}

// SignOut revokes the refresh tokens behind accessToken. An already invalid token is not an error.
func (s *SupabaseAuth) SignOut(ctx context.Context, accessToken string) error {
	resp, err := s.api.Do(ctx, http.MethodPost, authPath+"/logout", nil, nil, bearerHeader(accessToken))
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return resp.Err()
}

func bearerHeader(token string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return h
}
