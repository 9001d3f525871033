package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/desertthunder/marks/internal/shared"
	"golang.org/x/oauth2"
)

const tokenJSON = `{
	"access_token": "at-1",
	"token_type": "bearer",
	"expires_in": 3600,
	"expires_at": 1900000000,
	"refresh_token": "rt-1",
	"user": {
		"id": "u-1",
		"email": "ada@example.com",
		"app_metadata": {"provider": "google"},
		"user_metadata": {"full_name": "Ada Lovelace"}
	}
}`

func newAuthServer(t *testing.T, h http.HandlerFunc) *SupabaseAuth {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	return NewSupabaseAuth(NewAPIService(server.URL, "anon", nil))
}

func TestSupabaseAuth(t *testing.T) {
	t.Run("AuthorizeURL", func(t *testing.T) {
		auth := NewSupabaseAuth(NewAPIService("https://p.supabase.co", "anon", nil))
		verifier := oauth2.GenerateVerifier()
		raw := auth.AuthorizeURL("google", "http://127.0.0.1:3000/callback?state=abc", verifier)

		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("expected valid url, got %v", err)
		}
		if u.Host != "p.supabase.co" || u.Path != "/auth/v1/authorize" {
			t.Errorf("unexpected authorize endpoint %s", raw)
		}

		q := u.Query()
		if q.Get("provider") != "google" {
			t.Errorf("expected provider google, got %q", q.Get("provider"))
		}
		if q.Get("redirect_to") != "http://127.0.0.1:3000/callback?state=abc" {
			t.Errorf("expected redirect_to to round trip, got %q", q.Get("redirect_to"))
		}
		if q.Get("code_challenge") != oauth2.S256ChallengeFromVerifier(verifier) {
			t.Error("expected S256 challenge of the verifier")
		}
		if q.Get("code_challenge_method") != "s256" {
			t.Errorf("expected s256 method, got %q", q.Get("code_challenge_method"))
		}
	})

	t.Run("ExchangeCode", func(t *testing.T) {
		t.Run("Success", func(t *testing.T) {
			auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "pkce" {
					t.Errorf("unexpected request %s", r.URL)
				}
				var body map[string]string
				json.NewDecoder(r.Body).Decode(&body)
				if body["auth_code"] != "code-1" || body["code_verifier"] != "verifier-1" {
					t.Errorf("unexpected body %v", body)
				}
				w.Write([]byte(tokenJSON))
			})

			sess, err := auth.ExchangeCode(context.Background(), "code-1", "verifier-1")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if sess.AccessToken != "at-1" || sess.RefreshToken != "rt-1" {
				t.Errorf("unexpected tokens %+v", sess)
			}
			if !sess.ExpiresAt.Equal(time.Unix(1900000000, 0)) {
				t.Errorf("expected expires_at to win, got %v", sess.ExpiresAt)
			}
			if sess.User.ID != "u-1" || sess.User.Provider != "google" {
				t.Errorf("unexpected user %+v", sess.User)
			}
			if sess.User.DisplayName() != "Ada Lovelace" {
				t.Errorf("expected metadata to be kept, got %q", sess.User.DisplayName())
			}
		})

		t.Run("Missing Verifier", func(t *testing.T) {
			auth := NewSupabaseAuth(NewAPIService("http://example.com", "anon", nil))
			if _, err := auth.ExchangeCode(context.Background(), "code", ""); !errors.Is(err, shared.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
		})

		t.Run("Rejected Code", func(t *testing.T) {
			auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error_code":"flow_state_not_found","msg":"invalid flow state"}`))
			})

			_, err := auth.ExchangeCode(context.Background(), "code", "verifier")
			if !errors.Is(err, shared.ErrAuthFailed) {
				t.Errorf("expected ErrAuthFailed, got %v", err)
			}
			if !strings.Contains(err.Error(), "invalid flow state") {
				t.Errorf("expected backend message, got %v", err)
			}
		})
	})

	t.Run("Refresh", func(t *testing.T) {
		t.Run("Success Uses ExpiresIn Fallback", func(t *testing.T) {
			auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Query().Get("grant_type") != "refresh_token" {
					t.Errorf("unexpected grant %s", r.URL.RawQuery)
				}
				w.Write([]byte(`{"access_token":"at-2","refresh_token":"rt-2","expires_in":60,"user":{"id":"u-1"}}`))
			})
			now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
			auth.now = func() time.Time { return now }

			sess, err := auth.Refresh(context.Background(), "rt-1")
			if err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
			if !sess.ExpiresAt.Equal(now.Add(time.Minute)) {
				t.Errorf("expected expiry a minute out, got %v", sess.ExpiresAt)
			}
			if sess.TokenType != "bearer" {
				t.Errorf("expected default token type, got %q", sess.TokenType)
			}
		})

		t.Run("No Refresh Token", func(t *testing.T) {
			auth := NewSupabaseAuth(NewAPIService("http://example.com", "anon", nil))
			if _, err := auth.Refresh(context.Background(), ""); !errors.Is(err, shared.ErrNoRefreshToken) {
				t.Errorf("expected ErrNoRefreshToken, got %v", err)
			}
		})

		t.Run("Revoked", func(t *testing.T) {
			auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"error":"invalid_grant","error_description":"Refresh Token Not Found"}`))
			})
			if _, err := auth.Refresh(context.Background(), "rt"); !errors.Is(err, shared.ErrRefreshFailed) {
				t.Errorf("expected ErrRefreshFailed, got %v", err)
			}
		})
	})

	t.Run("User", func(t *testing.T) {
		auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer at-1" {
				t.Errorf("expected caller token, got %q", r.Header.Get("Authorization"))
			}
			w.Write([]byte(`{"id":"u-1","email":"ada@example.com","app_metadata":{"provider":"github"}}`))
		})

		user, err := auth.User(context.Background(), "at-1")
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if user.Email != "ada@example.com" || user.Provider != "github" {
			t.Errorf("unexpected user %+v", user)
		}
	})

	t.Run("SignOut", func(t *testing.T) {
		tc := []struct {
			name    string
			status  int
			wantErr bool
		}{
			{name: "No Content", status: http.StatusNoContent},
			{name: "Already Invalid", status: http.StatusUnauthorized},
			{name: "Server Error", status: http.StatusInternalServerError, wantErr: true},
		}

		for _, tt := range tc {
			t.Run(tt.name, func(t *testing.T) {
				auth := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
					if r.URL.Path != "/auth/v1/logout" || r.Method != http.MethodPost {
						t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
					}
					w.WriteHeader(tt.status)
				})
				err := auth.SignOut(context.Background(), "at-1")
				if (err != nil) != tt.wantErr {
					t.Errorf("SignOut() error = %v, wantErr %v", err, tt.wantErr)
				}
			})
		}
	})
}
