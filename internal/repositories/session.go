package repositories

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/desertthunder/marks/internal/models"
)

// SessionRepository keeps the signed-in [models.Session] in a single-row table.
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new [SessionRepository] with the given database connection
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Save replaces the stored session.
func (r *SessionRepository) Save(sess *models.Session) error {
	if sess == nil {
		return r.Clear()
	}
	if sess.AccessToken == "" {
		return fmt.Errorf("validation failed: session has no access token")
	}

	metadata, err := json.Marshal(sess.User.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode user metadata: %w", err)
	}
	if sess.User.Metadata == nil {
		metadata = []byte("{}")
	}

	var expiresAt any
	if !sess.ExpiresAt.IsZero() {
		expiresAt = sess.ExpiresAt.UTC()
	}

	query := `
		INSERT INTO sessions (
			id, user_id, email, provider, access_token, refresh_token,
			token_type, expires_at, user_metadata, created_at, updated_at
		)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			provider = excluded.provider,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires_at = excluded.expires_at,
			user_metadata = excluded.user_metadata,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err = r.db.Exec(query,
		sess.User.ID,
		sess.User.Email,
		sess.User.Provider,
		sess.AccessToken,
		sess.RefreshToken,
		sess.TokenType,
		expiresAt,
		string(metadata),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Load returns the stored session, or nil when nobody is signed in.
func (r *SessionRepository) Load() (*models.Session, error) {
	query := `
		SELECT user_id, email, provider, access_token, refresh_token, token_type, expires_at, user_metadata
		FROM sessions
		WHERE id = 1
	`

	var (
		sess      models.Session
		expiresAt sql.NullTime
		metadata  string
	)

	err := r.db.QueryRow(query).Scan(
		&sess.User.ID,
		&sess.User.Email,
		&sess.User.Provider,
		&sess.AccessToken,
		&sess.RefreshToken,
		&sess.TokenType,
		&expiresAt,
		&metadata,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if expiresAt.Valid {
		sess.ExpiresAt = expiresAt.Time.UTC()
	}
	if metadata != "" && metadata != "{}" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &sess.User.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode user metadata: %w", err)
		}
	}

	return &sess, nil
}

// Clear removes the stored session. Clearing an empty store is not an error.
func (r *SessionRepository) Clear() error {
	if _, err := r.db.Exec("DELETE FROM sessions WHERE id = 1"); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}
