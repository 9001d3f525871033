// package models defines the data model for the bookmark manager
package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ErrValidation wraps every error returned by [Validate].
var ErrValidation = errors.New("validation failed")

// Bookmark is a row of the bookmarks table as returned by the backend.
type Bookmark struct {
	ID        string    `json:"id" yaml:"id"`
	Title     string    `json:"title" yaml:"title"`
	URL       string    `json:"url" yaml:"url"`
	UserID    string    `json:"user_id" yaml:"user_id"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// UnmarshalJSON decodes a row whose id is a JSON string or a number, so tables keyed by uuid and by
// bigint identity both work. The id is kept as its literal text.
func (b *Bookmark) UnmarshalJSON(data []byte) error {
	type row Bookmark
	aux := struct {
		*row
		ID json.RawMessage `json:"id"`
	}{row: (*row)(b)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	raw := bytes.TrimSpace(aux.ID)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		b.ID = ""
	case raw[0] == '"':
		return json.Unmarshal(raw, &b.ID)
	default:
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return fmt.Errorf("bookmark id: %w", err)
		}
		b.ID = n.String()
	}
	return nil
}

// NewBookmark is the insert payload for a bookmark row.
type NewBookmark struct {
	Title  string `json:"title" validate:"required"`
	URL    string `json:"url" validate:"required"`
	UserID string `json:"user_id" validate:"required"`
}

// User is the authenticated identity.
type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Provider string         `json:"provider"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// DisplayName prefers the provider's full name, then the email, then the ID.
func (u User) DisplayName() string {
	for _, key := range []string{"full_name", "name"} {
		if v, ok := u.Metadata[key].(string); ok && v != "" {
			return v
		}
	}
	if u.Email != "" {
		return u.Email
	}
	return u.ID
}

// Session is an authenticated identity plus the tokens used to act as it.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired reports whether the access token expires within leeway of now.
// A zero ExpiresAt never expires.
func (s *Session) Expired(now time.Time, leeway time.Duration) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(leeway).Before(s.ExpiresAt)
}

// UserID returns the owner identifier for rows created under this session, or "" for a nil session.
func (s *Session) UserID() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// EventKind is a row mutation type.
type EventKind string

const (
	EventInsert EventKind = "INSERT"
	EventUpdate EventKind = "UPDATE"
	EventDelete EventKind = "DELETE"
)

// EventMask is a set of [EventKind] values.
type EventMask uint8

const (
	MaskInsert EventMask = 1 << iota
	MaskUpdate
	MaskDelete

	MaskAll = MaskInsert | MaskUpdate | MaskDelete
)

// Has reports whether kind is in the mask.
func (m EventMask) Has(kind EventKind) bool {
	switch EventKind(strings.ToUpper(string(kind))) {
	case EventInsert:
		return m&MaskInsert != 0
	case EventUpdate:
		return m&MaskUpdate != 0
	case EventDelete:
		return m&MaskDelete != 0
	}
	return false
}

// Filter renders the mask the way the realtime service expects it: "*" for everything,
// otherwise the single event name. Masks with two kinds render as "*" and are narrowed client side.
func (m EventMask) Filter() string {
	switch m {
	case MaskInsert:
		return string(EventInsert)
	case MaskUpdate:
		return string(EventUpdate)
	case MaskDelete:
		return string(EventDelete)
	}
	return "*"
}

// ChangeEvent is one row mutation pushed by the backend.
type ChangeEvent struct {
	Kind     EventKind      `json:"type"`
	Schema   string         `json:"schema"`
	Table    string         `json:"table"`
	CommitAt time.Time      `json:"commit_timestamp"`
	New      map[string]any `json:"record,omitempty"`
	Old      map[string]any `json:"old_record,omitempty"`
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s %s.%s", e.Kind, e.Schema, e.Table)
}

// Validate runs struct tag validation, wrapping failures in [ErrValidation].
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			fields := make([]string, 0, len(ve))
			for _, fe := range ve {
				fields = append(fields, strings.ToLower(fe.Field()))
			}
			return fmt.Errorf("%w: %s required", ErrValidation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ImportStatus is the lifecycle state of an [ImportJob].
type ImportStatus string

const (
	ImportPending   ImportStatus = "pending"
	ImportRunning   ImportStatus = "running"
	ImportCompleted ImportStatus = "completed"
	ImportFailed    ImportStatus = "failed"
)

// ImportJob records one bulk import run. It lives in the local store only.
type ImportJob struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id" validate:"required"`
	Source      string       `json:"source" validate:"required"`
	Format      string       `json:"format" validate:"required"`
	Status      ImportStatus `json:"status"`
	Total       int          `json:"total"`
	Imported    int          `json:"imported"`
	Skipped     int          `json:"skipped"`
	Failed      int          `json:"failed"`
	Error       string       `json:"error,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// NewImportJob creates a pending job.
func NewImportJob(userID, source, format string) *ImportJob {
	now := time.Now().UTC()
	return &ImportJob{
		UserID:    userID,
		Source:    source,
		Format:    format,
		Status:    ImportPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the job running.
func (j *ImportJob) Start(now time.Time) {
	j.Status = ImportRunning
	j.StartedAt = &now
}

// Finish marks the job completed, or failed when err is non-nil.
func (j *ImportJob) Finish(now time.Time, err error) {
	j.CompletedAt = &now
	if err != nil {
		j.Status = ImportFailed
		j.Error = err.Error()
		return
	}
	j.Status = ImportCompleted
}

// Duration is the time between start and completion, or zero while the job is unfinished.
func (j *ImportJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}
