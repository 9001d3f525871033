// package services defines the interfaces for the hosted backend's auth, table and realtime APIs
//
// Supabase (GoTrue, PostgREST, Realtime) and a direct Postgres connection
package services

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/desertthunder/marks/internal/models"
)

// AuthService is the backend's authentication API.
type AuthService interface {
	// AuthorizeURL returns the URL that starts a redirect-based sign-in with provider.
	// The backend redirects to redirectTo with a one-time code when the user finishes.
	AuthorizeURL(provider, redirectTo, verifier string) string

	// ExchangeCode trades the code from the redirect for a session, proving possession of verifier.
	ExchangeCode(ctx context.Context, code, verifier string) (*models.Session, error)

	// Refresh issues a new session for a refresh token.
	Refresh(ctx context.Context, refreshToken string) (*models.Session, error)

	// User returns the identity an access token belongs to.
	User(ctx context.Context, accessToken string) (*models.User, error)

	// SignOut revokes the session behind accessToken.
	SignOut(ctx context.Context, accessToken string) error
}

// TableService is the backend's table CRUD API. Row visibility is decided by the backend.
type TableService interface {
	// Select decodes the rows of table matching q into dest, which must be a pointer to a slice.
	Select(ctx context.Context, table string, q Query, dest any) error

	// Insert adds row, a JSON-encodable struct or map, to table.
	Insert(ctx context.Context, table string, row any) error

	// Delete removes rows of table matching every filter. At least one filter is required.
	Delete(ctx context.Context, table string, filters ...Filter) error
}

// RealtimeService is the backend's change notification API.
type RealtimeService interface {
	// Subscribe calls fn for each mutation of table whose kind is in mask until the subscription is released.
	Subscribe(ctx context.Context, table string, mask models.EventMask, fn func(models.ChangeEvent)) (Subscription, error)
}

// Subscription is a live change notification channel.
type Subscription interface {
	// Unsubscribe releases the channel. Safe to call more than once.
	Unsubscribe() error
}

// Op is a filter comparison operator, named as PostgREST names them.
type Op string

const (
	OpEq  Op = "eq"
	OpNeq Op = "neq"
	OpGt  Op = "gt"
	OpGte Op = "gte"
	OpLt  Op = "lt"
	OpLte Op = "lte"
)

var sqlOps = map[Op]string{
	OpEq:  "=",
	OpNeq: "<>",
	OpGt:  ">",
	OpGte: ">=",
	OpLt:  "<",
	OpLte: "<=",
}

// Filter restricts rows to those where Column Op Value holds.
type Filter struct {
	Column string
	Op     Op
	Value  string
}

// Eq is shorthand for an equality [Filter].
func Eq(column, value string) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

// Order sorts rows by Column.
type Order struct {
	Column    string
	Ascending bool
}

// Query describes a select: columns (default "*"), filters, ordering and an optional limit.
type Query struct {
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
}

// Validate rejects unknown operators and empty column names.
func (q Query) Validate() error {
	return validateFilters(q.Filters)
}

func validateFilters(filters []Filter) error {
	for _, f := range filters {
		if f.Column == "" {
			return fmt.Errorf("filter has an empty column")
		}
		if _, ok := sqlOps[f.Op]; !ok {
			return fmt.Errorf("unsupported filter operator %q", f.Op)
		}
	}
	return nil
}

// Values encodes q as PostgREST query parameters.
func (q Query) Values() url.Values {
	v := filterValues(q.Filters)

	cols := "*"
	if len(q.Columns) > 0 {
		cols = strings.Join(q.Columns, ",")
	}
	v.Set("select", cols)

	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "desc"
			if o.Ascending {
				dir = "asc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		v.Set("order", strings.Join(parts, ","))
	}

	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	return v
}

func filterValues(filters []Filter) url.Values {
	v := url.Values{}
	for _, f := range filters {
		v.Add(f.Column, string(f.Op)+"."+f.Value)
	}
	return v
}

// sortedKeys returns the keys of m in lexical order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
