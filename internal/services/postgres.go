package services

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/lib/pq"
	"golang.org/x/oauth2"
)

//go:embed sql/bookmarks.sql
var bookmarksSchema string

// BookmarksSchema renders the statements that create the bookmarks table, its access policies and the
// change notification trigger.
func BookmarksSchema(schema, table, channel string) []string {
	r := strings.NewReplacer("{{schema}}", schema, "{{table}}", table, "{{channel}}", channel)

	var out []string
	for _, block := range shared.SplitBlocks(r.Replace(bookmarksSchema)) {
		if isCommentOnly(block) {
			continue
		}
		out = append(out, block)
	}
	return out
}

func isCommentOnly(block string) bool {
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}

// ApplySchema executes [BookmarksSchema] in a single transaction.
func ApplySchema(ctx context.Context, db *sql.DB, schema, table, channel string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range BookmarksSchema(schema, table, channel) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute statement: %w\nStatement: %s", err, stmt)
		}
	}
	return tx.Commit()
}

// OpenPostgres opens and pings a Postgres connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: failed to ping postgres: %v", shared.ErrServiceUnavailable, err)
	}
	return db, nil
}

// PostgresService implements [TableService] over a direct database connection.
//
// Each call runs in a transaction that assumes role and publishes the caller's token claims,
// so the same row level security policies apply as through the REST API.
type PostgresService struct {
	db     *sql.DB
	schema string
	role   string
	secret string
	tokens oauth2.TokenSource
}

// NewPostgresService creates a table client. secret, when set, verifies tokens before their claims are trusted.
func NewPostgresService(db *sql.DB, schema, role, secret string, tokens oauth2.TokenSource) *PostgresService {
	if schema == "" {
		schema = "public"
	}
	if role == "" {
		role = "authenticated"
	}
	return &PostgresService{db: db, schema: schema, role: role, secret: secret, tokens: tokens}
}

func (p *PostgresService) asUser(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if p.tokens == nil {
		return shared.ErrNotAuthenticated
	}
	tok, err := p.tokens.Token()
	if err != nil {
		return err
	}

	claims, err := ParseClaims(tok.AccessToken, p.secret)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(claims)
	if err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", shared.ErrServiceUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT set_config('request.jwt.claims', $1, true)", string(encoded)); err != nil {
		return fmt.Errorf("failed to set claims: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+pq.QuoteIdentifier(p.role)); err != nil {
		return fmt.Errorf("failed to assume role: %w", err)
	}

	if err := fn(tx); err != nil {
		return mapPQError(err)
	}
	return tx.Commit()
}

func mapPQError(err error) error {
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code.Name() {
		case "insufficient_privilege":
			return fmt.Errorf("%w: %s", shared.ErrPermissionDenied, pqErr.Message)
		case "check_violation", "not_null_violation", "invalid_text_representation":
			return fmt.Errorf("%w: %s", shared.ErrInvalidInput, pqErr.Message)
		}
		return fmt.Errorf("%w: %s", shared.ErrAPIRequest, pqErr.Message)
	}
	return err
}

func (p *PostgresService) qualified(table string) string {
	return pq.QuoteIdentifier(p.schema) + "." + pq.QuoteIdentifier(table)
}

// buildWhere renders filters as a WHERE clause with numbered placeholders starting after offset.
func buildWhere(filters []Filter, offset int) (string, []any) {
	if len(filters) == 0 {
		return "", nil
	}

	clauses := make([]string, 0, len(filters))
	args := make([]any, 0, len(filters))
	for i, f := range filters {
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", pq.QuoteIdentifier(f.Column), sqlOps[f.Op], offset+i+1))
		args = append(args, f.Value)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (p *PostgresService) buildSelect(table string, q Query) (string, []any) {
	cols := "*"
	if len(q.Columns) > 0 {
		quoted := make([]string, len(q.Columns))
		for i, c := range q.Columns {
			quoted[i] = pq.QuoteIdentifier(c)
		}
		cols = strings.Join(quoted, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", cols, p.qualified(table))

	where, args := buildWhere(q.Filters, 0)
	b.WriteString(where)

	if len(q.Order) > 0 {
		parts := make([]string, len(q.Order))
		for i, o := range q.Order {
			dir := "DESC"
			if o.Ascending {
				dir = "ASC"
			}
			parts[i] = pq.QuoteIdentifier(o.Column) + " " + dir
		}
		b.WriteString(" ORDER BY " + strings.Join(parts, ", "))
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.Limit)
	}

	return "SELECT coalesce(json_agg(t), '[]'::json) FROM (" + b.String() + ") t", args
}

func (p *PostgresService) buildInsert(table string, row any) (string, []any, error) {
	data, err := json.Marshal(row)
	if err != nil {
		return "", nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: row must encode as an object", shared.ErrInvalidInput)
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("%w: row has no columns", shared.ErrInvalidInput)
	}

	keys := sortedKeys(fields)
	cols := make([]string, len(keys))
	params := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		cols[i] = pq.QuoteIdentifier(k)
		params[i] = fmt.Sprintf("$%d", i+1)
		args[i] = fields[k]
	}

	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", p.qualified(table), strings.Join(cols, ", "), strings.Join(params, ", "))
	return stmt, args, nil
}

// Select runs q and decodes the rows into dest.
func (p *PostgresService) Select(ctx context.Context, table string, q Query, dest any) error {
	if err := q.Validate(); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	stmt, args := p.buildSelect(table, q)
	return p.asUser(ctx, func(tx *sql.Tx) error {
		var raw []byte
		if err := tx.QueryRowContext(ctx, stmt, args...).Scan(&raw); err != nil {
			return err
		}
		if err := json.Unmarshal(raw, dest); err != nil {
			return fmt.Errorf("failed to decode rows: %w", err)
		}
		return nil
	})
}

// Insert creates one row.
func (p *PostgresService) Insert(ctx context.Context, table string, row any) error {
	stmt, args, err := p.buildInsert(table, row)
	if err != nil {
		return err
	}
	return p.asUser(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stmt, args...)
		return err
	})
}

// Delete removes rows matching every filter.
func (p *PostgresService) Delete(ctx context.Context, table string, filters ...Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("%w: delete requires a filter", shared.ErrInvalidInput)
	}
	if err := validateFilters(filters); err != nil {
		return fmt.Errorf("%w: %v", shared.ErrInvalidInput, err)
	}

	where, args := buildWhere(filters, 0)
	stmt := "DELETE FROM " + p.qualified(table) + where
	return p.asUser(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, stmt, args...)
		return err
	})
}

// PostgresListener implements [RealtimeService] with LISTEN/NOTIFY on the channel fed by the schema trigger.
type PostgresListener struct {
	dsn     string
	channel string
	logger  *log.Logger
}

// NewPostgresListener creates a listener for notifications on channel.
func NewPostgresListener(dsn, channel string, logger *log.Logger) *PostgresListener {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &PostgresListener{dsn: dsn, channel: channel, logger: shared.WithLogger(logger, "component", "pg-listener")}
}

// Subscribe starts listening and calls fn for matching notifications.
// Notifications carry every user's changes; the callback re-reads through row level security.
func (l *PostgresListener) Subscribe(ctx context.Context, table string, mask models.EventMask, fn func(models.ChangeEvent)) (Subscription, error) {
	if mask == 0 {
		return nil, fmt.Errorf("%w: empty event mask", shared.ErrSubscription)
	}

	logger := shared.WithLogger(l.logger, "table", table)
	listener := pq.NewListener(l.dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventDisconnected:
			logger.Warn("listener disconnected", "error", err)
		case pq.ListenerEventReconnected:
			logger.Info("listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("listener connection attempt failed", "error", err)
		}
	})

	if err := listener.Listen(l.channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("%w: listen %s: %v", shared.ErrSubscription, l.channel, err)
	}

	sub := &listenerSubscription{listener: listener, done: make(chan struct{})}
	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		for {
			select {
			case <-sub.done:
				return
			case n := <-listener.Notify:
				if n == nil {
					continue
				}
				var evt models.ChangeEvent
				if err := json.Unmarshal([]byte(n.Extra), &evt); err != nil {
					logger.Warn("dropping malformed notification", "error", err)
					continue
				}
				if evt.Table != table || !mask.Has(evt.Kind) {
					continue
				}
				logger.Debug("change received", "event", evt)
				fn(evt)
			case <-time.After(90 * time.Second):
				go listener.Ping()
			}
		}
	}()

	logger.Debug("listening", "channel", l.channel)
	return sub, nil
}

type listenerSubscription struct {
	listener  *pq.Listener
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Unsubscribe stops listening and closes the connection.
func (s *listenerSubscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.wg.Wait()
		err = s.listener.Close()
	})
	return err
}
