package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/desertthunder/marks/internal/models"
	"github.com/desertthunder/marks/internal/shared"
	"github.com/gorilla/websocket"
	"golang.org/x/oauth2"
)

const (
	defaultHeartbeat   = 25 * time.Second
	defaultJoinTimeout = 10 * time.Second
	phoenixTopic       = "phoenix"
)

// phxMessage is a Phoenix channel frame.
type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type phxReply struct {
	Status   string         `json:"status"`
	Response map[string]any `json:"response"`
}

type changePayload struct {
	Data struct {
		Type            string         `json:"type"`
		Schema          string         `json:"schema"`
		Table           string         `json:"table"`
		CommitTimestamp string         `json:"commit_timestamp"`
		Record          map[string]any `json:"record"`
		OldRecord       map[string]any `json:"old_record"`
	} `json:"data"`
}

// RealtimeClient implements [RealtimeService] over the Realtime websocket protocol.
// Each subscription owns its own connection; a dropped connection ends the subscription.
type RealtimeClient struct {
	endpoint    string
	schema      string
	tokens      oauth2.TokenSource
	dialer      *websocket.Dialer
	heartbeat   time.Duration
	joinTimeout time.Duration
	logger      *log.Logger
}

// NewRealtimeClient creates a realtime client for the backend at baseURL.
func NewRealtimeClient(baseURL, apiKey, schema string, tokens oauth2.TokenSource, logger *log.Logger) (*RealtimeClient, error) {
	endpoint, err := RealtimeEndpoint(baseURL, apiKey)
	if err != nil {
		return nil, err
	}
	if schema == "" {
		schema = "public"
	}
	if logger == nil {
		logger = shared.NewLogger(nil)
	}

	return &RealtimeClient{
		endpoint:    endpoint,
		schema:      schema,
		tokens:      tokens,
		dialer:      websocket.DefaultDialer,
		heartbeat:   defaultHeartbeat,
		joinTimeout: defaultJoinTimeout,
		logger:      shared.WithLogger(logger, "component", "realtime"),
	}, nil
}

// WithHeartbeat overrides the heartbeat interval.
func (c *RealtimeClient) WithHeartbeat(d time.Duration) *RealtimeClient {
	if d > 0 {
		c.heartbeat = d
	}
	return c
}

// RealtimeEndpoint derives the websocket URL from the backend's HTTP URL.
func RealtimeEndpoint(baseURL, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("%w: bad backend url: %v", shared.ErrInvalidConfig, err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("%w: unsupported url scheme %q", shared.ErrInvalidConfig, u.Scheme)
	}

	u.Path += "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), nil
}

// Subscribe joins a channel for table changes and returns once the server has acknowledged the join.
func (c *RealtimeClient) Subscribe(ctx context.Context, table string, mask models.EventMask, fn func(models.ChangeEvent)) (Subscription, error) {
	if mask == 0 {
		return nil, fmt.Errorf("%w: empty event mask", shared.ErrSubscription)
	}

	token := ""
	if c.tokens != nil {
		tok, err := c.tokens.Token()
		if err != nil && !errors.Is(err, shared.ErrNotAuthenticated) {
			return nil, err
		}
		if tok != nil {
			token = tok.AccessToken
		}
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w: dial failed with status %d: %v", shared.ErrSubscription, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%w: dial failed: %v", shared.ErrSubscription, err)
	}

	sub := &channelSubscription{
		conn:   conn,
		topic:  "realtime:" + table + "-changes",
		table:  table,
		mask:   mask,
		fn:     fn,
		done:   make(chan struct{}),
		logger: shared.WithLogger(c.logger, "table", table),
	}

	if err := sub.join(c.schema, token, c.joinTimeout); err != nil {
		conn.Close()
		return nil, err
	}

	sub.wg.Add(2)
	go sub.readLoop()
	go sub.heartbeatLoop(c.heartbeat)

	sub.logger.Debug("subscribed", "topic", sub.topic)
	return sub, nil
}

type channelSubscription struct {
	conn    *websocket.Conn
	topic   string
	table   string
	mask    models.EventMask
	fn      func(models.ChangeEvent)
	joinRef string

	writeMu   sync.Mutex
	ref       atomic.Uint64
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    *log.Logger
}

func (s *channelSubscription) nextRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *channelSubscription) send(topic, event string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	msg := phxMessage{Topic: topic, Event: event, Payload: data, Ref: s.nextRef(), JoinRef: s.joinRef}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return msg.Ref, s.conn.WriteJSON(msg)
}

// join sends phx_join and reads frames until its reply arrives.
func (s *channelSubscription) join(schema, token string, timeout time.Duration) error {
	payload := map[string]any{
		"config": map[string]any{
			"broadcast": map[string]any{"ack": false, "self": false},
			"presence":  map[string]any{"key": ""},
			"postgres_changes": []map[string]string{{
				"event":  s.mask.Filter(),
				"schema": schema,
				"table":  s.table,
			}},
			"private": false,
		},
	}
	if token != "" {
		payload["access_token"] = token
	}

	s.joinRef = "1"
	s.ref.Store(0)
	ref, err := s.send(s.topic, "phx_join", payload)
	if err != nil {
		return fmt.Errorf("%w: join failed: %v", shared.ErrSubscription, err)
	}

	s.conn.SetReadDeadline(time.Now().Add(timeout))
	defer s.conn.SetReadDeadline(time.Time{})

	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("%w: waiting for join reply: %v", shared.ErrSubscription, err)
		}
		if msg.Event != "phx_reply" || msg.Ref != ref {
			continue
		}

		var reply phxReply
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("%w: bad join reply: %v", shared.ErrSubscription, err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: join rejected: %v", shared.ErrSubscription, reply.Response)
		}
		return nil
	}
}

func (s *channelSubscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *channelSubscription) readLoop() {
	defer s.wg.Done()

	for {
		var msg phxMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			if !s.closed() {
				s.logger.Warn("realtime connection lost", "error", err)
			}
			return
		}

		switch msg.Event {
		case "postgres_changes":
			evt, err := decodeChange(msg.Payload)
			if err != nil {
				s.logger.Warn("dropping malformed change", "error", err)
				continue
			}
			if evt.Table != "" && evt.Table != s.table {
				continue
			}
			if !s.mask.Has(evt.Kind) {
				continue
			}
			s.logger.Debug("change received", "event", evt)
			s.fn(evt)
		case "phx_error", "phx_close":
			if msg.Topic == s.topic {
				s.logger.Warn("channel closed by server", "event", msg.Event)
				return
			}
		case "system":
			s.logger.Debug("system message", "payload", string(msg.Payload))
		}
	}
}

func (s *channelSubscription) heartbeatLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if _, err := s.send(phoenixTopic, "heartbeat", map[string]any{}); err != nil {
				if !s.closed() {
					s.logger.Warn("heartbeat failed", "error", err)
				}
				return
			}
		}
	}
}

// Unsubscribe leaves the channel and closes the connection.
// It must not be called from inside the change callback.
func (s *channelSubscription) Unsubscribe() error {
	var err error
	s.closeOnce.Do(func() {
		_, leaveErr := s.send(s.topic, "phx_leave", map[string]any{})
		close(s.done)
		err = s.conn.Close()
		s.wg.Wait()
		if leaveErr != nil {
			s.logger.Debug("leave failed", "error", leaveErr)
		}
		s.logger.Debug("unsubscribed", "topic", s.topic)
	})
	return err
}

func decodeChange(raw json.RawMessage) (models.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.ChangeEvent{}, err
	}

	evt := models.ChangeEvent{
		Kind:   models.EventKind(strings.ToUpper(p.Data.Type)),
		Schema: p.Data.Schema,
		Table:  p.Data.Table,
		New:    p.Data.Record,
		Old:    p.Data.OldRecord,
	}
	if p.Data.CommitTimestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
			evt.CommitAt = ts
		}
	}
	return evt, nil
}
