// Package wssource is a change-event source speaking the Phoenix channel
// protocol over a websocket, as served by Postgres realtime gateways.
//
// One websocket carries every topic. OpenTopic joins a channel (phx_join)
// and waits for the server's reply; CloseTopic leaves it (phx_leave).
// postgres_changes pushes are decoded into record.Change values and buffered
// per topic until the multiplexer's pump reads them.
//
// When the connection drops, the source redials with exponential backoff and
// rejoins every open channel. Per-topic streams survive the reconnect.
// Changes pushed while disconnected are not replayed.
package wssource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/stream"
)

// Phoenix protocol events.
const (
	eventJoin      = "phx_join"
	eventLeave     = "phx_leave"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"

	heartbeatTopic = "phoenix"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("wssource: closed")

	// ErrAlreadyOpen is returned when a topic is opened twice.
	ErrAlreadyOpen = errors.New("wssource: topic already open")

	// ErrNotOpen is returned when closing a topic that is not open.
	ErrNotOpen = errors.New("wssource: topic not open")

	errConnectionLost = errors.New("connection lost")
)

// JoinError reports that the server refused or never answered a phx_join.
type JoinError struct {
	Topic    string
	Status   string
	Response string
	Err      error
}

// Error implements the error interface.
func (e *JoinError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("join %s: %v", e.Topic, e.Err)
	}
	return fmt.Sprintf("join %s: status %s: %s", e.Topic, e.Status, e.Response)
}

// Unwrap returns the underlying error, if any.
func (e *JoinError) Unwrap() error {
	return e.Err
}

// ChannelConfig selects the rows a channel listens to.
type ChannelConfig struct {
	Schema string
	Table  string
	// Filter is a server-side row filter, e.g. "creator_id=eq.42".
	Filter string
	// Event is "*", "INSERT", "UPDATE" or "DELETE". Empty means "*".
	Event string
}

// message is one Phoenix protocol frame.
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

type reply struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// changePayload is the row change carried by postgres_changes ("data") and
// by the legacy per-kind events (the payload itself).
type changePayload struct {
	Type            string        `json:"type"`
	Schema          string        `json:"schema"`
	Table           string        `json:"table"`
	CommitTimestamp string        `json:"commit_timestamp"`
	Record          record.Record `json:"record"`
	OldRecord       record.Record `json:"old_record"`
}

// Option configures a Source.
type Option func(*config)

type config struct {
	dialer        *websocket.Dialer
	heartbeat     time.Duration
	joinTimeout   time.Duration
	writeTimeout  time.Duration
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	topicPrefix   string
	channelConfig func(topic string) ChannelConfig
	logger        *slog.Logger
}

// WithDialer sets the websocket dialer. Default: websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *config) {
		c.dialer = d
	}
}

// WithHeartbeatInterval sets how often a heartbeat is sent. The read
// deadline is twice this interval. Default: 30s.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) {
		c.heartbeat = d
	}
}

// WithJoinTimeout bounds the wait for a phx_join reply. Default: 10s.
func WithJoinTimeout(d time.Duration) Option {
	return func(c *config) {
		c.joinTimeout = d
	}
}

// WithReconnectDelay sets the backoff range for redialing. Default: 1s..30s.
func WithReconnectDelay(minDelay, maxDelay time.Duration) Option {
	return func(c *config) {
		c.reconnectMin = minDelay
		c.reconnectMax = maxDelay
	}
}

// WithTopicPrefix sets the prefix mapping a logical topic to a channel
// topic. Default: "realtime:".
func WithTopicPrefix(p string) Option {
	return func(c *config) {
		c.topicPrefix = p
	}
}

// WithChannelConfig maps a logical topic to its row selection.
// Default: every event on public.<topic>.
func WithChannelConfig(fn func(topic string) ChannelConfig) Option {
	return func(c *config) {
		c.channelConfig = fn
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func defaultChannelConfig(topic string) ChannelConfig {
	return ChannelConfig{Schema: "public", Table: topic}
}

type channel struct {
	topic string
	queue *stream.Queue
}

// Source is a realtime.Source over one websocket connection.
//
// Thread-safety: all methods are safe for concurrent use. mu guards the
// connection, channels and pending replies; writeMu serializes frames on
// the connection (gorilla/websocket allows one concurrent writer).
type Source struct {
	url string
	cfg config

	mu           sync.Mutex
	conn         *websocket.Conn
	channels     map[string]*channel
	pending      map[string]chan reply
	ref          uint64
	closed       bool
	reconnecting bool

	writeMu sync.Mutex
	stop    chan struct{}
}

// New creates a source for the websocket endpoint at url. No connection is
// made until the first OpenTopic.
func New(url string, opts ...Option) *Source {
	cfg := config{
		dialer:        websocket.DefaultDialer,
		heartbeat:     30 * time.Second,
		joinTimeout:   10 * time.Second,
		writeTimeout:  10 * time.Second,
		reconnectMin:  time.Second,
		reconnectMax:  30 * time.Second,
		topicPrefix:   "realtime:",
		channelConfig: defaultChannelConfig,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Source{
		url:      url,
		cfg:      cfg,
		channels: make(map[string]*channel),
		pending:  make(map[string]chan reply),
		stop:     make(chan struct{}),
	}
}

// OpenTopic joins the channel for topic and returns its change stream.
//
// ctx bounds the dial (if no connection is up yet) and the wait for the
// join reply.
func (s *Source) OpenTopic(ctx context.Context, topic string) (stream.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.channels[topic]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, topic)
	}
	if err := s.connectLocked(ctx); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := &channel{topic: topic, queue: stream.NewQueue()}
	s.channels[topic] = ch
	ref, wait := s.expectReplyLocked()
	conn := s.conn
	s.mu.Unlock()

	fail := func(err error) (stream.Stream, error) {
		s.mu.Lock()
		if s.channels[topic] == ch {
			delete(s.channels, topic)
		}
		delete(s.pending, ref)
		s.mu.Unlock()
		ch.queue.Close()
		return nil, err
	}

	if err := s.send(conn, s.joinMessage(topic, ref)); err != nil {
		return fail(&JoinError{Topic: topic, Err: err})
	}

	timer := time.NewTimer(s.cfg.joinTimeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		if r.Status != "ok" {
			return fail(&JoinError{Topic: topic, Status: r.Status, Response: string(r.Response)})
		}
	case <-ctx.Done():
		return fail(&JoinError{Topic: topic, Err: ctx.Err()})
	case <-timer.C:
		return fail(&JoinError{Topic: topic, Err: context.DeadlineExceeded})
	}

	s.cfg.logger.Info("channel joined", "topic", topic)
	return ch.queue, nil
}

// CloseTopic leaves the channel for topic and ends its stream.
func (s *Source) CloseTopic(topic string) error {
	s.mu.Lock()
	ch, ok := s.channels[topic]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, topic)
	}
	delete(s.channels, topic)
	conn := s.conn
	ref := s.nextRefLocked()
	s.mu.Unlock()

	ch.queue.Close()
	if conn == nil {
		return nil
	}
	err := s.send(conn, message{
		Topic:   s.cfg.topicPrefix + topic,
		Event:   eventLeave,
		Payload: json.RawMessage(`{}`),
		Ref:     ref,
	})
	if err != nil {
		// The channel is gone locally; the server drops it with the socket.
		s.cfg.logger.Warn("leave failed", "topic", topic, "error", err)
	}
	return nil
}

// Close leaves every channel, ends every stream and closes the connection.
// Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.stop)
	conn := s.conn
	s.conn = nil
	channels := s.channels
	s.channels = make(map[string]*channel)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.queue.Close()
	}
	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return conn.Close()
}

// connectLocked dials if no connection is up. Caller holds s.mu.
func (s *Source) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, _, err := s.cfg.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}
	s.conn = conn
	done := make(chan struct{})
	go s.readLoop(conn, done)
	go s.heartbeatLoop(conn, done)
	s.cfg.logger.Info("realtime connected", "url", s.url)
	return nil
}

func (s *Source) nextRefLocked() string {
	s.ref++
	return strconv.FormatUint(s.ref, 10)
}

// expectReplyLocked allocates a ref and a slot for its phx_reply.
// Caller holds s.mu.
func (s *Source) expectReplyLocked() (string, chan reply) {
	ref := s.nextRefLocked()
	wait := make(chan reply, 1)
	s.pending[ref] = wait
	return ref, wait
}

func (s *Source) joinMessage(topic, ref string) message {
	cc := s.cfg.channelConfig(topic)
	if cc.Event == "" {
		cc.Event = "*"
	}
	entry := map[string]string{"event": cc.Event}
	if cc.Schema != "" {
		entry["schema"] = cc.Schema
	}
	if cc.Table != "" {
		entry["table"] = cc.Table
	}
	if cc.Filter != "" {
		entry["filter"] = cc.Filter
	}
	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{entry},
		},
	})
	return message{
		Topic:   s.cfg.topicPrefix + topic,
		Event:   eventJoin,
		Payload: payload,
		Ref:     ref,
		JoinRef: ref,
	}
}

// send writes one frame.
func (s *Source) send(conn *websocket.Conn, msg message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}

func (s *Source) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	readTimeout := 2 * s.cfg.heartbeat
	for {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.connectionLost(conn, err)
			return
		}
		var msg message
		if err := decodeJSON(data, &msg); err != nil {
			s.cfg.logger.Warn("undecodable frame", "error", err)
			continue
		}
		s.dispatch(msg)
	}
}

func (s *Source) heartbeatLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(s.cfg.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.mu.Lock()
			ref := s.nextRefLocked()
			s.mu.Unlock()
			err := s.send(conn, message{
				Topic:   heartbeatTopic,
				Event:   eventHeartbeat,
				Payload: json.RawMessage(`{}`),
				Ref:     ref,
			})
			if err != nil {
				s.cfg.logger.Warn("heartbeat failed", "error", err)
				// Unblocks readLoop, which handles the reconnect.
				conn.Close()
				return
			}
		}
	}
}

func (s *Source) dispatch(msg message) {
	switch msg.Event {
	case eventReply:
		var r reply
		if err := decodeJSON(msg.Payload, &r); err != nil {
			s.cfg.logger.Warn("undecodable reply", "topic", msg.Topic, "error", err)
			return
		}
		s.mu.Lock()
		wait, ok := s.pending[msg.Ref]
		delete(s.pending, msg.Ref)
		s.mu.Unlock()
		if ok {
			wait <- r
		}

	case eventChanges, string(record.KindInsert), string(record.KindUpdate), string(record.KindDelete):
		s.deliver(msg)

	case eventError, eventClose:
		s.cfg.logger.Warn("channel event", "topic", msg.Topic, "event", msg.Event)

	default:
		s.cfg.logger.Debug("ignored frame", "topic", msg.Topic, "event", msg.Event)
	}
}

func (s *Source) deliver(msg message) {
	topic, ok := strings.CutPrefix(msg.Topic, s.cfg.topicPrefix)
	if !ok {
		return
	}
	c, err := decodeChange(msg)
	if err != nil {
		s.cfg.logger.Warn("undecodable change", "topic", topic, "error", err)
		return
	}
	c.Topic = topic

	s.mu.Lock()
	ch, ok := s.channels[topic]
	s.mu.Unlock()
	if !ok {
		return
	}
	ch.queue.Enqueue(c)
}

// decodeChange converts a change frame to a record.Change.
// DELETE carries the old row.
func decodeChange(msg message) (record.Change, error) {
	var p changePayload
	if msg.Event == eventChanges {
		var wrapped struct {
			Data changePayload `json:"data"`
		}
		if err := decodeJSON(msg.Payload, &wrapped); err != nil {
			return record.Change{}, err
		}
		p = wrapped.Data
	} else if err := decodeJSON(msg.Payload, &p); err != nil {
		return record.Change{}, err
	}
	if p.Type == "" {
		p.Type = msg.Event
	}
	kind, err := record.ParseKind(p.Type)
	if err != nil {
		return record.Change{}, err
	}
	rec := p.Record
	if kind == record.KindDelete {
		rec = p.OldRecord
	}
	if rec == nil {
		rec = record.Record{}
	}
	return record.Change{Kind: kind, Record: rec}, nil
}

// decodeJSON keeps numbers as json.Number so integral IDs and unix-millis
// timestamps survive without float rounding.
func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// connectionLost fails pending replies and schedules a reconnect.
func (s *Source) connectionLost(conn *websocket.Conn, err error) {
	conn.Close()

	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	for ref, wait := range s.pending {
		wait <- reply{Status: "error", Response: json.RawMessage(strconv.Quote(errConnectionLost.Error()))}
		delete(s.pending, ref)
	}
	reconnect := !s.closed && len(s.channels) > 0 && !s.reconnecting
	if reconnect {
		s.reconnecting = true
	}
	s.mu.Unlock()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
		s.cfg.logger.Warn("realtime connection lost", "error", err)
	} else {
		s.cfg.logger.Info("realtime connection closed", "error", err)
	}
	if reconnect {
		go s.reconnectLoop()
	}
}

func (s *Source) reconnectLoop() {
	delay := s.cfg.reconnectMin
	for {
		timer := time.NewTimer(delay)
		select {
		case <-s.stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		s.mu.Lock()
		if s.closed || s.conn != nil {
			s.reconnecting = false
			s.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.joinTimeout)
		err := s.connectLocked(ctx)
		cancel()
		if err != nil {
			s.mu.Unlock()
			s.cfg.logger.Warn("reconnect failed", "error", err, "retry_in", delay)
			delay = min(delay*2, s.cfg.reconnectMax)
			continue
		}
		s.reconnecting = false
		conn := s.conn
		topics := make([]string, 0, len(s.channels))
		refs := make([]string, 0, len(s.channels))
		waits := make([]chan reply, 0, len(s.channels))
		for topic := range s.channels {
			ref, wait := s.expectReplyLocked()
			topics = append(topics, topic)
			refs = append(refs, ref)
			waits = append(waits, wait)
		}
		s.mu.Unlock()

		for i, topic := range topics {
			go s.rejoin(conn, topic, refs[i], waits[i])
		}
		return
	}
}

// rejoin re-sends phx_join for an open channel after a reconnect.
func (s *Source) rejoin(conn *websocket.Conn, topic, ref string, wait chan reply) {
	if err := s.send(conn, s.joinMessage(topic, ref)); err != nil {
		s.cfg.logger.Error("rejoin failed", "topic", topic, "error", err)
		return
	}
	timer := time.NewTimer(s.cfg.joinTimeout)
	defer timer.Stop()
	select {
	case r := <-wait:
		if r.Status != "ok" {
			s.cfg.logger.Error("rejoin refused", "topic", topic, "status", r.Status)
			return
		}
		s.cfg.logger.Info("channel rejoined", "topic", topic)
	case <-timer.C:
		s.mu.Lock()
		delete(s.pending, ref)
		s.mu.Unlock()
		s.cfg.logger.Error("rejoin timed out", "topic", topic)
	case <-s.stop:
	}
}
