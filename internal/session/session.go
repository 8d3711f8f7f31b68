// Package session ties one multiplexer to one login lifetime.
//
// A Session is created at login and closed at logout; closing it releases
// every realtime subscription. Controllers are owned by the application and
// connected to topics with Bind.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/livesync/internal/metrics"
	"github.com/roach88/livesync/internal/realtime"
	"github.com/roach88/livesync/internal/reconcile"
	"github.com/roach88/livesync/internal/record"
)

// ErrClosed is returned by Bind and Subscribe on a closed session.
var ErrClosed = errors.New("session: closed")

// Options configures a Session.
type Options struct {
	// ActorID is the signed-in user. Filters passed to Subscribe and Bind
	// that leave IgnoreActorID empty inherit it.
	ActorID string

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  realtime.Tracer
}

// Session is one login lifetime.
type Session struct {
	actorID string
	logger  *slog.Logger
	mux     *realtime.Multiplexer

	mu     sync.Mutex
	closed bool
}

// Open starts a session over src.
func Open(src realtime.Source, opts Options) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	muxOpts := []realtime.Option{
		realtime.WithLogger(logger),
		realtime.WithMetrics(opts.Metrics),
	}
	if opts.Tracer != nil {
		muxOpts = append(muxOpts, realtime.WithTracer(opts.Tracer))
	}
	logger.Info("session opened", "actor", opts.ActorID)
	return &Session{
		actorID: opts.ActorID,
		logger:  logger,
		mux:     realtime.New(src, muxOpts...),
	}
}

// ActorID returns the signed-in user.
func (s *Session) ActorID() string {
	return s.actorID
}

// Multiplexer returns the session's multiplexer.
func (s *Session) Multiplexer() *realtime.Multiplexer {
	return s.mux
}

// Subscribe is Multiplexer.Subscribe with the session's actor filled in.
func (s *Session) Subscribe(ctx context.Context, topic string, filter reconcile.FilterConfig, cb realtime.Callback) (*realtime.Subscription, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if filter.IgnoreActorID == "" {
		filter.IgnoreActorID = s.actorID
	}
	sub, err := s.mux.Subscribe(ctx, topic, filter, cb)

	// Close may have run UnsubscribeAll before this registration existed.
	s.mu.Lock()
	closed = s.closed
	s.mu.Unlock()
	if closed {
		if sub != nil {
			sub.Unsubscribe()
		}
		return nil, ErrClosed
	}
	return sub, err
}

// Close releases every subscription. Idempotent.
//
// Mutations in flight on controllers bound to this session still settle;
// they no longer receive remote updates.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.mux.UnsubscribeAll()
	s.logger.Info("session closed", "actor", s.actorID)
}

// Extractor maps a delivered record to the entity it describes.
// Returning ok=false skips the record.
type Extractor[V any] func(rec record.Record, kind record.Kind) (entityID string, value V, ts time.Time, ok bool)

// RemoteApplier receives server-confirmed entity updates.
// Implemented by *optimistic.Controller.
type RemoteApplier[V any] interface {
	ApplyRemote(entityID string, value V, ts time.Time) bool
}

// Bind subscribes topic and routes every delivered change through extract
// into target.ApplyRemote.
func Bind[V any](ctx context.Context, s *Session, topic string, filter reconcile.FilterConfig, target RemoteApplier[V], extract Extractor[V]) (*realtime.Subscription, error) {
	if target == nil || extract == nil {
		return nil, fmt.Errorf("session: bind %q: target and extractor are required", topic)
	}
	return s.Subscribe(ctx, topic, filter, func(rec record.Record, kind record.Kind) {
		id, value, ts, ok := extract(rec, kind)
		if !ok {
			s.logger.Debug("change skipped by extractor", "topic", topic, "kind", string(kind))
			return
		}
		applied := target.ApplyRemote(id, value, ts)
		s.logger.Debug("remote change routed",
			"topic", topic,
			"entity", id,
			"applied", applied,
		)
	})
}
