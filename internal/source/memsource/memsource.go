// Package memsource is an in-process change-event source.
//
// It backs tests, the scenario harness and local demos: Publish plays the
// role of the backend pushing a change. It also keeps open/close counters so
// callers can verify the multiplexer never holds two physical streams for
// one topic.
package memsource

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/stream"
)

var (
	// ErrAlreadyOpen is returned when a topic is opened twice without an
	// intervening close.
	ErrAlreadyOpen = errors.New("memsource: topic already open")

	// ErrNotOpen is returned when closing a topic that is not open.
	ErrNotOpen = errors.New("memsource: topic not open")
)

// Source is a thread-safe in-memory implementation of realtime.Source.
type Source struct {
	mu       sync.Mutex
	queues   map[string]*stream.Queue
	opens    map[string]int
	closes   map[string]int
	failOpen map[string]error
}

// New creates an empty source.
func New() *Source {
	return &Source{
		queues:   make(map[string]*stream.Queue),
		opens:    make(map[string]int),
		closes:   make(map[string]int),
		failOpen: make(map[string]error),
	}
}

// OpenTopic opens a physical stream for topic.
func (s *Source) OpenTopic(ctx context.Context, topic string) (stream.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err, ok := s.failOpen[topic]; ok {
		return nil, err
	}
	if _, ok := s.queues[topic]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, topic)
	}

	q := stream.NewQueue()
	s.queues[topic] = q
	s.opens[topic]++
	return q, nil
}

// CloseTopic closes the physical stream for topic.
func (s *Source) CloseTopic(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[topic]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, topic)
	}
	q.Close()
	delete(s.queues, topic)
	s.closes[topic]++
	return nil
}

// Publish pushes a change to topic.
// Returns false when no stream is open for topic (the change is lost, as it
// would be on a real push connection with no subscription).
func (s *Source) Publish(topic string, kind record.Kind, rec record.Record) bool {
	s.mu.Lock()
	q, ok := s.queues[topic]
	s.mu.Unlock()

	if !ok {
		return false
	}
	return q.Enqueue(record.Change{Topic: topic, Kind: kind, Record: rec})
}

// FailOpen makes subsequent opens of topic fail with err.
// A nil err clears the failure.
func (s *Source) FailOpen(topic string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOpen, topic)
		return
	}
	s.failOpen[topic] = err
}

// IsOpen reports whether topic currently has an open stream.
func (s *Source) IsOpen(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.queues[topic]
	return ok
}

// OpenTopics returns the currently open topics, sorted.
func (s *Source) OpenTopics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	topics := make([]string, 0, len(s.queues))
	for t := range s.queues {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Opens returns how many times topic has been opened.
func (s *Source) Opens(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opens[topic]
}

// Closes returns how many times topic has been closed.
func (s *Source) Closes(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes[topic]
}

// Pending returns the number of changes buffered but not yet consumed on
// topic. Returns 0 when the topic is not open.
func (s *Source) Pending(topic string) int {
	s.mu.Lock()
	q, ok := s.queues[topic]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	return q.Len()
}
