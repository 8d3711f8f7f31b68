// Package mqttsource is a change-event source over an MQTT broker.
//
// Each logical topic maps to one MQTT topic filter. OpenTopic subscribes,
// CloseTopic unsubscribes. Messages carry one JSON change each:
//
//	{"type":"INSERT","record":{...},"old_record":{...}}
//
// DELETE changes deliver old_record. paho's auto-reconnect keeps the
// connection up; open topics are resubscribed on every reconnect.
package mqttsource

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/roach88/livesync/internal/record"
	"github.com/roach88/livesync/internal/stream"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("mqttsource: closed")

	// ErrAlreadyOpen is returned when a topic is opened twice.
	ErrAlreadyOpen = errors.New("mqttsource: topic already open")

	// ErrNotOpen is returned when closing a topic that is not open.
	ErrNotOpen = errors.New("mqttsource: topic not open")
)

// Client is the part of mqtt.Client the source uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
}

// BrokerConfig holds connection settings for Dial.
type BrokerConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// Option configures a Source.
type Option func(*Source)

// WithQoS sets the subscription QoS. Default: 1.
func WithQoS(qos byte) Option {
	return func(s *Source) {
		s.qos = qos
	}
}

// WithTopicPrefix sets the prefix mapping a logical topic to an MQTT topic.
func WithTopicPrefix(p string) Option {
	return func(s *Source) {
		s.prefix = p
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) {
		s.logger = l
	}
}

// Source is a realtime.Source over MQTT.
//
// Thread-safety: all methods are safe for concurrent use.
type Source struct {
	client Client
	qos    byte
	prefix string
	logger *slog.Logger

	// disconnect is set by Dial when the source owns the client.
	disconnect func()

	mu     sync.Mutex
	queues map[string]*stream.Queue
	closed bool
}

// New wraps an already connected client.
func New(client Client, opts ...Option) *Source {
	s := &Source{
		client: client,
		qos:    1,
		logger: slog.Default(),
		queues: make(map[string]*stream.Queue),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dial connects to the broker and returns a source that owns the
// connection. Close disconnects it.
func Dial(ctx context.Context, cfg BrokerConfig, opts ...Option) (*Source, error) {
	s := New(nil, opts...)

	mo := mqtt.NewClientOptions()
	mo.AddBroker(cfg.Broker)
	mo.SetClientID(cfg.ClientID)
	mo.SetUsername(cfg.Username)
	mo.SetPassword(cfg.Password)
	mo.SetAutoReconnect(true)
	mo.SetOnConnectHandler(func(mqtt.Client) { s.resubscribe() })
	mo.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.logger.Warn("mqtt connection lost", "broker", cfg.Broker, "error", err)
	})

	client := mqtt.NewClient(mo)
	s.client = client
	s.disconnect = func() { client.Disconnect(250) }

	if err := wait(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.Broker, err)
	}
	s.logger.Info("mqtt connected", "broker", cfg.Broker)
	return s, nil
}

// OpenTopic subscribes topic and returns its change stream.
// ctx bounds the wait for the broker's SUBACK.
func (s *Source) OpenTopic(ctx context.Context, topic string) (stream.Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if _, ok := s.queues[topic]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, topic)
	}
	q := stream.NewQueue()
	s.queues[topic] = q
	s.mu.Unlock()

	if err := wait(ctx, s.client.Subscribe(s.prefix+topic, s.qos, s.handler(topic, q))); err != nil {
		s.mu.Lock()
		if s.queues[topic] == q {
			delete(s.queues, topic)
		}
		s.mu.Unlock()
		q.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	s.logger.Info("mqtt topic subscribed", "topic", topic)
	return q, nil
}

// CloseTopic unsubscribes topic and ends its stream.
func (s *Source) CloseTopic(topic string) error {
	s.mu.Lock()
	q, ok := s.queues[topic]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotOpen, topic)
	}
	delete(s.queues, topic)
	s.mu.Unlock()

	q.Close()
	// Not waited on: the stream is already gone locally and a late
	// message for topic finds no queue.
	s.client.Unsubscribe(s.prefix + topic)
	return nil
}

// Close unsubscribes every topic, ends every stream and, if the source was
// created by Dial, disconnects. Idempotent.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	queues := s.queues
	s.queues = make(map[string]*stream.Queue)
	s.mu.Unlock()

	topics := make([]string, 0, len(queues))
	for topic, q := range queues {
		q.Close()
		topics = append(topics, s.prefix+topic)
	}
	if len(topics) > 0 && s.client != nil {
		s.client.Unsubscribe(topics...)
	}
	if s.disconnect != nil {
		s.disconnect()
	}
	return nil
}

// handler decodes messages for one logical topic into q.
func (s *Source) handler(topic string, q *stream.Queue) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		c, err := decodeChange(msg.Payload())
		if err != nil {
			s.logger.Warn("undecodable mqtt message",
				"topic", topic,
				"mqtt_topic", msg.Topic(),
				"error", err,
			)
			return
		}
		c.Topic = topic
		q.Enqueue(c)
	}
}

// resubscribe re-issues every open subscription after a reconnect.
func (s *Source) resubscribe() {
	s.mu.Lock()
	queues := make(map[string]*stream.Queue, len(s.queues))
	for t, q := range s.queues {
		queues[t] = q
	}
	s.mu.Unlock()

	for topic, q := range queues {
		tok := s.client.Subscribe(s.prefix+topic, s.qos, s.handler(topic, q))
		go func(topic string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := wait(ctx, tok); err != nil {
				s.logger.Error("mqtt resubscribe failed", "topic", topic, "error", err)
			}
		}(topic)
	}
}

type changePayload struct {
	Type      string        `json:"type"`
	Record    record.Record `json:"record"`
	OldRecord record.Record `json:"old_record"`
}

func decodeChange(data []byte) (record.Change, error) {
	var p changePayload
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&p); err != nil {
		return record.Change{}, err
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

// wait blocks until tok completes or ctx is done.
func wait(ctx context.Context, tok mqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
