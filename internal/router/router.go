// Package router delivers typed messages between agents and orchestrators.
// Bounded in-memory priority queues per receiver are the source of truth;
// a NATS bridge mirrors accepted messages for external consumers on a
// best-effort basis and never blocks local delivery.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MessageType classifies a message for handler dispatch
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeReply        MessageType = "reply"
	MessageTypeNotification MessageType = "notification"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeCommand      MessageType = "command"
	MessageTypeEvent        MessageType = "event"
)

// Message is the envelope routed between agents and orchestrators
type Message struct {
	ID        uuid.UUID       `json:"id"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Type      MessageType     `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	TTL       time.Duration   `json:"ttl,omitempty"`
	Priority  int             `json:"priority"` // 0-9, higher delivered first
}

// NewMessage creates a message with normal priority
func NewMessage(from, to string, payload any) (*Message, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	return &Message{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Type:      MessageTypeNotification,
		Payload:   payloadJSON,
		Metadata:  make(map[string]any),
		Timestamp: time.Now(),
		Priority:  5,
	}, nil
}

// WithType sets the message type
func (m *Message) WithType(msgType MessageType) *Message {
	m.Type = msgType
	return m
}

// WithTopic sets the pub/sub topic
func (m *Message) WithTopic(topic string) *Message {
	m.Topic = topic
	return m
}

// WithPriority sets the message priority, clamped to 0-9
func (m *Message) WithPriority(priority int) *Message {
	if priority < 0 {
		priority = 0
	}
	if priority > 9 {
		priority = 9
	}
	m.Priority = priority
	return m
}

// WithTTL sets the message time-to-live
func (m *Message) WithTTL(ttl time.Duration) *Message {
	m.TTL = ttl
	return m
}

// WithMetadata adds metadata to the message
func (m *Message) WithMetadata(key string, value any) *Message {
	m.Metadata[key] = value
	return m
}

// ExpiredAt reports whether the message TTL has lapsed at the given time
func (m *Message) ExpiredAt(now time.Time) bool {
	return m.TTL > 0 && now.Sub(m.Timestamp) > m.TTL
}

// Handler is a callback registered for a message type. Errors are logged
// and never block other handlers.
type Handler func(msg *Message) error

// Config configures the router
type Config struct {
	// QueueCapacity bounds each receiver's queue (default 10000)
	QueueCapacity int
	// Bridge mirrors accepted messages to an external bus; optional
	Bridge *Bridge
}

// Router owns the per-receiver queues, topic subscriptions and the
// handler dispatch loop.
type Router struct {
	mu       sync.RWMutex
	queues   map[string]*receiverQueue
	topics   map[string]map[string]struct{} // topic -> subscriber set
	handlers map[MessageType][]Handler

	capacity   int
	bridge     *Bridge
	dispatchCh chan *Message
	logger     zerolog.Logger
	metrics    *routerMetrics
}

// New creates a router
func New(cfg Config) *Router {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	return &Router{
		queues:     make(map[string]*receiverQueue),
		topics:     make(map[string]map[string]struct{}),
		handlers:   make(map[MessageType][]Handler),
		capacity:   cfg.QueueCapacity,
		bridge:     cfg.Bridge,
		dispatchCh: make(chan *Message, 1024),
		logger:     log.With().Str("component", "router").Logger(),
		metrics:    getOrCreateRouterMetrics(),
	}
}

// Send enqueues a message to its receiver's queue and returns the
// message id. Expired messages are rejected outright.
func (r *Router) Send(ctx context.Context, msg *Message) (uuid.UUID, error) {
	select {
	case <-ctx.Done():
		return uuid.Nil, ctx.Err()
	default:
	}

	if msg.To == "" {
		return uuid.Nil, fmt.Errorf("message has no receiver")
	}
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == "" {
		msg.Type = MessageTypeNotification
	}
	if msg.ExpiredAt(time.Now()) {
		r.metrics.droppedExpired.Inc()
		return uuid.Nil, fmt.Errorf("message %s already expired", msg.ID)
	}

	r.enqueue(msg)
	r.mirror(msg)

	r.logger.Debug().
		Str("message_id", msg.ID.String()).
		Str("from", msg.From).
		Str("to", msg.To).
		Str("type", string(msg.Type)).
		Int("priority", msg.Priority).
		Msg("Message enqueued")

	return msg.ID, nil
}

// Broadcast sends one copy of the message to every subscriber of the
// topic except the sender. Returns the per-copy message ids.
func (r *Router) Broadcast(ctx context.Context, topic string, msg *Message) ([]uuid.UUID, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r.mu.RLock()
	subs := make([]string, 0, len(r.topics[topic]))
	for id := range r.topics[topic] {
		if id != msg.From {
			subs = append(subs, id)
		}
	}
	r.mu.RUnlock()

	msg.Type = MessageTypeBroadcast
	msg.Topic = topic

	ids := make([]uuid.UUID, 0, len(subs))
	for _, to := range subs {
		clone := *msg
		clone.ID = uuid.New()
		clone.To = to
		if clone.Timestamp.IsZero() {
			clone.Timestamp = time.Now()
		}
		r.enqueue(&clone)
		ids = append(ids, clone.ID)
	}

	r.mirrorBroadcast(topic, msg)

	r.logger.Debug().
		Str("from", msg.From).
		Str("topic", topic).
		Int("subscribers", len(subs)).
		Msg("Broadcast message")

	return ids, nil
}

// Subscribe adds the agent to a topic's subscriber set
func (r *Router) Subscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.topics[topic] == nil {
		r.topics[topic] = make(map[string]struct{})
	}
	r.topics[topic][agentID] = struct{}{}
	r.logger.Info().Str("agent", agentID).Str("topic", topic).Msg("Subscribed to topic")
}

// Unsubscribe removes the agent from a topic's subscriber set
func (r *Router) Unsubscribe(agentID, topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.topics[topic]; ok {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(r.topics, topic)
		}
	}
	r.logger.Info().Str("agent", agentID).Str("topic", topic).Msg("Unsubscribed from topic")
}

// Receive removes and returns up to limit head-of-queue messages for the
// agent. Expired messages are discarded, never returned.
func (r *Router) Receive(agentID string, limit int) []*Message {
	if limit <= 0 {
		limit = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	q, ok := r.queues[agentID]
	if !ok {
		return nil
	}

	now := time.Now()
	out := make([]*Message, 0, limit)
	for len(out) < limit {
		msg, expired := q.pop(now)
		for range expired {
			r.metrics.droppedExpired.Inc()
		}
		if msg == nil {
			break
		}
		out = append(out, msg)
		r.metrics.delivered.Inc()
	}
	return out
}

// QueueDepth reports the number of queued messages for the agent
func (r *Router) QueueDepth(agentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if q, ok := r.queues[agentID]; ok {
		return q.len()
	}
	return 0
}

// RegisterHandler registers a callback for a message type. The dispatch
// loop invokes each registered handler exactly once per enqueued message.
func (r *Router) RegisterHandler(msgType MessageType, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[msgType] = append(r.handlers[msgType], fn)
}

// Run drains the dispatch channel until the context is cancelled. Core
// owns this loop.
func (r *Router) Run(ctx context.Context) {
	r.logger.Info().Msg("Router dispatch loop started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Router dispatch loop stopped")
			return
		case msg := <-r.dispatchCh:
			r.dispatch(msg)
		}
	}
}

func (r *Router) dispatch(msg *Message) {
	if msg.ExpiredAt(time.Now()) {
		r.metrics.droppedExpired.Inc()
		r.logger.Debug().
			Str("message_id", msg.ID.String()).
			Dur("ttl", msg.TTL).
			Msg("Message expired, skipping handlers")
		return
	}

	r.mu.RLock()
	handlers := append([]Handler(nil), r.handlers[msg.Type]...)
	r.mu.RUnlock()

	for _, fn := range handlers {
		if err := fn(msg); err != nil {
			r.logger.Error().
				Err(err).
				Str("message_id", msg.ID.String()).
				Str("type", string(msg.Type)).
				Msg("Message handler error")
		}
	}
}

func (r *Router) enqueue(msg *Message) {
	r.mu.Lock()
	q, ok := r.queues[msg.To]
	if !ok {
		q = newReceiverQueue(r.capacity)
		r.queues[msg.To] = q
	}
	dropped := q.push(msg)
	r.mu.Unlock()

	r.metrics.enqueued.Inc()
	if dropped != nil {
		r.metrics.droppedOverflow.Inc()
		r.logger.Warn().
			Str("receiver", msg.To).
			Str("dropped_id", dropped.ID.String()).
			Int("dropped_priority", dropped.Priority).
			Msg("Queue full, dropped lowest-priority message")
	}

	// Hand to the dispatch loop without blocking senders
	select {
	case r.dispatchCh <- msg:
	default:
		r.logger.Warn().Str("message_id", msg.ID.String()).Msg("Dispatch channel full, handlers skipped")
	}
}

func (r *Router) mirror(msg *Message) {
	if r.bridge == nil {
		return
	}
	if err := r.bridge.Publish(msg); err != nil {
		r.logger.Warn().Err(err).Str("message_id", msg.ID.String()).Msg("Bridge publish failed")
	}
}

func (r *Router) mirrorBroadcast(topic string, msg *Message) {
	if r.bridge == nil {
		return
	}
	if err := r.bridge.PublishBroadcast(topic, msg); err != nil {
		r.logger.Warn().Err(err).Str("topic", topic).Msg("Bridge broadcast failed")
	}
}

// Stats returns router statistics
func (r *Router) Stats() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	depth := 0
	for _, q := range r.queues {
		depth += q.len()
	}

	stats := map[string]any{
		"receivers":   len(r.queues),
		"topics":      len(r.topics),
		"queue_depth": depth,
	}
	if r.bridge != nil {
		stats["bridge"] = r.bridge.Stats()
	}
	return stats
}

// routerMetrics tracks router activity in Prometheus
type routerMetrics struct {
	enqueued        prometheus.Counter
	delivered       prometheus.Counter
	droppedExpired  prometheus.Counter
	droppedOverflow prometheus.Counter
}

var (
	routerMetricsInstance *routerMetrics
	routerMetricsOnce     sync.Once
)

// getOrCreateRouterMetrics avoids duplicate registration panics when
// multiple routers are constructed (tests)
func getOrCreateRouterMetrics() *routerMetrics {
	routerMetricsOnce.Do(func() {
		routerMetricsInstance = &routerMetrics{
			enqueued: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_router_messages_enqueued_total",
				Help: "Messages accepted into receiver queues",
			}),
			delivered: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_router_messages_delivered_total",
				Help: "Messages returned to receivers",
			}),
			droppedExpired: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_router_messages_dropped_expired_total",
				Help: "Messages dropped because their TTL lapsed",
			}),
			droppedOverflow: promauto.NewCounter(prometheus.CounterOpts{
				Name: "council_router_messages_dropped_overflow_total",
				Help: "Messages dropped because a receiver queue was full",
			}),
		}
	})
	return routerMetricsInstance
}
