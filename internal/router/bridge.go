package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// subject layout for mirrored messages
const (
	subjectPrefix    = "council.msg."
	broadcastPrefix  = "council.topic."
	bridgeClientName = "council-router"
)

// Bridge mirrors router traffic onto NATS so out-of-process consumers
// (dashboards, sibling deployments) can observe it. The in-memory queues
// stay authoritative; bridge failures are logged and never block delivery.
type Bridge struct {
	nc *nats.Conn
}

// NewBridge connects to NATS with infinite reconnects
func NewBridge(natsURL string) (*Bridge, error) {
	nc, err := nats.Connect(
		natsURL,
		nats.Name(bridgeClientName),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("nats_url", natsURL).Msg("Router bridge connected")

	return &Bridge{nc: nc}, nil
}

// Publish mirrors a direct message to council.msg.{receiver}.{type}
func (b *Bridge) Publish(msg *Message) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("bridge not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := fmt.Sprintf("%s%s.%s", subjectPrefix, msg.To, msg.Type)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// PublishBroadcast mirrors a broadcast to council.topic.{topic}
func (b *Bridge) PublishBroadcast(topic string, msg *Message) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("bridge not connected")
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	subject := broadcastPrefix + topic
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

// SubscribeBroadcasts observes mirrored broadcasts for a topic. Used by
// external consumers; the local router never feeds from the bridge.
func (b *Bridge) SubscribeBroadcasts(topic string, handler Handler) (*nats.Subscription, error) {
	subject := broadcastPrefix + topic
	sub, err := b.nc.Subscribe(subject, func(natsMsg *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(natsMsg.Data, &msg); err != nil {
			log.Warn().Err(err).Msg("Failed to unmarshal bridged message")
			return
		}
		if msg.ExpiredAt(time.Now()) {
			return
		}
		if err := handler(&msg); err != nil {
			log.Error().Err(err).Str("topic", topic).Msg("Bridged message handler error")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return sub, nil
}

// Stats returns connection statistics
func (b *Bridge) Stats() map[string]any {
	stats := make(map[string]any)
	if b.nc != nil {
		stats["connected"] = b.nc.IsConnected()
		stats["status"] = b.nc.Status().String()
		stats["in_msgs"] = b.nc.Stats().InMsgs
		stats["out_msgs"] = b.nc.Stats().OutMsgs
		stats["reconnects"] = b.nc.Stats().Reconnects
	}
	return stats
}

// Close drains the connection
func (b *Bridge) Close() {
	if b.nc != nil {
		b.nc.Close()
		log.Info().Msg("Router bridge closed")
	}
}
