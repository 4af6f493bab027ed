package domain

import (
	"context"
)

// EventBus is the interface for event-driven communication between the
// API surface and the recalculation worker. Go channels serve the
// embedded tier; NATS serves multi-process deployments.
type EventBus interface {
	// Publish sends a message to a topic, scoped to a facility.
	Publish(ctx context.Context, facilityID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, facilityID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID         string            `json:"id"`
	FacilityID string            `json:"facilityId"`
	Topic      string            `json:"topic"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata"`
	Timestamp  int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Topics for the calculation pipeline.
const (
	TopicVisitEvaluated  = "visit.evaluated"
	TopicRecalcRequested = "recalc.requested"
	TopicRecalcCompleted = "recalc.completed"
	TopicRecalcFailed    = "recalc.failed"
)
