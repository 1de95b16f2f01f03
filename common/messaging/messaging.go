// Package messaging provides abstractions for the trust layer's alert bus.
// trustd publishes operational alerts and trustctl subscribes to them without
// either side depending on a specific broker implementation.
package messaging

import (
	"context"
	"time"
)

// Message represents a message received from or sent to a message broker.
type Message struct {
	Subject   string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
}

// MessageHandler processes a received message.
type MessageHandler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription to a subject.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Publisher publishes messages to subjects.
type Publisher interface {
	// Publish sends a fire-and-forget message to subject.
	Publish(ctx context.Context, subject string, data []byte) error

	// PublishJSON marshals v and publishes it to subject.
	PublishJSON(ctx context.Context, subject string, v any) error

	Close() error
}

// Subscriber subscribes to messages on subjects.
type Subscriber interface {
	Subscribe(subject string, handler MessageHandler) (Subscription, error)
	Close() error
}
