package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// Signal is a cross-instance session notification.
type Signal string

const (
	// SignalSessionCleared means the session was ended elsewhere (logout)
	SignalSessionCleared Signal = "session_cleared"

	// SignalSessionRefreshed means another instance refreshed the session
	SignalSessionRefreshed Signal = "session_refreshed"
)

// DefaultTopic is the topic WatermillBus publishes on.
const DefaultTopic = "guard.session"

// Notification is what travels over a Bus.
type Notification struct {
	Signal    Signal    `json:"signal"`
	Origin    string    `json:"origin"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// Bus is the external invalidation source coordinators share.
// Subscribe's channel is closed when ctx ends or the bus closes.
type Bus interface {
	Publish(ctx context.Context, n Notification) error
	Subscribe(ctx context.Context) (<-chan Notification, error)
}

// WatermillBus carries notifications over any watermill transport.
type WatermillBus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	logger     *slog.Logger
}

// NewWatermillBus adapts a watermill publisher and subscriber. An empty topic
// selects DefaultTopic.
func NewWatermillBus(publisher message.Publisher, subscriber message.Subscriber, topic string, logger *slog.Logger) *WatermillBus {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WatermillBus{
		publisher:  publisher,
		subscriber: subscriber,
		topic:      topic,
		logger:     logger,
	}
}

// NewInProcessBus returns a bus over an in-memory gochannel pub/sub, for
// coordinators living in the same process.
func NewInProcessBus(logger *slog.Logger) *WatermillBus {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return NewWatermillBus(pubSub, pubSub, DefaultTopic, logger)
}

// Publish implements Bus.
func (b *WatermillBus) Publish(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("failed to encode session notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)
	msg.Metadata.Set("signal", string(n.Signal))

	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("failed to publish session notification: %w", err)
	}
	return nil
}

// Subscribe implements Bus.
func (b *WatermillBus) Subscribe(ctx context.Context) (<-chan Notification, error) {
	msgs, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.topic, err)
	}

	out := make(chan Notification)
	go func() {
		defer close(out)
		for msg := range msgs {
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				// Poison message: ack so it is not redelivered.
				b.logger.Warn("Dropping malformed session notification",
					"message_uuid", msg.UUID,
					"error", err)
				msg.Ack()
				continue
			}

			select {
			case out <- n:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()

	return out, nil
}

// Close closes the underlying publisher and subscriber. Watermill transports
// tolerate a second Close, so a shared pub/sub may be passed as both.
func (b *WatermillBus) Close() error {
	return errors.Join(b.publisher.Close(), b.subscriber.Close())
}
