package monitor

import (
	"context"

	"github.com/illmade-knight/go-iot-sim/pkg/types"
)

// MessageConsumer defines the interface for a message source (e.g., Pub/Sub, MQTT).
// A consumer is started once; create a new one to monitor again after Stop.
type MessageConsumer interface {
	// Messages returns a read-only channel from which raw messages can be consumed.
	// It is closed when the consumer stops.
	Messages() <-chan types.ConsumedMessage
	// Start initiates the consumption of messages.
	Start(ctx context.Context) error
	// Stop gracefully ceases message consumption.
	Stop() error
	// Done returns a channel that is closed when the consumer has fully stopped.
	Done() <-chan struct{}
	// Err returns the error that ended consumption, or nil after a requested stop.
	Err() error
}

// ConsumerFactory creates a fresh consumer for each monitoring session.
type ConsumerFactory func(ctx context.Context) (MessageConsumer, error)
