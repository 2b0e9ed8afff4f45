package simulator

import (
	"context"
)

// --- Collaborator Abstractions ---

// Connector opens the send channel for one simulated device.
// Implementations live in the devicelink package (MQTT, Google Pub/Sub).
type Connector interface {
	// Open connects the device described by descriptor. The descriptor is opaque to the
	// simulator; it is usually a device connection string.
	Open(ctx context.Context, descriptor string) (DeviceConnection, error)
}

// DeviceConnection is an open channel for one device. It is owned by a single run.
type DeviceConnection interface {
	// DeviceID identifies the device for status accounting and logs.
	DeviceID() string
	// Send delivers one payload and blocks until the broker has accepted or rejected it.
	Send(ctx context.Context, payload []byte) error
	// Close releases the channel. The simulator calls it at most once per connection.
	Close() error
}

// MessageGenerator renders a message template into a fresh payload.
type MessageGenerator interface {
	Render(template string) (string, error)
}

// ProgressSink receives run progress. Implementations must return quickly;
// the simulator calls them inline and applies no timeout.
//
// ReportIncrement receives the number of sends initiated so far, not the number
// settled; the message carries the succeeded and failed counts.
type ProgressSink interface {
	ReportIncrement(sent, total int, message string)
	ReportFinal(summary string)
}
