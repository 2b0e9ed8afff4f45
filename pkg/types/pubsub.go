package types

import (
	"time"
)

// ConsumedMessage is one inbound device message, independent of the broker it came from.
type ConsumedMessage struct {
	// ID is the unique identifier for the message from the source broker.
	ID string
	// Payload is the raw byte content of the message.
	Payload []byte
	// PublishTime is the timestamp when the message was originally published.
	PublishTime time.Time
	// Source names where the message arrived, e.g. the MQTT topic or Pub/Sub subscription.
	Source string
	// Attributes carries broker metadata such as Pub/Sub attributes.
	Attributes map[string]string
	// Ack is a function to call to acknowledge that the message has been
	// successfully processed.
	Ack func()
	// Nack is a function to call to signal that processing has failed and the
	// message should be re-queued or sent to a dead-letter queue.
	Nack func()

	// DeviceInfo identifies the sending device when the source provides it.
	DeviceInfo *DeviceInfo
}

type DeviceInfo struct {
	UID      string `json:"uid"`
	ModuleID string `json:"moduleId,omitempty"`
}

// SourceLabel renders the device as "device" or "device/module".
func (d *DeviceInfo) SourceLabel() string {
	if d == nil {
		return ""
	}
	if d.ModuleID != "" {
		return d.UID + "/" + d.ModuleID
	}
	return d.UID
}
