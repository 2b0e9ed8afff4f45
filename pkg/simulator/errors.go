package simulator

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidOperation is returned when a run would schedule no messages.
	ErrInvalidOperation = errors.New("invalid operation: run must schedule at least one message")
	// ErrBusy is returned when a run is requested while another is still in progress.
	ErrBusy = errors.New("a previous simulation is in progress")
	// ErrOverCompletion is returned when a counter is asked to record more outcomes than it expects.
	ErrOverCompletion = errors.New("status counter over-completion")
)

// ConnectionError reports a failure to open the channel for one device.
type ConnectionError struct {
	Descriptor string
	Err        error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to open device connection for %s: %v", e.Descriptor, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// SendError reports the failure of a single message send.
type SendError struct {
	DeviceID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed for device %s: %v", e.DeviceID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// TemplateError reports a payload that could not be generated.
type TemplateError struct {
	Err error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("failed to render message template: %v", e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }
