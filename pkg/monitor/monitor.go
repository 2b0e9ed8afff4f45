package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/types"
	"github.com/rs/zerolog"
)

// ErrAlreadyMonitoring is returned by Start while a monitoring session is running.
var ErrAlreadyMonitoring = errors.New("there is a running job to monitor device messages, please stop it first")

// Label prefixes every line the monitor prints.
const Label = "[Monitor]"

// Config holds configuration for the Monitor.
type Config struct {
	// Lookback admits messages published up to this long before monitoring started.
	Lookback time.Duration
}

// Filter restricts which messages are printed. The zero value admits every device.
type Filter struct {
	DeviceID string
}

func (f Filter) describe() string {
	if f.DeviceID == "" {
		return "all devices"
	}
	return fmt.Sprintf("device [%s]", f.DeviceID)
}

// Stats counts messages seen by the current or last session.
type Stats struct {
	Received int64 `json:"received"`
	Printed  int64 `json:"printed"`
	Filtered int64 `json:"filtered"`
}

// Monitor prints inbound device messages as they arrive.
type Monitor struct {
	factory ConsumerFactory
	config  Config
	out     io.Writer
	logger  zerolog.Logger
	now     func() time.Time

	outMu sync.Mutex

	mu       sync.Mutex
	consumer MessageConsumer
	cancel   context.CancelFunc
	done     chan struct{}

	received atomic.Int64
	printed  atomic.Int64
	filtered atomic.Int64
}

// NewMonitor creates a Monitor writing to out. Each Start obtains a new consumer from factory.
func NewMonitor(factory ConsumerFactory, cfg Config, out io.Writer, logger zerolog.Logger) *Monitor {
	if cfg.Lookback < 0 {
		cfg.Lookback = 0
	}
	return &Monitor{
		factory: factory,
		config:  cfg,
		out:     out,
		logger:  logger.With().Str("component", "Monitor").Logger(),
		now:     time.Now,
	}
}

// IsMonitoring reports whether a session is running.
func (m *Monitor) IsMonitoring() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consumer != nil
}

// Stats returns the counters of the current or last session.
func (m *Monitor) Stats() Stats {
	return Stats{
		Received: m.received.Load(),
		Printed:  m.printed.Load(),
		Filtered: m.filtered.Load(),
	}
}

// Start begins printing messages that match filter. Messages published earlier than
// Config.Lookback before now are skipped.
func (m *Monitor) Start(ctx context.Context, filter Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.consumer != nil {
		m.printLine(ErrAlreadyMonitoring.Error())
		return ErrAlreadyMonitoring
	}

	m.printLine(fmt.Sprintf("Start monitoring messages for %s ...", filter.describe()))
	consumer, err := m.factory(ctx)
	if err != nil {
		m.printLine(err.Error())
		return fmt.Errorf("failed to create message consumer: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := consumer.Start(runCtx); err != nil {
		cancel()
		_ = consumer.Stop()
		m.printLine(err.Error())
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	m.received.Store(0)
	m.printed.Store(0)
	m.filtered.Store(0)
	m.consumer = consumer
	m.cancel = cancel
	m.done = make(chan struct{})

	cutoff := m.now().Add(-m.config.Lookback)
	m.logger.Info().Str("device_id", filter.DeviceID).Time("cutoff", cutoff).Msg("Monitoring started")
	go m.loop(runCtx, consumer, filter, cutoff, m.done)
	return nil
}

// Stop ends the running session and waits for it to finish printing. It is a no-op
// when nothing is running.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	consumer, cancel, done := m.consumer, m.cancel, m.done
	m.consumer, m.cancel, m.done = nil, nil, nil
	m.mu.Unlock()

	if consumer == nil {
		m.logger.Debug().Msg("Stop requested with no monitoring session running")
		return nil
	}

	cancel()
	err := consumer.Stop()
	<-done
	m.printLine("Stop monitoring messages.")
	m.logger.Info().Interface("stats", m.Stats()).Msg("Monitoring stopped")
	return err
}

func (m *Monitor) loop(ctx context.Context, consumer MessageConsumer, filter Filter, cutoff time.Time, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-consumer.Messages():
			if !ok {
				m.consumerEnded(consumer)
				return
			}
			m.handle(msg, filter, cutoff)
		}
	}
}

// consumerEnded clears the session when the consumer stopped by itself.
func (m *Monitor) consumerEnded(consumer MessageConsumer) {
	m.mu.Lock()
	current := m.consumer == consumer
	if current {
		m.cancel()
		m.consumer, m.cancel, m.done = nil, nil, nil
	}
	m.mu.Unlock()
	if !current {
		return
	}

	if err := consumer.Err(); err != nil {
		m.printLine(err.Error())
	}
	m.printLine("Message monitoring stopped. Please try to start monitoring again or use a different subscription to monitor.")
	m.logger.Warn().Err(consumer.Err()).Msg("Message consumer ended unexpectedly")
}

func (m *Monitor) handle(msg types.ConsumedMessage, filter Filter, cutoff time.Time) {
	m.received.Add(1)
	defer ack(msg)

	deviceID := ""
	if msg.DeviceInfo != nil {
		deviceID = msg.DeviceInfo.UID
	}
	if filter.DeviceID != "" && filter.DeviceID != deviceID {
		m.filtered.Add(1)
		return
	}
	if !msg.PublishTime.IsZero() && msg.PublishTime.Before(cutoff) {
		m.filtered.Add(1)
		return
	}

	body, err := FormatMessage(msg)
	if err != nil {
		m.logger.Error().Err(err).Str("msg_id", msg.ID).Msg("Failed to format message")
		return
	}

	source := msg.DeviceInfo.SourceLabel()
	if source == "" {
		source = "unknown device"
	}
	timePrefix := ""
	if !msg.PublishTime.IsZero() {
		timePrefix = fmt.Sprintf("[%s] ", msg.PublishTime.Local().Format(time.TimeOnly))
	}

	m.outMu.Lock()
	defer m.outMu.Unlock()
	_, _ = fmt.Fprintf(m.out, "%s %sMessage received from [%s]:\n%s\n", Label, timePrefix, source, body)
	m.printed.Add(1)
}

func ack(msg types.ConsumedMessage) {
	if msg.Ack != nil {
		msg.Ack()
	}
}

// printedMessage is what the monitor prints for each message.
type printedMessage struct {
	Body       json.RawMessage   `json:"body"`
	Properties map[string]string `json:"properties,omitempty"`
}

// FormatMessage renders msg as indented JSON. A JSON payload is embedded as is,
// anything else as a JSON string. Device identity attributes are left out of the
// properties because they are already shown in the header.
func FormatMessage(msg types.ConsumedMessage) (string, error) {
	var body json.RawMessage
	if json.Valid(msg.Payload) {
		body = msg.Payload
	} else {
		quoted, err := json.Marshal(string(msg.Payload))
		if err != nil {
			return "", err
		}
		body = quoted
	}

	var properties map[string]string
	for k, v := range msg.Attributes {
		if k == AttrDeviceID || k == AttrModuleID || k == "mqtt_topic" {
			continue
		}
		if properties == nil {
			properties = make(map[string]string)
		}
		properties[k] = v
	}

	raw, err := json.Marshal(printedMessage{Body: body, Properties: properties})
	if err != nil {
		return "", err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return "", err
	}
	return pretty.String(), nil
}

func (m *Monitor) printLine(line string) {
	m.outMu.Lock()
	defer m.outMu.Unlock()
	_, _ = fmt.Fprintf(m.out, "%s %s\n", Label, line)
}
