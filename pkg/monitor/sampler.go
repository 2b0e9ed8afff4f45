package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/types"
	"github.com/rs/zerolog"
)

// CapturedMessage is one message saved by a Sampler.
type CapturedMessage struct {
	Timestamp time.Time       `json:"timestamp"`
	Device    string          `json:"device,omitempty"`
	Source    string          `json:"source"`
	Payload   json.RawMessage `json:"payload"`
}

// Sampler captures the first messages that match a filter, for use as fixtures or
// templates.
type Sampler struct {
	factory     ConsumerFactory
	logger      zerolog.Logger
	numMessages int
}

// NewSampler creates a sampler that stops after numMessages captures.
func NewSampler(factory ConsumerFactory, numMessages int, logger zerolog.Logger) *Sampler {
	return &Sampler{
		factory:     factory,
		logger:      logger.With().Str("component", "Sampler").Logger(),
		numMessages: numMessages,
	}
}

// Run captures until the target count is reached, the consumer ends or ctx is done.
// Whatever was captured is returned in every case.
func (s *Sampler) Run(ctx context.Context, filter Filter) ([]CapturedMessage, error) {
	if s.numMessages <= 0 {
		return nil, errors.New("sampler needs a positive message count")
	}
	consumer, err := s.factory(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create message consumer: %w", err)
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := consumer.Start(runCtx); err != nil {
		_ = consumer.Stop()
		return nil, fmt.Errorf("failed to start message consumer: %w", err)
	}
	defer func() {
		if err := consumer.Stop(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to stop message consumer")
		}
	}()

	s.logger.Info().Int("target_count", s.numMessages).Str("device_id", filter.DeviceID).Msg("Starting Sampler run...")
	captured := make([]CapturedMessage, 0, s.numMessages)
	for len(captured) < s.numMessages {
		select {
		case <-runCtx.Done():
			s.logger.Info().Int("captured_count", len(captured)).Msg("Sampler stopped by context cancellation")
			return captured, nil
		case msg, ok := <-consumer.Messages():
			if !ok {
				return captured, consumer.Err()
			}
			ack(msg)
			if filter.DeviceID != "" && (msg.DeviceInfo == nil || msg.DeviceInfo.UID != filter.DeviceID) {
				continue
			}
			captured = append(captured, capture(msg))
			s.logger.Debug().Int("captured_count", len(captured)).Int("target_count", s.numMessages).Msg("Message captured")
		}
	}
	s.logger.Info().Int("captured_count", len(captured)).Msg("Target message count reached")
	return captured, nil
}

func capture(msg types.ConsumedMessage) CapturedMessage {
	var payload json.RawMessage
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, msg.Payload, "", "  "); err == nil {
		payload = pretty.Bytes()
	} else {
		payload, _ = json.Marshal(string(msg.Payload))
	}
	timestamp := msg.PublishTime
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	return CapturedMessage{
		Timestamp: timestamp.UTC(),
		Device:    msg.DeviceInfo.SourceLabel(),
		Source:    msg.Source,
		Payload:   payload,
	}
}

// WriteSamples saves messages to filename as an indented JSON array.
func WriteSamples(filename string, messages []CapturedMessage) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("could not create file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(messages); err != nil {
		return fmt.Errorf("could not encode messages to JSON: %w", err)
	}
	return nil
}
