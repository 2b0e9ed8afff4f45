package devicelink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Attribute keys set on every simulated message.
const (
	AttrDeviceID  = "device_id"
	AttrModuleID  = "module_id"
	AttrMessageID = "message_id"
	AttrSource    = "source"
	sourceName    = "iotsim"
)

// GooglePubsubConfig holds configuration for the Pub/Sub connector.
type GooglePubsubConfig struct {
	ProjectID       string
	TopicID         string
	ClientOptions   []option.ClientOption
	PublishSettings pubsub.PublishSettings
}

// GetDefaultPublishSettings keeps batching short; every simulated send waits for its result.
func GetDefaultPublishSettings() pubsub.PublishSettings {
	return pubsub.PublishSettings{
		DelayThreshold: 10 * time.Millisecond,
		CountThreshold: 100,
		ByteThreshold:  1e6,
		NumGoroutines:  10,
		Timeout:        60 * time.Second,
	}
}

// LoadGooglePubsubConfigFromEnv loads Pub/Sub configuration from environment variables.
func LoadGooglePubsubConfigFromEnv() (*GooglePubsubConfig, error) {
	cfg := &GooglePubsubConfig{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		TopicID:         os.Getenv("PUBSUB_TOPIC_ID_DEVICE_EVENTS"),
		PublishSettings: GetDefaultPublishSettings(),
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub")
	}
	if cfg.TopicID == "" {
		return nil, errors.New("PUBSUB_TOPIC_ID_DEVICE_EVENTS environment variable not set for Pub/Sub")
	}
	if credentialsFile := os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"); credentialsFile != "" {
		cfg.ClientOptions = []option.ClientOption{option.WithCredentialsFile(credentialsFile)}
	}
	return cfg, nil
}

// PubsubConnector publishes every simulated device's messages to one Pub/Sub topic,
// tagging each with the device identity.
type PubsubConnector struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	logger zerolog.Logger
	owned  bool
}

// NewPubsubConnector creates its own client for cfg.ProjectID. Stop closes it.
func NewPubsubConnector(ctx context.Context, cfg GooglePubsubConfig, logger zerolog.Logger) (*PubsubConnector, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	c, err := NewPubsubConnectorWithClient(ctx, client, cfg, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	c.owned = true
	return c, nil
}

// NewPubsubConnectorWithClient uses an existing client. Stop leaves the client open.
func NewPubsubConnectorWithClient(ctx context.Context, client *pubsub.Client, cfg GooglePubsubConfig, logger zerolog.Logger) (*PubsubConnector, error) {
	if client == nil {
		return nil, errors.New("pubsub client cannot be nil for connector")
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check existence of topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	settings := cfg.PublishSettings
	if settings.CountThreshold == 0 && settings.DelayThreshold == 0 {
		settings = GetDefaultPublishSettings()
	}
	topic.PublishSettings.DelayThreshold = settings.DelayThreshold
	topic.PublishSettings.CountThreshold = settings.CountThreshold
	topic.PublishSettings.ByteThreshold = settings.ByteThreshold
	topic.PublishSettings.NumGoroutines = settings.NumGoroutines
	topic.PublishSettings.Timeout = settings.Timeout

	logger.Info().Str("project_id", cfg.ProjectID).Str("topic_id", cfg.TopicID).Msg("PubsubConnector initialized successfully")
	return &PubsubConnector{
		client: client,
		topic:  topic,
		logger: logger.With().Str("component", "PubsubConnector").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Open returns a connection for the device named by descriptor. No network call is made.
func (c *PubsubConnector) Open(_ context.Context, descriptor string) (simulator.DeviceConnection, error) {
	cs, err := connstr.ParseDevice(descriptor)
	if err != nil {
		return nil, fmt.Errorf("descriptor does not name a device: %w", err)
	}
	d := &pubsubDevice{topic: c.topic, deviceID: cs.DeviceID, moduleID: cs.ModuleID}
	d.logger = c.logger.With().Str("device_id", d.deviceID).Logger()
	return d, nil
}

// Stop flushes pending messages and, when owned, closes the Pub/Sub client.
func (c *PubsubConnector) Stop() {
	c.logger.Info().Msg("Stopping PubsubConnector...")
	c.topic.Stop()
	if !c.owned {
		return
	}
	if err := c.client.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
	} else {
		c.logger.Info().Msg("Pub/Sub client closed.")
	}
}

type pubsubDevice struct {
	topic    *pubsub.Topic
	deviceID string
	moduleID string
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (d *pubsubDevice) DeviceID() string { return d.deviceID }

// Send publishes payload and waits for the server-assigned message ID.
func (d *pubsubDevice) Send(ctx context.Context, payload []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	attributes := map[string]string{
		AttrDeviceID:  d.deviceID,
		AttrMessageID: uuid.NewString(),
		AttrSource:    sourceName,
	}
	if d.moduleID != "" {
		attributes[AttrModuleID] = d.moduleID
	}

	result := d.topic.Publish(ctx, &pubsub.Message{Data: payload, Attributes: attributes})
	serverID, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("pubsub publish error for device %s: %w", d.deviceID, err)
	}
	d.logger.Debug().Str("message_id", attributes[AttrMessageID]).Str("server_id", serverID).Msg("Message published")
	return nil
}

// Close marks the connection closed; the shared topic stays open until the connector stops.
func (d *pubsubDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
