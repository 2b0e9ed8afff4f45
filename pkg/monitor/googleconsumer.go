package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-iot-sim/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Attribute keys read from Pub/Sub messages to identify the sending device.
const (
	AttrDeviceID = "device_id"
	AttrModuleID = "module_id"
)

// GooglePubSubConsumerConfig holds configuration for the Pub/Sub consumer.
type GooglePubSubConsumerConfig struct {
	ProjectID              string
	SubscriptionID         string
	CredentialsFile        string // Optional
	MaxOutstandingMessages int
	NumGoroutines          int
	// ClientOptions, when set, replace the options derived from CredentialsFile and PUBSUB_EMULATOR_HOST.
	ClientOptions []option.ClientOption
}

// LoadGooglePubSubConsumerConfigFromEnv loads consumer configuration from environment variables.
func LoadGooglePubSubConsumerConfigFromEnv() (*GooglePubSubConsumerConfig, error) {
	cfg := &GooglePubSubConsumerConfig{
		ProjectID:              os.Getenv("GCP_PROJECT_ID"),
		SubscriptionID:         os.Getenv("PUBSUB_SUBSCRIPTION_ID_DEVICE_EVENTS"),
		CredentialsFile:        os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"),
		MaxOutstandingMessages: 100,
		NumGoroutines:          5,
	}
	if cfg.ProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID environment variable not set for Pub/Sub consumer")
	}
	if cfg.SubscriptionID == "" {
		return nil, errors.New("PUBSUB_SUBSCRIPTION_ID_DEVICE_EVENTS environment variable not set for Pub/Sub consumer")
	}
	return cfg, nil
}

// GooglePubSubConsumer receives device messages from a Pub/Sub subscription.
type GooglePubSubConsumer struct {
	client             *pubsub.Client
	subscription       *pubsub.Subscription
	logger             zerolog.Logger
	outputChan         chan types.ConsumedMessage
	stopOnce           sync.Once
	cancelSubscription context.CancelFunc
	wg                 sync.WaitGroup
	doneChan           chan struct{}

	mu  sync.Mutex
	err error
}

// NewGooglePubSubConsumer creates a consumer with its own client.
func NewGooglePubSubConsumer(ctx context.Context, cfg *GooglePubSubConsumerConfig, logger zerolog.Logger) (*GooglePubSubConsumer, error) {
	opts := cfg.ClientOptions
	pubsubEmulatorHost := os.Getenv("PUBSUB_EMULATOR_HOST")
	if len(opts) == 0 {
		if pubsubEmulatorHost != "" {
			logger.Info().Str("emulator_host", pubsubEmulatorHost).Str("subscription_id", cfg.SubscriptionID).Msg("Using Pub/Sub emulator for consumer.")
			opts = append(opts, option.WithEndpoint(pubsubEmulatorHost), option.WithoutAuthentication())
		} else if cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		}
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient for subscription %s: %w", cfg.SubscriptionID, err)
	}
	sub := client.Subscription(cfg.SubscriptionID)

	if cfg.MaxOutstandingMessages <= 0 {
		cfg.MaxOutstandingMessages = 100
	}
	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	exists, err := sub.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("subscription.Exists check for %s: %w", cfg.SubscriptionID, err)
	}
	if !exists {
		client.Close()
		return nil, fmt.Errorf("Pub/Sub subscription %s does not exist in project %s", cfg.SubscriptionID, cfg.ProjectID)
	}

	logger.Info().Str("subscription_id", cfg.SubscriptionID).Msg("Pub/Sub consumer created")
	return &GooglePubSubConsumer{
		client:       client,
		subscription: sub,
		logger:       logger.With().Str("component", "GooglePubSubConsumer").Str("subscription_id", cfg.SubscriptionID).Logger(),
		outputChan:   make(chan types.ConsumedMessage, cfg.MaxOutstandingMessages),
		doneChan:     make(chan struct{}),
	}, nil
}

func (c *GooglePubSubConsumer) Messages() <-chan types.ConsumedMessage { return c.outputChan }

func (c *GooglePubSubConsumer) Start(ctx context.Context) error {
	c.logger.Info().Msg("Starting Pub/Sub message consumption...")
	receiveCtx, cancel := context.WithCancel(ctx)
	c.cancelSubscription = cancel
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.doneChan)
		defer close(c.outputChan)
		err := c.subscription.Receive(receiveCtx, func(ctx context.Context, msg *pubsub.Message) {
			payloadCopy := make([]byte, len(msg.Data))
			copy(payloadCopy, msg.Data)

			attributes := make(map[string]string, len(msg.Attributes))
			for k, v := range msg.Attributes {
				attributes[k] = v
			}

			consumedMsg := types.ConsumedMessage{
				ID:          msg.ID,
				Payload:     payloadCopy,
				PublishTime: msg.PublishTime,
				Source:      c.subscription.ID(),
				Attributes:  attributes,
				Ack:         msg.Ack,
				Nack:        msg.Nack,
			}
			if uid, ok := attributes[AttrDeviceID]; ok {
				consumedMsg.DeviceInfo = &types.DeviceInfo{
					UID:      uid,
					ModuleID: attributes[AttrModuleID],
				}
			}

			select {
			case c.outputChan <- consumedMsg:
			case <-receiveCtx.Done():
				msg.Nack()
				c.logger.Warn().Str("msg_id", msg.ID).Msg("Consumer stopping, Nacking message.")
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
			c.mu.Lock()
			c.err = err
			c.mu.Unlock()
		}
		c.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
	}()
	return nil
}

func (c *GooglePubSubConsumer) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping Pub/Sub consumer...")
		if c.cancelSubscription != nil {
			c.cancelSubscription()
			select {
			case <-c.Done():
				c.logger.Info().Msg("Pub/Sub Receive goroutine confirmed stopped.")
			case <-time.After(30 * time.Second):
				c.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
			}
		}
		if err := c.client.Close(); err != nil {
			c.logger.Error().Err(err).Msg("Error closing Pub/Sub client")
		} else {
			c.logger.Info().Msg("Pub/Sub client closed.")
		}
	})
	return nil
}

func (c *GooglePubSubConsumer) Done() <-chan struct{} { return c.doneChan }

func (c *GooglePubSubConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
