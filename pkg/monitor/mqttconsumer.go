package monitor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-iot-sim/pkg/devicelink"
	"github.com/illmade-knight/go-iot-sim/pkg/types"
	"github.com/rs/zerolog"
)

// MQTTConsumer subscribes to every device's event topic on an MQTT broker.
// Device and module IDs are read from the topic using the configured pattern.
type MQTTConsumer struct {
	config       devicelink.MQTTClientConfig
	subscription string
	logger       zerolog.Logger
	newClient    func(*mqtt.ClientOptions) mqtt.Client
	client       mqtt.Client

	outputChan chan types.ConsumedMessage
	doneChan   chan struct{}
	stopOnce   sync.Once

	mu      sync.Mutex
	stopped bool
}

// NewMQTTConsumer creates a consumer for cfg.BrokerURL. bufferSize bounds the messages
// held between the broker callback and the reader; further messages are dropped.
func NewMQTTConsumer(cfg devicelink.MQTTClientConfig, bufferSize int, logger zerolog.Logger) (*MQTTConsumer, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt consumer requires a broker_url")
	}
	if cfg.TopicPattern == "" {
		cfg.TopicPattern = devicelink.DefaultTopicPattern
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60 * time.Second
	}
	if cfg.ClientIDPrefix == "" {
		cfg.ClientIDPrefix = "iotsim-"
	}
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &MQTTConsumer{
		config:       cfg,
		subscription: SubscriptionTopic(cfg.TopicPattern),
		logger:       logger.With().Str("component", "MQTTConsumer").Logger(),
		newClient:    mqtt.NewClient,
		outputChan:   make(chan types.ConsumedMessage, bufferSize),
		doneChan:     make(chan struct{}),
	}, nil
}

// SubscriptionTopic turns a device topic pattern into a subscription that also matches
// anything appended after it, such as property bags.
func SubscriptionTopic(pattern string) string {
	if strings.HasSuffix(pattern, "#") {
		return pattern
	}
	if strings.HasSuffix(pattern, "/") {
		return pattern + "#"
	}
	return pattern + "/#"
}

// DeviceFromTopic extracts the device (and module, if present) from topic using pattern,
// whose '+' level marks the device ID.
func DeviceFromTopic(pattern, topic string) *types.DeviceInfo {
	patternLevels := strings.Split(pattern, "/")
	topicLevels := strings.Split(topic, "/")
	for i, level := range patternLevels {
		if level != "+" {
			continue
		}
		if i >= len(topicLevels) || topicLevels[i] == "" {
			return nil
		}
		info := &types.DeviceInfo{UID: topicLevels[i]}
		if i+2 < len(topicLevels) && topicLevels[i+1] == "modules" {
			info.ModuleID = topicLevels[i+2]
		}
		return info
	}
	return nil
}

func (c *MQTTConsumer) Messages() <-chan types.ConsumedMessage { return c.outputChan }

func (c *MQTTConsumer) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(c.config.BrokerURL).
		SetClientID(fmt.Sprintf("%smonitor-%s", c.config.ClientIDPrefix, uuid.NewString()[:8])).
		SetUsername(c.config.Username).
		SetPassword(c.config.Password).
		SetKeepAlive(c.config.KeepAlive).
		SetConnectTimeout(c.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(120 * time.Second).
		SetOrderMatters(false)

	lower := strings.ToLower(c.config.BrokerURL)
	if strings.HasPrefix(lower, "tls://") || strings.HasPrefix(lower, "ssl://") {
		tlsConfig, err := devicelink.NewTLSConfig(&c.config)
		if err != nil {
			return fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		c.logger.Info().Str("broker", c.config.BrokerURL).Msg("Connected to MQTT broker")
		if token := client.Subscribe(c.subscription, c.config.QoS, c.handleMessage); token.Wait() && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", c.subscription).Msg("Failed to subscribe to MQTT topic")
		} else {
			c.logger.Info().Str("topic", c.subscription).Msg("Successfully subscribed to MQTT topic")
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Error().Err(err).Msg("MQTT connection lost. Auto-reconnect will be attempted.")
	})

	c.client = c.newClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out after %s", c.config.BrokerURL, c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.config.BrokerURL, err)
	}

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Stop()
		case <-c.doneChan:
		}
	}()
	return nil
}

// handleMessage is the paho callback. It never blocks the client's router.
func (c *MQTTConsumer) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())

	id := strconv.Itoa(int(msg.MessageID()))
	attributes := map[string]string{"mqtt_topic": msg.Topic()}
	// A trailing property bag carries the sender's message id.
	if i := strings.LastIndex(msg.Topic(), "/"); i >= 0 {
		if bag, err := url.ParseQuery(msg.Topic()[i+1:]); err == nil {
			if mid := bag.Get("$.mid"); mid != "" {
				id = mid
			}
		}
	}

	consumed := types.ConsumedMessage{
		ID:          id,
		Payload:     payload,
		PublishTime: time.Now().UTC(),
		Source:      msg.Topic(),
		Attributes:  attributes,
		Ack:         msg.Ack,
		Nack:        func() {},
		DeviceInfo:  DeviceFromTopic(c.config.TopicPattern, msg.Topic()),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	select {
	case c.outputChan <- consumed:
	default:
		c.logger.Warn().Str("topic", msg.Topic()).Msg("Monitor buffer full, dropping message")
	}
}

func (c *MQTTConsumer) Stop() error {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Stopping MQTT consumer...")
		c.mu.Lock()
		c.stopped = true
		c.mu.Unlock()

		if c.client != nil && c.client.IsConnected() {
			if token := c.client.Unsubscribe(c.subscription); token.WaitTimeout(2*time.Second) && token.Error() != nil {
				c.logger.Warn().Err(token.Error()).Msg("Failed to unsubscribe during shutdown.")
			}
			c.client.Disconnect(250)
		}
		close(c.outputChan)
		close(c.doneChan)
		c.logger.Info().Msg("MQTT consumer stopped.")
	})
	return nil
}

func (c *MQTTConsumer) Done() <-chan struct{} { return c.doneChan }

// Err is always nil; paho reconnects on its own after connection loss.
func (c *MQTTConsumer) Err() error { return nil }
