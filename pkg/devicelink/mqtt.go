package devicelink

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"github.com/rs/zerolog"
)

// ErrConnectionClosed is returned when sending on a connection after Close.
var ErrConnectionClosed = errors.New("device connection closed")

// MQTTConnector opens one MQTT client per simulated device.
//
// Descriptors carrying HostName and SharedAccessKey connect to tls://<HostName>:8883 and
// authenticate with a SAS token, publishing to the device's events topic. Any other
// descriptor, including a bare device ID, uses the configured BrokerURL and TopicPattern.
type MQTTConnector struct {
	config    MQTTClientConfig
	logger    zerolog.Logger
	newClient func(*mqtt.ClientOptions) mqtt.Client
	now       func() time.Time
}

// NewMQTTConnector creates a connector. Zero config values take their defaults.
func NewMQTTConnector(cfg MQTTClientConfig, logger zerolog.Logger) *MQTTConnector {
	return &MQTTConnector{
		config:    cfg.withDefaults(),
		logger:    logger.With().Str("component", "MQTTConnector").Logger(),
		newClient: mqtt.NewClient,
		now:       time.Now,
	}
}

// mqttEndpoint is everything needed to connect and publish for one device.
type mqttEndpoint struct {
	deviceID string
	broker   string
	clientID string
	username string
	password string
	topic    string
	hubStyle bool
}

func (c *MQTTConnector) endpoint(descriptor string) (mqttEndpoint, error) {
	cs, err := connstr.ParseDevice(descriptor)
	if err != nil {
		return mqttEndpoint{}, err
	}

	ep := mqttEndpoint{deviceID: cs.DeviceID}
	if c.config.BrokerURL == "" && cs.HostName != "" && cs.SharedAccessKey != "" {
		host := cs.HostName
		if cs.GatewayHostName != "" {
			host = cs.GatewayHostName
		}
		token, err := cs.DeviceToken(c.now(), c.config.TokenTTL)
		if err != nil {
			return mqttEndpoint{}, err
		}
		identity := cs.DeviceID
		topic := "devices/" + cs.DeviceID + "/messages/events/"
		if cs.ModuleID != "" {
			identity += "/" + cs.ModuleID
			topic = "devices/" + cs.DeviceID + "/modules/" + cs.ModuleID + "/messages/events/"
		}
		ep.broker = fmt.Sprintf("tls://%s:%d", host, hubMQTTPort)
		ep.clientID = identity
		ep.username = fmt.Sprintf("%s/%s/?api-version=%s", cs.HostName, identity, c.config.APIVersion)
		ep.password = token
		ep.topic = topic
		ep.hubStyle = true
		return ep, nil
	}

	if c.config.BrokerURL == "" {
		return mqttEndpoint{}, fmt.Errorf("device %s: no broker_url configured and descriptor has no %s/%s",
			cs.DeviceID, connstr.KeyHostName, connstr.KeySharedAccessKey)
	}
	ep.broker = c.config.BrokerURL
	ep.clientID = fmt.Sprintf("%s%s-%s", c.config.ClientIDPrefix, cs.DeviceID, uuid.NewString()[:8])
	ep.username = c.config.Username
	ep.password = c.config.Password
	ep.topic = strings.Replace(c.config.TopicPattern, "+", cs.DeviceID, 1)
	return ep, nil
}

// Open connects the device described by descriptor.
func (c *MQTTConnector) Open(ctx context.Context, descriptor string) (simulator.DeviceConnection, error) {
	ep, err := c.endpoint(descriptor)
	if err != nil {
		return nil, err
	}
	logger := c.logger.With().Str("device_id", ep.deviceID).Logger()

	opts := mqtt.NewClientOptions().
		AddBroker(ep.broker).
		SetClientID(ep.clientID).
		SetUsername(ep.username).
		SetPassword(ep.password).
		SetKeepAlive(c.config.KeepAlive).
		SetConnectTimeout(c.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Error().Err(err).Msg("MQTT connection lost")
		})
	if isTLSBroker(ep.broker) {
		tlsConfig, err := NewTLSConfig(&c.config)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	client := c.newClient(opts)
	if err := waitToken(ctx, client.Connect(), c.config.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", ep.broker, err)
	}
	logger.Info().Str("broker", ep.broker).Str("topic", ep.topic).Msg("Device connected to MQTT broker")

	return &mqttDevice{
		client:   client,
		endpoint: ep,
		qos:      c.config.QoS,
		timeout:  c.config.PublishTimeout,
		logger:   logger,
	}, nil
}

type mqttDevice struct {
	client   mqtt.Client
	endpoint mqttEndpoint
	qos      byte
	timeout  time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func (d *mqttDevice) DeviceID() string { return d.endpoint.deviceID }

// Send publishes payload and waits for the broker's acknowledgement at the configured QoS.
func (d *mqttDevice) Send(ctx context.Context, payload []byte) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	topic := d.endpoint.topic
	messageID := uuid.NewString()
	if d.endpoint.hubStyle {
		// System properties travel in the topic's property bag.
		topic += url.QueryEscape("$.mid") + "=" + url.QueryEscape(messageID)
	}

	if err := waitToken(ctx, d.client.Publish(topic, d.qos, false, payload), d.timeout); err != nil {
		return fmt.Errorf("mqtt publish error for device %s: %w", d.endpoint.deviceID, err)
	}
	d.logger.Debug().Str("topic", topic).Str("message_id", messageID).Msg("Message published")
	return nil
}

// Close disconnects the client. Repeated calls are no-ops.
func (d *mqttDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.client.IsConnected() {
		d.client.Disconnect(250)
		d.logger.Info().Msg("MQTT client disconnected")
	}
	return nil
}

// waitToken waits for token, ctx or timeout, whichever comes first.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", timeout)
	}
}
