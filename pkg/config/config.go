// Package config loads iotsim configuration from a YAML file overlaid with
// IOTSIM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/devicelink"
	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"gopkg.in/yaml.v3"
)

const (
	TransportMQTT   = "mqtt"
	TransportPubsub = "pubsub"
)

// Config is the top-level configuration.
type Config struct {
	LogLevel  string                      `yaml:"log_level"`
	Transport string                      `yaml:"transport"`
	MQTT      devicelink.MQTTClientConfig `yaml:"mqtt"`
	Pubsub    PubsubConfig                `yaml:"pubsub"`
	Send      SendConfig                  `yaml:"send"`
	Monitor   MonitorConfig               `yaml:"monitor"`
}

// PubsubConfig selects the Pub/Sub topic simulated devices publish to and the
// subscription the monitor reads.
type PubsubConfig struct {
	ProjectID       string `yaml:"project_id"`
	TopicID         string `yaml:"topic_id"`
	SubscriptionID  string `yaml:"subscription_id"`
	CredentialsFile string `yaml:"credentials_file"`
	EmulatorHost    string `yaml:"emulator_host"`
}

type SendConfig struct {
	Stringify        bool          `yaml:"stringify"`
	DelayGranularity time.Duration `yaml:"delay_granularity"`
	// DrainTimeout bounds how long the CLI waits for in-flight sends after a run ends.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

type MonitorConfig struct {
	Lookback time.Duration `yaml:"lookback"`
	DeviceID string        `yaml:"device_id"`
}

const DefaultDrainTimeout = 30 * time.Second

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		Transport: TransportMQTT,
		MQTT:      devicelink.DefaultMQTTClientConfig(),
		Send: SendConfig{
			DelayGranularity: simulator.DefaultDelayGranularity,
			DrainTimeout:     DefaultDrainTimeout,
		},
	}
}

// Load reads path over the defaults, applies the environment and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file '%s': %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML from '%s': %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from IOTSIM_* variables, plus the GCP variables the
// Pub/Sub tooling already understands.
func (c *Config) ApplyEnv() error {
	setString := func(dst *string, keys ...string) {
		for _, key := range keys {
			if v := os.Getenv(key); v != "" {
				*dst = v
				return
			}
		}
	}
	setString(&c.LogLevel, "IOTSIM_LOG_LEVEL")
	setString(&c.Transport, "IOTSIM_TRANSPORT")
	setString(&c.MQTT.BrokerURL, "IOTSIM_MQTT_BROKER_URL", "MQTT_BROKER_URL")
	setString(&c.MQTT.TopicPattern, "IOTSIM_MQTT_TOPIC_PATTERN")
	setString(&c.MQTT.Username, "IOTSIM_MQTT_USERNAME", "MQTT_USERNAME")
	setString(&c.MQTT.Password, "IOTSIM_MQTT_PASSWORD", "MQTT_PASSWORD")
	setString(&c.MQTT.CACertFile, "IOTSIM_MQTT_CA_CERT_FILE", "MQTT_CA_CERT_FILE")
	setString(&c.Pubsub.ProjectID, "IOTSIM_PUBSUB_PROJECT_ID", "GCP_PROJECT_ID")
	setString(&c.Pubsub.TopicID, "IOTSIM_PUBSUB_TOPIC_ID")
	setString(&c.Pubsub.SubscriptionID, "IOTSIM_PUBSUB_SUBSCRIPTION_ID")
	setString(&c.Pubsub.CredentialsFile, "IOTSIM_PUBSUB_CREDENTIALS_FILE", "GCP_PUBSUB_CREDENTIALS_FILE")
	setString(&c.Pubsub.EmulatorHost, "PUBSUB_EMULATOR_HOST")
	setString(&c.Monitor.DeviceID, "IOTSIM_MONITOR_DEVICE_ID")

	if v := os.Getenv("IOTSIM_SEND_STRINGIFY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IOTSIM_SEND_STRINGIFY: %w", err)
		}
		c.Send.Stringify = b
	}
	if v := os.Getenv("IOTSIM_MONITOR_LOOKBACK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("IOTSIM_MONITOR_LOOKBACK: %w", err)
		}
		c.Monitor.Lookback = d
	}
	return nil
}

// Validate checks that the selected transport has what it needs.
func (c *Config) Validate() error {
	switch c.Transport {
	case TransportMQTT:
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("validation error: mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
		}
	case TransportPubsub:
		if c.Pubsub.ProjectID == "" {
			return errors.New("validation error: pubsub.project_id is required for the pubsub transport")
		}
	default:
		return fmt.Errorf("validation error: unknown transport %q (want %q or %q)", c.Transport, TransportMQTT, TransportPubsub)
	}
	if c.Send.DelayGranularity < 0 {
		return errors.New("validation error: send.delay_granularity must not be negative")
	}
	if c.Send.DrainTimeout < 0 {
		return errors.New("validation error: send.drain_timeout must not be negative")
	}
	if c.Monitor.Lookback < 0 {
		return errors.New("validation error: monitor.lookback must not be negative")
	}
	return nil
}
