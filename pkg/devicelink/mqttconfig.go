package devicelink

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	// DefaultTopicPattern is the device-to-cloud topic; '+' is replaced by the device ID.
	DefaultTopicPattern = "devices/+/messages/events/"
	// DefaultAPIVersion is sent in the MQTT username when authenticating with a SAS token.
	DefaultAPIVersion = "2021-04-12"
	hubMQTTPort       = 8883
)

// MQTTClientConfig holds configuration shared by every device client.
type MQTTClientConfig struct {
	// BrokerURL overrides the broker derived from a descriptor's HostName, e.g. tcp://localhost:1883.
	BrokerURL      string        `yaml:"broker_url"`
	TopicPattern   string        `yaml:"topic_pattern"`
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// APIVersion and TokenTTL apply to descriptors that carry a SharedAccessKey.
	APIVersion string        `yaml:"api_version"`
	TokenTTL   time.Duration `yaml:"token_ttl"`

	CACertFile         string `yaml:"ca_cert_file"`
	ClientCertFile     string `yaml:"client_cert_file"`
	ClientKeyFile      string `yaml:"client_key_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// DefaultMQTTClientConfig provides sensible defaults.
func DefaultMQTTClientConfig() MQTTClientConfig {
	return MQTTClientConfig{
		TopicPattern:   DefaultTopicPattern,
		ClientIDPrefix: "iotsim-",
		QoS:            1,
		KeepAlive:      60 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PublishTimeout: 30 * time.Second,
		APIVersion:     DefaultAPIVersion,
		TokenTTL:       time.Hour,
	}
}

// withDefaults fills every zero value from DefaultMQTTClientConfig.
func (c MQTTClientConfig) withDefaults() MQTTClientConfig {
	d := DefaultMQTTClientConfig()
	if c.TopicPattern == "" {
		c.TopicPattern = d.TopicPattern
	}
	if c.ClientIDPrefix == "" {
		c.ClientIDPrefix = d.ClientIDPrefix
	}
	if c.KeepAlive == 0 {
		c.KeepAlive = d.KeepAlive
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = d.PublishTimeout
	}
	if c.APIVersion == "" {
		c.APIVersion = d.APIVersion
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = d.TokenTTL
	}
	return c
}

func isTLSBroker(brokerURL string) bool {
	u := strings.ToLower(brokerURL)
	return strings.HasPrefix(u, "tls://") || strings.HasPrefix(u, "ssl://") ||
		strings.HasPrefix(u, "mqtts://") || strings.HasPrefix(u, "wss://")
}

// NewTLSConfig creates a TLS configuration for an MQTT client.
func NewTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA certificate from %s to pool", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
