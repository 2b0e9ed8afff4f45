package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every variable Load reads so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"IOTSIM_LOG_LEVEL", "IOTSIM_TRANSPORT",
		"IOTSIM_MQTT_BROKER_URL", "MQTT_BROKER_URL", "IOTSIM_MQTT_TOPIC_PATTERN",
		"IOTSIM_MQTT_USERNAME", "MQTT_USERNAME", "IOTSIM_MQTT_PASSWORD", "MQTT_PASSWORD",
		"IOTSIM_MQTT_CA_CERT_FILE", "MQTT_CA_CERT_FILE",
		"IOTSIM_PUBSUB_PROJECT_ID", "GCP_PROJECT_ID", "IOTSIM_PUBSUB_TOPIC_ID", "IOTSIM_PUBSUB_SUBSCRIPTION_ID",
		"IOTSIM_PUBSUB_CREDENTIALS_FILE", "GCP_PUBSUB_CREDENTIALS_FILE", "PUBSUB_EMULATOR_HOST",
		"IOTSIM_MONITOR_DEVICE_ID", "IOTSIM_SEND_STRINGIFY", "IOTSIM_MONITOR_LOOKBACK",
	} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "iotsim.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, config.TransportMQTT, cfg.Transport)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, byte(1), cfg.MQTT.QoS)
	assert.Equal(t, time.Second, cfg.Send.DelayGranularity)
	assert.Equal(t, config.DefaultDrainTimeout, cfg.Send.DrainTimeout)
	assert.False(t, cfg.Send.Stringify)
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
log_level: debug
transport: pubsub
mqtt:
  broker_url: tcp://localhost:1883
  qos: 0
pubsub:
  project_id: sim-project
  topic_id: device-events
  subscription_id: monitor-sub
send:
  stringify: true
  delay_granularity: 250ms
  drain_timeout: 5s
monitor:
  lookback: 5m
  device_id: thermo-1
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, config.TransportPubsub, cfg.Transport)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, byte(0), cfg.MQTT.QoS)
	assert.Equal(t, 10*time.Second, cfg.MQTT.ConnectTimeout, "unset fields keep their defaults")
	assert.Equal(t, "sim-project", cfg.Pubsub.ProjectID)
	assert.Equal(t, "device-events", cfg.Pubsub.TopicID)
	assert.Equal(t, "monitor-sub", cfg.Pubsub.SubscriptionID)
	assert.True(t, cfg.Send.Stringify)
	assert.Equal(t, 250*time.Millisecond, cfg.Send.DelayGranularity)
	assert.Equal(t, 5*time.Second, cfg.Send.DrainTimeout)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.Lookback)
	assert.Equal(t, "thermo-1", cfg.Monitor.DeviceID)
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "mqtt:\n  broker_url: tcp://file:1883\n")
	t.Setenv("IOTSIM_MQTT_BROKER_URL", "tcp://env:1883")
	t.Setenv("MQTT_USERNAME", "fallback-user")
	t.Setenv("GCP_PROJECT_ID", "gcp-project")
	t.Setenv("IOTSIM_SEND_STRINGIFY", "true")
	t.Setenv("IOTSIM_MONITOR_LOOKBACK", "2m")

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, "tcp://env:1883", cfg.MQTT.BrokerURL)
	assert.Equal(t, "fallback-user", cfg.MQTT.Username)
	assert.Equal(t, "gcp-project", cfg.Pubsub.ProjectID)
	assert.True(t, cfg.Send.Stringify)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.Lookback)
}

func TestLoad_Errors(t *testing.T) {
	testCases := []struct {
		name    string
		yaml    string
		env     map[string]string
		wantErr string
	}{
		{name: "unknown transport", yaml: "transport: carrier-pigeon\n", wantErr: "unknown transport"},
		{name: "pubsub without project", yaml: "transport: pubsub\n", wantErr: "pubsub.project_id is required"},
		{name: "bad qos", yaml: "mqtt:\n  qos: 3\n", wantErr: "mqtt.qos"},
		{name: "negative drain timeout", yaml: "send:\n  drain_timeout: -1s\n", wantErr: "send.drain_timeout"},
		{name: "negative lookback", yaml: "monitor:\n  lookback: -1s\n", wantErr: "monitor.lookback"},
		{name: "malformed yaml", yaml: "mqtt: [\n", wantErr: "failed to unmarshal YAML"},
		{name: "bad stringify env", yaml: "", env: map[string]string{"IOTSIM_SEND_STRINGIFY": "maybe"}, wantErr: "IOTSIM_SEND_STRINGIFY"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := config.Load(writeConfig(t, tc.yaml))

			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}

	t.Run("missing file", func(t *testing.T) {
		clearEnv(t)
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "failed to read config file")
	})
}
