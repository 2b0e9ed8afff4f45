package devicelink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Fakes ---

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { <-t.done; return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type publishedMessage struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient implements the parts of mqtt.Client the connector uses.
type fakeClient struct {
	mqtt.Client

	opts         *mqtt.ClientOptions
	connectErr   error
	publishErr   error
	publishToken mqtt.Token

	mu          sync.Mutex
	connected   bool
	disconnects int
	published   []publishedMessage
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = c.connectErr == nil
	return completedToken(c.connectErr)
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publishToken != nil {
		return c.publishToken
	}
	c.published = append(c.published, publishedMessage{topic: topic, qos: qos, payload: payload.([]byte)})
	return completedToken(c.publishErr)
}

func newTestConnector(cfg MQTTClientConfig, client *fakeClient) *MQTTConnector {
	c := NewMQTTConnector(cfg, zerolog.Nop())
	c.newClient = func(opts *mqtt.ClientOptions) mqtt.Client {
		client.opts = opts
		return client
	}
	c.now = func() time.Time { return time.Unix(1699996400, 0) }
	return c
}

// --- Tests ---

func TestMQTTConnector_Open(t *testing.T) {
	ctx := context.Background()

	t.Run("Connection string authenticates with a SAS token", func(t *testing.T) {
		client := &fakeClient{}
		connector := newTestConnector(MQTTClientConfig{}, client)

		conn, err := connector.Open(ctx, "HostName=hub.example.net;DeviceId=thermo-1;SharedAccessKey=c3VwZXItc2VjcmV0LWRldmljZS1rZXk=")
		require.NoError(t, err)
		assert.Equal(t, "thermo-1", conn.DeviceID())

		require.Len(t, client.opts.Servers, 1)
		assert.Equal(t, "tls://hub.example.net:8883", client.opts.Servers[0].String())
		assert.Equal(t, "thermo-1", client.opts.ClientID)
		assert.Equal(t, "hub.example.net/thermo-1/?api-version="+DefaultAPIVersion, client.opts.Username)
		assert.Equal(t,
			"SharedAccessSignature sr=hub.example.net%2Fdevices%2Fthermo-1&sig=k3iuF6y5BxiNOaXLoc6qRgYv7pULz3d5efUZw5JenIk%3D&se=1700000000",
			client.opts.Password)
		assert.NotNil(t, client.opts.TLSConfig)

		require.NoError(t, conn.Send(ctx, []byte(`{"t":21}`)))
		require.Len(t, client.published, 1)
		msg := client.published[0]
		assert.True(t, strings.HasPrefix(msg.topic, "devices/thermo-1/messages/events/%24.mid="), msg.topic)
		assert.Equal(t, byte(1), msg.qos)
		assert.Equal(t, []byte(`{"t":21}`), msg.payload)
	})

	t.Run("Module identity", func(t *testing.T) {
		client := &fakeClient{}
		connector := newTestConnector(MQTTClientConfig{}, client)

		conn, err := connector.Open(ctx, "HostName=hub.example.net;DeviceId=gw;ModuleId=edge;SharedAccessKey=c3VwZXItc2VjcmV0LWRldmljZS1rZXk=")
		require.NoError(t, err)
		assert.Equal(t, "gw/edge", client.opts.ClientID)

		require.NoError(t, conn.Send(ctx, []byte("x")))
		assert.True(t, strings.HasPrefix(client.published[0].topic, "devices/gw/modules/edge/messages/events/"))
	})

	t.Run("Configured broker with a bare device ID", func(t *testing.T) {
		client := &fakeClient{}
		connector := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://localhost:1883", Username: "u", Password: "p"}, client)

		conn, err := connector.Open(ctx, "sensor-9")
		require.NoError(t, err)
		assert.Equal(t, "sensor-9", conn.DeviceID())
		assert.Equal(t, "tcp://localhost:1883", client.opts.Servers[0].String())
		assert.True(t, strings.HasPrefix(client.opts.ClientID, "iotsim-sensor-9-"))
		assert.Equal(t, "u", client.opts.Username)

		require.NoError(t, conn.Send(ctx, []byte("x")))
		assert.Equal(t, "devices/sensor-9/messages/events/", client.published[0].topic)
	})

	t.Run("Bare device ID needs a broker", func(t *testing.T) {
		connector := newTestConnector(MQTTClientConfig{}, &fakeClient{})
		_, err := connector.Open(ctx, "sensor-9")
		assert.Error(t, err)
	})

	t.Run("Malformed connection string is not used as a device ID", func(t *testing.T) {
		client := &fakeClient{}
		connector := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://localhost:1883"}, client)

		_, err := connector.Open(ctx, "HostName=h;DeviceId=d1;SharedAccessKey=c2VjcmV0;oops")
		require.ErrorIs(t, err, connstr.ErrMalformed)
		assert.NotContains(t, err.Error(), "c2VjcmV0")
		assert.Nil(t, client.opts, "no client may be created for a malformed descriptor")
	})

	t.Run("Connect failure", func(t *testing.T) {
		connectErr := errors.New("not authorized")
		connector := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://localhost:1883"}, &fakeClient{connectErr: connectErr})
		_, err := connector.Open(ctx, "sensor-9")
		assert.ErrorIs(t, err, connectErr)
	})
}

func TestMQTTDevice_SendAndClose(t *testing.T) {
	ctx := context.Background()

	t.Run("Publish error is returned", func(t *testing.T) {
		publishErr := errors.New("quota exceeded")
		client := &fakeClient{publishErr: publishErr}
		conn, err := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://b:1883"}, client).Open(ctx, "d")
		require.NoError(t, err)

		assert.ErrorIs(t, conn.Send(ctx, []byte("x")), publishErr)
	})

	t.Run("Publish times out", func(t *testing.T) {
		client := &fakeClient{publishToken: &fakeToken{done: make(chan struct{})}}
		conn, err := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://b:1883", PublishTimeout: 20 * time.Millisecond}, client).Open(ctx, "d")
		require.NoError(t, err)

		err = conn.Send(ctx, []byte("x"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timed out")
	})

	t.Run("Close is idempotent", func(t *testing.T) {
		client := &fakeClient{}
		conn, err := newTestConnector(MQTTClientConfig{BrokerURL: "tcp://b:1883"}, client).Open(ctx, "d")
		require.NoError(t, err)

		require.NoError(t, conn.Close())
		require.NoError(t, conn.Close())

		assert.Equal(t, 1, client.disconnects)
		assert.ErrorIs(t, conn.Send(ctx, []byte("x")), ErrConnectionClosed)
	})
}

func TestMQTTClientConfig_WithDefaults(t *testing.T) {
	cfg := MQTTClientConfig{BrokerURL: "tcp://b:1883", QoS: 0, PublishTimeout: time.Second}.withDefaults()

	assert.Equal(t, DefaultTopicPattern, cfg.TopicPattern)
	assert.Equal(t, time.Second, cfg.PublishTimeout)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, time.Hour, cfg.TokenTTL)
	assert.True(t, isTLSBroker("SSL://host:8883"))
	assert.False(t, isTLSBroker("tcp://host:1883"))
}

func TestNewTLSConfig_MissingCA(t *testing.T) {
	_, err := NewTLSConfig(&MQTTClientConfig{CACertFile: t.TempDir() + "/missing.pem"})
	assert.Error(t, err)
}
