package devicelink_test

import (
	"context"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/illmade-knight/go-iot-sim/pkg/connstr"
	"github.com/illmade-knight/go-iot-sim/pkg/devicelink"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// setupTestPubsub starts a pstest.Server with one topic and returns the server and
// options to reach it.
func setupTestPubsub(t *testing.T, projectID, topicID string) (*pstest.Server, []option.ClientOption) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	opts := []option.ClientOption{
		option.WithEndpoint(srv.Addr),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		option.WithoutAuthentication(),
	}

	client, err := pubsub.NewClient(ctx, projectID, opts...)
	require.NoError(t, err)
	_, err = client.CreateTopic(ctx, topicID)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, client.Close())
		require.NoError(t, srv.Close())
	})
	return srv, opts
}

func TestLoadGooglePubsubConfigFromEnv(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		t.Setenv("GCP_PROJECT_ID", "test-project")
		t.Setenv("PUBSUB_TOPIC_ID_DEVICE_EVENTS", "device-events")

		cfg, err := devicelink.LoadGooglePubsubConfigFromEnv()

		require.NoError(t, err)
		assert.Equal(t, "test-project", cfg.ProjectID)
		assert.Equal(t, "device-events", cfg.TopicID)
		assert.Equal(t, devicelink.GetDefaultPublishSettings(), cfg.PublishSettings)
	})

	t.Run("missing topic", func(t *testing.T) {
		t.Setenv("GCP_PROJECT_ID", "test-project")
		t.Setenv("PUBSUB_TOPIC_ID_DEVICE_EVENTS", "")

		cfg, err := devicelink.LoadGooglePubsubConfigFromEnv()

		require.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "PUBSUB_TOPIC_ID_DEVICE_EVENTS")
	})
}

func TestPubsubConnector(t *testing.T) {
	ctx := context.Background()
	projectID := "test-project"
	topicID := "device-events"
	srv, opts := setupTestPubsub(t, projectID, topicID)

	connector, err := devicelink.NewPubsubConnector(ctx, devicelink.GooglePubsubConfig{
		ProjectID:     projectID,
		TopicID:       topicID,
		ClientOptions: opts,
	}, zerolog.Nop())
	require.NoError(t, err)
	defer connector.Stop()

	t.Run("Send tags the message with the device", func(t *testing.T) {
		srv.ClearMessages()
		conn, err := connector.Open(ctx, "HostName=hub;DeviceId=thermo-1;ModuleId=probe;SharedAccessKey=a2V5")
		require.NoError(t, err)
		assert.Equal(t, "thermo-1", conn.DeviceID())

		require.NoError(t, conn.Send(ctx, []byte(`{"t":20}`)))
		require.NoError(t, conn.Close())

		msgs := srv.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, []byte(`{"t":20}`), msgs[0].Data)
		assert.Equal(t, "thermo-1", msgs[0].Attributes[devicelink.AttrDeviceID])
		assert.Equal(t, "probe", msgs[0].Attributes[devicelink.AttrModuleID])
		assert.Equal(t, "iotsim", msgs[0].Attributes[devicelink.AttrSource])
		assert.NotEmpty(t, msgs[0].Attributes[devicelink.AttrMessageID])
	})

	t.Run("Bare device ID", func(t *testing.T) {
		srv.ClearMessages()
		conn, err := connector.Open(ctx, "sensor-2")
		require.NoError(t, err)

		require.NoError(t, conn.Send(ctx, []byte("x")))
		msgs := srv.Messages()
		require.Len(t, msgs, 1)
		assert.Equal(t, "sensor-2", msgs[0].Attributes[devicelink.AttrDeviceID])
		_, hasModule := msgs[0].Attributes[devicelink.AttrModuleID]
		assert.False(t, hasModule)
	})

	t.Run("Malformed connection string is rejected", func(t *testing.T) {
		_, err := connector.Open(ctx, "HostName=hub;SharedAccessKey=c2VjcmV0")
		require.ErrorIs(t, err, connstr.ErrMalformed)
		assert.NotContains(t, err.Error(), "c2VjcmV0")
	})

	t.Run("Send after close fails", func(t *testing.T) {
		conn, err := connector.Open(ctx, "sensor-3")
		require.NoError(t, err)
		require.NoError(t, conn.Close())

		assert.ErrorIs(t, conn.Send(ctx, []byte("x")), devicelink.ErrConnectionClosed)
	})
}

func TestNewPubsubConnector_TopicNotFound(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, opts := setupTestPubsub(t, "test-project", "exists")

	_, err := devicelink.NewPubsubConnector(ctx, devicelink.GooglePubsubConfig{
		ProjectID:     "test-project",
		TopicID:       "missing",
		ClientOptions: opts,
	}, zerolog.Nop())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}
