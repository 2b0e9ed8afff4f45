package emulators

import (
	"context"
	"fmt"
	"testing"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const (
	testMosquittoImage = "eclipse-mosquitto:2.0"
	testMosquittoPort  = "1883"
)

// MosquittoConfig describes the MQTT broker container.
type MosquittoConfig struct {
	ImageContainer
}

func GetDefaultMosquittoConfig() MosquittoConfig {
	return MosquittoConfig{
		ImageContainer: ImageContainer{
			EmulatorImage:    testMosquittoImage,
			EmulatorHTTPPort: testMosquittoPort,
		},
	}
}

// SetupMosquittoContainer starts an anonymous Mosquitto broker and returns its
// tcp:// URL. The container is terminated when the test ends.
func SetupMosquittoContainer(t *testing.T, ctx context.Context, cfg MosquittoConfig) string {
	t.Helper()
	req := testcontainers.ContainerRequest{
		Image:        cfg.EmulatorImage,
		ExposedPorts: []string{fmt.Sprintf("%s/tcp", cfg.EmulatorHTTPPort)},
		// The image ships a listener config that allows anonymous clients.
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort(nat.Port(cfg.EmulatorHTTPPort)),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			log.Warn().Err(err).Msg("Failed to terminate Mosquitto container")
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, nat.Port(cfg.EmulatorHTTPPort))
	require.NoError(t, err)
	brokerURL := fmt.Sprintf("tcp://%s:%s", host, port.Port())
	t.Logf("Mosquitto container started, listening on: %s", brokerURL)
	return brokerURL
}
