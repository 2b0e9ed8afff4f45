package commands

import (
	"bytes"
	"testing"

	"github.com/illmade-knight/go-iot-sim/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("IOTSIM_TRANSPORT", "")
	t.Setenv("IOTSIM_LOG_LEVEL", "error")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "iotsim dev")
}

func TestSendCommand_RejectsEmptyRun(t *testing.T) {
	out, err := execute(t, "send", "-d", "dev1", "-n", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to send")
	assert.Contains(t, out, "Invalid Operation.")
}

func TestPubsubClientOptions(t *testing.T) {
	assert.Len(t, pubsubClientOptions(configPubsub("localhost:8085", "")), 2)
	assert.Len(t, pubsubClientOptions(configPubsub("", "/tmp/creds.json")), 1)
	assert.Empty(t, pubsubClientOptions(configPubsub("", "")))
}

func configPubsub(emulatorHost, credentialsFile string) config.PubsubConfig {
	return config.PubsubConfig{ProjectID: "p", EmulatorHost: emulatorHost, CredentialsFile: credentialsFile}
}
