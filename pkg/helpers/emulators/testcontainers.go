// Package emulators starts the brokers iotsim talks to in throwaway containers for
// integration tests.
package emulators

// ImageContainer names an image and the ports it serves on.
type ImageContainer struct {
	EmulatorImage    string
	EmulatorHTTPPort string
	EmulatorGRPCPort string
}

// GCImageContainer is an ImageContainer for a Google Cloud emulator.
type GCImageContainer struct {
	ImageContainer
	ProjectID string
	// SetEnvVariables exports the emulator address, e.g. PUBSUB_EMULATOR_HOST, for the test.
	SetEnvVariables bool
}
