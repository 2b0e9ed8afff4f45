package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/config"
	"github.com/illmade-knight/go-iot-sim/pkg/devicelink"
	"github.com/illmade-knight/go-iot-sim/pkg/monitor"
	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"google.golang.org/api/option"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "iotsim",
	Short: "iotsim - simulate IoT devices and monitor their telemetry",
	Long: `iotsim sends synthetic device-to-cloud messages from one or many simulated
devices on a schedule, and monitors inbound device messages in near real time.

Examples:
  iotsim send -d "HostName=hub.example.net;DeviceId=dev1;SharedAccessKey=..." -m '{"t":21}' -n 10 -i 2s
  iotsim send -d dev1 -d dev2 --template -m '{"t":{{float 18 25}}}' -n 100
  iotsim monitor --device dev1`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (overrides config): debug, info, warn, error")

	rootCmd.AddCommand(SendCmd)
	rootCmd.AddCommand(SendOnceCmd)
	rootCmd.AddCommand(MonitorCmd)
	rootCmd.AddCommand(SampleCmd)
	rootCmd.AddCommand(VersionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// setup loads the configuration and installs the global console logger.
func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).Level(level)
	return cfg, log.Logger, nil
}

func pubsubClientOptions(cfg config.PubsubConfig) []option.ClientOption {
	if cfg.EmulatorHost != "" {
		return []option.ClientOption{option.WithEndpoint(cfg.EmulatorHost), option.WithoutAuthentication()}
	}
	if cfg.CredentialsFile != "" {
		return []option.ClientOption{option.WithCredentialsFile(cfg.CredentialsFile)}
	}
	return nil
}

// newConnector builds the connector for the configured transport. The returned stop
// function releases it.
func newConnector(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (simulator.Connector, func(), error) {
	switch cfg.Transport {
	case config.TransportPubsub:
		connector, err := devicelink.NewPubsubConnector(ctx, devicelink.GooglePubsubConfig{
			ProjectID:       cfg.Pubsub.ProjectID,
			TopicID:         cfg.Pubsub.TopicID,
			ClientOptions:   pubsubClientOptions(cfg.Pubsub),
			PublishSettings: devicelink.GetDefaultPublishSettings(),
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return connector, connector.Stop, nil
	default:
		return devicelink.NewMQTTConnector(cfg.MQTT, logger), func() {}, nil
	}
}

// newConsumerFactory builds the monitor's consumer source for the configured transport.
func newConsumerFactory(cfg *config.Config, logger zerolog.Logger) monitor.ConsumerFactory {
	switch cfg.Transport {
	case config.TransportPubsub:
		return func(ctx context.Context) (monitor.MessageConsumer, error) {
			return monitor.NewGooglePubSubConsumer(ctx, &monitor.GooglePubSubConsumerConfig{
				ProjectID:              cfg.Pubsub.ProjectID,
				SubscriptionID:         cfg.Pubsub.SubscriptionID,
				CredentialsFile:        cfg.Pubsub.CredentialsFile,
				MaxOutstandingMessages: 100,
				NumGoroutines:          5,
				ClientOptions:          pubsubClientOptions(cfg.Pubsub),
			}, logger)
		}
	default:
		return func(_ context.Context) (monitor.MessageConsumer, error) {
			return monitor.NewMQTTConsumer(cfg.MQTT, 1000, logger)
		}
	}
}
