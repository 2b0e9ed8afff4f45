package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-iot-sim/pkg/monitor"
	"github.com/spf13/cobra"
)

// SampleCmd captures device messages to a JSON file.
var SampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Capture device messages to a JSON file",
	Long: `Capture the next --count device messages, optionally from one --device only,
and save them as a JSON array. Press Ctrl+C to stop early and keep what was captured.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		count, _ := cmd.Flags().GetInt("count")
		output, _ := cmd.Flags().GetString("output")
		deviceID, _ := cmd.Flags().GetString("device")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sampler := monitor.NewSampler(newConsumerFactory(cfg, logger), count, logger)
		messages, err := sampler.Run(ctx, monitor.Filter{DeviceID: deviceID})
		if err != nil && len(messages) == 0 {
			return err
		}
		if len(messages) == 0 {
			logger.Warn().Msg("No messages were captured. The output file will not be created.")
			return nil
		}
		if err := monitor.WriteSamples(output, messages); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved %d message(s) to %s\n", len(messages), output)
		return nil
	},
}

func init() {
	SampleCmd.Flags().IntP("count", "n", 10, "Number of messages to capture")
	SampleCmd.Flags().StringP("output", "o", "samples.json", "Output file")
	SampleCmd.Flags().String("device", "", "Only capture messages from this device ID")
}
