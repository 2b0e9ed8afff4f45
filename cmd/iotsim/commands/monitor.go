package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-iot-sim/pkg/monitor"
	"github.com/spf13/cobra"
)

// MonitorCmd prints inbound device messages until interrupted.
var MonitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Monitor device-to-cloud messages",
	Long: `Print inbound device messages as they arrive, for all devices or only the one
given with --device. Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		deviceID, _ := cmd.Flags().GetString("device")
		if deviceID == "" {
			deviceID = cfg.Monitor.DeviceID
		}
		if cmd.Flags().Changed("lookback") {
			cfg.Monitor.Lookback, _ = cmd.Flags().GetDuration("lookback")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		mon := monitor.NewMonitor(newConsumerFactory(cfg, logger), monitor.Config{Lookback: cfg.Monitor.Lookback}, cmd.OutOrStdout(), logger)
		if err := mon.Start(ctx, monitor.Filter{DeviceID: deviceID}); err != nil {
			return err
		}
		<-ctx.Done()
		return mon.Stop()
	},
}

func init() {
	MonitorCmd.Flags().String("device", "", "Only print messages from this device ID")
	MonitorCmd.Flags().Duration("lookback", 0, "Also print messages published this long before monitoring started")
}
