package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/illmade-knight/go-iot-sim/pkg/simulator"
	"github.com/spf13/cobra"
)

// SendCmd sends messages repeatedly from one or more simulated devices.
var SendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send messages repeatedly from simulated devices",
	Long: `Send messages from every --device on a shared cadence.

Each round sends one message per device without waiting for earlier sends to complete,
then waits --interval before the next round. Press Ctrl+C to stop scheduling; messages
already in flight still settle, for up to send.drain_timeout, before the connections close.

With --template the message is a Go template rendered afresh for every send. Helpers:
int MIN MAX, float MIN MAX, bool, choice A B..., uuid, now, seq, upper S.`,
	RunE: runSend,
}

// SendOnceCmd sends a single message from a single device.
var SendOnceCmd = &cobra.Command{
	Use:   "send-once DESCRIPTOR MESSAGE",
	Short: "Send one message from one device",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		connector, release, err := newConnector(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer release()

		simCfg := simulator.DefaultConfig()
		simCfg.Stringify = cfg.Send.Stringify
		sim := simulator.NewSimulator(connector, nil, nil, simCfg, logger)
		if err := sim.SendOnce(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Message sent.")
		return nil
	},
}

func init() {
	SendCmd.Flags().StringArrayP("device", "d", nil, "Device descriptor (connection string or device ID); repeat for more devices")
	SendCmd.Flags().StringP("message", "m", "", "Message body, or template source with --template")
	SendCmd.Flags().Bool("template", false, "Render --message as a template for every send")
	SendCmd.Flags().IntP("count", "n", 10, "Number of messages per device")
	SendCmd.Flags().DurationP("interval", "i", time.Second, "Interval between rounds")
	SendCmd.Flags().Bool("json", false, "Print the run summary as JSON")
	_ = SendCmd.MarkFlagRequired("device")
}

func runSend(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}

	devices, _ := cmd.Flags().GetStringArray("device")
	message, _ := cmd.Flags().GetString("message")
	isTemplate, _ := cmd.Flags().GetBool("template")
	count, _ := cmd.Flags().GetInt("count")
	interval, _ := cmd.Flags().GetDuration("interval")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The connector outlives the run's cancellation so in-flight sends can settle.
	connector, release, err := newConnector(context.WithoutCancel(ctx), cfg, logger)
	if err != nil {
		return err
	}
	defer release()

	simCfg := simulator.Config{
		DelayGranularity: cfg.Send.DelayGranularity,
		Stringify:        cfg.Send.Stringify,
	}
	sink := simulator.ProgressSinks{
		simulator.NewWriterProgressSink(cmd.OutOrStdout()),
	}
	sim := simulator.NewSimulator(connector, simulator.NewTemplateGenerator(), sink, simCfg, logger)

	summary, err := sim.SendRepeatedly(ctx, simulator.RunRequest{
		Descriptors: devices,
		Template:    message,
		IsTemplate:  isTemplate,
		RepeatCount: count,
		Interval:    interval,
	})
	if err != nil {
		if errors.Is(err, simulator.ErrInvalidOperation) {
			return fmt.Errorf("nothing to send: %w", err)
		}
		return err
	}

	// Connections are released only after the sends still in flight have settled.
	drainCtx, cancelDrain := context.WithTimeout(context.WithoutCancel(ctx), cfg.Send.DrainTimeout)
	defer cancelDrain()
	if err := sim.Wait(drainCtx); err != nil {
		logger.Warn().Err(err).Dur("drain_timeout", cfg.Send.DrainTimeout).Msg("In-flight sends did not settle in time, closing anyway")
	}

	if jsonOutput {
		out, err := json.MarshalIndent(struct {
			Summary *simulator.RunSummary      `json:"summary"`
			Devices []simulator.StatusSnapshot `json:"devices"`
		}{summary, sim.DeviceStatuses()}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	}
	return nil
}
