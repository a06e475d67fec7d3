package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/devicesim/internal/config"
)

func newManualCmd() *cobra.Command {
	var (
		flagDeviceID  int
		flagStepDelay time.Duration
		flagNoProxy   bool
	)

	cmd := &cobra.Command{
		Use:   "manual",
		Short: "Activate the device and play a booked manual session against it",
		Long:  "Registers and activates the device, books it through the hub as a tester and sends a short PRESS_BUTTON script; exits once the session ended.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if flagDeviceID > 0 {
				cfg.DeviceID = flagDeviceID
			}
			if cfg.DeviceID <= 0 {
				return errors.Errorf("--device-id or $%s is required", config.EnvDeviceID)
			}
			if flagStepDelay > 0 {
				cfg.ManualStepDelay = flagStepDelay
			}
			if flagNoProxy {
				cfg.ProxyEnabled = false
			}
			sim, err := newSimulator(cfg)
			if err != nil {
				return err
			}
			defer sim.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			log.Info().
				Int("device_id", cfg.DeviceID).
				Str("udid", sim.Device().UDID).
				Dur("step_delay", cfg.ManualStepDelay).
				Msg("manual run starting")
			ended, err := sim.RunManual(ctx, cfg.DeviceID)
			if err != nil {
				return err
			}
			log.Info().Str("session_id", ended.SessionID).Str("base_url", ended.BaseReportingURL).Msg("manual run finished")
			return nil
		},
	}

	cmd.Flags().IntVar(&flagDeviceID, "device-id", 0, "Hub device id to book overriding $"+config.EnvDeviceID)
	cmd.Flags().DurationVar(&flagStepDelay, "step-delay", 0, "Delay between scripted commands (0 uses $"+config.EnvManualStepDelay+")")
	cmd.Flags().BoolVar(&flagNoProxy, "no-proxy", false, "Do not start the local forward proxy")
	return cmd
}
