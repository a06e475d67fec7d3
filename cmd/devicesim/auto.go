package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newAutoCmd() *cobra.Command {
	var flagNoProxy bool

	cmd := &cobra.Command{
		Use:   "auto",
		Short: "Activate the device and wait for one automated session",
		Long:  "Registers and activates the device, then serves the first AUTO session driven by an external WebDriver client; exits once it ended.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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
			log.Info().Str("udid", sim.Device().UDID).Bool("proxy", cfg.ProxyEnabled).Msg("auto run waiting for session")
			if err := sim.RunAuto(ctx, nil); err != nil {
				return err
			}
			log.Info().Msg("auto run finished")
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagNoProxy, "no-proxy", false, "Do not start the local forward proxy")
	return cmd
}
