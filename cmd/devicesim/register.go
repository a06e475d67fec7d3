package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register",
		Short: "Register the simulated device with the hub and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sim, err := newSimulator(cfg)
			if err != nil {
				return err
			}
			defer sim.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			if err := sim.Register(ctx); err != nil {
				return err
			}
			log.Info().Str("udid", sim.Device().UDID).Str("api_url", cfg.APIURL).Msg("register done")
			return nil
		},
	}
}
