package main

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/devicesim/pkg/proxy"
)

func newProxyCmd() *cobra.Command {
	var flagPort int

	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Serve only the local HTTP/CONNECT forward proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			px, err := proxy.Start(ctx, proxy.Options{Port: flagPort})
			if err != nil {
				return err
			}
			defer px.Close()
			log.Info().Str("addr", px.Addr()).Msg("proxy running, press Ctrl+C to stop")
			select {
			case <-ctx.Done():
			case <-px.Done():
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", 0, "Listen port (0 allocates one)")
	return cmd
}
