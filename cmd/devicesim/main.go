package main

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/httprunner/devicesim/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "devicesim",
	Short: "Simulated test device for a cloud device hub",
	Long:  `devicesim 模拟一台接入云真机 hub 的测试设备：注册设备、维持控制通道、记录 hub 会话操作，并提供本地转发代理。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyLogLevel(rootLogLevel)
	},
	SilenceUsage: true,
}

var (
	rootAPIURL   string
	rootToken    string
	rootLogLevel string
)

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.PersistentFlags().StringVar(&rootAPIURL, "api-url", "", "Hub API root overriding $"+config.EnvAPIURL)
	rootCmd.PersistentFlags().StringVar(&rootToken, "token", "", "Device token overriding $"+config.EnvToken)
	rootCmd.PersistentFlags().StringVar(&rootLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(
		newRegisterCmd(),
		newManualCmd(),
		newAutoCmd(),
		newProxyCmd(),
	)
	_ = config.EnsureDotEnv()
}

func applyLogLevel(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(raw))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("devicesim command failed")
	}
}
