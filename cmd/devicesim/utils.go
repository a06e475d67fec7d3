package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/httprunner/devicesim"
	"github.com/httprunner/devicesim/internal/config"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// loadConfig reads the environment and applies the persistent flags.
func loadConfig() (config.Simulator, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	cfg.APIURL = strings.TrimSuffix(firstNonEmpty(rootAPIURL, cfg.APIURL), "/")
	cfg.Token = firstNonEmpty(rootToken, cfg.Token)
	return cfg, nil
}

func newSimulator(cfg config.Simulator) (*devicesim.Simulator, error) {
	udid := config.String(config.EnvUDID, "")
	return devicesim.New(devicesim.Options{
		Config: cfg,
		Device: devicesim.DefaultDevice(udid),
	})
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
