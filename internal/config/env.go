// Package config resolves simulator settings from the environment and an
// optional .env file.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Environment variable names.
const (
	EnvAPIURL             = "DEVICESIM_API_URL"
	EnvToken              = "DEVICESIM_TOKEN"
	EnvNodeID             = "DEVICESIM_NODE_ID"
	EnvDeviceID           = "DEVICESIM_DEVICE_ID"
	EnvHubRetryDelay      = "DEVICESIM_HUB_RETRY_DELAY"
	EnvRegisterRetryDelay = "DEVICESIM_REGISTER_RETRY_DELAY"
	EnvHTTPTimeout        = "DEVICESIM_HTTP_TIMEOUT"
	EnvProxyEnabled       = "DEVICESIM_PROXY_ENABLED"
	EnvLedgerPath         = "DEVICESIM_LEDGER_PATH"
	EnvManualStepDelay    = "DEVICESIM_MANUAL_STEP_DELAY"
	EnvUDID               = "DEVICESIM_UDID"
)

const (
	DefaultAPIURL             = "http://localhost:3000"
	DefaultNodeID             = "simulator-node-1"
	DefaultHubRetryDelay      = 5 * time.Second
	DefaultRegisterRetryDelay = 500 * time.Millisecond
	DefaultHTTPTimeout        = 15 * time.Second
	DefaultManualStepDelay    = 2 * time.Second

	defaultLedgerDir  = ".devicesim"
	defaultLedgerFile = "sessions.sqlite"
)

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	_ = EnsureDotEnv()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare integers are read as milliseconds.
func Duration(key string, fallback time.Duration) time.Duration {
	raw := String(key, "")
	if raw == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		return parsed
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	if parsed, err := strconv.Atoi(String(key, "")); err == nil {
		return parsed
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	switch strings.ToLower(String(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}

// Simulator bundles everything the orchestrator needs.
type Simulator struct {
	APIURL             string
	Token              string
	NodeID             string
	DeviceID           int
	HubRetryDelay      time.Duration
	RegisterRetryDelay time.Duration
	HTTPTimeout        time.Duration
	ProxyEnabled       bool
	// LedgerPath is the SQLite session ledger; empty disables it.
	LedgerPath      string
	ManualStepDelay time.Duration
}

// Load reads Simulator settings from the environment.
func Load() (Simulator, error) {
	cfg := Simulator{
		APIURL:             strings.TrimSuffix(String(EnvAPIURL, DefaultAPIURL), "/"),
		Token:              String(EnvToken, ""),
		NodeID:             String(EnvNodeID, DefaultNodeID),
		DeviceID:           Int(EnvDeviceID, 0),
		HubRetryDelay:      Duration(EnvHubRetryDelay, DefaultHubRetryDelay),
		RegisterRetryDelay: Duration(EnvRegisterRetryDelay, DefaultRegisterRetryDelay),
		HTTPTimeout:        Duration(EnvHTTPTimeout, DefaultHTTPTimeout),
		ProxyEnabled:       Bool(EnvProxyEnabled, true),
		ManualStepDelay:    Duration(EnvManualStepDelay, DefaultManualStepDelay),
	}
	if _, set := os.LookupEnv(EnvLedgerPath); set {
		cfg.LedgerPath = strings.TrimSpace(os.Getenv(EnvLedgerPath))
	} else {
		path, err := defaultLedgerPath()
		if err != nil {
			return cfg, err
		}
		cfg.LedgerPath = path
	}
	return cfg, nil
}

// Validate checks the fields every sub-command depends on.
func (c Simulator) Validate() error {
	if strings.TrimSpace(c.APIURL) == "" {
		return errors.Errorf("config: $%s is empty", EnvAPIURL)
	}
	if strings.TrimSpace(c.Token) == "" {
		return errors.Errorf("config: --token or $%s is required", EnvToken)
	}
	return nil
}

// APIBaseURL is the versioned REST root, e.g. http://hub/v1/.
func (c Simulator) APIBaseURL() string {
	return strings.TrimSuffix(c.APIURL, "/") + "/v1/"
}

func defaultLedgerPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "config: locate user home failed")
	}
	return filepath.Join(home, defaultLedgerDir, defaultLedgerFile), nil
}
