package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv(EnvAPIURL, "http://hub.local:8080/")
	t.Setenv(EnvToken, "secret")
	t.Setenv(EnvDeviceID, "107198")
	t.Setenv(EnvHubRetryDelay, "250")
	t.Setenv(EnvProxyEnabled, "no")
	t.Setenv(EnvLedgerPath, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.APIURL != "http://hub.local:8080" {
		t.Fatalf("unexpected api url %q", cfg.APIURL)
	}
	if cfg.APIBaseURL() != "http://hub.local:8080/v1/" {
		t.Fatalf("unexpected api base %q", cfg.APIBaseURL())
	}
	if cfg.DeviceID != 107198 {
		t.Fatalf("unexpected device id %d", cfg.DeviceID)
	}
	if cfg.HubRetryDelay != 250*time.Millisecond {
		t.Fatalf("bare integers should be milliseconds, got %s", cfg.HubRetryDelay)
	}
	if cfg.ProxyEnabled {
		t.Fatal("proxy should be disabled")
	}
	if cfg.LedgerPath != "" {
		t.Fatalf("explicit empty ledger path should disable ledger, got %q", cfg.LedgerPath)
	}
	if cfg.RegisterRetryDelay != DefaultRegisterRetryDelay {
		t.Fatalf("unexpected register delay %s", cfg.RegisterRetryDelay)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestValidateRequiresToken(t *testing.T) {
	cfg := Simulator{APIURL: DefaultAPIURL}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected missing token error")
	}
}

func TestLoadDotEnvFromWalksUp(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, ".env"), []byte("DEVICESIM_TEST_DOTENV=loaded\n"), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("DEVICESIM_TEST_DOTENV") })

	path, err := LoadDotEnvFrom(nested)
	if err != nil {
		t.Fatalf("LoadDotEnvFrom returned error: %v", err)
	}
	if path != filepath.Join(root, ".env") {
		t.Fatalf("unexpected path %q", path)
	}
	if got := os.Getenv("DEVICESIM_TEST_DOTENV"); got != "loaded" {
		t.Fatalf("variable not loaded, got %q", got)
	}
}

func TestBoolFallback(t *testing.T) {
	t.Setenv("DEVICESIM_TEST_BOOL", "maybe")
	if !Bool("DEVICESIM_TEST_BOOL", true) {
		t.Fatal("invalid value should use fallback")
	}
}
