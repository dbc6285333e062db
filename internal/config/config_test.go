package config

import (
	"testing"
	"time"

	"github.com/kpopdotlink/broker-etrade/pkg/hostio"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !cfg.ETrade.Sandbox {
		t.Error("default environment is not sandbox")
	}
	if cfg.Environment() != hostio.EnvironmentSandbox {
		t.Errorf("Environment() = %s", cfg.Environment())
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry.max_attempts = %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("retry.base_delay = %v", cfg.Retry.BaseDelay)
	}
	if cfg.Retry.RateLimitDelay != 15*time.Second {
		t.Errorf("retry.rate_limit_delay = %v", cfg.Retry.RateLimitDelay)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("logging defaults = %+v", cfg.Logging)
	}
	if cfg.GCP.SecretNames.AccessToken != "etrade-access-token" {
		t.Errorf("secret name default = %q", cfg.GCP.SecretNames.AccessToken)
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("ETRADE_CONSUMER_KEY", "env-key")
	t.Setenv("ETRADE_CONSUMER_SECRET", "env-secret")
	t.Setenv("ETRADE_SANDBOX", "false")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ETrade.ConsumerKey != "env-key" || cfg.ETrade.ConsumerSecret != "env-secret" {
		t.Errorf("credentials = %q / %q", cfg.ETrade.ConsumerKey, cfg.ETrade.ConsumerSecret)
	}
	if cfg.ETrade.Sandbox {
		t.Error("ETRADE_SANDBOX=false not honored")
	}
	if cfg.Environment() != hostio.EnvironmentProduction {
		t.Errorf("Environment() = %s", cfg.Environment())
	}
}
