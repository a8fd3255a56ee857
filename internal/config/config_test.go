package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TLSPolicy != TLSPolicyAccept {
		t.Errorf("TLSPolicy = %q", cfg.TLSPolicy)
	}
	if cfg.MaxRedirects != 10 {
		t.Errorf("MaxRedirects = %d", cfg.MaxRedirects)
	}
	if cfg.RequestTimeout != 120*time.Second {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.StorageTTL != 30*24*time.Hour {
		t.Errorf("StorageTTL = %v", cfg.StorageTTL)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TLS_POLICY", "STRICT")
	t.Setenv("MAX_REDIRECTS", "3")
	t.Setenv("REQUEST_TIMEOUT_SECONDS", "0")

	cfg, err := load(viper.New())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.TLSPolicy != TLSPolicyStrict {
		t.Errorf("TLSPolicy = %q", cfg.TLSPolicy)
	}
	if cfg.MaxRedirects != 3 {
		t.Errorf("MaxRedirects = %d", cfg.MaxRedirects)
	}
	if cfg.RequestTimeout != 0 {
		t.Errorf("RequestTimeout = %v", cfg.RequestTimeout)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"TLS_POLICY":          "trust-me",
		"BATCH_CONCURRENCY":   "0",
		"STORAGE_TTL_SECONDS": "0",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := load(viper.New()); err == nil {
				t.Fatalf("expected error for %s=%s", key, val)
			}
		})
	}
}
