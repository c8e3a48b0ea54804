package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %s", cfg.HTTPAddress)
	}
	if cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database path %s", cfg.DatabasePath)
	}
	if cfg.SyncDefaultLimit != defaultFetchLimit {
		t.Fatalf("unexpected default limit %d", cfg.SyncDefaultLimit)
	}
	if cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.TAuthIssuer != "tauth" || !cfg.MetricsEnabled {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("REFLECTIVE_TAUTH_SIGNING_SECRET", "from-env")
	t.Setenv("REFLECTIVE_SYNC_DEFAULT_LIMIT", "250")
	t.Setenv("REFLECTIVE_LOG_FORMAT", "console")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.TAuthSigningKey != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.TAuthSigningKey)
	}
	if cfg.SyncDefaultLimit != 250 {
		t.Fatalf("expected limit from env, got %d", cfg.SyncDefaultLimit)
	}
	if cfg.LogFormat != "console" {
		t.Fatalf("expected console format, got %s", cfg.LogFormat)
	}
}

func TestLoadValidates(t *testing.T) {
	testCases := map[string]func(map[string]any){
		"missing secret": func(values map[string]any) { delete(values, "tauth.signing_secret") },
		"limit too high": func(values map[string]any) { values["sync.default_limit"] = 501 },
		"limit zero":     func(values map[string]any) { values["sync.default_limit"] = 0 },
		"bad log format": func(values map[string]any) { values["log.format"] = "xml" },
		"empty database": func(values map[string]any) { values["database.path"] = " " },
	}
	for name, mutate := range testCases {
		t.Run(name, func(t *testing.T) {
			values := map[string]any{"tauth.signing_secret": "secret"}
			mutate(values)
			configViper := NewViper()
			for key, value := range values {
				configViper.Set(key, value)
			}
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
