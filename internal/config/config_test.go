package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  no_auth: true\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":8600" {
		t.Errorf("Listen = %q, want :8600", cfg.Server.Listen)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("store driver = %q, want memory", cfg.Store.Driver)
	}
	if cfg.Defaults.MaxRounds != 10 {
		t.Errorf("MaxRounds = %d, want 10", cfg.Defaults.MaxRounds)
	}
	if cfg.Defaults.AgentTimeout.Std() != 2*time.Minute {
		t.Errorf("AgentTimeout = %v, want 2m", cfg.Defaults.AgentTimeout.Std())
	}
	if cfg.Lock.Driver != "local" {
		t.Errorf("lock driver = %q, want local", cfg.Lock.Driver)
	}
	if cfg.Archive.Enabled() || cfg.Retention.Enabled() {
		t.Error("archive and retention should be disabled by default")
	}
}

func TestParseWithAdjustsBeforeValidation(t *testing.T) {
	t.Setenv("COUNCIL_API_KEY", "")

	// Without the adjustment this input fails validation: no API key
	// and auth enabled.
	if _, err := Parse(nil); err == nil {
		t.Fatal("Parse should require an API key when auth is enabled")
	}
	cfg, err := ParseWith(nil, func(c *Config) { c.Server.NoAuth = true })
	if err != nil {
		t.Fatalf("ParseWith: %v", err)
	}
	if !cfg.Server.NoAuth {
		t.Error("adjustment was not applied")
	}
}

func TestParseFullFile(t *testing.T) {
	raw := `
server:
  listen: ":9000"
  log_level: debug
  api_key: secret-key
  rate_per_second: 25
  rate_burst: 50
  shutdown_grace: 30s
store:
  driver: postgres
  postgres_dsn: postgres://council@localhost/council
llm:
  anthropic_api_key: sk-ant-test
  ollama_host: http://localhost:11434
defaults:
  max_rounds: 6
  agent_timeout: 90s
  transcript_window: 8
  max_tokens: 2048
  max_parallel: 2
policy:
  halt: totalCostUsd > 5.0 || failures >= 2
archive:
  bucket: council-archive
  prefix: prod
  region: us-east-1
retention:
  max_age: 720h
  schedule: "@daily"
lock:
  driver: etcd
  etcd_endpoints: ["localhost:2379"]
  etcd_ttl_seconds: 30
pricing:
  models:
    claude-sonnet:
      input_per_mtok: 3
      output_per_mtok: 15
`
	cfg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":9000" || cfg.Server.APIKey != "secret-key" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ShutdownGrace.Std() != 30*time.Second {
		t.Errorf("ShutdownGrace = %v, want 30s", cfg.Server.ShutdownGrace.Std())
	}
	if cfg.Defaults.AgentTimeout.Std() != 90*time.Second {
		t.Errorf("AgentTimeout = %v, want 90s", cfg.Defaults.AgentTimeout.Std())
	}
	if !cfg.Archive.Enabled() || cfg.Archive.Bucket != "council-archive" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
	if !cfg.Retention.Enabled() || cfg.Retention.MaxAge.Std() != 720*time.Hour {
		t.Errorf("retention = %+v", cfg.Retention)
	}
	if len(cfg.Lock.EtcdEndpoints) != 1 || cfg.Lock.EtcdTTL != 30 {
		t.Errorf("lock = %+v", cfg.Lock)
	}
	rate, ok := cfg.Pricing.Models["claude-sonnet"]
	if !ok || rate.InputPerMTok != 3 || rate.OutputPerMTok != 15 {
		t.Errorf("pricing = %+v", cfg.Pricing.Models)
	}
}

func TestEnvReferences(t *testing.T) {
	t.Run("resolved", func(t *testing.T) {
		t.Setenv("COUNCIL_TEST_SECRET", "from-env")
		cfg, err := Parse([]byte("server:\n  api_key: env:COUNCIL_TEST_SECRET\n"))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Server.APIKey != "from-env" {
			t.Errorf("APIKey = %q, want from-env", cfg.Server.APIKey)
		}
	})

	t.Run("nested", func(t *testing.T) {
		t.Setenv("COUNCIL_TEST_DSN", "postgres://u@h/db")
		raw := "server:\n  no_auth: true\nstore:\n  driver: postgres\n  postgres_dsn: env:COUNCIL_TEST_DSN\n"
		cfg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Store.PostgresDSN != "postgres://u@h/db" {
			t.Errorf("PostgresDSN = %q", cfg.Store.PostgresDSN)
		}
	})

	t.Run("unset variable fails", func(t *testing.T) {
		_, err := Parse([]byte("server:\n  api_key: env:COUNCIL_TEST_MISSING\n"))
		if err == nil {
			t.Fatal("expected error for unset variable")
		}
		if !strings.Contains(err.Error(), "COUNCIL_TEST_MISSING") {
			t.Errorf("error %q does not name the variable", err)
		}
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COUNCIL_LISTEN", ":7777")
	t.Setenv("COUNCIL_API_KEY", "override-key")
	t.Setenv("COUNCIL_POSTGRES_DSN", "postgres://env@host/db")

	cfg, err := Parse([]byte("server:\n  listen: \":9000\"\n  api_key: file-key\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Listen != ":7777" {
		t.Errorf("Listen = %q, want :7777", cfg.Server.Listen)
	}
	if cfg.Server.APIKey != "override-key" {
		t.Errorf("APIKey = %q, want override-key", cfg.Server.APIKey)
	}
	if cfg.Store.Driver != "postgres" || cfg.Store.PostgresDSN != "postgres://env@host/db" {
		t.Errorf("store = %+v, want postgres via env", cfg.Store)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"malformed yaml", "server: [unclosed", "parse"},
		{"bad duration", "server:\n  no_auth: true\ndefaults:\n  agent_timeout: fast\n", "invalid duration"},
		{"missing api key", "server: {}\n", "api_key"},
		{"unknown store driver", "server:\n  no_auth: true\nstore:\n  driver: sqlite\n", "store driver"},
		{"postgres without dsn", "server:\n  no_auth: true\nstore:\n  driver: postgres\n", "postgres_dsn"},
		{"unknown lock driver", "server:\n  no_auth: true\nlock:\n  driver: redis\n", "lock driver"},
		{"etcd without endpoints", "server:\n  no_auth: true\nlock:\n  driver: etcd\n", "etcd_endpoints"},
		{"zero max rounds", "server:\n  no_auth: true\ndefaults:\n  max_rounds: 0\n", "max_rounds"},
		{"bad halt expression", "server:\n  no_auth: true\npolicy:\n  halt: \"round >\"\n", "halt"},
		{"non-bool halt expression", "server:\n  no_auth: true\npolicy:\n  halt: round + 1\n", "halt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	write := func(listen string) {
		t.Helper()
		raw := "server:\n  no_auth: true\n  listen: \"" + listen + "\"\n"
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	write(":8600")

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	updates := make(chan *Config, 8)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	if err := Watch(ctx, path, logger, func(cfg *Config) { updates <- cfg }); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	write(":9100")
	waitForListen(t, updates, ":9100")

	// A broken rewrite is skipped; the next good one still lands.
	if err := os.WriteFile(path, []byte("server: [broken"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	write(":9200")
	waitForListen(t, updates, ":9200")
}

func waitForListen(t *testing.T, updates <-chan *Config, want string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Server.Listen == want {
				return
			}
		case <-deadline:
			t.Fatalf("no reload observed with listen %q", want)
		}
	}
}
