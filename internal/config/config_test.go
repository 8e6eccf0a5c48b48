package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const fullConfig = `
service:
  name: test-archiver
  health_port: 9090
source:
  path: /snapshots/chat.db
postgres:
  host: db.internal
  port: 6432
  database: chatpulse
  user: archiver
  password: secret
  sslmode: require
ingest:
  interval_seconds: 300
logging:
  level: debug
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Service.Name != "test-archiver" || cfg.Service.HealthPort != 9090 {
		t.Errorf("service = %+v", cfg.Service)
	}
	if cfg.Source.Path != "/snapshots/chat.db" {
		t.Errorf("source path = %q", cfg.Source.Path)
	}
	if cfg.Postgres.Port != 6432 || cfg.Postgres.SSLMode != "require" {
		t.Errorf("postgres = %+v", cfg.Postgres)
	}
	if cfg.Ingest.IntervalSeconds != 300 {
		t.Errorf("interval = %d, want 300", cfg.Ingest.IntervalSeconds)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
source:
  path: /tmp/chat.db
postgres:
  host: localhost
  database: chatpulse
  user: archiver
`))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Service.HealthPort != 8088 {
		t.Errorf("default health port = %d, want 8088", cfg.Service.HealthPort)
	}
	if cfg.Postgres.Port != 5432 || cfg.Postgres.SSLMode != "disable" {
		t.Errorf("postgres defaults = %+v", cfg.Postgres)
	}
	if cfg.Ingest.IntervalSeconds != 0 {
		t.Errorf("interval = %d, want 0 (one-shot)", cfg.Ingest.IntervalSeconds)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q, want info", cfg.Logging.Level)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SOURCE_PATH", "/elsewhere/chat.db")
	t.Setenv("POSTGRES_PASSWORD", "fromenv")
	t.Setenv("INGEST_INTERVAL_SECONDS", "60")

	cfg, err := LoadConfig(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Source.Path != "/elsewhere/chat.db" {
		t.Errorf("source path = %q, env override lost", cfg.Source.Path)
	}
	if cfg.Postgres.Password != "fromenv" {
		t.Errorf("password = %q, env override lost", cfg.Postgres.Password)
	}
	if cfg.Ingest.IntervalSeconds != 60 {
		t.Errorf("interval = %d, want 60", cfg.Ingest.IntervalSeconds)
	}
}

func TestValidateRejectsMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantMsg string
	}{
		{"missing source path", func(c *Config) { c.Source.Path = "" }, "source path"},
		{"missing host", func(c *Config) { c.Postgres.Host = "" }, "postgres host"},
		{"missing database", func(c *Config) { c.Postgres.Database = "" }, "postgres database"},
		{"missing user", func(c *Config) { c.Postgres.User = "" }, "postgres user"},
		{"bad health port", func(c *Config) { c.Service.HealthPort = 70000 }, "health port"},
		{"negative interval", func(c *Config) { c.Ingest.IntervalSeconds = -1 }, "interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, fullConfig))
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantMsg)
			}
		})
	}
}

func TestConnectionString(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, fullConfig))
	if err != nil {
		t.Fatal(err)
	}
	want := "host=db.internal port=6432 user=archiver password=secret dbname=chatpulse sslmode=require"
	if got := cfg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}
