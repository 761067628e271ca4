package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}

	if cfg.Server.HTTPPort != 8080 || cfg.Server.MetricsPort != 9090 {
		t.Fatalf("ports=%d/%d, want 8080/9090", cfg.Server.HTTPPort, cfg.Server.MetricsPort)
	}
	if got := cfg.Docker.Images["python"]; got != "python:3.9-slim" {
		t.Fatalf("python image=%q", got)
	}
	if got := cfg.Docker.Images["javascript"]; got != "node:16-slim" {
		t.Fatalf("javascript image=%q", got)
	}
	if cfg.Docker.NetworkMode != "none" {
		t.Fatalf("network mode=%q, want none", cfg.Docker.NetworkMode)
	}
	if !cfg.Docker.ShouldPull() || !cfg.Local.IsEnabled() {
		t.Fatalf("pull/local should default to enabled")
	}
	if cfg.Local.Interpreter != "python3" {
		t.Fatalf("interpreter=%q", cfg.Local.Interpreter)
	}
	if cfg.Retention.Age() != 720*time.Hour {
		t.Fatalf("retention=%v", cfg.Retention.Age())
	}
	if cfg.Auth.APIKeyHeader != "X-API-Key" {
		t.Fatalf("api key header=%q", cfg.Auth.APIKeyHeader)
	}
}

func TestParse_Overrides(t *testing.T) {
	data := `
server:
  http_port: 9000
docker:
  images:
    python: my/python:3.12
    ruby: ruby:3
  pull_on_startup: false
local:
  enabled: false
retention:
  max_age: 0s
auth:
  api_keys:
    - name: ci
      key_hash: abc
`
	cfg, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	if cfg.Server.HTTPPort != 9000 {
		t.Fatalf("http port=%d", cfg.Server.HTTPPort)
	}
	if cfg.Docker.Images["python"] != "my/python:3.12" {
		t.Fatalf("python image=%q", cfg.Docker.Images["python"])
	}
	// 只允许两个运行时
	if _, ok := cfg.Docker.Images["ruby"]; ok {
		t.Fatalf("unexpected runtime image for ruby")
	}
	if cfg.Docker.ShouldPull() || cfg.Local.IsEnabled() {
		t.Fatalf("explicit false should be kept")
	}
	if cfg.Retention.Age() != 0 {
		t.Fatalf("retention=%v, want 0", cfg.Retention.Age())
	}
	if cfg.Auth.APIKeys[0].Role != "user" {
		t.Fatalf("api key role=%q, want user", cfg.Auth.APIKeys[0].Role)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
	}{
		{name: "auth without secret", data: "auth: {enabled: true}", wantErr: "jwt_secret"},
		{name: "bad schedule", data: "retention: {schedule: 'not a cron'}", wantErr: "retention.schedule"},
		{name: "events without url", data: "events: {enabled: true}", wantErr: "nats_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	secretFile := filepath.Join(dir, "secret")
	if err := os.WriteFile(secretFile, []byte("from-file\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("RUNBOX_AUTH_JWT_SECRET", "from-env")
	t.Setenv("RUNBOX_AUTH_JWT_SECRET_FILE", secretFile)
	t.Setenv("RUNBOX_POSTGRES_PASSWORD", "pg")
	t.Setenv("RUNBOX_DOCKER_HOSTS", "unix:///a.sock,tcp://b:2375")

	cfg, err := Parse([]byte("auth: {enabled: true}"))
	if err != nil {
		t.Fatalf("Parse() err=%v", err)
	}
	// _FILE 优先
	if cfg.Auth.JWTSecret != "from-file" {
		t.Fatalf("jwt secret=%q, want from-file", cfg.Auth.JWTSecret)
	}
	if cfg.Storage.Postgres.Password != "pg" {
		t.Fatalf("postgres password=%q", cfg.Storage.Postgres.Password)
	}
	if len(cfg.Docker.Hosts) != 2 || cfg.Docker.Hosts[1] != "tcp://b:2375" {
		t.Fatalf("docker hosts=%v", cfg.Docker.Hosts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load() err=nil, want error")
	}
}
