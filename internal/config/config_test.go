package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/peterje/consolebridge/internal/errdefs"
)

// isolate keeps the developer's environment and working directory out of Load.
func isolate(t *testing.T) {
	t.Helper()
	t.Chdir(t.TempDir())
	t.Setenv(ConfigPathEnvVar, "")
	for key := range envMappings {
		name := strings.ToUpper(key)
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consolebridge.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:8800" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.Console.Path != "bconsole" || cfg.Console.KillTimeout != 2*time.Second {
		t.Errorf("Console = %+v", cfg.Console)
	}
	if cfg.Executor.DefaultAPIMode != 2 || cfg.Session.APIMode != 0 {
		t.Errorf("api modes = %d/%d, want 2/0", cfg.Executor.DefaultAPIMode, cfg.Session.APIMode)
	}
	if len(cfg.Server.CORSOrigins) != 1 || cfg.Server.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.Server.CORSOrigins)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	isolate(t)
	path := writeFile(t, `
server:
  port: 9000
console:
  path: /opt/bareos/bin/bconsole
  args: ["-c", "/etc/bareos/bconsole.conf"]
  kill_timeout: 5s
session:
  max_sessions: 4
logging:
  format: console
`)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("UNRELATED_SETTING", "ignored")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Console.Path != "/opt/bareos/bin/bconsole" || len(cfg.Console.Args) != 2 {
		t.Errorf("Console = %+v", cfg.Console)
	}
	if cfg.Console.KillTimeout != 5*time.Second {
		t.Errorf("KillTimeout = %v", cfg.Console.KillTimeout)
	}
	if cfg.Session.MaxSessions != 4 {
		t.Errorf("MaxSessions = %d", cfg.Session.MaxSessions)
	}
	if got := cfg.Server.CORSOrigins; len(got) != 2 || got[1] != "https://b.example" {
		t.Errorf("CORSOrigins = %v", got)
	}

	lc := cfg.ConsoleLauncherConfig()
	if lc.Path != cfg.Console.Path || lc.KillTimeout != 5*time.Second {
		t.Errorf("ConsoleLauncherConfig = %+v", lc)
	}
	if cfg.LoggingConfig().Format != "console" {
		t.Errorf("LoggingConfig = %+v", cfg.LoggingConfig())
	}
}

func TestLoadConfigEnvVar(t *testing.T) {
	isolate(t)
	t.Setenv(ConfigPathEnvVar, writeFile(t, "session:\n  api_mode: 1\n"))

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.APIMode != 1 {
		t.Errorf("APIMode = %d, want 1", cfg.Session.APIMode)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		path func(t *testing.T) string
		env  map[string]string
	}{
		{"missing explicit file", func(*testing.T) string { return "/nonexistent/consolebridge.yaml" }, nil},
		{"bad yaml", func(t *testing.T) string { return writeFile(t, "server: [") }, nil},
		{"port out of range", nil, map[string]string{"HTTP_PORT": "70000"}},
		{"api mode out of range", nil, map[string]string{"EXECUTOR_API_MODE": "9"}},
		{"empty console path", nil, map[string]string{"CONSOLE_PATH": ""}},
		{"unknown log format", nil, map[string]string{"LOG_FORMAT": "xml"}},
		{"env entry without value", nil, map[string]string{"CONSOLE_ENV": "NOPE"}},
		{"rate limit without window", nil, map[string]string{"EXECUTOR_RATE_LIMIT_WINDOW": "0s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.path != nil {
				path = tt.path(t)
			}
			if _, err := Load(path); !errors.Is(err, errdefs.ErrConfig) {
				t.Fatalf("err = %v, want ErrConfig", err)
			}
		})
	}
}
