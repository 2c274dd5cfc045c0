// Package config loads the service configuration.
//
// Precedence, lowest first: built-in defaults, an optional YAML file, then
// environment variables from the mapping table in envMappings.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/peterje/consolebridge/internal/console"
	"github.com/peterje/consolebridge/internal/errdefs"
	"github.com/peterje/consolebridge/internal/logging"
)

// ConfigPathEnvVar names a config file to load before the default paths.
const ConfigPathEnvVar = "CONSOLEBRIDGE_CONFIG"

// DefaultConfigPaths are tried in order when no path is given.
var DefaultConfigPaths = []string{
	"consolebridge.yaml",
	"/etc/consolebridge/config.yaml",
}

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Console  ConsoleConfig  `koanf:"console"`
	Executor ExecutorConfig `koanf:"executor"`
	Session  SessionConfig  `koanf:"session"`
	Logging  LoggingConfig  `koanf:"logging"`
}

type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              int           `koanf:"port" validate:"min=1,max=65535"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout" validate:"gt=0"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
	// CORSOrigins also governs which origins may open a websocket. "*" allows any.
	CORSOrigins []string `koanf:"cors_origins"`
}

type ConsoleConfig struct {
	Path        string        `koanf:"path" validate:"required"`
	Args        []string      `koanf:"args"`
	Dir         string        `koanf:"dir"`
	Env         []string      `koanf:"env"`
	PTY         bool          `koanf:"pty"`
	KillTimeout time.Duration `koanf:"kill_timeout" validate:"gt=0"`
}

type ExecutorConfig struct {
	DefaultAPIMode int `koanf:"default_api_mode" validate:"min=0,max=3"`
	// Timeout bounds a one-shot command; 0 leaves only the request context.
	Timeout           time.Duration `koanf:"timeout" validate:"min=0"`
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"min=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
}

type SessionConfig struct {
	APIMode        int `koanf:"api_mode" validate:"min=0,max=3"`
	MaxSessions    int `koanf:"max_sessions" validate:"min=0"`
	ListenerBuffer int `koanf:"listener_buffer" validate:"min=1"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn warning error err disabled off"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              8800,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			CORSOrigins:       []string{"*"},
		},
		Console: ConsoleConfig{
			Path:        "bconsole",
			KillTimeout: 2 * time.Second,
		},
		Executor: ExecutorConfig{
			DefaultAPIMode:    2,
			RateLimitRequests: 60,
			RateLimitWindow:   time.Minute,
		},
		Session: SessionConfig{
			ListenerBuffer: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration. A non-empty path must exist; otherwise the
// file named by CONSOLEBRIDGE_CONFIG or the first of DefaultConfigPaths is
// used if present.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("%w: load defaults: %w", errdefs.ErrConfig, err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: load config file %s: %w", errdefs.ErrConfig, path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("%w: load environment: %w", errdefs.ErrConfig, err)
	}
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %w", errdefs.ErrConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field tags and the rules that span fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", errdefs.ErrConfig, err)
	}
	if c.Executor.RateLimitRequests > 0 && c.Executor.RateLimitWindow <= 0 {
		return fmt.Errorf("%w: executor.rate_limit_window must be positive when rate limiting is on", errdefs.ErrConfig)
	}
	for _, kv := range c.Console.Env {
		if !strings.Contains(kv, "=") {
			return fmt.Errorf("%w: console.env entry %q is not KEY=VALUE", errdefs.ErrConfig, kv)
		}
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c *Config) ConsoleLauncherConfig() console.Config {
	return console.Config{
		Path:        c.Console.Path,
		Args:        c.Console.Args,
		Dir:         c.Console.Dir,
		Env:         c.Console.Env,
		PTY:         c.Console.PTY,
		KillTimeout: c.Console.KillTimeout,
	}
}

func (c *Config) LoggingConfig() logging.Config {
	return logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Caller: c.Logging.Caller,
	}
}

// Env values for these paths are comma separated.
var sliceConfigPaths = []string{
	"server.cors_origins",
	"console.args",
	"console.env",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"http_host":                    "server.host",
	"http_port":                    "server.port",
	"http_read_header_timeout":     "server.read_header_timeout",
	"http_shutdown_timeout":        "server.shutdown_timeout",
	"cors_origins":                 "server.cors_origins",
	"console_path":                 "console.path",
	"console_args":                 "console.args",
	"console_dir":                  "console.dir",
	"console_env":                  "console.env",
	"console_pty":                  "console.pty",
	"console_kill_timeout":         "console.kill_timeout",
	"executor_api_mode":            "executor.default_api_mode",
	"executor_timeout":             "executor.timeout",
	"executor_rate_limit_requests": "executor.rate_limit_requests",
	"executor_rate_limit_window":   "executor.rate_limit_window",
	"session_api_mode":             "session.api_mode",
	"session_max":                  "session.max_sessions",
	"session_listener_buffer":      "session.listener_buffer",
	"log_level":                    "logging.level",
	"log_format":                   "logging.format",
	"log_caller":                   "logging.caller",
}

// envTransformFunc maps known variables to config paths and drops the rest,
// so unrelated environment never leaks into the config.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
