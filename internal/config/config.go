package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`

	BufferMode string `yaml:"buffer_mode"` // "inmemory", "redis" or "sqlite"
	RedisAddr  string `yaml:"redis_addr"`
	SQLitePath string `yaml:"sqlite_path"`
	Namespace  string `yaml:"namespace"`

	ServerURL string `yaml:"server_url"`
	CSRFToken string `yaml:"csrf_token"`
	Username  string `yaml:"username"`
	LogoutURL string `yaml:"logout_url"`

	HoldLength       time.Duration `yaml:"hold_length"`
	ServerHoldLength time.Duration `yaml:"server_hold_length"`
	FlushTimeout     time.Duration `yaml:"flush_timeout"`
	DebounceWindow   time.Duration `yaml:"debounce_window"`

	MessageEndpoint     string `yaml:"message_endpoint"`
	PreferencesEndpoint string `yaml:"preferences_endpoint"`
	AdoptEndpoint       string `yaml:"adopt_endpoint"`
	AutosaveEndpoint    string `yaml:"autosave_endpoint"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		HTTPAddr:            ":8080",
		MetricsAddr:         ":9090",
		LogLevel:            "info",
		BufferMode:          "inmemory",
		RedisAddr:           "localhost:6379",
		SQLitePath:          "readerqueue.db",
		Namespace:           "rq",
		ServerURL:           "http://localhost:8000",
		LogoutURL:           "/account/logout",
		HoldLength:          60 * time.Second,
		ServerHoldLength:    20 * time.Second,
		FlushTimeout:        30 * time.Second,
		DebounceWindow:      time.Second,
		MessageEndpoint:     "/messagequeue/",
		PreferencesEndpoint: "/account/prefs",
		AdoptEndpoint:       "/account/prefs/profile",
		AutosaveEndpoint:    "/api/autosave",
	}
}

// Load reads configuration from the optional YAML file, the environment and
// command-line flags, in that order of increasing precedence.
func Load() (*Config, error) {
	return LoadArgs(flag.CommandLine, os.Args[1:])
}

// LoadArgs is Load with an explicit flag set and argument list.
func LoadArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := Defaults()

	if path := configPath(args); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	var configFile string
	fs.StringVar(&configFile, "config", os.Getenv("READERQ_CONFIG"), "Path to a YAML configuration file")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", envOrDefault("READERQ_HTTP_ADDR", cfg.HTTPAddr), "HTTP listen address for producers")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", envOrDefault("READERQ_METRICS_ADDR", cfg.MetricsAddr), "HTTP listen address for Prometheus metrics")
	fs.StringVar(&cfg.LogLevel, "log-level", envOrDefault("READERQ_LOG_LEVEL", cfg.LogLevel), "Log level: debug, info, warn or error")
	fs.StringVar(&cfg.BufferMode, "buffer-mode", envOrDefault("READERQ_BUFFER_MODE", cfg.BufferMode), "Local buffer: inmemory, redis or sqlite")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("READERQ_REDIS_ADDR", cfg.RedisAddr), "Redis address for redis buffer mode")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", envOrDefault("READERQ_SQLITE_PATH", cfg.SQLitePath), "Database file for sqlite buffer mode")
	fs.StringVar(&cfg.Namespace, "namespace", envOrDefault("READERQ_NAMESPACE", cfg.Namespace), "Key namespace prefix")
	fs.StringVar(&cfg.ServerURL, "server-url", envOrDefault("READERQ_SERVER_URL", cfg.ServerURL), "Base URL of the reading-application server")
	fs.StringVar(&cfg.CSRFToken, "csrf-token", envOrDefault("READERQ_CSRF_TOKEN", cfg.CSRFToken), "CSRF token sent with every POST")
	fs.StringVar(&cfg.Username, "username", envOrDefault("READERQ_USERNAME", cfg.Username), "Authenticated username; empty for anonymous sessions")
	fs.StringVar(&cfg.LogoutURL, "logout-url", envOrDefault("READERQ_LOGOUT_URL", cfg.LogoutURL), "URL to continue to once logout flushes finish")
	fs.StringVar(&cfg.MessageEndpoint, "message-endpoint", envOrDefault("READERQ_MESSAGE_ENDPOINT", cfg.MessageEndpoint), "Server path for message batches")
	fs.StringVar(&cfg.PreferencesEndpoint, "preferences-endpoint", envOrDefault("READERQ_PREFERENCES_ENDPOINT", cfg.PreferencesEndpoint), "Server path for preference reads")
	fs.StringVar(&cfg.AdoptEndpoint, "adopt-endpoint", envOrDefault("READERQ_ADOPT_ENDPOINT", cfg.AdoptEndpoint), "Server path for preset adoption")
	fs.StringVar(&cfg.AutosaveEndpoint, "autosave-endpoint", envOrDefault("READERQ_AUTOSAVE_ENDPOINT", cfg.AutosaveEndpoint), "Server path for autosave reads")

	durations := []struct {
		dst   *time.Duration
		name  string
		env   string
		usage string
	}{
		{&cfg.HoldLength, "hold-length", "READERQ_HOLD_LENGTH", "Flush interval of local queues"},
		{&cfg.ServerHoldLength, "server-hold-length", "READERQ_SERVER_HOLD_LENGTH", "Flush interval of server-backed queues"},
		{&cfg.FlushTimeout, "flush-timeout", "READERQ_FLUSH_TIMEOUT", "Upper bound on one periodic flush"},
		{&cfg.DebounceWindow, "debounce-window", "READERQ_DEBOUNCE_WINDOW", "How long a preference read is reused"},
	}
	for _, d := range durations {
		def := *d.dst
		if raw, ok := os.LookupEnv(d.env); ok {
			parsed, err := time.ParseDuration(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid %s: %w", d.env, err)
			}
			def = parsed
		}
		fs.DurationVar(d.dst, d.name, def, d.usage)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail later at startup.
func (c *Config) Validate() error {
	switch c.BufferMode {
	case "inmemory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown buffer mode %q", c.BufferMode)
	}
	if c.ServerURL == "" {
		return errors.New("server url is required")
	}
	for name, d := range map[string]time.Duration{
		"hold length":        c.HoldLength,
		"server hold length": c.ServerHoldLength,
		"debounce window":    c.DebounceWindow,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.FlushTimeout < 0 {
		return fmt.Errorf("flush timeout must not be negative, got %s", c.FlushTimeout)
	}
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse YAML config %s: %w", path, err)
	}
	return nil
}

// configPath finds the config file before flags are parsed, so that the
// environment and flags can still override what the file sets.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return os.Getenv("READERQ_CONFIG")
}

func envOrDefault(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}
