package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config holds runtime configuration. Environment variables override file values.
type Config struct {
	Extract  ExtractConfig  `toml:"extract"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Callback CallbackConfig `toml:"callback"`
	Report   ReportConfig   `toml:"report"`
	Render   RenderConfig   `toml:"render"`
	Logging  LoggingConfig  `toml:"logging"`
}

type ExtractConfig struct {
	Backend       string `toml:"backend" validate:"oneof=wevtapi powershell"`
	BatchSize     int    `toml:"batch_size" validate:"gte=0,lte=1024"` // events per EvtNext call
	MaxMessageLen int    `toml:"max_message_len" validate:"gt=0"`      // characters kept per message
	DefaultCount  int    `toml:"default_count" validate:"gt=0"`
}

type DispatchConfig struct {
	Endpoint      string `toml:"endpoint" validate:"required,http_url"`
	Timeout       string `toml:"timeout"` // e.g. "5m"
	Token         string `toml:"token"`   // optional bearer token
	MaskSensitive bool   `toml:"mask_sensitive"`
}

type CallbackConfig struct {
	BindHost     string `toml:"bind_host"`                            // empty = all interfaces
	Port         int    `toml:"port" validate:"gte=1,lte=65535"`      // single configured port
	PublicHost   string `toml:"public_host" validate:"required"`      // host the remote service uses to reach us
	Path         string `toml:"path"`
	GracePeriod  string `toml:"grace_period"`
	WaitTimeout  string `toml:"wait_timeout"` // "0s" waits forever
	MaxBodyBytes int64  `toml:"max_body_bytes" validate:"gte=0"`
}

type ReportConfig struct {
	Dir string `toml:"dir"` // empty = ~/Desktop
}

type RenderConfig struct {
	Dir         string `toml:"dir"` // empty = OS temp dir
	OpenBrowser bool   `toml:"open_browser"`
}

type LoggingConfig struct {
	Level  string   `toml:"level"`
	Output []string `toml:"output"` // "console", "file"
}

// Load reads the TOML file at path (if it exists) then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := toml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewDefaultConfig returns the built-in defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Extract: ExtractConfig{
			Backend:       "wevtapi",
			BatchSize:     64,
			MaxMessageLen: 500,
			DefaultCount:  50,
		},
		Dispatch: DispatchConfig{
			Endpoint: "http://localhost:5678/webhook/evlogai",
			Timeout:  "5m",
		},
		Callback: CallbackConfig{
			BindHost:     "",
			Port:         5050,
			PublicHost:   "host.docker.internal",
			Path:         "/callback",
			GracePeriod:  "2s",
			WaitTimeout:  "0s",
			MaxBodyBytes: 10 * 1024 * 1024,
		},
		Render: RenderConfig{
			OpenBrowser: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"console"},
		},
	}
}

// Validate checks field constraints and duration syntax.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, v := range map[string]string{
		"dispatch.timeout":      c.Dispatch.Timeout,
		"callback.grace_period": c.Callback.GracePeriod,
		"callback.wait_timeout": c.Callback.WaitTimeout,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// DispatchTimeout returns the parsed dispatch timeout.
func (c DispatchConfig) DispatchTimeout() time.Duration {
	return parseDuration(c.Timeout, 5*time.Minute)
}

func (c CallbackConfig) Grace() time.Duration {
	return parseDuration(c.GracePeriod, 2*time.Second)
}

// Wait returns how long to wait for the callback; zero means no bound.
func (c CallbackConfig) Wait() time.Duration {
	return parseDuration(c.WaitTimeout, 0)
}

// ListenAddr is the local address the callback listener binds.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Callback.BindHost, strconv.Itoa(c.Callback.Port))
}

// CallbackURL is the URL the remote service is told to call back.
func (c *Config) CallbackURL() string {
	path := c.Callback.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "http://" + net.JoinHostPort(c.Callback.PublicHost, strconv.Itoa(c.Callback.Port)) + path
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("EVLOGAI_EXTRACT_BACKEND"); v != "" {
		cfg.Extract.Backend = v
	}
	if v := os.Getenv("EVLOGAI_EXTRACT_BATCH_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Extract.BatchSize = i
		}
	}
	if v := os.Getenv("EVLOGAI_MAX_MESSAGE_LEN"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Extract.MaxMessageLen = i
		}
	}
	if v := os.Getenv("EVLOGAI_DISPATCH_ENDPOINT"); v != "" {
		cfg.Dispatch.Endpoint = v
	}
	if v := os.Getenv("EVLOGAI_DISPATCH_TIMEOUT"); v != "" {
		cfg.Dispatch.Timeout = v
	}
	if v := os.Getenv("EVLOGAI_DISPATCH_TOKEN"); v != "" {
		cfg.Dispatch.Token = v
	}
	if v := os.Getenv("EVLOGAI_MASK_SENSITIVE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dispatch.MaskSensitive = b
		}
	}
	if v := os.Getenv("EVLOGAI_CALLBACK_BIND_HOST"); v != "" {
		cfg.Callback.BindHost = v
	}
	if v := os.Getenv("EVLOGAI_CALLBACK_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Callback.Port = i
		}
	}
	if v := os.Getenv("EVLOGAI_CALLBACK_PUBLIC_HOST"); v != "" {
		cfg.Callback.PublicHost = v
	}
	if v := os.Getenv("EVLOGAI_CALLBACK_WAIT_TIMEOUT"); v != "" {
		cfg.Callback.WaitTimeout = v
	}
	if v := os.Getenv("EVLOGAI_REPORT_DIR"); v != "" {
		cfg.Report.Dir = v
	}
	if v := os.Getenv("EVLOGAI_RENDER_DIR"); v != "" {
		cfg.Render.Dir = v
	}
	if v := os.Getenv("EVLOGAI_OPEN_BROWSER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Render.OpenBrowser = b
		}
	}
	if v := os.Getenv("EVLOGAI_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EVLOGAI_LOG_OUTPUT"); v != "" {
		var outputs []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				outputs = append(outputs, o)
			}
		}
		if len(outputs) > 0 {
			cfg.Logging.Output = outputs
		}
	}
}
