package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "SCREENRELAY"
	envConfigFile = "SCREENRELAY_CONFIG_FILE"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Hub       HubConfig       `mapstructure:"hub"`
	Signaling SignalingConfig `mapstructure:"signaling"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Mode         string        `mapstructure:"mode"`
}

type WebSocketConfig struct {
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	PongWait           time.Duration `mapstructure:"pong_wait"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	BufferSize         int           `mapstructure:"buffer_size"`
	MaxMessageSize     int64         `mapstructure:"max_message_size"`
	MaxEventsPerMinute int           `mapstructure:"max_events_per_minute"`
}

type HubConfig struct {
	InboxSize int `mapstructure:"inbox_size"`
}

type SignalingConfig struct {
	ValidateSDP bool `mapstructure:"validate_sdp"`
}

type AuditConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Path      string        `mapstructure:"path"`
	Timeout   time.Duration `mapstructure:"timeout"`
	QueueSize int           `mapstructure:"queue_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// defaults are registered with viper so every key is also reachable from
// the environment.
var defaults = map[string]interface{}{
	"http.host":                       "0.0.0.0",
	"http.port":                       5003,
	"http.read_timeout":               "30s",
	"http.write_timeout":              "30s",
	"http.mode":                       "release",
	"websocket.ping_interval":         "30s",
	"websocket.pong_wait":             "60s",
	"websocket.write_timeout":         "10s",
	"websocket.buffer_size":           256,
	"websocket.max_message_size":      65536,
	"websocket.max_events_per_minute": 600,
	"hub.inbox_size":                  1024,
	"signaling.validate_sdp":          false,
	"audit.enabled":                   false,
	"audit.path":                      "./data/screenrelay.db",
	"audit.timeout":                   "5s",
	"audit.queue_size":                256,
	"log.level":                       "info",
	"log.format":                      "console",
}

// DefaultConfig returns the built-in settings.
func DefaultConfig() *Config {
	cfg, err := decode(defaultViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

// Load reads settings from defaults, an optional config file and the
// environment, in increasing order of precedence. An empty path falls back
// to SCREENRELAY_CONFIG_FILE; with neither set only defaults and the
// environment apply.
func Load(path string) (*Config, error) {
	v := defaultViper()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// PORT is honoured for platforms that inject it.
	_ = v.BindEnv("http.port", envPrefix+"_HTTP_PORT", "PORT")

	if path == "" {
		path = os.Getenv(envConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func defaultViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("HTTP port must be between 1 and 65535")
	}
	if c.HTTP.Host == "" {
		return errors.New("HTTP host cannot be empty")
	}
	if c.HTTP.ReadTimeout <= 0 {
		return errors.New("HTTP read timeout must be positive")
	}
	if c.HTTP.WriteTimeout <= 0 {
		return errors.New("HTTP write timeout must be positive")
	}
	switch c.HTTP.Mode {
	case "release", "debug", "test":
	default:
		return fmt.Errorf("HTTP mode %q must be release, debug or test", c.HTTP.Mode)
	}

	if c.WebSocket.PingInterval <= 0 {
		return errors.New("WebSocket ping interval must be positive")
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return errors.New("WebSocket pong wait must exceed the ping interval")
	}
	if c.WebSocket.WriteTimeout <= 0 {
		return errors.New("WebSocket write timeout must be positive")
	}
	if c.WebSocket.BufferSize <= 0 {
		return errors.New("WebSocket buffer size must be positive")
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		return errors.New("WebSocket max message size must be positive")
	}
	if c.WebSocket.MaxEventsPerMinute < 0 {
		return errors.New("WebSocket max events per minute cannot be negative")
	}

	if c.Hub.InboxSize <= 0 {
		return errors.New("hub inbox size must be positive")
	}

	if c.Audit.Enabled {
		if c.Audit.Path == "" {
			return errors.New("audit path cannot be empty when audit is enabled")
		}
		if c.Audit.Timeout <= 0 {
			return errors.New("audit timeout must be positive")
		}
		if c.Audit.QueueSize <= 0 {
			return errors.New("audit queue size must be positive")
		}
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q is invalid: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("log format %q must be console or json", c.Log.Format)
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Host, c.HTTP.Port)
}
