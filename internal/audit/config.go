package audit

import (
	"errors"
	"time"
)

// Config holds audit trail storage settings.
type Config struct {
	Path            string        `mapstructure:"path"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueueSize       int           `mapstructure:"queue_size"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the audit settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Path:            "./data/screenrelay.db",
		MaxConnections:  4,
		ConnMaxLifetime: time.Hour,
		QueueSize:       256,
		Timeout:         5 * time.Second,
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if c.Path == "" {
		return errors.New("audit path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("audit max connections must be greater than 0")
	}
	if c.QueueSize <= 0 {
		return errors.New("audit queue size must be greater than 0")
	}
	if c.Timeout <= 0 {
		return errors.New("audit timeout must be greater than 0")
	}
	return nil
}
