package transport

import (
	"errors"
	"log/slog"
)

// Config holds configuration for the gRPC peer links
type Config struct {
	// ListenAddress is where the south listener binds, e.g. "0.0.0.0:5555"
	ListenAddress string
	// AdvertiseAddress is the endpoint handed to children in REGOK.
	// Defaults to the bound listener address.
	AdvertiseAddress string
	SendQueueSize    int
	MaxMessageSize   int
	Logger           *slog.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("listen address cannot be empty")
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 1000
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1024 * 1024 // 1MB
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
