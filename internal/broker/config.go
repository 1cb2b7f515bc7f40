package broker

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/topicindex"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
)

var (
	// ErrMissingKeystore is returned when no keystore is configured
	ErrMissingKeystore = errors.New("keystore cannot be nil")
	// ErrMissingListen is returned when no listen function is configured
	ErrMissingListen = errors.New("listen function cannot be nil")
	// ErrMissingDialer is returned when a parent is configured without a dialer
	ErrMissingDialer = errors.New("dialer is required when a parent endpoint is set")
	// ErrAlreadyRunning is returned when Run is called twice
	ErrAlreadyRunning = errors.New("broker is already running")
)

// ListenFunc opens the south side listener. Frames it receives must be
// delivered to inbound.
type ListenFunc func(inbound chan<- peerlink.Frame) (peerlink.Listener, error)

// Config represents configuration for a Broker
type Config struct {
	// Scope is the broker's position in the tree, e.g. "1/2/3"
	Scope string

	// ParentEndpoint is the parent broker to register with. Empty makes this
	// broker the root.
	ParentEndpoint string

	// TimeUnit paces registration, heartbeats and timeouts
	TimeUnit time.Duration

	// InboundQueueSize bounds the reactor's inbound frame queue
	InboundQueueSize int

	Keystore keystore.Keystore
	Listen   ListenFunc
	Dialer   peerlink.Dialer

	// Nonces seeds challenge encryption. A random source is used when nil.
	Nonces *cryptobox.NonceSource

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.Keystore == nil {
		return ErrMissingKeystore
	}
	if c.Listen == nil {
		return ErrMissingListen
	}
	if c.ParentEndpoint != "" && c.Dialer == nil {
		return ErrMissingDialer
	}
	if _, err := topicindex.ParseScope(c.Scope); err != nil {
		return fmt.Errorf("invalid scope: %w", err)
	}
	if c.TimeUnit < 0 {
		return fmt.Errorf("time unit must not be negative, got %v", c.TimeUnit)
	}
	return nil
}

// SetDefaults sets sensible default values for unset configuration fields
func (c *Config) SetDefaults() {
	if c.TimeUnit == 0 {
		c.TimeUnit = time.Second
	}
	if c.InboundQueueSize == 0 {
		c.InboundQueueSize = 4096
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}
