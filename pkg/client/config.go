package client

import (
	"errors"
	"log/slog"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

var (
	ErrMissingName     = errors.New("client name cannot be empty")
	ErrMissingEndpoint = errors.New("broker endpoint cannot be empty")
	ErrMissingKeys     = errors.New("client keys cannot be nil")
	ErrMissingDialer   = errors.New("dialer cannot be nil")
)

// Handler holds the callbacks a client invokes. Any of them may be nil.
// Callbacks run on the client's goroutine and must not block for long.
type Handler struct {
	// OnRegistered is called after every successful registration.
	OnRegistered func(endpoint string)
	// OnDisconnected is called when the broker stopped answering heartbeats.
	OnDisconnected func()
	// OnData receives a notification sent to this client.
	OnData func(source string, payload []byte)
	// OnPublication receives a publication on a subscribed topic.
	OnPublication func(source, topic string, payload []byte)
	// OnError receives ERROR frames: failed registrations and unknown
	// destinations.
	OnError func(e *protocol.Error)
}

// Config holds the configuration of a Client.
type Config struct {
	// Name is the client name within its tenant.
	Name string
	// Endpoint is the broker to register with.
	Endpoint string

	Keys   *keystore.ClientKeys
	Dialer peerlink.Dialer

	// TimeUnit paces heartbeats (every 1.5 units) and registration
	// attempts (every 3 units).
	TimeUnit time.Duration

	// Nonces seeds payload encryption. A random source is used when nil.
	Nonces *cryptobox.NonceSource

	Handler Handler
	Logger  *slog.Logger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return ErrMissingName
	}
	if c.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if c.Keys == nil {
		return ErrMissingKeys
	}
	if c.Dialer == nil {
		return ErrMissingDialer
	}
	return nil
}

// SetDefaults fills in unset optional fields.
func (c *Config) SetDefaults() {
	if c.TimeUnit <= 0 {
		c.TimeUnit = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
