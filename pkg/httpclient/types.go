package httpclient

import (
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
)

// Config holds client configuration
type Config struct {
	// ServerURL is the base URL of the broker HTTP API (e.g., "http://localhost:8080")
	ServerURL string

	// Token is an admin JWT, required only for the admin endpoints.
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool         `json:"healthy"`
	State   broker.State `json:"state"`
	Message string       `json:"message"`
}

// TenantKeyInfo is the public view of one tenant.
type TenantKeyInfo struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// AdminKeysResponse lists the broker's public key material.
type AdminKeysResponse struct {
	Hash      string          `json:"hash"`
	PublicKey string          `json:"publicKey"`
	Tenants   []TenantKeyInfo `json:"tenants"`
}

// AdminStopResponse acknowledges a stop request.
type AdminStopResponse struct {
	Stopping bool   `json:"stopping"`
	Endpoint string `json:"endpoint"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}
