package httpapi

import "github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy bool         `json:"healthy"`
	State   broker.State `json:"state"`
	Message string       `json:"message"`
}

// StatsResponse is the broker status document.
type StatsResponse = broker.Status

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
