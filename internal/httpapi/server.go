package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
)

var (
	ErrMissingBroker    = errors.New("httpapi: broker is required")
	ErrMissingSecretKey = errors.New("httpapi: secret key is required")
)

// KeyView is the public part of a keystore the admin endpoints may show.
type KeyView interface {
	Hash() string
	PublicKey() string
	Tenants() []string
	LookupByTenantName(name string) (keystore.Tenant, bool)
}

// Server represents the HTTP API server
type Server struct {
	broker     broker.Broker
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
	logger     *slog.Logger
}

// Config holds server configuration
type Config struct {
	// ListenAddress is the host:port the API binds to.
	ListenAddress string

	// SecretKey signs and verifies admin tokens.
	SecretKey string

	// Keys is optional; without it /api/v1/admin/keys answers 404.
	Keys KeyView

	// Metrics is optional; without it /metrics is not served.
	Metrics *metrics.Metrics

	Logger *slog.Logger
}

// SetDefaults fills in unset optional fields.
func (c *Config) SetDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":8080"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.SecretKey == "" {
		return ErrMissingSecretKey
	}
	return nil
}

// NewServer creates a new HTTP API server
func NewServer(b broker.Broker, config Config) (*Server, error) {
	if b == nil {
		return nil, ErrMissingBroker
	}
	configCopy := config
	configCopy.SetDefaults()
	if err := configCopy.Validate(); err != nil {
		return nil, err
	}

	logger := configCopy.Logger.With("component", "httpapi")
	jwtAuth := NewJWTAuth(configCopy.SecretKey)

	server := &Server{
		broker:     b,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(b, configCopy.Keys),
		middleware: NewMiddleware(jwtAuth, logger),
		logger:     logger,
	}

	server.server = &http.Server{
		Addr:           configCopy.ListenAddress,
		Handler:        server.setupRoutes(configCopy.Metrics),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return server, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start binds the listen address and serves until Stop. It returns nil once
// the server has been shut down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http api listening", "address", ln.Addr().String())
	if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(m *metrics.Metrics) http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(
					s.middleware.ContentType(handler))))
	}

	mux.Handle("GET /api/v1/health", withMiddleware(s.handlers.Health))
	mux.Handle("GET /api/v1/stats", withMiddleware(s.handlers.Stats))

	mux.Handle("GET /api/v1/admin/keys", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminKeys)))
	mux.Handle("POST /api/v1/admin/stop", withMiddleware(s.middleware.AdminRequired(s.handlers.AdminStop)))

	if m != nil {
		mux.Handle("GET /metrics", s.middleware.Recovery(m.Handler().ServeHTTP))
	}

	mux.Handle("/{$}", withMiddleware(s.handleRoot))
	return mux
}

// handleRoot provides API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	info := map[string]any{
		"service":     "ddmesh broker",
		"description": "Status and administration API of a ddmesh broker",
		"endpoints": map[string]any{
			"health":  "GET /api/v1/health",
			"stats":   "GET /api/v1/stats",
			"metrics": "GET /metrics",
			"admin": map[string]string{
				"keys": "GET /api/v1/admin/keys",
				"stop": "POST /api/v1/admin/stop",
			},
		},
		"authentication": "Bearer JWT admin token required for admin endpoints",
	}
	writeJSON(w, info, http.StatusOK)
}

// writeError writes an error response as JSON
func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}
