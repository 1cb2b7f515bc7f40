package httpapi

import (
	"context"
	"sync"
	"testing"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
)

const testSecret = "test-secret-key"

// fakeBroker serves a fixed status.
type fakeBroker struct {
	mu      sync.Mutex
	status  broker.Status
	stopped int
}

var _ broker.Broker = (*fakeBroker)(nil)

func (f *fakeBroker) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (f *fakeBroker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeBroker) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

func (f *fakeBroker) State() broker.State { return f.status.State }

func (f *fakeBroker) Status() broker.Status { return f.status }

func (f *fakeBroker) Endpoint() string { return f.status.Endpoint }

// fakeKeys is a keystore view with one tenant.
type fakeKeys struct{}

func (fakeKeys) Hash() string      { return "broker-hash" }
func (fakeKeys) PublicKey() string { return "broker-public" }
func (fakeKeys) Tenants() []string { return []string{"acme"} }

func (fakeKeys) LookupByTenantName(name string) (keystore.Tenant, bool) {
	if name != "acme" {
		return keystore.Tenant{}, false
	}
	// the shared key must never leave the broker
	return keystore.Tenant{Name: "acme", Hash: "acme-hash", Key: &[keystore.KeySize]byte{1, 2, 3}}, true
}

// testServerSetup holds common test dependencies
type testServerSetup struct {
	Broker *fakeBroker
	Server *Server
	Auth   *JWTAuth
}

func newTestServerSetup(t *testing.T, config Config) *testServerSetup {
	t.Helper()

	b := &fakeBroker{status: broker.Status{
		Version:        "0x0d0d0001",
		State:          broker.Registered,
		Scope:          "/1/2/",
		Endpoint:       "tcp://127.0.0.1:5555",
		Brokers:        []broker.ChildBrokerInfo{},
		LocalClients:   []broker.LocalClientInfo{{Handle: "h1", Tenant: "acme", Name: "A"}},
		DistantClients: []broker.DistantClientInfo{},
	}}

	if config.SecretKey == "" {
		config.SecretKey = testSecret
	}
	server, err := NewServer(b, config)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	return &testServerSetup{Broker: b, Server: server, Auth: server.jwtAuth}
}

// token creates a JWT token for testing
func (setup *testServerSetup) token(t *testing.T, clientID string, isAdmin bool) string {
	t.Helper()

	token, _, err := setup.Auth.GenerateToken(clientID, isAdmin)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}
