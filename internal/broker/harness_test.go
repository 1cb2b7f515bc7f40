package broker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	keystorepkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	peerlinkpkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink/transport"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/stretchr/testify/require"
)

const (
	testUnit    = 25 * time.Millisecond
	recvTimeout = 2 * time.Second
)

// harness runs brokers and raw protocol clients on one memory network.
type harness struct {
	t       *testing.T
	network *transport.MemoryNetwork
	keys    *keystore.KeySet
	store   *keystore.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	set, err := keystore.Generate([]string{"acme", "globex"})
	require.NoError(t, err)
	store, err := keystore.NewStore(set.Broker)
	require.NoError(t, err)
	return &harness{t: t, network: transport.NewMemoryNetwork(), keys: set, store: store}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *harness) config(endpoint, scope, parent string) *Config {
	return &Config{
		Scope:          scope,
		ParentEndpoint: parent,
		TimeUnit:       testUnit,
		Keystore:       h.store,
		Listen: func(inbound chan<- peerlinkpkg.Frame) (peerlinkpkg.Listener, error) {
			return h.network.Listen(endpoint, inbound)
		},
		Dialer:  h.network.Dialer(),
		Logger:  quietLogger(),
		Metrics: metrics.New(),
	}
}

// runningBroker is a broker started by the harness.
type runningBroker struct {
	*Broker
	cancel context.CancelFunc
	done   chan error
	once   sync.Once
}

// shutdown stops the broker and waits for Run to return.
func (rb *runningBroker) shutdown() {
	rb.once.Do(func() {
		rb.cancel()
		<-rb.done
	})
}

func (h *harness) start(endpoint, scope, parent string) *runningBroker {
	h.t.Helper()
	return h.startWith(h.config(endpoint, scope, parent))
}

func (h *harness) startWith(config *Config) *runningBroker {
	h.t.Helper()
	b, err := New(config)
	require.NoError(h.t, err)

	ctx, cancel := context.WithCancel(context.Background())
	rb := &runningBroker{Broker: b, cancel: cancel, done: make(chan error, 1)}
	go func() { rb.done <- b.Run(ctx) }()
	h.t.Cleanup(rb.shutdown)
	return rb
}

// testClient speaks the control protocol directly.
type testClient struct {
	t       *testing.T
	uplink  peerlinkpkg.Uplink
	inbound chan peerlinkpkg.Frame
	cookie  uint64

	stop      chan struct{}
	stopOnce  sync.Once
	closeOnce sync.Once
}

func (h *harness) dial(endpoint string) *testClient {
	h.t.Helper()
	inbound := make(chan peerlinkpkg.Frame, 256)
	up, err := h.network.Dialer().Dial(context.Background(), endpoint, inbound)
	require.NoError(h.t, err)
	c := &testClient{t: h.t, uplink: up, inbound: inbound, stop: make(chan struct{})}
	h.t.Cleanup(c.close)
	return c
}

// register completes the handshake for tenant.name and keeps the session
// alive with pings.
func (h *harness) register(endpoint, tenant, name string) *testClient {
	h.t.Helper()
	c := h.dial(endpoint)
	keys, err := keystorepkg.NewClientKeys(h.keys.Clients[tenant])
	require.NoError(h.t, err)

	c.send(&protocol.AddLocal{Hash: keys.Hash})
	chall := expectCommand[*protocol.Challenge](c)
	cookie, err := cryptobox.OpenCookie(keys.BrokerKey, chall.Sealed)
	require.NoError(h.t, err)
	c.send(&protocol.ChallengeOK{Cookie: cookie, Hash: keys.Hash, Name: name})
	regok := expectCommand[*protocol.RegOK](c)
	require.Equal(h.t, cookie, regok.Cookie)
	c.cookie = cookie

	go c.keepAlive()
	return c
}

func (c *testClient) keepAlive() {
	ticker := time.NewTicker(testUnit)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			_ = c.uplink.Send(peerlinkpkg.Control, protocol.Encode(&protocol.Ping{Cookie: c.cookie}))
		}
	}
}

// silence stops the keepalive pings.
func (c *testClient) silence() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func (c *testClient) close() {
	c.silence()
	c.closeOnce.Do(func() { c.uplink.Close() })
}

func (c *testClient) send(cmd protocol.Command) {
	c.t.Helper()
	require.NoError(c.t, c.uplink.Send(peerlinkpkg.Control, protocol.Encode(cmd)))
}

func (c *testClient) sendRaw(frame []byte) {
	c.t.Helper()
	require.NoError(c.t, c.uplink.Send(peerlinkpkg.Control, frame))
}

// next returns the next control frame other than PONG.
func (c *testClient) next(timeout time.Duration) ([]byte, bool) {
	deadline := time.After(timeout)
	for {
		select {
		case f := <-c.inbound:
			if f.Plane != peerlinkpkg.Control {
				continue
			}
			if cmd, err := protocol.Decode(f.Payload); err == nil {
				if _, pong := cmd.(*protocol.Pong); pong {
					continue
				}
			}
			return f.Payload, true
		case <-deadline:
			return nil, false
		}
	}
}

func (c *testClient) recv() protocol.Command {
	c.t.Helper()
	frame, ok := c.next(recvTimeout)
	require.True(c.t, ok, "timed out waiting for a frame")
	cmd, err := protocol.Decode(frame)
	require.NoError(c.t, err)
	return cmd
}

// expectNone asserts that nothing but PONG arrives within d.
func (c *testClient) expectNone(d time.Duration) {
	c.t.Helper()
	if frame, ok := c.next(d); ok {
		cmd, err := protocol.Decode(frame)
		c.t.Fatalf("unexpected frame: %#v (decode error %v)", cmd, err)
	}
}

func expectCommand[T protocol.Command](c *testClient) T {
	c.t.Helper()
	cmd := c.recv()
	typed, ok := cmd.(T)
	require.Truef(c.t, ok, "expected %T, got %#v", *new(T), cmd)
	return typed
}

func (c *testClient) sub(topic, scope string) {
	c.t.Helper()
	c.send(&protocol.Sub{Cookie: c.cookie, Topic: topic, Scope: scope})
	ok := expectCommand[*protocol.SubOK](c)
	require.Equal(c.t, topic, ok.Topic)
}

// handleOf returns the connection handle of a local client.
func handleOf(t *testing.T, rb *runningBroker, tenant, name string) string {
	t.Helper()
	for _, lc := range rb.Status().LocalClients {
		if lc.Tenant == tenant && lc.Name == name {
			return lc.Handle
		}
	}
	t.Fatalf("no local client %s.%s", tenant, name)
	return ""
}
