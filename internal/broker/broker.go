// Package broker implements a ddmesh broker: the registration state machine,
// the routing engine, subscription propagation and the timeout supervisor.
//
// All protocol state is owned by a single reactor goroutine fed by one inbound
// frame channel, a control channel and a ticker. The supervisor runs beside it,
// reads table snapshots and asks the reactor to evict stale entries.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/addrtable"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/topicindex"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	// maxAge is the number of sweeps an entry survives without a frame.
	maxAge = 3
	// maxMissedPings demotes a broker to root.
	maxMissedPings = 3
	// clientSweepUnits is the client sweep period in time units.
	clientSweepUnits = 3
)

// Broker implements broker.Broker.
type Broker struct {
	config  *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	keys    keystore.Keystore
	scope   topicindex.Scope
	nonces  *cryptobox.NonceSource
	warn    *rate.Limiter

	tables *addrtable.Tables
	index  *topicindex.Trie

	inbound  chan peerlink.Frame
	control  chan control
	listener peerlink.Listener

	state atomic.Int32

	mu       sync.RWMutex
	identity string
	cancel   context.CancelFunc
	stopped  bool
	running  bool

	// reactor owned
	uplink   peerlink.Uplink
	attached bool
	dialing  bool
	regTicks int
	missed   int
	cookie   uint64
	pending  map[string]*challenge
}

var _ broker.Broker = (*Broker)(nil)

// New creates a broker and opens its listener. Call Run to start serving.
func New(config *Config) (*Broker, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	scope, err := topicindex.ParseScope(configCopy.Scope)
	if err != nil {
		return nil, err
	}
	nonces := configCopy.Nonces
	if nonces == nil {
		if nonces, err = cryptobox.NewNonceSource(); err != nil {
			return nil, err
		}
	}

	b := &Broker{
		config:  &configCopy,
		logger:  configCopy.Logger.With("component", "broker", "scope", scope.String()),
		metrics: configCopy.Metrics,
		keys:    configCopy.Keystore,
		scope:   scope,
		nonces:  nonces,
		warn:    rate.NewLimiter(rate.Every(configCopy.TimeUnit), 5),
		tables:  addrtable.New(),
		index:   topicindex.NewTrie(),
		inbound: make(chan peerlink.Frame, configCopy.InboundQueueSize),
		control: make(chan control, 64),
		pending: make(map[string]*challenge),
	}
	if configCopy.ParentEndpoint == "" {
		b.setState(broker.Root)
	} else {
		b.setState(broker.Unregistered)
	}

	b.listener, err = configCopy.Listen(b.inbound)
	if err != nil {
		return nil, fmt.Errorf("failed to open listener: %w", err)
	}
	return b, nil
}

// Run serves until ctx is cancelled or Stop is called.
func (b *Broker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	if b.stopped {
		b.mu.Unlock()
		b.teardown()
		return nil
	}
	b.running = true
	b.cancel = cancel
	b.mu.Unlock()

	b.logger.Info("broker started",
		"endpoint", b.listener.Endpoint(),
		"parent", b.config.ParentEndpoint,
		"state", b.State())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.reactor(gctx) })
	g.Go(func() error { return b.supervise(gctx) })
	err := g.Wait()

	b.teardown()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

// Stop asks Run to return. Safe to call more than once, and before Run.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}
}

// Endpoint returns the listener's address.
func (b *Broker) Endpoint() string {
	return b.listener.Endpoint()
}

// State returns the registration state.
func (b *Broker) State() broker.State {
	return broker.State(b.state.Load())
}

func (b *Broker) setState(s broker.State) {
	b.state.Store(int32(s))
	b.metrics.State.Set(float64(s))
}

func (b *Broker) identityFrame() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.identity
}

func (b *Broker) setIdentity(id string) {
	b.mu.Lock()
	b.identity = id
	b.mu.Unlock()
}

func (b *Broker) reactor(ctx context.Context) error {
	ticker := time.NewTicker(b.config.TimeUnit)
	defer ticker.Stop()

	if b.config.ParentEndpoint != "" {
		b.register(ctx)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case f := <-b.inbound:
			b.handleFrame(ctx, f)
		case c := <-b.control:
			b.handleControl(ctx, c)
		case <-ticker.C:
			b.tick(ctx)
		}
	}
}

func (b *Broker) handleFrame(ctx context.Context, f peerlink.Frame) {
	switch f.Plane {
	case peerlink.Control:
		if f.Direction == peerlink.South {
			b.handleSouth(f.Conn, f.Payload)
		} else {
			b.handleNorth(ctx, f.Payload)
		}
	case peerlink.Publish:
		if b.fromChildBroker(f) {
			b.handlePublication(f.Direction, f.Payload)
		}
	case peerlink.Subscribe:
		if b.fromChildBroker(f) {
			b.handleAnnouncement(f.Direction, f.Payload)
		}
	}
}

// fromChildBroker reports whether a plane frame may be processed: frames from
// the parent always, frames from the south only from a registered child broker.
func (b *Broker) fromChildBroker(f peerlink.Frame) bool {
	if f.Direction == peerlink.North {
		return true
	}
	if _, ok := b.tables.Broker(f.Conn); ok {
		return true
	}
	b.metrics.Dropped("unregistered")
	if b.warn.Allow() {
		b.logger.Warn("dropping plane frame from unregistered sender", "conn", f.Conn, "plane", f.Plane)
	}
	return false
}

func (b *Broker) handleSouth(conn string, payload []byte) {
	cmd, err := protocol.Decode(payload)
	if err != nil {
		var verr *protocol.VersionError
		if errors.As(err, &verr) {
			b.metrics.Dropped("version")
			b.logger.Error("wrong protocol version", "conn", conn, "got", fmt.Sprintf("0x%08x", verr.Got))
			// answer in the sender's version so it can read the error
			frame := protocol.EncodeVersion(verr.Got, &protocol.Error{
				Code:    protocol.CodeVersion,
				Message: "Different versions in use",
			})
			b.sendSouthFrame(conn, frame)
			return
		}
		b.metrics.Dropped("malformed")
		b.logger.Error("dropping frame", "conn", conn, "error", err)
		return
	}
	b.metrics.Frame(metrics.South, cmd.Tag().String())

	switch c := cmd.(type) {
	case *protocol.AddLocal:
		b.onAddLocal(conn, c)
	case *protocol.AddBroker:
		b.onAddBroker(conn, c)
	case *protocol.ChallengeOK:
		b.onChallengeOK(conn, c)
	case *protocol.Send:
		b.onSend(conn, c)
	case *protocol.Forward:
		b.onForwardFromChild(conn, c)
	case *protocol.Ping:
		b.onPing(conn, c)
	case *protocol.Sub:
		b.onSub(conn, c)
	case *protocol.Unsub:
		b.onUnsub(conn, c)
	case *protocol.Pub:
		b.onPub(conn, c)
	case *protocol.AddDistant:
		b.onAddDistant(conn, c)
	case *protocol.Unreg:
		b.onUnreg(conn, c)
	case *protocol.UnregDistant:
		b.onUnregDistant(conn, c)
	case *protocol.UnregBroker:
		b.onUnregBroker(conn, c)
	case *protocol.Error:
		b.onErrorFromChild(conn, c)
	default:
		b.logger.Warn("unexpected command from south", "conn", conn, "command", cmd.Tag())
	}
}

func (b *Broker) handleNorth(ctx context.Context, payload []byte) {
	cmd, err := protocol.Decode(payload)
	if err != nil {
		b.metrics.Dropped("malformed")
		b.logger.Error("dropping frame from parent", "error", err)
		return
	}
	b.metrics.Frame(metrics.North, cmd.Tag().String())
	b.missed = 0

	switch c := cmd.(type) {
	case *protocol.Challenge:
		b.onChallenge(c)
	case *protocol.RegOK:
		b.onRegOK(ctx, c)
	case *protocol.Forward:
		b.onForwardFromParent(c)
	case *protocol.Pong:
	case *protocol.Error:
		b.onErrorFromParent(c)
	default:
		b.logger.Warn("unexpected command from parent", "command", cmd.Tag())
	}
}

func (b *Broker) tick(ctx context.Context) {
	b.expireChallenges()
	switch b.State() {
	case broker.Registered:
		b.heartbeat()
	default:
		if b.config.ParentEndpoint != "" {
			b.register(ctx)
		}
	}
	counts := b.tables.Counts()
	b.metrics.SetSizes(counts.Brokers, counts.Local, counts.Distant, b.index.Len())
}

// unregistered drops a frame from a sender that has not completed the handshake.
func (b *Broker) unregistered(conn string, tag protocol.Tag) {
	b.metrics.Dropped("unregistered")
	if b.warn.Allow() {
		b.logger.Warn("dropping frame from unregistered sender", "conn", conn, "command", tag)
	}
}

// localClient authenticates a frame from a local client and resets its age.
func (b *Broker) localClient(conn string, cookie uint64) (*addrtable.LocalClient, bool) {
	c, ok := b.tables.LocalByHandle(conn)
	if !ok || c.Cookie != cookie {
		return nil, false
	}
	c.Touch()
	return c, true
}

// childBroker authenticates a frame from a child broker and resets its age.
func (b *Broker) childBroker(conn string, cookie uint64) (*addrtable.ChildBroker, bool) {
	cb, ok := b.tables.Broker(conn)
	if !ok || cb.Cookie != cookie {
		return nil, false
	}
	cb.Touch()
	return cb, true
}

func (b *Broker) sendSouth(conn string, cmd protocol.Command) {
	b.sendSouthFrame(conn, protocol.Encode(cmd))
}

func (b *Broker) sendSouthFrame(conn string, frame []byte) {
	if err := b.listener.Send(conn, frame); err != nil {
		if errors.Is(err, peerlink.ErrQueueFull) {
			b.metrics.Dropped("queue_full")
		}
		b.logger.Debug("south send failed", "conn", conn, "error", err)
	}
}

// sendNorth sends cmd to the parent when registered.
func (b *Broker) sendNorth(cmd protocol.Command) {
	if b.State() != broker.Registered {
		return
	}
	b.sendParent(cmd)
}

// sendParent sends cmd on the current uplink regardless of state.
func (b *Broker) sendParent(cmd protocol.Command) {
	if b.uplink == nil {
		return
	}
	if err := b.uplink.Send(peerlink.Control, protocol.Encode(cmd)); err != nil {
		if errors.Is(err, peerlink.ErrQueueFull) {
			b.metrics.Dropped("queue_full")
		}
		b.logger.Debug("north send failed", "command", cmd.Tag(), "error", err)
	}
}

func (b *Broker) sendPlaneNorth(plane peerlink.Plane, frame []byte) {
	if b.uplink == nil || !b.attached {
		return
	}
	if err := b.uplink.Send(plane, frame); err != nil {
		b.logger.Debug("north plane send failed", "plane", plane, "error", err)
	}
}

// post delivers a control message to the reactor unless ctx ends first.
func (b *Broker) post(ctx context.Context, c control) bool {
	select {
	case b.control <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

// teardown releases transport resources once the reactor and supervisor have
// returned. The uplink closes its planes before its control stream, and the
// listener goes last.
// teardown closes the south planes first, then the whole parent link, then
// the south control streams.
func (b *Broker) teardown() {
	b.listener.ClosePlanes()
	if b.uplink != nil {
		b.uplink.Close()
		b.uplink = nil
	}
	if err := b.listener.Close(); err != nil {
		b.logger.Warn("failed to close listener", "error", err)
	}
	b.tables.Clear()
	b.logger.Info("broker stopped")
}
