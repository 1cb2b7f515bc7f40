package broker

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v5"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/addrtable"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

const (
	publicTenant = "public"
	publicPrefix = publicTenant + "."

	// brokerName is sent as the client name in a broker's CHALLOK.
	brokerName = "broker"

	msgAuthFailed = "Authentication failed!"
)

// challenge is a handshake waiting for CHALLOK.
type challenge struct {
	cookie uint64
	tenant string
	broker bool
	age    int
}

func (b *Broker) regFail(conn, kind, message string) {
	b.metrics.Registered(kind, false)
	b.sendSouth(conn, &protocol.Error{Code: protocol.CodeRegFail, Message: message})
}

func (b *Broker) onAddLocal(conn string, c *protocol.AddLocal) {
	tenant, ok := b.keys.LookupByHash(c.Hash)
	if !ok {
		b.logger.Warn("could not find key for client", "conn", conn)
		b.regFail(conn, "client", msgAuthFailed)
		return
	}
	b.challenge(conn, tenant.Key, &challenge{tenant: tenant.Name}, "")
}

func (b *Broker) onAddBroker(conn string, c *protocol.AddBroker) {
	if c.Hash != b.keys.Hash() {
		b.logger.Warn("broker presented the wrong key hash", "conn", conn)
		b.regFail(conn, "broker", msgAuthFailed)
		return
	}
	// the child's handle doubles as its identity frame
	b.challenge(conn, b.keys.BrokerKey(), &challenge{broker: true}, conn)
}

func (b *Broker) challenge(conn string, key *cryptobox.Key, ch *challenge, identity string) {
	cookie, err := cryptobox.NewCookie()
	if err != nil {
		b.logger.Error("abandoning handshake", "conn", conn, "error", err)
		return
	}
	ch.cookie = cookie
	b.pending[conn] = ch
	b.sendSouth(conn, &protocol.Challenge{
		Sealed:   cryptobox.SealCookie(b.nonces, key, cookie),
		Identity: identity,
	})
}

func (b *Broker) onChallengeOK(conn string, c *protocol.ChallengeOK) {
	ch, ok := b.pending[conn]
	delete(b.pending, conn)

	if c.Hash == b.keys.Hash() {
		if !ok || !ch.broker || ch.cookie != c.Cookie {
			b.logger.Warn("broker authentication failed", "conn", conn)
			b.regFail(conn, "broker", msgAuthFailed)
			return
		}
		if err := b.tables.InsertBroker(&addrtable.ChildBroker{Handle: conn, Cookie: c.Cookie}); err != nil {
			b.logger.Debug("broker already registered", "conn", conn)
			return
		}
		endpoint := b.listener.Endpoint()
		b.sendSouth(conn, &protocol.RegOK{Cookie: c.Cookie, PubEndpoint: endpoint, SubEndpoint: endpoint})
		b.metrics.Registered("broker", true)
		b.logger.Info(" + Added broker", "conn", conn)
		return
	}

	tenant, found := b.keys.LookupByHash(c.Hash)
	if !found || !ok || ch.broker || ch.tenant != tenant.Name || ch.cookie != c.Cookie {
		b.logger.Warn("client authentication failed", "conn", conn)
		b.regFail(conn, "client", msgAuthFailed)
		return
	}
	if c.Name == "" || c.Name == publicTenant {
		b.logger.Error("client trying to use reserved name", "conn", conn, "name", c.Name)
		b.regFail(conn, "client", "reserved name")
		return
	}

	lc := addrtable.NewLocalClient(conn, c.Cookie, tenant.Name, c.Name)
	if err := b.tables.InsertLocal(lc); err != nil {
		b.logger.Info("rejecting client", "name", lc.PrefixName, "error", err)
		b.regFail(conn, "client", "local")
		return
	}
	b.sendSouth(conn, &protocol.RegOK{Cookie: c.Cookie})
	b.metrics.Registered("client", true)
	b.logger.Info(" + Added local client", "name", lc.PrefixName)
	b.sendNorth(&protocol.AddDistant{Cookie: b.cookie, Name: lc.PrefixName})
}

// expireChallenges forgets handshakes that were never answered.
func (b *Broker) expireChallenges() {
	for conn, ch := range b.pending {
		ch.age++
		if ch.age >= maxAge {
			delete(b.pending, conn)
		}
	}
}

func (b *Broker) onPing(conn string, c *protocol.Ping) {
	if _, ok := b.localClient(conn, c.Cookie); ok {
		b.sendSouth(conn, &protocol.Pong{})
		return
	}
	if _, ok := b.childBroker(conn, c.Cookie); ok {
		b.sendSouth(conn, &protocol.Pong{})
		return
	}
	b.unregistered(conn, c.Tag())
}

func (b *Broker) onUnreg(conn string, c *protocol.Unreg) {
	if _, ok := b.localClient(conn, c.Cookie); !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	b.removeLocalClient(conn)
}

func (b *Broker) onUnregBroker(conn string, c *protocol.UnregBroker) {
	if _, ok := b.childBroker(conn, c.Cookie); !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	b.removeChildBroker(conn)
}

func (b *Broker) onAddDistant(conn string, c *protocol.AddDistant) {
	if _, ok := b.childBroker(conn, c.Cookie); !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	d := &addrtable.DistantClient{Name: c.Name, Broker: conn, Distance: c.Distance + 1}
	if err := b.tables.InsertDistant(d); err != nil {
		b.logger.Info("rejecting distant client", "name", c.Name, "error", err)
		b.sendSouth(conn, &protocol.Error{Code: protocol.CodeRegFail, Message: c.Name})
		return
	}
	b.logger.Info(" + Added distant client", "name", d.Name, "distance", d.Distance)
	b.sendNorth(&protocol.AddDistant{Cookie: b.cookie, Name: d.Name, Distance: d.Distance})
}

func (b *Broker) onUnregDistant(conn string, c *protocol.UnregDistant) {
	if _, ok := b.childBroker(conn, c.Cookie); !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	d, ok := b.tables.Distant(c.Name)
	if !ok || d.Broker != conn {
		return
	}
	b.tables.RemoveDistant(c.Name)
	b.logger.Info(" - Removed distant client", "name", c.Name)
	b.sendNorth(&protocol.UnregDistant{Cookie: b.cookie, Name: c.Name})
}

// removeLocalClient unlinks a local client, withdraws it upstream and drops
// its subscriptions. Removing an unknown handle does nothing.
func (b *Broker) removeLocalClient(handle string) bool {
	lc, ok := b.tables.RemoveLocal(handle)
	if !ok {
		return false
	}
	b.sendNorth(&protocol.UnregDistant{Cookie: b.cookie, Name: lc.PrefixName})
	orphaned := b.index.UnsubscribeAll(handle)
	for _, topic := range orphaned {
		b.announce(false, topic)
	}
	b.logger.Info(" - Removed local client", "name", lc.PrefixName, "orphaned_topics", len(orphaned))
	return true
}

// removeChildBroker unlinks a child broker together with every client it
// announced, withdrawing each of them upstream once.
func (b *Broker) removeChildBroker(handle string) bool {
	if _, ok := b.tables.RemoveBroker(handle); !ok {
		return false
	}
	names := b.tables.RemoveDistantByOwner(handle)
	for _, name := range names {
		b.sendNorth(&protocol.UnregDistant{Cookie: b.cookie, Name: name})
	}
	b.logger.Info(" - Removed broker", "conn", handle, "distant_clients", len(names))
	return true
}

// register starts a dial of the parent unless one is in flight. An existing
// uplink gets one extra tick to finish its handshake before it is replaced.
func (b *Broker) register(ctx context.Context) {
	if b.dialing {
		return
	}
	b.regTicks++
	if b.uplink != nil && b.regTicks < 2 {
		return
	}
	b.regTicks = 0
	b.closeUplink()
	b.dialing = true

	endpoint := b.config.ParentEndpoint
	unit := b.config.TimeUnit
	go func() {
		dial := func() (peerlink.Uplink, error) {
			dctx, cancel := context.WithTimeout(ctx, unit)
			defer cancel()
			return b.config.Dialer.Dial(dctx, endpoint, b.inbound)
		}
		up, err := backoff.Retry(ctx, dial,
			backoff.WithBackOff(backoff.NewConstantBackOff(unit)),
			backoff.WithMaxTries(3))
		if !b.post(ctx, parentDialed{uplink: up, err: err}) && up != nil {
			up.Close()
		}
	}()
}

func (b *Broker) onParentDialed(msg parentDialed) {
	b.dialing = false
	if msg.err != nil {
		if !errors.Is(msg.err, context.Canceled) {
			b.logger.Warn("parent unreachable", "parent", b.config.ParentEndpoint, "error", msg.err)
		}
		return
	}
	if b.State() == broker.Registered {
		msg.uplink.Close()
		return
	}
	b.uplink = msg.uplink
	b.attached = false
	b.regTicks = 0
	b.sendParent(&protocol.AddBroker{Hash: b.keys.Hash()})
	b.logger.Debug("registering with parent", "parent", b.config.ParentEndpoint)
}

func (b *Broker) onChallenge(c *protocol.Challenge) {
	cookie, err := cryptobox.OpenCookie(b.keys.BrokerKey(), c.Sealed)
	if err != nil {
		b.logger.Error("unable to decrypt challenge from parent", "error", err)
		return
	}
	b.cookie = cookie
	b.setIdentity(c.Identity)
	b.sendParent(&protocol.ChallengeOK{Cookie: cookie, Hash: b.keys.Hash(), Name: brokerName})
}

func (b *Broker) onRegOK(ctx context.Context, c *protocol.RegOK) {
	if b.State() == broker.Registered {
		return
	}
	if c.Cookie != 0 {
		b.cookie = c.Cookie
	}
	b.setState(broker.Registered)
	b.missed = 0
	b.logger.Info("registered with parent", "parent", b.config.ParentEndpoint, "identity", b.identityFrame())

	// let the parent learn the whole subtree
	for _, lc := range b.tables.Locals() {
		b.sendNorth(&protocol.AddDistant{Cookie: b.cookie, Name: lc.PrefixName})
	}
	for _, d := range b.tables.DistantClients() {
		b.sendNorth(&protocol.AddDistant{Cookie: b.cookie, Name: d.Name, Distance: d.Distance})
	}

	if c.PubEndpoint == "" || c.SubEndpoint == "" {
		b.logger.Warn("no publish/subscribe planes offered by parent")
		return
	}
	up := b.uplink
	timeout := maxAge * b.config.TimeUnit
	go func() {
		actx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		err := up.AttachPlanes(actx, c.PubEndpoint, c.SubEndpoint)
		b.post(ctx, planesAttached{uplink: up, err: err})
	}()
}

func (b *Broker) onPlanesAttached(msg planesAttached) {
	if msg.uplink != b.uplink {
		return
	}
	if msg.err != nil {
		b.logger.Error("failed to attach parent planes", "error", msg.err)
		return
	}
	b.attached = true
	b.logger.Debug("parent planes attached")
	b.reannounce()
}

func (b *Broker) heartbeat() {
	if b.missed >= maxMissedPings {
		b.demote()
		return
	}
	b.missed++
	b.sendNorth(&protocol.Ping{Cookie: b.cookie})
}

// demote makes this broker the root after the parent stopped answering. The
// registration loop keeps trying to rejoin.
func (b *Broker) demote() {
	b.logger.Warn("parent stopped answering, acting as root", "parent", b.config.ParentEndpoint)
	b.setState(broker.Root)
	b.closeUplink()
}

func (b *Broker) closeUplink() {
	if b.uplink == nil {
		return
	}
	b.uplink.Close()
	b.uplink = nil
	b.attached = false
}
