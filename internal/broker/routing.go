package broker

import (
	"strings"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

func isPublic(name string) bool {
	return strings.HasPrefix(name, publicPrefix)
}

// stripTenant drops the leading "tenant." label of a prefixed name.
func stripTenant(name string) string {
	if _, rest, ok := strings.Cut(name, "."); ok {
		return rest
	}
	return name
}

// rewriteDestination qualifies a destination given by a client of tenant.
func (b *Broker) rewriteDestination(tenant, dst string) (string, bool) {
	if isPublic(dst) {
		return dst, true
	}
	if tenant != publicTenant {
		return tenant + "." + dst, false
	}
	// public clients may address tenant clients by their full name
	if label, _, ok := strings.Cut(dst, "."); ok {
		if _, known := b.keys.LookupByTenantName(label); known {
			return dst, false
		}
	}
	return publicPrefix + dst, true
}

// deliver handles routing steps that stay in this broker's subtree: a local
// client receives DATA, a distant one gets a FORWARD through its broker.
func (b *Broker) deliver(src, dst string, payload []byte, srcPublic, dstPublic bool) bool {
	if lc, ok := b.tables.LocalByName(dst); ok {
		source := src
		if srcPublic == dstPublic {
			source = stripTenant(src)
		}
		b.sendSouth(lc.Handle, &protocol.Data{Source: source, Payload: payload})
		b.metrics.Routed("local")
		return true
	}
	if d, ok := b.tables.Distant(dst); ok {
		b.sendSouth(d.Broker, &protocol.Forward{Source: src, Destination: dst, Payload: payload})
		b.metrics.Routed("distant")
		return true
	}
	return false
}

func (b *Broker) onSend(conn string, c *protocol.Send) {
	lc, ok := b.localClient(conn, c.Cookie)
	if !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	srcPublic := lc.Tenant == publicTenant
	dst, dstPublic := b.rewriteDestination(lc.Tenant, c.Destination)
	src := lc.PrefixName

	if b.deliver(src, dst, c.Payload, srcPublic, dstPublic) {
		return
	}
	switch b.State() {
	case broker.Root:
		e := &protocol.Error{Code: protocol.CodeNoDestination, Destination: dst, Source: src}
		if srcPublic == dstPublic {
			e.Destination = stripTenant(dst)
			e.Source = stripTenant(src)
		}
		b.sendSouth(conn, e)
		b.metrics.Routed("nodst")
	case broker.Registered:
		b.sendNorth(&protocol.Forward{Cookie: b.cookie, Source: src, Destination: dst, Payload: c.Payload})
		b.metrics.Routed("north")
	default:
		b.metrics.Routed("dropped")
		b.logger.Debug("dropping message, no parent yet", "source", src, "destination", dst)
	}
}

func (b *Broker) onForwardFromChild(conn string, c *protocol.Forward) {
	if _, ok := b.childBroker(conn, c.Cookie); !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	if b.deliver(c.Source, c.Destination, c.Payload, isPublic(c.Source), isPublic(c.Destination)) {
		return
	}
	switch b.State() {
	case broker.Root:
		b.sendSouth(conn, &protocol.Error{
			Code:        protocol.CodeNoDestination,
			Destination: c.Destination,
			Source:      c.Source,
		})
		b.metrics.Routed("nodst")
	case broker.Registered:
		b.sendNorth(&protocol.Forward{Cookie: b.cookie, Source: c.Source, Destination: c.Destination, Payload: c.Payload})
		b.metrics.Routed("north")
	default:
		b.metrics.Routed("dropped")
	}
}

// onForwardFromParent delivers a message routed down by the parent. A miss
// means the entry went away in the meantime, so the parent is told rather than
// handed the message back.
func (b *Broker) onForwardFromParent(c *protocol.Forward) {
	if b.deliver(c.Source, c.Destination, c.Payload, isPublic(c.Source), isPublic(c.Destination)) {
		return
	}
	b.metrics.Routed("nodst")
	b.sendNorth(&protocol.Error{
		Code:        protocol.CodeNoDestination,
		Destination: c.Destination,
		Source:      c.Source,
	})
}

func (b *Broker) onErrorFromParent(e *protocol.Error) {
	switch e.Code {
	case protocol.CodeNoDestination:
		if !b.relayNoDestination(e) {
			b.logger.Warn("could not find source of no-destination error", "source", e.Source)
		}
	case protocol.CodeRegFail:
		b.onRemoteRegFail(e.Message)
	case protocol.CodeVersion:
		b.logger.Error("parent runs a different protocol version", "message", e.Message)
	default:
		b.logger.Warn("unknown error code from parent", "code", e.Code)
	}
}

// onErrorFromChild relays no-destination errors a child could not place.
func (b *Broker) onErrorFromChild(conn string, e *protocol.Error) {
	if _, ok := b.tables.Broker(conn); !ok {
		b.unregistered(conn, e.Tag())
		return
	}
	if e.Code != protocol.CodeNoDestination {
		b.logger.Warn("unexpected error from child broker", "conn", conn, "code", e.Code, "message", e.Message)
		return
	}
	if b.relayNoDestination(e) {
		return
	}
	if b.State() == broker.Registered {
		b.sendNorth(e)
		return
	}
	b.logger.Warn("could not find source of no-destination error", "source", e.Source)
}

// relayNoDestination hands a no-destination error to the client that caused it,
// directly or through the child broker it sits behind.
func (b *Broker) relayNoDestination(e *protocol.Error) bool {
	if lc, ok := b.tables.LocalByName(e.Source); ok {
		b.sendSouth(lc.Handle, &protocol.Error{
			Code:        protocol.CodeNoDestination,
			Destination: stripTenant(e.Destination),
			Source:      e.Source,
		})
		return true
	}
	if d, ok := b.tables.Distant(e.Source); ok {
		b.sendSouth(d.Broker, e)
		return true
	}
	return false
}

// onRemoteRegFail handles a name clash detected further up the tree.
func (b *Broker) onRemoteRegFail(name string) {
	if lc, ok := b.tables.LocalByName(name); ok {
		b.tables.RemoveLocal(lc.Handle)
		n := 0
		for _, topic := range b.index.UnsubscribeAll(lc.Handle) {
			b.announce(false, topic)
			n++
		}
		b.logger.Info(" - Removed local client", "name", lc.PrefixName, "orphaned_topics", n)
		b.sendSouth(lc.Handle, &protocol.Error{Code: protocol.CodeRegFail, Message: "remote"})
		b.metrics.Registered("client", false)
		return
	}
	if d, ok := b.tables.Distant(name); ok {
		b.sendSouth(d.Broker, &protocol.Error{Code: protocol.CodeRegFail, Message: name})
		b.tables.RemoveDistant(name)
		b.logger.Info(" - Removed distant client", "name", name)
		return
	}
	b.logger.Debug("registration failure for unknown client", "name", name)
}
