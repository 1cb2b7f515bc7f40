package broker

import (
	"errors"
	"strings"

	"github.com/rmacdonaldsmith/ddmesh-go/internal/topicindex"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	topicindexpkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/topicindex"
)

// msgProtectedTopic is delivered as DATA to clients subscribing to "public".
const msgProtectedTopic = "ERROR: protected topic"

// exactSuffix marks a publication topic that must not be scoped.
const exactSuffix = "$"

func (b *Broker) subscriptionKey(conn, tenant, topic, scope string) (string, bool) {
	key, odd, err := b.scope.SubscriptionKey(tenant, topic, scope)
	if err != nil {
		if errors.Is(err, topicindex.ErrReservedTopic) {
			b.sendSouth(conn, &protocol.Data{Payload: []byte(msgProtectedTopic)})
		} else {
			b.logger.Error("rejecting subscription", "conn", conn, "topic", topic, "scope", scope, "error", err)
		}
		return "", false
	}
	for _, segment := range odd {
		b.logger.Warn("scope segment is not an integer", "segment", segment, "scope", scope)
	}
	return key, true
}

func (b *Broker) onSub(conn string, c *protocol.Sub) {
	lc, ok := b.localClient(conn, c.Cookie)
	if !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	key, ok := b.subscriptionKey(conn, lc.Tenant, c.Topic, c.Scope)
	if !ok {
		return
	}
	result := b.index.Subscribe(key, conn)
	b.sendSouth(conn, &protocol.SubOK{Topic: c.Topic, Scope: c.Scope})

	switch result {
	case topicindexpkg.NewTopic:
		b.logger.Debug("new topic", "topic", key)
		b.announce(true, key)
	case topicindexpkg.AlreadyPresent:
		b.logger.Info("topic already subscribed", "topic", key, "client", lc.PrefixName)
	}
}

func (b *Broker) onUnsub(conn string, c *protocol.Unsub) {
	lc, ok := b.localClient(conn, c.Cookie)
	if !ok {
		b.unregistered(conn, c.Tag())
		return
	}
	key, ok := b.subscriptionKey(conn, lc.Tenant, c.Topic, c.Scope)
	if !ok {
		return
	}
	// a repeated UNSUB must not withdraw interest other clients still hold
	if b.index.Unsubscribe(key, conn) == 0 {
		return
	}
	if len(b.index.LookupExact(key)) == 0 {
		b.announce(false, key)
	}
}

func (b *Broker) onPub(conn string, c *protocol.Pub) {
	lc, ok := b.localClient(conn, c.Cookie)
	if !ok {
		b.unregistered(conn, c.Tag())
		return
	}

	topic := c.Topic
	var scoped string
	if strings.HasSuffix(topic, exactSuffix) {
		topic = strings.TrimSuffix(topic, exactSuffix)
		scoped = topic
	} else {
		scoped = topic + b.scope.String()
	}

	pubTopic, source := lc.Tenant+"."+scoped, lc.Name
	if isPublic(topic) {
		pubTopic, source = scoped, lc.PrefixName
	}

	b.metrics.Published("local")
	b.sendPlaneNorth(peerlink.Publish, protocol.EncodePublication(protocol.Publication{
		Topic:    pubTopic,
		Source:   source,
		Identity: b.identityFrame(),
		Payload:  c.Payload,
	}))
	b.listener.Broadcast(peerlink.Publish, protocol.EncodePublication(protocol.Publication{
		Topic:   pubTopic,
		Source:  source,
		Payload: c.Payload,
	}))
	b.fanOut(pubTopic, source, topic, c.Payload)
}

// fanOut delivers a publication to the local subscribers of exactly pubTopic.
func (b *Broker) fanOut(pubTopic, source, shown string, payload []byte) {
	for _, handle := range b.index.LookupExact(pubTopic) {
		b.sendSouth(handle, &protocol.Pub{Source: source, Topic: shown, Payload: payload})
	}
}

// displayTopic is the topic a subscriber sees: pubTopic without its tenant
// label and scope suffix.
func displayTopic(pubTopic string) string {
	_, rest, ok := strings.Cut(pubTopic, ".")
	if !ok {
		rest = pubTopic
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

func (b *Broker) handlePublication(dir peerlink.Direction, payload []byte) {
	p, err := protocol.DecodePublication(payload)
	if err != nil {
		b.metrics.Dropped("malformed")
		b.logger.Error("dropping publication", "direction", dir, "error", err)
		return
	}

	if dir == peerlink.North {
		if id := b.identityFrame(); id != "" && id == p.Identity {
			return
		}
		b.metrics.Published("north")
		b.fanOut(p.Topic, p.Source, displayTopic(p.Topic), p.Payload)
		p.Identity = ""
		b.listener.Broadcast(peerlink.Publish, protocol.EncodePublication(p))
		return
	}

	b.metrics.Published("south")
	b.fanOut(p.Topic, p.Source, displayTopic(p.Topic), p.Payload)
	north := p
	north.Identity = b.identityFrame()
	b.sendPlaneNorth(peerlink.Publish, protocol.EncodePublication(north))
	b.listener.Broadcast(peerlink.Publish, payload)
}

func (b *Broker) handleAnnouncement(dir peerlink.Direction, payload []byte) {
	a, err := protocol.DecodeAnnouncement(payload)
	if err != nil {
		b.metrics.Dropped("malformed")
		b.logger.Error("dropping announcement", "direction", dir, "error", err)
		return
	}
	delta := -1
	if a.Subscribe {
		delta = 1
	}

	if dir == peerlink.North {
		b.index.AdjustSouthInterest(a.Topic, delta)
		b.listener.Broadcast(peerlink.Subscribe, payload)
		return
	}
	b.index.AdjustNorthInterest(a.Topic, delta)
	b.sendPlaneNorth(peerlink.Subscribe, payload)
	b.listener.Broadcast(peerlink.Subscribe, payload)
}

// announce propagates a change of local interest in topic on both sides.
func (b *Broker) announce(subscribe bool, topic string) {
	if subscribe {
		b.logger.Info(" + Announcing subscription", "topic", topic)
	} else {
		b.logger.Info(" - Withdrawing subscription", "topic", topic)
	}
	frame := protocol.EncodeAnnouncement(protocol.Announcement{Subscribe: subscribe, Topic: topic})
	b.sendPlaneNorth(peerlink.Subscribe, frame)
	b.listener.Broadcast(peerlink.Subscribe, frame)
}

// reannounce replays the interest of this subtree to a freshly attached parent.
func (b *Broker) reannounce() {
	for _, e := range b.index.Entries() {
		if len(e.Subscribers) == 0 && e.North == 0 {
			continue
		}
		frame := protocol.EncodeAnnouncement(protocol.Announcement{Subscribe: true, Topic: e.Topic})
		b.sendPlaneNorth(peerlink.Subscribe, frame)
	}
}
