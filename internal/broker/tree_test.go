package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rmacdonaldsmith/ddmesh-go/internal/metrics"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/topicindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const treeTimeout = 5 * time.Second

func waitState(t *testing.T, rb *runningBroker, want broker.State) {
	t.Helper()
	require.Eventually(t, func() bool { return rb.State() == want },
		treeTimeout, 5*time.Millisecond, "broker never became %s", want)
}

func waitDistant(t *testing.T, rb *runningBroker, name string) broker.DistantClientInfo {
	t.Helper()
	var found broker.DistantClientInfo
	require.Eventually(t, func() bool {
		for _, d := range rb.Status().DistantClients {
			if d.Name == name {
				found = d
				return true
			}
		}
		return false
	}, treeTimeout, 5*time.Millisecond, "%s never announced", name)
	return found
}

func entryOf(rb *runningBroker, topic string) (topicindex.Entry, bool) {
	for _, e := range rb.Status().Subscriptions {
		if e.Topic == topic {
			return e, true
		}
	}
	return topicindex.Entry{}, false
}

// chain starts root (1) <- middle (1/2) <- leaf (1/2/3) and waits until both
// children are registered.
func chain(t *testing.T, h *harness) (root, middle, leaf *runningBroker) {
	t.Helper()
	root = h.start("root", "1", "")
	middle = h.start("middle", "1/2", "root")
	leaf = h.start("leaf", "1/2/3", "middle")
	waitState(t, middle, broker.Registered)
	waitState(t, leaf, broker.Registered)
	return root, middle, leaf
}

func TestTree_Registration(t *testing.T) {
	h := newHarness(t)
	root, middle, leaf := chain(t, h)

	assert.Equal(t, broker.Root, root.State())
	assert.Len(t, root.Status().Brokers, 1)
	assert.Len(t, middle.Status().Brokers, 1)
	assert.Empty(t, leaf.Status().Brokers)

	// the identity is the child's handle at its parent
	assert.Equal(t, middle.Status().Brokers[0].Handle, leaf.Status().Identity)
	assert.Equal(t, float64(1), testutil.ToFloat64(middle.metrics.RegistrationsTotal.WithLabelValues("broker", "ok")))
}

func TestTree_WrongBrokerKey(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	c := h.dial("root")
	c.send(&protocol.AddBroker{Hash: "someone-else"})
	e := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
	assert.Equal(t, "Authentication failed!", e.Message)
}

func TestTree_DistantClients(t *testing.T) {
	h := newHarness(t)
	root, middle, _ := chain(t, h)

	h.register("leaf", "acme", "C")

	d := waitDistant(t, root, "acme.C")
	assert.Equal(t, uint32(2), d.Distance)
	assert.Equal(t, root.Status().Brokers[0].Handle, d.Broker)
	assert.Equal(t, uint32(1), waitDistant(t, middle, "acme.C").Distance)
}

func TestTree_ClientsAnnouncedOnRegistration(t *testing.T) {
	h := newHarness(t)
	child := h.start("child", "1/2", "root")

	// C registers while the parent is still missing
	h.register("child", "acme", "C")
	assert.Equal(t, broker.Unregistered, child.State())

	root := h.start("root", "1", "")
	waitState(t, child, broker.Registered)
	assert.Equal(t, uint32(1), waitDistant(t, root, "acme.C").Distance)
}

func TestTree_SendAcrossTree(t *testing.T) {
	h := newHarness(t)
	root, _, _ := chain(t, h)

	d := h.register("root", "acme", "D")
	c := h.register("leaf", "acme", "C")
	waitDistant(t, root, "acme.C")

	c.send(&protocol.Send{Cookie: c.cookie, Destination: "D", Payload: []byte("up")})
	data := expectCommand[*protocol.Data](d)
	assert.Equal(t, "C", data.Source)
	assert.Equal(t, []byte("up"), data.Payload)

	d.send(&protocol.Send{Cookie: d.cookie, Destination: "C", Payload: []byte("down")})
	data = expectCommand[*protocol.Data](c)
	assert.Equal(t, "D", data.Source)
	assert.Equal(t, []byte("down"), data.Payload)
}

func TestTree_GhostNoDestination(t *testing.T) {
	h := newHarness(t)
	root, _, _ := chain(t, h)

	d := h.register("root", "acme", "D")
	e := h.register("middle", "acme", "E")
	c := h.register("leaf", "acme", "C")
	waitDistant(t, root, "acme.C")

	c.send(&protocol.Send{Cookie: c.cookie, Destination: "ghost", Payload: []byte("boo")})

	nodst := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeNoDestination, nodst.Code)
	assert.Equal(t, "ghost", nodst.Destination)
	assert.Equal(t, "acme.C", nodst.Source)

	d.expectNone(5 * testUnit)
	e.expectNone(testUnit)
	c.expectNone(testUnit)
}

func TestTree_PubSub(t *testing.T) {
	h := newHarness(t)
	root, _, _ := chain(t, h)

	c2 := h.register("leaf", "acme", "C2")
	c2.sub("news", "noscope")

	// interest reaching the root proves both uplinks have their planes
	require.Eventually(t, func() bool {
		for _, e := range root.Status().Subscriptions {
			if e.Topic == "acme.news" && e.North > 0 {
				return true
			}
		}
		return false
	}, treeTimeout, 5*time.Millisecond)

	d := h.register("root", "acme", "D")
	d.sub("news", "noscope")
	c := h.register("leaf", "acme", "C")

	c.send(&protocol.Pub{Cookie: c.cookie, Topic: "news$", Payload: []byte("from leaf")})
	pub := expectCommand[*protocol.Pub](d)
	assert.Equal(t, "C", pub.Source)
	assert.Equal(t, "news", pub.Topic)
	assert.Equal(t, []byte("from leaf"), pub.Payload)

	pub = expectCommand[*protocol.Pub](c2)
	assert.Equal(t, "C", pub.Source)
	// no echo back down the publishing branch
	c2.expectNone(5 * testUnit)

	d.send(&protocol.Pub{Cookie: d.cookie, Topic: "news$", Payload: []byte("from root")})
	pub = expectCommand[*protocol.Pub](c2)
	assert.Equal(t, "D", pub.Source)
	assert.Equal(t, []byte("from root"), pub.Payload)
	expectCommand[*protocol.Pub](d)

	c2.expectNone(5 * testUnit)
	d.expectNone(testUnit)
}

func TestTree_EvictionCascade(t *testing.T) {
	h := newHarness(t)
	root, middle, leaf := chain(t, h)

	h.register("leaf", "acme", "C")
	h.register("leaf", "acme", "C2")
	waitDistant(t, root, "acme.C")
	waitDistant(t, root, "acme.C2")

	leaf.shutdown()

	require.Eventually(t, func() bool {
		return len(root.Status().DistantClients) == 0 && len(middle.Status().Brokers) == 0
	}, treeTimeout, 10*time.Millisecond)

	assert.Equal(t, float64(1), testutil.ToFloat64(middle.metrics.EvictionsTotal.WithLabelValues("broker")))
	// each withdrawn client is reported north exactly once
	time.Sleep(5 * testUnit)
	assert.Equal(t, float64(2), testutil.ToFloat64(root.metrics.FramesTotal.WithLabelValues(metrics.South, "UNREGDCLI")))
}

func TestTree_ParentLossAndRejoin(t *testing.T) {
	h := newHarness(t)
	root := h.start("root", "1", "")
	child := h.start("child", "1/2", "root")
	waitState(t, child, broker.Registered)

	c := h.register("child", "acme", "C")

	root.shutdown()
	waitState(t, child, broker.Root)

	// a root child answers unknown destinations itself
	c.send(&protocol.Send{Cookie: c.cookie, Destination: "ghost", Payload: []byte("x")})
	nodst := expectCommand[*protocol.Error](c)
	assert.Equal(t, "ghost", nodst.Destination)

	root = h.start("root", "1", "")
	waitState(t, child, broker.Registered)
	waitDistant(t, root, "acme.C")
}

func TestTree_RemoteNameClash(t *testing.T) {
	h := newHarness(t)
	root := h.start("root", "1", "")
	child := h.start("child", "1/2", "root")
	waitState(t, child, broker.Registered)

	h.register("root", "acme", "X")
	x := h.register("child", "acme", "X")

	e := expectCommand[*protocol.Error](x)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
	assert.Equal(t, "remote", e.Message)

	require.Eventually(t, func() bool { return len(child.Status().LocalClients) == 0 },
		treeTimeout, 5*time.Millisecond)
	assert.Len(t, root.Status().LocalClients, 1)
	assert.Empty(t, root.Status().DistantClients)
}

func TestTree_Siblings(t *testing.T) {
	h := newHarness(t)
	root := h.start("root", "1", "")
	c1 := h.start("c1", "1/2", "root")
	c2 := h.start("c2", "1/3", "root")
	waitState(t, c1, broker.Registered)
	waitState(t, c2, broker.Registered)

	s := h.register("c1", "acme", "S")
	s.sub("news", "noscope")

	// the announcement travels up from c1 and back down to its sibling
	require.Eventually(t, func() bool {
		e, ok := entryOf(c2, "acme.news")
		return ok && e.South == 1
	}, treeTimeout, 5*time.Millisecond)

	p := h.register("c2", "acme", "P")
	p.send(&protocol.Pub{Cookie: p.cookie, Topic: "news$", Payload: []byte("from c2")})

	pub := expectCommand[*protocol.Pub](s)
	assert.Equal(t, "P", pub.Source)
	assert.Equal(t, "news", pub.Topic)
	assert.Equal(t, []byte("from c2"), pub.Payload)
	s.expectNone(5 * testUnit)
	p.expectNone(testUnit)

	// interest learned from the north is never echoed back up
	e, ok := entryOf(root, "acme.news")
	require.True(t, ok)
	assert.Equal(t, 1, e.North)
	assert.Equal(t, 0, e.South)
	assert.Empty(t, e.Subscribers)

	e, ok = entryOf(c2, "acme.news")
	require.True(t, ok)
	assert.Equal(t, 1, e.South)
	assert.Equal(t, 0, e.North)
	assert.Empty(t, e.Subscribers)

	e, ok = entryOf(c1, "acme.news")
	require.True(t, ok)
	assert.Len(t, e.Subscribers, 1)
	assert.Equal(t, 0, e.North)
}
