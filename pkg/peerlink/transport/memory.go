package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
)

// MemoryNetwork connects brokers and clients inside one process. Delivery is a
// non-blocking send on the receiver's inbound channel, so per-connection order
// is preserved and a full receiver drops frames instead of stalling the sender.
type MemoryNetwork struct {
	mu        sync.Mutex
	listeners map[string]*MemoryListener
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{listeners: make(map[string]*MemoryListener)}
}

// Listen registers a listener at endpoint.
func (n *MemoryNetwork) Listen(endpoint string, inbound chan<- peerlink.Frame) (*MemoryListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[endpoint]; ok {
		return nil, fmt.Errorf("endpoint %s already in use", endpoint)
	}
	l := &MemoryListener{
		network:  n,
		endpoint: endpoint,
		inbound:  inbound,
		conns:    make(map[string]*memoryConn),
		planes: map[peerlink.Plane]map[string]*memoryConn{
			peerlink.Publish:   {},
			peerlink.Subscribe: {},
		},
	}
	n.listeners[endpoint] = l
	return l, nil
}

func (n *MemoryNetwork) lookup(endpoint string) (*MemoryListener, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	l, ok := n.listeners[endpoint]
	return l, ok
}

func (n *MemoryNetwork) remove(endpoint string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.listeners, endpoint)
}

// Dialer returns a peerlink.Dialer for this network.
func (n *MemoryNetwork) Dialer() peerlink.Dialer {
	return memoryDialer{network: n}
}

// memoryConn is the listener's view of one dialed link.
type memoryConn struct {
	id     string
	uplink *memoryUplink
}

// MemoryListener implements peerlink.Listener on a MemoryNetwork.
type MemoryListener struct {
	network  *MemoryNetwork
	endpoint string
	inbound  chan<- peerlink.Frame

	mu     sync.RWMutex
	conns  map[string]*memoryConn
	planes map[peerlink.Plane]map[string]*memoryConn
	closed bool
	// planesClosed refuses publish and subscribe attachments
	planesClosed bool
}

var _ peerlink.Listener = (*MemoryListener)(nil)

func (l *MemoryListener) Endpoint() string { return l.endpoint }

func (l *MemoryListener) Send(conn string, payload []byte) error {
	l.mu.RLock()
	c, ok := l.conns[conn]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", peerlink.ErrUnknownConnection, conn)
	}
	return c.uplink.deliver(peerlink.Control, payload)
}

func (l *MemoryListener) Broadcast(plane peerlink.Plane, payload []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.planes[plane] {
		_ = c.uplink.deliver(plane, payload)
	}
}

func (l *MemoryListener) ClosePlanes() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.planesClosed = true
	for _, plane := range []peerlink.Plane{peerlink.Publish, peerlink.Subscribe} {
		l.planes[plane] = map[string]*memoryConn{}
	}
}

// Disconnect drops conn as if its process had died: nothing more is delivered
// in either direction.
func (l *MemoryListener) Disconnect(conn string) {
	l.mu.Lock()
	c, ok := l.conns[conn]
	delete(l.conns, conn)
	for _, m := range l.planes {
		delete(m, conn)
	}
	l.mu.Unlock()
	if ok {
		c.uplink.sever()
	}
}

func (l *MemoryListener) accept(u *memoryUplink) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", peerlink.ErrClosed
	}
	id := uuid.NewString()
	l.conns[id] = &memoryConn{id: id, uplink: u}
	return id, nil
}

func (l *MemoryListener) attach(id string, plane peerlink.Plane) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	c, ok := l.conns[id]
	if !ok || l.closed || l.planesClosed {
		return peerlink.ErrClosed
	}
	l.planes[plane][id] = c
	return nil
}

func (l *MemoryListener) receive(conn string, plane peerlink.Plane, payload []byte) error {
	l.mu.RLock()
	_, ok := l.conns[conn]
	if plane != peerlink.Control {
		_, ok = l.planes[plane][conn]
	}
	closed := l.closed
	l.mu.RUnlock()
	if closed || !ok {
		return peerlink.ErrClosed
	}
	select {
	case l.inbound <- peerlink.Frame{Direction: peerlink.South, Plane: plane, Conn: conn, Payload: payload}:
		return nil
	default:
		return peerlink.ErrQueueFull
	}
}

// Close unregisters the endpoint and severs every connection.
func (l *MemoryListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	conns := l.conns
	l.conns = map[string]*memoryConn{}
	l.mu.Unlock()

	l.network.remove(l.endpoint)
	for _, c := range conns {
		c.uplink.sever()
	}
	return nil
}

type memoryDialer struct {
	network *MemoryNetwork
}

func (d memoryDialer) Dial(ctx context.Context, endpoint string, inbound chan<- peerlink.Frame) (peerlink.Uplink, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l, ok := d.network.lookup(endpoint)
	if !ok {
		return nil, fmt.Errorf("no listener at %s", endpoint)
	}
	u := &memoryUplink{network: d.network, listener: l, inbound: inbound}
	id, err := l.accept(u)
	if err != nil {
		return nil, err
	}
	u.id = id
	return u, nil
}

// memoryUplink is the dialing side of a link.
type memoryUplink struct {
	network  *MemoryNetwork
	listener *MemoryListener
	id       string
	inbound  chan<- peerlink.Frame

	mu       sync.Mutex
	attached bool
	closed   bool
}

func (u *memoryUplink) Send(plane peerlink.Plane, payload []byte) error {
	u.mu.Lock()
	closed, attached := u.closed, u.attached
	u.mu.Unlock()
	if closed {
		return peerlink.ErrClosed
	}
	if plane != peerlink.Control && !attached {
		return fmt.Errorf("%w: %s", peerlink.ErrPlaneNotAttached, plane)
	}
	return u.listener.receive(u.id, plane, payload)
}

func (u *memoryUplink) AttachPlanes(ctx context.Context, pubEndpoint, subEndpoint string) error {
	for _, ep := range []string{pubEndpoint, subEndpoint} {
		if ep != u.listener.endpoint {
			return fmt.Errorf("no listener at %s", ep)
		}
	}
	if err := u.listener.attach(u.id, peerlink.Publish); err != nil {
		return err
	}
	if err := u.listener.attach(u.id, peerlink.Subscribe); err != nil {
		return err
	}
	u.mu.Lock()
	u.attached = true
	u.mu.Unlock()
	return nil
}

func (u *memoryUplink) deliver(plane peerlink.Plane, payload []byte) error {
	u.mu.Lock()
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return peerlink.ErrClosed
	}
	select {
	case u.inbound <- peerlink.Frame{Direction: peerlink.North, Plane: plane, Payload: payload}:
		return nil
	default:
		return peerlink.ErrQueueFull
	}
}

func (u *memoryUplink) sever() {
	u.mu.Lock()
	u.closed = true
	u.mu.Unlock()
}

func (u *memoryUplink) Close() error {
	u.sever()
	u.listener.Disconnect(u.id)
	return nil
}
