package broker

import (
	"context"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
)

// control is a message for the reactor from a goroutine that must not touch
// protocol state itself.
type control interface {
	isControl()
}

// evictLocalClient asks the reactor to drop a client that went silent.
type evictLocalClient struct{ handle string }

// evictChildBroker asks the reactor to drop a child broker that went silent.
type evictChildBroker struct{ handle string }

// parentDialed reports the outcome of a registration dial.
type parentDialed struct {
	uplink peerlink.Uplink
	err    error
}

// planesAttached reports the outcome of attaching the parent's planes.
type planesAttached struct {
	uplink peerlink.Uplink
	err    error
}

func (evictLocalClient) isControl() {}
func (evictChildBroker) isControl() {}
func (parentDialed) isControl()     {}
func (planesAttached) isControl()   {}

// supervise ages child brokers every time unit and local clients every three,
// posting an eviction for every entry that reached maxAge.
func (b *Broker) supervise(ctx context.Context) error {
	unit := b.config.TimeUnit
	brokers := time.NewTicker(unit)
	defer brokers.Stop()
	clients := time.NewTicker(clientSweepUnits * unit)
	defer clients.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-brokers.C:
			b.sweepBrokers(ctx)
		case <-clients.C:
			b.sweepClients(ctx)
		}
	}
}

func (b *Broker) sweepBrokers(ctx context.Context) {
	for handle, cb := range b.tables.Brokers() {
		if cb.Age() >= maxAge {
			if !b.post(ctx, evictChildBroker{handle: handle}) {
				return
			}
			continue
		}
		cb.Tick()
	}
}

func (b *Broker) sweepClients(ctx context.Context) {
	for handle, lc := range b.tables.Locals() {
		if lc.Age() >= maxAge {
			if !b.post(ctx, evictLocalClient{handle: handle}) {
				return
			}
			continue
		}
		lc.Tick()
	}
}

func (b *Broker) handleControl(ctx context.Context, c control) {
	switch msg := c.(type) {
	case evictLocalClient:
		if lc, ok := b.tables.LocalByHandle(msg.handle); ok && lc.Age() >= maxAge {
			b.logger.Info("client timed out", "name", lc.PrefixName)
			if b.removeLocalClient(msg.handle) {
				b.metrics.Evicted("client")
			}
		}
	case evictChildBroker:
		if cb, ok := b.tables.Broker(msg.handle); ok && cb.Age() >= maxAge {
			b.logger.Info("broker timed out", "conn", msg.handle)
			if b.removeChildBroker(msg.handle) {
				b.metrics.Evicted("broker")
			}
		}
	case parentDialed:
		b.onParentDialed(msg)
	case planesAttached:
		b.onPlanesAttached(msg)
	}
}
