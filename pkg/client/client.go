package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

var (
	// ErrNotRegistered is returned when a message needs a session and the
	// client has none.
	ErrNotRegistered = errors.New("client is not registered")
	// ErrAlreadySubscribed is returned by Subscribe for a topic and scope
	// the client already holds.
	ErrAlreadySubscribed = errors.New("already subscribed")
	// ErrNotSubscribed is returned by Unsubscribe for an unknown subscription.
	ErrNotSubscribed = errors.New("not subscribed")
	// ErrAlreadyRunning is returned when Run is called twice concurrently.
	ErrAlreadyRunning = errors.New("client is already running")
)

const (
	// maxMissedPongs triggers a new registration.
	maxMissedPongs = 3
	// registerUnits is the pause between ADDLCL attempts in time units.
	registerUnits = 3
)

// State is the registration state of a client.
type State int32

const (
	// Unregistered means the client has no session with its broker.
	Unregistered State = iota
	// Registered means the broker accepted the client and answered REGOK.
	Registered
)

func (s State) String() string {
	if s == Registered {
		return "registered"
	}
	return "unregistered"
}

// Subscription is one topic the client asked for.
type Subscription struct {
	Topic string
	Scope string
	// Active is set once the broker acknowledged the subscription in the
	// current session.
	Active bool
}

type subKey struct {
	topic, scope string
}

// Client is a session with one broker.
type Client struct {
	config  *Config
	keys    *keystore.ClientKeys
	nonces  *cryptobox.NonceSource
	logger  *slog.Logger
	handler Handler

	mu      sync.Mutex
	state   State
	uplink  peerlink.Uplink
	cookie  uint64
	subs    map[subKey]bool
	running bool
	stopped bool
	cancel  context.CancelFunc

	// loop owned
	missed int
}

// New creates a client. Call Run to connect.
func New(config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	configCopy := *config
	configCopy.SetDefaults()

	nonces := configCopy.Nonces
	if nonces == nil {
		var err error
		if nonces, err = cryptobox.NewNonceSource(); err != nil {
			return nil, err
		}
	}

	return &Client{
		config:  &configCopy,
		keys:    configCopy.Keys,
		nonces:  nonces,
		handler: configCopy.Handler,
		logger: configCopy.Logger.With("component", "client",
			"tenant", configCopy.Keys.Tenant, "name", configCopy.Name),
		subs: make(map[subKey]bool),
	}, nil
}

// Run connects to the broker and keeps the session alive until ctx is
// cancelled or Stop is called.
func (c *Client) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.cancel = cancel
	c.mu.Unlock()

	defer c.teardown()

	unit := c.config.TimeUnit
	heartbeat := time.NewTicker(unit * 3 / 2)
	defer heartbeat.Stop()
	register := time.NewTicker(registerUnits * unit)
	defer register.Stop()

	inbound := c.connect(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil

		case frame := <-inbound:
			c.missed = 0
			c.handle(frame)

		case <-register.C:
			if c.State() == Registered {
				continue
			}
			if c.currentUplink() == nil {
				inbound = c.connect(ctx)
				continue
			}
			if err := c.sendControl(&protocol.AddLocal{Hash: c.keys.Hash}); err != nil {
				c.disconnect()
			}

		case <-heartbeat.C:
			if c.State() != Registered {
				continue
			}
			if c.missed >= maxMissedPongs {
				c.logger.Warn("broker did not respond, registering again", "endpoint", c.config.Endpoint)
				c.disconnect()
				if c.handler.OnDisconnected != nil {
					c.handler.OnDisconnected()
				}
				inbound = c.connect(ctx)
				continue
			}
			c.missed++
			c.sendSession(func(cookie uint64) protocol.Command { return &protocol.Ping{Cookie: cookie} })
		}
	}
}

// connect dials the broker and starts a registration. It returns the frame
// channel of the new session, or a nil channel when the broker is unreachable.
func (c *Client) connect(ctx context.Context) chan peerlink.Frame {
	inbound := make(chan peerlink.Frame, 256)
	unit := c.config.TimeUnit
	dial := func() (peerlink.Uplink, error) {
		dctx, cancel := context.WithTimeout(ctx, unit)
		defer cancel()
		return c.config.Dialer.Dial(dctx, c.config.Endpoint, inbound)
	}
	up, err := backoff.Retry(ctx, dial,
		backoff.WithBackOff(backoff.NewConstantBackOff(unit)),
		backoff.WithMaxTries(3))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Warn("broker unreachable", "endpoint", c.config.Endpoint, "error", err)
		}
		return nil
	}

	c.mu.Lock()
	c.uplink = up
	c.mu.Unlock()
	c.missed = 0
	c.logger.Info("connecting to broker", "endpoint", c.config.Endpoint)
	c.sendControl(&protocol.AddLocal{Hash: c.keys.Hash})
	return inbound
}

// disconnect drops the session and marks every subscription inactive.
func (c *Client) disconnect() {
	c.mu.Lock()
	up := c.uplink
	c.uplink = nil
	c.state = Unregistered
	c.cookie = 0
	for k := range c.subs {
		c.subs[k] = false
	}
	c.mu.Unlock()
	if up != nil {
		up.Close()
	}
}

func (c *Client) teardown() {
	c.sendSession(func(cookie uint64) protocol.Command { return &protocol.Unreg{Cookie: cookie} })
	c.disconnect()

	c.mu.Lock()
	c.running = false
	c.stopped = true
	c.mu.Unlock()
}

// Stop ends Run. Safe to call more than once, and before Run.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.cancel != nil {
		c.cancel()
	}
}

// State returns the registration state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscriptions returns the remembered subscriptions sorted by topic and scope.
func (c *Client) Subscriptions() []Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Subscription, 0, len(c.subs))
	for k, active := range c.subs {
		out = append(out, Subscription{Topic: k.topic, Scope: k.scope, Active: active})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Topic != out[j].Topic {
			return out[i].Topic < out[j].Topic
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

func (c *Client) currentUplink() peerlink.Uplink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uplink
}

func (c *Client) sendControl(cmd protocol.Command) error {
	up := c.currentUplink()
	if up == nil {
		return ErrNotRegistered
	}
	if err := up.Send(peerlink.Control, protocol.Encode(cmd)); err != nil {
		c.logger.Debug("send failed", "command", cmd.Tag(), "error", err)
		return err
	}
	return nil
}

// sendSession sends a command carrying the session cookie. It fails unless
// the client is registered.
func (c *Client) sendSession(build func(cookie uint64) protocol.Command) error {
	c.mu.Lock()
	if c.state != Registered || c.uplink == nil {
		c.mu.Unlock()
		return ErrNotRegistered
	}
	up, cmd := c.uplink, build(c.cookie)
	c.mu.Unlock()
	return up.Send(peerlink.Control, protocol.Encode(cmd))
}

// Notify sends payload to the client target, e.g. "B" within the own tenant
// or "public.P" in the public tenant.
func (c *Client) Notify(target string, payload []byte) error {
	sealed := cryptobox.Seal(c.nonces, c.keys.SealKey(target), payload)
	return c.sendSession(func(cookie uint64) protocol.Command {
		return &protocol.Send{Cookie: cookie, Destination: target, Payload: sealed}
	})
}

// Publish sends payload to every subscriber of topic whose scope covers this
// client's broker. A trailing "$" publishes on the bare topic.
func (c *Client) Publish(topic string, payload []byte) error {
	sealed := cryptobox.Seal(c.nonces, c.keys.SealKey(topic), payload)
	return c.sendSession(func(cookie uint64) protocol.Command {
		return &protocol.Pub{Cookie: cookie, Topic: topic, Payload: sealed}
	})
}

// Subscribe asks for publications on topic within scope, a pattern or one of
// the named scopes. The subscription is remembered and sent again after every
// registration.
func (c *Client) Subscribe(topic, scope string) error {
	k := subKey{topic: topic, scope: ExpandScope(scope)}

	c.mu.Lock()
	if _, ok := c.subs[k]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrAlreadySubscribed, k.topic, k.scope)
	}
	c.subs[k] = false
	c.mu.Unlock()

	err := c.sendSession(func(cookie uint64) protocol.Command {
		return &protocol.Sub{Cookie: cookie, Topic: k.topic, Scope: k.scope}
	})
	if errors.Is(err, ErrNotRegistered) {
		return nil
	}
	return err
}

// Unsubscribe withdraws a subscription made with Subscribe.
func (c *Client) Unsubscribe(topic, scope string) error {
	k := subKey{topic: topic, scope: ExpandScope(scope)}

	c.mu.Lock()
	if _, ok := c.subs[k]; !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrNotSubscribed, k.topic, k.scope)
	}
	delete(c.subs, k)
	c.mu.Unlock()

	err := c.sendSession(func(cookie uint64) protocol.Command {
		return &protocol.Unsub{Cookie: cookie, Topic: k.topic, Scope: k.scope}
	})
	if errors.Is(err, ErrNotRegistered) {
		return nil
	}
	return err
}
