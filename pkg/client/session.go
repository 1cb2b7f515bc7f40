package client

import (
	"errors"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

func (c *Client) handle(frame peerlink.Frame) {
	if frame.Plane != peerlink.Control {
		return
	}
	cmd, err := protocol.Decode(frame.Payload)
	if err != nil {
		var verr *protocol.VersionError
		if errors.As(err, &verr) {
			c.logger.Error("broker speaks another protocol version", "got", verr.Got, "want", protocol.Version)
			return
		}
		c.logger.Error("dropping malformed frame", "error", err)
		return
	}

	switch m := cmd.(type) {
	case *protocol.Challenge:
		c.onChallenge(m)
	case *protocol.RegOK:
		c.onRegOK(m)
	case *protocol.Pong:
	case *protocol.Data:
		c.onData(m)
	case *protocol.Pub:
		c.onPub(m)
	case *protocol.SubOK:
		c.onSubOK(m)
	case *protocol.Error:
		c.onError(m)
	default:
		c.logger.Warn("unexpected command from broker", "command", cmd.Tag())
	}
}

func (c *Client) onChallenge(m *protocol.Challenge) {
	cookie, err := cryptobox.OpenCookie(c.keys.BrokerKey, m.Sealed)
	if err != nil {
		c.logger.Error("cannot open registration challenge", "error", err)
		return
	}
	c.sendControl(&protocol.ChallengeOK{Cookie: cookie, Hash: c.keys.Hash, Name: c.config.Name})
}

func (c *Client) onRegOK(m *protocol.RegOK) {
	c.mu.Lock()
	c.state = Registered
	c.cookie = m.Cookie
	up := c.uplink
	resubscribe := make([]subKey, 0, len(c.subs))
	for k := range c.subs {
		c.subs[k] = false
		resubscribe = append(resubscribe, k)
	}
	c.mu.Unlock()

	c.logger.Info("registered with broker", "endpoint", c.config.Endpoint, "subscriptions", len(resubscribe))
	for _, k := range resubscribe {
		if up == nil {
			break
		}
		sub := &protocol.Sub{Cookie: m.Cookie, Topic: k.topic, Scope: k.scope}
		if err := up.Send(peerlink.Control, protocol.Encode(sub)); err != nil {
			c.logger.Warn("resubscribe failed", "topic", k.topic, "scope", k.scope, "error", err)
		}
	}
	if c.handler.OnRegistered != nil {
		c.handler.OnRegistered(c.config.Endpoint)
	}
}

func (c *Client) open(source string, sealed []byte) ([]byte, bool) {
	plain, err := cryptobox.Open(c.keys.OpenKey(source), sealed)
	if err != nil {
		c.logger.Warn("cannot decrypt payload", "source", source, "error", err)
		return nil, false
	}
	return plain, true
}

func (c *Client) onData(m *protocol.Data) {
	if m.Source == "" {
		c.logger.Warn("notice from broker", "message", string(m.Payload))
		return
	}
	plain, ok := c.open(m.Source, m.Payload)
	if !ok {
		return
	}
	if c.handler.OnData != nil {
		c.handler.OnData(m.Source, plain)
	}
}

func (c *Client) onPub(m *protocol.Pub) {
	plain, ok := c.open(m.Source, m.Payload)
	if !ok {
		return
	}
	if c.handler.OnPublication != nil {
		c.handler.OnPublication(m.Source, m.Topic, plain)
	}
}

func (c *Client) onSubOK(m *protocol.SubOK) {
	k := subKey{topic: m.Topic, scope: m.Scope}
	c.mu.Lock()
	_, known := c.subs[k]
	if known {
		c.subs[k] = true
	}
	c.mu.Unlock()
	if !known {
		c.logger.Debug("acknowledgement for unknown subscription", "topic", m.Topic, "scope", m.Scope)
	}
}

func (c *Client) onError(m *protocol.Error) {
	switch m.Code {
	case protocol.CodeRegFail:
		c.logger.Error("registration failed", "reason", m.Message)
		c.mu.Lock()
		c.state = Unregistered
		c.mu.Unlock()
	case protocol.CodeNoDestination:
		c.logger.Warn("no route to destination", "destination", m.Destination)
	default:
		c.logger.Error("error from broker", "code", m.Code, "message", m.Message)
	}
	if c.handler.OnError != nil {
		c.handler.OnError(m)
	}
}
