package broker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/cryptobox"
	keystorepkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_InvalidConfig(t *testing.T) {
	h := newHarness(t)

	_, err := New(nil)
	assert.Error(t, err)

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"missing keystore", func(c *Config) { c.Keystore = nil }, ErrMissingKeystore},
		{"missing listen", func(c *Config) { c.Listen = nil }, ErrMissingListen},
		{"parent without dialer", func(c *Config) { c.ParentEndpoint = "up"; c.Dialer = nil }, ErrMissingDialer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := h.config("unused", "1/2", "")
			tt.mutate(config)
			_, err := New(config)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	t.Run("bad scope", func(t *testing.T) {
		_, err := New(h.config("unused", "1/x", ""))
		assert.Error(t, err)
	})
}

func TestNew_EndpointInUse(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	_, err := New(h.config("root", "1", ""))
	assert.Error(t, err)
}

func TestNew_InitialState(t *testing.T) {
	h := newHarness(t)

	root, err := New(h.config("a", "1", ""))
	require.NoError(t, err)
	defer root.Stop()
	assert.Equal(t, broker.Root, root.State())

	child, err := New(h.config("b", "1/2", "a"))
	require.NoError(t, err)
	defer child.Stop()
	assert.Equal(t, broker.Unregistered, child.State())
}

func TestRun_StopBeforeRunAndTwice(t *testing.T) {
	h := newHarness(t)
	b, err := New(h.config("root", "1", ""))
	require.NoError(t, err)

	b.Stop()
	require.NoError(t, b.Run(context.Background()))
	b.Stop()

	// the listener is released
	_, err = New(h.config("root", "1", ""))
	assert.NoError(t, err)
}

func TestRun_AlreadyRunning(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	require.Eventually(t, func() bool {
		rb.mu.RLock()
		defer rb.mu.RUnlock()
		return rb.running
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, rb.Run(context.Background()), ErrAlreadyRunning)
}

func TestRegistration_LocalClient(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1/2/3", "")

	h.register("root", "acme", "A")

	st := rb.Status()
	require.Len(t, st.LocalClients, 1)
	assert.Equal(t, "acme", st.LocalClients[0].Tenant)
	assert.Equal(t, "A", st.LocalClients[0].Name)
	assert.Equal(t, "/1/2/3/", st.Scope)
	assert.Equal(t, "0x0d0d0001", st.Version)
	assert.Equal(t, float64(1), testutil.ToFloat64(rb.metrics.RegistrationsTotal.WithLabelValues("client", "ok")))
}

func TestRegistration_UnknownHash(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	c := h.dial("root")
	c.send(&protocol.AddLocal{Hash: "not-a-known-hash"})

	e := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
	assert.Equal(t, "Authentication failed!", e.Message)
}

func TestRegistration_WrongCookie(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	keys, err := keystorepkg.NewClientKeys(h.keys.Clients["acme"])
	require.NoError(t, err)

	c := h.dial("root")
	c.send(&protocol.AddLocal{Hash: keys.Hash})
	chall := expectCommand[*protocol.Challenge](c)
	cookie, err := cryptobox.OpenCookie(keys.BrokerKey, chall.Sealed)
	require.NoError(t, err)

	c.send(&protocol.ChallengeOK{Cookie: cookie + 1, Hash: keys.Hash, Name: "A"})
	e := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
	assert.Empty(t, rb.Status().LocalClients)
}

func TestRegistration_OtherTenantCannotOpenChallenge(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	acme, err := keystorepkg.NewClientKeys(h.keys.Clients["acme"])
	require.NoError(t, err)
	globex, err := keystorepkg.NewClientKeys(h.keys.Clients["globex"])
	require.NoError(t, err)

	c := h.dial("root")
	c.send(&protocol.AddLocal{Hash: acme.Hash})
	chall := expectCommand[*protocol.Challenge](c)

	_, err = cryptobox.OpenCookie(globex.BrokerKey, chall.Sealed)
	assert.ErrorIs(t, err, cryptobox.ErrOpenFailed)
}

func TestRegistration_NameClash(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	h.register("root", "acme", "A")
	// the same name in another tenant is a different client
	h.register("root", "globex", "A")

	keys, err := keystorepkg.NewClientKeys(h.keys.Clients["acme"])
	require.NoError(t, err)
	c := h.dial("root")
	c.send(&protocol.AddLocal{Hash: keys.Hash})
	chall := expectCommand[*protocol.Challenge](c)
	cookie, err := cryptobox.OpenCookie(keys.BrokerKey, chall.Sealed)
	require.NoError(t, err)
	c.send(&protocol.ChallengeOK{Cookie: cookie, Hash: keys.Hash, Name: "A"})

	e := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
	assert.Equal(t, "local", e.Message)
	assert.Len(t, rb.Status().LocalClients, 2)
}

func TestRegistration_ReservedName(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	keys, err := keystorepkg.NewClientKeys(h.keys.Clients["acme"])
	require.NoError(t, err)
	c := h.dial("root")
	c.send(&protocol.AddLocal{Hash: keys.Hash})
	chall := expectCommand[*protocol.Challenge](c)
	cookie, err := cryptobox.OpenCookie(keys.BrokerKey, chall.Sealed)
	require.NoError(t, err)
	c.send(&protocol.ChallengeOK{Cookie: cookie, Hash: keys.Hash, Name: "public"})

	e := expectCommand[*protocol.Error](c)
	assert.Equal(t, protocol.CodeRegFail, e.Code)
}

func TestVersionMismatch(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	c := h.dial("root")
	c.sendRaw(protocol.EncodeVersion(0x0d0d0002, &protocol.AddLocal{Hash: "x"}))

	frame, ok := c.next(recvTimeout)
	require.True(t, ok)
	_, err := protocol.Decode(frame)
	var verr *protocol.VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(0x0d0d0002), verr.Got)
	assert.Equal(t, protocol.TagError, verr.Tag)
	assert.Equal(t, float64(1), testutil.ToFloat64(rb.metrics.DroppedTotal.WithLabelValues("version")))
}

func TestPing(t *testing.T) {
	h := newHarness(t)
	h.start("root", "1", "")

	stranger := h.dial("root")
	stranger.send(&protocol.Ping{Cookie: 7})
	select {
	case f := <-stranger.inbound:
		t.Fatalf("unregistered ping answered: %v", f)
	case <-time.After(5 * testUnit):
	}

	c := h.register("root", "acme", "A")
	c.send(&protocol.Ping{Cookie: c.cookie})
	require.Eventually(t, func() bool {
		select {
		case f := <-c.inbound:
			cmd, err := protocol.Decode(f.Payload)
			_, pong := cmd.(*protocol.Pong)
			return err == nil && pong
		default:
			return false
		}
	}, recvTimeout, time.Millisecond)
}

func TestUnreg(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	a := h.register("root", "acme", "A")
	a.sub("alerts", "noscope")
	require.Len(t, rb.Status().Subscriptions, 1)

	a.send(&protocol.Unreg{Cookie: a.cookie})
	require.Eventually(t, func() bool {
		st := rb.Status()
		return len(st.LocalClients) == 0 && len(st.Subscriptions) == 0
	}, recvTimeout, 5*time.Millisecond)
}

func TestClientEviction(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	c := h.register("root", "acme", "A")
	c.sub("alerts", "noscope")
	c.silence()

	require.Eventually(t, func() bool {
		st := rb.Status()
		return len(st.LocalClients) == 0 && len(st.Subscriptions) == 0
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(rb.metrics.EvictionsTotal.WithLabelValues("client")))
}

func TestClientWithPingsSurvives(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	h.register("root", "acme", "A")
	time.Sleep(4 * clientSweepUnits * maxAge * testUnit / 3)
	assert.Len(t, rb.Status().LocalClients, 1)
}
