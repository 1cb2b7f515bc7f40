package broker

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	peerlinkpkg "github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanes_OnlyFromChildBrokers(t *testing.T) {
	h := newHarness(t)
	rb := h.start("root", "1", "")

	s := h.register("root", "acme", "S")
	s.sub("news", "noscope")

	// a registered client is not a broker either
	for _, c := range []*testClient{h.dial("root"), h.register("root", "acme", "C")} {
		require.NoError(t, c.uplink.AttachPlanes(context.Background(), "root", "root"))
		require.NoError(t, c.uplink.Send(peerlinkpkg.Publish, protocol.EncodePublication(protocol.Publication{
			Topic:   "acme.news",
			Source:  "intruder",
			Payload: []byte("x"),
		})))
		require.NoError(t, c.uplink.Send(peerlinkpkg.Subscribe, protocol.EncodeAnnouncement(protocol.Announcement{
			Subscribe: true,
			Topic:     "acme.other",
		})))
	}

	s.expectNone(5 * testUnit)
	st := rb.Status()
	if assert.Len(t, st.Subscriptions, 1) {
		assert.Equal(t, "acme.news", st.Subscriptions[0].Topic)
		assert.Zero(t, st.Subscriptions[0].North)
	}
	assert.Equal(t, float64(4), testutil.ToFloat64(rb.metrics.DroppedTotal.WithLabelValues("unregistered")))
}
