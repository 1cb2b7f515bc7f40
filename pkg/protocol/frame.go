package protocol

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Announcement is a subscription interest change propagated between brokers.
type Announcement struct {
	Subscribe bool
	Topic     string
}

// EncodeAnnouncement returns the one-byte flag followed by the topic.
func EncodeAnnouncement(a Announcement) []byte {
	b := make([]byte, 0, len(a.Topic)+1)
	if a.Subscribe {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return append(b, a.Topic...)
}

// DecodeAnnouncement parses an announcement frame.
func DecodeAnnouncement(frame []byte) (Announcement, error) {
	if len(frame) < 2 {
		return Announcement{}, fmt.Errorf("%w: announcement too short", ErrMalformedFrame)
	}
	switch frame[0] {
	case 0, 1:
	default:
		return Announcement{}, fmt.Errorf("%w: announcement flag %d", ErrMalformedFrame, frame[0])
	}
	return Announcement{Subscribe: frame[0] == 1, Topic: string(frame[1:])}, nil
}

// Publication is a topic message on the publish/subscribe planes. Identity names
// the broker that last sent it north; it is empty on southbound copies.
type Publication struct {
	Topic    string
	Source   string
	Identity string
	Payload  []byte
}

const (
	pubFieldTopic protowire.Number = iota + 1
	pubFieldSource
	pubFieldIdentity
	pubFieldPayload
)

// EncodePublication serializes p.
func EncodePublication(p Publication) []byte {
	e := &encoder{buf: make([]byte, 0, len(p.Topic)+len(p.Source)+len(p.Payload)+16)}
	e.str(pubFieldTopic, p.Topic)
	e.str(pubFieldSource, p.Source)
	e.str(pubFieldIdentity, p.Identity)
	e.bytes(pubFieldPayload, p.Payload)
	return e.buf
}

// DecodePublication parses a publication frame.
func DecodePublication(frame []byte) (Publication, error) {
	f, err := parseFields(frame)
	if err != nil {
		return Publication{}, err
	}
	p := Publication{
		Topic:    f.str(pubFieldTopic),
		Source:   f.str(pubFieldSource),
		Identity: f.str(pubFieldIdentity),
		Payload:  f.bytes(pubFieldPayload),
	}
	if p.Topic == "" {
		return Publication{}, fmt.Errorf("%w: publication without topic", ErrMalformedFrame)
	}
	return p, nil
}
