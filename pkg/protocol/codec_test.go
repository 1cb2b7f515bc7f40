package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Commands(t *testing.T) {
	cases := []Command{
		&Send{Cookie: 42, Destination: "acme.B", Payload: []byte("hello")},
		&Forward{Source: "acme.A", Destination: "acme.B", Payload: []byte{0, 1, 2}},
		&AddDistant{Cookie: 7, Name: "acme.C", Distance: 2},
		&Error{Code: CodeNoDestination, Destination: "ghost", Source: "C"},
		&Challenge{Sealed: []byte("sealed"), Identity: "a8c2"},
		&RegOK{Cookie: 9, PubEndpoint: "grpc://x:1", SubEndpoint: "grpc://x:1"},
		&Sub{Cookie: 1, Topic: "news", Scope: "/1/2/"},
		&Pong{},
	}

	for _, want := range cases {
		t.Run(want.Tag().String(), func(t *testing.T) {
			got, err := Decode(Encode(want))
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

// SEND has tag zero, so the tag must still be written explicitly.
func TestEncode_ZeroTagIsPresent(t *testing.T) {
	cmd, err := Decode(Encode(&Send{Destination: "B"}))
	require.NoError(t, err)
	assert.Equal(t, TagSend, cmd.Tag())

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestDecode_VersionMismatch(t *testing.T) {
	frame := EncodeVersion(0x0d0d0002, &Ping{Cookie: 1})

	_, err := Decode(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrVersionMismatch))

	var verr *VersionError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(0x0d0d0002), verr.Got)
	assert.Equal(t, TagPing, verr.Tag)
}

func TestDecode_UnknownAndReservedTags(t *testing.T) {
	for _, tag := range []Tag{tagLegacyNoDestination, tagSendPublic, tagDataPT, Tag(99)} {
		frame := EncodeVersion(Version, rawTag(tag))
		_, err := Decode(frame)
		assert.ErrorIs(t, err, ErrUnknownCommand, "tag %d", tag)
	}
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	cases := []struct {
		name string
		cmd  Command
	}{
		{"send without destination", &Send{Cookie: 1, Payload: []byte("x")}},
		{"forward without source", &Forward{Destination: "acme.B"}},
		{"forward without destination", &Forward{Source: "acme.A"}},
		{"sub without topic", &Sub{Cookie: 1, Scope: "/"}},
		{"sub without scope", &Sub{Cookie: 1, Topic: "news"}},
		{"unsub without topic", &Unsub{Cookie: 1, Scope: "/"}},
		{"unsub without scope", &Unsub{Cookie: 1, Topic: "news"}},
		{"addlcl without hash", &AddLocal{}},
		{"addbr without hash", &AddBroker{}},
		{"adddcl without name", &AddDistant{Cookie: 1, Distance: 1}},
		{"unregdcli without name", &UnregDistant{Cookie: 1}},
		{"challok without hash", &ChallengeOK{Cookie: 1, Name: "A"}},
		{"pub without topic", &Pub{Cookie: 1, Payload: []byte("x")}},
		{"chall without sealed cookie", &Challenge{Identity: "a8c2"}},
	}
	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(Encode(tt.cmd))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}

	// optional fields may be absent
	for _, cmd := range []Command{&Ping{}, &Data{}, &Error{}, &RegOK{}, &SubOK{}, &Unreg{}} {
		_, err := Decode(Encode(cmd))
		assert.NoError(t, err, "%s", cmd.Tag())
	}
}

func TestDecode_Truncated(t *testing.T) {
	frame := Encode(&Send{Cookie: 1, Destination: "B", Payload: []byte("abc")})
	_, err := Decode(frame[:len(frame)-2])
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestAnnouncement(t *testing.T) {
	frame := EncodeAnnouncement(Announcement{Subscribe: true, Topic: "acme.news/1/"})
	assert.Equal(t, byte(1), frame[0])

	a, err := DecodeAnnouncement(frame)
	require.NoError(t, err)
	assert.True(t, a.Subscribe)
	assert.Equal(t, "acme.news/1/", a.Topic)

	a, err = DecodeAnnouncement(EncodeAnnouncement(Announcement{Topic: "acme.news"}))
	require.NoError(t, err)
	assert.False(t, a.Subscribe)

	_, err = DecodeAnnouncement([]byte{1})
	assert.ErrorIs(t, err, ErrMalformedFrame)
	_, err = DecodeAnnouncement([]byte{7, 'x'})
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestPublication(t *testing.T) {
	p := Publication{Topic: "acme.news/1/2/", Source: "A", Identity: "id-1", Payload: []byte("x")}
	got, err := DecodePublication(EncodePublication(p))
	require.NoError(t, err)
	assert.Equal(t, p, got)

	_, err = DecodePublication(EncodePublication(Publication{Source: "A"}))
	assert.ErrorIs(t, err, ErrMalformedFrame)
}

func TestTagString(t *testing.T) {
	assert.Equal(t, "CHALLOK", TagChallengeOK.String())
	assert.Equal(t, "UNKNOWN(99)", Tag(99).String())
	assert.Equal(t, "NODST", CodeNoDestination.String())
}

type rawTag Tag

func (r rawTag) Tag() Tag { return Tag(r) }
