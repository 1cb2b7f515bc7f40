package protocol

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

var (
	// ErrMalformedFrame is returned when a frame cannot be parsed.
	ErrMalformedFrame = errors.New("malformed frame")
	// ErrUnknownCommand is returned for tags this broker does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrVersionMismatch is wrapped by VersionError.
	ErrVersionMismatch = errors.New("different versions in use")
)

// VersionError is returned by Decode when the peer speaks another protocol version.
type VersionError struct {
	Got uint32
	Tag Tag
}

func (e *VersionError) Error() string {
	return fmt.Sprintf("protocol version 0x%08x, expected 0x%08x (tag %s)", e.Got, Version, e.Tag)
}

func (e *VersionError) Unwrap() error {
	return ErrVersionMismatch
}

// Field numbers share one namespace across commands.
const (
	fieldVersion protowire.Number = iota + 1
	fieldTag
	fieldCookie
	fieldSource
	fieldDestination
	fieldPayload
	fieldName
	fieldHash
	fieldDistance
	fieldCode
	fieldMessage
	fieldTopic
	fieldScope
	fieldSealed
	fieldIdentity
	fieldPubEndpoint
	fieldSubEndpoint
)

type encoder struct {
	buf []byte
}

func (e *encoder) uint(n protowire.Number, v uint64) {
	if v == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, n, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, v)
}

func (e *encoder) str(n protowire.Number, s string) {
	if s == "" {
		return
	}
	e.buf = protowire.AppendTag(e.buf, n, protowire.BytesType)
	e.buf = protowire.AppendString(e.buf, s)
}

func (e *encoder) bytes(n protowire.Number, b []byte) {
	if len(b) == 0 {
		return
	}
	e.buf = protowire.AppendTag(e.buf, n, protowire.BytesType)
	e.buf = protowire.AppendBytes(e.buf, b)
}

// Encode serializes cmd with the current protocol version.
func Encode(cmd Command) []byte {
	return EncodeVersion(Version, cmd)
}

// EncodeVersion serializes cmd with an explicit protocol version.
func EncodeVersion(version uint32, cmd Command) []byte {
	e := &encoder{buf: make([]byte, 0, 64)}
	// version and tag are always present, even when zero
	e.buf = protowire.AppendTag(e.buf, fieldVersion, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(version))
	e.buf = protowire.AppendTag(e.buf, fieldTag, protowire.VarintType)
	e.buf = protowire.AppendVarint(e.buf, uint64(cmd.Tag()))

	switch c := cmd.(type) {
	case *Send:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldDestination, c.Destination)
		e.bytes(fieldPayload, c.Payload)
	case *Forward:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldSource, c.Source)
		e.str(fieldDestination, c.Destination)
		e.bytes(fieldPayload, c.Payload)
	case *Ping:
		e.uint(fieldCookie, c.Cookie)
	case *Pong:
	case *AddLocal:
		e.str(fieldHash, c.Hash)
	case *AddDistant:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldName, c.Name)
		e.uint(fieldDistance, uint64(c.Distance))
	case *AddBroker:
		e.str(fieldHash, c.Hash)
	case *Unreg:
		e.uint(fieldCookie, c.Cookie)
	case *UnregDistant:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldName, c.Name)
	case *UnregBroker:
		e.uint(fieldCookie, c.Cookie)
	case *Data:
		e.str(fieldSource, c.Source)
		e.bytes(fieldPayload, c.Payload)
	case *Error:
		e.uint(fieldCode, uint64(c.Code))
		e.str(fieldMessage, c.Message)
		e.str(fieldDestination, c.Destination)
		e.str(fieldSource, c.Source)
	case *RegOK:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldPubEndpoint, c.PubEndpoint)
		e.str(fieldSubEndpoint, c.SubEndpoint)
	case *Challenge:
		e.bytes(fieldSealed, c.Sealed)
		e.str(fieldIdentity, c.Identity)
	case *ChallengeOK:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldHash, c.Hash)
		e.str(fieldName, c.Name)
	case *Pub:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldSource, c.Source)
		e.str(fieldTopic, c.Topic)
		e.bytes(fieldPayload, c.Payload)
	case *Sub:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldTopic, c.Topic)
		e.str(fieldScope, c.Scope)
	case *SubOK:
		e.str(fieldTopic, c.Topic)
		e.str(fieldScope, c.Scope)
	case *Unsub:
		e.uint(fieldCookie, c.Cookie)
		e.str(fieldTopic, c.Topic)
		e.str(fieldScope, c.Scope)
	}
	return e.buf
}

// fields is a parsed frame, indexed by field number.
type fields struct {
	varints map[protowire.Number]uint64
	raw     map[protowire.Number][]byte
}

func parseFields(b []byte) (*fields, error) {
	f := &fields{
		varints: make(map[protowire.Number]uint64),
		raw:     make(map[protowire.Number][]byte),
	}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			f.varints[num] = v
			n = m
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(m))
			}
			f.raw[num] = bytes.Clone(v)
			n = m
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, protowire.ParseError(n))
			}
		}
		b = b[n:]
	}
	return f, nil
}

// required lists, per tag, the fields a frame must carry to be routable.
var required = map[Tag][]protowire.Number{
	TagSend:         {fieldDestination},
	TagForward:      {fieldSource, fieldDestination},
	TagAddLocal:     {fieldHash},
	TagAddBroker:    {fieldHash},
	TagAddDistant:   {fieldName},
	TagUnregDistant: {fieldName},
	TagChallenge:    {fieldSealed},
	TagChallengeOK:  {fieldHash},
	TagPub:          {fieldTopic},
	TagSub:          {fieldTopic, fieldScope},
	TagUnsub:        {fieldTopic, fieldScope},
}

func (f *fields) missing(tag Tag) (protowire.Number, bool) {
	for _, n := range required[tag] {
		if len(f.raw[n]) == 0 {
			return n, true
		}
	}
	return 0, false
}

func (f *fields) uint(n protowire.Number) uint64 { return f.varints[n] }
func (f *fields) str(n protowire.Number) string  { return string(f.raw[n]) }
func (f *fields) bytes(n protowire.Number) []byte { return f.raw[n] }

// Decode parses a control frame. A frame from another protocol version yields a
// *VersionError; unhandled tags yield ErrUnknownCommand and a frame lacking a
// required field yields ErrMalformedFrame.
func Decode(frame []byte) (Command, error) {
	f, err := parseFields(frame)
	if err != nil {
		return nil, err
	}
	version, okVersion := f.varints[fieldVersion]
	tagValue, okTag := f.varints[fieldTag]
	if !okVersion || !okTag {
		return nil, fmt.Errorf("%w: missing version or tag", ErrMalformedFrame)
	}
	tag := Tag(tagValue)
	if uint32(version) != Version {
		return nil, &VersionError{Got: uint32(version), Tag: tag}
	}
	if n, ok := f.missing(tag); ok {
		return nil, fmt.Errorf("%w: %s without field %d", ErrMalformedFrame, tag, n)
	}

	switch tag {
	case TagSend:
		return &Send{
			Cookie:      f.uint(fieldCookie),
			Destination: f.str(fieldDestination),
			Payload:     f.bytes(fieldPayload),
		}, nil
	case TagForward:
		return &Forward{
			Cookie:      f.uint(fieldCookie),
			Source:      f.str(fieldSource),
			Destination: f.str(fieldDestination),
			Payload:     f.bytes(fieldPayload),
		}, nil
	case TagPing:
		return &Ping{Cookie: f.uint(fieldCookie)}, nil
	case TagPong:
		return &Pong{}, nil
	case TagAddLocal:
		return &AddLocal{Hash: f.str(fieldHash)}, nil
	case TagAddDistant:
		return &AddDistant{
			Cookie:   f.uint(fieldCookie),
			Name:     f.str(fieldName),
			Distance: uint32(f.uint(fieldDistance)),
		}, nil
	case TagAddBroker:
		return &AddBroker{Hash: f.str(fieldHash)}, nil
	case TagUnreg:
		return &Unreg{Cookie: f.uint(fieldCookie)}, nil
	case TagUnregDistant:
		return &UnregDistant{Cookie: f.uint(fieldCookie), Name: f.str(fieldName)}, nil
	case TagUnregBroker:
		return &UnregBroker{Cookie: f.uint(fieldCookie)}, nil
	case TagData:
		return &Data{Source: f.str(fieldSource), Payload: f.bytes(fieldPayload)}, nil
	case TagError:
		return &Error{
			Code:        ErrorCode(f.uint(fieldCode)),
			Message:     f.str(fieldMessage),
			Destination: f.str(fieldDestination),
			Source:      f.str(fieldSource),
		}, nil
	case TagRegOK:
		return &RegOK{
			Cookie:      f.uint(fieldCookie),
			PubEndpoint: f.str(fieldPubEndpoint),
			SubEndpoint: f.str(fieldSubEndpoint),
		}, nil
	case TagChallenge:
		return &Challenge{Sealed: f.bytes(fieldSealed), Identity: f.str(fieldIdentity)}, nil
	case TagChallengeOK:
		return &ChallengeOK{
			Cookie: f.uint(fieldCookie),
			Hash:   f.str(fieldHash),
			Name:   f.str(fieldName),
		}, nil
	case TagPub:
		return &Pub{
			Cookie:  f.uint(fieldCookie),
			Source:  f.str(fieldSource),
			Topic:   f.str(fieldTopic),
			Payload: f.bytes(fieldPayload),
		}, nil
	case TagSub:
		return &Sub{Cookie: f.uint(fieldCookie), Topic: f.str(fieldTopic), Scope: f.str(fieldScope)}, nil
	case TagSubOK:
		return &SubOK{Topic: f.str(fieldTopic), Scope: f.str(fieldScope)}, nil
	case TagUnsub:
		return &Unsub{Cookie: f.uint(fieldCookie), Topic: f.str(fieldTopic), Scope: f.str(fieldScope)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownCommand, tag)
	}
}
