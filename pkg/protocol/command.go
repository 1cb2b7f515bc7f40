package protocol

import "fmt"

// Version is the protocol version carried in every control frame.
const Version uint32 = 0x0d0d0001

// Tag identifies a command on the wire.
type Tag uint32

const (
	TagSend Tag = iota
	TagForward
	TagPing
	TagAddLocal
	TagAddDistant
	TagAddBroker
	TagUnreg
	TagUnregDistant
	TagUnregBroker
	TagData
	tagLegacyNoDestination
	TagRegOK
	TagPong
	TagChallenge
	TagChallengeOK
	TagPub
	TagSub
	TagUnsub
	tagSendPublic
	tagPubPublic
	tagSendPT
	tagForwardPT
	tagDataPT
	TagSubOK
	TagError
)

var tagNames = map[Tag]string{
	TagSend:         "SEND",
	TagForward:      "FORWARD",
	TagPing:         "PING",
	TagAddLocal:     "ADDLCL",
	TagAddDistant:   "ADDDCL",
	TagAddBroker:    "ADDBR",
	TagUnreg:        "UNREG",
	TagUnregDistant: "UNREGDCLI",
	TagUnregBroker:  "UNREGBR",
	TagData:         "DATA",
	TagRegOK:        "REGOK",
	TagPong:         "PONG",
	TagChallenge:    "CHALL",
	TagChallengeOK:  "CHALLOK",
	TagPub:          "PUB",
	TagSub:          "SUB",
	TagUnsub:        "UNSUB",
	TagSubOK:        "SUBOK",
	TagError:        "ERROR",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
}

// ErrorCode qualifies an Error command.
type ErrorCode uint32

const (
	// CodeRegFail reports a failed registration or a name clash upstream.
	CodeRegFail ErrorCode = iota
	// CodeNoDestination reports that no broker in the tree knows the destination.
	CodeNoDestination
	// CodeVersion reports a protocol version mismatch.
	CodeVersion
)

func (c ErrorCode) String() string {
	switch c {
	case CodeRegFail:
		return "REGFAIL"
	case CodeNoDestination:
		return "NODST"
	case CodeVersion:
		return "VERSION"
	default:
		return fmt.Sprintf("ERROR(%d)", uint32(c))
	}
}

// Command is one decoded control frame.
type Command interface {
	Tag() Tag
}

// Send asks the broker to deliver Payload to Destination.
type Send struct {
	Cookie      uint64
	Destination string
	Payload     []byte
}

// Forward carries a point-to-point message between brokers.
type Forward struct {
	Cookie      uint64
	Source      string
	Destination string
	Payload     []byte
}

// Ping is a heartbeat from a registered client or child broker.
type Ping struct {
	Cookie uint64
}

// Pong answers a Ping.
type Pong struct{}

// AddLocal starts a client registration with the hash of the tenant key.
type AddLocal struct {
	Hash string
}

// AddDistant announces a client reachable through the sending broker.
type AddDistant struct {
	Cookie   uint64
	Name     string
	Distance uint32
}

// AddBroker starts a child broker registration with the hash of the broker key.
type AddBroker struct {
	Hash string
}

// Unreg removes the sending client.
type Unreg struct {
	Cookie uint64
}

// UnregDistant withdraws a client previously announced with AddDistant.
type UnregDistant struct {
	Cookie uint64
	Name   string
}

// UnregBroker removes the sending child broker.
type UnregBroker struct {
	Cookie uint64
}

// Data delivers a point-to-point payload to a client.
type Data struct {
	Source  string
	Payload []byte
}

// Error reports a failure. Destination and Source are set for CodeNoDestination,
// Message carries the human readable reason or the affected client name.
type Error struct {
	Code        ErrorCode
	Message     string
	Destination string
	Source      string
}

// RegOK completes a registration. Brokers also receive the endpoints of the
// parent's publish and subscribe planes.
type RegOK struct {
	Cookie      uint64
	PubEndpoint string
	SubEndpoint string
}

// Challenge carries the sealed session cookie. Identity is only set for brokers.
type Challenge struct {
	Sealed   []byte
	Identity string
}

// ChallengeOK answers a Challenge with the opened cookie.
type ChallengeOK struct {
	Cookie uint64
	Hash   string
	Name   string
}

// Pub publishes Payload on Topic. Source is only set on delivery to clients.
type Pub struct {
	Cookie  uint64
	Source  string
	Topic   string
	Payload []byte
}

// Sub subscribes the client to Topic within Scope.
type Sub struct {
	Cookie uint64
	Topic  string
	Scope  string
}

// SubOK acknowledges a Sub.
type SubOK struct {
	Topic string
	Scope string
}

// Unsub removes a subscription.
type Unsub struct {
	Cookie uint64
	Topic  string
	Scope  string
}

func (*Send) Tag() Tag         { return TagSend }
func (*Forward) Tag() Tag      { return TagForward }
func (*Ping) Tag() Tag         { return TagPing }
func (*Pong) Tag() Tag         { return TagPong }
func (*AddLocal) Tag() Tag     { return TagAddLocal }
func (*AddDistant) Tag() Tag   { return TagAddDistant }
func (*AddBroker) Tag() Tag    { return TagAddBroker }
func (*Unreg) Tag() Tag        { return TagUnreg }
func (*UnregDistant) Tag() Tag { return TagUnregDistant }
func (*UnregBroker) Tag() Tag  { return TagUnregBroker }
func (*Data) Tag() Tag         { return TagData }
func (*Error) Tag() Tag        { return TagError }
func (*RegOK) Tag() Tag        { return TagRegOK }
func (*Challenge) Tag() Tag    { return TagChallenge }
func (*ChallengeOK) Tag() Tag  { return TagChallengeOK }
func (*Pub) Tag() Tag          { return TagPub }
func (*Sub) Tag() Tag          { return TagSub }
func (*SubOK) Tag() Tag        { return TagSubOK }
func (*Unsub) Tag() Tag        { return TagUnsub }

// Authenticated is implemented by commands that carry a session cookie.
type Authenticated interface {
	Command
	SessionCookie() uint64
}

func (c *Send) SessionCookie() uint64         { return c.Cookie }
func (c *Forward) SessionCookie() uint64      { return c.Cookie }
func (c *Ping) SessionCookie() uint64         { return c.Cookie }
func (c *AddDistant) SessionCookie() uint64   { return c.Cookie }
func (c *Unreg) SessionCookie() uint64        { return c.Cookie }
func (c *UnregDistant) SessionCookie() uint64 { return c.Cookie }
func (c *UnregBroker) SessionCookie() uint64  { return c.Cookie }
func (c *Pub) SessionCookie() uint64          { return c.Cookie }
func (c *Sub) SessionCookie() uint64          { return c.Cookie }
func (c *Unsub) SessionCookie() uint64        { return c.Cookie }
