package peerlink

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrUnknownConnection is returned when sending to a connection that is gone.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrQueueFull is returned when a connection's send queue is full.
	ErrQueueFull = errors.New("send queue full")
	// ErrPlaneNotAttached is returned when sending on a plane that is not open.
	ErrPlaneNotAttached = errors.New("plane not attached")
	// ErrClosed is returned by operations on a closed link.
	ErrClosed = errors.New("link closed")
)

// Direction tells on which side of the broker a frame arrived.
type Direction int

const (
	// North is the link toward the parent broker.
	North Direction = iota
	// South is the listener for children and clients.
	South
)

func (d Direction) String() string {
	switch d {
	case North:
		return "north"
	case South:
		return "south"
	default:
		return "unknown"
	}
}

// Plane is one of the three channels between a broker and its neighbours.
type Plane int

const (
	// Control carries protocol commands.
	Control Plane = iota
	// Publish carries publication frames.
	Publish
	// Subscribe carries subscription announcements.
	Subscribe
)

func (p Plane) String() string {
	switch p {
	case Control:
		return "control"
	case Publish:
		return "publish"
	case Subscribe:
		return "subscribe"
	default:
		return "unknown"
	}
}

// Frame is one inbound message. Conn identifies the south connection it came
// from and is empty for frames from the parent.
type Frame struct {
	Direction Direction
	Plane     Plane
	Conn      string
	Payload   []byte
}

// Listener is the south side of a broker: it accepts children and clients and
// delivers their frames to the channel it was created with.
type Listener interface {
	io.Closer

	// Send queues a control frame for one connection.
	Send(conn string, payload []byte) error

	// Broadcast queues a frame for every connection attached to plane.
	Broadcast(plane Plane, payload []byte)

	// ClosePlanes ends every publish and subscribe attachment and refuses new
	// ones. Control connections stay open until Close.
	ClosePlanes()

	// Endpoint returns the address children use to reach this listener.
	Endpoint() string
}

// Uplink is an established connection to a parent broker.
type Uplink interface {
	io.Closer

	// Send queues a frame on plane.
	Send(plane Plane, payload []byte) error

	// AttachPlanes opens the publish and subscribe planes at the endpoints the
	// parent announced in REGOK.
	AttachPlanes(ctx context.Context, pubEndpoint, subEndpoint string) error
}

// Dialer connects to a parent broker. Frames from the parent are delivered to
// inbound with Direction North.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, inbound chan<- Frame) (Uplink, error)
}
