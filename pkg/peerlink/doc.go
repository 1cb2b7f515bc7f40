// Package peerlink provides interfaces for the framed links between brokers and
// their neighbours.
//
// This package defines the transport abstractions used by the ddmesh broker:
//   - Listener: the south side, accepting child brokers and clients
//   - Uplink: the north side, one link to the parent broker
//   - Dialer: establishes an Uplink
//
// Every link carries three planes:
//   - Control: protocol commands, point to point
//   - Publish: publication frames
//   - Subscribe: subscription announcements
//
// Frames arriving on any plane, from either direction, are delivered to a single
// inbound channel owned by the broker, so the broker processes them in the order
// each connection sent them.
//
// Example usage:
//
//	inbound := make(chan peerlink.Frame, 1024)
//	listener, err := newListener(cfg, inbound)
//	if err != nil {
//		return err
//	}
//	defer listener.Close()
//
//	uplink, err := dialer.Dial(ctx, "parent:5555", inbound)
//	if err != nil {
//		return err
//	}
//
//	for frame := range inbound {
//		switch frame.Direction {
//		case peerlink.South:
//			listener.Send(frame.Conn, reply(frame))
//		case peerlink.North:
//			uplink.Send(peerlink.Control, reply(frame))
//		}
//	}
package peerlink
