// Package protocol defines the wire commands exchanged between ddmesh brokers
// and clients.
//
// Every control-plane frame is a single protobuf-wire encoded message whose first
// two fields are the protocol version and the command tag. Frames are decoded once,
// at the transport boundary, into one of the Command variants in this package; the
// broker and client never look at raw bytes after that point.
//
// Two further frame kinds travel on the publish/subscribe planes:
//   - Announcement: one byte (1 = subscribe, 0 = unsubscribe) followed by the topic
//   - Publication: topic, source name, origin identity and payload
//
// Example usage:
//
//	frame := protocol.Encode(&protocol.Send{Cookie: cookie, Destination: "B", Payload: data})
//	cmd, err := protocol.Decode(frame)
//	if err != nil {
//		var verr *protocol.VersionError
//		if errors.As(err, &verr) {
//			// peer speaks another protocol version
//		}
//		return err
//	}
//	switch c := cmd.(type) {
//	case *protocol.Send:
//		route(c.Destination, c.Payload)
//	}
package protocol
