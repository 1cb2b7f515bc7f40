package transport

import (
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"google.golang.org/grpc"
)

const serviceName = "ddmesh.peerlink.v1.PeerLink"

// connHeader carries the handle of a connection's control stream.
const connHeader = "ddmesh-conn"

// linkService is implemented by GRPCListener. Every plane is a bidirectional
// stream of google.protobuf.BytesValue messages.
type linkService interface {
	serveStream(plane peerlink.Plane, stream grpc.ServerStream) error
}

func planeHandler(plane peerlink.Plane) grpc.StreamHandler {
	return func(srv any, stream grpc.ServerStream) error {
		return srv.(linkService).serveStream(plane, stream)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*linkService)(nil),
	Streams: []grpc.StreamDesc{
		{StreamName: "Control", Handler: planeHandler(peerlink.Control), ServerStreams: true, ClientStreams: true},
		{StreamName: "Publish", Handler: planeHandler(peerlink.Publish), ServerStreams: true, ClientStreams: true},
		{StreamName: "Subscribe", Handler: planeHandler(peerlink.Subscribe), ServerStreams: true, ClientStreams: true},
	},
	Metadata: "ddmesh/peerlink/v1/peerlink.proto",
}

func streamDesc(plane peerlink.Plane) (*grpc.StreamDesc, string) {
	desc := &serviceDesc.Streams[plane]
	return desc, "/" + serviceName + "/" + desc.StreamName
}
