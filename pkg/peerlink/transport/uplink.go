package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

type clientStream struct {
	stream grpc.ClientStream
	queue  *outQueue
}

// grpcUplink is a connection to a parent broker, one stream per plane.
type grpcUplink struct {
	dialer  *GRPCDialer
	logger  *slog.Logger
	inbound chan<- peerlink.Frame
	ctx     context.Context
	cancel  context.CancelFunc

	mu sync.Mutex
	// connID is the listener's handle for this link, learned from the
	// control stream headers.
	connID  string
	conns   map[string]*grpc.ClientConn
	streams map[peerlink.Plane]*clientStream
	closed  bool
	wg      sync.WaitGroup
}

var _ peerlink.Uplink = (*grpcUplink)(nil)

// Dial opens the control stream to endpoint. The call fails if the stream
// cannot be established before ctx expires.
func (d *GRPCDialer) Dial(ctx context.Context, endpoint string, inbound chan<- peerlink.Frame) (peerlink.Uplink, error) {
	linkCtx, cancel := context.WithCancel(context.Background())
	u := &grpcUplink{
		dialer:  d,
		logger:  d.logger.With("parent", endpoint),
		inbound: inbound,
		ctx:     linkCtx,
		cancel:  cancel,
		conns:   make(map[string]*grpc.ClientConn),
		streams: make(map[peerlink.Plane]*clientStream),
	}
	if err := u.open(ctx, peerlink.Control, endpoint); err != nil {
		u.Close()
		return nil, err
	}
	return u, nil
}

func (u *grpcUplink) conn(endpoint string) (*grpc.ClientConn, error) {
	if cc, ok := u.conns[endpoint]; ok {
		return cc, nil
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(u.dialer.config.MaxMessageSize),
			grpc.MaxCallSendMsgSize(u.dialer.config.MaxMessageSize),
		),
	}, u.dialer.options...)
	cc, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", endpoint, err)
	}
	u.conns[endpoint] = cc
	return cc, nil
}

// open establishes the stream for plane. The stream lives until the uplink is
// closed; ctx only bounds establishment.
func (u *grpcUplink) open(ctx context.Context, plane peerlink.Plane, endpoint string) error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return peerlink.ErrClosed
	}
	if _, ok := u.streams[plane]; ok {
		u.mu.Unlock()
		return nil
	}
	cc, err := u.conn(endpoint)
	streamCtx := u.ctx
	if plane != peerlink.Control {
		streamCtx = metadata.AppendToOutgoingContext(u.ctx, connHeader, u.connID)
	}
	u.mu.Unlock()
	if err != nil {
		return err
	}

	// establishment runs unlocked so Send on other planes is never held up
	desc, method := streamDesc(plane)
	stream, header, err := u.newStream(ctx, streamCtx, cc, desc, method)
	if err != nil {
		return fmt.Errorf("failed to open %s plane at %s: %w", plane, endpoint, err)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if plane == peerlink.Control {
		if ids := header.Get(connHeader); len(ids) == 1 {
			u.connID = ids[0]
		}
	}
	if _, ok := u.streams[plane]; ok || u.closed {
		stream.CloseSend()
		if u.closed {
			return peerlink.ErrClosed
		}
		return nil
	}
	cs := &clientStream{stream: stream, queue: newOutQueue(u.dialer.config.SendQueueSize)}
	u.streams[plane] = cs
	u.wg.Add(2)
	go func() {
		defer u.wg.Done()
		cs.queue.run(u.ctx, stream, u.logger)
	}()
	go func() {
		defer u.wg.Done()
		u.receive(plane, stream)
	}()
	return nil
}

// newStream binds the stream to streamCtx, which lives as long as the uplink,
// while honouring ctx for establishment. It waits for the server headers so a
// dead parent fails Dial.
func (u *grpcUplink) newStream(ctx, streamCtx context.Context, cc *grpc.ClientConn, desc *grpc.StreamDesc, method string) (grpc.ClientStream, metadata.MD, error) {
	type result struct {
		stream grpc.ClientStream
		header metadata.MD
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		var header metadata.MD
		stream, err := cc.NewStream(streamCtx, desc, method)
		if err == nil {
			header, err = stream.Header()
		}
		ch <- result{stream, header, err}
	}()
	select {
	case r := <-ch:
		return r.stream, r.header, r.err
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

func (u *grpcUplink) receive(plane peerlink.Plane, stream grpc.ClientStream) {
	for {
		msg := &wrapperspb.BytesValue{}
		if err := stream.RecvMsg(msg); err != nil {
			u.logger.Debug("parent stream ended", "plane", plane, "error", err)
			return
		}
		select {
		case u.inbound <- peerlink.Frame{Direction: peerlink.North, Plane: plane, Payload: msg.GetValue()}:
		case <-u.ctx.Done():
			return
		}
	}
}

func (u *grpcUplink) Send(plane peerlink.Plane, payload []byte) error {
	u.mu.Lock()
	cs, ok := u.streams[plane]
	closed := u.closed
	u.mu.Unlock()
	if closed {
		return peerlink.ErrClosed
	}
	if !ok {
		return fmt.Errorf("%w: %s", peerlink.ErrPlaneNotAttached, plane)
	}
	return cs.queue.enqueue(payload)
}

func (u *grpcUplink) AttachPlanes(ctx context.Context, pubEndpoint, subEndpoint string) error {
	if err := u.open(ctx, peerlink.Publish, pubEndpoint); err != nil {
		return err
	}
	return u.open(ctx, peerlink.Subscribe, subEndpoint)
}

// Close tears down every stream and connection. Safe to call more than once.
func (u *grpcUplink) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	streams := u.streams
	conns := u.conns
	u.mu.Unlock()

	// publish and subscribe first, control last
	order := []peerlink.Plane{peerlink.Publish, peerlink.Subscribe, peerlink.Control}
	for _, plane := range order {
		if cs, ok := streams[plane]; ok {
			cs.queue.halt()
		}
	}
	u.cancel()
	for _, plane := range order {
		if cs, ok := streams[plane]; ok {
			cs.queue.stop()
		}
	}
	for _, cc := range conns {
		cc.Close()
	}
	u.wg.Wait()
	return nil
}
