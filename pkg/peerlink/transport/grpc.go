package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// serverStream is one accepted stream on one plane.
type serverStream struct {
	id    string
	plane peerlink.Plane
	queue *outQueue

	ended   chan struct{}
	endOnce sync.Once
}

// end makes the handler of the stream return.
func (st *serverStream) end() {
	st.endOnce.Do(func() { close(st.ended) })
}

// GRPCListener implements peerlink.Listener on a gRPC server.
type GRPCListener struct {
	config  *Config
	logger  *slog.Logger
	inbound chan<- peerlink.Frame
	server  *grpc.Server

	mu       sync.RWMutex
	listener net.Listener
	streams  map[peerlink.Plane]map[string]*serverStream
	closed   bool
	done     chan struct{}
	serveWG  sync.WaitGroup

	planesClosed bool
}

var _ peerlink.Listener = (*GRPCListener)(nil)

// NewGRPCListener creates a listener that delivers inbound frames to inbound.
// Call Start or Serve to accept connections.
func NewGRPCListener(config *Config, inbound chan<- peerlink.Frame) (*GRPCListener, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if inbound == nil {
		return nil, errors.New("inbound channel cannot be nil")
	}

	// Make a copy and set defaults
	configCopy := *config
	configCopy.SetDefaults()

	l := &GRPCListener{
		config:  &configCopy,
		logger:  configCopy.Logger.With("component", "peerlink"),
		inbound: inbound,
		streams: map[peerlink.Plane]map[string]*serverStream{
			peerlink.Control:   {},
			peerlink.Publish:   {},
			peerlink.Subscribe: {},
		},
		done: make(chan struct{}),
	}
	l.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(configCopy.MaxMessageSize),
		grpc.MaxSendMsgSize(configCopy.MaxMessageSize),
	)
	l.server.RegisterService(&serviceDesc, l)
	return l, nil
}

// Start binds ListenAddress and serves in the background.
func (l *GRPCListener) Start() error {
	lis, err := net.Listen("tcp", l.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", l.config.ListenAddress, err)
	}
	return l.Serve(lis)
}

// Serve accepts connections on lis in the background.
func (l *GRPCListener) Serve(lis net.Listener) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		lis.Close()
		return peerlink.ErrClosed
	}
	l.listener = lis
	l.mu.Unlock()

	l.serveWG.Add(1)
	go func() {
		defer l.serveWG.Done()
		if err := l.server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			l.logger.Error("peer link server stopped", "error", err)
		}
	}()
	return nil
}

// Endpoint returns the advertised address, or the bound address.
func (l *GRPCListener) Endpoint() string {
	if l.config.AdvertiseAddress != "" {
		return l.config.AdvertiseAddress
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.listener != nil {
		return l.listener.Addr().String()
	}
	return l.config.ListenAddress
}

func (l *GRPCListener) Send(conn string, payload []byte) error {
	l.mu.RLock()
	st, ok := l.streams[peerlink.Control][conn]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", peerlink.ErrUnknownConnection, conn)
	}
	return st.queue.enqueue(payload)
}

func (l *GRPCListener) Broadcast(plane peerlink.Plane, payload []byte) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for id, st := range l.streams[plane] {
		if err := st.queue.enqueue(payload); err != nil {
			l.logger.Warn("dropping broadcast", "plane", plane, "conn", id, "error", err)
		}
	}
}

func (l *GRPCListener) ClosePlanes() {
	l.mu.Lock()
	l.planesClosed = true
	var ended []*serverStream
	for _, plane := range []peerlink.Plane{peerlink.Publish, peerlink.Subscribe} {
		for id, st := range l.streams[plane] {
			ended = append(ended, st)
			delete(l.streams[plane], id)
		}
	}
	l.mu.Unlock()

	for _, st := range ended {
		st.end()
	}
}

// Connections returns the number of open streams on plane.
func (l *GRPCListener) Connections(plane peerlink.Plane) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.streams[plane])
}

// register adds st. A publish or subscribe stream joins the open control
// stream of the same connection, at most once per plane.
func (l *GRPCListener) register(st *serverStream) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return peerlink.ErrClosed
	}
	if st.plane != peerlink.Control {
		if l.planesClosed {
			return status.Errorf(codes.Unavailable, "%s plane closed", st.plane)
		}
		if _, ok := l.streams[peerlink.Control][st.id]; !ok {
			return status.Errorf(codes.PermissionDenied, "%s plane without an open control stream", st.plane)
		}
		if _, dup := l.streams[st.plane][st.id]; dup {
			return status.Errorf(codes.AlreadyExists, "%s plane already attached", st.plane)
		}
	}
	l.streams[st.plane][st.id] = st
	return nil
}

func (l *GRPCListener) unregister(st *serverStream) {
	l.mu.Lock()
	if l.streams[st.plane][st.id] == st {
		delete(l.streams[st.plane], st.id)
	}
	l.mu.Unlock()
}

// streamID names the connection a stream belongs to. Control streams get a
// fresh handle; the other planes present the handle of their control stream.
func streamID(ctx context.Context, plane peerlink.Plane) (string, error) {
	if plane == peerlink.Control {
		return uuid.NewString(), nil
	}
	md, _ := metadata.FromIncomingContext(ctx)
	ids := md.Get(connHeader)
	if len(ids) != 1 || ids[0] == "" {
		return "", status.Errorf(codes.PermissionDenied, "%s plane without a connection handle", plane)
	}
	return ids[0], nil
}

func (l *GRPCListener) serveStream(plane peerlink.Plane, stream grpc.ServerStream) error {
	ctx := stream.Context()
	id, err := streamID(ctx, plane)
	if err != nil {
		return err
	}
	st := &serverStream{
		id:    id,
		plane: plane,
		queue: newOutQueue(l.config.SendQueueSize),
		ended: make(chan struct{}),
	}
	if err := l.register(st); err != nil {
		return err
	}
	// headers tell the dialing side the stream is accepted, and under which handle
	if err := stream.SendHeader(metadata.Pairs(connHeader, st.id)); err != nil {
		l.unregister(st)
		return err
	}
	go st.queue.run(ctx, stream, l.logger)
	// the writer may be blocked in SendMsg until the stream context ends,
	// which happens once this handler returns
	defer func() {
		l.unregister(st)
		st.queue.halt()
	}()
	l.logger.Debug("stream opened", "plane", plane, "conn", st.id)

	recvErr := make(chan error, 1)
	go func() { recvErr <- l.receive(ctx, st, stream) }()
	select {
	case err := <-recvErr:
		return err
	case <-st.ended:
		// returning cancels the stream context, which unblocks receive
		return nil
	}
}

// receive delivers the frames of st until the stream ends.
func (l *GRPCListener) receive(ctx context.Context, st *serverStream, stream grpc.ServerStream) error {
	for {
		msg := &wrapperspb.BytesValue{}
		if err := stream.RecvMsg(msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		frame := peerlink.Frame{
			Direction: peerlink.South,
			Plane:     st.plane,
			Conn:      st.id,
			Payload:   msg.GetValue(),
		}
		select {
		case l.inbound <- frame:
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			return nil
		}
	}
}

// Close stops the server and drops every stream. Safe to call more than once.
func (l *GRPCListener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil // Already closed, safe to call multiple times
	}
	l.closed = true
	close(l.done)
	l.mu.Unlock()

	l.server.Stop()
	l.serveWG.Wait()
	return nil
}

// GRPCDialer implements peerlink.Dialer.
type GRPCDialer struct {
	config  *Config
	logger  *slog.Logger
	options []grpc.DialOption
}

var _ peerlink.Dialer = (*GRPCDialer)(nil)

// NewGRPCDialer creates a dialer. Options are appended to the defaults, which
// use plaintext transport credentials.
func NewGRPCDialer(config *Config, options ...grpc.DialOption) *GRPCDialer {
	configCopy := Config{}
	if config != nil {
		configCopy = *config
	}
	configCopy.SetDefaults()
	return &GRPCDialer{
		config:  &configCopy,
		logger:  configCopy.Logger.With("component", "peerlink"),
		options: options,
	}
}
