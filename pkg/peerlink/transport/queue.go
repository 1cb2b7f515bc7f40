package transport

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// msgSender is the SendMsg half of a gRPC client or server stream.
type msgSender interface {
	SendMsg(m any) error
}

// outQueue serializes writes to one stream. gRPC streams do not allow
// concurrent SendMsg calls, so a single goroutine drains the queue.
type outQueue struct {
	out      chan []byte
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newOutQueue(size int) *outQueue {
	return &outQueue{
		out:  make(chan []byte, size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (q *outQueue) enqueue(payload []byte) error {
	select {
	case <-q.quit:
		return peerlink.ErrClosed
	default:
	}
	select {
	case q.out <- payload:
		return nil
	default:
		return peerlink.ErrQueueFull
	}
}

func (q *outQueue) run(ctx context.Context, s msgSender, logger *slog.Logger) {
	defer close(q.done)
	for {
		select {
		case payload := <-q.out:
			if err := s.SendMsg(wrapperspb.Bytes(payload)); err != nil {
				logger.Debug("stream send failed", "error", err)
				return
			}
		case <-q.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// halt tells the writer to exit without waiting for it.
func (q *outQueue) halt() {
	q.stopOnce.Do(func() { close(q.quit) })
}

// stop ends the writer and waits for it. Safe to call more than once.
func (q *outQueue) stop() {
	q.halt()
	<-q.done
}
