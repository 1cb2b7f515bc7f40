package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/client"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/keystore"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/peerlink/transport"
	"github.com/rmacdonaldsmith/ddmesh-go/pkg/protocol"
)

// session is a registered client plus the channel of its Run result.
type session struct {
	*client.Client
	cancel context.CancelFunc
	done   chan error
	errors chan *protocol.Error
}

// close unregisters and waits for the client to finish.
func (s *session) close() error {
	s.cancel()
	return <-s.done
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	switch level {
	case "e":
		l = slog.LevelError
	case "w":
		l = slog.LevelWarn
	case "n", "i":
		l = slog.LevelInfo
	case "d":
		l = slog.LevelDebug
	case "q":
		return slog.New(slog.NewTextHandler(io.Discard, nil)), nil
	default:
		return nil, fmt.Errorf("unknown log level %q", level)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

// connect registers with the broker and returns once REGOK arrived.
func connect(ctx context.Context, handler client.Handler) (*session, error) {
	logger, err := newLogger(logLevel)
	if err != nil {
		return nil, err
	}
	keys, err := keystore.LoadClientKeys(keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	registered := make(chan struct{}, 1)
	s := &session{done: make(chan error, 1), errors: make(chan *protocol.Error, 16)}
	onRegistered := handler.OnRegistered
	handler.OnRegistered = func(ep string) {
		select {
		case registered <- struct{}{}:
		default:
		}
		if onRegistered != nil {
			onRegistered(ep)
		}
	}
	onError := handler.OnError
	handler.OnError = func(e *protocol.Error) {
		select {
		case s.errors <- e:
		default:
		}
		if onError != nil {
			onError(e)
		}
	}

	c, err := client.New(&client.Config{
		Name:     name,
		Endpoint: strings.TrimPrefix(endpoint, "tcp://"),
		Keys:     keys,
		Dialer:   transport.NewGRPCDialer(&transport.Config{Logger: logger}),
		Handler:  handler,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	s.Client = c

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() { s.done <- c.Run(runCtx) }()

	select {
	case <-registered:
		return s, nil
	case e := <-s.errors:
		s.close()
		return nil, fmt.Errorf("registration failed: %s", e.Message)
	case <-time.After(regWait):
		s.close()
		return nil, fmt.Errorf("no answer from broker %s within %s", endpoint, regWait)
	case <-ctx.Done():
		s.close()
		return nil, ctx.Err()
	}
}

// payloadArg joins the remaining arguments into the message body.
func payloadArg(args []string) []byte {
	return []byte(strings.Join(args, " "))
}
