// Package server accepts management connections and serves each one on its
// own channel with a shared operation handler and a per-channel batch id
// manager.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
	"github.com/strand-protocol/strand/mgmtapi/pkg/transport"
)

// defaultShutdownTimeout is how long Stop waits for channels to drain.
const defaultShutdownTimeout = 5 * time.Second

// ErrServerClosed is returned by Serve after Stop.
var ErrServerClosed = errors.New("mgmt server: server closed")

// BatchManagerFactory returns the batch id manager for one new channel, or
// nil for none.
type BatchManagerFactory func() batch.Manager

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHandler sets the operation handler shared by all channels.
func WithHandler(h channel.OperationHandler) ServerOption {
	return func(s *Server) {
		s.handler = h
	}
}

// WithBatchManagerFactory sets how channels get their batch id manager. A nil
// factory leaves channels without one, so batch id requests fail.
func WithBatchManagerFactory(f BatchManagerFactory) ServerOption {
	return func(s *Server) {
		s.batchFactory = f
	}
}

// WithShutdownTimeout configures how long Stop waits for channels to finish
// in-flight requests.
func WithShutdownTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithMaxConcurrentRequests bounds the requests served at once per channel.
func WithMaxConcurrentRequests(n int) ServerOption {
	return func(s *Server) {
		s.maxConcurrent = n
	}
}

// WithRequestTimeout fails requests the server sends to clients when they
// are not answered within d.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		s.requestTimeout = d
	}
}

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithChannelHandler calls fn for every accepted channel once it is
// receiving, so the server can issue requests to that client.
func WithChannelHandler(fn func(*channel.Channel)) ServerOption {
	return func(s *Server) {
		s.onChannel = append(s.onChannel, fn)
	}
}

// Server listens for management connections and runs one channel per
// connection.
type Server struct {
	handler         channel.OperationHandler
	batchFactory    BatchManagerFactory
	log             *zap.Logger
	metrics         *observability.Metrics
	maxConcurrent   int
	requestTimeout  time.Duration
	shutdownTimeout time.Duration
	onChannel       []func(*channel.Channel)

	mu        sync.Mutex
	listeners []*transport.Listener
	channels  map[*channel.Channel]struct{}
	done      chan struct{}
}

// New creates a Server. By default each channel gets its own in-memory batch
// id manager.
func New(opts ...ServerOption) *Server {
	s := &Server{
		batchFactory:    func() batch.Manager { return batch.NewMemoryManager() },
		log:             zap.NewNop(),
		shutdownTimeout: defaultShutdownTimeout,
		channels:        make(map[*channel.Channel]struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListenAndServe binds to addr and serves connections until Stop.
func (s *Server) ListenAndServe(addr string) error {
	l, err := transport.Listen(addr)
	if err != nil {
		return fmt.Errorf("mgmt server: listen: %w", err)
	}
	return s.serve(l)
}

// Serve accepts connections on l until Stop. It returns nil after Stop and
// the accept error otherwise.
func (s *Server) Serve(l net.Listener) error {
	return s.serve(transport.NewListener(l))
}

func (s *Server) serve(l *transport.Listener) error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	default:
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Info("serving management connections", zap.Stringer("addr", l.Addr()))
	for {
		t, err := l.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil // graceful shutdown
			default:
				s.log.Error("accept failed", zap.Error(err))
				return fmt.Errorf("mgmt server: accept: %w", err)
			}
		}
		s.startChannel(t)
	}
}

func (s *Server) startChannel(t *transport.StreamTransport) {
	opts := []channel.Option{
		channel.WithLogger(s.log),
		channel.WithMetrics(s.metrics),
		channel.WithMaxConcurrentRequests(s.maxConcurrent),
		channel.WithRequestTimeout(s.requestTimeout),
	}
	if s.handler != nil {
		opts = append(opts, channel.WithOperationHandler(s.handler))
	}
	if s.batchFactory != nil {
		if m := s.batchFactory(); m != nil {
			opts = append(opts, channel.WithBatchIDManager(m))
		}
	}
	ch := channel.New(t, opts...)

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		ch.Close()
		return
	default:
	}
	s.channels[ch] = struct{}{}
	s.mu.Unlock()

	ch.AddCloseHandler(func(c *channel.Channel, cause error) {
		s.mu.Lock()
		delete(s.channels, c)
		s.mu.Unlock()
		s.log.Debug("connection closed", zap.String("channel", c.ID()), zap.Error(cause))
	})
	if err := ch.Start(); err != nil {
		s.log.Warn("start channel", zap.String("channel", ch.ID()), zap.Error(err))
		ch.Close()
		return
	}
	s.log.Debug("connection accepted", zap.String("channel", ch.ID()), zap.Stringer("remote", t.RemoteAddr()))
	for _, fn := range s.onChannel {
		fn(ch)
	}
}

// ChannelCount returns the number of open channels.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// Stop stops accepting, closes every channel and waits up to the shutdown
// timeout for in-flight handlers to finish.
func (s *Server) Stop() {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return // already stopped
	default:
		close(s.done)
	}
	listeners := s.listeners
	s.listeners = nil
	channels := make([]*channel.Channel, 0, len(s.channels))
	for ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, ch := range channels {
		ch.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	for _, ch := range channels {
		if err := ch.Wait(ctx); err != nil {
			s.log.Warn("shutdown timeout exceeded, abandoning in-flight handlers", zap.Duration("timeout", s.shutdownTimeout))
			return
		}
	}
	s.log.Info("all channels drained", zap.Int("channels", len(channels)))
}
