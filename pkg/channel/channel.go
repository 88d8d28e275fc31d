// Package channel implements the management channel: one bidirectional
// connection that carries correlated requests and responses in both
// directions, dispatches incoming requests to an operation handler, and
// fails everything still pending when it closes.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
	"github.com/strand-protocol/strand/mgmtapi/pkg/transport"
)

// defaultMaxConcurrentRequests limits the number of goroutines serving
// incoming requests on one channel.
const defaultMaxConcurrentRequests = 1000

// batchCleanupTimeout bounds freeing leftover batch ids on close.
const batchCleanupTimeout = 5 * time.Second

// State is the lifecycle state of a Channel.
type State int32

const (
	StateCreated State = iota
	StateReceiving
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReceiving:
		return "receiving"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrChannelClosed fails every request that was pending when the channel
	// closed, and every request issued afterwards.
	ErrChannelClosed = errors.New("mgmt channel: channel closed")
	// ErrNotStarted is returned for requests issued before Start.
	ErrNotStarted = errors.New("mgmt channel: channel not started")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("mgmt channel: channel already started")
	// ErrRequestTimeout fails a pending request that outlived the channel's
	// request timeout. The peer may still execute it.
	ErrRequestTimeout = errors.New("mgmt channel: request timed out")
)

// ResponseFunc receives the outcome of one request: the response payload or
// a failure. It is called exactly once, possibly on the receive goroutine,
// and must not block.
type ResponseFunc func(payload []byte, err error)

// CloseHandler runs once when the channel closes. cause is nil for an
// explicit Close and the transport error otherwise.
type CloseHandler func(ch *Channel, cause error)

type pendingRequest struct {
	id        uint32
	opcode    byte
	createdAt time.Time
	resolve   ResponseFunc
	timer     *time.Timer
}

// Option configures a Channel.
type Option func(*Channel)

// WithLogger sets the logger. The channel id is added as a field.
func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		c.log = l
	}
}

// WithMetrics records channel activity into m.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Channel) {
		c.metrics = m
	}
}

// WithOperationHandler installs the handler for incoming requests.
func WithOperationHandler(h OperationHandler) Option {
	return func(c *Channel) {
		c.handler = h
	}
}

// WithBatchIDManager installs the manager that answers batch id requests.
func WithBatchIDManager(m batch.Manager) Option {
	return func(c *Channel) {
		c.batchMgr = m
	}
}

// WithMaxConcurrentRequests bounds the incoming requests served at once.
// Requests above the limit are answered OVERLOADED.
func WithMaxConcurrentRequests(n int) Option {
	return func(c *Channel) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

// WithRequestTimeout fails outgoing requests with no response after d.
// Zero disables the timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Channel) {
		c.requestTimeout = d
	}
}

// WithProtocolVersion sets the version sent with requests and the highest
// version accepted from the peer.
func WithProtocolVersion(v int32) Option {
	return func(c *Channel) {
		c.version = v
	}
}

// Channel is one side of a management connection. Both sides may issue
// requests and serve requests on the same Channel.
type Channel struct {
	id        string
	transport transport.Transport
	log       *zap.Logger
	metrics   *observability.Metrics

	version        int32
	maxConcurrent  int
	requestTimeout time.Duration

	state  atomic.Int32
	nextID atomic.Uint32

	mu            sync.Mutex
	pending       map[uint32]*pendingRequest
	handler       OperationHandler
	batchMgr      batch.Manager
	batchIDs      map[int32]struct{} // created by the peer over this channel
	closeHandlers []CloseHandler
	closeCause    error

	ctx    context.Context
	cancel context.CancelFunc
	// sem bounds the number of in-flight request handler goroutines.
	sem chan struct{}
	// wg tracks in-flight handlers so Wait can drain gracefully.
	wg       sync.WaitGroup
	loopDone chan struct{}
	done     chan struct{}
}

// New creates a Channel over t in the Created state. Call Start to begin
// receiving.
func New(t transport.Transport, opts ...Option) *Channel {
	c := &Channel{
		id:            xid.New().String(),
		transport:     t,
		log:           zap.NewNop(),
		version:       protocol.ProtocolVersion,
		maxConcurrent: defaultMaxConcurrentRequests,
		pending:       make(map[uint32]*pendingRequest),
		batchIDs:      make(map[int32]struct{}),
		loopDone:      make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With(zap.String("channel", c.id))
	c.sem = make(chan struct{}, c.maxConcurrent)
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.metrics.IncChannel()
	return c
}

// ID returns the channel's unique identifier.
func (c *Channel) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() State { return State(c.state.Load()) }

// Done is closed once the channel is closed and pending requests have been
// failed.
func (c *Channel) Done() <-chan struct{} { return c.done }

// Err returns the transport error that closed the channel, or nil.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCause
}

// Start moves the channel to Receiving and starts the receive loop.
func (c *Channel) Start() error {
	if !c.state.CompareAndSwap(int32(StateCreated), int32(StateReceiving)) {
		if c.State() == StateClosed {
			return ErrChannelClosed
		}
		return ErrAlreadyStarted
	}
	go c.receiveLoop()
	c.log.Debug("channel receiving")
	return nil
}

// SetOperationHandler replaces the handler for incoming requests. Requests
// already received keep the handler they were dispatched with.
func (c *Channel) SetOperationHandler(h OperationHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetBatchIDManager installs m, or removes the manager when m is nil.
func (c *Channel) SetBatchIDManager(m batch.Manager) {
	c.mu.Lock()
	c.batchMgr = m
	c.mu.Unlock()
}

// BatchIDManager returns the installed manager, or nil.
func (c *Channel) BatchIDManager() batch.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batchMgr
}

// AddCloseHandler registers h to run when the channel closes. If the channel
// is already closed h runs immediately.
func (c *Channel) AddCloseHandler(h CloseHandler) {
	c.mu.Lock()
	if c.State() != StateClosed {
		c.closeHandlers = append(c.closeHandlers, h)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	<-c.done
	h(c, c.Err())
}

// PendingCount returns the number of requests awaiting a response.
func (c *Channel) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// SendRequest writes a request envelope and registers resolve to receive its
// outcome. It returns once the write completes. resolve is not called when
// SendRequest returns an error. A transport write failure closes the channel
// and fails every other pending request.
func (c *Channel) SendRequest(ctx context.Context, opcode byte, batchID int32, payload []byte, resolve ResponseFunc) (uint32, error) {
	c.mu.Lock()
	switch c.State() {
	case StateCreated:
		c.mu.Unlock()
		return 0, ErrNotStarted
	case StateClosed:
		c.mu.Unlock()
		return 0, ErrChannelClosed
	}
	id := c.allocID()
	p := &pendingRequest{id: id, opcode: opcode, createdAt: time.Now(), resolve: resolve}
	if c.requestTimeout > 0 {
		p.timer = time.AfterFunc(c.requestTimeout, func() { c.expire(id) })
	}
	c.pending[id] = p
	c.mu.Unlock()
	c.metrics.IncRequestSent()

	req := &protocol.Request{
		CorrelationID: id,
		Version:       c.version,
		Opcode:        opcode,
		BatchID:       batchID,
		Payload:       payload,
	}
	if err := c.transport.Send(ctx, req.Encode()); err != nil {
		if c.takePending(id) != nil {
			c.metrics.IncRequestFailed()
		}
		if errors.Is(err, transport.ErrMessageTooLarge) {
			return 0, fmt.Errorf("mgmt channel: send request: %w", err)
		}
		// Nothing was written or the stream lost its framing.
		c.shutdown(err)
		return 0, fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}
	c.log.Debug("request sent", zap.Uint32("correlation_id", id), zap.Uint8("opcode", opcode))
	return id, nil
}

// allocID returns the next correlation id, skipping 0 and ids still
// pending after the counter wraps. c.mu must be held.
func (c *Channel) allocID() uint32 {
	for {
		id := c.nextID.Inc()
		if id == 0 {
			continue
		}
		if _, busy := c.pending[id]; !busy {
			return id
		}
	}
}

// takePending removes and returns the pending request for id, or nil.
func (c *Channel) takePending(id uint32) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

func (c *Channel) expire(id uint32) {
	p := c.takePending(id)
	if p == nil {
		return
	}
	c.metrics.IncRequestFailed()
	c.log.Warn("request timed out", zap.Uint32("correlation_id", id), zap.Duration("after", c.requestTimeout))
	p.resolve(nil, fmt.Errorf("%w after %s (opcode 0x%02x)", ErrRequestTimeout, c.requestTimeout, p.opcode))
}

// Close closes the channel. Pending requests fail with ErrChannelClosed.
// Close is idempotent and may be called from a close handler.
func (c *Channel) Close() error {
	c.shutdown(nil)
	return nil
}

// Wait blocks until the receive loop has exited and in-flight handlers have
// finished, or ctx is done.
func (c *Channel) Wait(ctx context.Context) error {
	drained := make(chan struct{})
	go func() {
		<-c.loopDone
		c.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) shutdown(cause error) {
	var prev int32
	for {
		prev = c.state.Load()
		if prev == int32(StateClosed) {
			return
		}
		if c.state.CompareAndSwap(prev, int32(StateClosed)) {
			break
		}
	}
	c.cancel()

	c.mu.Lock()
	c.closeCause = cause
	pending := c.pending
	c.pending = make(map[uint32]*pendingRequest)
	handlers := c.closeHandlers
	c.closeHandlers = nil
	leftover := c.batchIDs
	c.batchIDs = make(map[int32]struct{})
	mgr := c.batchMgr
	c.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		c.log.Debug("transport close", zap.Error(err))
	}
	if prev == int32(StateCreated) {
		close(c.loopDone)
	}

	failure := ErrChannelClosed
	if cause != nil {
		failure = fmt.Errorf("%w: %w", ErrChannelClosed, cause)
	}
	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		c.metrics.IncRequestFailed()
		p.resolve(nil, failure)
	}

	if mgr != nil && len(leftover) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), batchCleanupTimeout)
		for id := range leftover {
			if err := mgr.FreeBatchID(ctx, id); err != nil && !errors.Is(err, batch.ErrUnknownBatchID) {
				c.log.Warn("free batch id on close", zap.Int32("batch_id", id), zap.Error(err))
			}
		}
		cancel()
	}

	c.metrics.DecChannel()
	if cause != nil {
		c.log.Info("channel closed", zap.Error(cause), zap.Int("failed_pending", len(pending)))
	} else {
		c.log.Debug("channel closed", zap.Int("failed_pending", len(pending)))
	}
	close(c.done)

	for _, h := range handlers {
		h(c, cause)
	}
}
