package channel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
	"github.com/strand-protocol/strand/mgmtapi/pkg/transport"
)

const (
	opDouble  byte = 0x10
	opBlock   byte = 0x11
	opPanic   byte = 0x12
	opClosing byte = 0x13
	tagDouble byte = 11
	tagResult byte = 22
)

// doubleHandler keeps the decoded value on the instance between ReadRequest
// and WriteResponse, so sharing one instance across requests would corrupt
// results.
type doubleHandler struct {
	value int32
	delay time.Duration
}

func (h *doubleHandler) ReadRequest(_ *RequestContext, r *mgmtbuf.Reader) error {
	if err := protocol.ExpectHeader(r, tagDouble); err != nil {
		return err
	}
	v, err := r.ReadInt32()
	if err != nil {
		return err
	}
	h.value = v
	return nil
}

func (h *doubleHandler) WriteResponse(_ *RequestContext, w *mgmtbuf.Buffer) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	w.WriteHeader(tagResult)
	w.WriteInt32(h.value * 2)
	return nil
}

type blockingHandler struct {
	release <-chan struct{}
}

func (h *blockingHandler) ReadRequest(rc *RequestContext, _ *mgmtbuf.Reader) error {
	select {
	case <-h.release:
		return nil
	case <-rc.Context().Done():
		return rc.Context().Err()
	}
}

func (h *blockingHandler) WriteResponse(*RequestContext, *mgmtbuf.Buffer) error { return nil }

type panicHandler struct{}

func (panicHandler) ReadRequest(*RequestContext, *mgmtbuf.Reader) error { panic("boom") }

func (panicHandler) WriteResponse(*RequestContext, *mgmtbuf.Buffer) error { return nil }

// errShared is returned by every closingHandler instance.
var errShared = &protocol.RemoteError{Code: protocol.ErrCodeInternal, Message: "store is shutting down"}

type closingHandler struct{}

func (closingHandler) ReadRequest(*RequestContext, *mgmtbuf.Reader) error {
	return fmt.Errorf("%w: %w", errShared, ErrChannelClosed)
}

func (closingHandler) WriteResponse(*RequestContext, *mgmtbuf.Buffer) error { return nil }

func testRegistry(release <-chan struct{}) *Registry {
	return NewRegistry().
		MustRegister(opDouble, func() RequestHandler { return &doubleHandler{} }).
		MustRegister(opBlock, func() RequestHandler { return &blockingHandler{release: release} }).
		MustRegister(opPanic, func() RequestHandler { return panicHandler{} }).
		MustRegister(opClosing, func() RequestHandler { return closingHandler{} })
}

// newPair returns two started channels connected in memory.
func newPair(t *testing.T, clientOpts, serverOpts []Option) (*Channel, *Channel) {
	t.Helper()
	a, b := transport.Pipe()
	client := New(a, clientOpts...)
	server := New(b, serverOpts...)
	require.NoError(t, client.Start())
	require.NoError(t, server.Start())
	t.Cleanup(func() {
		client.Close()
		server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Wait(ctx)
		_ = server.Wait(ctx)
	})
	return client, server
}

type result struct {
	payload []byte
	err     error
}

func send(t *testing.T, c *Channel, opcode byte, batchID int32, payload []byte) <-chan result {
	t.Helper()
	done := make(chan result, 1)
	_, err := c.SendRequest(context.Background(), opcode, batchID, payload, func(p []byte, err error) {
		done <- result{payload: p, err: err}
	})
	if err != nil {
		done <- result{err: err}
	}
	return done
}

func await(t *testing.T, done <-chan result) ([]byte, error) {
	t.Helper()
	select {
	case r := <-done:
		return r.payload, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for response")
		return nil, nil
	}
}

func call(t *testing.T, c *Channel, opcode byte, batchID int32, payload []byte) ([]byte, error) {
	t.Helper()
	return await(t, send(t, c, opcode, batchID, payload))
}

func doublePayload(v int32) []byte {
	buf := mgmtbuf.NewBuffer(5)
	buf.WriteHeader(tagDouble)
	buf.WriteInt32(v)
	return buf.Bytes()
}

func readDoubled(t *testing.T, payload []byte) int32 {
	t.Helper()
	r := mgmtbuf.NewReader(payload)
	require.NoError(t, protocol.ExpectHeader(r, tagResult))
	v, err := r.ReadInt32()
	require.NoError(t, err)
	return v
}

func readInt32(t *testing.T, payload []byte) int32 {
	t.Helper()
	v, err := mgmtbuf.NewReader(payload).ReadInt32()
	require.NoError(t, err)
	return v
}

func remoteCode(t *testing.T, err error) uint16 {
	t.Helper()
	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	return re.Code
}

func TestSequentialDoubles(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(nil))})

	for _, tc := range []struct{ in, want int32 }{{600, 1200}, {700, 1400}} {
		payload, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(tc.in))
		require.NoError(t, err)
		assert.Equal(t, tc.want, readDoubled(t, payload))
	}
	assert.Equal(t, 0, client.PendingCount())
}

func TestRequestsInBothDirections(t *testing.T) {
	client, server := newPair(t,
		[]Option{WithOperationHandler(testRegistry(nil))},
		[]Option{WithOperationHandler(testRegistry(nil))})

	payload, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(21))
	require.NoError(t, err)
	assert.Equal(t, int32(42), readDoubled(t, payload))

	payload, err = call(t, server, opDouble, protocol.NoBatchID, doublePayload(-8))
	require.NoError(t, err)
	assert.Equal(t, int32(-16), readDoubled(t, payload))
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	var created atomic.Int32
	reg := NewRegistry().MustRegister(opDouble, func() RequestHandler {
		n := created.Inc()
		// Vary completion order so responses arrive out of request order.
		return &doubleHandler{delay: time.Duration(n%7) * time.Millisecond}
	})
	client, _ := newPair(t, nil, []Option{WithOperationHandler(reg)})

	const k = 200
	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(v int32) {
			defer wg.Done()
			res := <-send(t, client, opDouble, protocol.NoBatchID, doublePayload(v))
			if res.err != nil {
				errs <- res.err
				return
			}
			r := mgmtbuf.NewReader(res.payload)
			if err := protocol.ExpectHeader(r, tagResult); err != nil {
				errs <- err
				return
			}
			got, _ := r.ReadInt32()
			if got != 2*v {
				errs <- fmt.Errorf("double(%d) = %d", v, got)
			}
		}(int32(i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, int32(k), created.Load(), "one handler instance per request")
}

func TestCreateBatchIDWithoutManager(t *testing.T) {
	client, _ := newPair(t, nil, nil)

	_, err := call(t, client, protocol.OpCreateBatchID, protocol.NoBatchID, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeNoBatchIDManager, remoteCode(t, err))

	var re *protocol.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, batch.ErrNoManager, batch.FromRemote(re))
}

type fixedManager struct {
	id    int32
	mu    sync.Mutex
	freed []int32
}

func (m *fixedManager) CreateBatchID(context.Context) (int32, error) { return m.id, nil }

func (m *fixedManager) FreeBatchID(_ context.Context, id int32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freed = append(m.freed, id)
	return nil
}

func (m *fixedManager) freedIDs() []int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int32(nil), m.freed...)
}

func TestCreateAndFreeBatchID(t *testing.T) {
	mgr := &fixedManager{id: 12345}
	client, _ := newPair(t, nil, []Option{WithBatchIDManager(mgr)})

	payload, err := call(t, client, protocol.OpCreateBatchID, protocol.NoBatchID, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(12345), readInt32(t, payload))

	buf := mgmtbuf.NewBuffer(4)
	buf.WriteInt32(12345)
	_, err = call(t, client, protocol.OpFreeBatchID, protocol.NoBatchID, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int32{12345}, mgr.freedIDs())
}

func TestFreeUnknownBatchID(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithBatchIDManager(batch.NewMemoryManager())})

	buf := mgmtbuf.NewBuffer(4)
	buf.WriteInt32(77)
	_, err := call(t, client, protocol.OpFreeBatchID, protocol.NoBatchID, buf.Bytes())
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeUnknownBatchID, remoteCode(t, err))
}

func TestBatchIDsFreedWhenPeerCloses(t *testing.T) {
	mgr := batch.NewMemoryManager()
	client, server := newPair(t, nil, []Option{WithBatchIDManager(mgr)})

	first, err := call(t, client, protocol.OpCreateBatchID, protocol.NoBatchID, nil)
	require.NoError(t, err)
	second, err := call(t, client, protocol.OpCreateBatchID, protocol.NoBatchID, nil)
	require.NoError(t, err)
	assert.NotEqual(t, readInt32(t, first), readInt32(t, second))
	assert.Equal(t, 2, mgr.Outstanding())

	require.NoError(t, client.Close())
	select {
	case <-server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server channel did not close")
	}
	assert.Equal(t, 0, mgr.Outstanding())
}

func TestPing(t *testing.T) {
	client, _ := newPair(t, nil, nil)

	payload, err := call(t, client, protocol.OpPing, protocol.NoBatchID, nil)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProtocolVersion, readInt32(t, payload))
}

func TestUnknownOpcode(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(nil))})

	_, err := call(t, client, 0x7E, protocol.NoBatchID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnknownOperation)
}

func TestNoOperationHandler(t *testing.T) {
	client, _ := newPair(t, nil, nil)

	_, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(1))
	assert.ErrorIs(t, err, protocol.ErrUnknownOperation)
}

func TestSetOperationHandler(t *testing.T) {
	client, server := newPair(t, nil, nil)

	server.SetOperationHandler(OperationHandlerFunc(func(op byte) (RequestHandler, bool) {
		if op != opDouble {
			return nil, false
		}
		return &doubleHandler{}, true
	}))
	payload, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(4))
	require.NoError(t, err)
	assert.Equal(t, int32(8), readDoubled(t, payload))
}

func TestHeaderMismatch(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(nil))})

	buf := mgmtbuf.NewBuffer(5)
	buf.WriteHeader(99)
	buf.WriteInt32(3)
	_, err := call(t, client, opDouble, protocol.NoBatchID, buf.Bytes())
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeProtocol, remoteCode(t, err))
	assert.ErrorIs(t, err, protocol.ErrHeaderMismatch)
}

func TestHandlerPanicIsReported(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(nil))})

	_, err := call(t, client, opPanic, protocol.NoBatchID, nil)
	require.Error(t, err)
	assert.Equal(t, protocol.ErrCodeInternal, remoteCode(t, err))

	payload, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(5))
	require.NoError(t, err, "channel keeps serving after a handler panic")
	assert.Equal(t, int32(10), readDoubled(t, payload))
}

func TestUnsupportedVersion(t *testing.T) {
	client, _ := newPair(t,
		[]Option{WithProtocolVersion(protocol.ProtocolVersion + 1)},
		[]Option{WithOperationHandler(testRegistry(nil))})

	_, err := call(t, client, opDouble, protocol.NoBatchID, doublePayload(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrUnsupportedVersion)
}

func TestOverloadedRequestIsRefused(t *testing.T) {
	release := make(chan struct{})
	client, _ := newPair(t, nil, []Option{
		WithOperationHandler(testRegistry(release)),
		WithMaxConcurrentRequests(1),
	})

	first := send(t, client, opBlock, protocol.NoBatchID, nil)
	_, err := call(t, client, opBlock, protocol.NoBatchID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrOverloaded)

	close(release)
	_, err = await(t, first)
	assert.NoError(t, err)
}

func TestRequestTimeout(t *testing.T) {
	release := make(chan struct{})
	m := observability.NewMetrics()
	client, _ := newPair(t,
		[]Option{WithRequestTimeout(50 * time.Millisecond), WithMetrics(m)},
		[]Option{WithOperationHandler(testRegistry(release))})

	_, err := call(t, client, opBlock, protocol.NoBatchID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, client.PendingCount())

	// The late response no longer matches a pending request.
	close(release)
	require.Eventually(t, func() bool {
		return m.GetMetrics()["unknown_responses"] == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseFailsPendingRequests(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, server := newPair(t, nil, []Option{WithOperationHandler(testRegistry(release))})

	serverClosed := make(chan error, 1)
	server.AddCloseHandler(func(_ *Channel, cause error) { serverClosed <- cause })

	pending := make([]<-chan result, 3)
	for i := range pending {
		pending[i] = send(t, client, opBlock, protocol.NoBatchID, nil)
	}
	require.Eventually(t, func() bool { return client.PendingCount() == 3 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Close())
	for _, p := range pending {
		_, err := await(t, p)
		assert.ErrorIs(t, err, ErrChannelClosed)
	}
	assert.NoError(t, client.Err())

	select {
	case cause := <-serverClosed:
		assert.Error(t, cause, "peer sees the transport failure")
	case <-time.After(5 * time.Second):
		t.Fatal("server close handler did not run")
	}
}

func TestPeerCloseFailsPendingRequests(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, server := newPair(t, nil, []Option{WithOperationHandler(testRegistry(release))})

	p := send(t, client, opBlock, protocol.NoBatchID, nil)
	require.Eventually(t, func() bool { return client.PendingCount() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, server.Close())
	_, err := await(t, p)
	assert.ErrorIs(t, err, ErrChannelClosed)

	<-client.Done()
	assert.Equal(t, StateClosed, client.State())
	assert.Error(t, client.Err())
}

func TestCloseHandlers(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	ch := New(a)
	require.NoError(t, ch.Start())

	var calls atomic.Int32
	ch.AddCloseHandler(func(c *Channel, cause error) {
		assert.Same(t, ch, c)
		assert.NoError(t, cause)
		calls.Inc()
		// Closing again from a handler is a no-op.
		assert.NoError(t, c.Close())
	})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	assert.Equal(t, int32(1), calls.Load())

	late := make(chan struct{})
	ch.AddCloseHandler(func(*Channel, error) { close(late) })
	select {
	case <-late:
	default:
		t.Fatal("handler added after close did not run immediately")
	}
}

func TestLifecycleErrors(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	ch := New(a)
	assert.Equal(t, StateCreated, ch.State())

	_, err := ch.SendRequest(context.Background(), protocol.OpPing, protocol.NoBatchID, nil, func([]byte, error) {})
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, ch.Start())
	assert.Equal(t, StateReceiving, ch.State())
	assert.ErrorIs(t, ch.Start(), ErrAlreadyStarted)

	require.NoError(t, ch.Close())
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorIs(t, ch.Start(), ErrChannelClosed)

	_, err = ch.SendRequest(context.Background(), protocol.OpPing, protocol.NoBatchID, nil, func([]byte, error) {})
	assert.ErrorIs(t, err, ErrChannelClosed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ch.Wait(ctx))
}

func TestCloseBeforeStart(t *testing.T) {
	a, b := transport.Pipe()
	defer b.Close()
	ch := New(a)
	require.NoError(t, ch.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ch.Wait(ctx))
}

func TestUnknownResponseKeepsLoopAlive(t *testing.T) {
	a, raw := transport.Pipe()
	defer raw.Close()
	m := observability.NewMetrics()
	ch := New(a, WithMetrics(m))
	require.NoError(t, ch.Start())
	defer ch.Close()

	ctx := context.Background()
	stray := &protocol.Response{CorrelationID: 999, Payload: []byte{1, 2}}
	require.NoError(t, raw.Send(ctx, stray.Encode()))

	ping := &protocol.Request{CorrelationID: 1, Version: protocol.ProtocolVersion, Opcode: protocol.OpPing, BatchID: protocol.NoBatchID}
	require.NoError(t, raw.Send(ctx, ping.Encode()))
	msg, err := raw.Recv(ctx)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), resp.CorrelationID)
	assert.Nil(t, resp.Err)
	assert.Equal(t, int64(1), m.GetMetrics()["unknown_responses"])
}

func TestMalformedRequestGetsInvalidRequest(t *testing.T) {
	a, raw := transport.Pipe()
	defer raw.Close()
	ch := New(a)
	require.NoError(t, ch.Start())
	defer ch.Close()

	ctx := context.Background()
	// Type and correlation id, but the rest of the header is missing.
	require.NoError(t, raw.Send(ctx, []byte{protocol.TypeRequest, 0, 0, 0, 7, 0}))
	msg, err := raw.Recv(ctx)
	require.NoError(t, err)
	resp, err := protocol.DecodeResponse(msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), resp.CorrelationID)
	require.NotNil(t, resp.Err)
	assert.Equal(t, protocol.ErrCodeInvalidRequest, resp.Err.Code)
}

func TestSendFailureClosesChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)

	closed := make(chan struct{})
	var once sync.Once
	tr.EXPECT().Recv(gomock.Any()).DoAndReturn(func(context.Context) ([]byte, error) {
		<-closed
		return nil, transport.ErrTransportClosed
	})
	tr.EXPECT().Send(gomock.Any(), gomock.Any()).Return(errors.New("write: broken pipe"))
	tr.EXPECT().Close().DoAndReturn(func() error {
		once.Do(func() { close(closed) })
		return nil
	})

	ch := New(tr)
	require.NoError(t, ch.Start())

	resolved := false
	_, err := ch.SendRequest(context.Background(), protocol.OpPing, protocol.NoBatchID, nil, func([]byte, error) { resolved = true })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.Contains(t, err.Error(), "broken pipe")
	assert.False(t, resolved)
	assert.Equal(t, 0, ch.PendingCount())
	assert.Equal(t, StateClosed, ch.State())
	assert.ErrorContains(t, ch.Err(), "broken pipe")

	require.NoError(t, ch.Close())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Wait(ctx))
}

func TestRecvFailureClosesChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	tr := NewMockTransport(ctrl)

	tr.EXPECT().Recv(gomock.Any()).Return(nil, io.ErrUnexpectedEOF)
	tr.EXPECT().Close().Return(nil)

	ch := New(tr)
	causes := make(chan error, 1)
	ch.AddCloseHandler(func(_ *Channel, cause error) { causes <- cause })
	require.NoError(t, ch.Start())

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, io.ErrUnexpectedEOF)
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after recv failure")
	}
	assert.ErrorIs(t, ch.Err(), io.ErrUnexpectedEOF)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Wait(ctx))
}

func TestRegistryRejectsReservedOpcodes(t *testing.T) {
	reg := NewRegistry()
	for _, op := range []byte{protocol.OpCreateBatchID, protocol.OpFreeBatchID, protocol.OpPing} {
		assert.Error(t, reg.Register(op, func() RequestHandler { return &doubleHandler{} }))
	}
	assert.Error(t, reg.Register(opDouble, nil))

	_, ok := reg.RequestHandler(opDouble)
	assert.False(t, ok)
}

func TestClosedErrorDoesNotModifyHandlerError(t *testing.T) {
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(nil))})

	for i := 0; i < 2; i++ {
		_, err := call(t, client, opClosing, protocol.NoBatchID, nil)
		require.Error(t, err)
		assert.Equal(t, protocol.ErrCodeChannelClosed, remoteCode(t, err))
	}
	assert.Equal(t, protocol.ErrCodeInternal, errShared.Code)
}

func TestCorrelationIDSkipsZeroAndPending(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	client, _ := newPair(t, nil, []Option{WithOperationHandler(testRegistry(release))})
	ctx := context.Background()

	held, err := client.SendRequest(ctx, opBlock, protocol.NoBatchID, nil, func([]byte, error) {})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), held)

	// The next increment wraps to 0, then lands on the held id.
	client.nextID.Store(math.MaxUint32)
	done := make(chan result, 1)
	id, err := client.SendRequest(ctx, protocol.OpPing, protocol.NoBatchID, nil, func(p []byte, err error) {
		done <- result{payload: p, err: err}
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(2), id)

	payload, err := await(t, done)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProtocolVersion, readInt32(t, payload))
	assert.Equal(t, 1, client.PendingCount())
}

// readFrame consumes one stream frame from conn.
func readFrame(conn net.Conn) error {
	var hdr [8]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return err
	}
	body := make([]byte, binary.BigEndian.Uint32(hdr[4:8]))
	_, err := io.ReadFull(conn, body)
	return err
}

func TestPartialWriteClosesChannel(t *testing.T) {
	x, y := net.Pipe()
	defer y.Close()
	ch := New(transport.NewStream(x))
	require.NoError(t, ch.Start())
	defer ch.Close()

	read := make(chan error, 1)
	go func() { read <- readFrame(y) }()
	first := send(t, ch, opDouble, protocol.NoBatchID, doublePayload(1))
	require.NoError(t, <-read)
	require.Equal(t, 1, ch.PendingCount())

	// The peer takes only the header of the next frame.
	go func() {
		var hdr [8]byte
		_, err := io.ReadFull(y, hdr[:])
		read <- err
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	resolved := false
	_, err := ch.SendRequest(ctx, opDouble, protocol.NoBatchID, doublePayload(2), func([]byte, error) { resolved = true })
	require.NoError(t, <-read)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChannelClosed)
	assert.ErrorIs(t, err, transport.ErrBrokenFrame)
	assert.False(t, resolved)

	select {
	case <-ch.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("channel did not close after a partial write")
	}
	assert.Equal(t, StateClosed, ch.State())

	_, err = await(t, first)
	assert.ErrorIs(t, err, ErrChannelClosed)

	_, err = ch.SendRequest(context.Background(), protocol.OpPing, protocol.NoBatchID, nil, func([]byte, error) {})
	assert.ErrorIs(t, err, ErrChannelClosed)
}

// gatedManager blocks CreateBatchID until release and fails every free.
type gatedManager struct {
	entered chan struct{}
	release chan struct{}
}

func (m *gatedManager) CreateBatchID(context.Context) (int32, error) {
	close(m.entered)
	<-m.release
	return 9, nil
}

func (m *gatedManager) FreeBatchID(context.Context, int32) error {
	return errors.New("store unavailable")
}

func TestBatchIDCreatedDuringCloseIsFreed(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	mgr := &gatedManager{entered: make(chan struct{}), release: make(chan struct{})}
	client, server := newPair(t, nil, []Option{WithBatchIDManager(mgr), WithLogger(zap.New(core))})

	res := send(t, client, protocol.OpCreateBatchID, protocol.NoBatchID, nil)
	select {
	case <-mgr.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("create batch id did not reach the manager")
	}
	require.NoError(t, server.Close())
	close(mgr.release)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Wait(ctx))

	freeLogs := logs.FilterMessage("free batch id created during close").All()
	require.Len(t, freeLogs, 1)
	assert.Equal(t, int32(9), freeLogs[0].ContextMap()["batch_id"])

	_, err := await(t, res)
	assert.ErrorIs(t, err, ErrChannelClosed)
}
