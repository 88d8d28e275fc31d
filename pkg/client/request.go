package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// Request is one typed management operation. WriteRequest encodes the
// payload; ReadResponse decodes the payload of a successful response.
type Request[T any] interface {
	Opcode() byte
	WriteRequest(w *mgmtbuf.Buffer) error
	ReadResponse(r *mgmtbuf.Reader) (T, error)
}

// Batched is implemented by requests that belong to a batch.
type Batched interface {
	BatchID() int32
}

type batchedRequest[T any] struct {
	Request[T]
	id int32
}

func (b batchedRequest[T]) BatchID() int32 { return b.id }

// InBatch sends req as part of the batch id.
func InBatch[T any](req Request[T], id int32) Request[T] {
	return batchedRequest[T]{Request: req, id: id}
}

// Future is the eventual result of one request. It completes exactly once.
type Future[T any] struct {
	done  chan struct{}
	once  sync.Once
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// complete records the outcome. Only the first call has an effect.
func (f *Future[T]) complete(v T, err error) bool {
	first := false
	f.once.Do(func() {
		f.value, f.err = v, err
		close(f.done)
		first = true
	})
	return first
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get waits for the outcome. If ctx ends first the error wraps ctx.Err()
// and the request stays pending on its channel.
func (f *Future[T]) Get(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("mgmt client: waiting for response: %w", ctx.Err())
	}
}

// Execute writes req on the channel chosen by s and returns without waiting
// for the response.
func Execute[T any](ctx context.Context, s ChannelStrategy, req Request[T]) (*Future[T], error) {
	ch, err := s.Channel(ctx)
	if err != nil {
		return nil, fmt.Errorf("mgmt client: get channel: %w", err)
	}

	buf := mgmtbuf.NewBuffer(64)
	if err := req.WriteRequest(buf); err != nil {
		return nil, fmt.Errorf("mgmt client: encode request 0x%02x: %w", req.Opcode(), err)
	}
	batchID := protocol.NoBatchID
	if b, ok := req.(Batched); ok {
		batchID = b.BatchID()
	}

	f := newFuture[T]()
	_, err = ch.SendRequest(ctx, req.Opcode(), batchID, buf.Bytes(), func(payload []byte, err error) {
		var zero T
		if err != nil {
			f.complete(zero, fromRemote(err))
			return
		}
		v, err := req.ReadResponse(mgmtbuf.NewReader(payload))
		if err != nil {
			f.complete(zero, fmt.Errorf("mgmt client: decode response 0x%02x: %w", req.Opcode(), err))
			return
		}
		f.complete(v, nil)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// ExecuteForResult is Execute followed by Get.
func ExecuteForResult[T any](ctx context.Context, s ChannelStrategy, req Request[T]) (T, error) {
	f, err := Execute(ctx, s, req)
	if err != nil {
		var zero T
		return zero, err
	}
	return f.Get(ctx)
}

// fromRemote adds the batch sentinel to remote batch id failures so callers
// can match batch.ErrNoManager and batch.ErrUnknownBatchID.
func fromRemote(err error) error {
	var re *protocol.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	if s := batch.FromRemote(re); s != nil {
		return fmt.Errorf("%w: %w", s, re)
	}
	return err
}
