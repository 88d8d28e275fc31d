package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// RequestContext describes the request a RequestHandler instance serves.
type RequestContext struct {
	ctx           context.Context
	Channel       *Channel
	CorrelationID uint32
	Opcode        byte
	Version       int32
	// BatchID is protocol.NoBatchID for requests outside a batch.
	BatchID int32
}

// Context is cancelled when the channel closes.
func (rc *RequestContext) Context() context.Context {
	return rc.ctx
}

// RequestHandler serves exactly one request. ReadRequest runs first and may
// stage state on the handler; WriteResponse runs after it on the same
// instance. Each is called once.
type RequestHandler interface {
	ReadRequest(rc *RequestContext, r *mgmtbuf.Reader) error
	WriteResponse(rc *RequestContext, w *mgmtbuf.Buffer) error
}

// OperationHandler resolves an opcode to a handler for one request. It must
// return a fresh RequestHandler per call, since requests on a channel run
// concurrently.
type OperationHandler interface {
	RequestHandler(opcode byte) (RequestHandler, bool)
}

// OperationHandlerFunc is an adapter to allow use of ordinary functions as
// OperationHandlers.
type OperationHandlerFunc func(opcode byte) (RequestHandler, bool)

// RequestHandler calls f(opcode).
func (f OperationHandlerFunc) RequestHandler(opcode byte) (RequestHandler, bool) {
	return f(opcode)
}

// HandlerFactory builds the RequestHandler for one request.
type HandlerFactory func() RequestHandler

// Registry is an OperationHandler backed by one factory per opcode.
type Registry struct {
	mu        sync.RWMutex
	factories map[byte]HandlerFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[byte]HandlerFactory)}
}

// Register installs the factory for opcode, replacing any earlier one.
// Reserved opcodes cannot be registered.
func (r *Registry) Register(opcode byte, f HandlerFactory) error {
	if protocol.IsReserved(opcode) {
		return fmt.Errorf("mgmt channel: opcode 0x%02x is reserved for %s", opcode, protocol.OpNames[opcode])
	}
	if f == nil {
		return fmt.Errorf("mgmt channel: nil factory for opcode 0x%02x", opcode)
	}
	r.mu.Lock()
	r.factories[opcode] = f
	r.mu.Unlock()
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(opcode byte, f HandlerFactory) *Registry {
	if err := r.Register(opcode, f); err != nil {
		panic(err)
	}
	return r
}

// RequestHandler builds a new handler for opcode.
func (r *Registry) RequestHandler(opcode byte) (RequestHandler, bool) {
	r.mu.RLock()
	f, ok := r.factories[opcode]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}
