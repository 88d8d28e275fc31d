// Package ops holds the sample management operations served by mgmtctl:
// double, which returns twice an int32, and echo, which returns its payload.
// Each operation has a client request type and a server request handler.
package ops

import (
	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// Operation opcodes.
const (
	OpDouble byte = 0x01
	OpEcho   byte = 0x02
)

// Payload tags written before each operation's fields.
const (
	DoubleRequestHeader  byte = 11
	DoubleResponseHeader byte = 22
	EchoHeader           byte = 33
)

// NewRegistry returns a registry serving every operation in this package.
func NewRegistry() *channel.Registry {
	return channel.NewRegistry().
		MustRegister(OpDouble, func() channel.RequestHandler { return &DoubleHandler{} }).
		MustRegister(OpEcho, func() channel.RequestHandler { return &EchoHandler{} })
}

// DoubleRequest asks the peer to double Value.
type DoubleRequest struct {
	Value int32
}

func (DoubleRequest) Opcode() byte { return OpDouble }

func (q DoubleRequest) WriteRequest(w *mgmtbuf.Buffer) error {
	w.WriteHeader(DoubleRequestHeader)
	w.WriteInt32(q.Value)
	return nil
}

func (DoubleRequest) ReadResponse(r *mgmtbuf.Reader) (int32, error) {
	if err := protocol.ExpectHeader(r, DoubleResponseHeader); err != nil {
		return 0, err
	}
	return r.ReadInt32()
}

// DoubleHandler serves one double request.
type DoubleHandler struct {
	value int32
}

func (h *DoubleHandler) ReadRequest(_ *channel.RequestContext, r *mgmtbuf.Reader) error {
	if err := protocol.ExpectHeader(r, DoubleRequestHeader); err != nil {
		return err
	}
	v, err := r.ReadInt32()
	if err != nil {
		return err
	}
	h.value = v
	return nil
}

func (h *DoubleHandler) WriteResponse(_ *channel.RequestContext, w *mgmtbuf.Buffer) error {
	w.WriteHeader(DoubleResponseHeader)
	w.WriteInt32(h.value * 2)
	return nil
}

// EchoRequest asks the peer to send Data back.
type EchoRequest struct {
	Data []byte
}

func (EchoRequest) Opcode() byte { return OpEcho }

func (q EchoRequest) WriteRequest(w *mgmtbuf.Buffer) error {
	w.WriteHeader(EchoHeader)
	w.WriteBytes(q.Data)
	return nil
}

func (EchoRequest) ReadResponse(r *mgmtbuf.Reader) ([]byte, error) {
	if err := protocol.ExpectHeader(r, EchoHeader); err != nil {
		return nil, err
	}
	return r.ReadBytes()
}

// EchoHandler serves one echo request.
type EchoHandler struct {
	data []byte
}

func (h *EchoHandler) ReadRequest(_ *channel.RequestContext, r *mgmtbuf.Reader) error {
	if err := protocol.ExpectHeader(r, EchoHeader); err != nil {
		return err
	}
	data, err := r.ReadBytes()
	if err != nil {
		return err
	}
	h.data = data
	return nil
}

func (h *EchoHandler) WriteResponse(_ *channel.RequestContext, w *mgmtbuf.Buffer) error {
	w.WriteHeader(EchoHeader)
	w.WriteBytes(h.data)
	return nil
}
