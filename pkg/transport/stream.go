package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

// Stream transport wire constants.
const (
	StreamMagic   uint16 = 0x4D47 // "MG"
	StreamVersion byte   = 1
	streamHdrSize        = 8 // 2B magic + 1B version + 1B flags + 4B length
	// MaxMessageSize bounds a single message (16 MiB).
	MaxMessageSize = 16 << 20
)

var (
	ErrInvalidMagic    = errors.New("mgmt transport: invalid magic bytes")
	ErrVersionMismatch = errors.New("mgmt transport: unsupported version")
	ErrMessageTooLarge = errors.New("mgmt transport: message exceeds maximum size")
	ErrTransportClosed = errors.New("mgmt transport: transport is closed")
	// ErrBrokenFrame reports a write that failed after the frame may have
	// been partly sent. The transport is closed.
	ErrBrokenFrame = errors.New("mgmt transport: frame partly written")
)

// StreamTransport frames management messages over a net.Conn.
type StreamTransport struct {
	conn    net.Conn
	writeMu sync.Mutex
	mu      sync.Mutex
	closed  bool
}

// NewStream wraps an established connection.
func NewStream(conn net.Conn) *StreamTransport {
	return &StreamTransport{conn: conn}
}

// Dial connects to a management endpoint over TCP.
func Dial(ctx context.Context, addr string) (*StreamTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mgmt transport: dial %s: %w", addr, err)
	}
	return NewStream(conn), nil
}

// Pipe returns two connected in-memory transports.
func Pipe() (*StreamTransport, *StreamTransport) {
	a, b := net.Pipe()
	return NewStream(a), NewStream(b)
}

func (t *StreamTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Send transmits a single framed message. A failed write leaves the stream
// without a frame boundary, so Send closes the transport and later calls
// fail with ErrTransportClosed.
func (t *StreamTransport) Send(ctx context.Context, msg []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if len(msg) > MaxMessageSize {
		return ErrMessageTooLarge
	}

	frame := make([]byte, streamHdrSize+len(msg))
	binary.BigEndian.PutUint16(frame[0:2], StreamMagic)
	frame[2] = StreamVersion
	frame[3] = 0 // flags (reserved)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(msg)))
	copy(frame[streamHdrSize:], msg)

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetWriteDeadline(deadline); err != nil {
			return t.mapErr(err)
		}
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := t.conn.Write(frame); err != nil {
		err = t.mapErr(err)
		if errors.Is(err, ErrTransportClosed) {
			return err
		}
		_ = t.Close()
		return fmt.Errorf("%w: %w", ErrBrokenFrame, err)
	}
	return nil
}

// Recv blocks until a complete framed message arrives.
func (t *StreamTransport) Recv(ctx context.Context) ([]byte, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return nil, t.mapErr(err)
		}
	}
	// When ctx is cancelled, set an expired read deadline so the read
	// unblocks promptly.
	if ctx.Done() != nil {
		readDone := make(chan struct{})
		defer close(readDone)
		go func() {
			select {
			case <-ctx.Done():
				_ = t.conn.SetReadDeadline(time.Now())
			case <-readDone:
			}
		}()
	}

	var hdr [streamHdrSize]byte
	if _, err := io.ReadFull(t.conn, hdr[:]); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, t.mapErr(err)
	}
	if binary.BigEndian.Uint16(hdr[0:2]) != StreamMagic {
		return nil, ErrInvalidMagic
	}
	if hdr[2] != StreamVersion {
		return nil, ErrVersionMismatch
	}
	length := binary.BigEndian.Uint32(hdr[4:8])
	if length > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	msg := make([]byte, length)
	if _, err := io.ReadFull(t.conn, msg); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mgmt transport: read message: %w", t.mapErr(err))
	}
	return msg, nil
}

// mapErr reports ErrTransportClosed for failures caused by our own Close.
func (t *StreamTransport) mapErr(err error) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return err
}

// Close shuts down the stream transport.
func (t *StreamTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// LocalAddr returns the local network address of the underlying connection.
func (t *StreamTransport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// RemoteAddr returns the peer's network address.
func (t *StreamTransport) RemoteAddr() net.Addr {
	return t.conn.RemoteAddr()
}

// Listener accepts stream transports.
type Listener struct {
	l net.Listener
}

// Listen binds a TCP listener to addr.
func Listen(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mgmt transport: listen %s: %w", addr, err)
	}
	return &Listener{l: l}, nil
}

// NewListener wraps an existing net.Listener.
func NewListener(l net.Listener) *Listener {
	return &Listener{l: l}
}

// Accept waits for the next connection.
func (l *Listener) Accept() (*StreamTransport, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return NewStream(conn), nil
}

// Close stops the listener.
func (l *Listener) Close() error {
	return l.l.Close()
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}
