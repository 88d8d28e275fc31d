// Package transport defines the Transport interface the management channel
// runs on, along with a framed stream implementation over net.Conn.
package transport

import "context"

// Transport is an ordered, reliable, message-level connection. Each call to
// Send/Recv moves one complete management message. Implementations handle
// framing and connection management internally.
type Transport interface {
	// Send transmits a single message. The context may carry a deadline.
	// Send is safe for concurrent use. A Send that fails after writing
	// started leaves the transport unusable.
	Send(ctx context.Context, msg []byte) error

	// Recv blocks until a complete message arrives. Only one goroutine may
	// call Recv at a time.
	Recv(ctx context.Context) ([]byte, error)

	// Close shuts down the transport, releasing all resources. It is safe
	// to call Close concurrently with Send/Recv; blocked operations will
	// return an error.
	Close() error
}
