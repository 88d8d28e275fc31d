// Package client provides the management request engine: typed requests,
// futures for their responses, channel strategies, and a Client with helpers
// for the operations every management channel answers.
package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// Option configures a Client during construction.
type Option func(*Client)

// WithChannel sends every request on ch instead of dialling. This is useful
// for testing or when the channel also serves requests from the peer.
func WithChannel(ch *channel.Channel) Option {
	return func(c *Client) {
		c.strategy = Existing(ch)
	}
}

// WithChannelOptions applies opts to channels the Client dials.
func WithChannelOptions(opts ...channel.Option) Option {
	return func(c *Client) {
		c.channelOpts = append(c.channelOpts, opts...)
	}
}

// Client is the primary entry point for management consumers.
type Client struct {
	strategy    ChannelStrategy
	channelOpts []channel.Option
	mu          sync.Mutex
	closed      bool
}

// Dial creates a Client for the management endpoint at addr and connects
// to it.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	c := &Client{}
	for _, opt := range opts {
		opt(c)
	}
	if c.strategy == nil {
		c.strategy = NewDialStrategy(addr, c.channelOpts...)
	}
	if _, err := c.strategy.Channel(ctx); err != nil {
		return nil, fmt.Errorf("mgmt client: dial: %w", err)
	}
	return c, nil
}

// Strategy returns the strategy the Client sends on, for use with Execute.
func (c *Client) Strategy() ChannelStrategy { return c.strategy }

// CreateBatchID asks the peer's batch id manager for a new id.
func (c *Client) CreateBatchID(ctx context.Context) (int32, error) {
	return CreateBatchID(ctx, c.strategy)
}

// FreeBatchID releases id on the peer.
func (c *Client) FreeBatchID(ctx context.Context, id int32) error {
	return FreeBatchID(ctx, c.strategy, id)
}

// Ping returns the protocol version the peer serves.
func (c *Client) Ping(ctx context.Context) (int32, error) {
	return Ping(ctx, c.strategy)
}

// Close shuts down a dialled channel. A channel passed in WithChannel stays
// open.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if d, ok := c.strategy.(*DialStrategy); ok {
		return d.Close()
	}
	return nil
}

// CreateBatchID asks the peer for a new batch id. A peer without a manager
// fails with an error matching batch.ErrNoManager.
func CreateBatchID(ctx context.Context, s ChannelStrategy) (int32, error) {
	return ExecuteForResult[int32](ctx, s, createBatchIDRequest{})
}

// FreeBatchID releases a batch id created by CreateBatchID.
func FreeBatchID(ctx context.Context, s ChannelStrategy, id int32) error {
	_, err := ExecuteForResult[struct{}](ctx, s, freeBatchIDRequest{id: id})
	return err
}

// Ping round-trips the peer and returns its protocol version.
func Ping(ctx context.Context, s ChannelStrategy) (int32, error) {
	return ExecuteForResult[int32](ctx, s, pingRequest{})
}

type createBatchIDRequest struct{}

func (createBatchIDRequest) Opcode() byte                      { return protocol.OpCreateBatchID }
func (createBatchIDRequest) WriteRequest(*mgmtbuf.Buffer) error { return nil }

func (createBatchIDRequest) ReadResponse(r *mgmtbuf.Reader) (int32, error) {
	return r.ReadInt32()
}

type freeBatchIDRequest struct {
	id int32
}

func (freeBatchIDRequest) Opcode() byte { return protocol.OpFreeBatchID }

func (q freeBatchIDRequest) WriteRequest(w *mgmtbuf.Buffer) error {
	w.WriteInt32(q.id)
	return nil
}

func (freeBatchIDRequest) ReadResponse(*mgmtbuf.Reader) (struct{}, error) {
	return struct{}{}, nil
}

type pingRequest struct{}

func (pingRequest) Opcode() byte                      { return protocol.OpPing }
func (pingRequest) WriteRequest(*mgmtbuf.Buffer) error { return nil }

func (pingRequest) ReadResponse(r *mgmtbuf.Reader) (int32, error) {
	return r.ReadInt32()
}
