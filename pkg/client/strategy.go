package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/transport"
)

// ChannelStrategy chooses the channel a request is sent on.
type ChannelStrategy interface {
	Channel(ctx context.Context) (*channel.Channel, error)
}

type existingStrategy struct {
	ch *channel.Channel
}

// Existing always uses ch, which must already be started.
func Existing(ch *channel.Channel) ChannelStrategy {
	return existingStrategy{ch: ch}
}

func (s existingStrategy) Channel(context.Context) (*channel.Channel, error) {
	if s.ch.State() == channel.StateClosed {
		return nil, channel.ErrChannelClosed
	}
	return s.ch, nil
}

// DialStrategy connects on first use, reuses the channel while it is open
// and dials again once it has closed.
type DialStrategy struct {
	addr string
	opts []channel.Option

	mu     sync.Mutex
	ch     *channel.Channel
	closed bool
}

// NewDialStrategy returns a strategy for the server at addr. opts apply to
// every channel it creates.
func NewDialStrategy(addr string, opts ...channel.Option) *DialStrategy {
	return &DialStrategy{addr: addr, opts: opts}
}

// Channel returns the open channel, dialling a new one if needed.
func (d *DialStrategy) Channel(ctx context.Context) (*channel.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, channel.ErrChannelClosed
	}
	if d.ch != nil && d.ch.State() != channel.StateClosed {
		return d.ch, nil
	}

	t, err := transport.Dial(ctx, d.addr)
	if err != nil {
		return nil, err
	}
	ch := channel.New(t, d.opts...)
	if err := ch.Start(); err != nil {
		ch.Close()
		return nil, fmt.Errorf("mgmt client: start channel: %w", err)
	}
	d.ch = ch
	return ch, nil
}

// Close closes the current channel and stops further dialling.
func (d *DialStrategy) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.ch != nil {
		return d.ch.Close()
	}
	return nil
}
