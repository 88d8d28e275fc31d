package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/channel"
	"github.com/strand-protocol/strand/mgmtapi/pkg/client"
	"github.com/strand-protocol/strand/mgmtapi/pkg/observability"
	"github.com/strand-protocol/strand/mgmtapi/pkg/ops"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
)

// startServer serves s on a loopback port and stops it when the test ends.
func startServer(t *testing.T, s *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()
	t.Cleanup(func() {
		s.Stop()
		select {
		case err := <-served:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Stop")
		}
	})
	return l.Addr().String()
}

func dial(t *testing.T, addr string) *client.Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, addr)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServeOperations(t *testing.T) {
	s := New(WithHandler(ops.NewRegistry()), WithLogger(zaptest.NewLogger(t)))
	addr := startServer(t, s)
	c := dial(t, addr)
	ctx := testContext(t)

	got, err := client.ExecuteForResult[int32](ctx, c.Strategy(), ops.DoubleRequest{Value: 600})
	require.NoError(t, err)
	assert.Equal(t, int32(1200), got)

	v, err := c.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, protocol.ProtocolVersion, v)
}

func TestBatchManagerPerChannel(t *testing.T) {
	s := New()
	addr := startServer(t, s)
	ctx := testContext(t)

	first, err := dial(t, addr).CreateBatchID(ctx)
	require.NoError(t, err)
	second, err := dial(t, addr).CreateBatchID(ctx)
	require.NoError(t, err)
	// Each connection has its own manager, so both start at 1.
	assert.Equal(t, int32(1), first)
	assert.Equal(t, int32(1), second)
}

func TestSharedBatchManager(t *testing.T) {
	mgr := batch.NewMemoryManager()
	s := New(WithBatchManagerFactory(func() batch.Manager { return mgr }))
	addr := startServer(t, s)
	ctx := testContext(t)

	first, err := dial(t, addr).CreateBatchID(ctx)
	require.NoError(t, err)
	c := dial(t, addr)
	second, err := c.CreateBatchID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	require.NoError(t, c.FreeBatchID(ctx, second))
	assert.Equal(t, 1, mgr.Outstanding())
}

func TestNoBatchManager(t *testing.T) {
	s := New(WithBatchManagerFactory(nil))
	addr := startServer(t, s)

	_, err := dial(t, addr).CreateBatchID(testContext(t))
	assert.ErrorIs(t, err, batch.ErrNoManager)
}

func TestStopClosesChannels(t *testing.T) {
	m := observability.NewMetrics()
	s := New(WithHandler(ops.NewRegistry()), WithMetrics(m))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.Serve(l) }()

	c := dial(t, l.Addr().String())
	ctx := testContext(t)
	ch, err := c.Strategy().Channel(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.ChannelCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), m.GetMetrics()["channels_open"])

	s.Stop()
	require.NoError(t, <-served)
	select {
	case <-ch.Done():
	case <-ctx.Done():
		t.Fatal("client channel not closed by server stop")
	}
	assert.Equal(t, 0, s.ChannelCount())
	assert.Equal(t, int64(0), m.GetMetrics()["channels_open"])

	s.Stop()
	assert.ErrorIs(t, s.Serve(l), ErrServerClosed)
}

func TestClientDisconnectRemovesChannel(t *testing.T) {
	s := New()
	addr := startServer(t, s)
	c := dial(t, addr)

	require.Eventually(t, func() bool { return s.ChannelCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, c.Close())
	require.Eventually(t, func() bool { return s.ChannelCount() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestServerRequestsToClient(t *testing.T) {
	pings := make(chan int32, 1)
	s := New(WithChannelHandler(func(ch *channel.Channel) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			v, err := client.Ping(ctx, client.Existing(ch))
			if err == nil {
				pings <- v
			}
		}()
	}))
	addr := startServer(t, s)
	dial(t, addr)

	select {
	case v := <-pings:
		assert.Equal(t, protocol.ProtocolVersion, v)
	case <-time.After(5 * time.Second):
		t.Fatal("server could not ping the client")
	}
}

func TestListenAndServeBadAddress(t *testing.T) {
	s := New()
	err := s.ListenAndServe("256.0.0.1:bad")
	assert.Error(t, err)
}
