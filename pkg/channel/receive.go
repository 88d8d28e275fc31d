package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/strand-protocol/strand/mgmtapi/pkg/batch"
	"github.com/strand-protocol/strand/mgmtapi/pkg/mgmtbuf"
	"github.com/strand-protocol/strand/mgmtapi/pkg/protocol"
	"github.com/strand-protocol/strand/mgmtapi/pkg/transport"
)

// receiveLoop reads messages until the transport fails or the channel is
// closed. It never writes to the transport itself: replies are sent from
// handler goroutines so a synchronous transport cannot deadlock the loop.
func (c *Channel) receiveLoop() {
	defer close(c.loopDone)
	for {
		msg, err := c.transport.Recv(context.Background())
		if err != nil {
			if c.State() != StateClosed {
				c.log.Debug("recv failed", zap.Error(err))
			}
			c.shutdown(err)
			return
		}

		typ, err := protocol.MessageType(msg)
		if err != nil {
			c.metrics.IncFramingError()
			continue
		}
		switch typ {
		case protocol.TypeResponse:
			c.handleResponse(msg)
		case protocol.TypeRequest:
			c.handleRequest(msg)
		default:
			c.metrics.IncFramingError()
			c.log.Warn("dropping message with unknown type", zap.Uint8("type", typ), zap.Int("len", len(msg)))
		}
	}
}

func (c *Channel) handleResponse(msg []byte) {
	resp, err := protocol.DecodeResponse(msg)
	if err != nil {
		c.metrics.IncFramingError()
		id, ok := protocol.PeekCorrelationID(msg)
		if !ok {
			c.log.Warn("dropping malformed response", zap.Error(err))
			return
		}
		if p := c.takePending(id); p != nil {
			c.metrics.IncRequestFailed()
			p.resolve(nil, fmt.Errorf("mgmt channel: decode response: %w", err))
		}
		return
	}

	p := c.takePending(resp.CorrelationID)
	if p == nil {
		c.metrics.IncUnknownResponse()
		c.log.Warn("response for unknown request", zap.Uint32("correlation_id", resp.CorrelationID))
		return
	}
	if resp.Err != nil {
		c.metrics.IncRequestFailed()
		p.resolve(nil, resp.Err)
		return
	}
	c.metrics.ObserveResponse(time.Since(p.createdAt))
	p.resolve(resp.Payload, nil)
}

func (c *Channel) handleRequest(msg []byte) {
	req, err := protocol.DecodeRequest(msg)
	if err != nil {
		c.metrics.IncFramingError()
		id, ok := protocol.PeekCorrelationID(msg)
		if !ok {
			c.log.Warn("dropping malformed request", zap.Error(err))
			return
		}
		c.goReply(&protocol.Response{
			CorrelationID: id,
			Err:           &protocol.RemoteError{Code: protocol.ErrCodeInvalidRequest, Message: err.Error()},
		})
		return
	}

	// Dispatch in a goroutine bounded by the semaphore. Requests above the
	// limit are refused rather than queued.
	select {
	case c.sem <- struct{}{}:
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() { <-c.sem }()
			c.dispatch(req)
		}()
	default:
		c.metrics.IncOverloaded()
		c.log.Warn("overloaded, refusing request",
			zap.Uint32("correlation_id", req.CorrelationID), zap.Uint8("opcode", req.Opcode))
		c.goReply(&protocol.Response{
			CorrelationID: req.CorrelationID,
			Err: &protocol.RemoteError{
				Code:    protocol.ErrCodeOverloaded,
				Message: fmt.Sprintf("more than %d requests in flight", c.maxConcurrent),
			},
		})
	}
}

// goReply sends resp without blocking the receive loop.
func (c *Channel) goReply(resp *protocol.Response) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reply(resp)
	}()
}

func (c *Channel) reply(resp *protocol.Response) {
	if err := c.transport.Send(context.Background(), resp.Encode()); err != nil {
		if c.State() == StateClosed {
			return
		}
		c.log.Warn("send response", zap.Uint32("correlation_id", resp.CorrelationID), zap.Error(err))
		if errors.Is(err, transport.ErrMessageTooLarge) {
			if resp.Err == nil {
				c.reply(&protocol.Response{
					CorrelationID: resp.CorrelationID,
					Err:           &protocol.RemoteError{Code: protocol.ErrCodeInternal, Message: err.Error()},
				})
			}
			return
		}
		c.shutdown(err)
	}
}

// dispatch serves one request and writes exactly one response for it.
func (c *Channel) dispatch(req *protocol.Request) {
	payload, err := c.execute(req)
	resp := &protocol.Response{CorrelationID: req.CorrelationID}
	if err != nil {
		c.metrics.IncHandlerError()
		resp.Err = protocol.ToRemoteError(err)
		if errors.Is(err, ErrChannelClosed) {
			re := *resp.Err
			re.Code = protocol.ErrCodeChannelClosed
			resp.Err = &re
		}
		c.log.Debug("request failed",
			zap.Uint32("correlation_id", req.CorrelationID),
			zap.Uint8("opcode", req.Opcode),
			zap.Uint16("code", resp.Err.Code),
			zap.Error(err))
	} else {
		c.metrics.IncRequestHandled()
		resp.Payload = payload
	}
	c.reply(resp)
}

func (c *Channel) execute(req *protocol.Request) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("request handler panicked",
				zap.Uint32("correlation_id", req.CorrelationID),
				zap.Uint8("opcode", req.Opcode),
				zap.Any("panic", r))
			payload, err = nil, fmt.Errorf("mgmt channel: handler for opcode 0x%02x panicked: %v", req.Opcode, r)
		}
	}()

	if req.Version <= 0 || req.Version > c.version {
		return nil, fmt.Errorf("%w: got %d, serving up to %d", protocol.ErrUnsupportedVersion, req.Version, c.version)
	}

	rc := &RequestContext{
		ctx:           c.ctx,
		Channel:       c,
		CorrelationID: req.CorrelationID,
		Opcode:        req.Opcode,
		Version:       req.Version,
		BatchID:       req.BatchID,
	}
	r := mgmtbuf.NewReader(req.Payload)
	w := mgmtbuf.NewBuffer(64)

	if protocol.IsReserved(req.Opcode) {
		if err := c.handleReserved(rc, r, w); err != nil {
			return nil, err
		}
		return w.Bytes(), nil
	}

	c.mu.Lock()
	oh := c.handler
	c.mu.Unlock()
	if oh == nil {
		return nil, fmt.Errorf("%w: opcode 0x%02x (no operation handler installed)", protocol.ErrUnknownOperation, req.Opcode)
	}
	h, ok := oh.RequestHandler(req.Opcode)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: opcode 0x%02x", protocol.ErrUnknownOperation, req.Opcode)
	}
	if err := h.ReadRequest(rc, r); err != nil {
		return nil, err
	}
	if err := h.WriteResponse(rc, w); err != nil {
		return nil, err
	}
	return w.Bytes(), nil
}

func (c *Channel) handleReserved(rc *RequestContext, r *mgmtbuf.Reader, w *mgmtbuf.Buffer) error {
	switch rc.Opcode {
	case protocol.OpPing:
		w.WriteInt32(c.version)
		return nil

	case protocol.OpCreateBatchID:
		mgr := c.BatchIDManager()
		if mgr == nil {
			return batch.ErrNoManager
		}
		id, err := mgr.CreateBatchID(rc.Context())
		if err != nil {
			return err
		}
		c.mu.Lock()
		closed := c.State() == StateClosed
		if !closed {
			c.batchIDs[id] = struct{}{}
		}
		c.mu.Unlock()
		if closed {
			// Shutdown already swept this channel's ids.
			if err := mgr.FreeBatchID(context.Background(), id); err != nil {
				c.log.Warn("free batch id created during close", zap.Int32("batch_id", id), zap.Error(err))
			}
			return ErrChannelClosed
		}
		w.WriteInt32(id)
		return nil

	case protocol.OpFreeBatchID:
		id, err := r.ReadInt32()
		if err != nil {
			return fmt.Errorf("mgmt channel: read batch id: %w", err)
		}
		mgr := c.BatchIDManager()
		if mgr == nil {
			return batch.ErrNoManager
		}
		if err := mgr.FreeBatchID(rc.Context(), id); err != nil {
			return err
		}
		c.mu.Lock()
		delete(c.batchIDs, id)
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("%w: reserved opcode 0x%02x", protocol.ErrUnknownOperation, rc.Opcode)
}
