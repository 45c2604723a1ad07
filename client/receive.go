package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"wsclient/protocol"
)

// DefaultReceiveBufferSize is the scratch buffer size handed to each Receive call
const DefaultReceiveBufferSize = 16 * 1024

var defaultScratchPool = newScratchPool(DefaultReceiveBufferSize)

func newScratchPool(size int) *sync.Pool {
	return &sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// scratchPool returns the shared pool for the default size, or a private one
func scratchPool(size int) *sync.Pool {
	if size <= 0 || size == DefaultReceiveBufferSize {
		return defaultScratchPool
	}
	return newScratchPool(size)
}

var errMessageTooBig = errors.New("message too big")

// receiveLoop runs once per open connection. It keeps reading after a local
// close has been sent so the peer's close reply is consumed.
func (c *Client) receiveLoop() {
	var acc bytes.Buffer

	c.logger.Debug().Msg("Receive loop started")
	for c.readable() {
		if err := c.receiveMessage(&acc); err != nil {
			c.handleReceiveError(err)
			break
		}
	}
	c.logger.Debug().Str("state", c.State().String()).Msg("Receive loop stopped")
}

func (c *Client) readable() bool {
	if c.ctx.Err() != nil {
		return false
	}
	s := c.socket.State()
	return s.IsOpen() || s == protocol.StateCloseSent
}

// receiveMessage reads fragments until end-of-message and dispatches the
// assembled payload. An oversized message is dropped fragment by fragment.
func (c *Client) receiveMessage(acc *bytes.Buffer) error {
	discarding := false
	for {
		res, err := c.receiveFragment(acc, discarding)
		if err != nil {
			acc.Reset()
			return err
		}

		if !discarding && c.maxMessageSize > 0 && int64(acc.Len()) > c.maxMessageSize {
			discarding = true
			acc.Reset()
			c.rejectOversized()
		}

		if !res.EndOfMessage {
			continue
		}
		if discarding {
			return nil
		}

		if res.Type == protocol.MessageClose {
			acc.Reset()
			c.handlePeerClose()
			return nil
		}

		payload := bytes.Clone(acc.Bytes())
		if payload == nil {
			payload = []byte{}
		}
		acc.Reset()

		c.stats.recordReceived(res.Type, len(payload))
		c.metrics.messageReceived(res.Type, len(payload))
		c.logger.Trace().Str("type", res.Type.String()).Int("bytes", len(payload)).Msg("Received message")
		c.events.emitMessage(res.Type, payload)
		return nil
	}
}

// receiveFragment reads one fragment through a pooled scratch buffer
func (c *Client) receiveFragment(acc *bytes.Buffer, discard bool) (protocol.ReceiveResult, error) {
	bufp := c.scratch.Get().(*[]byte)
	defer c.scratch.Put(bufp)

	res, err := c.socket.Receive(c.ctx, *bufp)
	if err != nil {
		return res, err
	}
	if !discard {
		acc.Write((*bufp)[:res.Count])
	}
	return res, nil
}

// rejectOversized reports an oversized message and closes with MessageTooBig.
// The close runs on its own goroutine because it needs this loop to read the
// peer's reply.
func (c *Client) rejectOversized() {
	err := protocol.NewSocketError(protocol.ErrorFaulted,
		fmt.Errorf("%w: exceeds %d bytes", errMessageTooBig, c.maxMessageSize))
	c.fail("receive", err)
	go c.Close(context.Background(), protocol.CloseMessageTooBig, "message too big")
}

// handlePeerClose dispatches a close message and the Close event for a close
// the peer started. Replies to our own close are reported by Close.
func (c *Client) handlePeerClose() {
	if c.closing.Load() {
		return
	}
	status, reason, ok := c.socket.CloseStatus()
	if !ok {
		status = protocol.CloseEmpty
	}

	c.stats.recordReceived(protocol.MessageClose, 0)
	c.metrics.messageReceived(protocol.MessageClose, 0)
	c.events.emitMessage(protocol.MessageClose, []byte{})

	c.cancel(errClosedByPeer)
	c.emitClose(status, reason)
}

func (c *Client) handleReceiveError(err error) {
	if c.ctx.Err() != nil || c.closing.Load() {
		c.logger.Debug().Err(err).Msg("Receive ended after close")
		return
	}
	c.fail("receive", err)
	c.cancel(fmt.Errorf("receive: %w", err))
}
