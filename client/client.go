// Package client wraps a protocol.Socket with an event-callback surface:
// open, error, close and message notifications over connect, send, receive
// and close primitives.
//
// Failures never surface as returned errors. Subscribe to OnError and
// OnClose to observe them.
package client

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"wsclient/adapters/gorilla"
	"wsclient/protocol"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	errClosedLocally = errors.New("connection closed locally")
	errClosedByPeer  = errors.New("connection closed by peer")
	errDisposed      = errors.New("client disposed")
	errOpenFailed    = errors.New("open failed")
)

// Options configures a Client
type Options struct {
	// Socket is the underlying engine; nil uses a gorilla socket built from SocketOptions
	Socket        protocol.Socket
	SocketOptions protocol.SocketOptions

	Logger *zerolog.Logger // nil disables logging
	// Metrics may be shared by many clients; nil records nothing
	Metrics *Metrics

	// ReceiveBufferSize is the scratch buffer size per receive call (default 16 KiB)
	ReceiveBufferSize int
	// MaxMessageSize caps an assembled message; 0 means unlimited
	MaxMessageSize int64
}

// Client is a WebSocket connection handle with event callbacks. A Client
// connects at most once; create a new one to reconnect.
type Client struct {
	id      string
	socket  protocol.Socket
	logger  zerolog.Logger
	metrics *Metrics
	stats   *ConnectionStats
	events  dispatcher

	maxMessageSize int64
	scratch        *sync.Pool

	uri atomic.Pointer[url.URL]

	// cancelled on local close, peer close, receive fault and Dispose
	ctx    context.Context
	cancel context.CancelCauseFunc

	opening      atomic.Bool
	closing      atomic.Bool
	closeEmitted atomic.Bool
	counted      atomic.Bool
	disposed     atomic.Bool
}

// New creates a Client in the None state
func New(opts Options) *Client {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	socket := opts.Socket
	if socket == nil {
		socket = gorilla.New(opts.SocketOptions)
	}

	id := uuid.New().String()
	ctx, cancel := context.WithCancelCause(context.Background())

	return &Client{
		id:             id,
		socket:         socket,
		logger:         logger.With().Str("connID", id).Logger(),
		metrics:        opts.Metrics,
		stats:          newConnectionStats(),
		maxMessageSize: opts.MaxMessageSize,
		scratch:        scratchPool(opts.ReceiveBufferSize),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// ID returns the unique identifier assigned to this client
func (c *Client) ID() string { return c.id }

// State returns the underlying socket state
func (c *Client) State() protocol.State { return c.socket.State() }

// IsOpen reports whether the connection is open or connecting
func (c *Client) IsOpen() bool { return c.socket.State().IsOpen() }

// SubProtocol returns the subprotocol negotiated during the handshake
func (c *Client) SubProtocol() string { return c.socket.SubProtocol() }

// Options returns the options of the underlying socket
func (c *Client) Options() protocol.SocketOptions { return c.socket.Options() }

// URI returns the address passed to Open, or nil before Open
func (c *Client) URI() *url.URL { return c.uri.Load() }

// Stats returns a snapshot of this connection's traffic counters
func (c *Client) Stats() StatsSnapshot { return c.stats.Snapshot() }

// Done is closed when the connection has ended, for whatever reason
func (c *Client) Done() <-chan struct{} { return c.ctx.Done() }

// ReadString decodes a UTF-8 message payload
func ReadString(payload []byte) string {
	return strings.ToValidUTF8(string(payload), "\uFFFD")
}

// Open connects to rawURI. It is a no-op if the client is already open or
// connecting. On success the receive loop starts and Open handlers run; on
// failure Error handlers run, followed by Close handlers if the socket
// reports a close status.
func (c *Client) Open(ctx context.Context, rawURI string) {
	if c.disposed.Load() || c.IsOpen() {
		c.logger.Debug().Str("state", c.State().String()).Msg("Open ignored")
		return
	}
	if !c.opening.CompareAndSwap(false, true) {
		return
	}
	defer c.opening.Store(false)

	uri, err := protocol.ParseURI(rawURI)
	if err != nil {
		c.fail("open", err)
		c.cancel(errOpenFailed)
		return
	}
	c.uri.Store(uri)

	opCtx, done := c.operationContext(ctx)
	err = c.socket.Connect(opCtx, uri)
	done()
	if err != nil {
		c.fail("open", err)
		c.cancel(errOpenFailed)
		return
	}

	c.counted.Store(true)
	c.metrics.connectionOpened()
	c.stats.markOpened()

	go c.receiveLoop()

	c.logger.Info().
		Str("uri", uri.Redacted()).
		Str("subprotocol", c.socket.SubProtocol()).
		Msg("WebSocket connection opened")
	c.events.emitOpen()
}

// Close performs the closing handshake with status and reason. It is a no-op
// unless the client is open. The connection context is cancelled whatever
// the outcome, which stops the receive loop.
func (c *Client) Close(ctx context.Context, status protocol.CloseStatus, reason string) {
	if c.disposed.Load() || !c.IsOpen() {
		c.logger.Debug().Str("state", c.State().String()).Msg("Close ignored")
		return
	}
	if !c.closing.CompareAndSwap(false, true) {
		return
	}
	defer c.cancel(errClosedLocally)

	opCtx, done := c.operationContext(ctx)
	err := c.socket.Close(opCtx, status, reason)
	done()
	if err != nil {
		c.fail("close", err)
		return
	}

	c.cancel(errClosedLocally)

	// report what the peer echoed when the socket saw it
	if peerStatus, peerReason, ok := c.socket.CloseStatus(); ok {
		status, reason = peerStatus, peerReason
	}
	c.emitClose(status, reason)
}

// Dispose cancels the connection, aborts the socket and releases resources.
// Safe to call more than once and from any goroutine, including handlers.
func (c *Client) Dispose() {
	if !c.disposed.CompareAndSwap(false, true) {
		return
	}
	c.cancel(errDisposed)
	c.socket.Abort()
	c.markDown()
	c.logger.Debug().Msg("Client disposed")
}

// Send sends data as a single binary message. No-op unless open.
func (c *Client) Send(ctx context.Context, data []byte) {
	c.send(ctx, protocol.MessageBinary, data)
}

// SendText sends text as a single UTF-8 text message. No-op unless open.
func (c *Client) SendText(ctx context.Context, text string) {
	c.send(ctx, protocol.MessageText, []byte(strings.ToValidUTF8(text, "\uFFFD")))
}

// SendChunks sends pre-chunked data as one message of the given type. No-op unless open.
func (c *Client) SendChunks(ctx context.Context, messageType protocol.MessageType, chunks ...[]byte) {
	c.send(ctx, messageType, chunks...)
}

func (c *Client) send(ctx context.Context, messageType protocol.MessageType, chunks ...[]byte) {
	if c.disposed.Load() || !c.IsOpen() {
		c.logger.Debug().Str("state", c.State().String()).Msg("Send ignored")
		return
	}

	opCtx, done := c.operationContext(ctx)
	defer done()

	if err := c.socket.Send(opCtx, messageType, chunks...); err != nil {
		c.fail("send", err)
		return
	}

	n := 0
	for _, chunk := range chunks {
		n += len(chunk)
	}
	c.stats.recordSent(messageType, n)
	c.metrics.messageSent(messageType, n)
	c.logger.Trace().Str("type", messageType.String()).Int("bytes", n).Msg("Sent message")
}

// operationContext derives a context that ends with either parent or the
// connection context
func (c *Client) operationContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	stop := context.AfterFunc(c.ctx, func() {
		cancel(context.Cause(c.ctx))
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// fail raises an Error event for err, then a Close event if the socket has
// left the open state with a known close status
func (c *Client) fail(op string, err error) {
	code := protocol.CodeOf(err)
	c.logger.Error().Err(err).Str("op", op).Str("code", code.String()).Msg("WebSocket operation failed")
	c.stats.incrementErrors()
	c.metrics.errorRaised(code)
	c.events.emitError(code, err.Error())
	c.emitCloseIfClosed()
}

func (c *Client) emitCloseIfClosed() {
	if c.IsOpen() {
		return
	}
	status, reason, ok := c.socket.CloseStatus()
	if !ok {
		return
	}
	c.emitClose(status, reason)
}

// emitClose raises the Close event at most once per connection
func (c *Client) emitClose(status protocol.CloseStatus, reason string) {
	if !c.closeEmitted.CompareAndSwap(false, true) {
		return
	}
	c.markDown()
	c.metrics.closeRaised(status)
	c.logger.Info().Str("status", status.String()).Str("reason", reason).Msg("WebSocket connection closed")
	c.events.emitClose(status, reason)
}

// markDown removes the connection from the open gauge once
func (c *Client) markDown() {
	if c.counted.CompareAndSwap(true, false) {
		c.metrics.connectionClosed()
	}
}
