// Package coder implements protocol.Socket on top of github.com/coder/websocket.
package coder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"wsclient/protocol"

	"github.com/coder/websocket"
)

// Socket is a protocol.Socket backed by a coder websocket connection
type Socket struct {
	opts   protocol.SocketOptions
	client *http.Client
	state  *protocol.StateTracker

	connMu sync.Mutex
	conn   *websocket.Conn

	reading      atomic.Bool
	readReturned chan struct{} // signalled when a Receive call returns

	// receive side only
	reader     io.Reader
	readerType websocket.MessageType
}

// New creates an unconnected Socket
func New(opts protocol.SocketOptions) *Socket {
	opts = opts.WithDefaults()
	return &Socket{
		opts: opts,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:       http.ProxyFromEnvironment,
				DialContext: opts.Dialer.DialContext,
			},
		},
		state:        protocol.NewStateTracker(),
		readReturned: make(chan struct{}, 1),
	}
}

func (s *Socket) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

// Connect dials uri and performs the opening handshake
func (s *Socket) Connect(ctx context.Context, uri *url.URL) error {
	if !s.state.Transition(protocol.StateNone, protocol.StateConnecting) {
		return protocol.NewSocketError(protocol.ErrorInvalidState,
			fmt.Errorf("connect in state %s: %w", s.state.Load(), protocol.ErrInvalidState))
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, uri.String(), &websocket.DialOptions{
		HTTPClient:   s.client,
		HTTPHeader:   s.opts.Header,
		Subprotocols: s.opts.Subprotocols,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.state.Store(protocol.StateClosed)
		if ctx.Err() != nil {
			return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("dial: %w", context.Cause(ctx)))
		}
		return translateHandshakeError(err, resp, s.opts.Subprotocols)
	}

	if sp := conn.Subprotocol(); sp != "" && !slices.Contains(s.opts.Subprotocols, sp) {
		conn.CloseNow()
		s.state.Store(protocol.StateClosed)
		return protocol.NewSocketError(protocol.ErrorUnsupportedProtocol,
			fmt.Errorf("server selected unrequested subprotocol %q", sp))
	}

	// message size is enforced by the client, not the engine
	conn.SetReadLimit(math.MaxInt64)

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.state.Store(protocol.StateOpen)
	return nil
}

// Send writes chunks as one message of the given type
func (s *Socket) Send(ctx context.Context, messageType protocol.MessageType, chunks ...[]byte) error {
	conn := s.current()
	if conn == nil || !writable(s.state.Load()) {
		return protocol.NewSocketError(protocol.ErrorInvalidState,
			fmt.Errorf("send in state %s: %w", s.state.Load(), protocol.ErrInvalidState))
	}
	mt, err := toCoderType(messageType)
	if err != nil {
		return err
	}

	w, err := conn.Writer(ctx, mt)
	if err != nil {
		return s.ioFailure(ctx, "writer", err)
	}
	for _, chunk := range chunks {
		if _, err := w.Write(chunk); err != nil {
			w.Close()
			return s.ioFailure(ctx, "write", err)
		}
	}
	if err := w.Close(); err != nil {
		return s.ioFailure(ctx, "flush", err)
	}
	return nil
}

// Receive reads the next fragment of the current message into buf
func (s *Socket) Receive(ctx context.Context, buf []byte) (protocol.ReceiveResult, error) {
	if len(buf) == 0 {
		return protocol.ReceiveResult{}, protocol.NewSocketError(protocol.ErrorFaulted, errors.New("receive buffer is empty"))
	}
	conn := s.current()
	if conn == nil {
		return protocol.ReceiveResult{}, protocol.NewSocketError(protocol.ErrorInvalidState,
			fmt.Errorf("receive in state %s: %w", s.state.Load(), protocol.ErrInvalidState))
	}

	s.reading.Store(true)
	defer func() {
		s.reading.Store(false)
		select {
		case s.readReturned <- struct{}{}:
		default:
		}
	}()

	if s.reader == nil {
		mt, r, err := conn.Reader(ctx)
		if err != nil {
			if code := websocket.CloseStatus(err); code != -1 && code != websocket.StatusAbnormalClosure {
				var ce websocket.CloseError
				errors.As(err, &ce)
				s.state.RecordPeerClose(fromCoderStatus(code), ce.Reason)
				return protocol.ReceiveResult{Type: protocol.MessageClose, EndOfMessage: true}, nil
			}
			return protocol.ReceiveResult{}, s.readFailure(ctx, "reader", err)
		}
		s.reader = r
		s.readerType = mt
	}

	n, err := io.ReadFull(s.reader, buf)
	res := protocol.ReceiveResult{Count: n, Type: fromCoderType(s.readerType)}
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		res.EndOfMessage = true
		s.reader = nil
	default:
		s.reader = nil
		return res, s.readFailure(ctx, "read", err)
	}
	return res, nil
}

// Close performs the closing handshake, bounded by CloseTimeout and ctx
func (s *Socket) Close(ctx context.Context, status protocol.CloseStatus, reason string) error {
	conn := s.current()
	if conn == nil || !s.state.Transition(protocol.StateOpen, protocol.StateCloseSent) {
		return protocol.NewSocketError(protocol.ErrorInvalidState,
			fmt.Errorf("close in state %s: %w", s.state.Load(), protocol.ErrInvalidState))
	}

	// coder cannot put 1005 on the wire; an empty status goes out as a normal closure
	code := websocket.StatusCode(status)
	if status == protocol.CloseEmpty {
		code = websocket.StatusNormalClosure
	}

	timer := time.NewTimer(s.opts.CloseTimeout)
	defer timer.Stop()

	// drop a stale signal from an earlier Receive
	select {
	case <-s.readReturned:
	default:
	}

	done := make(chan error, 1)
	go func() {
		done <- conn.Close(code, reason)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, net.ErrClosed) && !s.peerHasClosed() {
			s.state.Fail()
			return translateError(fmt.Errorf("close: %w", err))
		}
		// a concurrent Receive records the peer's status if coder hands it the frame
		if s.reading.Load() {
			select {
			case <-s.state.PeerClosed():
			case <-s.readReturned:
			case <-timer.C:
			}
		}
		// a nil error means coder consumed the peer's echo without exposing it
		if err == nil && !s.peerHasClosed() {
			s.state.RecordPeerClose(status, "")
		}
	case <-timer.C:
		conn.CloseNow()
	case <-ctx.Done():
		s.Abort()
		return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("close: %w", context.Cause(ctx)))
	}

	s.state.Transition(protocol.StateCloseSent, protocol.StateClosed)
	return nil
}

func (s *Socket) peerHasClosed() bool {
	select {
	case <-s.state.PeerClosed():
		return true
	default:
		return false
	}
}

// Abort closes the connection without a closing handshake
func (s *Socket) Abort() {
	s.state.Terminate()
	if conn := s.current(); conn != nil {
		conn.CloseNow()
	}
}

func (s *Socket) State() protocol.State {
	return s.state.Load()
}

func (s *Socket) CloseStatus() (protocol.CloseStatus, string, bool) {
	return s.state.CloseStatus()
}

func (s *Socket) SubProtocol() string {
	if conn := s.current(); conn != nil {
		return conn.Subprotocol()
	}
	return ""
}

func (s *Socket) Options() protocol.SocketOptions {
	return s.opts
}

// readFailure classifies a read error. Once a local close is under way the
// reader is expected to fail when the connection is torn down, so the socket
// is left for Close to finish rather than aborted.
func (s *Socket) readFailure(ctx context.Context, op string, err error) error {
	if st := s.state.Load(); st == protocol.StateCloseSent || st == protocol.StateClosed {
		return protocol.NewSocketError(protocol.ErrorInvalidState, fmt.Errorf("%s after close: %w", op, err))
	}
	return s.ioFailure(ctx, op, err)
}

// ioFailure aborts the connection and classifies err
func (s *Socket) ioFailure(ctx context.Context, op string, err error) error {
	s.state.Fail()
	if conn := s.current(); conn != nil {
		conn.CloseNow()
	}
	if ctx.Err() != nil {
		return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("%s: %w", op, context.Cause(ctx)))
	}
	return translateError(fmt.Errorf("%s: %w", op, err))
}

func writable(s protocol.State) bool {
	return s == protocol.StateOpen || s == protocol.StateCloseReceived
}

func toCoderType(t protocol.MessageType) (websocket.MessageType, error) {
	switch t {
	case protocol.MessageText:
		return websocket.MessageText, nil
	case protocol.MessageBinary:
		return websocket.MessageBinary, nil
	default:
		return 0, protocol.NewSocketError(protocol.ErrorInvalidMessageType,
			fmt.Errorf("cannot send %s message", t))
	}
}

func fromCoderType(mt websocket.MessageType) protocol.MessageType {
	if mt == websocket.MessageText {
		return protocol.MessageText
	}
	return protocol.MessageBinary
}

func fromCoderStatus(code websocket.StatusCode) protocol.CloseStatus {
	if code == websocket.StatusNoStatusRcvd {
		return protocol.CloseEmpty
	}
	return protocol.CloseStatus(code)
}
