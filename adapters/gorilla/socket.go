// Package gorilla implements protocol.Socket on top of github.com/gorilla/websocket.
package gorilla

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"wsclient/protocol"

	"github.com/gorilla/websocket"
)

// aLongTimeAgo is used as a deadline to unblock pending I/O on cancellation
var aLongTimeAgo = time.Unix(1, 0)

// Socket is a protocol.Socket backed by a gorilla websocket connection
type Socket struct {
	opts   protocol.SocketOptions
	dialer *websocket.Dialer
	state  *protocol.StateTracker

	connMu sync.Mutex
	conn   *websocket.Conn

	// gorilla supports one concurrent writer
	writeMu sync.Mutex

	// receive side only
	reader     io.Reader
	readerType int
}

// New creates an unconnected Socket
func New(opts protocol.SocketOptions) *Socket {
	opts = opts.WithDefaults()
	return &Socket{
		opts: opts,
		dialer: &websocket.Dialer{
			NetDialContext:   opts.Dialer.DialContext,
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     opts.Subprotocols,
		},
		state: protocol.NewStateTracker(),
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

	target, header := withoutUserinfo(uri, s.opts.Header)
	conn, resp, err := s.dialer.DialContext(ctx, target.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.state.Store(protocol.StateClosed)
		if ctx.Err() != nil {
			return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("dial: %w", context.Cause(ctx)))
		}
		return translateHandshakeError(err, resp)
	}

	if sp := conn.Subprotocol(); sp != "" && !slices.Contains(s.opts.Subprotocols, sp) {
		conn.Close()
		s.state.Store(protocol.StateClosed)
		return protocol.NewSocketError(protocol.ErrorUnsupportedProtocol,
			fmt.Errorf("server selected unrequested subprotocol %q", sp))
	}

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
	mt, err := toGorillaType(messageType)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(deadline)
	} else {
		conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		conn.NetConn().SetWriteDeadline(aLongTimeAgo)
	})
	defer stop()

	w, err := conn.NextWriter(mt)
	if err != nil {
		return s.ioFailure(ctx, "next writer", err)
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

	stop := context.AfterFunc(ctx, func() {
		conn.NetConn().SetReadDeadline(aLongTimeAgo)
	})
	defer stop()

	if s.reader == nil {
		mt, r, err := conn.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure {
				// the default close handler has already echoed the frame
				s.state.RecordPeerClose(fromGorillaCloseCode(ce.Code), ce.Text)
				conn.Close()
				return protocol.ReceiveResult{Type: protocol.MessageClose, EndOfMessage: true}, nil
			}
			return protocol.ReceiveResult{}, s.readFailure(ctx, "next reader", err)
		}
		s.reader = r
		s.readerType = mt
	}

	n, err := io.ReadFull(s.reader, buf)
	res := protocol.ReceiveResult{Count: n, Type: fromGorillaType(s.readerType)}
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

// Close sends a close frame and waits for the peer's reply, bounded by
// CloseTimeout and ctx. The peer's reply is consumed by Receive, so a reader
// must be active for the handshake to complete before the timeout.
func (s *Socket) Close(ctx context.Context, status protocol.CloseStatus, reason string) error {
	conn := s.current()
	if conn == nil || !s.state.Transition(protocol.StateOpen, protocol.StateCloseSent) {
		return protocol.NewSocketError(protocol.ErrorInvalidState,
			fmt.Errorf("close in state %s: %w", s.state.Load(), protocol.ErrInvalidState))
	}

	deadline := time.Now().Add(s.opts.CloseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	msg := websocket.FormatCloseMessage(int(status), reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
		return s.ioFailure(ctx, "write close", err)
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-s.state.PeerClosed():
	case <-timer.C:
		// our side of the handshake is done; stop waiting for the peer
	case <-ctx.Done():
		s.Abort()
		return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("close: %w", context.Cause(ctx)))
	}

	s.state.Transition(protocol.StateCloseSent, protocol.StateClosed)
	conn.Close()
	return nil
}

// Abort closes the network connection without a closing handshake
func (s *Socket) Abort() {
	s.state.Terminate()
	if conn := s.current(); conn != nil {
		conn.Close()
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

// readFailure classifies a read error. A reader blocked when Close tears the
// connection down fails too; that must not turn a clean close into an abort.
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
		conn.Close()
	}
	if ctx.Err() != nil {
		return protocol.NewSocketError(protocol.ErrorFaulted, fmt.Errorf("%s: %w", op, context.Cause(ctx)))
	}
	return translateError(fmt.Errorf("%s: %w", op, err))
}

// withoutUserinfo moves URL credentials into a Basic Authorization header,
// since gorilla refuses URLs carrying userinfo. An explicit Authorization
// header wins.
func withoutUserinfo(uri *url.URL, header http.Header) (*url.URL, http.Header) {
	if uri.User == nil {
		return uri, header
	}
	target := *uri
	target.User = nil

	header = header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Authorization") == "" {
		password, _ := uri.User.Password()
		creds := base64.StdEncoding.EncodeToString([]byte(uri.User.Username() + ":" + password))
		header.Set("Authorization", "Basic "+creds)
	}
	return &target, header
}

func writable(s protocol.State) bool {
	return s == protocol.StateOpen || s == protocol.StateCloseReceived
}

func toGorillaType(t protocol.MessageType) (int, error) {
	switch t {
	case protocol.MessageText:
		return websocket.TextMessage, nil
	case protocol.MessageBinary:
		return websocket.BinaryMessage, nil
	default:
		return 0, protocol.NewSocketError(protocol.ErrorInvalidMessageType,
			fmt.Errorf("cannot send %s message", t))
	}
}

func fromGorillaType(mt int) protocol.MessageType {
	if mt == websocket.TextMessage {
		return protocol.MessageText
	}
	return protocol.MessageBinary
}

func fromGorillaCloseCode(code int) protocol.CloseStatus {
	if code == websocket.CloseNoStatusReceived {
		return protocol.CloseEmpty
	}
	return protocol.CloseStatus(code)
}
