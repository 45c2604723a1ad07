package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Default socket option values
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = 5 * time.Second
)

// SocketOptions configures an underlying socket before it connects
type SocketOptions struct {
	Header           http.Header // extra handshake headers (e.g. Authorization)
	Subprotocols     []string
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration // how long Close waits for the peer's close frame
	Dialer           NetDialer     // nil uses DefaultNetDialer
}

// WithDefaults returns a copy of the options with zero values replaced by defaults
func (o SocketOptions) WithDefaults() SocketOptions {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}
	if o.Dialer == nil {
		o.Dialer = &DefaultNetDialer{}
	}
	if o.Header == nil {
		o.Header = http.Header{}
	}
	return o
}

// ReceiveResult describes one fragment read from a socket
type ReceiveResult struct {
	Count        int
	Type         MessageType
	EndOfMessage bool
}

// Socket is the underlying WebSocket engine a client delegates protocol work to.
// Receive may not be called concurrently with itself; Send and Close may be
// called concurrently with Receive.
type Socket interface {
	// Connect performs the opening handshake
	Connect(ctx context.Context, uri *url.URL) error
	// Send writes one complete message assembled from chunks
	Send(ctx context.Context, messageType MessageType, chunks ...[]byte) error
	// Receive reads the next fragment of the current message into buf.
	// A peer close is reported as a MessageClose result, not an error.
	Receive(ctx context.Context, buf []byte) (ReceiveResult, error)
	// Close performs the closing handshake. Close while connecting, or in any
	// state other than Open, reports InvalidState.
	Close(ctx context.Context, status CloseStatus, reason string) error
	// Abort tears down the connection without a handshake. Safe to call repeatedly.
	Abort()
	State() State
	// CloseStatus returns the close status received from the peer, if any
	CloseStatus() (CloseStatus, string, bool)
	SubProtocol() string
	Options() SocketOptions
}

// SocketError is a failure reported by a Socket, classified with an ErrorCode
type SocketError struct {
	Code ErrorCode
	Err  error
}

// NewSocketError wraps err with code
func NewSocketError(code ErrorCode, err error) *SocketError {
	return &SocketError{Code: code, Err: err}
}

func (e *SocketError) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *SocketError) Unwrap() error {
	return e.Err
}

// ErrInvalidState is returned when an operation does not fit the socket state
var ErrInvalidState = errors.New("invalid socket state")

// CodeOf returns the ErrorCode carried by err, or ErrorFaulted if none
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrorSuccess
	}
	var se *SocketError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorFaulted
}

// ParseURI parses a WebSocket URI and checks its scheme
func ParseURI(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse uri: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported uri scheme %q (want ws or wss)", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("uri %q has no host", raw)
	}
	return u, nil
}
