package coder

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"slices"
	"syscall"

	"wsclient/protocol"

	"github.com/coder/websocket"
)

// translateHandshakeError classifies a dial failure using the HTTP response, if any
func translateHandshakeError(err error, resp *http.Response, requested []string) error {
	if resp == nil {
		return translateError(err)
	}
	switch resp.StatusCode {
	case http.StatusSwitchingProtocols:
		// coder rejects an unrequested subprotocol itself
		if sp := resp.Header.Get("Sec-WebSocket-Protocol"); sp != "" && !slices.Contains(requested, sp) {
			return protocol.NewSocketError(protocol.ErrorUnsupportedProtocol, err)
		}
		return protocol.NewSocketError(protocol.ErrorHeaderError, err)
	case http.StatusUpgradeRequired:
		return protocol.NewSocketError(protocol.ErrorUnsupportedVersion,
			fmt.Errorf("%w: server wants version %q", err, resp.Header.Get("Sec-WebSocket-Version")))
	default:
		return protocol.NewSocketError(protocol.ErrorNotAWebSocket, fmt.Errorf("%w: %s", err, resp.Status))
	}
}

// translateError maps coder and network errors onto protocol error codes
func translateError(err error) error {
	var se *protocol.SocketError
	if errors.As(err, &se) {
		return se
	}

	var errno syscall.Errno
	switch {
	case websocket.CloseStatus(err) != -1:
		return protocol.NewSocketError(protocol.ErrorConnectionClosedPrematurely, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return protocol.NewSocketError(protocol.ErrorConnectionClosedPrematurely, err)
	case errors.Is(err, net.ErrClosed):
		return protocol.NewSocketError(protocol.ErrorInvalidState, err)
	case errors.As(err, &errno):
		return protocol.NewSocketError(protocol.ErrorNativeError, err)
	default:
		return protocol.NewSocketError(protocol.ErrorFaulted, err)
	}
}
