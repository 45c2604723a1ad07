package gorilla

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"syscall"

	"wsclient/protocol"

	"github.com/gorilla/websocket"
)

// translateHandshakeError classifies a dial failure using the HTTP response, if any
func translateHandshakeError(err error, resp *http.Response) error {
	if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
		switch resp.StatusCode {
		case http.StatusSwitchingProtocols:
			// upgrade accepted but Sec-WebSocket-Accept or Upgrade headers were wrong
			return protocol.NewSocketError(protocol.ErrorHeaderError, err)
		case http.StatusUpgradeRequired:
			return protocol.NewSocketError(protocol.ErrorUnsupportedVersion,
				fmt.Errorf("%w: server wants version %q", err, resp.Header.Get("Sec-WebSocket-Version")))
		default:
			return protocol.NewSocketError(protocol.ErrorNotAWebSocket, fmt.Errorf("%w: %s", err, resp.Status))
		}
	}
	return translateError(err)
}

// translateError maps gorilla and network errors onto protocol error codes
func translateError(err error) error {
	var se *protocol.SocketError
	if errors.As(err, &se) {
		return se
	}

	var ce *websocket.CloseError
	var errno syscall.Errno
	switch {
	case errors.Is(err, websocket.ErrBadHandshake):
		return protocol.NewSocketError(protocol.ErrorNotAWebSocket, err)
	case errors.Is(err, websocket.ErrCloseSent):
		return protocol.NewSocketError(protocol.ErrorInvalidState, err)
	case errors.As(err, &ce):
		return protocol.NewSocketError(protocol.ErrorConnectionClosedPrematurely, err)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return protocol.NewSocketError(protocol.ErrorConnectionClosedPrematurely, err)
	case errors.As(err, &errno):
		return protocol.NewSocketError(protocol.ErrorNativeError, err)
	default:
		return protocol.NewSocketError(protocol.ErrorFaulted, err)
	}
}
