package protocol

import "fmt"

// MessageType identifies the kind of a complete WebSocket message
type MessageType int

const (
	MessageText   MessageType = 0
	MessageBinary MessageType = 1
	MessageClose  MessageType = 2
)

// String converts a message type to its string representation
func (t MessageType) String() string {
	switch t {
	case MessageText:
		return "text"
	case MessageBinary:
		return "binary"
	case MessageClose:
		return "close"
	default:
		return "unknown"
	}
}

// CloseStatus is a WebSocket close status code (RFC 6455 section 7.4)
type CloseStatus int

const (
	CloseNormalClosure       CloseStatus = 1000
	CloseEndpointUnavailable CloseStatus = 1001
	CloseProtocolError       CloseStatus = 1002
	CloseInvalidMessageType  CloseStatus = 1003
	CloseEmpty               CloseStatus = 1005
	CloseInvalidPayloadData  CloseStatus = 1007
	ClosePolicyViolation     CloseStatus = 1008
	CloseMessageTooBig       CloseStatus = 1009
	CloseMandatoryExtension  CloseStatus = 1010
	CloseInternalServerError CloseStatus = 1011
)

func (s CloseStatus) String() string {
	switch s {
	case CloseNormalClosure:
		return "NormalClosure"
	case CloseEndpointUnavailable:
		return "EndpointUnavailable"
	case CloseProtocolError:
		return "ProtocolError"
	case CloseInvalidMessageType:
		return "InvalidMessageType"
	case CloseEmpty:
		return "Empty"
	case CloseInvalidPayloadData:
		return "InvalidPayloadData"
	case ClosePolicyViolation:
		return "PolicyViolation"
	case CloseMessageTooBig:
		return "MessageTooBig"
	case CloseMandatoryExtension:
		return "MandatoryExtension"
	case CloseInternalServerError:
		return "InternalServerError"
	default:
		return fmt.Sprintf("CloseStatus(%d)", int(s))
	}
}

// ErrorCode classifies a failure reported by the underlying socket
type ErrorCode int

const (
	ErrorSuccess                     ErrorCode = 0
	ErrorInvalidMessageType          ErrorCode = 1
	ErrorFaulted                     ErrorCode = 2
	ErrorNativeError                 ErrorCode = 3
	ErrorNotAWebSocket               ErrorCode = 4
	ErrorUnsupportedVersion          ErrorCode = 5
	ErrorUnsupportedProtocol         ErrorCode = 6
	ErrorHeaderError                 ErrorCode = 7
	ErrorConnectionClosedPrematurely ErrorCode = 8
	ErrorInvalidState                ErrorCode = 9
)

var errorCodeNames = map[ErrorCode]string{
	ErrorSuccess:                     "Success",
	ErrorInvalidMessageType:          "InvalidMessageType",
	ErrorFaulted:                     "Faulted",
	ErrorNativeError:                 "NativeError",
	ErrorNotAWebSocket:               "NotAWebSocket",
	ErrorUnsupportedVersion:          "UnsupportedVersion",
	ErrorUnsupportedProtocol:         "UnsupportedProtocol",
	ErrorHeaderError:                 "HeaderError",
	ErrorConnectionClosedPrematurely: "ConnectionClosedPrematurely",
	ErrorInvalidState:                "InvalidState",
}

func (c ErrorCode) String() string {
	if name, ok := errorCodeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// State is the lifecycle state of a client socket
type State int

const (
	StateNone          State = 0
	StateConnecting    State = 1
	StateOpen          State = 2
	StateCloseSent     State = 3
	StateCloseReceived State = 4
	StateClosed        State = 5
	StateAborted       State = 6
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateCloseSent:
		return "close_sent"
	case StateCloseReceived:
		return "close_received"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// IsOpen reports whether the state allows sending and receiving.
// A connecting socket counts as open.
func (s State) IsOpen() bool {
	return s == StateOpen || s == StateConnecting
}
