package client

import (
	"slices"
	"sync"

	"wsclient/protocol"
)

// OpenHandler is called once the connection is established
type OpenHandler func()

// ErrorHandler is called with the translated error code and message of a failure
type ErrorHandler func(code protocol.ErrorCode, message string)

// CloseHandler is called when the connection closes with a known status
type CloseHandler func(status protocol.CloseStatus, reason string)

// MessageHandler is called with each fully assembled message
type MessageHandler func(messageType protocol.MessageType, payload []byte)

// dispatcher keeps ordered handler lists per event kind. Handlers run
// synchronously on the goroutine that raised the event.
type dispatcher struct {
	mu      sync.Mutex
	open    []OpenHandler
	errors  []ErrorHandler
	close   []CloseHandler
	message []MessageHandler
}

// OnOpen registers a handler for the open event
func (c *Client) OnOpen(h OpenHandler) {
	c.events.mu.Lock()
	c.events.open = append(c.events.open, h)
	c.events.mu.Unlock()
}

// OnError registers a handler for the error event
func (c *Client) OnError(h ErrorHandler) {
	c.events.mu.Lock()
	c.events.errors = append(c.events.errors, h)
	c.events.mu.Unlock()
}

// OnClose registers a handler for the close event
func (c *Client) OnClose(h CloseHandler) {
	c.events.mu.Lock()
	c.events.close = append(c.events.close, h)
	c.events.mu.Unlock()
}

// OnMessage registers a handler for the message event
func (c *Client) OnMessage(h MessageHandler) {
	c.events.mu.Lock()
	c.events.message = append(c.events.message, h)
	c.events.mu.Unlock()
}

// Snapshots are taken under the lock so a handler registered mid-emission
// is not called for the event in flight.

func (d *dispatcher) emitOpen() {
	d.mu.Lock()
	handlers := slices.Clone(d.open)
	d.mu.Unlock()
	for _, h := range handlers {
		h()
	}
}

func (d *dispatcher) emitError(code protocol.ErrorCode, message string) {
	d.mu.Lock()
	handlers := slices.Clone(d.errors)
	d.mu.Unlock()
	for _, h := range handlers {
		h(code, message)
	}
}

func (d *dispatcher) emitClose(status protocol.CloseStatus, reason string) {
	d.mu.Lock()
	handlers := slices.Clone(d.close)
	d.mu.Unlock()
	for _, h := range handlers {
		h(status, reason)
	}
}

func (d *dispatcher) emitMessage(messageType protocol.MessageType, payload []byte) {
	d.mu.Lock()
	handlers := slices.Clone(d.message)
	d.mu.Unlock()
	for _, h := range handlers {
		h(messageType, payload)
	}
}
