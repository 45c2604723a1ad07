package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"wsclient/protocol"
)

// fakeFrame is one scripted result for fakeSocket.Receive
type fakeFrame struct {
	data        []byte
	typ         protocol.MessageType
	eom         bool
	err         error
	closeStatus protocol.CloseStatus
	closeReason string
}

type sentMessage struct {
	typ     protocol.MessageType
	payload []byte
}

// fakeSocket implements protocol.Socket for testing
type fakeSocket struct {
	state  *protocol.StateTracker
	frames chan fakeFrame

	mu          sync.Mutex
	calls       map[string]int
	sent        []sentMessage
	connectErr  error
	connectPeer *fakeFrame // close frame recorded while connecting
	sendErr     error
	closeErr    error
	noEcho      bool // Close does not simulate the peer's reply

	pending *fakeFrame // receive side only
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		state:  protocol.NewStateTracker(),
		frames: make(chan fakeFrame, 100),
		calls:  make(map[string]int),
	}
}

func (f *fakeSocket) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeSocket) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeSocket) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func (f *fakeSocket) Connect(ctx context.Context, uri *url.URL) error {
	f.count("connect")
	if !f.state.Transition(protocol.StateNone, protocol.StateConnecting) {
		return protocol.NewSocketError(protocol.ErrorInvalidState, protocol.ErrInvalidState)
	}
	f.mu.Lock()
	err, peer := f.connectErr, f.connectPeer
	f.mu.Unlock()
	if peer != nil {
		f.state.RecordPeerClose(peer.closeStatus, peer.closeReason)
	}
	if err != nil {
		f.state.Fail()
		return err
	}
	f.state.Store(protocol.StateOpen)
	return nil
}

func (f *fakeSocket) Send(ctx context.Context, messageType protocol.MessageType, chunks ...[]byte) error {
	f.count("send")
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	var payload []byte
	for _, c := range chunks {
		payload = append(payload, c...)
	}
	f.sent = append(f.sent, sentMessage{typ: messageType, payload: payload})
	return nil
}

func (f *fakeSocket) Receive(ctx context.Context, buf []byte) (protocol.ReceiveResult, error) {
	var fr fakeFrame
	if f.pending != nil {
		fr = *f.pending
		f.pending = nil
	} else {
		select {
		case fr = <-f.frames:
		case <-ctx.Done():
			f.state.Fail()
			return protocol.ReceiveResult{}, protocol.NewSocketError(protocol.ErrorFaulted,
				fmt.Errorf("receive: %w", context.Cause(ctx)))
		}
	}

	if fr.err != nil {
		f.state.Fail()
		return protocol.ReceiveResult{}, fr.err
	}
	if fr.typ == protocol.MessageClose {
		f.state.RecordPeerClose(fr.closeStatus, fr.closeReason)
		return protocol.ReceiveResult{Type: protocol.MessageClose, EndOfMessage: true}, nil
	}

	n := copy(buf, fr.data)
	eom := fr.eom
	if n < len(fr.data) {
		rest := fr
		rest.data = fr.data[n:]
		f.pending = &rest
		eom = false
	}
	return protocol.ReceiveResult{Count: n, Type: fr.typ, EndOfMessage: eom}, nil
}

func (f *fakeSocket) Close(ctx context.Context, status protocol.CloseStatus, reason string) error {
	f.count("close")
	f.mu.Lock()
	closeErr, noEcho := f.closeErr, f.noEcho
	f.mu.Unlock()
	if closeErr != nil {
		f.state.Fail()
		return closeErr
	}
	if !f.state.Transition(protocol.StateOpen, protocol.StateCloseSent) {
		return protocol.NewSocketError(protocol.ErrorInvalidState, protocol.ErrInvalidState)
	}
	if noEcho {
		f.state.Store(protocol.StateClosed)
		return nil
	}
	f.frames <- fakeFrame{typ: protocol.MessageClose, closeStatus: status, closeReason: reason}
	select {
	case <-f.state.PeerClosed():
		return nil
	case <-ctx.Done():
		return protocol.NewSocketError(protocol.ErrorFaulted, context.Cause(ctx))
	}
}

func (f *fakeSocket) Abort() {
	f.count("abort")
	f.state.Terminate()
}

func (f *fakeSocket) State() protocol.State { return f.state.Load() }

func (f *fakeSocket) CloseStatus() (protocol.CloseStatus, string, bool) {
	return f.state.CloseStatus()
}

func (f *fakeSocket) SubProtocol() string { return "" }

func (f *fakeSocket) Options() protocol.SocketOptions { return protocol.SocketOptions{} }
