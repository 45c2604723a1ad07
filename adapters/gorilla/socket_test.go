package gorilla

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"syscall"
	"testing"
	"time"

	"wsclient/protocol"

	"github.com/gorilla/websocket"
)

// echoServer starts a WebSocket server that echoes every message back
func echoServer(t *testing.T, upgrader websocket.Upgrader, responseHeader http.Header) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, responseHeader)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(t *testing.T, srv *httptest.Server) *url.URL {
	t.Helper()
	u, err := protocol.ParseURI("ws" + strings.TrimPrefix(srv.URL, "http"))
	if err != nil {
		t.Fatalf("Failed to parse server URL: %v", err)
	}
	return u
}

func connect(t *testing.T, srv *httptest.Server, opts protocol.SocketOptions) *Socket {
	t.Helper()
	s := New(opts)
	if err := s.Connect(context.Background(), wsURL(t, srv)); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(s.Abort)
	return s
}

// receiveMessage reads fragments until end of message
func receiveMessage(t *testing.T, s *Socket, bufSize int) (protocol.MessageType, []byte, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var payload []byte
	fragments := 0
	buf := make([]byte, bufSize)
	for {
		res, err := s.Receive(ctx, buf)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		fragments++
		payload = append(payload, buf[:res.Count]...)
		if res.EndOfMessage {
			return res.Type, payload, fragments
		}
	}
}

func codeOf(t *testing.T, err error) protocol.ErrorCode {
	t.Helper()
	if err == nil {
		t.Fatal("Expected an error")
	}
	return protocol.CodeOf(err)
}

func TestSocketEcho(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	if s.State() != protocol.StateOpen {
		t.Fatalf("Expected open, got %s", s.State())
	}

	ctx := context.Background()
	if err := s.Send(ctx, protocol.MessageText, []byte("pi"), []byte("ng")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	mt, payload, _ := receiveMessage(t, s, 64)
	if mt != protocol.MessageText || string(payload) != "ping" {
		t.Errorf("Expected text ping, got %s %q", mt, payload)
	}

	if err := s.Send(ctx, protocol.MessageBinary, []byte{0, 1, 2}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	mt, payload, _ = receiveMessage(t, s, 64)
	if mt != protocol.MessageBinary || string(payload) != "\x00\x01\x02" {
		t.Errorf("Expected binary payload, got %s %v", mt, payload)
	}
}

func TestSocketReceiveFragments(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	if err := s.Send(context.Background(), protocol.MessageText, []byte("abcdefg")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	_, payload, fragments := receiveMessage(t, s, 3)
	if string(payload) != "abcdefg" {
		t.Errorf("Expected abcdefg, got %q", payload)
	}
	if fragments != 3 {
		t.Errorf("Expected 3 fragments, got %d", fragments)
	}
}

func TestSocketReceiveEmptyBuffer(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	_, err := s.Receive(context.Background(), nil)
	if code := codeOf(t, err); code != protocol.ErrorFaulted {
		t.Errorf("Expected faulted, got %s", code)
	}
}

func TestSocketClose(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	// the peer's reply is consumed by Receive
	received := make(chan protocol.ReceiveResult, 1)
	go func() {
		buf := make([]byte, 64)
		for {
			res, err := s.Receive(context.Background(), buf)
			if err != nil {
				close(received)
				return
			}
			if res.Type == protocol.MessageClose {
				received <- res
				return
			}
		}
	}()

	if err := s.Close(context.Background(), protocol.CloseNormalClosure, "done"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s.State() != protocol.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
	status, _, ok := s.CloseStatus()
	if !ok || status != protocol.CloseNormalClosure {
		t.Errorf("Expected echoed NormalClosure, got %v %v", status, ok)
	}

	select {
	case _, ok := <-received:
		if !ok {
			t.Error("Receive failed instead of reporting the close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for Receive")
	}

	err := s.Close(context.Background(), protocol.CloseNormalClosure, "")
	if code := codeOf(t, err); code != protocol.ErrorInvalidState {
		t.Errorf("Expected invalid state on second close, got %s", code)
	}
}

func TestSocketCloseWithoutReaderTimesOut(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{CloseTimeout: 100 * time.Millisecond})

	start := time.Now()
	if err := s.Close(context.Background(), protocol.CloseEndpointUnavailable, ""); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close took %v", elapsed)
	}
	if s.State() != protocol.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
	if _, _, ok := s.CloseStatus(); ok {
		t.Error("Expected no peer status without a reader")
	}
}

func TestSocketPeerClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upgrader := websocket.Upgrader{}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "going away")
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	s := connect(t, srv, protocol.SocketOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := s.Receive(ctx, make([]byte, 16))
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if res.Type != protocol.MessageClose || !res.EndOfMessage {
		t.Errorf("Expected close result, got %+v", res)
	}
	status, reason, ok := s.CloseStatus()
	if !ok || status != protocol.CloseEndpointUnavailable || reason != "going away" {
		t.Errorf("Unexpected close status %v %q %v", status, reason, ok)
	}
	if s.State() != protocol.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}

	err = s.Send(context.Background(), protocol.MessageText, []byte("late"))
	if code := codeOf(t, err); code != protocol.ErrorInvalidState {
		t.Errorf("Expected invalid state, got %s", code)
	}
}

func TestSocketReceiveCancelled(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Receive(ctx, make([]byte, 16))
	if code := codeOf(t, err); code != protocol.ErrorFaulted {
		t.Errorf("Expected faulted, got %s", code)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded cause, got %v", err)
	}
	if s.State() != protocol.StateAborted {
		t.Errorf("Expected aborted, got %s", s.State())
	}
}

func TestSocketSendInvalid(t *testing.T) {
	s := New(protocol.SocketOptions{})
	err := s.Send(context.Background(), protocol.MessageText, []byte("x"))
	if code := codeOf(t, err); code != protocol.ErrorInvalidState {
		t.Errorf("Expected invalid state before connect, got %s", code)
	}

	srv := echoServer(t, websocket.Upgrader{}, nil)
	s = connect(t, srv, protocol.SocketOptions{})
	err = s.Send(context.Background(), protocol.MessageClose, nil)
	if code := codeOf(t, err); code != protocol.ErrorInvalidMessageType {
		t.Errorf("Expected invalid message type, got %s", code)
	}
}

func TestSocketConnectTwice(t *testing.T) {
	srv := echoServer(t, websocket.Upgrader{}, nil)
	s := connect(t, srv, protocol.SocketOptions{})

	err := s.Connect(context.Background(), wsURL(t, srv))
	if code := codeOf(t, err); code != protocol.ErrorInvalidState {
		t.Errorf("Expected invalid state, got %s", code)
	}
}

func TestSocketHeadersAndSubprotocol(t *testing.T) {
	gotAuth := make(chan string, 1)
	upgrader := websocket.Upgrader{Subprotocols: []string{"v2"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	s := connect(t, srv, protocol.SocketOptions{
		Header:       http.Header{"Authorization": []string{"Bearer abc"}},
		Subprotocols: []string{"chat", "v2"},
	})

	if got := <-gotAuth; got != "Bearer abc" {
		t.Errorf("Expected Authorization header, got %q", got)
	}
	if s.SubProtocol() != "v2" {
		t.Errorf("Expected subprotocol v2, got %q", s.SubProtocol())
	}
}

func TestSocketConnectFailures(t *testing.T) {
	plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "hello")
	}))
	defer plain.Close()

	upgradeRequired := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Sec-WebSocket-Version", "8")
		w.WriteHeader(http.StatusUpgradeRequired)
	}))
	defer upgradeRequired.Close()

	unrequested := echoServer(t, websocket.Upgrader{}, http.Header{"Sec-Websocket-Protocol": []string{"chat"}})

	tests := []struct {
		name     string
		srv      *httptest.Server
		wantCode protocol.ErrorCode
	}{
		{"not a websocket", plain, protocol.ErrorNotAWebSocket},
		{"unsupported version", upgradeRequired, protocol.ErrorUnsupportedVersion},
		{"unrequested subprotocol", unrequested, protocol.ErrorUnsupportedProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(protocol.SocketOptions{})
			err := s.Connect(context.Background(), wsURL(t, tt.srv))
			if code := codeOf(t, err); code != tt.wantCode {
				t.Errorf("Expected %s, got %s (%v)", tt.wantCode, code, err)
			}
			if s.State() != protocol.StateClosed {
				t.Errorf("Expected closed, got %s", s.State())
			}
		})
	}
}

type refusingDialer struct{}

func (refusingDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return nil, &net.OpError{Op: "dial", Net: network, Err: syscall.ECONNREFUSED}
}

func TestSocketConnectRefused(t *testing.T) {
	s := New(protocol.SocketOptions{Dialer: refusingDialer{}})
	u, _ := url.Parse("ws://127.0.0.1:1/")

	err := s.Connect(context.Background(), u)
	if code := codeOf(t, err); code != protocol.ErrorNativeError {
		t.Errorf("Expected native error, got %s (%v)", code, err)
	}
}

func TestSocketConnectCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(protocol.SocketOptions{})
	u, _ := url.Parse("ws://127.0.0.1:1/")
	err := s.Connect(ctx, u)
	if code := codeOf(t, err); code != protocol.ErrorFaulted {
		t.Errorf("Expected faulted, got %s", code)
	}
}

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want protocol.ErrorCode
	}{
		{"socket error passes through", protocol.NewSocketError(protocol.ErrorHeaderError, errors.New("x")), protocol.ErrorHeaderError},
		{"bad handshake", websocket.ErrBadHandshake, protocol.ErrorNotAWebSocket},
		{"close sent", fmt.Errorf("write: %w", websocket.ErrCloseSent), protocol.ErrorInvalidState},
		{"close error", &websocket.CloseError{Code: websocket.CloseAbnormalClosure}, protocol.ErrorConnectionClosedPrematurely},
		{"eof", io.EOF, protocol.ErrorConnectionClosedPrematurely},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), protocol.ErrorConnectionClosedPrematurely},
		{"errno", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, protocol.ErrorNativeError},
		{"other", errors.New("boom"), protocol.ErrorFaulted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := protocol.CodeOf(translateError(tt.err)); got != tt.want {
				t.Errorf("translateError(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestTranslateHandshakeError(t *testing.T) {
	tests := []struct {
		status int
		want   protocol.ErrorCode
	}{
		{http.StatusSwitchingProtocols, protocol.ErrorHeaderError},
		{http.StatusUpgradeRequired, protocol.ErrorUnsupportedVersion},
		{http.StatusNotFound, protocol.ErrorNotAWebSocket},
	}

	for _, tt := range tests {
		resp := &http.Response{StatusCode: tt.status, Status: http.StatusText(tt.status), Header: http.Header{}}
		if got := protocol.CodeOf(translateHandshakeError(websocket.ErrBadHandshake, resp)); got != tt.want {
			t.Errorf("status %d: got %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestSocketUserinfoBecomesBasicAuth(t *testing.T) {
	type creds struct {
		user, pass string
		ok         bool
	}
	got := make(chan creds, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		got <- creds{user, pass, ok}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	u := wsURL(t, srv)
	u.User = url.UserPassword("user", "secret")

	s := New(protocol.SocketOptions{})
	defer s.Abort()
	if err := s.Connect(context.Background(), u); err != nil {
		t.Fatalf("Connect with userinfo failed: %v", err)
	}
	if c := <-got; !c.ok || c.user != "user" || c.pass != "secret" {
		t.Errorf("Expected basic auth user:secret, got %+v", c)
	}
	if u.User == nil {
		t.Error("Connect must not modify the caller's URL")
	}
}

func TestWithoutUserinfoKeepsExplicitAuthorization(t *testing.T) {
	u, _ := url.Parse("ws://user:secret@example.test/")
	header := http.Header{"Authorization": []string{"Bearer abc"}}

	target, out := withoutUserinfo(u, header)

	if target.User != nil {
		t.Errorf("Expected userinfo stripped, got %s", target)
	}
	if out.Get("Authorization") != "Bearer abc" {
		t.Errorf("Explicit Authorization overwritten: %q", out.Get("Authorization"))
	}
}

func TestSocketCloseWithActiveReaderEndsClosed(t *testing.T) {
	// the server swallows the close frame and drops the connection
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetCloseHandler(func(int, string) error { return nil })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()
	s := connect(t, srv, protocol.SocketOptions{CloseTimeout: 200 * time.Millisecond})

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Receive(context.Background(), make([]byte, 16))
		readErr <- err
	}()

	if err := s.Close(context.Background(), protocol.CloseNormalClosure, "bye"); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-readErr:
		if code := codeOf(t, err); code != protocol.ErrorInvalidState {
			t.Errorf("Expected invalid state from reader after close, got %s (%v)", code, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for reader")
	}
	if s.State() != protocol.StateClosed {
		t.Errorf("Expected closed, got %s", s.State())
	}
}

func TestSocketCloseWhileConnecting(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		upgrader := websocket.Upgrader{}
		if conn, err := upgrader.Upgrade(w, r, nil); err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()
	defer close(release)

	s := New(protocol.SocketOptions{})
	defer s.Abort()
	go s.Connect(context.Background(), wsURL(t, srv))

	deadline := time.Now().Add(2 * time.Second)
	for s.State() != protocol.StateConnecting {
		if time.Now().After(deadline) {
			t.Fatalf("Socket never started connecting, state %s", s.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	err := s.Close(context.Background(), protocol.CloseNormalClosure, "")
	if code := codeOf(t, err); code != protocol.ErrorInvalidState {
		t.Errorf("Expected invalid state while connecting, got %s", code)
	}
}
