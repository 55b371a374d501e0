package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// fakeConn is an in-process Conn double. sent receives every outgoing frame;
// tests reply by pushing encoded jsonrpc.Response frames onto recvCh, or
// force a read failure by closing failCh.
type fakeConn struct {
	sent    chan json.RawMessage
	recvCh  chan json.RawMessage
	failCh  chan error
	closed  chan struct{}
	closeFn func()
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		sent:   make(chan json.RawMessage, 8),
		recvCh: make(chan json.RawMessage, 8),
		failCh: make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Send(ctx context.Context, msg json.RawMessage) error {
	select {
	case c.sent <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case msg := <-c.recvCh:
		return msg, nil
	case err := <-c.failCh:
		return nil, err
	case <-c.closed:
		return nil, errors.New("fakeConn: closed")
	}
}

func (c *fakeConn) Close() error {
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
	if c.closeFn != nil {
		c.closeFn()
	}
	return nil
}

func decodeSentRequest(t *testing.T, raw json.RawMessage) *jsonrpc.Request {
	t.Helper()
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	req, ok := msg.(*jsonrpc.Request)
	if !ok {
		t.Fatalf("sent frame is not a request: %T", msg)
	}
	return req
}

func encodeResponse(t *testing.T, id jsonrpc.ID, result any, rpcErr error) json.RawMessage {
	t.Helper()
	var raw json.RawMessage
	if result != nil {
		data, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("marshal result: %v", err)
		}
		raw = data
	}
	resp := &jsonrpc.Response{ID: id, Result: raw, Error: rpcErr}
	wire, err := jsonrpc.EncodeMessage(resp)
	if err != nil {
		t.Fatalf("encode response: %v", err)
	}
	return json.RawMessage(wire)
}

// handshake drives session through its initialize exchange against conn,
// failing the test if it doesn't complete. Call after NewSession and before
// any Call in tests that exercise Call/dispatch mechanics, which require a
// Ready session.
func handshake(t *testing.T, conn *fakeConn, session *Session) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- session.Handshake(context.Background(), time.Second) }()

	var sentRaw json.RawMessage
	select {
	case sentRaw = <-conn.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outgoing initialize request")
	}
	req := decodeSentRequest(t, sentRaw)
	if req.Method != "initialize" {
		t.Fatalf("Method = %q, want initialize", req.Method)
	}
	conn.recvCh <- encodeResponse(t, req.ID, map[string]any{"serverInfo": map[string]string{"name": "fake"}}, nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Handshake() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Handshake to return")
	}
}

func TestSessionCallRoundTrip(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()
	handshake(t, conn, session)

	done := make(chan struct{})
	var callErr error
	var callResult json.RawMessage
	go func() {
		callResult, callErr = session.Call(context.Background(), "tools/list", json.RawMessage(`{}`), time.Second)
		close(done)
	}()

	var sentRaw json.RawMessage
	select {
	case sentRaw = <-conn.sent:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for outgoing request")
	}
	req := decodeSentRequest(t, sentRaw)
	if req.Method != "tools/list" {
		t.Fatalf("Method = %q, want tools/list", req.Method)
	}

	conn.recvCh <- encodeResponse(t, req.ID, map[string]string{"ok": "yes"}, nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Call to return")
	}
	if callErr != nil {
		t.Fatalf("Call() error = %v", callErr)
	}
	var decoded map[string]string
	if err := json.Unmarshal(callResult, &decoded); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if decoded["ok"] != "yes" {
		t.Fatalf("result = %v, want ok=yes", decoded)
	}
}

func TestSessionCallTimeoutKeepsSessionReady(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()
	handshake(t, conn, session)

	_, err := session.Call(context.Background(), "tools/list", json.RawMessage(`{}`), 30*time.Millisecond)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Call() error = %v, want ErrUpstreamTimeout", err)
	}
	if got := session.State(); got != StateReady {
		t.Fatalf("State() after timeout = %q, want %q", got, StateReady)
	}
}

func TestSessionCallErrorResultSurfaced(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()
	handshake(t, conn, session)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = session.Call(context.Background(), "tools/call", json.RawMessage(`{}`), time.Second)
		close(done)
	}()

	sentRaw := <-conn.sent
	req := decodeSentRequest(t, sentRaw)
	conn.recvCh <- encodeResponse(t, req.ID, nil, fmt.Errorf("boom"))

	<-done
	if callErr == nil {
		t.Fatal("Call() expected error from downstream error result")
	}
}

// TestSessionHandshakeTimeoutTransitionsToFailed: a downstream that never
// replies to initialize fails after its deadline rather than hanging the
// caller indefinitely.
func TestSessionHandshakeTimeoutTransitionsToFailed(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()

	err := session.Handshake(context.Background(), 30*time.Millisecond)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("Handshake() error = %v, want ErrUpstreamTimeout", err)
	}
	if got := session.State(); got != StateFailed {
		t.Fatalf("State() after handshake timeout = %q, want %q", got, StateFailed)
	}
}

func TestSessionReadFailureTransitionsToFailed(t *testing.T) {
	conn := newFakeConn()
	failed := make(chan error, 1)
	session := NewSession("weather", conn, nil, func(err error) { failed <- err })

	conn.failCh <- errors.New("pipe broke")

	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("onFailure callback never invoked")
	}
	if got := session.State(); got != StateFailed {
		t.Fatalf("State() = %q, want %q", got, StateFailed)
	}

	_, err := session.Call(context.Background(), "tools/list", json.RawMessage(`{}`), time.Second)
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Call() after failure error = %v, want ErrNotReady", err)
	}
}

// TestSessionForwardsDownstreamNotificationsVerbatim: an unsolicited
// notification pushed by the downstream reaches the registered handler
// exactly as it came off the wire.
func TestSessionForwardsDownstreamNotificationsVerbatim(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()
	handshake(t, conn, session)

	got := make(chan json.RawMessage, 1)
	session.OnNotification(func(raw json.RawMessage) { got <- raw })

	notif := &jsonrpc.Request{Method: "update/tools", Params: json.RawMessage(`{"message":"tools changed"}`)}
	wire, err := jsonrpc.EncodeMessage(notif)
	if err != nil {
		t.Fatalf("encode notification: %v", err)
	}
	conn.recvCh <- json.RawMessage(wire)

	select {
	case raw := <-got:
		if string(raw) != string(wire) {
			t.Fatalf("forwarded frame = %s, want verbatim %s", raw, wire)
		}
	case <-time.After(time.Second):
		t.Fatal("notification never reached the handler")
	}
}

func TestSessionUnmatchedReplyIsDiscardedNotDelivered(t *testing.T) {
	conn := newFakeConn()
	session := NewSession("weather", conn, nil, nil)
	defer session.Close()
	handshake(t, conn, session)

	stray, err := jsonrpc.MakeID("999")
	if err != nil {
		t.Fatalf("MakeID: %v", err)
	}
	conn.recvCh <- encodeResponse(t, stray, map[string]string{"x": "y"}, nil)

	// Give the read loop a beat to process and discard the stray frame,
	// then confirm a subsequent real call still round-trips cleanly.
	time.Sleep(20 * time.Millisecond)

	done := make(chan struct{})
	var callErr error
	go func() {
		_, callErr = session.Call(context.Background(), "tools/list", json.RawMessage(`{}`), time.Second)
		close(done)
	}()
	sentRaw := <-conn.sent
	req := decodeSentRequest(t, sentRaw)
	conn.recvCh <- encodeResponse(t, req.ID, map[string]string{"ok": "yes"}, nil)
	<-done
	if callErr != nil {
		t.Fatalf("Call() error = %v", callErr)
	}
}
