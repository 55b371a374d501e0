package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"
)

func findResponse(t *testing.T, lines []map[string]any, id float64) map[string]any {
	t.Helper()
	for _, l := range lines {
		if idVal, ok := l["id"]; ok {
			if f, ok := idVal.(float64); ok && f == id {
				return l
			}
		}
	}
	t.Fatalf("no response with id %v found in %+v", id, lines)
	return nil
}

func TestDispatcherColdStartEmptyConfig(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)

	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	var in bytes.Buffer
	writeLine(t, &in, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "initialize"})
	writeLine(t, &in, map[string]any{"jsonrpc": "2.0", "id": 2, "method": "tools/list"})

	if err := disp.Run(context.Background(), &in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	initResp := findResponse(t, lines, 1)
	if initResp["result"] == nil {
		t.Fatalf("initialize response missing result: %+v", initResp)
	}

	listResp := findResponse(t, lines, 2)
	result, ok := listResp["result"].(map[string]any)
	if !ok {
		t.Fatalf("tools/list result not an object: %+v", listResp)
	}
	tools, ok := result["tools"].([]any)
	if !ok {
		t.Fatalf("tools/list result.tools not an array: %+v", result)
	}
	if len(tools) != 4 {
		t.Fatalf("tools/list returned %d tools, want exactly the 4 admin built-ins", len(tools))
	}
}

func TestDispatcherParseErrorYieldsNullID(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)
	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	in := bytes.NewBufferString("{not json\n")
	if err := disp.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	var found bool
	for _, l := range lines {
		errObj, ok := l["error"].(map[string]any)
		if !ok {
			continue
		}
		if code, _ := errObj["code"].(float64); code == CodeParseError {
			found = true
			if l["id"] != nil {
				t.Fatalf("parse error response id = %v, want null", l["id"])
			}
		}
	}
	if !found {
		t.Fatalf("no -32700 parse error response found in %+v", lines)
	}
}

func TestDispatcherInvalidEnvelopeNotification(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)
	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	var in bytes.Buffer
	// No "id" field at all: this is a notification and must never receive
	// a reply, even though jsonrpc is wrong.
	writeLine(t, &in, map[string]any{"jsonrpc": "1.0", "method": "whatever"})

	if err := disp.Run(context.Background(), &in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	for _, l := range lines {
		if _, hasErr := l["error"]; hasErr {
			t.Fatalf("unexpected error response for a notification: %+v", l)
		}
	}
}

func TestDispatcherInvalidEnvelopeWithIDYieldsInvalidRequest(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)
	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	var in bytes.Buffer
	writeLine(t, &in, map[string]any{"jsonrpc": "1.0", "id": 7, "method": "whatever"})

	if err := disp.Run(context.Background(), &in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	resp := findResponse(t, lines, 7)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if code, _ := errObj["code"].(float64); code != CodeInvalidRequest {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeInvalidRequest)
	}
}

// TestDispatcherMistypedEnvelopeYieldsInvalidRequest distinguishes the two
// envelope failure replies: a line that is valid JSON but doesn't fit the
// envelope (method is a number here) is -32600 with the recovered id, not
// -32700.
func TestDispatcherMistypedEnvelopeYieldsInvalidRequest(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)
	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	in := bytes.NewBufferString(`{"jsonrpc":"2.0","id":5,"method":123}` + "\n")
	if err := disp.Run(context.Background(), in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	resp := findResponse(t, lines, 5)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if code, _ := errObj["code"].(float64); code != CodeInvalidRequest {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeInvalidRequest)
	}
}

func TestDispatcherUnknownMethodNotFound(t *testing.T) {
	store := newStore(t)
	state := newState(t, store, 0)
	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)

	var in bytes.Buffer
	writeLine(t, &in, map[string]any{"jsonrpc": "2.0", "id": 1, "method": "resources/list"})

	if err := disp.Run(context.Background(), &in); err != nil {
		t.Fatalf("Run: %v", err)
	}

	lines := readLines(t, &out)
	resp := findResponse(t, lines, 1)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response, got %+v", resp)
	}
	if code, _ := errObj["code"].(float64); code != CodeMethodNotFound {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeMethodNotFound)
	}
}

// TestDispatcherShutdownFailsInFlightToolsCall covers the signal-triggered
// shutdown sequence: a tools/call blocked on a hung downstream is failed
// with -32603 "gateway shutting down" as soon as ctx is cancelled, and Run
// returns instead of waiting out the full call deadline.
func TestDispatcherShutdownFailsInFlightToolsCall(t *testing.T) {
	store := newStore(t)
	fd := newFakeDownstream(t, "slow", "fast")
	addServer(t, store, "svc", fd.srv.URL, true)
	state := newState(t, store, 60)

	// Establish the session (and its initialize handshake) before the
	// downstream starts hanging, so the in-flight call below blocks on the
	// forward itself rather than on connection setup.
	if _, err := state.CallTool(context.Background(), toolCallRaw(t, "svc_fast", map[string]any{}), time.Second); err != nil {
		t.Fatalf("warm-up CallTool(svc_fast): %v", err)
	}
	fd.hang.Store(true)

	var out bytes.Buffer
	disp := NewDispatcher(state, &out, nil)
	disp.shutdownGrace = 10 * time.Millisecond

	pr, pw := io.Pipe()
	t.Cleanup(func() { _ = pw.Close() })

	go func() {
		data, err := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 9, "method": "tools/call",
			"params": toolCallRaw(t, "svc_slow", map[string]any{})})
		if err != nil {
			return
		}
		_, _ = pw.Write(append(data, '\n'))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErrCh := make(chan error, 1)
	go func() { runErrCh <- disp.Run(ctx, pr) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return promptly after ctx cancellation")
	}

	lines := readLines(t, &out)
	resp := findResponse(t, lines, 9)
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error response for in-flight call, got %+v", resp)
	}
	if code, _ := errObj["code"].(float64); code != CodeInternalError {
		t.Fatalf("code = %v, want %d", errObj["code"], CodeInternalError)
	}
	if msg, _ := errObj["message"].(string); msg != shuttingDownMessage {
		t.Fatalf("message = %q, want %q", msg, shuttingDownMessage)
	}
}
