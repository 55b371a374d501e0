package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
	"github.com/loomstack/mcpgatewayd/pkg/downstream"
	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

// newStore builds an empty gwconfig.Store backed by a temp directory.
func newStore(t *testing.T) *gwconfig.Store {
	t.Helper()
	dir := t.TempDir()
	s := gwconfig.New(filepath.Join(dir, "servers.json"), filepath.Join(dir, "mcp-config.json"), nil)
	if err := s.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return s
}

// addServer registers a server record in store.
func addServer(t *testing.T, store *gwconfig.Store, name, url string, enabled bool) {
	t.Helper()
	if _, err := store.MutateServer(func(doc *gwconfig.ServerListDocument) {
		doc.Servers = append(doc.Servers, gwconfig.ServerRecord{Name: name, URL: url, Enabled: enabled})
	}); err != nil {
		t.Fatalf("MutateServer: %v", err)
	}
}

// newState wires a State with real Manager/Cache/Store collaborators, ready
// for exercising against httptest-backed downstreams.
func newState(t *testing.T, store *gwconfig.Store, toolCap int) *State {
	t.Helper()
	if toolCap > 0 {
		if _, err := store.MutateServer(func(doc *gwconfig.ServerListDocument) {
			doc.ToolCap = toolCap
		}); err != nil {
			t.Fatalf("set toolCap: %v", err)
		}
	}
	sessions := downstream.NewManager(store, nil)
	t.Cleanup(sessions.CloseAll)
	// Long TTL: these tests assert on deterministic cache transitions
	// (explicit invalidation, admin mutation), not on TTL-driven staleness,
	// which pkg/catalog already covers directly.
	cache := catalog.New(time.Hour, nil)
	return NewState(store, sessions, cache, "", ServerInfo{Name: "test-gateway", Version: "0.0.0-test"}, nil)
}

// fakeDownstream serves tools/list from a swappable tool set and records
// every tools/call it receives, replying with a fixed result.
type fakeDownstream struct {
	srv        *httptest.Server
	mu         sync.Mutex
	tools      []catalog.ToolDescriptor
	callSeen   chan toolCallParams
	callResult json.RawMessage
	hang       atomic.Bool
}

func newFakeDownstream(t *testing.T, tools ...string) *fakeDownstream {
	t.Helper()
	fd := &fakeDownstream{callSeen: make(chan toolCallParams, 8)}
	for _, name := range tools {
		fd.tools = append(fd.tools, catalog.ToolDescriptor{Name: name, Description: "", Parameters: json.RawMessage(`{}`)})
	}
	fd.callResult = json.RawMessage(`{"ok":true}`)
	fd.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fd.hang.Load() {
			// Drain the body first: net/http only notices the client going
			// away (and cancels r.Context) once the request body is read.
			_ = readBody(t, r)
			<-r.Context().Done()
			return
		}
		body := readBody(t, r)
		msg, err := jsonrpc.DecodeMessage(body)
		if err != nil {
			t.Fatalf("decode request: %v", err)
		}
		req := msg.(*jsonrpc.Request)

		var result json.RawMessage
		switch req.Method {
		case "tools/list":
			fd.mu.Lock()
			raw, err := json.Marshal(map[string]any{"tools": fd.tools})
			fd.mu.Unlock()
			if err != nil {
				t.Fatalf("marshal tools/list reply: %v", err)
			}
			result = raw
		case "tools/call":
			var p toolCallParams
			if err := json.Unmarshal(req.Params, &p); err != nil {
				t.Fatalf("decode tools/call params: %v", err)
			}
			fd.callSeen <- p
			result = fd.callResult
		default:
			result = json.RawMessage(`{}`)
		}

		resp := &jsonrpc.Response{ID: req.ID, Result: result}
		wire, err := jsonrpc.EncodeMessage(resp)
		if err != nil {
			t.Fatalf("encode response: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(wire)
	}))
	t.Cleanup(fd.srv.Close)
	return fd
}

func readBody(t *testing.T, r *http.Request) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	if _, err := buf.ReadFrom(r.Body); err != nil {
		t.Fatalf("read request body: %v", err)
	}
	return buf.Bytes()
}

func (fd *fakeDownstream) setTools(tools ...string) {
	fd.mu.Lock()
	defer fd.mu.Unlock()
	fd.tools = fd.tools[:0]
	for _, name := range tools {
		fd.tools = append(fd.tools, catalog.ToolDescriptor{Name: name, Description: "", Parameters: json.RawMessage(`{}`)})
	}
}

// writeLine marshals v and writes it as one input line. Call before Run.
func writeLine(t *testing.T, buf *bytes.Buffer, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal line: %v", err)
	}
	buf.Write(data)
	buf.WriteByte('\n')
}

func readLines(t *testing.T, out *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("unmarshal output line %q: %v", scanner.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}
