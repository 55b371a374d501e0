package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
	"github.com/loomstack/mcpgatewayd/pkg/downstream"
)

// toolCallParams is the wire shape of tools/call's params in both
// directions: the client addresses a namespaced name, the gateway forwards
// the downstream's original name with the same parameters untouched.
type toolCallParams struct {
	Name       string          `json:"name"`
	Parameters json.RawMessage `json:"parameters"`
}

// CallTool is the router (C6): it resolves a namespaced tool name to
// either a built-in admin tool or a downstream, forwards accordingly, and
// returns the raw result payload or a sentinel error for the dispatcher to
// translate into a wire status.
func (s *State) CallTool(ctx context.Context, raw json.RawMessage, deadline time.Duration) (json.RawMessage, error) {
	var p toolCallParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return nil, fmt.Errorf("%w: name", ErrMissingParam)
	}

	if bare, ok := s.resolveBuiltin(p.Name); ok {
		return s.callAdmin(ctx, bare, p.Parameters)
	}

	ns, original, ok := catalog.SplitToolName(p.Name, s.enabledNamespaces())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, p.Name)
	}
	serverName, ok := s.serverForNamespace(ns)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, p.Name)
	}

	session, err := s.ready(ctx, serverName, deadline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", serverName, err)
	}

	forwardParams, err := json.Marshal(toolCallParams{Name: original, Parameters: p.Parameters})
	if err != nil {
		return nil, fmt.Errorf("gateway: encode forwarded call: %w", err)
	}
	result, err := session.Call(ctx, "tools/call", forwardParams, deadline)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", serverName, err)
	}
	return result, nil
}

// ready returns the named server's live, Ready session, dialing and
// handshaking within deadline when it isn't up yet.
func (s *State) ready(ctx context.Context, name string, deadline time.Duration) (*downstream.Session, error) {
	if sess, ok := s.sessions.Session(name); ok && sess.State() == downstream.StateReady {
		return sess, nil
	}
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	return s.sessions.Connect(cctx, name)
}

// enabledNamespaces is the set SplitToolName resolves a namespaced tool
// name's prefix against: only enabled servers route.
func (s *State) enabledNamespaces() map[string]struct{} {
	out := make(map[string]struct{})
	for _, rec := range s.store.Servers() {
		if rec.Enabled {
			out[catalog.Namespace(rec.Name)] = struct{}{}
		}
	}
	return out
}

func (s *State) serverForNamespace(ns string) (string, bool) {
	for _, rec := range s.store.Servers() {
		if rec.Enabled && catalog.Namespace(rec.Name) == ns {
			return rec.Name, true
		}
	}
	return "", false
}
