package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

// nameParam is the shared param shape of servers_enable/servers_disable.
type nameParam struct {
	Name string `json:"name"`
}

func requireName(raw json.RawMessage) (string, error) {
	var p nameParam
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return "", fmt.Errorf("%w: name (%v)", ErrMissingParam, err)
		}
	}
	if p.Name == "" {
		return "", fmt.Errorf("%w: name", ErrMissingParam)
	}
	return p.Name, nil
}

func successResult(message string) (json.RawMessage, error) {
	data, err := json.Marshal(map[string]any{"success": true, "message": message})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// callAdmin dispatches a resolved built-in tool name to its handler. Called
// only with names already validated by resolveBuiltin.
func (s *State) callAdmin(ctx context.Context, name string, params json.RawMessage) (json.RawMessage, error) {
	if err := validateAdminParams(name, params); err != nil {
		return nil, err
	}
	switch name {
	case "servers_list":
		return s.ServersList(ctx)
	case "servers_enable":
		return s.ServersEnable(ctx, params)
	case "servers_disable":
		return s.ServersDisable(ctx, params)
	case "refresh_tools":
		return s.RefreshTools(ctx)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
}

// ServersList reports every configured downstream and its connection
// status, and emits an update/tools notification summarizing the snapshot
// as a side effect.
func (s *State) ServersList(ctx context.Context) (json.RawMessage, error) {
	servers := s.store.Servers()
	out := make([]map[string]any, 0, len(servers))
	enabledCount := 0
	for _, rec := range servers {
		if rec.Enabled {
			enabledCount++
		}
		out = append(out, map[string]any{
			"name":    rec.Name,
			"url":     rec.URL,
			"enabled": rec.Enabled,
			"status":  s.statusFor(rec),
		})
	}
	toolCap := s.store.ToolCap()
	message := fmt.Sprintf("%d/%d servers enabled", enabledCount, toolCap)

	result, err := json.Marshal(map[string]any{
		"toolCap":      toolCap,
		"enabledCount": enabledCount,
		"servers":      out,
		"message":      message,
	})
	if err != nil {
		return nil, err
	}
	s.emitToolsUpdate(message)
	return result, nil
}

// statusFor reports a human-readable connection status for one server
// record: the downstream session lifecycle state where live, or the cached
// catalog's last-known health otherwise. Deliberately not a live probe per
// listed server — the TTL-driven background refresh already tracks
// downstream health.
func (s *State) statusFor(rec gwconfig.ServerRecord) string {
	if !rec.Enabled {
		return "disabled"
	}
	if sess, ok := s.sessions.Session(rec.Name); ok {
		return string(sess.State())
	}
	if entry, ok := s.catalog.Get(rec.Name); ok {
		return "cached:" + string(entry.Status)
	}
	return "not_connected"
}

// ServersEnable enables a disabled server subject to the tool cap, starts
// its session, and warms its catalog entry before returning — so a
// subsequent tools/list from the same client sees it immediately.
func (s *State) ServersEnable(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	name, err := requireName(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.store.Server(name)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if rec.Enabled {
		s.mu.Unlock()
		return successResult(fmt.Sprintf("%s already enabled", name))
	}
	if countEnabled(s.store.Servers()) >= s.store.ToolCap() {
		s.mu.Unlock()
		return nil, ErrToolLimitReached
	}
	if _, err := s.store.MutateServer(func(doc *gwconfig.ServerListDocument) {
		for i := range doc.Servers {
			if doc.Servers[i].Name == name {
				doc.Servers[i].Enabled = true
			}
		}
	}); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("gateway: persist enable %s: %w", name, err)
	}
	s.catalog.Invalidate(name)
	s.mu.Unlock()

	s.startAndWarm(ctx, name)
	s.emitToolsUpdate(fmt.Sprintf("%s enabled (%d tools cached)", name, len(s.catalog.Tools())))
	return successResult(fmt.Sprintf("%s enabled", name))
}

// ServersDisable disables an enabled server, drains and closes its
// session, and drops its catalog entry entirely (it must stop being
// listed, not merely go stale).
func (s *State) ServersDisable(ctx context.Context, raw json.RawMessage) (json.RawMessage, error) {
	name, err := requireName(raw)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	rec, ok := s.store.Server(name)
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	if !rec.Enabled {
		s.mu.Unlock()
		return successResult(fmt.Sprintf("%s already disabled", name))
	}
	if _, err := s.store.MutateServer(func(doc *gwconfig.ServerListDocument) {
		for i := range doc.Servers {
			if doc.Servers[i].Name == name {
				doc.Servers[i].Enabled = false
			}
		}
	}); err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("gateway: persist disable %s: %w", name, err)
	}
	s.catalog.Invalidate(name)
	s.mu.Unlock()

	if err := s.sessions.Disconnect(name); err != nil {
		s.logger.Warn("error disconnecting downstream on disable", zap.String("server", name), zap.Error(err))
	}
	s.emitToolsUpdate(fmt.Sprintf("%s disabled", name))
	return successResult(fmt.Sprintf("%s disabled", name))
}

// RefreshTools invalidates the entire catalog and kicks off rediscovery of
// every enabled downstream, returning immediately. The catalog's
// own per-downstream refresh gate guarantees at most one concurrent
// discovery per downstream even if refresh_tools is called again before
// this round finishes.
func (s *State) RefreshTools(ctx context.Context) (json.RawMessage, error) {
	s.catalog.InvalidateAll()
	enabled := s.store.Servers()

	var names []string
	for _, rec := range enabled {
		if rec.Enabled {
			names = append(names, rec.Name)
		}
	}

	go func() {
		callers := make(map[string]catalog.Caller, len(names))
		for _, name := range names {
			sess, ok := s.sessions.Session(name)
			if !ok {
				var err error
				sess, err = s.sessions.Connect(context.Background(), name)
				if err != nil {
					s.logger.Warn("refresh_tools: failed to start session",
						zap.String("server", name), zap.Error(err))
					continue
				}
			}
			callers[name] = sess
		}
		s.catalog.RefreshAll(context.Background(), callers, s.callTimeout)
		s.emitToolsUpdate(fmt.Sprintf("refresh complete: %d tools cached", len(s.catalog.Tools())))
	}()

	result, err := json.Marshal(map[string]any{"success": true, "enabledServers": len(names)})
	if err != nil {
		return nil, err
	}
	return result, nil
}
