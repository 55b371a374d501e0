package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/mcpgatewayd/pkg/catalog"
	"github.com/loomstack/mcpgatewayd/pkg/downstream"
	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

// ServerInfo is the handshake identity the gateway reports to its client on
// initialize.
type ServerInfo struct {
	Name    string
	Version string
}

// DefaultAdminPrefix is the reserved namespace built-in tools are exposed
// under when no administrator override is configured.
const DefaultAdminPrefix = "admin"

// State is the process-wide GatewayState: the config store, the downstream
// session manager, and the catalog cache, plus the single admin critical
// section that every mutating admin tool runs inside. The dispatcher owns
// one State and hands a reference to every request it spawns a task for.
type State struct {
	store    *gwconfig.Store
	sessions *downstream.Manager
	catalog  *catalog.Cache
	logger   *zap.Logger

	adminPrefix string
	info        ServerInfo
	callTimeout time.Duration

	// mu serializes admin tool mutations. The config-file write is the one
	// piece of I/O that runs while it is held (single-writer rule); network
	// I/O — session startup, catalog discovery — happens after release.
	mu sync.Mutex

	initialized atomic.Bool

	notifyMu sync.Mutex
	notify   func(message string)
}

// NewState wires a State from its three owned collaborators. adminPrefix
// defaults to DefaultAdminPrefix when empty.
func NewState(store *gwconfig.Store, sessions *downstream.Manager, cache *catalog.Cache, adminPrefix string, info ServerInfo, logger *zap.Logger) *State {
	if adminPrefix == "" {
		adminPrefix = DefaultAdminPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &State{
		store:       store,
		sessions:    sessions,
		catalog:     cache,
		logger:      logger.Named("gateway"),
		adminPrefix: adminPrefix,
		info:        info,
		callTimeout: downstream.DefaultCallTimeout,
		notify:      func(string) {},
	}
	s.logAdminPrefixCollisions()
	return s
}

// logAdminPrefixCollisions flags, at startup, any configured server whose
// derived namespace collides with the reserved admin prefix.
// gwconfig.Store's own collision check (logNamespaceCollisions, run inside
// Load) only compares servers against each other and has no notion of
// adminPrefix, which is a gateway-level setting layered in after Load
// returns — this is that same check extended to the one additional reserved
// name. A server that collides here is left permanently unreachable through
// the router, since resolveBuiltin is tried before namespace resolution.
func (s *State) logAdminPrefixCollisions() {
	for _, rec := range s.store.Servers() {
		if catalog.Namespace(rec.Name) == s.adminPrefix {
			s.logger.Warn("server namespace collides with the reserved admin prefix, its tools are permanently shadowed by the built-ins",
				zap.String("server", rec.Name), zap.String("admin_prefix", s.adminPrefix))
		}
	}
}

// SetNotifier installs the callback used to deliver update/tools
// notifications. The dispatcher installs this once, wiring it to its
// serialized writer.
func (s *State) SetNotifier(fn func(message string)) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if fn == nil {
		fn = func(string) {}
	}
	s.notify = fn
}

// SetFrameForwarder installs the callback that relays downstream-pushed
// notifications verbatim to the client, per the session wire contract. The
// dispatcher installs this once, alongside SetNotifier.
func (s *State) SetFrameForwarder(fn func(raw json.RawMessage)) {
	s.sessions.SetNotificationSink(func(server string, raw json.RawMessage) {
		s.logger.Debug("forwarding downstream notification", zap.String("server", server))
		fn(raw)
	})
}

func (s *State) emitToolsUpdate(message string) {
	s.notifyMu.Lock()
	fn := s.notify
	s.notifyMu.Unlock()
	fn(message)
}

// ServerInfo returns the handshake identity for initialize's reply.
func (s *State) ServerInfo() ServerInfo { return s.info }

// AdminPrefix returns the configured reserved namespace for built-ins.
func (s *State) AdminPrefix() string { return s.adminPrefix }

// Initialize starts every enabled downstream and warms the catalog. It is
// idempotent: only the first call does any work, so repeat initialize
// requests never restart sessions. The completed warm-up round emits
// exactly one update/tools notification, the same as any other discovery
// round (servers_enable, refresh_tools, background staleness refresh).
func (s *State) Initialize(ctx context.Context) {
	if !s.initialized.CompareAndSwap(false, true) {
		return
	}
	var names []string
	for _, rec := range s.store.Servers() {
		if rec.Enabled {
			names = append(names, rec.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	go func() {
		callers := make(map[string]catalog.Caller, len(names))
		for _, name := range names {
			sess, err := s.sessions.Connect(context.Background(), name)
			if err != nil {
				s.logger.Warn("failed to start downstream session", zap.String("server", name), zap.Error(err))
				continue
			}
			callers[name] = sess
		}
		if len(callers) == 0 {
			return
		}
		s.catalog.RefreshAll(context.Background(), callers, s.callTimeout)
		s.emitToolsUpdate(fmt.Sprintf("initial warm-up complete (%d tools cached)", len(s.catalog.Tools())))
	}()
}

// startAndWarm connects (if not already connected) and discovers a single
// downstream's tool list. Used by ServersEnable, which emits its own
// update/tools notification once this returns.
func (s *State) startAndWarm(ctx context.Context, name string) {
	sess, ok := s.sessions.Session(name)
	if !ok {
		var err error
		sess, err = s.sessions.Connect(ctx, name)
		if err != nil {
			s.logger.Warn("failed to start downstream session", zap.String("server", name), zap.Error(err))
			return
		}
	}
	s.catalog.RefreshOne(ctx, name, sess, s.callTimeout)
}

// ToolsList returns the union of built-ins and the currently cached
// namespaced catalog, and kicks off a non-blocking refresh for any enabled
// downstream whose entry is missing or past its TTL.
func (s *State) ToolsList(ctx context.Context) json.RawMessage {
	s.backgroundRefreshStale(ctx)

	tools := s.builtinDescriptors()
	tools = append(tools, s.catalog.Tools()...)
	data, err := json.Marshal(map[string]any{"tools": tools})
	if err != nil {
		// Descriptors are built entirely from internal data; a marshal
		// failure here would be a programming error, not a runtime one.
		s.logger.Error("marshal tools/list reply", zap.Error(err))
		return json.RawMessage(`{"tools":[]}`)
	}
	return data
}

func (s *State) backgroundRefreshStale(ctx context.Context) {
	var names []string
	for _, rec := range s.store.Servers() {
		if rec.Enabled && s.catalog.NeedsRefresh(rec.Name) {
			names = append(names, rec.Name)
		}
	}
	if len(names) == 0 {
		return
	}
	go func() {
		callers := make(map[string]catalog.Caller, len(names))
		for _, name := range names {
			sess, ok := s.sessions.Session(name)
			if !ok {
				var err error
				sess, err = s.sessions.Connect(context.Background(), name)
				if err != nil {
					s.logger.Warn("background refresh: failed to start session",
						zap.String("server", name), zap.Error(err))
					continue
				}
			}
			callers[name] = sess
		}
		if len(callers) == 0 {
			return
		}
		s.catalog.RefreshAll(context.Background(), callers, s.callTimeout)
		s.emitToolsUpdate(fmt.Sprintf("tool catalog refreshed (%d tools cached)", len(s.catalog.Tools())))
	}()
}

// Shutdown drains every downstream session and force-closes them after
// grace — the signal-triggered shutdown sequence. The dispatcher calls this
// once, after it stops accepting new requests.
func (s *State) Shutdown(grace time.Duration) {
	s.sessions.Shutdown(grace)
}

func countEnabled(servers []gwconfig.ServerRecord) int {
	n := 0
	for _, rec := range servers {
		if rec.Enabled {
			n++
		}
	}
	return n
}
