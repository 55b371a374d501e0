package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

// Manager owns one Session per configured downstream server, keyed by the
// server's name in the server list document. It is the thing the catalog
// cache and the router hold a reference to.
type Manager struct {
	logger *zap.Logger
	store  *gwconfig.Store

	mu       sync.RWMutex
	sessions map[string]*Session

	notifyMu sync.RWMutex
	notify   func(server string, raw json.RawMessage)
}

// NewManager constructs a Manager bound to a loaded config store. It does
// not connect to anything until Connect is called per server.
func NewManager(store *gwconfig.Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:   logger.Named("downstream"),
		store:    store,
		sessions: make(map[string]*Session),
	}
}

// Connect dials the named server using its ServerRecord and, for
// child-process servers, its LaunchDescriptor, then starts a Session and
// registers it. Reconnecting a server that already has a live session
// closes the old one once the new one has completed its handshake and
// replaced it in routing.
func (m *Manager) Connect(ctx context.Context, name string) (*Session, error) {
	rec, ok := m.store.Server(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}

	conn, err := m.dial(ctx, rec)
	if err != nil {
		return nil, err
	}

	session := NewSession(name, conn, m.logger, func(err error) {
		m.logger.Warn("downstream session failed, removing from routing",
			zap.String("server", name), zap.Error(err))
		m.mu.Lock()
		delete(m.sessions, name)
		m.mu.Unlock()
	})
	session.OnNotification(func(raw json.RawMessage) {
		m.notifyMu.RLock()
		fn := m.notify
		m.notifyMu.RUnlock()
		if fn != nil {
			fn(name, raw)
		}
	})

	// Starting -> Ready happens here: the child's initialize reply received,
	// or the first HTTP round-trip succeeding. A downstream that never
	// replies transitions to Failed without blocking its peers, since each
	// call to Connect is independent.
	if err := session.Handshake(ctx, DefaultCallTimeout); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("downstream: %s: %w", name, err)
	}

	m.mu.Lock()
	if old, exists := m.sessions[name]; exists {
		go old.Close()
	}
	m.sessions[name] = session
	m.mu.Unlock()

	return session, nil
}

func (m *Manager) dial(ctx context.Context, rec gwconfig.ServerRecord) (Conn, error) {
	var conn Conn
	if rec.IsHTTP() {
		conn = DialHTTP(rec.URL, DefaultHTTPTimeout)
	} else {
		desc, ok := m.store.GetLaunchDescriptor(rec.Name)
		if !ok {
			return nil, fmt.Errorf("downstream: no launch descriptor for %q", rec.Name)
		}
		dialed, err := DialStdio(ctx, desc)
		if err != nil {
			return nil, err
		}
		conn = dialed
	}
	return newLoggingConn(rec.Name, conn, m.logger), nil
}

// SetNotificationSink installs the callback unsolicited downstream
// notifications are handed to, verbatim, tagged with the owning server's
// name. Every session looks the sink up when a notification arrives, so it
// applies to sessions connected before the call as well as after.
func (m *Manager) SetNotificationSink(fn func(server string, raw json.RawMessage)) {
	m.notifyMu.Lock()
	m.notify = fn
	m.notifyMu.Unlock()
}

// Session returns the live session for name, if any.
func (m *Manager) Session(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[name]
	return s, ok
}

// Disconnect drains and closes the named server's session, if live, and
// removes it from routing.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	s, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	s.Drain()
	return s.Close()
}

// Names returns the names of every server with a live session, in no
// particular order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.sessions))
	for name := range m.sessions {
		out = append(out, name)
	}
	return out
}

// Shutdown marks every live session Draining, gives them grace to finish
// in-flight work, then force-closes whatever is left — the signal-triggered
// shutdown sequence (Draining -> grace -> force-terminate, Closed). Unlike
// CloseAll, callers that need the session removed from routing before
// tearing it down use this first.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		s.Drain()
	}
	if grace > 0 {
		time.Sleep(grace)
	}
	m.CloseAll()
}

// CloseAll drains and closes every live session — used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for name, s := range sessions {
		wg.Add(1)
		go func(name string, s *Session) {
			defer wg.Done()
			s.Drain()
			if err := s.Close(); err != nil {
				m.logger.Warn("error closing downstream session",
					zap.String("server", name), zap.Error(err))
			}
		}(name, s)
	}
	wg.Wait()
}
