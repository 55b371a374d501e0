package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Caller is the subset of downstream.Session the catalog needs: enough to
// issue tools/list and get a raw JSON-RPC result back. Kept narrow so this
// package doesn't need to import pkg/downstream.
type Caller interface {
	Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// refreshGate is a one-in-flight-at-a-time coalescing lock: a buffered
// channel of capacity 1 used as a non-blocking try-lock.
type refreshGate struct {
	ch chan struct{}
}

func newRefreshGate() *refreshGate {
	return &refreshGate{ch: make(chan struct{}, 1)}
}

func (g *refreshGate) tryAcquire() bool {
	select {
	case g.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (g *refreshGate) release() {
	select {
	case <-g.ch:
	default:
	}
}

// Cache holds the last-known tool catalog for every enabled downstream.
type Cache struct {
	ttl    time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	entries map[string]Entry

	gateMu sync.Mutex
	gates  map[string]*refreshGate
}

// New constructs an empty catalog cache. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration, logger *zap.Logger) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		ttl:     ttl,
		logger:  logger.Named("catalog"),
		entries: make(map[string]Entry),
		gates:   make(map[string]*refreshGate),
	}
}

// Get returns the current cached entry for a downstream, if any.
func (c *Cache) Get(serverName string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[serverName]
	return e, ok
}

// All returns a snapshot of every cached entry, keyed by server name.
func (c *Cache) All() map[string]Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Entry, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Tools flattens every cached entry's tools into one slice, the shape
// tools/list hands back to the client alongside the built-ins.
func (c *Cache) Tools() []NamespacedToolDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []NamespacedToolDescriptor
	for _, e := range c.entries {
		out = append(out, e.Tools...)
	}
	return out
}

// NeedsRefresh reports whether a downstream has no cached entry yet or its
// entry has aged past the TTL.
func (c *Cache) NeedsRefresh(serverName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[serverName]
	if !ok {
		return true
	}
	return e.stale(time.Now().Add(-c.ttl))
}

// Invalidate drops a single downstream's entry entirely — used when a
// server is disabled, since its tools should stop being listed rather than
// merely marked stale.
func (c *Cache) Invalidate(serverName string) {
	c.mu.Lock()
	delete(c.entries, serverName)
	c.mu.Unlock()
}

// InvalidateAll clears every cached entry, forcing a full rediscovery on the
// next refresh. Used by refresh_tools and by broad admin mutations.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()
}

func (c *Cache) gateFor(serverName string) *refreshGate {
	c.gateMu.Lock()
	defer c.gateMu.Unlock()
	g, ok := c.gates[serverName]
	if !ok {
		g = newRefreshGate()
		c.gates[serverName] = g
	}
	return g
}

// RefreshOne discovers one downstream's tool list and replaces its cache
// entry on success. On failure the previous entry (if any) is kept with its
// status downgraded to STALE rather than erased. If a refresh for this
// downstream is already in flight, this call is a coalesced no-op.
func (c *Cache) RefreshOne(ctx context.Context, serverName string, caller Caller, deadline time.Duration) {
	gate := c.gateFor(serverName)
	if !gate.tryAcquire() {
		return
	}
	defer gate.release()

	raw, err := caller.Call(ctx, "tools/list", json.RawMessage(`{}`), deadline)
	if err != nil {
		c.markStale(serverName, err)
		return
	}

	var payload struct {
		Tools []ToolDescriptor `json:"tools"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		c.markStale(serverName, fmt.Errorf("catalog: decode tools/list reply: %w", err))
		return
	}

	namespaced := make([]NamespacedToolDescriptor, 0, len(payload.Tools))
	for _, t := range payload.Tools {
		namespaced = append(namespaced, namespaceTool(serverName, t))
	}

	c.mu.Lock()
	c.entries[serverName] = Entry{Tools: namespaced, FetchedAt: time.Now(), Status: StatusOK}
	c.mu.Unlock()
}

func (c *Cache) markStale(serverName string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, existed := c.entries[serverName]
	if !existed {
		c.entries[serverName] = Entry{Status: StatusFailed, FailureReason: err.Error(), FetchedAt: time.Now()}
		c.logger.Warn("initial discovery failed", zap.String("server", serverName), zap.Error(err))
		return
	}
	prev.Status = StatusStale
	prev.FailureReason = err.Error()
	c.entries[serverName] = prev
	c.logger.Warn("refresh failed, keeping last-known catalog", zap.String("server", serverName), zap.Error(err))
}

// RefreshAll fans discovery out across every provided downstream in
// parallel and waits for all of them to finish (success or failure).
func (c *Cache) RefreshAll(ctx context.Context, callers map[string]Caller, deadline time.Duration) {
	var wg sync.WaitGroup
	for name, caller := range callers {
		wg.Add(1)
		go func(name string, caller Caller) {
			defer wg.Done()
			c.RefreshOne(ctx, name, caller, deadline)
		}(name, caller)
	}
	wg.Wait()
}
