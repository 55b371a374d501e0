// Package catalog maintains the gateway's namespaced view of every enabled
// downstream's tool list: deriving namespaces, fanning discovery out across
// sessions in parallel, and caching the result with a TTL and explicit
// invalidation.
package catalog

import (
	"encoding/json"
	"time"
)

// Status is the health of one downstream's cached catalog entry.
type Status string

const (
	StatusOK     Status = "OK"
	StatusFailed Status = "FAILED"
	StatusStale  Status = "STALE"
)

// DefaultTTL is how long a catalog entry is trusted before a tools/list
// triggers a background refresh.
const DefaultTTL = 5 * time.Minute

// ToolDescriptor is the wire shape a downstream reports for one of its
// tools.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// NamespacedToolDescriptor is what the gateway exposes to its client: the
// same tool, renamed and re-described so the client can address it
// unambiguously and the router can resolve it back.
type NamespacedToolDescriptor struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	ServerName   string          `json:"-"`
	OriginalName string          `json:"-"`
}

// Namespace returns this entry's derived namespace, re-computed from its
// ServerName — it is never stored separately to avoid the two drifting.
func (d NamespacedToolDescriptor) Namespace() string {
	return Namespace(d.ServerName)
}

func namespaceTool(serverName string, t ToolDescriptor) NamespacedToolDescriptor {
	ns := Namespace(serverName)
	return NamespacedToolDescriptor{
		Name:         ToolName(ns, t.Name),
		Description:  Describe(serverName, t.Description),
		Parameters:   t.Parameters,
		ServerName:   serverName,
		OriginalName: t.Name,
	}
}

// Entry is the cached state for one downstream's tool catalog.
type Entry struct {
	Tools         []NamespacedToolDescriptor
	FetchedAt     time.Time
	Status        Status
	FailureReason string
}

func (e Entry) stale(ttl time.Time) bool {
	return e.FetchedAt.Before(ttl)
}
