// Package downstream implements the two transport adapters and the
// per-server session state machine that sit between the gateway and each
// child-process or HTTP downstream MCP server.
package downstream

import (
	"context"
	"encoding/json"
)

// Conn is the duplex wire-frame channel a Session drives. Both adapters
// (child-process stdio and HTTP POST) satisfy it, letting Session stay
// transport-agnostic: it only ever sees encoded JSON-RPC frames going in and
// coming out, matched by id.
type Conn interface {
	// Send writes one encoded JSON-RPC request or notification. It must not
	// block waiting for a reply.
	Send(ctx context.Context, msg json.RawMessage) error

	// Recv blocks until the next frame is available, or ctx is done. For the
	// stdio adapter this is whatever the child process writes next; for the
	// HTTP adapter this is the response body of whichever call completes
	// next.
	Recv(ctx context.Context) (json.RawMessage, error)

	// Close tears the connection down. Idempotent.
	Close() error
}
