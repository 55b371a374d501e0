package downstream

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by Session and Manager. Callers map these to
// JSON-RPC error codes at the dispatcher boundary (see pkg/gateway/errors.go).
var (
	// ErrNotReady is returned when Call is invoked on a session that is not
	// in the Ready state (still Starting, or Draining, Failed or Closed).
	ErrNotReady = errors.New("downstream: session not ready")

	// ErrUpstreamTimeout is returned when a call's deadline elapses before a
	// matching reply arrives. The session remains Ready afterward — a single
	// slow call never tears down the connection.
	ErrUpstreamTimeout = errors.New("downstream: upstream timeout")

	// ErrSessionClosed is returned to a call that is still waiting for its
	// reply when the session transitions to Closed or Failed.
	ErrSessionClosed = errors.New("downstream: session closed")

	// ErrUnknownServer is returned by Manager when asked to operate on a
	// server name it has no record for.
	ErrUnknownServer = errors.New("downstream: unknown server")
)

// UpstreamError is a downstream's own JSON-RPC error, code and message
// intact. The SDK's jsonrpc.Response exposes Error only as a plain error
// interface, so Session decodes the wire envelope itself to recover the
// structured fields rather than losing them to a generic error string.
type UpstreamError struct {
	Code    int64
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("downstream: upstream error %d: %s", e.Code, e.Message)
}
