package gateway

import (
	"errors"
	"fmt"

	"github.com/loomstack/mcpgatewayd/pkg/downstream"
)

// Sentinel errors raised by the admin tools and the router. statusFromError
// maps each to a WireError the dispatcher can hand back verbatim.
var (
	ErrUnknownServer    = errors.New("gateway: unknown server")
	ErrToolLimitReached = errors.New("gateway: tool limit reached")
	ErrUnknownTool      = errors.New("gateway: unknown tool")
	ErrMissingParam     = errors.New("gateway: missing required parameter")
)

// statusFromError maps a sentinel or wrapped error to the JSON-RPC code and
// message the client sees, mirroring the errors.Is/As dispatch used
// elsewhere in the pack to translate domain errors into a wire status.
func statusFromError(err error) (int, string) {
	// A downstream's own JSON-RPC error is relayed unchanged rather than
	// re-wrapped in -32603, so the client sees the downstream's own code
	// and message.
	var upstreamErr *downstream.UpstreamError
	if errors.As(err, &upstreamErr) {
		return int(upstreamErr.Code), upstreamErr.Message
	}

	switch {
	case errors.Is(err, ErrUnknownServer):
		return CodeInvalidParams, err.Error()
	case errors.Is(err, ErrToolLimitReached):
		return CodeInvalidParams, "tool limit reached"
	case errors.Is(err, ErrMissingParam):
		return CodeInvalidParams, err.Error()
	case errors.Is(err, ErrUnknownTool):
		return CodeMethodNotFound, err.Error()
	case errors.Is(err, downstream.ErrUpstreamTimeout):
		return CodeInternalError, fmt.Sprintf("upstream timeout: %v", err)
	case errors.Is(err, downstream.ErrSessionClosed):
		return CodeInternalError, "upstream closed"
	case errors.Is(err, downstream.ErrNotReady):
		return CodeInternalError, fmt.Sprintf("upstream not ready: %v", err)
	default:
		return CodeInternalError, err.Error()
	}
}
