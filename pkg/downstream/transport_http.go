package downstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
)

// DefaultHTTPTimeout is the HTTP client timeout for each POST. DialHTTP
// falls back to it for a non-positive timeout, and Manager always dials
// with it.
const DefaultHTTPTimeout = 5 * time.Second

// httpConn adapts a request/response POST /mcp endpoint to the duplex Conn
// interface Session expects. Send fires the POST in the background and
// Recv drains whichever call finishes next; Session pairs replies to
// in-flight calls by JSON-RPC id, so the two adapters are interchangeable
// from its point of view even though HTTP has no unsolicited push frames.
type httpConn struct {
	endpoint string
	client   *http.Client
	results  chan frameResult
}

type frameResult struct {
	raw json.RawMessage
	err error
}

// DialHTTP returns a Conn bound to a single POST /mcp endpoint. It performs
// no handshake of its own — the first Send is the first network activity.
func DialHTTP(endpoint string, timeout time.Duration) Conn {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	return &httpConn{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		results:  make(chan frameResult, 8),
	}
}

// Send fires the POST in the background. A failure of this particular
// call — including its own deadline expiring — is reported as a
// synthesized JSON-RPC error frame carrying the request's id, not as a
// Recv-level error: per-call failures must not be mistaken for the
// connection itself being broken, which would otherwise take down every
// other in-flight call sharing this Conn (see Session's single read
// loop).
func (c *httpConn) Send(ctx context.Context, msg json.RawMessage) error {
	decoded, err := jsonrpc.DecodeMessage(msg)
	if err != nil {
		return fmt.Errorf("downstream: decode outgoing frame: %w", err)
	}
	req, ok := decoded.(*jsonrpc.Request)
	if !ok {
		return fmt.Errorf("downstream: httpConn.Send: outgoing frame is not a request")
	}

	go func() {
		raw, err := c.postWithRetry(ctx, msg)
		if err != nil {
			frame, encErr := errorFrame(req.ID, err)
			if encErr == nil {
				c.results <- frameResult{raw: frame}
				return
			}
		}
		c.results <- frameResult{raw: raw, err: err}
	}()
	return nil
}

func errorFrame(id jsonrpc.ID, err error) (json.RawMessage, error) {
	resp := &jsonrpc.Response{ID: id, Error: fmt.Errorf("downstream unreachable: %w", err)}
	wire, encErr := jsonrpc.EncodeMessage(resp)
	if encErr != nil {
		return nil, encErr
	}
	return json.RawMessage(wire), nil
}

func (c *httpConn) Recv(ctx context.Context) (json.RawMessage, error) {
	select {
	case r := <-c.results:
		return r.raw, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *httpConn) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// postWithRetry sends the frame, retrying exactly once on a connection-level
// failure (dial/reset/refused) — not on HTTP-level errors or timeouts, which
// are surfaced to the caller as-is.
func (c *httpConn) postWithRetry(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	raw, err := c.post(ctx, body)
	if err != nil && isConnectionFailure(err) {
		raw, err = c.post(ctx, body)
	}
	return raw, err
}

func (c *httpConn) post(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("downstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downstream: post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("downstream: read response body: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("downstream: %s returned status %d: %s", c.endpoint, resp.StatusCode, string(data))
	}
	return json.RawMessage(data), nil
}

// isConnectionFailure reports whether err looks like it happened before any
// byte reached the server — the only class of failure this adapter retries.
func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return !opErr.Timeout()
	}
	return errors.Is(err, net.ErrClosed)
}
