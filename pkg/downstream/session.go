package downstream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"
)

// State is one point in the per-server session lifecycle: New, Starting,
// Ready, Draining, Closed, with Failed reachable from Starting or Ready.
type State string

const (
	StateNew      State = "new"
	StateStarting State = "starting"
	StateReady    State = "ready"
	StateDraining State = "draining"
	StateFailed   State = "failed"
	StateClosed   State = "closed"
)

// DefaultCallTimeout is applied to Call when the caller doesn't supply one.
const DefaultCallTimeout = 5 * time.Second

// inFlightRequest tracks one outstanding call: the session-local id it was
// sent under, and the channel its matching reply is delivered on once Recv
// decodes it.
type inFlightRequest struct {
	localID  int64
	deadline time.Time
	replyCh  chan sessionReply
}

// sessionReply is the demultiplexed outcome of one Call: either a result
// payload or an error. err is either an *UpstreamError (the downstream's own
// JSON-RPC error, decoded straight off the wire envelope since jsonrpc.
// Response.Error only exposes it as an opaque error) or a transport-level
// failure.
type sessionReply struct {
	result json.RawMessage
	err    error
}

// Session is the gateway's handle on one downstream MCP server connection.
// It owns the monotonic local-id sequence, the in-flight request table, and
// the single reader goroutine that demultiplexes replies back onto that
// table. It is safe for concurrent use by multiple callers issuing Call.
type Session struct {
	name   string
	conn   Conn
	logger *zap.Logger

	mu      sync.Mutex
	state   State
	pending map[int64]*inFlightRequest
	nextID  atomic.Int64
	notify  func(raw json.RawMessage)

	onFailure func(err error)

	closedOnce sync.Once
	doneCh     chan struct{}
}

// NewSession wraps an already-dialed Conn in a session state machine,
// starting in Starting. The caller owns dialing (DialStdio / DialHTTP) and
// must drive the session to Ready with Handshake before routing calls to it
// — NewSession only starts the reader loop.
func NewSession(name string, conn Conn, logger *zap.Logger, onFailure func(err error)) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Session{
		name:      name,
		conn:      conn,
		logger:    logger.Named("downstream").With(zap.String("server", name)),
		state:     StateStarting,
		pending:   make(map[int64]*inFlightRequest),
		onFailure: onFailure,
		doneCh:    make(chan struct{}),
	}
	s.nextID.Store(0)
	go s.readLoop()
	return s
}

// Handshake sends the initialize request with local id 1 and blocks until
// the downstream replies, the deadline elapses, or ctx is cancelled. Success
// transitions Starting to Ready; a missing or errored initialize reply
// transitions to Failed. Only valid from Starting; calling it twice on an
// already-Ready session is a no-op that returns nil.
func (s *Session) Handshake(ctx context.Context, timeout time.Duration) error {
	if s.State() == StateReady {
		return nil
	}
	if _, err := s.doCall(ctx, "initialize", json.RawMessage(`{}`), timeout); err != nil {
		s.fail(fmt.Errorf("downstream: %s: initialize handshake: %w", s.name, err))
		return err
	}
	s.setState(StateReady)
	return nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnNotification registers fn to receive, verbatim, every JSON-RPC
// notification the downstream pushes outside the request/reply flow
// (update/tools and the like). The frame is handed over exactly as it came
// off the wire; the gateway relays it to its own client unchanged.
func (s *Session) OnNotification(fn func(raw json.RawMessage)) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

// Call sends method/params to the downstream and blocks until a matching
// reply arrives, the deadline elapses, or ctx is cancelled. A timeout does
// not fail the session — it remains Ready and the caller sees
// ErrUpstreamTimeout.
func (s *Session) Call(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if s.State() != StateReady {
		return nil, ErrNotReady
	}
	return s.doCall(ctx, method, params, timeout)
}

// doCall is the shared request/reply mechanics behind both Call and
// Handshake. It does not check or require the Ready state — Handshake is the
// one caller that issues a request before the session is Ready.
func (s *Session) doCall(ctx context.Context, method string, params json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	localID := s.nextID.Add(1)
	id, err := jsonrpc.MakeID(fmt.Sprintf("%d", localID))
	if err != nil {
		return nil, fmt.Errorf("downstream: build request id: %w", err)
	}

	entry := &inFlightRequest{
		localID:  localID,
		deadline: time.Now().Add(timeout),
		replyCh:  make(chan sessionReply, 1),
	}
	s.mu.Lock()
	s.pending[localID] = entry
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, localID)
		s.mu.Unlock()
	}()

	req := &jsonrpc.Request{ID: id, Method: method, Params: params}
	wire, err := jsonrpc.EncodeMessage(req)
	if err != nil {
		return nil, fmt.Errorf("downstream: encode request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.conn.Send(callCtx, json.RawMessage(wire)); err != nil {
		return nil, fmt.Errorf("downstream: send request: %w", err)
	}

	select {
	case reply := <-entry.replyCh:
		if reply.err != nil {
			return nil, reply.err
		}
		return reply.result, nil
	case <-callCtx.Done():
		return nil, ErrUpstreamTimeout
	case <-s.doneCh:
		return nil, ErrSessionClosed
	}
}

// readLoop is the session's single reader. It runs until Recv errors, at
// which point the session transitions to Failed and onFailure is invoked so
// the owning Manager can remove it from routing.
func (s *Session) readLoop() {
	for {
		raw, err := s.conn.Recv(context.Background())
		if err != nil {
			s.fail(fmt.Errorf("downstream: %s: recv: %w", s.name, err))
			return
		}
		s.dispatchReply(raw)
	}
}

func (s *Session) dispatchReply(raw json.RawMessage) {
	msg, err := jsonrpc.DecodeMessage(raw)
	if err != nil {
		s.logger.Warn("discarding unparseable frame", zap.Error(err))
		return
	}
	resp, ok := msg.(*jsonrpc.Response)
	if !ok {
		if req, isReq := msg.(*jsonrpc.Request); isReq && !req.ID.IsValid() {
			// An unsolicited notification (update/tools and friends) is
			// forwarded verbatim to the client. A request carrying an id
			// would expect a reply the gateway cannot give; drop it.
			s.mu.Lock()
			fn := s.notify
			s.mu.Unlock()
			if fn != nil {
				fn(raw)
			}
			return
		}
		s.logger.Warn("discarding unexpected request frame from downstream")
		return
	}
	if !resp.ID.IsValid() {
		s.logger.Warn("discarding reply with no id")
		return
	}
	localID, err := parseLocalID(resp.ID)
	if err != nil {
		s.logger.Warn("discarding reply with unrecognized id", zap.Error(err))
		return
	}

	s.mu.Lock()
	entry, ok := s.pending[localID]
	s.mu.Unlock()
	if !ok {
		// Already timed out and evicted from the table, or a duplicate.
		return
	}

	reply := sessionReply{result: resp.Result}
	if resp.Error != nil {
		reply.err = decodeUpstreamError(raw, resp.Error)
	}
	select {
	case entry.replyCh <- reply:
	default:
	}
}

// decodeUpstreamError recovers the structured code/message pair a downstream
// sent, parsing the wire envelope directly since jsonrpc.Response.Error is
// only exposed as a plain error. fallback is returned unchanged if the
// envelope's error object doesn't parse.
func decodeUpstreamError(raw json.RawMessage, fallback error) error {
	var envelope struct {
		Error *struct {
			Code    int64  `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error == nil {
		return fallback
	}
	return &UpstreamError{Code: envelope.Error.Code, Message: envelope.Error.Message}
}

func parseLocalID(id jsonrpc.ID) (int64, error) {
	switch v := id.Raw().(type) {
	case string:
		var n int64
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("non-numeric id %q", v)
		}
		return n, nil
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	default:
		return 0, fmt.Errorf("unsupported id type %T", v)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateFailed || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	s.pending = make(map[int64]*inFlightRequest)
	s.mu.Unlock()

	// Callers blocked in Call wake via doneCh, not via their individual
	// replyCh, so none of them risk reading a nil *jsonrpc.Response.
	s.closedOnce.Do(func() { close(s.doneCh) })
	s.logger.Warn("session failed", zap.Error(err))
	if s.onFailure != nil {
		s.onFailure(err)
	}
}

// Drain transitions the session to Draining. From then on Call rejects new
// calls with ErrNotReady, while calls already waiting for a reply keep
// waiting until they complete, time out, or the session closes.
func (s *Session) Drain() {
	s.setState(StateDraining)
}

// Close tears the underlying connection down and marks the session Closed.
// Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()
	s.closedOnce.Do(func() { close(s.doneCh) })
	return s.conn.Close()
}
