package gateway

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process exit codes.
const (
	ExitClean             = 0
	ExitConfigLoadFatal   = 1
	ExitStdIOFatal        = 2
	ExitBackpressureFatal = 3
)

// maxScanTokenSize raises bufio.Scanner's line buffer past its 64KiB
// default — a tool catalog reply can comfortably exceed that.
const maxScanTokenSize = 8 * 1024 * 1024

// outboxCapacity bounds the dispatcher's pending-write queue. A write that
// would overflow it means the client has stopped reading entirely; that is
// a fatal condition, not something to buffer around.
const outboxCapacity = 4096

// DefaultCallDeadline is the deadline every tools/call forward runs under.
const DefaultCallDeadline = 5 * time.Second

// shutdownGrace is the SIGINT/SIGTERM grace window: downstream sessions get
// this long to finish draining before their transports are force-closed.
const shutdownGrace = 2 * time.Second

// shuttingDownMessage is the exact -32603 reason every request still
// in-flight when shutdown begins is failed with.
const shuttingDownMessage = "gateway shutting down"

// Dispatcher is the client-facing line-delimited JSON-RPC 2.0 reader/writer
// on standard I/O (C7). It owns the single serialized writer, decodes and
// validates every inbound envelope, and routes recognized methods to
// State's handshake, catalog, admin, and router methods.
type Dispatcher struct {
	state         *State
	logger        *zap.Logger
	callDeadline  time.Duration
	shutdownGrace time.Duration

	out       io.Writer
	outMu     sync.RWMutex
	outClosed bool
	outbox    chan []byte
	writeWG   sync.WaitGroup

	fatalOnce sync.Once
	fatalErr  error
	fatalCode int
	cancel    context.CancelFunc
}

// NewDispatcher constructs a Dispatcher writing to out and wires itself as
// state's notifier.
func NewDispatcher(state *State, out io.Writer, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		state:         state,
		logger:        logger.Named("dispatcher"),
		callDeadline:  DefaultCallDeadline,
		shutdownGrace: shutdownGrace,
		out:           out,
		outbox:        make(chan []byte, outboxCapacity),
	}
	state.SetNotifier(d.notifyToolsUpdate)
	state.SetFrameForwarder(d.enqueueRaw)
	return d
}

// Run reads one JSON object per line from in until it hits EOF, ctx is
// cancelled, or a fatal error occurs (returned). Each request is handled
// in its own goroutine so that a slow downstream forward never blocks the
// next inbound line from being read; the writer goroutine serializes
// everything going the other way.
//
// Standard library reads have no cancelable variant, so the scanner runs on
// its own goroutine feeding a channel; the main loop here selects between
// that channel and ctx.Done() and so stops accepting new requests the
// instant ctx is cancelled (SIGINT/SIGTERM via the caller's context, or a
// fatal write/backpressure error via d.fatal) without waiting for in itself
// to produce EOF. The scanner goroutine is left running until in actually
// closes or errors; that's fine since the process is exiting either way.
func (d *Dispatcher) Run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	d.writeWG.Add(1)
	go d.runWriter()

	d.writeNotification("notification", "gateway ready")

	lines := make(chan []byte)
	scanErrCh := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), maxScanTokenSize)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			owned := append([]byte(nil), line...)
			select {
			case lines <- owned:
			case <-ctx.Done():
				return
			}
		}
		scanErrCh <- scanner.Err()
	}()

	var wg sync.WaitGroup
	shuttingDown := false
readLoop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break readLoop
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				d.handleLine(ctx, line)
			}()
		case <-ctx.Done():
			shuttingDown = true
			break readLoop
		}
	}

	// A signal-triggered shutdown (fatalErr still unset when ctx died):
	// sessions go Draining, get a grace window, then are force-closed. A
	// fatal write/backpressure error skips straight to tearing things down
	// below via the caller's own CloseAll.
	if shuttingDown && d.fatalErr == nil {
		d.state.Shutdown(d.shutdownGrace)
	}

	wg.Wait()
	d.outMu.Lock()
	d.outClosed = true
	close(d.outbox)
	d.outMu.Unlock()
	d.writeWG.Wait()

	if d.fatalErr != nil {
		return d.fatalErr
	}
	select {
	case err := <-scanErrCh:
		if err != nil {
			return fmt.Errorf("gateway: read standard input: %w", err)
		}
	default:
	}
	return nil
}

// ExitCode reports the process exit code implied by Run's returned error,
// 0 if Run returned nil.
func (d *Dispatcher) ExitCode() int {
	if d.fatalErr == nil {
		return ExitClean
	}
	return d.fatalCode
}

func (d *Dispatcher) fatal(code int, err error) {
	d.fatalOnce.Do(func() {
		d.fatalErr = err
		d.fatalCode = code
		if d.cancel != nil {
			d.cancel()
		}
	})
}

func (d *Dispatcher) runWriter() {
	defer d.writeWG.Done()
	for data := range d.outbox {
		if _, err := d.out.Write(data); err != nil {
			d.logger.Error("write to standard output failed", zap.Error(err))
			d.fatal(ExitStdIOFatal, fmt.Errorf("gateway: write standard output: %w", err))
			return
		}
	}
}

// enqueue serializes v, appends the trailing newline, and hands it to the
// writer goroutine.
func (d *Dispatcher) enqueue(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		d.logger.Error("marshal outbound message", zap.Error(err))
		return
	}
	d.enqueueBytes(append(data, '\n'))
}

// enqueueRaw relays an already-encoded frame — a downstream-pushed
// notification — to the client verbatim.
func (d *Dispatcher) enqueueRaw(raw json.RawMessage) {
	data := make([]byte, 0, len(raw)+1)
	data = append(data, raw...)
	d.enqueueBytes(append(data, '\n'))
}

// enqueueBytes hands one whole output line to the writer goroutine. A full
// outbox means the client has stopped draining standard output — fatal
// (exit 3), not something to buffer around indefinitely. Late frames
// arriving after Run has shut the writer down (a background refresh or a
// lingering downstream) are dropped rather than sent on a closed channel.
func (d *Dispatcher) enqueueBytes(data []byte) {
	d.outMu.RLock()
	defer d.outMu.RUnlock()
	if d.outClosed {
		return
	}
	select {
	case d.outbox <- data:
	default:
		d.fatal(ExitBackpressureFatal, errors.New("gateway: output queue saturated, client not draining standard output"))
	}
}

func (d *Dispatcher) writeResponse(resp Response) {
	d.enqueue(resp)
}

func (d *Dispatcher) writeNotification(method, message string) {
	d.enqueue(Notification{JSONRPC: "2.0", Method: method, Message: message})
}

func (d *Dispatcher) notifyToolsUpdate(message string) {
	d.writeNotification("update/tools", message)
}

func (d *Dispatcher) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		if !json.Valid(line) {
			d.writeResponse(rpcErr(nil, CodeParseError, "parse error"))
			return
		}
		// Valid JSON that doesn't fit the envelope (wrong field types, not
		// an object). Reply -32600 when an id can be recovered; without one
		// the message is a notification and is dropped.
		var probe struct {
			ID json.RawMessage `json:"id"`
		}
		if err := json.Unmarshal(line, &probe); err != nil || len(probe.ID) == 0 || string(probe.ID) == "null" {
			return
		}
		d.writeResponse(rpcErr(probe.ID, CodeInvalidRequest, "invalid request"))
		return
	}

	if req.JSONRPC != "2.0" {
		if req.IsNotification() {
			return
		}
		d.writeResponse(rpcErr(req.ID, CodeInvalidRequest, `invalid request: jsonrpc must be "2.0"`))
		return
	}
	if req.Method == "" {
		if req.IsNotification() {
			return
		}
		d.writeResponse(rpcErr(req.ID, CodeInvalidRequest, "invalid request: missing method"))
		return
	}

	switch req.Method {
	case "initialize":
		d.handleInitialize(ctx, req)
	case "tools/list":
		d.handleToolsList(ctx, req)
	case "tools/call":
		d.handleToolsCall(ctx, req)
	default:
		if req.IsNotification() {
			return
		}
		d.writeResponse(rpcErr(req.ID, CodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method)))
	}
}

func (d *Dispatcher) handleInitialize(ctx context.Context, req Request) {
	d.state.Initialize(ctx)
	if req.IsNotification() {
		return
	}
	info := d.state.ServerInfo()
	result := map[string]any{
		"serverInfo": map[string]any{"name": info.Name, "version": info.Version},
		"capabilities": map[string]any{
			"tools": map[string]any{"supported": true},
		},
	}
	d.writeResponse(ok(req.ID, result))
}

func (d *Dispatcher) handleToolsList(ctx context.Context, req Request) {
	result := d.state.ToolsList(ctx)
	if req.IsNotification() {
		return
	}
	d.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)})
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, req Request) {
	callCtx, cancel := context.WithTimeout(ctx, d.callDeadline)
	defer cancel()

	result, err := d.state.CallTool(callCtx, req.Params, d.callDeadline)
	if req.IsNotification() {
		return
	}
	if err != nil {
		if ctx.Err() != nil {
			// The outer (non-deadline) context died under us: the gateway
			// is shutting down, not this one call timing out.
			d.writeResponse(rpcErr(req.ID, CodeInternalError, shuttingDownMessage))
			return
		}
		code, msg := statusFromError(err)
		d.writeResponse(rpcErr(req.ID, code, msg))
		return
	}
	d.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)})
}
