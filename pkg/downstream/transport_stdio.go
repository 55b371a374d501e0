package downstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/loomstack/mcpgatewayd/pkg/gwconfig"
)

// ChildGrace is the time given to a child process between SIGTERM and
// SIGKILL during teardown.
const ChildGrace = 2 * time.Second

// DialStdio spawns a child process per desc and returns a duplex Conn over
// its stdin/stdout. The process is not tied to ctx's lifetime: ctx only
// bounds the handshake, and teardown is explicit via Close (SIGTERM, then
// SIGKILL after ChildGrace).
func DialStdio(ctx context.Context, desc gwconfig.LaunchDescriptor) (Conn, error) {
	if desc.Command == "" {
		return nil, errors.New("downstream: launch descriptor has no command")
	}

	cmd := exec.Command(desc.Command, desc.Args...)
	if desc.Cwd != "" {
		cmd.Dir = desc.Cwd
	}
	if len(desc.Env) > 0 {
		cmd.Env = append(os.Environ(), formatEnv(desc.Env)...)
	}

	transport := &mcp.CommandTransport{Command: cmd}
	conn, err := transport.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("downstream: spawn %s: %w", desc.Command, err)
	}

	return &stdioConn{cmd: cmd, conn: conn}, nil
}

type stdioConn struct {
	cmd  *exec.Cmd
	conn mcp.Connection
}

func (c *stdioConn) Send(ctx context.Context, msg json.RawMessage) error {
	decoded, err := jsonrpc.DecodeMessage(msg)
	if err != nil {
		return fmt.Errorf("downstream: decode outgoing frame: %w", err)
	}
	return c.conn.Write(ctx, decoded)
}

func (c *stdioConn) Recv(ctx context.Context) (json.RawMessage, error) {
	msg, err := c.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	raw, err := jsonrpc.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("downstream: encode incoming frame: %w", err)
	}
	return json.RawMessage(raw), nil
}

func (c *stdioConn) Close() error {
	_ = c.conn.Close()
	return terminateGracefully(c.cmd, ChildGrace)
}

func terminateGracefully(cmd *exec.Cmd, grace time.Duration) error {
	if cmd.Process == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// Process may already have exited between the nil check and here.
		select {
		case werr := <-done:
			return werr
		case <-time.After(grace):
		}
	}

	select {
	case err := <-done:
		return err
	case <-time.After(grace):
		_ = cmd.Process.Kill()
		return <-done
	}
}

func formatEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
