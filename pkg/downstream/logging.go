package downstream

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"
)

// loggingConn wraps a Conn and emits every frame crossing it at debug level,
// tagged with its direction and owning server. Driven by the ambient
// *zap.Logger rather than a separate opt-in callback: a no-op *zap.Logger
// (the default everywhere else in this package) makes this free.
type loggingConn struct {
	serverName string
	delegate   Conn
	logger     *zap.Logger
}

func newLoggingConn(serverName string, delegate Conn, logger *zap.Logger) Conn {
	return &loggingConn{serverName: serverName, delegate: delegate, logger: logger}
}

func (c *loggingConn) Send(ctx context.Context, msg json.RawMessage) error {
	if err := c.delegate.Send(ctx, msg); err != nil {
		return err
	}
	c.emit("send", msg)
	return nil
}

func (c *loggingConn) Recv(ctx context.Context) (json.RawMessage, error) {
	msg, err := c.delegate.Recv(ctx)
	if err == nil {
		c.emit("receive", msg)
	}
	return msg, err
}

func (c *loggingConn) Close() error {
	return c.delegate.Close()
}

func (c *loggingConn) emit(direction string, msg json.RawMessage) {
	if ce := c.logger.Check(zap.DebugLevel, "rpc traffic"); ce != nil {
		ce.Write(
			zap.String("server", c.serverName),
			zap.String("direction", direction),
			zap.ByteString("message", msg),
		)
	}
}
