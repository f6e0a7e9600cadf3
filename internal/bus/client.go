// Package bus bridges the session machine onto NATS: commands arrive as
// requests on <prefix>.cmd.<name>, and every session event is published on
// <prefix>.event.<kind>.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client wraps a NATS connection.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

// Connect dials url. The context bounds the initial connection only.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	conn, err := nats.Connect(url,
		nats.Name("gostt-recorder"),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to %s: %w", url, err)
	}
	log.Info("connected to NATS", "url", url)
	return &Client{conn: conn, log: log}, nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.log.Info("closing NATS connection")
	if err := c.conn.Drain(); err != nil {
		c.conn.Close()
	}
}

// Healthy reports whether the connection is up.
func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

// Conn returns the underlying connection.
func (c *Client) Conn() *nats.Conn {
	return c.conn
}
