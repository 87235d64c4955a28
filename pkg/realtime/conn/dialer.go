package conn

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Conn is the subset of *websocket.Conn the manager uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens a connection to address.
type Dialer interface {
	Dial(ctx context.Context, address string) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, address string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, address string) (Conn, error) {
	return f(ctx, address)
}

// WebSocketDialer dials gorilla websocket connections.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	Token            string
}

func (d WebSocketDialer) Dial(ctx context.Context, address string) (Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	var header http.Header
	if tok := strings.TrimSpace(d.Token); tok != "" {
		header = http.Header{}
		header.Set("Authorization", "Bearer "+tok)
	}
	c, resp, err := dialer.DialContext(ctx, address, header)
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "ws dial %s (HTTP %d)", address, resp.StatusCode)
		}
		return nil, errors.Wrapf(err, "ws dial %s", address)
	}
	return c, nil
}
