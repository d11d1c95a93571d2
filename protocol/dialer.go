package protocol

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Dialer abstracts opening a station-side WebSocket for testing
type Dialer interface {
	Dial(ctx context.Context, url string, subprotocol string, header http.Header) (WebSocketConn, error)
}

// DefaultDialer dials with gorilla/websocket
type DefaultDialer struct {
	HandshakeTimeout time.Duration
}

// Dial connects to url offering a single subprotocol and checks the server accepted it.
func (d *DefaultDialer) Dial(ctx context.Context, url string, subprotocol string, header http.Header) (WebSocketConn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: d.HandshakeTimeout,
		Subprotocols:     []string{subprotocol},
		Proxy:            http.ProxyFromEnvironment,
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if conn.Subprotocol() != subprotocol {
		conn.Close()
		return nil, fmt.Errorf("server selected subprotocol %q, want %q", conn.Subprotocol(), subprotocol)
	}
	return conn, nil
}
