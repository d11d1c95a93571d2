// Package client drives one station-side connection to the gateway.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vasya00044/ev-server/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler answers a request sent by the gateway.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// CallError is returned when the gateway answers a request with a CallError frame.
type CallError struct {
	Code        string
	Description string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("gateway error: %s: %s", e.Code, e.Description)
}

// ErrClosed is returned for requests made on or interrupted by a closed connection.
var ErrClosed = fmt.Errorf("connection closed")

// Stats counts frames on one connection.
type Stats struct {
	FramesSent     map[string]int64
	FramesReceived map[string]int64
	PendingCalls   int
	ConnectedAt    time.Time
}

type connectionMetrics struct {
	mu             sync.Mutex
	framesSent     map[string]int64
	framesReceived map[string]int64
	connectedAt    time.Time
}

func (m *connectionMetrics) sent(t protocol.MessageType) {
	m.mu.Lock()
	m.framesSent[t.String()]++
	m.mu.Unlock()
}

func (m *connectionMetrics) received(t protocol.MessageType) {
	m.mu.Lock()
	m.framesReceived[t.String()]++
	m.mu.Unlock()
}

// Client manages a station WebSocket connection: it answers gateway requests
// and correlates responses to its own requests.
type Client struct {
	conn      protocol.WebSocketConn
	version   protocol.Version
	handlers  map[string]Handler
	writeLock sync.Mutex
	logger    zerolog.Logger
	metrics   *connectionMetrics

	pending   map[string]chan protocol.Frame
	pendingMu sync.Mutex
	closed    bool

	done      chan struct{}
	closeOnce sync.Once
}

// New wraps an established connection. handlers may be nil.
func New(conn protocol.WebSocketConn, version protocol.Version, handlers map[string]Handler, logger zerolog.Logger) *Client {
	hs := make(map[string]Handler, len(handlers))
	for action, h := range handlers {
		hs[action] = h
	}
	return &Client{
		conn:     conn,
		version:  version,
		handlers: hs,
		logger:   logger,
		metrics: &connectionMetrics{
			framesSent:     make(map[string]int64),
			framesReceived: make(map[string]int64),
			connectedAt:    time.Now(),
		},
		pending: make(map[string]chan protocol.Frame),
		done:    make(chan struct{}),
	}
}

// Version returns the protocol version of the connection.
func (c *Client) Version() protocol.Version {
	return c.version
}

// Done is closed when the connection has shut down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection and fails pending requests.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.pendingMu.Lock()
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()

		c.writeLock.Lock()
		c.conn.WriteControl(websocket.CloseMessage, protocol.CloseMessage(websocket.CloseNormalClosure, "station closing"), time.Now().Add(time.Second))
		c.writeLock.Unlock()
		c.conn.Close()
		close(c.done)
	})
}

// Stats returns a snapshot of the connection counters.
func (c *Client) Stats() Stats {
	c.metrics.mu.Lock()
	defer c.metrics.mu.Unlock()

	s := Stats{
		FramesSent:     make(map[string]int64, len(c.metrics.framesSent)),
		FramesReceived: make(map[string]int64, len(c.metrics.framesReceived)),
		ConnectedAt:    c.metrics.connectedAt,
	}
	for k, v := range c.metrics.framesSent {
		s.FramesSent[k] = v
	}
	for k, v := range c.metrics.framesReceived {
		s.FramesReceived[k] = v
	}

	c.pendingMu.Lock()
	s.PendingCalls = len(c.pending)
	c.pendingMu.Unlock()
	return s
}

func (c *Client) writeFrame(f protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.writeLock.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.conn.SetWriteDeadline(time.Time{})
	c.writeLock.Unlock()

	if err != nil {
		return err
	}
	c.metrics.sent(f.Type)
	return nil
}

// Call sends a request to the gateway and waits for its response.
func (c *Client) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", action, err)
	}

	id := uuid.NewString()
	ch := make(chan protocol.Frame, 1)

	c.pendingMu.Lock()
	if c.closed {
		c.pendingMu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.writeFrame(protocol.NewCall(id, action, body)); err != nil {
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if f.Type == protocol.MessageTypeCallError {
			return nil, &CallError{Code: f.ErrorCode, Description: f.ErrorDescription}
		}
		return f.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run reads frames until the connection fails. It always closes the client.
func (c *Client) Run(ctx context.Context) error {
	defer c.Close()

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			return fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug().Int("messageType", messageType).Msg("Ignoring non-text frame")
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Gateway sent malformed frame, dropping")
			continue
		}
		c.metrics.received(f.Type)

		switch f.Type {
		case protocol.MessageTypeCall:
			c.handleCall(ctx, f)
		case protocol.MessageTypeCallResult, protocol.MessageTypeCallError:
			c.deliver(f)
		}
	}
}

func (c *Client) deliver(f protocol.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug().Str("messageID", f.ID).Msg("No pending request for response, discarding")
		return
	}
	ch <- f
}

func (c *Client) handleCall(ctx context.Context, f protocol.Frame) {
	logger := c.logger.With().Str("messageID", f.ID).Str("action", f.Action).Logger()

	h, ok := c.handlers[f.Action]
	if !ok {
		logger.Info().Msg("Gateway requested unsupported action")
		c.respond(protocol.NewCallError(f.ID, protocol.ErrorNotImplemented, "Requested Action is not known by receiver", nil), logger)
		return
	}

	result, err := h(ctx, f.Payload)
	if err != nil {
		logger.Warn().Err(err).Msg("Handler failed")
		c.respond(protocol.NewCallError(f.ID, protocol.ErrorInternalError, err.Error(), nil), logger)
		return
	}

	logger.Info().RawJSON("result", result).Msg("Answered gateway request")
	c.respond(protocol.NewCallResult(f.ID, result), logger)
}

func (c *Client) respond(f protocol.Frame, logger zerolog.Logger) {
	if err := c.writeFrame(f); err != nil {
		logger.Debug().Err(err).Msg("Failed to send response")
	}
}
