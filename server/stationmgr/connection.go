package stationmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultCallTimeout  = 30 * time.Second
	maxIDAttempts       = 8
)

// Options tune a Connection. Zero values fall back to defaults.
type Options struct {
	WriteTimeout time.Duration
	// IDGenerator produces correlation IDs for outbound calls.
	IDGenerator func() string
	// OnFrameSent is invoked after every frame successfully written.
	OnFrameSent func(id Identity, f protocol.Frame)
	Logger      zerolog.Logger
}

// Connection represents one connected charging station
type Connection struct {
	Identity    Identity
	Conn        protocol.WebSocketConn
	ConnectedAt time.Time
	WriteLock   sync.Mutex

	writeTimeout time.Duration
	newID        func() string
	onFrameSent  func(Identity, protocol.Frame)
	logger       zerolog.Logger

	calls       *callTable
	alive       atomic.Bool
	lastSeen    atomic.Int64 // unix nanos
	closed      atomic.Bool
	closeOnce   sync.Once
	closeReason atomic.Value
	done        chan struct{}
}

// Info is a point-in-time view of a connection for introspection.
type Info struct {
	Identity     Identity  `json:"identity"`
	Alive        bool      `json:"alive"`
	LastSeen     time.Time `json:"last_seen"`
	ConnectedAt  time.Time `json:"connected_at"`
	PendingCalls int       `json:"pending_calls"`
}

// NewConnection wraps an upgraded transport. The connection starts alive.
func NewConnection(identity Identity, conn protocol.WebSocketConn, opts Options) *Connection {
	now := time.Now()
	c := &Connection{
		Identity:     identity,
		Conn:         conn,
		ConnectedAt:  now,
		writeTimeout: opts.WriteTimeout,
		newID:        opts.IDGenerator,
		onFrameSent:  opts.OnFrameSent,
		logger:       opts.Logger.With().Str("tenantID", identity.TenantID).Str("stationID", identity.StationID).Logger(),
		calls:        newCallTable(),
		done:         make(chan struct{}),
	}
	if c.writeTimeout <= 0 {
		c.writeTimeout = defaultWriteTimeout
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	c.alive.Store(true)
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Logger returns the connection-scoped logger.
func (c *Connection) Logger() *zerolog.Logger {
	return &c.logger
}

// SendFrame encodes and writes one text frame under the write lock.
func (c *Connection) SendFrame(f protocol.Frame) error {
	if c.closed.Load() {
		return errors.ErrConnectionClosed
	}

	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}

	c.WriteLock.Lock()
	c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err = c.Conn.WriteMessage(websocket.TextMessage, data)
	c.Conn.SetWriteDeadline(time.Time{})
	c.WriteLock.Unlock()

	if err != nil {
		return fmt.Errorf("write %s frame: %w", f.Type, err)
	}
	if c.onFrameSent != nil {
		c.onFrameSent(c.Identity, f)
	}
	return nil
}

// SendPing writes a WebSocket ping control frame.
func (c *Connection) SendPing() error {
	c.WriteLock.Lock()
	defer c.WriteLock.Unlock()

	c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	err := c.Conn.WriteMessage(websocket.PingMessage, []byte{})
	c.Conn.SetWriteDeadline(time.Time{})
	return err
}

// Call sends a request to the station and waits for the matching result.
// A timeout <= 0 uses the tenant's configured call timeout.
func (c *Connection) Call(ctx context.Context, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if c.closed.Load() || !c.alive.Load() {
		return nil, fmt.Errorf("call %s: %w", action, errors.ErrConnectionClosed)
	}

	if timeout <= 0 {
		timeout = c.Identity.Settings.CallTimeout
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	pc, err := c.registerCall(action, timeout)
	if err != nil {
		return nil, err
	}

	if err := c.SendFrame(protocol.NewCall(pc.id, action, payload)); err != nil {
		if _, ok := c.calls.take(pc.id); ok {
			if c.closed.Load() {
				return nil, fmt.Errorf("call %s: %w", action, errors.ErrConnectionClosed)
			}
			return nil, fmt.Errorf("call %s: %w", action, err)
		}
		// Resolved concurrently (close raced the write)
		out := <-pc.resultCh
		return out.payload, out.err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-pc.resultCh:
		return out.payload, out.err
	case <-timer.C:
		if _, ok := c.calls.take(pc.id); ok {
			c.logger.Debug().Str("messageID", pc.id).Str("action", action).Dur("timeout", timeout).Msg("Outbound call timed out")
			return nil, fmt.Errorf("call %s: %w", action, errors.ErrTimedOut)
		}
		out := <-pc.resultCh
		return out.payload, out.err
	case <-ctx.Done():
		if _, ok := c.calls.take(pc.id); ok {
			return nil, ctx.Err()
		}
		out := <-pc.resultCh
		return out.payload, out.err
	}
}

func (c *Connection) registerCall(action string, timeout time.Duration) (*pendingCall, error) {
	now := time.Now()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		pc := &pendingCall{
			id:       c.newID(),
			action:   action,
			issuedAt: now,
			deadline: now.Add(timeout),
			resultCh: make(chan callOutcome, 1),
		}
		switch c.calls.add(pc) {
		case added:
			return pc, nil
		case tableClosed:
			return nil, fmt.Errorf("call %s: %w", action, errors.ErrConnectionClosed)
		case duplicateID:
			c.logger.Warn().Str("messageID", pc.id).Msg("Correlation ID collision, regenerating")
		}
	}
	return nil, fmt.Errorf("call %s: could not allocate a unique message id", action)
}

// ResolveCall completes the pending call matching a CallResult or CallError
// frame. It returns false when no call with that ID is pending, which covers
// late answers to calls that already timed out.
func (c *Connection) ResolveCall(f protocol.Frame) bool {
	pc, ok := c.calls.take(f.ID)
	if !ok {
		return false
	}

	switch f.Type {
	case protocol.MessageTypeCallResult:
		pc.resultCh <- callOutcome{payload: f.Payload}
	case protocol.MessageTypeCallError:
		pc.resultCh <- callOutcome{err: &errors.CallError{
			Code:        f.ErrorCode,
			Description: f.ErrorDescription,
			Details:     f.ErrorDetails,
		}}
	default:
		pc.resultCh <- callOutcome{err: fmt.Errorf("unexpected %s frame for call %s", f.Type, f.ID)}
	}

	c.logger.Debug().Str("messageID", f.ID).Str("action", pc.action).Dur("elapsed", time.Since(pc.issuedAt)).Msg("Outbound call resolved")
	return true
}

// PendingCount returns the number of outbound calls awaiting an answer.
func (c *Connection) PendingCount() int {
	return c.calls.len()
}

// MarkAlive records a liveness acknowledgement.
func (c *Connection) MarkAlive(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
	c.alive.Store(true)
}

// CheckWatchdog flips the connection to not-alive when nothing has been heard
// for longer than period. It returns true only on the alive -> dead transition.
func (c *Connection) CheckWatchdog(now time.Time, period time.Duration) bool {
	if now.Sub(c.LastSeen()) <= period {
		return false
	}
	return c.alive.CompareAndSwap(true, false)
}

// IsAlive returns the liveness flag.
func (c *Connection) IsAlive() bool {
	return c.alive.Load()
}

// LastSeen returns the time of the last liveness evidence.
func (c *Connection) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

// IsClosed reports whether Close has been called.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// CloseReason returns the reason passed to the first Close call.
func (c *Connection) CloseReason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}

// Close fails every pending call with ErrConnectionClosed and then releases
// the transport. Only the first call has any effect.
func (c *Connection) Close(reason string) {
	c.CloseWithCode(websocket.CloseNormalClosure, reason)
}

// CloseWithCode is Close with an explicit WebSocket close code.
func (c *Connection) CloseWithCode(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeReason.Store(reason)
		c.closed.Store(true)
		c.alive.Store(false)

		failed := c.calls.failAll(errors.ErrConnectionClosed)
		close(c.done)

		c.Conn.WriteControl(websocket.CloseMessage, protocol.CloseMessage(code, reason), time.Now().Add(time.Second))
		c.Conn.Close()

		if failed > 0 {
			c.logger.Info().Str("reason", reason).Int("pendingCalls", failed).Msg("Connection closed")
		} else {
			c.logger.Info().Str("reason", reason).Msg("Connection closed")
		}
	})
}

// Snapshot returns an Info for this connection.
func (c *Connection) Snapshot() Info {
	return Info{
		Identity:     c.Identity,
		Alive:        c.IsAlive(),
		LastSeen:     c.LastSeen(),
		ConnectedAt:  c.ConnectedAt,
		PendingCalls: c.PendingCount(),
	}
}
