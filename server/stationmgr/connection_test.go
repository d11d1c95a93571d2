package stationmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/errors"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MockWebSocketConn for testing
type MockWebSocketConn struct {
	mu          sync.Mutex
	textWrites  [][]byte
	pings       int
	controls    []int
	writeErrors []error
	closed      bool
	sent        chan []byte
}

func NewMockWebSocketConn() *MockWebSocketConn {
	return &MockWebSocketConn{sent: make(chan []byte, 256)}
}

func (m *MockWebSocketConn) ReadMessage() (int, []byte, error) {
	return 0, nil, fmt.Errorf("not implemented in mock")
}

func (m *MockWebSocketConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.writeErrors) > 0 {
		err := m.writeErrors[0]
		m.writeErrors = m.writeErrors[1:]
		return err
	}

	switch messageType {
	case websocket.TextMessage:
		m.textWrites = append(m.textWrites, data)
		select {
		case m.sent <- data:
		default:
		}
	case websocket.PingMessage:
		m.pings++
	}
	return nil
}

func (m *MockWebSocketConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = append(m.controls, messageType)
	return nil
}

func (m *MockWebSocketConn) SetWriteDeadline(t time.Time) error        { return nil }
func (m *MockWebSocketConn) SetReadLimit(limit int64)                  {}
func (m *MockWebSocketConn) SetPongHandler(h func(appData string) error) {}
func (m *MockWebSocketConn) SetPingHandler(h func(appData string) error) {}
func (m *MockWebSocketConn) Subprotocol() string                       { return "ocpp1.6" }

func (m *MockWebSocketConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockWebSocketConn) TextWriteCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.textWrites)
}

func (m *MockWebSocketConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// nextCall waits for the next Call frame written to the mock.
func (m *MockWebSocketConn) nextCall(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case raw := <-m.sent:
		f, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("connection wrote invalid frame %s: %v", raw, err)
		}
		if f.Type != protocol.MessageTypeCall {
			t.Fatalf("expected call frame, got %s", f.Type)
		}
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for outbound call")
		return protocol.Frame{}
	}
}

func testIdentity() Identity {
	return Identity{
		TenantID:        "tenant-a",
		StationID:       "CP-1",
		ProtocolVersion: protocol.Version16,
		Settings:        TenantSettings{CallTimeout: time.Second},
	}
}

func newTestConnection(mock *MockWebSocketConn) *Connection {
	return NewConnection(testIdentity(), mock, Options{Logger: zerolog.Nop()})
}

type callReturn struct {
	payload json.RawMessage
	err     error
}

func startCall(c *Connection, ctx context.Context, action string, timeout time.Duration) chan callReturn {
	ch := make(chan callReturn, 1)
	go func() {
		payload, err := c.Call(ctx, action, json.RawMessage(`{"type":"Hard"}`), timeout)
		ch <- callReturn{payload, err}
	}()
	return ch
}

func waitReturn(t *testing.T, ch chan callReturn) callReturn {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("call did not return")
		return callReturn{}
	}
}

// TestConnectionConcurrentSendFrame tests that many goroutines can write frames without data races
func TestConnectionConcurrentSendFrame(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	numFrames := 100
	var wg sync.WaitGroup
	errs := make(chan error, numFrames)

	for i := 0; i < numFrames; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := conn.SendFrame(protocol.NewCallResult(fmt.Sprintf("msg-%d", id), nil)); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent write failed: %v", err)
	}
	if got := mock.TextWriteCount(); got != numFrames {
		t.Errorf("Expected %d text writes, got %d", numFrames, got)
	}
}

func TestCallResolvedByResult(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	ch := startCall(conn, context.Background(), "Reset", time.Second)
	call := mock.nextCall(t)

	if call.Action != "Reset" || string(call.Payload) != `{"type":"Hard"}` {
		t.Errorf("unexpected call frame %+v", call)
	}
	if !conn.ResolveCall(protocol.NewCallResult(call.ID, json.RawMessage(`{"status":"Accepted"}`))) {
		t.Fatal("ResolveCall returned false for pending call")
	}

	r := waitReturn(t, ch)
	if r.err != nil {
		t.Fatalf("Call() error = %v", r.err)
	}
	if string(r.payload) != `{"status":"Accepted"}` {
		t.Errorf("Call() payload = %s", r.payload)
	}
	if conn.PendingCount() != 0 {
		t.Errorf("Expected 0 pending calls, got %d", conn.PendingCount())
	}
}

func TestCallRejectedByCallError(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	ch := startCall(conn, context.Background(), "Reset", time.Second)
	call := mock.nextCall(t)
	conn.ResolveCall(protocol.NewCallError(call.ID, protocol.ErrorNotSupported, "no reset", json.RawMessage(`{"why":"busy"}`)))

	r := waitReturn(t, ch)
	var callErr *errors.CallError
	if !errors.As(r.err, &callErr) {
		t.Fatalf("Call() error = %v, want *CallError", r.err)
	}
	if callErr.Code != protocol.ErrorNotSupported || callErr.Description != "no reset" || string(callErr.Details) != `{"why":"busy"}` {
		t.Errorf("unexpected CallError %+v", callErr)
	}
}

func TestCallTimeoutDiscardsLateResponse(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	slow := startCall(conn, context.Background(), "Reset", 30*time.Millisecond)
	slowCall := mock.nextCall(t)

	other := startCall(conn, context.Background(), "GetConfiguration", time.Second)
	otherCall := mock.nextCall(t)

	r := waitReturn(t, slow)
	if !errors.Is(r.err, errors.ErrTimedOut) {
		t.Fatalf("Call() error = %v, want ErrTimedOut", r.err)
	}

	if conn.ResolveCall(protocol.NewCallResult(slowCall.ID, json.RawMessage(`{"status":"Accepted"}`))) {
		t.Error("late response should be discarded")
	}

	if !conn.ResolveCall(protocol.NewCallResult(otherCall.ID, json.RawMessage(`{"configurationKey":[]}`))) {
		t.Fatal("other call should still be pending")
	}
	if r := waitReturn(t, other); r.err != nil {
		t.Errorf("other call error = %v", r.err)
	}
}

func TestCallUsesTenantTimeout(t *testing.T) {
	mock := NewMockWebSocketConn()
	id := testIdentity()
	id.Settings.CallTimeout = 20 * time.Millisecond
	conn := NewConnection(id, mock, Options{Logger: zerolog.Nop()})

	start := time.Now()
	_, err := conn.Call(context.Background(), "Reset", nil, 0)
	if !errors.Is(err, errors.ErrTimedOut) {
		t.Fatalf("Call() error = %v, want ErrTimedOut", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("tenant timeout ignored, call took %v", elapsed)
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	calls := make([]chan callReturn, 3)
	for i := range calls {
		calls[i] = startCall(conn, context.Background(), "Reset", 5*time.Second)
		mock.nextCall(t)
	}

	conn.Close("superseded")

	for i, ch := range calls {
		r := waitReturn(t, ch)
		if !errors.Is(r.err, errors.ErrConnectionClosed) {
			t.Errorf("call %d error = %v, want ErrConnectionClosed", i, r.err)
		}
	}
	if !mock.IsClosed() {
		t.Error("transport should be closed")
	}
	if conn.CloseReason() != "superseded" {
		t.Errorf("CloseReason() = %q", conn.CloseReason())
	}
	select {
	case <-conn.Done():
	default:
		t.Error("Done() should be closed")
	}

	// Second close is a no-op
	conn.Close("again")
	if conn.CloseReason() != "superseded" {
		t.Errorf("CloseReason() changed to %q", conn.CloseReason())
	}
}

func TestCallFailsImmediately(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Connection)
	}{
		{"closed", func(c *Connection) { c.Close("test") }},
		{"not alive", func(c *Connection) { c.CheckWatchdog(time.Now().Add(time.Hour), time.Minute) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := NewMockWebSocketConn()
			conn := newTestConnection(mock)
			tt.setup(conn)

			_, err := conn.Call(context.Background(), "Reset", nil, time.Second)
			if !errors.Is(err, errors.ErrConnectionClosed) {
				t.Errorf("Call() error = %v, want ErrConnectionClosed", err)
			}
			if mock.TextWriteCount() != 0 {
				t.Error("no frame should be written")
			}
		})
	}
}

func TestCallContextCancelled(t *testing.T) {
	mock := NewMockWebSocketConn()
	conn := newTestConnection(mock)

	ctx, cancel := context.WithCancel(context.Background())
	ch := startCall(conn, ctx, "Reset", 5*time.Second)
	mock.nextCall(t)
	cancel()

	r := waitReturn(t, ch)
	if !errors.Is(r.err, context.Canceled) {
		t.Errorf("Call() error = %v, want context.Canceled", r.err)
	}
	if conn.PendingCount() != 0 {
		t.Errorf("pending entry not removed, count = %d", conn.PendingCount())
	}
}

func TestCallWriteError(t *testing.T) {
	mock := NewMockWebSocketConn()
	mock.writeErrors = []error{fmt.Errorf("broken pipe")}
	conn := newTestConnection(mock)

	_, err := conn.Call(context.Background(), "Reset", nil, time.Second)
	if err == nil {
		t.Fatal("expected error from Call")
	}
	if conn.PendingCount() != 0 {
		t.Errorf("pending entry not removed after write error, count = %d", conn.PendingCount())
	}
}

func TestCorrelationIDCollisionRegenerates(t *testing.T) {
	mock := NewMockWebSocketConn()
	ids := []string{"dup", "dup", "fresh"}
	var mu sync.Mutex
	conn := NewConnection(testIdentity(), mock, Options{
		Logger: zerolog.Nop(),
		IDGenerator: func() string {
			mu.Lock()
			defer mu.Unlock()
			id := ids[0]
			if len(ids) > 1 {
				ids = ids[1:]
			}
			return id
		},
	})

	first := startCall(conn, context.Background(), "Reset", time.Second)
	if call := mock.nextCall(t); call.ID != "dup" {
		t.Fatalf("first call id = %q", call.ID)
	}
	second := startCall(conn, context.Background(), "Reset", time.Second)
	if call := mock.nextCall(t); call.ID != "fresh" {
		t.Fatalf("second call id = %q, want regenerated id", call.ID)
	}

	conn.ResolveCall(protocol.NewCallResult("dup", nil))
	conn.ResolveCall(protocol.NewCallResult("fresh", nil))
	if r := waitReturn(t, first); r.err != nil {
		t.Error(r.err)
	}
	if r := waitReturn(t, second); r.err != nil {
		t.Error(r.err)
	}
}

func TestWatchdogAndMarkAlive(t *testing.T) {
	conn := newTestConnection(NewMockWebSocketConn())
	now := time.Now()

	if conn.CheckWatchdog(now, time.Minute) {
		t.Error("fresh connection should not trip the watchdog")
	}
	if !conn.CheckWatchdog(now.Add(2*time.Minute), time.Minute) {
		t.Error("watchdog should trip after the period")
	}
	if conn.IsAlive() {
		t.Error("connection should be marked not alive")
	}
	if conn.CheckWatchdog(now.Add(3*time.Minute), time.Minute) {
		t.Error("watchdog should report the transition only once")
	}

	later := now.Add(4 * time.Minute)
	conn.MarkAlive(later)
	if !conn.IsAlive() || !conn.LastSeen().Equal(later) {
		t.Errorf("MarkAlive did not refresh state: alive=%v lastSeen=%v", conn.IsAlive(), conn.LastSeen())
	}
}

func TestResolveUnknownCall(t *testing.T) {
	conn := newTestConnection(NewMockWebSocketConn())
	if conn.ResolveCall(protocol.NewCallResult("nope", nil)) {
		t.Error("ResolveCall should return false for unknown id")
	}
}

func TestIdentityExpired(t *testing.T) {
	now := time.Now()
	id := testIdentity()
	if id.Expired(now) {
		t.Error("zero ExpiresAt should never expire")
	}
	id.ExpiresAt = now.Add(-time.Second)
	if !id.Expired(now) {
		t.Error("past ExpiresAt should be expired")
	}
	if id.Key().String() != "tenant-a/CP-1" {
		t.Errorf("Key() = %s", id.Key())
	}
}

func TestLoggerCarriesStationFields(t *testing.T) {
	var buf bytes.Buffer
	c := NewConnection(testIdentity(), NewMockWebSocketConn(), Options{Logger: zerolog.New(&buf)})

	c.Logger().Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"tenantID":"tenant-a"`) || !strings.Contains(out, `"stationID":"CP-1"`) {
		t.Errorf("log line missing station fields: %s", out)
	}
}
