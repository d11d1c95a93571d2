package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vasya00044/ev-server/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// fakeGateway is a minimal server side: it answers BootNotification and
// Heartbeat and exposes the connection so tests can send requests.
type fakeGateway struct {
	server *httptest.Server
	conns  chan *websocket.Conn
}

func newFakeGateway(t *testing.T, answer func(f protocol.Frame) *protocol.Frame) *fakeGateway {
	t.Helper()
	g := &fakeGateway{conns: make(chan *websocket.Conn, 1)}
	upgrader := websocket.Upgrader{Subprotocols: protocol.SupportedSubprotocols}

	g.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if answer == nil {
			g.conns <- conn
			return
		}
		go func() {
			defer conn.Close()
			for {
				_, data, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f, err := protocol.Decode(data)
				if err != nil || f.Type != protocol.MessageTypeCall {
					continue
				}
				if resp := answer(f); resp != nil {
					out, _ := protocol.Encode(*resp)
					conn.WriteMessage(websocket.TextMessage, out)
				}
			}
		}()
	}))
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) dial(t *testing.T, subprotocol string) *Client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ocpp/CP-1"
	ws, err := (&protocol.DefaultDialer{HandshakeTimeout: time.Second}).Dial(context.Background(), url, subprotocol, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	version, _ := protocol.VersionForSubprotocol(subprotocol)
	c := New(ws, version, DefaultHandlers(), zerolog.New(io.Discard))
	t.Cleanup(c.Close)
	return c
}

func gatewayAnswers(f protocol.Frame) *protocol.Frame {
	var resp protocol.Frame
	switch f.Action {
	case "BootNotification":
		resp = protocol.NewCallResult(f.ID, json.RawMessage(`{"status":"Accepted","currentTime":"2026-03-01T12:00:00Z","interval":42}`))
	case "Heartbeat":
		resp = protocol.NewCallResult(f.ID, json.RawMessage(`{"currentTime":"2026-03-01T12:00:00Z"}`))
	default:
		resp = protocol.NewCallError(f.ID, protocol.ErrorNotImplemented, "Requested Action is not known by receiver", nil)
	}
	return &resp
}

func TestBootNotificationAndHeartbeat(t *testing.T) {
	g := newFakeGateway(t, gatewayAnswers)
	c := g.dial(t, "ocpp1.6")
	go c.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	boot, err := c.BootNotification(ctx, "Acme", "X1")
	if err != nil {
		t.Fatalf("BootNotification() error = %v", err)
	}
	if boot.Status != "Accepted" || boot.Interval != 42*time.Second || boot.CurrentTime.IsZero() {
		t.Errorf("unexpected boot result %+v", boot)
	}

	serverTime, err := c.Heartbeat(ctx)
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if !serverTime.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("Heartbeat() = %v", serverTime)
	}

	stats := c.Stats()
	if stats.FramesSent["call"] != 2 || stats.FramesReceived["result"] != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestBootNotificationPayloadFollowsVersion(t *testing.T) {
	payloads := make(chan json.RawMessage, 1)
	g := newFakeGateway(t, func(f protocol.Frame) *protocol.Frame {
		payloads <- f.Payload
		return gatewayAnswers(f)
	})
	c := g.dial(t, "ocpp2.0.1")
	go c.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := c.BootNotification(ctx, "Acme", "X2"); err != nil {
		t.Fatalf("BootNotification() error = %v", err)
	}

	var body struct {
		Reason          string `json:"reason"`
		ChargingStation struct {
			VendorName string `json:"vendorName"`
			Model      string `json:"model"`
		} `json:"chargingStation"`
	}
	if err := json.Unmarshal(<-payloads, &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Reason != "PowerUp" || body.ChargingStation.VendorName != "Acme" || body.ChargingStation.Model != "X2" {
		t.Errorf("unexpected 2.0.1 payload %+v", body)
	}
}

func TestCallError(t *testing.T) {
	g := newFakeGateway(t, gatewayAnswers)
	c := g.dial(t, "ocpp1.6")
	go c.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := c.Call(ctx, "DataTransfer", struct{}{})
	var callErr *CallError
	if !errors.As(err, &callErr) || callErr.Code != protocol.ErrorNotImplemented {
		t.Errorf("Call() error = %v, want NotImplemented CallError", err)
	}
}

func TestAnswersGatewayRequests(t *testing.T) {
	g := newFakeGateway(t, nil)
	c := g.dial(t, "ocpp1.6")
	go c.Run(context.Background())

	var server *websocket.Conn
	select {
	case server = <-g.conns:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway side never connected")
	}
	defer server.Close()

	tests := []struct {
		request string
		want    string
	}{
		{`[2,"1","Reset",{"type":"Soft"}]`, `[3,"1",{"status":"Accepted"}]`},
		{`[2,"2","ChangeAvailability",{"connectorId":0,"type":"Inoperative"}]`, `[3,"2",{"status":"Accepted"}]`},
		{`[2,"3","TriggerMessage",{"requestedMessage":"Heartbeat"}]`, `[3,"3",{"status":"Accepted"}]`},
		{`[2,"4","UnlockConnector",{"connectorId":1}]`, `[4,"4","NotImplemented","Requested Action is not known by receiver",{}]`},
	}
	for _, tt := range tests {
		if err := server.WriteMessage(websocket.TextMessage, []byte(tt.request)); err != nil {
			t.Fatalf("write: %v", err)
		}
		server.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := server.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if string(data) != tt.want {
			t.Errorf("response to %s = %s, want %s", tt.request, data, tt.want)
		}
	}
}

func TestCloseFailsPendingCall(t *testing.T) {
	g := newFakeGateway(t, func(f protocol.Frame) *protocol.Frame { return nil })
	c := g.dial(t, "ocpp1.6")
	go c.Run(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "Heartbeat", struct{}{})
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Stats().PendingCalls == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	c.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Call() error = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call did not fail on close")
	}

	if _, err := c.Call(context.Background(), "Heartbeat", struct{}{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Call() after close error = %v, want ErrClosed", err)
	}
}

func TestCallContextTimeout(t *testing.T) {
	g := newFakeGateway(t, func(f protocol.Frame) *protocol.Frame { return nil })
	c := g.dial(t, "ocpp1.6")
	go c.Run(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Call(ctx, "Heartbeat", struct{}{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call() error = %v, want DeadlineExceeded", err)
	}
	if n := c.Stats().PendingCalls; n != 0 {
		t.Errorf("PendingCalls = %d after timeout, want 0", n)
	}
}
