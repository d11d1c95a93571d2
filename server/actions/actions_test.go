package actions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/rs/zerolog"
)

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestBuiltins(rec audit.Recorder) *Builtins {
	b := NewBuiltins(10*time.Minute, rec, zerolog.Nop())
	b.now = func() time.Time { return fixedNow }
	return b
}

func identity(version protocol.Version) stationmgr.Identity {
	return stationmgr.Identity{TenantID: "acme", StationID: "CP-1", ProtocolVersion: version}
}

func TestBootNotification(t *testing.T) {
	b := newTestBuiltins(nil)
	h := b.Handlers()

	tests := []struct {
		name     string
		id       stationmgr.Identity
		payload  string
		interval int
	}{
		{
			name:     "1.6",
			id:       identity(protocol.Version16),
			payload:  `{"chargePointVendor":"Acme","chargePointModel":"X1"}`,
			interval: 600,
		},
		{
			name:     "2.0.1",
			id:       identity(protocol.Version201),
			payload:  `{"reason":"PowerUp","chargingStation":{"vendorName":"Acme","model":"X2"}}`,
			interval: 600,
		},
		{
			name: "tenant interval",
			id: stationmgr.Identity{
				TenantID:        "acme",
				StationID:       "CP-1",
				ProtocolVersion: protocol.Version16,
				Settings:        stationmgr.TenantSettings{HeartbeatInterval: 30 * time.Second},
			},
			payload:  `{"chargePointVendor":"Acme","chargePointModel":"X1"}`,
			interval: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := h["BootNotification"].Handle(context.Background(), tt.id, json.RawMessage(tt.payload))
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			var resp BootResponse
			if err := json.Unmarshal(result, &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != "Accepted" || resp.Interval != tt.interval || resp.CurrentTime != "2026-03-01T12:00:00Z" {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestBootNotificationRejectsIncomplete(t *testing.T) {
	h := newTestBuiltins(nil).Handlers()["BootNotification"]

	tests := []struct {
		name    string
		version protocol.Version
		payload string
		code    string
	}{
		{"1.6 missing model", protocol.Version16, `{"chargePointVendor":"Acme"}`, protocol.ErrorOccurrenceConstraintViolation},
		{"1.6 wrong type", protocol.Version16, `{"chargePointVendor":7}`, protocol.ErrorFormationViolation},
		{"2.0.1 missing station", protocol.Version201, `{"reason":"PowerUp"}`, protocol.ErrorOccurrenceConstraintViolation},
		{"2.0 1.6 shape", protocol.Version20, `{"chargePointVendor":"Acme","chargePointModel":"X1"}`, protocol.ErrorOccurrenceConstraintViolation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.Handle(context.Background(), identity(tt.version), json.RawMessage(tt.payload))
			var he *errors.HandlerError
			if !errors.As(err, &he) {
				t.Fatalf("error = %v, want HandlerError", err)
			}
			if he.Code != tt.code {
				t.Errorf("code = %q, want %q", he.Code, tt.code)
			}
		})
	}
}

func TestHeartbeat(t *testing.T) {
	h := newTestBuiltins(nil).Handlers()["Heartbeat"]

	result, err := h.Handle(context.Background(), identity(protocol.Version16), json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if string(result) != `{"currentTime":"2026-03-01T12:00:00Z"}` {
		t.Errorf("result = %s", result)
	}
}

func TestTelemetryIsAudited(t *testing.T) {
	rec := &recorder{}
	h := newTestBuiltins(rec).Handlers()

	payload := `{"connectorId":1,"status":"Available"}`
	result, err := h[ActionStatusNotification].Handle(context.Background(), identity(protocol.Version16), json.RawMessage(payload))
	if err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if string(result) != "{}" {
		t.Errorf("result = %s, want {}", result)
	}

	if _, err := h[ActionMeterValues].Handle(context.Background(), identity(protocol.Version16), json.RawMessage(`{"connectorId":1}`)); err != nil {
		t.Fatalf("MeterValues error = %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("recorded %d events, want 2", len(rec.events))
	}
	e := rec.events[0]
	if e.Kind != audit.KindTelemetry || e.Action != ActionStatusNotification || e.Detail != payload || e.StationID != "CP-1" {
		t.Errorf("unexpected event %+v", e)
	}
	if rec.events[1].Action != ActionMeterValues {
		t.Errorf("second event action = %q", rec.events[1].Action)
	}
}
