// Package actions implements the requests the gateway answers itself.
package actions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/dispatch"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/rs/zerolog"
)

const (
	ActionStatusNotification = "StatusNotification"
	ActionMeterValues        = "MeterValues"

	DefaultHeartbeatInterval = 5 * time.Minute
)

// BootResponse answers a BootNotification.
type BootResponse struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

// HeartbeatResponse answers a Heartbeat.
type HeartbeatResponse struct {
	CurrentTime string `json:"currentTime"`
}

// Builtins serves BootNotification, Heartbeat and the telemetry actions.
type Builtins struct {
	heartbeat time.Duration
	recorder  audit.Recorder
	now       func() time.Time
	logger    zerolog.Logger
}

// NewBuiltins creates the handlers. heartbeat is used when the tenant does
// not set its own interval.
func NewBuiltins(heartbeat time.Duration, recorder audit.Recorder, logger zerolog.Logger) *Builtins {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Builtins{
		heartbeat: heartbeat,
		recorder:  recorder,
		now:       time.Now,
		logger:    logger,
	}
}

// Handlers returns the action table for the dispatcher.
func (b *Builtins) Handlers() map[string]dispatch.Handler {
	return map[string]dispatch.Handler{
		dispatch.ActionBootNotification: dispatch.HandlerFunc(b.bootNotification),
		dispatch.ActionHeartbeat:        dispatch.HandlerFunc(b.heartbeatHandler),
		ActionStatusNotification:        dispatch.HandlerFunc(b.telemetry(ActionStatusNotification)),
		ActionMeterValues:               dispatch.HandlerFunc(b.telemetry(ActionMeterValues)),
	}
}

type bootRequest16 struct {
	ChargePointVendor       string `json:"chargePointVendor"`
	ChargePointModel        string `json:"chargePointModel"`
	FirmwareVersion         string `json:"firmwareVersion"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber"`
}

type bootRequest20 struct {
	Reason          string `json:"reason"`
	ChargingStation *struct {
		Model           string `json:"model"`
		VendorName      string `json:"vendorName"`
		FirmwareVersion string `json:"firmwareVersion"`
		SerialNumber    string `json:"serialNumber"`
	} `json:"chargingStation"`
}

func (b *Builtins) bootNotification(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error) {
	logger := b.logger.With().Str("tenantID", id.TenantID).Str("stationID", id.StationID).Logger()

	var vendor, model, firmware string
	switch id.ProtocolVersion {
	case protocol.Version20, protocol.Version201:
		var req bootRequest20
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.NewHandlerError(protocol.ErrorFormationViolation, "invalid BootNotification payload")
		}
		if req.ChargingStation == nil || req.Reason == "" {
			return nil, errors.NewHandlerError(protocol.ErrorOccurrenceConstraintViolation, "chargingStation and reason are required")
		}
		vendor, model, firmware = req.ChargingStation.VendorName, req.ChargingStation.Model, req.ChargingStation.FirmwareVersion
	default:
		var req bootRequest16
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, errors.NewHandlerError(protocol.ErrorFormationViolation, "invalid BootNotification payload")
		}
		vendor, model, firmware = req.ChargePointVendor, req.ChargePointModel, req.FirmwareVersion
	}
	if vendor == "" || model == "" {
		return nil, errors.NewHandlerError(protocol.ErrorOccurrenceConstraintViolation, "vendor and model are required")
	}

	interval := id.Settings.HeartbeatInterval
	if interval <= 0 {
		interval = b.heartbeat
	}

	logger.Info().Str("vendor", vendor).Str("model", model).Str("firmware", firmware).Dur("heartbeatInterval", interval).Msg("Station booted")

	return json.Marshal(BootResponse{
		Status:      "Accepted",
		CurrentTime: b.currentTime(),
		Interval:    int(interval / time.Second),
	})
}

func (b *Builtins) heartbeatHandler(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(HeartbeatResponse{CurrentTime: b.currentTime()})
}

// telemetry records the request on the audit trail and acknowledges it.
func (b *Builtins) telemetry(action string) dispatch.HandlerFunc {
	return func(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error) {
		b.recorder.Record(audit.Event{
			Kind:      audit.KindTelemetry,
			TenantID:  id.TenantID,
			StationID: id.StationID,
			Action:    action,
			Detail:    string(payload),
		})
		return json.RawMessage("{}"), nil
	}
}

func (b *Builtins) currentTime() string {
	return b.now().UTC().Format(time.RFC3339)
}
