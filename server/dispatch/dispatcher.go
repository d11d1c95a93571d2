package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/rs/zerolog"
)

const lastSeenTimeout = 5 * time.Second

// Actions that carry station identity and refresh the persisted last-seen time.
const (
	ActionBootNotification = "BootNotification"
	ActionHeartbeat        = "Heartbeat"
)

var identityActions = map[string]bool{
	ActionBootNotification: true,
	ActionHeartbeat:        true,
}

// Handler processes one inbound request and returns the result payload.
// Returning an *errors.HandlerError selects the CallError code.
type Handler interface {
	Handle(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, id stationmgr.Identity, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, id, payload)
}

// LastSeenUpdater persists the time a station was last heard from.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, tenantID, stationID string, at time.Time) error
}

// MetricsTracker records dispatch outcomes
type MetricsTracker interface {
	IncrementDispatch(action string, outcome string)
}

// Dispatcher routes inbound requests to handlers by action name.
type Dispatcher struct {
	handlers map[string]Handler
	lastSeen LastSeenUpdater
	metrics  MetricsTracker
	logger   zerolog.Logger
	pending  sync.WaitGroup
}

// New creates a dispatcher. The handler map is copied; lastSeen and metrics may be nil.
func New(handlers map[string]Handler, lastSeen LastSeenUpdater, metrics MetricsTracker, logger zerolog.Logger) *Dispatcher {
	hs := make(map[string]Handler, len(handlers))
	for action, h := range handlers {
		hs[action] = h
	}
	return &Dispatcher{
		handlers: hs,
		lastSeen: lastSeen,
		metrics:  metrics,
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Actions returns the registered action names.
func (d *Dispatcher) Actions() []string {
	actions := make([]string, 0, len(d.handlers))
	for action := range d.handlers {
		actions = append(actions, action)
	}
	return actions
}

// Dispatch runs the handler registered for action.
func (d *Dispatcher) Dispatch(ctx context.Context, id stationmgr.Identity, action string, payload json.RawMessage) (json.RawMessage, error) {
	h, ok := d.handlers[action]
	if !ok {
		d.track("unknown", "not_implemented")
		return nil, fmt.Errorf("%w: %s", errors.ErrNotImplemented, action)
	}

	result, err := d.invoke(ctx, h, id, payload)

	if identityActions[action] {
		d.touchLastSeen(id)
	}

	if err != nil {
		d.track(action, "error")
		return nil, err
	}
	if trimmed := bytes.TrimSpace(result); len(trimmed) > 0 && (trimmed[0] != '{' || !json.Valid(trimmed)) {
		d.track(action, "error")
		return nil, fmt.Errorf("handler for %s returned an invalid result: not a JSON object", action)
	}
	d.track(action, "ok")
	return result, nil
}

// Respond dispatches a Call frame and builds the CallResult or CallError
// frame to send back, always carrying the request's message ID. The returned
// frame always encodes.
func (d *Dispatcher) Respond(ctx context.Context, id stationmgr.Identity, call protocol.Frame) protocol.Frame {
	logger := d.logger.With().
		Str("tenantID", id.TenantID).
		Str("stationID", id.StationID).
		Str("action", call.Action).
		Str("messageID", call.ID).
		Logger()

	var resp protocol.Frame
	result, err := d.Dispatch(ctx, id, call.Action, call.Payload)
	if err == nil {
		resp = protocol.NewCallResult(call.ID, result)
	} else {
		resp = ErrorFrame(call.ID, err, logger)
	}
	return Encodable(resp, logger)
}

// Encodable returns f, or an InternalError CallError for the same message ID
// when f cannot be encoded.
func Encodable(f protocol.Frame, logger zerolog.Logger) protocol.Frame {
	if _, err := protocol.Encode(f); err != nil {
		logger.Error().Err(err).Str("frameType", f.Type.String()).Msg("Response cannot be encoded, sending InternalError")
		return internalError(f.ID)
	}
	return f
}

func internalError(messageID string) protocol.Frame {
	return protocol.NewCallError(messageID, protocol.ErrorInternalError, "An internal error occurred", nil)
}

// ErrorFrame maps a dispatch error to the CallError frame sent to the station.
func ErrorFrame(messageID string, err error, logger zerolog.Logger) protocol.Frame {
	var herr *errors.HandlerError
	switch {
	case errors.Is(err, errors.ErrNotImplemented):
		logger.Info().Msg("Station requested unknown action")
		return protocol.NewCallError(messageID, protocol.ErrorNotImplemented, "Requested Action is not known by receiver", nil)
	case errors.Is(err, errors.ErrBusy):
		logger.Warn().Msg("Dispatch queue full, rejecting request")
		return protocol.NewCallError(messageID, protocol.ErrorGenericError, "Receiver is busy", nil)
	case errors.As(err, &herr) && herr.Code != "":
		logger.Info().Str("code", herr.Code).Str("description", herr.Description).Msg("Handler rejected request")
		details := herr.Details
		if trimmed := bytes.TrimSpace(details); len(trimmed) > 0 && (trimmed[0] != '{' || !json.Valid(trimmed)) {
			logger.Warn().Msg("Dropping invalid error details")
			details = nil
		}
		return protocol.NewCallError(messageID, herr.Code, herr.Description, details)
	default:
		logger.Error().Err(err).Msg("Handler failed")
		return internalError(messageID)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, id stationmgr.Identity, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, id, payload)
}

// touchLastSeen updates the last-seen time in the background. Failures are
// logged and never affect the response.
func (d *Dispatcher) touchLastSeen(id stationmgr.Identity) {
	if d.lastSeen == nil {
		return
	}

	at := time.Now()
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()

		ctx, cancel := context.WithTimeout(context.Background(), lastSeenTimeout)
		defer cancel()

		if err := d.lastSeen.UpdateLastSeen(ctx, id.TenantID, id.StationID, at); err != nil {
			d.logger.Warn().Err(err).Str("tenantID", id.TenantID).Str("stationID", id.StationID).Msg("Failed to update last-seen")
		}
	}()
}

// Wait blocks until background last-seen updates have finished.
func (d *Dispatcher) Wait() {
	d.pending.Wait()
}

func (d *Dispatcher) track(action, outcome string) {
	if d.metrics != nil {
		d.metrics.IncrementDispatch(action, outcome)
	}
}
