// Package handlers serves the operator HTTP API over connected stations.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/vasya00044/ev-server/server/auth"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

const maxCallBodyBytes = 64 * 1024

// StationGateway is the subset of the gateway the API drives.
type StationGateway interface {
	Snapshot(tenantID string) []stationmgr.Info
	Lookup(tenantID, stationID string) (*stationmgr.Connection, error)
	Call(ctx context.Context, tenantID, stationID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error)
}

// OperatorValidator authenticates operator bearer tokens.
type OperatorValidator interface {
	ValidateOperatorJWT(token string) (operatorID string, tenants []string, expiresAt time.Time, err error)
}

type contextKey string

const ctxKeyOperator contextKey = "operator"

type operator struct {
	id      string
	tenants []string
}

// OpsHandler serves /api/v1.
type OpsHandler struct {
	gateway    StationGateway
	validator  OperatorValidator
	maxTimeout time.Duration
	logger     zerolog.Logger
}

// CallResponse is the body of a successful call.
type CallResponse struct {
	Action string          `json:"action"`
	Result json.RawMessage `json:"result"`
}

// StationErrorResponse is the body returned when the station answered with a CallError.
type StationErrorResponse struct {
	errors.Response
	StationCode string          `json:"station_code"`
	Details     json.RawMessage `json:"details,omitempty"`
}

// NewOpsHandler creates the API handler. maxTimeout caps the per-call timeout
// query parameter; zero means uncapped.
func NewOpsHandler(gateway StationGateway, validator OperatorValidator, maxTimeout time.Duration, logger zerolog.Logger) *OpsHandler {
	return &OpsHandler{
		gateway:    gateway,
		validator:  validator,
		maxTimeout: maxTimeout,
		logger:     logger,
	}
}

// Routes mounts the API on a chi router.
func (h *OpsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		r.Get("/stations", h.listStations)
		r.Route("/stations/{tenant}/{station}", func(r chi.Router) {
			r.Use(h.authorizeTenant)
			r.Get("/", h.getStation)
			r.Post("/calls/{action}", h.callStation)
		})
	})
	return r
}

func (h *OpsHandler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, errors.CodeUnauthorized, "Missing or invalid Authorization header")
			return
		}

		operatorID, tenants, _, err := h.validator.ValidateOperatorJWT(header[7:])
		if err != nil {
			h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Operator JWT validation failed")
			writeError(w, http.StatusUnauthorized, errors.CodeUnauthorized, auth.SanitizeJWTError(err))
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyOperator, operator{id: operatorID, tenants: tenants})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *OpsHandler) authorizeTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := operatorFromContext(r.Context())
		tenant := chi.URLParam(r, "tenant")
		if !auth.TenantAllowed(op.tenants, tenant) {
			h.logger.Warn().Str("operatorID", op.id).Str("tenant", tenant).Strs("allowedTenants", op.tenants).Msg("Operator not authorized for tenant")
			writeError(w, http.StatusForbidden, errors.CodeForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *OpsHandler) listStations(w http.ResponseWriter, r *http.Request) {
	op := operatorFromContext(r.Context())
	tenant := r.URL.Query().Get("tenant")
	if tenant != "" && !auth.TenantAllowed(op.tenants, tenant) {
		writeError(w, http.StatusForbidden, errors.CodeForbidden, "Forbidden")
		return
	}

	visible := []stationmgr.Info{}
	for _, info := range h.gateway.Snapshot(tenant) {
		if auth.TenantAllowed(op.tenants, info.Identity.TenantID) {
			visible = append(visible, info)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"stations": visible,
		"count":    len(visible),
	})
}

func (h *OpsHandler) getStation(w http.ResponseWriter, r *http.Request) {
	tenant, station := chi.URLParam(r, "tenant"), chi.URLParam(r, "station")
	c, err := h.gateway.Lookup(tenant, station)
	if err != nil {
		writeError(w, http.StatusNotFound, errors.CodeNotFound, fmt.Sprintf("Station %s/%s is not connected", tenant, station))
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

func (h *OpsHandler) callStation(w http.ResponseWriter, r *http.Request) {
	op := operatorFromContext(r.Context())
	tenant, station, action := chi.URLParam(r, "tenant"), chi.URLParam(r, "station"), chi.URLParam(r, "action")

	timeout, err := h.parseTimeout(r.URL.Query().Get("timeout"))
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeBadRequest, err.Error())
		return
	}

	payload, err := readPayload(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.CodeBadRequest, err.Error())
		return
	}

	logger := h.logger.With().Str("operatorID", op.id).Str("tenantID", tenant).Str("stationID", station).Str("action", action).Logger()
	logger.Debug().Dur("timeout", timeout).Msg("Operator call")

	result, err := h.gateway.Call(r.Context(), tenant, station, action, payload, timeout)
	if err != nil {
		h.writeCallError(w, err, logger)
		return
	}

	writeJSON(w, http.StatusOK, CallResponse{Action: action, Result: result})
}

func (h *OpsHandler) writeCallError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	var callErr *errors.CallError
	switch {
	case errors.Is(err, errors.ErrNotFound):
		writeError(w, http.StatusNotFound, errors.CodeNotFound, "Station is not connected")
	case errors.Is(err, errors.ErrTimedOut):
		logger.Info().Msg("Operator call timed out")
		writeError(w, http.StatusGatewayTimeout, errors.CodeTimeout, "Station did not answer in time")
	case errors.Is(err, errors.ErrConnectionClosed):
		writeError(w, http.StatusBadGateway, errors.CodeConnectionClosed, "Station connection closed")
	case errors.As(err, &callErr):
		writeJSON(w, http.StatusBadGateway, StationErrorResponse{
			Response:    errors.Response{Code: errors.CodeStationError, Message: callErr.Description},
			StationCode: callErr.Code,
			Details:     callErr.Details,
		})
	case errors.Is(err, context.Canceled):
		logger.Debug().Msg("Operator went away before the call completed")
	default:
		logger.Error().Err(err).Msg("Operator call failed")
		writeError(w, http.StatusInternalServerError, errors.CodeInternal, "Call failed")
	}
}

func (h *OpsHandler) parseTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if h.maxTimeout > 0 && d > h.maxTimeout {
		d = h.maxTimeout
	}
	return d, nil
}

// readPayload reads the call payload. An empty body is an empty object.
func readPayload(body io.Reader) (json.RawMessage, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxCallBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(data) > maxCallBodyBytes {
		return nil, fmt.Errorf("payload exceeds %d bytes", maxCallBodyBytes)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return json.RawMessage("{}"), nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil || obj == nil {
		return nil, fmt.Errorf("payload must be a JSON object")
	}
	return json.RawMessage(data), nil
}

func operatorFromContext(ctx context.Context) operator {
	op, _ := ctx.Value(ctxKeyOperator).(operator)
	return op
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(errors.Format(code, message))
}
