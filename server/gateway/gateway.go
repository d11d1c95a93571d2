package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/dispatch"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Resolver maps a presented credential and the station ID from the URL to
// an accepted identity. It returns an error wrapping errors.ErrDenied when
// the station must be refused.
type Resolver interface {
	ResolveIdentity(ctx context.Context, token, stationID string) (stationmgr.Credential, error)
}

// MetricsTracker tracks gateway metrics
type MetricsTracker interface {
	IncrementFrame(direction string, frameType string)
	IncrementMalformedFrame()
	IncrementRejection(reason string)
	IncrementEviction()
	IncrementClosed(reason string)
	IncrementRateLimited(tenantID string)
	IncrementLivenessLost()
	ObserveCall(action string, outcome string, seconds float64)
}

// Config holds gateway timing and sizing parameters.
type Config struct {
	PathPrefix        string
	PingInterval      time.Duration
	WatchdogPeriod    time.Duration
	DeadPeerGrace     time.Duration
	SweepInterval     time.Duration
	WriteTimeout      time.Duration
	MaxFrameBytes     int64
	DispatchQueueSize int
	// TenantSettings resolves per-tenant settings once per accepted connection.
	TenantSettings func(tenantID string) stationmgr.TenantSettings
	// IDGenerator overrides correlation ID generation for outbound calls.
	IDGenerator func() string
}

func (c *Config) applyDefaults() {
	if c.PathPrefix == "" {
		c.PathPrefix = "/ocpp/"
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.WatchdogPeriod <= 0 {
		c.WatchdogPeriod = 2 * c.PingInterval
	}
	if c.DeadPeerGrace < 0 {
		c.DeadPeerGrace = 0
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.PingInterval
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.DispatchQueueSize <= 0 {
		c.DispatchQueueSize = 32
	}
	if c.TenantSettings == nil {
		c.TenantSettings = func(string) stationmgr.TenantSettings { return stationmgr.TenantSettings{} }
	}
}

// Gateway accepts station WebSocket connections and owns their sessions.
type Gateway struct {
	cfg        Config
	registry   *Registry
	resolver   Resolver
	dispatcher *dispatch.Dispatcher
	auditor    audit.Recorder
	metrics    MetricsTracker
	logger     zerolog.Logger
	sessions   sync.WaitGroup

	// mu orders session starts against Shutdown
	mu      sync.Mutex
	closing bool
}

// New creates a gateway. auditor and metrics may be nil.
func New(cfg Config, resolver Resolver, dispatcher *dispatch.Dispatcher, auditor audit.Recorder, metrics MetricsTracker, logger zerolog.Logger) *Gateway {
	cfg.applyDefaults()
	if auditor == nil {
		auditor = audit.Nop{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Gateway{
		cfg:        cfg,
		registry:   NewRegistry(),
		resolver:   resolver,
		dispatcher: dispatcher,
		auditor:    auditor,
		metrics:    metrics,
		logger:     logger.With().Str("component", "gateway").Logger(),
	}
}

// Registry returns the connection registry.
func (g *Gateway) Registry() *Registry {
	return g.registry
}

// ServeHTTP performs the handshake checks and upgrades an accepted station.
// Unsupported subprotocols get 400 and failed identity resolution gets 401;
// neither is registered.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, stationID, ok := g.parsePath(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	logger := g.logger.With().Str("stationID", stationID).Str("remoteAddr", r.RemoteAddr).Logger()

	if g.isClosing() {
		http.Error(w, "Server shutting down", http.StatusServiceUnavailable)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "WebSocket upgrade required", http.StatusBadRequest)
		return
	}

	subprotocol := protocol.NegotiateSubprotocol(websocket.Subprotocols(r))
	if subprotocol == "" {
		logger.Info().Strs("offered", websocket.Subprotocols(r)).Msg("Rejecting station: unsupported subprotocol")
		g.reject(stationID, "unsupported_protocol", errors.ErrUnsupportedProtocol.Error())
		http.Error(w, "Unsupported subprotocol", http.StatusBadRequest)
		return
	}
	version, _ := protocol.VersionForSubprotocol(subprotocol)

	if token == "" {
		token = bearerToken(r)
	}
	if token == "" {
		logger.Info().Msg("Rejecting station: missing credential")
		g.reject(stationID, "denied", "missing credential")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	cred, err := g.resolver.ResolveIdentity(r.Context(), token, stationID)
	if err != nil {
		logger.Info().Err(err).Msg("Rejecting station: identity resolution failed")
		g.reject(stationID, "denied", err.Error())
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := websocket.Upgrader{
		Subprotocols: []string{subprotocol},
		CheckOrigin:  func(r *http.Request) bool { return true },
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Info().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	wsConn.SetReadLimit(g.cfg.MaxFrameBytes)

	identity := stationmgr.Identity{
		TenantID:        cred.TenantID,
		StationID:       cred.StationID,
		ProtocolVersion: version,
		Subprotocol:     subprotocol,
		RemoteAddr:      r.RemoteAddr,
		Settings:        g.cfg.TenantSettings(cred.TenantID),
		ExpiresAt:       cred.ExpiresAt,
	}
	g.accept(identity, wsConn)
}

func (g *Gateway) isClosing() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closing
}

// accept registers a connection and starts its session. It returns nil when
// the gateway is shutting down.
func (g *Gateway) accept(identity stationmgr.Identity, wsConn protocol.WebSocketConn) *stationmgr.Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closing {
		wsConn.WriteControl(websocket.CloseMessage, protocol.CloseMessage(websocket.CloseGoingAway, ReasonShutdown), time.Now().Add(time.Second))
		wsConn.Close()
		return nil
	}

	c := stationmgr.NewConnection(identity, wsConn, stationmgr.Options{
		WriteTimeout: g.cfg.WriteTimeout,
		IDGenerator:  g.cfg.IDGenerator,
		OnFrameSent:  g.frameSent,
		Logger:       g.logger,
	})

	if evicted := g.registry.Register(c); evicted != nil {
		g.metrics.IncrementEviction()
		g.auditor.Record(audit.Event{
			Kind:      audit.KindEvicted,
			TenantID:  identity.TenantID,
			StationID: identity.StationID,
			Detail:    "replaced by connection from " + identity.RemoteAddr,
		})
		c.Logger().Info().Str("previousRemoteAddr", evicted.Identity.RemoteAddr).Msg("Evicted previous connection for station")
	}

	g.auditor.Record(audit.Event{
		Kind:      audit.KindConnected,
		TenantID:  identity.TenantID,
		StationID: identity.StationID,
		Detail:    identity.Subprotocol,
	})
	c.Logger().Info().
		Str("subprotocol", identity.Subprotocol).
		Str("remoteAddr", identity.RemoteAddr).
		Msg("Station connected")

	g.sessions.Add(1)
	go g.runSession(c)
	return c
}

// Call sends a request to a connected station and waits for its answer.
func (g *Gateway) Call(ctx context.Context, tenantID, stationID, action string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	c, err := g.registry.Lookup(tenantID, stationID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	result, err := c.Call(ctx, action, payload, timeout)
	g.metrics.ObserveCall(action, callOutcome(err), time.Since(start).Seconds())
	return result, err
}

// Lookup returns the connection for a station.
func (g *Gateway) Lookup(tenantID, stationID string) (*stationmgr.Connection, error) {
	return g.registry.Lookup(tenantID, stationID)
}

// Snapshot lists live connections, optionally filtered by tenant.
func (g *Gateway) Snapshot(tenantID string) []stationmgr.Info {
	return g.registry.Snapshot(tenantID)
}

// ConnectionCounts returns live connections per tenant.
func (g *Gateway) ConnectionCounts() map[string]int {
	return g.registry.CountByTenant()
}

// PendingCallCount returns outbound calls in flight across all connections.
func (g *Gateway) PendingCallCount() int {
	total := 0
	for _, c := range g.registry.Connections() {
		total += c.PendingCount()
	}
	return total
}

// RunSweeper periodically closes dead peers and expired credentials until
// ctx is cancelled.
func (g *Gateway) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.sweep(now)
		}
	}
}

func (g *Gateway) sweep(now time.Time) []Swept {
	swept := g.registry.Sweep(now, g.cfg.WatchdogPeriod+g.cfg.DeadPeerGrace)
	for _, s := range swept {
		kind := audit.KindDeadPeer
		if s.Reason == ReasonTokenExpired {
			kind = audit.KindTokenExpired
		}
		g.auditor.Record(audit.Event{
			Kind:      kind,
			TenantID:  s.Conn.Identity.TenantID,
			StationID: s.Conn.Identity.StationID,
			Detail:    s.Reason,
		})
	}
	if len(swept) > 0 {
		g.logger.Info().Int("count", len(swept)).Msg("Sweeper closed connections")
	}
	return swept
}

// Shutdown refuses new stations, closes every connection, failing their
// pending calls, and waits for sessions to finish or ctx to expire.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closing = true
	g.mu.Unlock()

	for _, c := range g.registry.Connections() {
		c.CloseWithCode(websocket.CloseGoingAway, ReasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) parsePath(r *http.Request) (token, stationID string, ok bool) {
	rest := strings.TrimPrefix(r.URL.Path, g.cfg.PathPrefix)
	if rest == r.URL.Path && g.cfg.PathPrefix != "/" {
		return "", "", false
	}
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] != "":
		return "", parts[0], true
	case len(parts) == 2 && parts[0] != "" && parts[1] != "":
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}

func bearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == authHeader {
		return ""
	}
	return strings.TrimSpace(token)
}

func (g *Gateway) reject(stationID, reason, detail string) {
	g.metrics.IncrementRejection(reason)
	g.auditor.Record(audit.Event{Kind: audit.KindRejected, StationID: stationID, Detail: detail})
}

func (g *Gateway) frameSent(id stationmgr.Identity, f protocol.Frame) {
	g.metrics.IncrementFrame("sent", f.Type.String())
	g.auditor.Record(audit.Event{
		Kind:      audit.KindFrameOut,
		TenantID:  id.TenantID,
		StationID: id.StationID,
		MessageID: f.ID,
		Action:    f.Action,
		Detail:    f.ErrorCode,
	})
}

func callOutcome(err error) string {
	var callErr *errors.CallError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errors.ErrTimedOut):
		return "timeout"
	case errors.Is(err, errors.ErrConnectionClosed):
		return "closed"
	case errors.As(err, &callErr):
		return "call_error"
	default:
		return "error"
	}
}

func newLimiter(s stationmgr.TenantSettings) *rate.Limiter {
	if s.RateLimit <= 0 {
		return nil
	}
	burst := s.RateBurst
	if burst <= 0 {
		burst = int(s.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(s.RateLimit), burst)
}

type nopMetrics struct{}

func (nopMetrics) IncrementFrame(string, string)       {}
func (nopMetrics) IncrementMalformedFrame()            {}
func (nopMetrics) IncrementRejection(string)           {}
func (nopMetrics) IncrementEviction()                  {}
func (nopMetrics) IncrementClosed(string)              {}
func (nopMetrics) IncrementRateLimited(string)         {}
func (nopMetrics) IncrementLivenessLost()              {}
func (nopMetrics) ObserveCall(string, string, float64) {}
