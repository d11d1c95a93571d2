package gateway

import (
	"context"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/dispatch"
	"github.com/vasya00044/ev-server/server/errors"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/gorilla/websocket"
)

// runSession owns one connection from registration until cleanup. Inbound
// requests are handled in order by a single dispatch goroutine so the read
// loop stays free to deliver responses to outbound calls made by handlers.
func (g *Gateway) runSession(c *stationmgr.Connection) {
	defer g.sessions.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Conn.SetPongHandler(func(string) error {
		g.livenessAck(c)
		return nil
	})
	c.Conn.SetPingHandler(func(appData string) error {
		g.livenessAck(c)
		err := c.Conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	inbound := make(chan protocol.Frame, g.cfg.DispatchQueueSize)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		g.dispatchLoop(ctx, c, inbound)
	}()
	go g.pingLoop(c)

	reason := g.readLoop(c, inbound)

	c.Close(reason)
	cancel()
	close(inbound)
	<-workerDone
	g.cleanup(c)
}

// readLoop reads frames until the transport fails and returns the close reason.
func (g *Gateway) readLoop(c *stationmgr.Connection, inbound chan<- protocol.Frame) string {
	logger := c.Logger()
	limiter := newLimiter(c.Identity.Settings)

	for {
		messageType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if c.IsClosed() {
				return c.CloseReason()
			}
			logger.Info().Err(err).Msg("Station disconnected")
			return ReasonReadError
		}

		c.MarkAlive(time.Now())

		if limiter != nil && !limiter.Allow() {
			logger.Warn().Float64("limit", c.Identity.Settings.RateLimit).Msg("Inbound rate limit exceeded, closing connection")
			g.metrics.IncrementRateLimited(c.Identity.TenantID)
			c.CloseWithCode(websocket.ClosePolicyViolation, ReasonRateLimited)
			return ReasonRateLimited
		}

		if messageType != websocket.TextMessage {
			logger.Info().Int("messageType", messageType).Msg("Station sent non-text frame, dropping")
			g.malformed(c, "non-text message")
			continue
		}

		f, err := protocol.Decode(data)
		if err != nil {
			logger.Info().Err(err).Int("bytes", len(data)).Msg("Station sent malformed frame, dropping")
			g.malformed(c, err.Error())
			continue
		}

		g.metrics.IncrementFrame("recv", f.Type.String())
		g.auditor.Record(audit.Event{
			Kind:      audit.KindFrameIn,
			TenantID:  c.Identity.TenantID,
			StationID: c.Identity.StationID,
			MessageID: f.ID,
			Action:    f.Action,
			Detail:    f.ErrorCode,
		})

		switch f.Type {
		case protocol.MessageTypeCall:
			select {
			case inbound <- f:
			default:
				resp := dispatch.ErrorFrame(f.ID, errors.ErrBusy, logger.With().Str("action", f.Action).Str("messageID", f.ID).Logger())
				if err := c.SendFrame(resp); err != nil {
					logger.Debug().Err(err).Msg("Failed to send busy response")
				}
			}
		case protocol.MessageTypeCallResult, protocol.MessageTypeCallError:
			if !c.ResolveCall(f) {
				logger.Info().Str("messageID", f.ID).Str("frameType", f.Type.String()).Msg("No pending call for response, discarding")
			}
		}
	}
}

func (g *Gateway) dispatchLoop(ctx context.Context, c *stationmgr.Connection, inbound <-chan protocol.Frame) {
	logger := c.Logger()
	for f := range inbound {
		if c.IsClosed() {
			continue
		}
		resp := g.dispatcher.Respond(ctx, c.Identity, f)
		if err := c.SendFrame(resp); err != nil {
			logger.Debug().Err(err).Str("messageID", f.ID).Msg("Failed to send response")
		}
	}
}

// pingLoop sends WebSocket pings and runs the liveness watchdog.
func (g *Gateway) pingLoop(c *stationmgr.Connection) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.Done():
			return
		case now := <-ticker.C:
			if c.CheckWatchdog(now, g.cfg.WatchdogPeriod) {
				c.Logger().Warn().Time("lastSeen", c.LastSeen()).Msg("Station liveness lost")
				g.metrics.IncrementLivenessLost()
				g.auditor.Record(audit.Event{
					Kind:      audit.KindLivenessLost,
					TenantID:  c.Identity.TenantID,
					StationID: c.Identity.StationID,
				})
			}
			if err := c.SendPing(); err != nil {
				c.Logger().Debug().Err(err).Msg("Failed to send ping to station (connection likely dead)")
				return
			}
		}
	}
}

func (g *Gateway) livenessAck(c *stationmgr.Connection) {
	c.MarkAlive(time.Now())
	g.auditor.Record(audit.Event{
		Kind:      audit.KindLivenessAck,
		TenantID:  c.Identity.TenantID,
		StationID: c.Identity.StationID,
	})
}

func (g *Gateway) malformed(c *stationmgr.Connection, detail string) {
	g.metrics.IncrementMalformedFrame()
	g.auditor.Record(audit.Event{
		Kind:      audit.KindMalformed,
		TenantID:  c.Identity.TenantID,
		StationID: c.Identity.StationID,
		Detail:    detail,
	})
}

func (g *Gateway) cleanup(c *stationmgr.Connection) {
	reason := c.CloseReason()
	g.metrics.IncrementClosed(closeLabel(reason))

	if g.registry.Remove(c) {
		c.Logger().Info().Str("reason", reason).Msg("Cleaned up station connection")
	} else {
		c.Logger().Info().Str("reason", reason).Msg("Station already replaced, skipping registry cleanup")
	}

	g.auditor.Record(audit.Event{
		Kind:      audit.KindDisconnected,
		TenantID:  c.Identity.TenantID,
		StationID: c.Identity.StationID,
		Detail:    reason,
	})
}

func closeLabel(reason string) string {
	switch reason {
	case ReasonSuperseded:
		return "superseded"
	case ReasonDeadPeer:
		return "dead_peer"
	case ReasonTokenExpired:
		return "token_expired"
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "disconnected"
	}
}
