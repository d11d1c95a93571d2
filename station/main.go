package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/station/client"
	"github.com/vasya00044/ev-server/station/config"

	"github.com/rs/zerolog"
)

// StationState holds the current connection for stats and shutdown.
type StationState struct {
	mu     sync.RWMutex
	client *client.Client
	logger zerolog.Logger
}

func (s *StationState) set(c *client.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *StationState) current() *client.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	baseLogger := protocol.InitLogger(cfg.LogLevel, cfg.LogFormat)
	logger := baseLogger.With().Str("stationID", cfg.StationID).Logger()

	token, err := cfg.LoadToken()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to load token")
	}
	if token == "" {
		fmt.Fprintf(os.Stderr, "Configuration error: either --token-file or --token is required (env: EV_STATION_TOKEN_FILE or EV_STATION_TOKEN)\n")
		os.Exit(1)
	}

	logger.Info().
		Str("serverURL", cfg.ServerURL).
		Str("subprotocol", cfg.Subprotocol).
		Dur("heartbeatInterval", cfg.HeartbeatInterval).
		Msg("Station starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	state := &StationState{logger: logger}
	dialer := &protocol.DefaultDialer{HandshakeTimeout: 10 * time.Second}

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		runStation(ctx, cfg, token, dialer, state)
	}()
	go logStatsLoop(ctx, state, time.Minute)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()
	if c := state.current(); c != nil {
		c.Close()
	}
	<-runDone

	logger.Info().Msg("Shutdown complete")
}

// runStation keeps a session open, reconnecting with exponential backoff
// until ctx is cancelled.
func runStation(ctx context.Context, cfg *config.Config, token string, dialer protocol.Dialer, state *StationState) {
	backoff := cfg.ReconnectMin

	for {
		start := time.Now()
		err := runSession(ctx, cfg, token, dialer, state)
		if ctx.Err() != nil {
			return
		}

		// A session that stayed up for a while resets the backoff
		if time.Since(start) > cfg.ReconnectMax {
			backoff = cfg.ReconnectMin
		}
		state.logger.Warn().Err(err).Dur("retryIn", backoff).Msg("Session ended, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > cfg.ReconnectMax {
			backoff = cfg.ReconnectMax
		}
	}
}

func runSession(ctx context.Context, cfg *config.Config, token string, dialer protocol.Dialer, state *StationState) error {
	header := http.Header{}
	if !cfg.TokenInPath {
		header.Set("Authorization", "Bearer "+token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	ws, err := dialer.Dial(dialCtx, cfg.StationURL(token), cfg.Subprotocol, header)
	cancel()
	if err != nil {
		return err
	}

	version, _ := protocol.VersionForSubprotocol(cfg.Subprotocol)
	logger := state.logger.With().Str("protocolVersion", string(version)).Logger()

	c := client.New(ws, version, client.DefaultHandlers(), logger)
	state.set(c)
	defer state.set(nil)

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	bootCtx, cancel := context.WithTimeout(ctx, cfg.CallTimeout)
	boot, err := c.BootNotification(bootCtx, cfg.Vendor, cfg.Model)
	cancel()
	if err != nil {
		c.Close()
		<-runErr
		return fmt.Errorf("boot notification: %w", err)
	}
	if boot.Status != "Accepted" {
		c.Close()
		<-runErr
		return fmt.Errorf("boot notification not accepted: %s", boot.Status)
	}

	interval := boot.Interval
	if interval <= 0 {
		interval = cfg.HeartbeatInterval
	}
	logger.Info().Dur("heartbeatInterval", interval).Time("serverTime", boot.CurrentTime).Msg("Connected and booted")

	go c.RunHeartbeats(ctx, interval, cfg.CallTimeout)

	err = <-runErr
	if err == nil {
		err = errors.New("connection closed")
	}
	return err
}

// logStatsLoop periodically logs connection statistics
func logStatsLoop(ctx context.Context, state *StationState, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c := state.current()
			if c == nil {
				state.logger.Info().Bool("connected", false).Msg("Station stats")
				continue
			}
			stats := c.Stats()
			state.logger.Info().
				Bool("connected", true).
				Dur("uptime", time.Since(stats.ConnectedAt)).
				Int("pendingCalls", stats.PendingCalls).
				Interface("framesSent", stats.FramesSent).
				Interface("framesReceived", stats.FramesReceived).
				Msg("Station stats")
		}
	}
}
