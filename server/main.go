package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/actions"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/auth"
	"github.com/vasya00044/ev-server/server/config"
	"github.com/vasya00044/ev-server/server/dispatch"
	"github.com/vasya00044/ev-server/server/gateway"
	"github.com/vasya00044/ev-server/server/handlers"
	"github.com/vasya00044/ev-server/server/metrics"
	"github.com/vasya00044/ev-server/server/store"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Server exposes gateway state for health and metrics reporting.
type Server struct {
	*gateway.Gateway
	serverID  string
	startTime time.Time
	logger    zerolog.Logger
}

func (s *Server) ServerID() string {
	return s.serverID
}

func (s *Server) StartTime() time.Time {
	return s.startTime
}

// logStatsLoop periodically logs gateway statistics
func (s *Server) logStatsLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			counts := s.ConnectionCounts()
			total := 0
			for _, n := range counts {
				total += n
			}
			s.logger.Info().
				Int("stations", total).
				Int("pendingCalls", s.PendingCallCount()).
				Interface("tenants", counts).
				Msg("Gateway stats")
		}
	}
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "provision" {
		if err := provision(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "provision: %v\n", err)
			os.Exit(1)
		}
		return
	}

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
	logger := baseLogger.With().Str("serverID", cfg.ServerID).Logger()
	logger.Info().Fields(cfg.LogFields()).Msg("Configuration loaded")

	db, err := store.Open(cfg.DBPath, cfg.DBBusyTimeout)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Failed to open database")
	}
	defer db.Close()

	var validator *auth.JWTValidator
	if cfg.TokenPublicKeyFile != "" || cfg.TokenPublicKeyDir != "" || cfg.TokenPublicKey != "" {
		publicKeys, err := cfg.LoadTokenPublicKeys()
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to load token public key(s)")
		}
		validator = auth.NewJWTValidator(publicKeys, cfg.TokenIssuer)
		logger.Info().Str("issuer", cfg.TokenIssuer).Int("keyCount", len(publicKeys)).Msg("Token authentication enabled")
	}

	var resolver gateway.Resolver
	switch cfg.IdentityMode {
	case config.IdentityDirectory:
		resolver = db
	default:
		resolver = auth.NewJWTResolver(validator)
	}
	logger.Info().Str("mode", cfg.IdentityMode).Msg("Station identity resolver configured")

	m := metrics.New(cfg.ServerID)

	auditor := audit.NewAuditor(buildSink(cfg, logger), cfg.AuditBufferSize, m.IncrementAuditDropped, logger)

	builtins := actions.NewBuiltins(cfg.Defaults.HeartbeatInterval, auditor, logger)
	lastSeen := store.NewBreakerUpdater(db, store.BreakerConfig{}, logger)
	dispatcher := dispatch.New(builtins.Handlers(), lastSeen, m, logger)

	gw := gateway.New(gateway.Config{
		PingInterval:      cfg.PingInterval,
		WatchdogPeriod:    cfg.WatchdogPeriod,
		DeadPeerGrace:     cfg.DeadPeerGrace,
		SweepInterval:     cfg.SweepInterval,
		WriteTimeout:      cfg.WriteTimeout,
		MaxFrameBytes:     cfg.MaxFrameBytes,
		DispatchQueueSize: cfg.DispatchQueueSize,
		TenantSettings:    cfg.TenantSettings,
	}, resolver, dispatcher, auditor, m, logger)

	srv := &Server{
		Gateway:   gw,
		serverID:  cfg.ServerID,
		startTime: time.Now(),
		logger:    logger,
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	go gw.RunSweeper(ctx)
	go metrics.UpdateLoop(ctx, m, srv, time.Second)
	go srv.logStatsLoop(ctx, time.Minute)

	var router chi.Router
	if validator != nil {
		router = handlers.NewOpsHandler(gw, validator, cfg.MaxCallTimeout, logger).Routes()
	} else {
		logger.Warn().Msg("No token public key configured, operator API disabled")
		router = chi.NewRouter()
	}
	router.Handle("/ocpp/*", gw)

	if cfg.HealthPort == "" {
		router.Get("/health", metrics.HealthHandler(srv))
	}
	if cfg.MetricsPort == "" {
		router.Handle("/metrics", m.Handler())
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.HealthPort != "" {
		healthMux := http.NewServeMux()
		healthMux.HandleFunc("/health", metrics.HealthHandler(srv))
		go serveAux(logger, "Health", cfg.HealthPort, healthMux)
	}
	if cfg.MetricsPort != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", m.Handler())
		go serveAux(logger, "Metrics", cfg.MetricsPort, metricsMux)
	}

	logger.Info().Str("port", cfg.HTTPPort).Msg("Gateway listening")

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, initiating graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stop()

	// Hijacked WebSocket connections are not tracked by http.Server, so the
	// gateway closes them itself. Pending operator calls fail with
	// ConnectionClosed, which lets the API handlers return.
	if err := gw.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Station sessions did not finish before shutdown timeout")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}

	dispatcher.Wait()
	if err := auditor.Close(); err != nil {
		logger.Warn().Err(err).Msg("Audit sink close error")
	}

	logger.Info().Int64("auditDropped", auditor.Dropped()).Msg("Graceful shutdown complete")
}

func serveAux(logger zerolog.Logger, name, port string, handler http.Handler) {
	logger.Info().Str("port", port).Msgf("%s endpoint listening", name)
	server := &http.Server{Addr: ":" + port, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msgf("%s server error", name)
	}
}

// buildSink assembles the audit sinks. The log sink is always present;
// broker sinks that fail to connect are skipped.
func buildSink(cfg *config.Config, logger zerolog.Logger) audit.Sink {
	sinks := audit.MultiSink{audit.NewLogSink(logger)}

	if cfg.MQTT.BrokerURL != "" {
		mqttCfg := cfg.MQTT
		if mqttCfg.ClientID == "" {
			mqttCfg.ClientID = "ev-gateway-" + cfg.ServerID
		}
		sink, err := audit.DialMQTT(mqttCfg)
		if err != nil {
			logger.Error().Err(err).Str("broker", cfg.MQTT.BrokerURL).Msg("MQTT audit sink unavailable")
		} else {
			logger.Info().Str("broker", cfg.MQTT.BrokerURL).Msg("MQTT audit sink enabled")
			sinks = append(sinks, sink)
		}
	}

	if cfg.Influx.URL != "" {
		sink, err := audit.DialInflux(cfg.Influx, logger)
		if err != nil {
			logger.Error().Err(err).Str("url", cfg.Influx.URL).Msg("InfluxDB audit sink unavailable")
		} else {
			logger.Info().Str("url", cfg.Influx.URL).Str("bucket", cfg.Influx.Bucket).Msg("InfluxDB audit sink enabled")
			sinks = append(sinks, sink)
		}
	}

	return sinks
}

// provision adds or rotates a station token in the directory database.
func provision(args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	dbPath := fs.String("db-path", "data/ev-gateway.db", "SQLite database path")
	tenant := fs.String("tenant", "", "Tenant ID")
	station := fs.String("station", "", "Station ID")
	token := fs.String("token", "", "Station token")
	ttl := fs.Duration("ttl", 0, "Token lifetime, 0 = no expiry")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *tenant == "" || *station == "" || *token == "" {
		return fmt.Errorf("--tenant, --station and --token are required")
	}

	db, err := store.Open(*dbPath, 5*time.Second)
	if err != nil {
		return err
	}
	defer db.Close()

	var expiresAt time.Time
	if *ttl > 0 {
		expiresAt = time.Now().Add(*ttl)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.AddStation(ctx, *tenant, *station, *token, expiresAt); err != nil {
		return err
	}
	fmt.Printf("provisioned %s/%s\n", *tenant, *station)
	return nil
}
