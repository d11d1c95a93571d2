package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vasya00044/ev-server/protocol"
	"github.com/vasya00044/ev-server/server/audit"
	"github.com/vasya00044/ev-server/server/stationmgr"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Identity modes
const (
	IdentityJWT       = "jwt"
	IdentityDirectory = "directory"
)

const envPrefix = "EV_GATEWAY_"

// Config holds all resolved gateway configuration
type Config struct {
	HTTPPort    string
	MetricsPort string // If set, serve /metrics on separate port
	HealthPort  string // If set, serve /health on separate port
	ServerID    string

	IdentityMode       string
	TokenPublicKeyFile string
	TokenPublicKeyDir  string
	TokenPublicKey     string
	TokenIssuer        string
	DBPath             string
	DBBusyTimeout      time.Duration

	PingInterval      time.Duration
	WatchdogPeriod    time.Duration
	DeadPeerGrace     time.Duration
	SweepInterval     time.Duration
	WriteTimeout      time.Duration
	MaxCallTimeout    time.Duration
	ShutdownTimeout   time.Duration
	MaxFrameBytes     int64
	DispatchQueueSize int
	AuditBufferSize   int

	// Defaults applies to tenants without an entry in Tenants.
	Defaults stationmgr.TenantSettings
	Tenants  map[string]stationmgr.TenantSettings

	MQTT   audit.MQTTConfig
	Influx audit.InfluxConfig

	LogLevel  string
	LogFormat string
}

// fileConfig is the optional YAML file. Flags and env vars override it.
type fileConfig struct {
	HTTPPort     string `yaml:"http_port"`
	MetricsPort  string `yaml:"metrics_port"`
	HealthPort   string `yaml:"health_port"`
	ServerID     string `yaml:"server_id"`
	IdentityMode string `yaml:"identity_mode"`
	Token        struct {
		PublicKeyFile string `yaml:"public_key_file"`
		PublicKeyDir  string `yaml:"public_key_dir"`
		Issuer        string `yaml:"issuer"`
	} `yaml:"token"`
	Database struct {
		Path        string        `yaml:"path"`
		BusyTimeout time.Duration `yaml:"busy_timeout"`
	} `yaml:"database"`
	Timings struct {
		PingInterval    time.Duration `yaml:"ping_interval"`
		WatchdogPeriod  time.Duration `yaml:"watchdog_period"`
		DeadPeerGrace   time.Duration `yaml:"dead_peer_grace"`
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		MaxCallTimeout  time.Duration `yaml:"max_call_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"timings"`
	MaxFrameBytes     int64                                `yaml:"max_frame_bytes"`
	DispatchQueueSize int                                  `yaml:"dispatch_queue_size"`
	AuditBufferSize   int                                  `yaml:"audit_buffer_size"`
	Defaults          stationmgr.TenantSettings            `yaml:"defaults"`
	Tenants           map[string]stationmgr.TenantSettings `yaml:"tenants"`
	MQTT              audit.MQTTConfig                     `yaml:"mqtt"`
	Influx            audit.InfluxConfig                   `yaml:"influx"`
	Log               struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

type flagValues struct {
	configFile         string
	httpPort           string
	metricsPort        string
	healthPort         string
	serverID           string
	identityMode       string
	tokenPublicKeyFile string
	tokenPublicKeyDir  string
	tokenPublicKey     string
	tokenIssuer        string
	dbPath             string
	pingInterval       string
	watchdogPeriod     string
	deadPeerGrace      string
	sweepInterval      string
	callTimeout        string
	maxCallTimeout     string
	heartbeatInterval  string
	shutdownTimeout    string
	maxFrameBytes      string
	dispatchQueueSize  string
	rateLimit          string
	rateBurst          string
	auditBufferSize    string
	mqttBroker         string
	influxURL          string
	logLevel           string
	logFormat          string
}

func newFlagSet(name string, f *flagValues) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	str := func(p *string, name, usage string) {
		env := envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		fs.StringVar(p, name, "", fmt.Sprintf("%s (env: %s)", usage, env))
	}
	str(&f.configFile, "config", "Path to YAML config file")
	str(&f.httpPort, "http-port", "Port for station and API traffic")
	str(&f.metricsPort, "metrics-port", "Port for /metrics endpoint")
	str(&f.healthPort, "health-port", "Port for /health endpoint; if empty, served on main port")
	str(&f.serverID, "server-id", "Server ID")
	str(&f.identityMode, "identity-mode", "Station identity source: jwt or directory")
	str(&f.tokenPublicKeyFile, "token-public-key-file", "Path to token public key file")
	str(&f.tokenPublicKeyDir, "token-public-key-dir", "Directory containing token public key files for rotation")
	str(&f.tokenPublicKey, "token-public-key", "Token public key PEM data")
	str(&f.tokenIssuer, "token-issuer", "Expected token issuer")
	str(&f.dbPath, "db-path", "SQLite database path")
	str(&f.pingInterval, "ping-interval", "Interval between WebSocket pings")
	str(&f.watchdogPeriod, "watchdog-period", "Silence after which a station is marked not alive")
	str(&f.deadPeerGrace, "dead-peer-grace", "Extra time before a not-alive station is disconnected")
	str(&f.sweepInterval, "sweep-interval", "Interval of the dead-peer sweeper")
	str(&f.callTimeout, "call-timeout", "Default outbound call timeout")
	str(&f.maxCallTimeout, "max-call-timeout", "Upper bound for per-call timeouts requested through the API")
	str(&f.heartbeatInterval, "heartbeat-interval", "Heartbeat interval returned to booting stations")
	str(&f.shutdownTimeout, "shutdown-timeout", "Graceful shutdown timeout")
	str(&f.maxFrameBytes, "max-frame-bytes", "Maximum inbound frame size")
	str(&f.dispatchQueueSize, "dispatch-queue-size", "Inbound requests queued per connection")
	str(&f.rateLimit, "rate-limit", "Inbound frames per second per connection, 0 = unlimited")
	str(&f.rateBurst, "rate-burst", "Inbound frame burst per connection")
	str(&f.auditBufferSize, "audit-buffer-size", "Audit events buffered before dropping")
	str(&f.mqttBroker, "mqtt-broker", "MQTT broker URL for the audit stream")
	str(&f.influxURL, "influx-url", "InfluxDB URL for the audit stream")
	str(&f.logLevel, "log-level", "Log level: DEBUG, INFO, WARN, ERROR")
	str(&f.logFormat, "log-format", "Log format: json, console")
	return fs
}

// Load parses args, reads the optional config file and env vars, applies
// defaults, and returns Config. Precedence is flag, env, file, default.
func Load(args []string) (*Config, error) {
	var f flagValues
	fs := newFlagSet("ev-gateway", &f)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	var file fileConfig
	if path := resolveString(f.configFile, env("config"), ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTPPort:           resolveString(f.httpPort, env("http-port"), or(file.HTTPPort, "8080")),
		MetricsPort:        resolveString(f.metricsPort, env("metrics-port"), or(file.MetricsPort, "9090")),
		HealthPort:         resolveString(f.healthPort, env("health-port"), file.HealthPort),
		ServerID:           resolveString(f.serverID, env("server-id"), or(file.ServerID, uuid.New().String()[:8])),
		IdentityMode:       strings.ToLower(resolveString(f.identityMode, env("identity-mode"), or(file.IdentityMode, IdentityJWT))),
		TokenPublicKeyFile: resolveString(f.tokenPublicKeyFile, env("token-public-key-file"), file.Token.PublicKeyFile),
		TokenPublicKeyDir:  resolveString(f.tokenPublicKeyDir, env("token-public-key-dir"), file.Token.PublicKeyDir),
		TokenPublicKey:     resolveString(f.tokenPublicKey, env("token-public-key"), ""),
		TokenIssuer:        resolveString(f.tokenIssuer, env("token-issuer"), or(file.Token.Issuer, "ev-gateway")),
		DBPath:             resolveString(f.dbPath, env("db-path"), or(file.Database.Path, "data/ev-gateway.db")),
		DBBusyTimeout:      orDuration(file.Database.BusyTimeout, 5*time.Second),

		PingInterval:      resolveDuration(f.pingInterval, env("ping-interval"), orDuration(file.Timings.PingInterval, 30*time.Second)),
		WatchdogPeriod:    resolveDuration(f.watchdogPeriod, env("watchdog-period"), file.Timings.WatchdogPeriod),
		DeadPeerGrace:     resolveDuration(f.deadPeerGrace, env("dead-peer-grace"), file.Timings.DeadPeerGrace),
		SweepInterval:     resolveDuration(f.sweepInterval, env("sweep-interval"), file.Timings.SweepInterval),
		WriteTimeout:      orDuration(file.Timings.WriteTimeout, 10*time.Second),
		MaxCallTimeout:    resolveDuration(f.maxCallTimeout, env("max-call-timeout"), orDuration(file.Timings.MaxCallTimeout, 5*time.Minute)),
		ShutdownTimeout:   resolveDuration(f.shutdownTimeout, env("shutdown-timeout"), orDuration(file.Timings.ShutdownTimeout, 30*time.Second)),
		MaxFrameBytes:     resolveInt64(f.maxFrameBytes, env("max-frame-bytes"), orInt64(file.MaxFrameBytes, 64*1024)),
		DispatchQueueSize: resolveInt(f.dispatchQueueSize, env("dispatch-queue-size"), orInt(file.DispatchQueueSize, 32)),
		AuditBufferSize:   resolveInt(f.auditBufferSize, env("audit-buffer-size"), orInt(file.AuditBufferSize, 1024)),

		Defaults: stationmgr.TenantSettings{
			CallTimeout:       resolveDuration(f.callTimeout, env("call-timeout"), orDuration(file.Defaults.CallTimeout, 30*time.Second)),
			HeartbeatInterval: resolveDuration(f.heartbeatInterval, env("heartbeat-interval"), orDuration(file.Defaults.HeartbeatInterval, 5*time.Minute)),
			RateLimit:         resolveFloat(f.rateLimit, env("rate-limit"), file.Defaults.RateLimit),
			RateBurst:         resolveInt(f.rateBurst, env("rate-burst"), file.Defaults.RateBurst),
		},
		Tenants: file.Tenants,

		MQTT:   file.MQTT,
		Influx: file.Influx,

		LogLevel:  resolveString(f.logLevel, []string{envPrefix + "LOG_LEVEL", "EV_LOG_LEVEL"}, or(file.Log.Level, "INFO")),
		LogFormat: resolveString(f.logFormat, []string{envPrefix + "LOG_FORMAT", "EV_LOG_FORMAT"}, or(file.Log.Format, "json")),
	}
	cfg.MQTT.BrokerURL = resolveString(f.mqttBroker, env("mqtt-broker"), cfg.MQTT.BrokerURL)
	cfg.Influx.URL = resolveString(f.influxURL, env("influx-url"), cfg.Influx.URL)
	cfg.Influx.Token = resolveString("", env("influx-token"), cfg.Influx.Token)
	cfg.MQTT.Password = resolveString("", env("mqtt-password"), cfg.MQTT.Password)

	return cfg, nil
}

// TenantSettings returns the settings for a tenant. Zero fields of a tenant
// entry fall back to Defaults.
func (c *Config) TenantSettings(tenantID string) stationmgr.TenantSettings {
	s := c.Defaults
	t, ok := c.Tenants[tenantID]
	if !ok {
		return s
	}
	if t.CallTimeout > 0 {
		s.CallTimeout = t.CallTimeout
	}
	if t.HeartbeatInterval > 0 {
		s.HeartbeatInterval = t.HeartbeatInterval
	}
	if t.RateLimit > 0 {
		s.RateLimit = t.RateLimit
	}
	if t.RateBurst > 0 {
		s.RateBurst = t.RateBurst
	}
	return s
}

func env(name string) []string {
	return []string{envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

func or(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

func orDuration(val, defaultVal time.Duration) time.Duration {
	if val > 0 {
		return val
	}
	return defaultVal
}

func orInt(val, defaultVal int) int {
	if val > 0 {
		return val
	}
	return defaultVal
}

func orInt64(val, defaultVal int64) int64 {
	if val > 0 {
		return val
	}
	return defaultVal
}

// resolveString returns the first non-empty value from: flag, env vars, default
func resolveString(flagVal string, envVars []string, defaultVal string) string {
	if flagVal != "" {
		return flagVal
	}
	for _, env := range envVars {
		if val := os.Getenv(env); val != "" {
			return val
		}
	}
	return defaultVal
}

// resolveDuration returns duration from: flag, env vars, default
// Supports both duration strings ("10s", "1m") and plain seconds ("60")
func resolveDuration(flagVal string, envVars []string, defaultVal time.Duration) time.Duration {
	return protocol.ParseDuration(resolveString(flagVal, envVars, ""), defaultVal)
}

func resolveInt(flagVal string, envVars []string, defaultVal int) int {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func resolveInt64(flagVal string, envVars []string, defaultVal int64) int64 {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

func resolveFloat(flagVal string, envVars []string, defaultVal float64) float64 {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// LoadRSAPublicKey loads an RSA public key from PEM-encoded data
func LoadRSAPublicKey(pemData []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemData)
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaKey, nil
}

// Validate checks that required config values are set and consistent
func (c *Config) Validate() error {
	switch c.IdentityMode {
	case IdentityDirectory:
	case IdentityJWT:
		if c.TokenPublicKeyFile == "" && c.TokenPublicKey == "" && c.TokenPublicKeyDir == "" {
			return fmt.Errorf("identity mode jwt requires one of --token-public-key-file, --token-public-key, or --token-public-key-dir")
		}
	default:
		return fmt.Errorf("unknown identity mode %q (want %s or %s)", c.IdentityMode, IdentityJWT, IdentityDirectory)
	}

	if c.PingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}
	if c.WatchdogPeriod > 0 && c.WatchdogPeriod < c.PingInterval {
		return fmt.Errorf("watchdog period %s is shorter than ping interval %s", c.WatchdogPeriod, c.PingInterval)
	}
	if c.Defaults.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	for tenant, s := range c.Tenants {
		if s.RateLimit < 0 {
			return fmt.Errorf("tenant %s: rate limit must not be negative", tenant)
		}
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt qos must be 0, 1 or 2")
	}
	if c.Influx.URL != "" && (c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("influx org and bucket are required when influx url is set")
	}
	return nil
}

// LoadTokenPublicKeys loads the token public key(s) from file, directory, or inline value
// Returns multiple keys to support key rotation
func (c *Config) LoadTokenPublicKeys() ([]*rsa.PublicKey, error) {
	var keys []*rsa.PublicKey

	if c.TokenPublicKeyDir != "" {
		entries, err := os.ReadDir(c.TokenPublicKeyDir)
		if err != nil {
			return nil, fmt.Errorf("failed to read token public key directory %s: %w", c.TokenPublicKeyDir, err)
		}
		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || (!strings.HasSuffix(name, ".pem") && !strings.HasSuffix(name, ".pub")) {
				continue
			}
			path := filepath.Join(c.TokenPublicKeyDir, name)
			pemData, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read key file %s: %w", path, err)
			}
			key, err := LoadRSAPublicKey(pemData)
			if err != nil {
				return nil, fmt.Errorf("failed to parse key file %s: %w", path, err)
			}
			keys = append(keys, key)
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("no valid public key files found in %s", c.TokenPublicKeyDir)
		}
		return keys, nil
	}

	if c.TokenPublicKeyFile != "" {
		pemData, err := os.ReadFile(c.TokenPublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read token public key file %s: %w", c.TokenPublicKeyFile, err)
		}
		key, err := LoadRSAPublicKey(pemData)
		if err != nil {
			return nil, err
		}
		return []*rsa.PublicKey{key}, nil
	}

	if c.TokenPublicKey != "" {
		key, err := LoadRSAPublicKey([]byte(c.TokenPublicKey))
		if err != nil {
			return nil, err
		}
		return []*rsa.PublicKey{key}, nil
	}

	return nil, fmt.Errorf("no token public key configured")
}

// LogFields returns key-value pairs for structured logging of config
func (c *Config) LogFields() map[string]interface{} {
	return map[string]interface{}{
		"httpPort":          c.HTTPPort,
		"serverID":          c.ServerID,
		"identityMode":      c.IdentityMode,
		"tokenIssuer":       c.TokenIssuer,
		"pingInterval":      c.PingInterval.String(),
		"callTimeout":       c.Defaults.CallTimeout.String(),
		"heartbeatInterval": c.Defaults.HeartbeatInterval.String(),
		"rateLimit":         c.Defaults.RateLimit,
		"tenants":           len(c.Tenants),
		"dispatchQueueSize": c.DispatchQueueSize,
		"auditBufferSize":   c.AuditBufferSize,
		"mqtt":              c.MQTT.BrokerURL != "",
		"influx":            c.Influx.URL != "",
		"shutdownTimeout":   c.ShutdownTimeout.String(),
		"logLevel":          c.LogLevel,
		"logFormat":         c.LogFormat,
	}
}
