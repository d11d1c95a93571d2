package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vasya00044/ev-server/protocol"
)

// Config holds all resolved station simulator configuration
type Config struct {
	ServerURL         string
	StationID         string
	TokenFile         string
	Token             string
	TokenInPath       bool
	Subprotocol       string
	Vendor            string
	Model             string
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	LogLevel          string
	LogFormat         string
}

type flagValues struct {
	serverURL         string
	stationID         string
	tokenFile         string
	token             string
	tokenInPath       string
	subprotocol       string
	vendor            string
	model             string
	heartbeatInterval string
	callTimeout       string
	reconnectMin      string
	reconnectMax      string
	logLevel          string
	logFormat         string
}

// Load parses args, reads env vars, applies defaults, and returns Config
func Load(args []string) (*Config, error) {
	var f flagValues
	fs := flag.NewFlagSet("ev-station", flag.ContinueOnError)
	fs.StringVar(&f.serverURL, "server-url", "", "Gateway WebSocket base URL (env: EV_STATION_SERVER_URL)")
	fs.StringVar(&f.stationID, "station-id", "", "Station identity (env: EV_STATION_STATION_ID)")
	fs.StringVar(&f.tokenFile, "token-file", "", "Path to token file for authentication (env: EV_STATION_TOKEN_FILE)")
	fs.StringVar(&f.token, "token", "", "Token for authentication (env: EV_STATION_TOKEN)")
	fs.StringVar(&f.tokenInPath, "token-in-path", "", "Send the token as a URL path segment instead of a Bearer header (env: EV_STATION_TOKEN_IN_PATH)")
	fs.StringVar(&f.subprotocol, "subprotocol", "", "Subprotocol to offer: ocpp1.6, ocpp2.0, ocpp2.0.1 (env: EV_STATION_SUBPROTOCOL)")
	fs.StringVar(&f.vendor, "vendor", "", "Vendor reported in BootNotification (env: EV_STATION_VENDOR)")
	fs.StringVar(&f.model, "model", "", "Model reported in BootNotification (env: EV_STATION_MODEL)")
	fs.StringVar(&f.heartbeatInterval, "heartbeat-interval", "", "Heartbeat interval used until the gateway sets one (env: EV_STATION_HEARTBEAT_INTERVAL)")
	fs.StringVar(&f.callTimeout, "call-timeout", "", "Timeout for requests sent to the gateway (env: EV_STATION_CALL_TIMEOUT)")
	fs.StringVar(&f.reconnectMin, "reconnect-min", "", "Initial reconnect delay (env: EV_STATION_RECONNECT_MIN)")
	fs.StringVar(&f.reconnectMax, "reconnect-max", "", "Maximum reconnect delay (env: EV_STATION_RECONNECT_MAX)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN, ERROR (env: EV_STATION_LOG_LEVEL, EV_LOG_LEVEL)")
	fs.StringVar(&f.logFormat, "log-format", "", "Log format: json, console (env: EV_STATION_LOG_FORMAT, EV_LOG_FORMAT)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		ServerURL: resolveString(f.serverURL,
			[]string{"EV_STATION_SERVER_URL"}, "ws://localhost:8080/ocpp"),
		StationID: resolveString(f.stationID,
			[]string{"EV_STATION_STATION_ID"}, ""),
		TokenFile: resolveString(f.tokenFile,
			[]string{"EV_STATION_TOKEN_FILE"}, ""),
		Token: resolveString(f.token,
			[]string{"EV_STATION_TOKEN"}, ""),
		TokenInPath: resolveBool(f.tokenInPath,
			[]string{"EV_STATION_TOKEN_IN_PATH"}, false),
		Subprotocol: resolveString(f.subprotocol,
			[]string{"EV_STATION_SUBPROTOCOL"}, "ocpp1.6"),
		Vendor: resolveString(f.vendor,
			[]string{"EV_STATION_VENDOR"}, "EVSim"),
		Model: resolveString(f.model,
			[]string{"EV_STATION_MODEL"}, "Simulator"),
		HeartbeatInterval: resolveDuration(f.heartbeatInterval,
			[]string{"EV_STATION_HEARTBEAT_INTERVAL"}, time.Minute),
		CallTimeout: resolveDuration(f.callTimeout,
			[]string{"EV_STATION_CALL_TIMEOUT"}, 30*time.Second),
		ReconnectMin: resolveDuration(f.reconnectMin,
			[]string{"EV_STATION_RECONNECT_MIN"}, time.Second),
		ReconnectMax: resolveDuration(f.reconnectMax,
			[]string{"EV_STATION_RECONNECT_MAX"}, time.Minute),
		LogLevel: resolveString(f.logLevel,
			[]string{"EV_STATION_LOG_LEVEL", "EV_LOG_LEVEL"}, "INFO"),
		LogFormat: resolveString(f.logFormat,
			[]string{"EV_STATION_LOG_FORMAT", "EV_LOG_FORMAT"}, "json"),
	}

	return cfg, nil
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

// resolveDuration accepts duration strings ("10s", "1m") and plain seconds ("60")
func resolveDuration(flagVal string, envVars []string, defaultVal time.Duration) time.Duration {
	return protocol.ParseDuration(resolveString(flagVal, envVars, ""), defaultVal)
}

func resolveBool(flagVal string, envVars []string, defaultVal bool) bool {
	val := resolveString(flagVal, envVars, "")
	if val == "" {
		return defaultVal
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return parsed
}

// LoadToken loads the token from file or inline value
func (c *Config) LoadToken() (string, error) {
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(c.Token), nil
}

// Validate checks that required config values are set
func (c *Config) Validate() error {
	if c.StationID == "" {
		return fmt.Errorf("--station-id is required (env: EV_STATION_STATION_ID)")
	}
	if _, ok := protocol.VersionForSubprotocol(c.Subprotocol); !ok {
		return fmt.Errorf("unsupported subprotocol %q", c.Subprotocol)
	}
	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("reconnect delays must satisfy 0 < min <= max")
	}
	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return fmt.Errorf("server url must be a ws:// or wss:// URL")
	}
	return nil
}

// StationURL returns the URL to dial. With TokenInPath the token becomes the
// second to last path segment.
func (c *Config) StationURL(token string) string {
	base := strings.TrimSuffix(c.ServerURL, "/")
	if c.TokenInPath {
		return base + "/" + url.PathEscape(token) + "/" + url.PathEscape(c.StationID)
	}
	return base + "/" + url.PathEscape(c.StationID)
}
