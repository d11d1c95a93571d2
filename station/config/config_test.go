package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("EV_STATION_STATION_ID", "CP-env")
	t.Setenv("EV_STATION_HEARTBEAT_INTERVAL", "90")

	cfg, err := Load([]string{"--subprotocol", "ocpp2.0.1", "--reconnect-max", "2m"})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StationID != "CP-env" {
		t.Errorf("StationID = %q, want env value", cfg.StationID)
	}
	if cfg.Subprotocol != "ocpp2.0.1" {
		t.Errorf("Subprotocol = %q", cfg.Subprotocol)
	}
	if cfg.HeartbeatInterval != 90*time.Second || cfg.ReconnectMax != 2*time.Minute || cfg.ReconnectMin != time.Second {
		t.Errorf("unexpected durations %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			ServerURL:    "ws://gw:8080/ocpp",
			StationID:    "CP-1",
			Subprotocol:  "ocpp1.6",
			ReconnectMin: time.Second,
			ReconnectMax: time.Minute,
		}
	}

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"missing station", func(c *Config) { c.StationID = "" }},
		{"unknown subprotocol", func(c *Config) { c.Subprotocol = "ocpp9" }},
		{"http url", func(c *Config) { c.ServerURL = "http://gw:8080/ocpp" }},
		{"backoff inverted", func(c *Config) { c.ReconnectMax = time.Millisecond }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			if err := c.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStationURL(t *testing.T) {
	c := &Config{ServerURL: "ws://gw:8080/ocpp/", StationID: "CP 1"}

	if got := c.StationURL("tok"); got != "ws://gw:8080/ocpp/CP%201" {
		t.Errorf("StationURL() = %q", got)
	}
	c.TokenInPath = true
	if got := c.StationURL("a/b"); got != "ws://gw:8080/ocpp/a%2Fb/CP%201" {
		t.Errorf("StationURL() with token = %q", got)
	}
}

func TestLoadToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  secret\n"), 0600); err != nil {
		t.Fatal(err)
	}

	c := &Config{TokenFile: path, Token: "inline"}
	if tok, err := c.LoadToken(); err != nil || tok != "secret" {
		t.Errorf("LoadToken() = %q, %v; file should win", tok, err)
	}

	c = &Config{Token: " inline "}
	if tok, _ := c.LoadToken(); tok != "inline" {
		t.Errorf("LoadToken() = %q", tok)
	}
}
