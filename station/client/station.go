package client

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vasya00044/ev-server/protocol"
)

// Actions the simulator accepts from the gateway.
const (
	ActionReset              = "Reset"
	ActionChangeAvailability = "ChangeAvailability"
	ActionTriggerMessage     = "TriggerMessage"
)

var accepted = json.RawMessage(`{"status":"Accepted"}`)

// DefaultHandlers accepts Reset, ChangeAvailability and TriggerMessage.
func DefaultHandlers() map[string]Handler {
	accept := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return accepted, nil
	}
	return map[string]Handler{
		ActionReset:              accept,
		ActionChangeAvailability: accept,
		ActionTriggerMessage:     accept,
	}
}

// BootResult is the gateway's answer to BootNotification.
type BootResult struct {
	Status      string
	CurrentTime time.Time
	Interval    time.Duration
}

// BootNotification announces the station. The payload shape follows the
// negotiated protocol version.
func (c *Client) BootNotification(ctx context.Context, vendor, model string) (BootResult, error) {
	var payload interface{}
	switch c.version {
	case protocol.Version20, protocol.Version201:
		payload = map[string]interface{}{
			"reason": "PowerUp",
			"chargingStation": map[string]string{
				"vendorName": vendor,
				"model":      model,
			},
		}
	default:
		payload = map[string]string{
			"chargePointVendor": vendor,
			"chargePointModel":  model,
		}
	}

	raw, err := c.Call(ctx, "BootNotification", payload)
	if err != nil {
		return BootResult{}, err
	}

	var resp struct {
		Status      string `json:"status"`
		CurrentTime string `json:"currentTime"`
		Interval    int    `json:"interval"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return BootResult{}, fmt.Errorf("decoding BootNotification result: %w", err)
	}

	result := BootResult{
		Status:   resp.Status,
		Interval: time.Duration(resp.Interval) * time.Second,
	}
	if t, err := time.Parse(time.RFC3339, resp.CurrentTime); err == nil {
		result.CurrentTime = t
	}
	return result, nil
}

// Heartbeat sends a Heartbeat and returns the gateway's current time.
func (c *Client) Heartbeat(ctx context.Context) (time.Time, error) {
	raw, err := c.Call(ctx, "Heartbeat", struct{}{})
	if err != nil {
		return time.Time{}, err
	}
	var resp struct {
		CurrentTime string `json:"currentTime"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return time.Time{}, fmt.Errorf("decoding Heartbeat result: %w", err)
	}
	return time.Parse(time.RFC3339, resp.CurrentTime)
}

// RunHeartbeats sends a Heartbeat every interval until ctx is done or the
// connection closes. A failed heartbeat closes the connection.
func (c *Client) RunHeartbeats(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			callCtx, cancel := context.WithTimeout(ctx, timeout)
			serverTime, err := c.Heartbeat(callCtx)
			cancel()
			if err != nil {
				c.logger.Warn().Err(err).Msg("Heartbeat failed, closing connection")
				c.Close()
				return
			}
			c.logger.Debug().Time("serverTime", serverTime).Msg("Heartbeat acknowledged")
		}
	}
}
