package audit

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

const (
	defaultInfluxPingTimeout = 5 * time.Second
	measurementStationEvents = "station_events"
)

// InfluxConfig configures the InfluxDB audit sink.
type InfluxConfig struct {
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     uint   `yaml:"batch_size"`
	FlushInterval uint   `yaml:"flush_interval_ms"`
}

// pointWriter is the part of api.WriteAPI the sink needs.
type pointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxSink writes events as points in the station_events measurement.
// Writes are batched by the client and never block.
type InfluxSink struct {
	writer pointWriter
	close  func()
}

// DialInflux connects to InfluxDB, verifies it with a ping and returns a sink.
func DialInflux(cfg InfluxConfig, logger zerolog.Logger) (*InfluxSink, error) {
	opts := influxdb2.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.SetBatchSize(cfg.BatchSize)
	}
	if cfg.FlushInterval > 0 {
		opts.SetFlushInterval(cfg.FlushInterval)
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)

	ctx, cancel := context.WithTimeout(context.Background(), defaultInfluxPingTimeout)
	defer cancel()
	healthy, err := client.Ping(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb: ping %s: %w", cfg.URL, err)
	}
	if !healthy {
		client.Close()
		return nil, fmt.Errorf("influxdb: %s not healthy", cfg.URL)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range writeAPI.Errors() {
			logger.Warn().Err(err).Str("component", "audit").Msg("InfluxDB write failed")
		}
	}()

	return &InfluxSink{
		writer: writeAPI,
		close: func() {
			writeAPI.Flush()
			client.Close()
		},
	}, nil
}

// Point converts an event to an InfluxDB point.
func Point(e Event) *write.Point {
	tags := map[string]string{
		"kind":       string(e.Kind),
		"tenant_id":  e.TenantID,
		"station_id": e.StationID,
	}
	if e.Action != "" {
		tags["action"] = e.Action
	}
	fields := map[string]interface{}{
		"event_id": e.ID,
		"count":    1,
	}
	if e.MessageID != "" {
		fields["message_id"] = e.MessageID
	}
	if e.Detail != "" {
		fields["detail"] = e.Detail
	}
	return write.NewPoint(measurementStationEvents, tags, fields, e.Time)
}

func (s *InfluxSink) Write(ctx context.Context, e Event) error {
	s.writer.WritePoint(Point(e))
	return nil
}

func (s *InfluxSink) Close() error {
	if s.close != nil {
		s.close()
	} else {
		s.writer.Flush()
	}
	return nil
}
