// Package audit records connection lifecycle and frame events without ever
// blocking the connection that produced them.
package audit

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Kind classifies an audit event.
type Kind string

const (
	KindConnected    Kind = "connected"
	KindRejected     Kind = "rejected"
	KindEvicted      Kind = "evicted"
	KindDisconnected Kind = "disconnected"
	KindFrameIn      Kind = "frame_in"
	KindFrameOut     Kind = "frame_out"
	KindMalformed    Kind = "malformed"
	KindLivenessAck  Kind = "liveness_ack"
	KindLivenessLost Kind = "liveness_lost"
	KindDeadPeer     Kind = "dead_peer"
	KindTokenExpired Kind = "token_expired"
	KindTelemetry    Kind = "telemetry"
)

// Event is one audit record.
type Event struct {
	ID        string    `json:"id"`
	Time      time.Time `json:"time"`
	Kind      Kind      `json:"kind"`
	TenantID  string    `json:"tenant_id,omitempty"`
	StationID string    `json:"station_id,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
	Action    string    `json:"action,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Recorder accepts audit events. Implementations must not block.
type Recorder interface {
	Record(e Event)
}

// Sink is a destination for audit events.
type Sink interface {
	Write(ctx context.Context, e Event) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(Event) {}

// Auditor queues events and writes them to a sink from a single goroutine.
// When the queue is full new events are dropped and counted.
type Auditor struct {
	sink         Sink
	queue        chan Event
	dropped      atomic.Int64
	onDrop       func()
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	stopped chan struct{}
}

// NewAuditor starts the writer goroutine. onDrop may be nil.
func NewAuditor(sink Sink, bufferSize int, onDrop func(), logger zerolog.Logger) *Auditor {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	a := &Auditor{
		sink:         sink,
		queue:        make(chan Event, bufferSize),
		onDrop:       onDrop,
		writeTimeout: 5 * time.Second,
		logger:       logger.With().Str("component", "audit").Logger(),
		stopped:      make(chan struct{}),
	}
	go a.run()
	return a
}

// Record enqueues an event, filling in ID and Time when empty.
func (a *Auditor) Record(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- e:
	default:
		a.dropped.Add(1)
		if a.onDrop != nil {
			a.onDrop()
		}
	}
}

// Dropped returns the number of events discarded because the queue was full.
func (a *Auditor) Dropped() int64 {
	return a.dropped.Load()
}

func (a *Auditor) run() {
	defer close(a.stopped)
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.writeTimeout)
		if err := a.sink.Write(ctx, e); err != nil {
			a.logger.Warn().Err(err).Str("kind", string(e.Kind)).Msg("Failed to write audit event")
		}
		cancel()
	}
}

// Close stops accepting events, drains the queue and closes the sink.
// Events recorded after Close are ignored.
func (a *Auditor) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	<-a.stopped
	return a.sink.Close()
}
