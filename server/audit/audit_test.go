package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

type memorySink struct {
	mu     sync.Mutex
	events []Event
	block  chan struct{}
	closed bool
}

func (s *memorySink) Write(ctx context.Context, e Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event{}, s.events...)
}

func TestAuditorDeliversAndDrains(t *testing.T) {
	sink := &memorySink{}
	a := NewAuditor(sink, 16, nil, zerolog.Nop())

	for i := 0; i < 10; i++ {
		a.Record(Event{Kind: KindFrameIn, TenantID: "t", StationID: "s", MessageID: fmt.Sprintf("m%d", i)})
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	events := sink.Events()
	if len(events) != 10 {
		t.Fatalf("expected 10 events, got %d", len(events))
	}
	for i, e := range events {
		if e.ID == "" || e.Time.IsZero() {
			t.Errorf("event %d missing id or time: %+v", i, e)
		}
		if e.MessageID != fmt.Sprintf("m%d", i) {
			t.Errorf("event %d out of order: %s", i, e.MessageID)
		}
	}
	if !sink.closed {
		t.Error("sink should be closed")
	}

	// Recording after close is ignored
	a.Record(Event{Kind: KindConnected})
}

func TestAuditorDropsWhenFull(t *testing.T) {
	sink := &memorySink{block: make(chan struct{})}
	var drops int
	var mu sync.Mutex
	a := NewAuditor(sink, 2, func() {
		mu.Lock()
		drops++
		mu.Unlock()
	}, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Record(Event{Kind: KindFrameOut})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	if a.Dropped() == 0 {
		t.Error("expected dropped events")
	}
	mu.Lock()
	if int64(drops) != a.Dropped() {
		t.Errorf("onDrop called %d times, Dropped() = %d", drops, a.Dropped())
	}
	mu.Unlock()

	close(sink.block)
	a.Close()
}

func TestMultiSink(t *testing.T) {
	a, b := &memorySink{}, &memorySink{}
	m := MultiSink{a, b, NewLogSink(zerolog.Nop())}

	if err := m.Write(context.Background(), Event{Kind: KindConnected}); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Error("event not fanned out to every sink")
	}
	m.Close()
	if !a.closed || !b.closed {
		t.Error("Close not propagated")
	}
}

type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                       { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool   { return true }
func (t *fakeToken) Done() <-chan struct{}            { ch := make(chan struct{}); close(ch); return ch }
func (t *fakeToken) Error() error                     { return t.err }

type fakePublisher struct {
	mu        sync.Mutex
	connected bool
	topics    []string
	payloads  [][]byte
	qos       []byte
	err       error
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload.([]byte))
	p.qos = append(p.qos, qos)
	return &fakeToken{err: p.err}
}

func (p *fakePublisher) IsConnected() bool { return p.connected }

func TestMQTTSinkPublishes(t *testing.T) {
	pub := &fakePublisher{connected: true}
	sink := newMQTTSink(pub, "ev/audit/", 1)

	e := Event{ID: "e1", Kind: KindEvicted, TenantID: "acme", StationID: "CP/1", Time: time.Unix(0, 0).UTC()}
	if err := sink.Write(context.Background(), e); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	if len(pub.topics) != 1 || pub.topics[0] != "ev/audit/acme/CP_1/evicted" {
		t.Errorf("topics = %v", pub.topics)
	}
	if pub.qos[0] != 1 {
		t.Errorf("qos = %d, want 1", pub.qos[0])
	}
	var got Event
	if err := json.Unmarshal(pub.payloads[0], &got); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if got.ID != "e1" || got.StationID != "CP/1" {
		t.Errorf("payload = %+v", got)
	}
}

func TestMQTTSinkErrors(t *testing.T) {
	sink := newMQTTSink(&fakePublisher{connected: false}, "", 0)
	if err := sink.Write(context.Background(), Event{Kind: KindConnected}); err != ErrMQTTNotConnected {
		t.Errorf("Write() error = %v, want ErrMQTTNotConnected", err)
	}

	sink = newMQTTSink(&fakePublisher{connected: true, err: fmt.Errorf("broker refused")}, "", 0)
	if err := sink.Write(context.Background(), Event{Kind: KindConnected}); err == nil {
		t.Error("expected publish error")
	}
}

type fakePointWriter struct {
	points  []*write.Point
	flushed bool
}

func (w *fakePointWriter) WritePoint(p *write.Point) { w.points = append(w.points, p) }
func (w *fakePointWriter) Flush()                    { w.flushed = true }

func TestInfluxSinkWritesPoints(t *testing.T) {
	w := &fakePointWriter{}
	sink := &InfluxSink{writer: w}

	e := Event{ID: "e1", Kind: KindFrameIn, TenantID: "acme", StationID: "CP-1", Action: "Heartbeat", MessageID: "m1", Time: time.Now()}
	if err := sink.Write(context.Background(), e); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	sink.Close()

	if len(w.points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(w.points))
	}
	p := w.points[0]
	if p.Name() != measurementStationEvents {
		t.Errorf("measurement = %s", p.Name())
	}
	tags := map[string]string{}
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	if tags["kind"] != "frame_in" || tags["tenant_id"] != "acme" || tags["action"] != "Heartbeat" {
		t.Errorf("tags = %v", tags)
	}
	if !w.flushed {
		t.Error("Close should flush")
	}
}
