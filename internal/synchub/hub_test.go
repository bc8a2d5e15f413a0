package synchub

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	deckotel "github.com/HobbyCoders/agentdeck/internal/otel"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *recordingSink) Send(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestBroadcast_SkipsSourceDevice(t *testing.T) {
	hub := New(nil)
	phone := &recordingSink{}
	laptop := &recordingSink{}
	hub.Register("sess-1", "phone", phone)
	hub.Register("sess-1", "laptop", laptop)

	n := hub.Broadcast(context.Background(), Event{
		Type:           "chat.message",
		SessionID:      "sess-1",
		SourceDeviceID: "phone",
	})
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if phone.count() != 0 {
		t.Errorf("source device received %d events, want 0", phone.count())
	}
	if laptop.count() != 1 {
		t.Errorf("other device received %d events, want 1", laptop.count())
	}
}

func TestBroadcast_RemovesFailedSink(t *testing.T) {
	hub := New(nil)
	dead := &recordingSink{err: errors.New("connection reset")}
	live := &recordingSink{}
	hub.Register("sess-1", "dead", dead)
	hub.Register("sess-1", "live", live)

	n := hub.Broadcast(context.Background(), Event{Type: "x", SessionID: "sess-1"})
	if n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if hub.DeviceCount("sess-1") != 1 {
		t.Errorf("DeviceCount = %d, want 1 after removing failed sink", hub.DeviceCount("sess-1"))
	}

	// A later broadcast must not retry the dropped device.
	hub.Broadcast(context.Background(), Event{Type: "y", SessionID: "sess-1"})
	if live.count() != 2 {
		t.Errorf("live device received %d events, want 2", live.count())
	}
}

func TestRegister_ReplacesSink(t *testing.T) {
	hub := New(nil)
	old := &recordingSink{}
	replacement := &recordingSink{}
	hub.Register("sess-1", "phone", old)
	hub.Register("sess-1", "phone", replacement)

	hub.Broadcast(context.Background(), Event{Type: "x", SessionID: "sess-1"})
	if old.count() != 0 {
		t.Errorf("replaced sink received %d events, want 0", old.count())
	}
	if replacement.count() != 1 {
		t.Errorf("new sink received %d events, want 1", replacement.count())
	}
	if hub.DeviceCount("sess-1") != 1 {
		t.Errorf("DeviceCount = %d, want 1", hub.DeviceCount("sess-1"))
	}
}

type closableSink struct {
	recordingSink
	mu     sync.Mutex
	closed bool
}

func (s *closableSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *closableSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func TestRegister_ReplaceClosesOldSink(t *testing.T) {
	hub := New(nil)
	old := &closableSink{}
	hub.Register("sess-1", "phone", old)
	hub.Register("sess-1", "phone", &closableSink{})

	if !old.isClosed() {
		t.Error("replaced sink was not closed")
	}
	if hub.DeviceCount("sess-1") != 1 {
		t.Errorf("DeviceCount = %d, want 1", hub.DeviceCount("sess-1"))
	}
}

func TestUnregister_StaleGenerationKeepsFresh(t *testing.T) {
	hub := New(nil)
	oldGen := hub.Register("sess-1", "phone", &recordingSink{})
	fresh := &recordingSink{}
	hub.Register("sess-1", "phone", fresh)

	// A cleanup racing the re-registration holds the old generation and
	// must not drop the fresh sink.
	hub.Unregister("sess-1", "phone", oldGen)
	if hub.DeviceCount("sess-1") != 1 {
		t.Fatalf("DeviceCount = %d, want 1 after stale unregister", hub.DeviceCount("sess-1"))
	}
	if n := hub.Broadcast(context.Background(), Event{Type: "x", SessionID: "sess-1"}); n != 1 {
		t.Errorf("delivered = %d, want 1", n)
	}
	if fresh.count() != 1 {
		t.Errorf("fresh sink received %d events, want 1", fresh.count())
	}

	// Generation zero detaches whatever is current.
	hub.Unregister("sess-1", "phone", 0)
	if hub.DeviceCount("sess-1") != 0 {
		t.Errorf("DeviceCount = %d, want 0", hub.DeviceCount("sess-1"))
	}
}

func TestBroadcast_UnknownSessionIsNoop(t *testing.T) {
	hub := New(nil)
	if n := hub.Broadcast(context.Background(), Event{Type: "x", SessionID: "nope"}); n != 0 {
		t.Errorf("delivered = %d, want 0", n)
	}
}

func TestBroadcast_RecordsDeliveryMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	m, err := deckotel.NewMetrics(meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	hub := New(nil)
	hub.SetMetrics(m)
	hub.Register("sess-1", "live", &recordingSink{})
	hub.Register("sess-1", "dead", &recordingSink{err: errors.New("gone")})

	hub.Broadcast(context.Background(), Event{Type: "x", SessionID: "sess-1"})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if got := counterValue(t, rm, "agentdeck.sync.events"); got != 1 {
		t.Errorf("events broadcast = %d, want 1", got)
	}
	if got := counterValue(t, rm, "agentdeck.sync.delivery_failures"); got != 1 {
		t.Errorf("delivery failures = %d, want 1", got)
	}
}

func counterValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	t.Fatalf("metric %s not found", name)
	return 0
}

func TestStreamLifecycle(t *testing.T) {
	hub := New(nil)
	sink := &recordingSink{}
	hub.Register("sess-1", "laptop", sink)

	if hub.IsStreaming("sess-1") {
		t.Error("IsStreaming = true before start")
	}
	hub.StreamStart(context.Background(), "sess-1", "", "phone")
	if !hub.IsStreaming("sess-1") {
		t.Error("IsStreaming = false after start")
	}
	sessions := hub.StreamingSessions()
	if len(sessions) != 1 || sessions[0] != "sess-1" {
		t.Errorf("StreamingSessions = %v, want [sess-1]", sessions)
	}

	hub.StreamChunk(context.Background(), "sess-1", map[string]any{"text": "hi"})
	hub.StreamEnd(context.Background(), "sess-1", nil)
	if hub.IsStreaming("sess-1") {
		t.Error("IsStreaming = true after end")
	}

	// start + chunk + end all reached the attached device.
	if sink.count() != 3 {
		t.Errorf("sink received %d events, want 3", sink.count())
	}
}

func TestCleanupStale(t *testing.T) {
	hub := New(nil)
	hub.Register("sess-1", "old", &recordingSink{})
	time.Sleep(10 * time.Millisecond)
	cutoff := time.Now()
	hub.Register("sess-1", "fresh", &recordingSink{})

	removed := hub.CleanupStale(cutoff)
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if hub.DeviceCount("sess-1") != 1 {
		t.Errorf("DeviceCount = %d, want 1", hub.DeviceCount("sess-1"))
	}

	hub.Touch("sess-1", "fresh")
	if removed := hub.CleanupStale(cutoff); removed != 0 {
		t.Errorf("second cleanup removed = %d, want 0", removed)
	}
}
