// Package synchub fans session events out to every attached device.
// Delivery is best effort: a sink that errors is dropped from the
// registry and never retried.
package synchub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	deckotel "github.com/HobbyCoders/agentdeck/internal/otel"
	"github.com/HobbyCoders/agentdeck/internal/shared"
)

// Event is one payload pushed to attached devices.
type Event struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id,omitempty"`
	// SourceDeviceID marks the device that caused the event. That
	// device already rendered the change locally and is skipped.
	SourceDeviceID string         `json:"source_device_id,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Sink receives events for one attached device. Implementations must be
// safe for concurrent sends. Sinks that also implement
// interface{ Close() error } are closed when the hub drops them.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

type device struct {
	id       string
	sink     Sink
	gen      uint64
	lastSeen time.Time
}

// Hub is the per-session device registry.
type Hub struct {
	logger  *slog.Logger
	metrics *deckotel.Metrics

	mu        sync.Mutex
	gen       uint64
	sessions  map[string]map[string]*device // session id -> device id -> device
	streaming map[string]struct{}           // sessions with a query in flight
}

func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger.With("component", "synchub"),
		sessions:  make(map[string]map[string]*device),
		streaming: make(map[string]struct{}),
	}
}

// SetMetrics attaches delivery instruments. Must be called before the
// hub starts receiving traffic.
func (h *Hub) SetMetrics(m *deckotel.Metrics) {
	h.metrics = m
}

// Register attaches a device to a session and returns the
// registration's generation. Re-registering the same device id replaces
// its sink: the old sink is closed and stops receiving events. The
// generation distinguishes the fresh registration from the one it
// replaced, so a stale Unregister cannot drop it.
func (h *Hub) Register(sessionID, deviceID string, sink Sink) uint64 {
	h.mu.Lock()
	devices, ok := h.sessions[sessionID]
	if !ok {
		devices = make(map[string]*device)
		h.sessions[sessionID] = devices
	}
	old := devices[deviceID]
	h.gen++
	gen := h.gen
	devices[deviceID] = &device{id: deviceID, sink: sink, gen: gen, lastSeen: time.Now()}
	h.mu.Unlock()

	if old != nil {
		h.logger.Info("device sink replaced",
			"session_id", sessionID,
			"device_id", deviceID)
		closeSink(old.sink)
	}
	return gen
}

// Unregister detaches a device and closes its sink. A non-zero gen only
// detaches that exact registration; zero detaches whatever is current.
// Unknown ids are a no-op.
func (h *Hub) Unregister(sessionID, deviceID string, gen uint64) {
	h.mu.Lock()
	devices, ok := h.sessions[sessionID]
	if !ok {
		h.mu.Unlock()
		return
	}
	dev := devices[deviceID]
	if dev == nil || (gen != 0 && dev.gen != gen) {
		h.mu.Unlock()
		return
	}
	delete(devices, deviceID)
	if len(devices) == 0 {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()

	closeSink(dev.sink)
}

func closeSink(s Sink) {
	if c, ok := s.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// Touch bumps a device's liveness timestamp.
func (h *Hub) Touch(sessionID, deviceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if dev, ok := h.sessions[sessionID][deviceID]; ok {
		dev.lastSeen = time.Now()
	}
}

// DeviceCount reports attached devices for a session.
func (h *Hub) DeviceCount(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions[sessionID])
}

// Broadcast pushes an event to every device attached to its session
// except the source device. Sinks that fail are removed. Returns the
// number of successful deliveries.
func (h *Hub) Broadcast(ctx context.Context, ev Event) int {
	h.mu.Lock()
	devices := h.sessions[ev.SessionID]
	targets := make([]*device, 0, len(devices))
	for _, dev := range devices {
		if dev.id == ev.SourceDeviceID {
			continue
		}
		targets = append(targets, dev)
	}
	h.mu.Unlock()

	delivered := 0
	var failed []*device
	for _, dev := range targets {
		if err := dev.sink.Send(ctx, ev); err != nil {
			h.logger.Warn("dropping unreachable device",
				"session_id", ev.SessionID,
				"device_id", dev.id,
				"error", err,
				"trace_id", shared.TraceID(ctx))
			failed = append(failed, dev)
			continue
		}
		delivered++
	}
	for _, dev := range failed {
		h.Unregister(ev.SessionID, dev.id, dev.gen)
	}
	if h.metrics != nil {
		if delivered > 0 {
			h.metrics.EventsBroadcast.Add(ctx, int64(delivered))
		}
		if len(failed) > 0 {
			h.metrics.DeliveryFailures.Add(ctx, int64(len(failed)))
		}
	}
	return delivered
}

// StreamStart marks a session as streaming and announces it.
func (h *Hub) StreamStart(ctx context.Context, sessionID, runID, sourceDeviceID string) {
	h.mu.Lock()
	h.streaming[sessionID] = struct{}{}
	h.mu.Unlock()
	h.Broadcast(ctx, Event{
		Type:           "stream.start",
		SessionID:      sessionID,
		RunID:          runID,
		SourceDeviceID: sourceDeviceID,
	})
}

// StreamChunk forwards one piece of agent output to the session's
// devices. Chunks are never echo suppressed: the sending device sees
// agent output like everyone else.
func (h *Hub) StreamChunk(ctx context.Context, sessionID string, data map[string]any) {
	h.Broadcast(ctx, Event{
		Type:      "stream.chunk",
		SessionID: sessionID,
		Data:      data,
	})
}

// StreamEnd clears the streaming mark and announces completion.
func (h *Hub) StreamEnd(ctx context.Context, sessionID string, data map[string]any) {
	h.mu.Lock()
	delete(h.streaming, sessionID)
	h.mu.Unlock()
	h.Broadcast(ctx, Event{
		Type:      "stream.end",
		SessionID: sessionID,
		Data:      data,
	})
}

// IsStreaming reports whether the session has a query in flight.
func (h *Hub) IsStreaming(sessionID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.streaming[sessionID]
	return ok
}

// StreamingSessions lists sessions with a query in flight.
func (h *Hub) StreamingSessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.streaming))
	for id := range h.streaming {
		out = append(out, id)
	}
	return out
}

// CleanupStale drops devices not seen since the cutoff and returns how
// many were removed.
func (h *Hub) CleanupStale(cutoff time.Time) int {
	h.mu.Lock()
	var dropped []*device
	for sessionID, devices := range h.sessions {
		for id, dev := range devices {
			if dev.lastSeen.Before(cutoff) {
				delete(devices, id)
				dropped = append(dropped, dev)
			}
		}
		if len(devices) == 0 {
			delete(h.sessions, sessionID)
		}
	}
	h.mu.Unlock()

	for _, dev := range dropped {
		closeSink(dev.sink)
	}
	return len(dropped)
}
