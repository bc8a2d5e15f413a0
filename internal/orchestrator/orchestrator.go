// Package orchestrator owns the live agent connections behind interactive
// chat sessions. Each session has at most one live client, and starting a
// new query always tears down the prior one first, so two queries for one
// session never interleave.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/HobbyCoders/agentdeck/internal/agentclient"
	"github.com/HobbyCoders/agentdeck/internal/bus"
	"github.com/HobbyCoders/agentdeck/internal/config"
	deckotel "github.com/HobbyCoders/agentdeck/internal/otel"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/shared"
	"github.com/HobbyCoders/agentdeck/internal/synchub"
)

// ErrNotStreaming is returned by Interrupt when nothing is in flight.
var ErrNotStreaming = errors.New("session has no query in flight")

// activeStream tracks one in-flight query. Its once guards the single
// terminal event shared between the pump, interrupt, and teardown paths.
type activeStream struct {
	once     sync.Once
	start    time.Time
	deviceID string // device that submitted the prompt
}

type liveSession struct {
	client       agentclient.Client
	stream       *activeStream // nil while idle
	lastActivity time.Time
	pump         sync.WaitGroup
}

// SessionState is a point-in-time view of a live session.
type SessionState struct {
	SessionID         string    `json:"session_id"`
	Streaming         bool      `json:"streaming"`
	Devices           int       `json:"devices"`
	LastActivity      time.Time `json:"last_activity"`
	ExternalSessionID string    `json:"external_session_id,omitempty"`
}

// Config bundles the orchestrator's dependencies.
type Config struct {
	Logger *slog.Logger
	Store  *persistence.Store
	Hub    *synchub.Hub
	// Bus mirrors the hub's stream events to in-process subscribers.
	// Optional.
	Bus     *bus.Bus
	Factory agentclient.Factory
	Agent   config.AgentConfig
	Repo    string
	// IdleTimeout evicts live clients with no activity for this long.
	IdleTimeout time.Duration
	Metrics     *deckotel.Metrics
	Tracer      trace.Tracer
}

type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*liveSession
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger.With("component", "orchestrator"),
		sessions: make(map[string]*liveSession),
	}
}

// StartStream submits a prompt on a session and streams the agent's
// response to the session's attached devices. Any prior live state for
// the session is torn down first; every query gets a fresh client
// connected with the session's cached resume token. It returns once the
// query is accepted; the response streams in the background and ends
// with exactly one stream.end event.
func (o *Orchestrator) StartStream(ctx context.Context, sessionID, deviceID, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("empty prompt")
	}

	o.teardown(sessionID)

	client, err := o.connect(ctx, sessionID)
	if err != nil {
		// The session row stays in the store so the caller can retry.
		return err
	}

	live := &liveSession{
		client:       client,
		stream:       &activeStream{start: time.Now(), deviceID: deviceID},
		lastActivity: time.Now(),
	}
	o.mu.Lock()
	o.sessions[sessionID] = live
	o.mu.Unlock()

	if err := client.Query(ctx, prompt); err != nil {
		o.teardown(sessionID)
		return fmt.Errorf("query session %s: %w", sessionID, err)
	}

	if err := o.cfg.Store.UpsertSession(ctx, sessionID, client.SessionID()); err != nil {
		o.logger.Warn("persist session failed",
			"session_id", sessionID,
			"error", err,
			"trace_id", shared.TraceID(ctx))
	}

	o.cfg.Hub.StreamStart(ctx, sessionID, "", deviceID)
	o.publishStream(bus.TopicStreamStart, sessionID, "stream.start", nil)

	// Echo the prompt to the session's other devices so every screen
	// shows the same transcript.
	o.cfg.Hub.Broadcast(ctx, synchub.Event{
		Type:           "chat.message",
		SessionID:      sessionID,
		SourceDeviceID: deviceID,
		Data:           map[string]any{"role": "user", "text": prompt},
	})

	// The channel is captured here, before the pump starts: a teardown
	// racing the pump must hand it the stream it was started for, not
	// whatever the client reports after disconnecting.
	msgs := client.Receive()
	live.pump.Add(1)
	go o.pumpStream(sessionID, live, live.stream, msgs)
	return nil
}

// publishStream mirrors a stream event onto the in-process bus so
// non-device subscribers can observe session activity.
func (o *Orchestrator) publishStream(topic, sessionID, eventType string, data map[string]any) {
	if o.cfg.Bus == nil {
		return
	}
	o.cfg.Bus.Publish(topic, bus.StreamEvent{
		SessionID: sessionID,
		EventType: eventType,
		Data:      data,
	})
}

// endStream records the query's single terminal event. If the session
// was superseded by a newer query, the streaming flag belongs to the
// new query and no stream.end is emitted for the old one.
func (o *Orchestrator) endStream(ctx context.Context, sessionID string, live *liveSession, st *activeStream, data map[string]any) {
	st.once.Do(func() {
		o.mu.Lock()
		current := o.sessions[sessionID] == live && live.stream == st
		if current {
			live.stream = nil
			live.lastActivity = time.Now()
		}
		o.mu.Unlock()

		if current {
			o.cfg.Hub.StreamEnd(ctx, sessionID, data)
			o.publishStream(bus.TopicStreamEnd, sessionID, "stream.end", data)
		}
		if o.cfg.Metrics != nil {
			o.cfg.Metrics.QueryDuration.Record(ctx, time.Since(st.start).Seconds())
		}
	})
}

// pumpStream forwards agent messages to the hub until the turn's result
// arrives.
func (o *Orchestrator) pumpStream(sessionID string, live *liveSession, st *activeStream, msgs <-chan agentclient.Message) {
	defer live.pump.Done()
	ctx := shared.WithSessionID(context.Background(), sessionID)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("stream pump panicked", "session_id", sessionID, "panic", r)
			o.endStream(ctx, sessionID, live, st, map[string]any{
				"is_error": true,
				"result":   fmt.Sprintf("internal error: %v", r),
			})
		}
	}()

	var span trace.Span
	if o.cfg.Tracer != nil {
		ctx, span = deckotel.StartSpan(ctx, o.cfg.Tracer, "session.query",
			deckotel.AttrSessionID.String(sessionID),
			deckotel.AttrDeviceID.String(st.deviceID))
		defer span.End()
	}

	for msg := range msgs {
		o.mu.Lock()
		live.lastActivity = time.Now()
		o.mu.Unlock()

		switch msg.Type {
		case agentclient.MessageSystem:
			// The init message reports the external session id used as
			// the resume token for the next query.
			if msg.SessionID != "" {
				if err := o.cfg.Store.UpsertSession(ctx, sessionID, msg.SessionID); err != nil {
					o.logger.Warn("persist resume id failed",
						"session_id", sessionID,
						"error", err,
						"trace_id", shared.TraceID(ctx))
				}
			}
		case agentclient.MessageStreamDelta:
			if msg.Delta != "" {
				data := map[string]any{"text": msg.Delta}
				o.cfg.Hub.StreamChunk(ctx, sessionID, data)
				o.publishStream(bus.TopicStreamChunk, sessionID, "stream.chunk", data)
			}
		case agentclient.MessageAssistant:
			if msg.Text != "" {
				data := map[string]any{"role": "assistant", "text": msg.Text}
				o.cfg.Hub.StreamChunk(ctx, sessionID, data)
				o.publishStream(bus.TopicStreamChunk, sessionID, "stream.chunk", data)
			}
		case agentclient.MessageResult:
			o.endStream(ctx, sessionID, live, st, map[string]any{
				"is_error": msg.IsError,
				"result":   msg.Result,
			})
			if err := o.cfg.Store.TouchSession(ctx, sessionID); err != nil {
				o.logger.Warn("touch session failed",
					"session_id", sessionID,
					"error", err,
					"trace_id", shared.TraceID(ctx))
			}
			return
		}
	}

	// Channel closed without a result: the agent died mid-turn, or the
	// session was torn down for a newer query.
	o.endStream(ctx, sessionID, live, st, map[string]any{"is_error": true, "result": "agent connection lost"})

	o.mu.Lock()
	current := o.sessions[sessionID] == live
	if current {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if current {
		o.logger.Error("agent exited mid-stream", "session_id", sessionID)
		_ = live.client.Disconnect()
	}
}

func (o *Orchestrator) connect(ctx context.Context, sessionID string) (agentclient.Client, error) {
	resumeID := ""
	if sess, err := o.cfg.Store.GetSession(ctx, sessionID); err == nil {
		resumeID = sess.ExternalSessionID
	} else if !errors.Is(err, persistence.ErrNotFound) {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}

	client := o.cfg.Factory(agentclient.Options{
		Command:         o.cfg.Agent.Command,
		Args:            o.cfg.Agent.Args,
		WorkDir:         o.cfg.Repo,
		ResumeSessionID: resumeID,
		PermissionMode:  o.cfg.Agent.PermissionMode,
	})
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect agent for session %s: %w", sessionID, err)
	}
	o.logger.Info("agent connected",
		"session_id", sessionID,
		"resumed", resumeID != "",
		"trace_id", shared.TraceID(ctx))
	return client, nil
}

// Interrupt aborts the session's in-flight query. The streaming state
// is cleared whether or not the control request reaches the agent, so
// the session can never get stuck mid-stream; a late result from the
// agent is absorbed by the stream's terminal-event guard.
func (o *Orchestrator) Interrupt(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	live, ok := o.sessions[sessionID]
	var st *activeStream
	if ok {
		st = live.stream
	}
	o.mu.Unlock()
	if !ok || st == nil {
		return ErrNotStreaming
	}

	if o.cfg.Metrics != nil {
		o.cfg.Metrics.Interrupts.Add(ctx, 1)
	}
	o.logger.Info("interrupting session",
		"session_id", sessionID,
		"trace_id", shared.TraceID(ctx))

	err := live.client.Interrupt(ctx)
	o.endStream(ctx, sessionID, live, st, map[string]any{
		"is_error": true,
		"result":   "interrupted",
	})
	return err
}

// IsStreaming reports whether the session has a query in flight.
func (o *Orchestrator) IsStreaming(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	live, ok := o.sessions[sessionID]
	return ok && live.stream != nil
}

// Snapshot lists the live sessions and their state.
func (o *Orchestrator) Snapshot(ctx context.Context) []SessionState {
	o.mu.Lock()
	states := make([]SessionState, 0, len(o.sessions))
	for id, live := range o.sessions {
		ext := ""
		if live.client != nil {
			ext = live.client.SessionID()
		}
		states = append(states, SessionState{
			SessionID:         id,
			Streaming:         live.stream != nil,
			LastActivity:      live.lastActivity,
			ExternalSessionID: ext,
		})
	}
	o.mu.Unlock()

	for i := range states {
		states[i].Devices = o.cfg.Hub.DeviceCount(states[i].SessionID)
	}
	return states
}

// CleanupStale disconnects idle live clients. Streaming sessions are
// never evicted. Returns the number of clients dropped.
func (o *Orchestrator) CleanupStale(ctx context.Context) int {
	cutoff := time.Now().Add(-o.cfg.IdleTimeout)

	o.mu.Lock()
	var evict []string
	for id, live := range o.sessions {
		if live.stream == nil && live.lastActivity.Before(cutoff) {
			evict = append(evict, id)
		}
	}
	o.mu.Unlock()

	for _, id := range evict {
		o.logger.Info("evicting idle session",
			"session_id", id,
			"trace_id", shared.TraceID(ctx))
		o.teardown(id)
	}
	return len(evict)
}

// teardown removes the session's live state, disconnects its client,
// and waits for its pump to drain so no stale events trail into a
// successor stream.
func (o *Orchestrator) teardown(sessionID string) {
	o.mu.Lock()
	live, ok := o.sessions[sessionID]
	if ok {
		delete(o.sessions, sessionID)
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	if live.client != nil {
		_ = live.client.Disconnect()
	}
	live.pump.Wait()
}

// Shutdown disconnects every live client and waits for stream pumps to
// drain.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	lives := make([]*liveSession, 0, len(o.sessions))
	for _, live := range o.sessions {
		lives = append(lives, live)
	}
	o.sessions = make(map[string]*liveSession)
	o.mu.Unlock()

	for _, live := range lives {
		if live.client != nil {
			_ = live.client.Disconnect()
		}
		live.pump.Wait()
	}
}
