package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/HobbyCoders/agentdeck/internal/agentclient"
	"github.com/HobbyCoders/agentdeck/internal/bus"
	"github.com/HobbyCoders/agentdeck/internal/config"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/synchub"
)

// fakeAgent is a scripted in-memory agent. Each Query releases the next
// batch of scripted messages.
type fakeAgent struct {
	mu              sync.Mutex
	opts            agentclient.Options
	msgs            chan agentclient.Message
	closed          bool
	queries         []string
	interrupted     bool
	interruptErr    error
	interruptSilent bool // drop the turn's result, as a wedged agent would
	sessionID       string
}

func newFakeAgent(opts agentclient.Options) *fakeAgent {
	return &fakeAgent{opts: opts, msgs: make(chan agentclient.Message, 64), sessionID: "ext-1"}
}

func (f *fakeAgent) Connect(ctx context.Context) error { return nil }

func (f *fakeAgent) Query(ctx context.Context, prompt string) error {
	f.mu.Lock()
	f.queries = append(f.queries, prompt)
	f.mu.Unlock()
	return nil
}

func (f *fakeAgent) Receive() <-chan agentclient.Message { return f.msgs }

func (f *fakeAgent) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	f.interrupted = true
	err := f.interruptErr
	silent := f.interruptSilent
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if !silent {
		// An interrupted turn normally still produces its result.
		f.emitResult(true, "interrupted")
	}
	return nil
}

func (f *fakeAgent) disconnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Disconnect closes the message channel but keeps returning it from
// Receive, matching the real client.
func (f *fakeAgent) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.msgs)
	}
	return nil
}

func (f *fakeAgent) SessionID() string { return f.sessionID }

func (f *fakeAgent) emit(msg agentclient.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.msgs <- msg
	}
}

func (f *fakeAgent) emitResult(isError bool, result string) {
	f.emit(agentclient.Message{Type: agentclient.MessageResult, IsError: isError, Result: result})
}

// collectSink gathers hub events by type.
type collectSink struct {
	mu     sync.Mutex
	events []synchub.Event
}

func (s *collectSink) Send(_ context.Context, ev synchub.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) byType(typ string) []synchub.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []synchub.Event
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (s *collectSink) waitFor(t *testing.T, typ string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(s.byType(typ)) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q events, have %d", n, typ, len(s.byType(typ)))
}

type testEnv struct {
	orch   *Orchestrator
	hub    *synchub.Hub
	bus    *bus.Bus
	store  *persistence.Store
	agents chan *fakeAgent
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	hub := synchub.New(nil)
	b := bus.New()
	agents := make(chan *fakeAgent, 8)
	factory := func(opts agentclient.Options) agentclient.Client {
		agent := newFakeAgent(opts)
		agents <- agent
		return agent
	}
	orch := New(Config{
		Store:       store,
		Hub:         hub,
		Bus:         b,
		Factory:     factory,
		Agent:       config.AgentConfig{Command: "claude"},
		IdleTimeout: time.Hour,
	})
	t.Cleanup(orch.Shutdown)
	return &testEnv{orch: orch, hub: hub, bus: b, store: store, agents: agents}
}

func (env *testEnv) agent(t *testing.T) *fakeAgent {
	t.Helper()
	select {
	case a := <-env.agents:
		return a
	case <-time.After(2 * time.Second):
		t.Fatal("no agent was created")
		return nil
	}
}

func TestStartStream_DeliversChunksAndEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "hello"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	agent := env.agent(t)
	agent.emit(agentclient.Message{Type: agentclient.MessageStreamDelta, Delta: "Hi "})
	agent.emit(agentclient.Message{Type: agentclient.MessageStreamDelta, Delta: "there"})
	agent.emitResult(false, "Hi there")

	sink.waitFor(t, "stream.end", 1)
	if got := len(sink.byType("stream.chunk")); got != 2 {
		t.Errorf("chunks = %d, want 2", got)
	}
	if got := len(sink.byType("stream.start")); got != 1 {
		t.Errorf("starts = %d, want 1", got)
	}
	if env.orch.IsStreaming("sess-1") {
		t.Error("IsStreaming = true after end")
	}
}

func TestStartStream_SupersedesPriorQuery(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "first"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	first := env.agent(t)

	// A second query on the same session tears the first client down.
	if err := env.orch.StartStream(ctx, "sess-1", "phone", "second"); err != nil {
		t.Fatalf("second StartStream() error = %v", err)
	}
	second := env.agent(t)

	if !first.disconnected() {
		t.Error("first client still connected after supersede")
	}
	second.emitResult(false, "done")
	sink.waitFor(t, "stream.end", 1)

	// The superseded query never emits its own stream.end.
	if got := len(sink.byType("stream.end")); got != 1 {
		t.Errorf("stream.end events = %d, want 1", got)
	}
	if env.orch.IsStreaming("sess-1") {
		t.Error("IsStreaming = true after end")
	}
}

func TestStartStream_SingleClientPerSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "first"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	first := env.agent(t)
	first.emitResult(false, "ok")
	sink.waitFor(t, "stream.end", 1)

	// Each query gets a fresh client; the prior one is gone before the
	// next connects.
	if err := env.orch.StartStream(ctx, "sess-1", "phone", "second"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	second := env.agent(t)
	if !first.disconnected() {
		t.Error("first client still connected after new query")
	}
	second.emitResult(false, "ok again")
	sink.waitFor(t, "stream.end", 2)

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()
	if len(first.queries) != 1 || len(second.queries) != 1 {
		t.Errorf("queries = %v / %v, want one each", first.queries, second.queries)
	}
}

func TestInterrupt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.Interrupt(ctx, "sess-1"); !errors.Is(err, ErrNotStreaming) {
		t.Errorf("Interrupt(idle) error = %v, want ErrNotStreaming", err)
	}

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "long task"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	env.agent(t)

	if err := env.orch.Interrupt(ctx, "sess-1"); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	sink.waitFor(t, "stream.end", 1)

	ends := sink.byType("stream.end")
	if isErr, _ := ends[0].Data["is_error"].(bool); !isErr {
		t.Errorf("interrupted stream.end data = %v, want is_error", ends[0].Data)
	}
}

func TestInterrupt_RemoteFailureStillEndsStream(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "long task"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	agent := env.agent(t)
	agent.mu.Lock()
	agent.interruptErr = errors.New("control channel down")
	agent.mu.Unlock()

	if err := env.orch.Interrupt(ctx, "sess-1"); err == nil {
		t.Fatal("Interrupt() error = nil, want remote failure")
	}
	sink.waitFor(t, "stream.end", 1)
	if env.orch.IsStreaming("sess-1") {
		t.Error("IsStreaming = true after failed interrupt")
	}

	// The agent's late result must not produce a second terminal event.
	agent.emitResult(true, "interrupted")
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.byType("stream.end")); got != 1 {
		t.Errorf("stream.end events = %d, want 1", got)
	}
}

func TestInterrupt_ClearsStreamingWithoutResult(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "long task"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	agent := env.agent(t)
	agent.mu.Lock()
	agent.interruptSilent = true
	agent.mu.Unlock()

	// The control request succeeds but the agent never emits its
	// result. The session must not stay stuck mid-stream.
	if err := env.orch.Interrupt(ctx, "sess-1"); err != nil {
		t.Fatalf("Interrupt() error = %v", err)
	}
	sink.waitFor(t, "stream.end", 1)
	if env.orch.IsStreaming("sess-1") {
		t.Error("IsStreaming = true after interrupt")
	}

	// A result straggling in later must not produce a second terminal
	// event.
	agent.emitResult(true, "interrupted")
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.byType("stream.end")); got != 1 {
		t.Errorf("stream.end events = %d, want 1", got)
	}
}

func TestStartStream_RapidSuccession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sink := &collectSink{}
	env.hub.Register("sess-1", "laptop", sink)

	// Back-to-back sends race each teardown against the pump it spawned.
	for i, prompt := range []string{"one", "two", "three"} {
		if err := env.orch.StartStream(ctx, "sess-1", "phone", prompt); err != nil {
			t.Fatalf("StartStream #%d error = %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		env.agent(t)
	}
	last := env.agent(t)
	last.emitResult(false, "done")
	sink.waitFor(t, "stream.end", 1)

	if got := len(sink.byType("stream.end")); got != 1 {
		t.Errorf("stream.end events = %d, want 1", got)
	}
	last.mu.Lock()
	defer last.mu.Unlock()
	if len(last.queries) != 1 || last.queries[0] != "three" {
		t.Errorf("surviving client queries = %v, want [three]", last.queries)
	}
}

func TestStartStream_MirrorsEventsOnBus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.bus.Subscribe("stream.")
	defer env.bus.Unsubscribe(sub)

	if err := env.orch.StartStream(ctx, "sess-1", "phone", "hello"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	agent := env.agent(t)
	agent.emit(agentclient.Message{Type: agentclient.MessageStreamDelta, Delta: "Hi"})
	agent.emitResult(false, "Hi")

	want := []string{bus.TopicStreamStart, bus.TopicStreamChunk, bus.TopicStreamEnd}
	for _, topic := range want {
		select {
		case ev := <-sub.Ch():
			if ev.Topic != topic {
				t.Fatalf("bus topic = %s, want %s", ev.Topic, topic)
			}
			payload, ok := ev.Payload.(bus.StreamEvent)
			if !ok || payload.SessionID != "sess-1" {
				t.Fatalf("bus payload = %#v, want StreamEvent for sess-1", ev.Payload)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s event on bus", topic)
		}
	}
}

func TestStartStream_ResumesPersistedSession(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if err := env.store.UpsertSession(ctx, "sess-1", "ext-resume-token"); err != nil {
		t.Fatalf("UpsertSession() error = %v", err)
	}
	if err := env.orch.StartStream(ctx, "sess-1", "phone", "continue"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	agent := env.agent(t)
	if agent.opts.ResumeSessionID != "ext-resume-token" {
		t.Errorf("ResumeSessionID = %q, want ext-resume-token", agent.opts.ResumeSessionID)
	}

	// The init message's reported id replaces the cached token.
	agent.emit(agentclient.Message{Type: agentclient.MessageSystem, Subtype: "init", SessionID: "ext-rotated"})
	agent.emitResult(false, "done")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := env.store.GetSession(ctx, "sess-1")
		if err == nil && sess.ExternalSessionID == "ext-rotated" {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := env.store.GetSession(ctx, "sess-1")
	t.Fatalf("external session id = %q, want ext-rotated", sess.ExternalSessionID)
}

func TestCleanupStale_EvictsIdleOnly(t *testing.T) {
	env := newTestEnv(t)
	env.orch.cfg.IdleTimeout = 10 * time.Millisecond
	ctx := context.Background()

	if err := env.orch.StartStream(ctx, "sess-idle", "phone", "hi"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	idle := env.agent(t)
	idle.emitResult(false, "done")

	if err := env.orch.StartStream(ctx, "sess-busy", "phone", "hi"); err != nil {
		t.Fatalf("StartStream() error = %v", err)
	}
	env.agent(t) // never emits a result, stays busy

	deadline := time.Now().Add(2 * time.Second)
	for env.orch.IsStreaming("sess-idle") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)

	if n := env.orch.CleanupStale(ctx); n != 1 {
		t.Errorf("CleanupStale() = %d, want 1", n)
	}
	states := env.orch.Snapshot(ctx)
	if len(states) != 1 || states[0].SessionID != "sess-busy" {
		t.Errorf("Snapshot after cleanup = %+v, want only sess-busy", states)
	}
}
