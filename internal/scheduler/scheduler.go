// Package scheduler runs background agent runs through a bounded-
// concurrency FIFO queue with pause, resume, cancel and timeout
// semantics.
package scheduler

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
)

// ErrRunNotActive is returned by Pause and Resume when the run is not in
// a state that allows the operation.
var ErrRunNotActive = errors.New("run is not in a pausable state")

// Workspace provisions isolated run directories and performs post-run
// publishing. *workspace.Manager implements it.
type Workspace interface {
	Provision(ctx context.Context, runID string) (path, branch string, err error)
	CommitAll(ctx context.Context, path, message string) error
	HasChanges(ctx context.Context, path string) (bool, error)
	PublishBranch(ctx context.Context, path, branch string) error
	OpenReviewRequest(ctx context.Context, path, branch, title, body string) (string, error)
	Cleanup(ctx context.Context, path string) error
}

// Config bundles the scheduler's dependencies.
type Config struct {
	Logger    *slog.Logger
	Store     *persistence.Store
	Bus       *bus.Bus
	Factory   agentclient.Factory
	Workspace Workspace
	Agent     config.AgentConfig
	Runs      config.RunsConfig
	Metrics   *deckotel.Metrics
	Tracer    trace.Tracer
}

type runControl struct {
	cancel context.CancelFunc
	gate   *pauseGate
	reason string // set before cancel so the run loop knows why it died
	mu     sync.Mutex
}

// setReason records why the run is being stopped. It reports whether
// this call was the first; later callers lost the race and their reason
// is discarded.
func (rc *runControl) setReason(reason string) bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	if rc.reason != "" {
		return false
	}
	rc.reason = reason
	return true
}

func (rc *runControl) getReason() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.reason
}

type Scheduler struct {
	cfg    Config
	logger *slog.Logger

	// timeoutOverride replaces the computed per-run deadline when set.
	// Config expresses deadlines in minutes; tests need shorter ones.
	timeoutOverride time.Duration

	mu      sync.Mutex
	active  map[string]*runControl
	started bool

	kick chan struct{}
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Runs.MaxConcurrent <= 0 {
		cfg.Runs.MaxConcurrent = 2
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "scheduler"),
		active: make(map[string]*runControl),
		kick:   make(chan struct{}, 1),
	}
}

// Start launches the queue processor. It fails any runs a previous
// process left active before admitting new work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.mu.Unlock()

	recovered, err := s.cfg.Store.RecoverInterruptedRuns(ctx)
	if err != nil {
		return fmt.Errorf("recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("failed runs interrupted by restart", "count", recovered)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.wg.Add(1)
	go s.loop(loopCtx)
	return nil
}

// Stop halts queue processing and cancels every active run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	controls := make([]*runControl, 0, len(s.active))
	for _, rc := range s.active {
		controls = append(controls, rc)
	}
	stop := s.stop
	s.mu.Unlock()

	for _, rc := range controls {
		rc.setReason("server shutting down")
		rc.gate.resume()
		rc.cancel()
	}
	if stop != nil {
		stop()
	}
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	poll := time.Duration(s.cfg.Runs.QueuePollSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	s.processQueue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.processQueue(ctx)
		case <-s.kick:
			s.processQueue(ctx)
		}
	}
}

// kickQueue nudges the processor without waiting for the next tick.
func (s *Scheduler) kickQueue() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// processQueue admits queued runs in creation order while concurrency
// slots are free. RUNNING and PAUSED runs both hold a slot.
func (s *Scheduler) processQueue(ctx context.Context) {
	active, err := s.cfg.Store.CountActiveRuns(ctx)
	if err != nil {
		s.logger.Error("count active runs failed", "error", err)
		return
	}
	slots := s.cfg.Runs.MaxConcurrent - active
	if slots <= 0 {
		return
	}

	queued, err := s.cfg.Store.QueuedRuns(ctx)
	if err != nil {
		s.logger.Error("list queued runs failed", "error", err)
		return
	}
	for _, run := range queued {
		if slots <= 0 {
			return
		}
		if err := s.cfg.Store.TransitionRun(ctx, run.ID, persistence.RunStatusQueued, persistence.RunStatusRunning); err != nil {
			// Lost a race, typically a cancel landing first.
			if !errors.Is(err, persistence.ErrInvalidTransition) && !errors.Is(err, persistence.ErrNotFound) {
				s.logger.Error("admit run failed", "run_id", run.ID, "error", err)
			}
			continue
		}
		slots--
		s.publishState(ctx, run.ID, persistence.RunStatusQueued, persistence.RunStatusRunning, "admitted")

		rc := &runControl{gate: newPauseGate()}
		runCtx, cancel := context.WithCancel(ctx)
		rc.cancel = cancel
		s.mu.Lock()
		s.active[run.ID] = rc
		s.mu.Unlock()

		s.wg.Add(1)
		go func(run persistence.AgentRun) {
			defer s.wg.Done()
			s.execute(runCtx, run, rc)
		}(run)
	}
}

// Launch validates a spec and enqueues a run. The run id is returned
// immediately; execution starts when a slot frees up.
func (s *Scheduler) Launch(ctx context.Context, spec *LaunchSpec) (string, error) {
	raw, err := spec.encode()
	if err != nil {
		return "", err
	}
	if _, err := ParseLaunchSpec([]byte(raw)); err != nil {
		return "", err
	}

	runID := shared.NewRunID()
	run := &persistence.AgentRun{
		ID:     runID,
		Prompt: spec.Prompt,
		Params: raw,
		Status: persistence.RunStatusQueued,
	}
	if err := s.cfg.Store.CreateAgentRun(ctx, run); err != nil {
		return "", err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RunsLaunched.Add(ctx, 1)
	}
	s.logger.Info("run queued",
		"run_id", runID,
		"trace_id", shared.TraceID(ctx))
	s.publishState(ctx, runID, "", persistence.RunStatusQueued, "launched")
	s.kickQueue()
	return runID, nil
}

// LaunchRaw validates and enqueues a run from raw JSON.
func (s *Scheduler) LaunchRaw(ctx context.Context, raw []byte) (string, error) {
	spec, err := ParseLaunchSpec(raw)
	if err != nil {
		return "", err
	}
	return s.Launch(ctx, spec)
}

// Pause gates a running run. The agent subprocess keeps its state but
// the scheduler stops consuming its output until Resume.
func (s *Scheduler) Pause(ctx context.Context, runID string) error {
	if err := s.cfg.Store.TransitionRun(ctx, runID, persistence.RunStatusRunning, persistence.RunStatusPaused); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return ErrRunNotActive
		}
		return err
	}
	s.mu.Lock()
	rc := s.active[runID]
	s.mu.Unlock()
	if rc != nil {
		rc.gate.pause()
	}
	s.publishState(ctx, runID, persistence.RunStatusRunning, persistence.RunStatusPaused, "paused")
	return nil
}

// Resume reopens a paused run's gate.
func (s *Scheduler) Resume(ctx context.Context, runID string) error {
	if err := s.cfg.Store.TransitionRun(ctx, runID, persistence.RunStatusPaused, persistence.RunStatusRunning); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return ErrRunNotActive
		}
		return err
	}
	s.mu.Lock()
	rc := s.active[runID]
	s.mu.Unlock()
	if rc != nil {
		rc.gate.resume()
	}
	s.publishState(ctx, runID, persistence.RunStatusPaused, persistence.RunStatusRunning, "resumed")
	return nil
}

// Cancel stops a run. It reports whether the cancel took effect: a run
// that is already terminal returns false with no error.
func (s *Scheduler) Cancel(ctx context.Context, runID string) (bool, error) {
	run, err := s.cfg.Store.GetAgentRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if run.Status.IsTerminal() {
		return false, nil
	}

	if run.Status == persistence.RunStatusQueued {
		if err := s.cfg.Store.FinishRun(ctx, runID, persistence.RunStatusFailed, "", "cancelled"); err != nil {
			if errors.Is(err, persistence.ErrInvalidTransition) {
				// It went terminal or started between the read and the
				// update; a started run is handled below on retry.
				return s.Cancel(ctx, runID)
			}
			return false, err
		}
		s.publishState(ctx, runID, persistence.RunStatusQueued, persistence.RunStatusFailed, "cancelled")
		return true, nil
	}

	s.mu.Lock()
	rc := s.active[runID]
	s.mu.Unlock()
	if rc == nil {
		// Active in the store but not in memory, e.g. orphaned by a
		// crash of the run goroutine. Fail it directly.
		if err := s.cfg.Store.FinishRun(ctx, runID, persistence.RunStatusFailed, "", "cancelled"); err != nil {
			if errors.Is(err, persistence.ErrInvalidTransition) {
				return false, nil
			}
			return false, err
		}
		s.publishState(ctx, runID, run.Status, persistence.RunStatusFailed, "cancelled")
		return true, nil
	}

	// Only the first cancel takes effect; repeats on a run already
	// being stopped report false.
	if !rc.setReason("cancelled") {
		return false, nil
	}
	rc.gate.resume()
	rc.cancel()
	s.logger.Info("run cancel requested",
		"run_id", runID,
		"trace_id", shared.TraceID(ctx))
	return true, nil
}

func (s *Scheduler) publishState(ctx context.Context, runID string, from, to persistence.RunStatus, reason string) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(bus.TopicRunStateChanged, bus.RunStateChangedEvent{
		RunID:     runID,
		OldStatus: string(from),
		NewStatus: string(to),
		Reason:    reason,
	})
}
