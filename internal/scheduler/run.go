package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/HobbyCoders/agentdeck/internal/agentclient"
	"github.com/HobbyCoders/agentdeck/internal/bus"
	deckotel "github.com/HobbyCoders/agentdeck/internal/otel"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/shared"
)

// pauseGate blocks run progress while the run is paused. resume is safe
// to call when not paused.
type pauseGate struct {
	mu sync.Mutex
	ch chan struct{} // non-nil while paused
}

func newPauseGate() *pauseGate {
	return &pauseGate{}
}

func (g *pauseGate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch == nil {
		g.ch = make(chan struct{})
	}
}

func (g *pauseGate) resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ch != nil {
		close(g.ch)
		g.ch = nil
	}
}

// wait blocks until the gate is open or the context ends.
func (g *pauseGate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		ch := g.ch
		g.mu.Unlock()
		if ch == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (s *Scheduler) runTimeout(spec *LaunchSpec, isReview bool) time.Duration {
	if s.timeoutOverride > 0 {
		return s.timeoutOverride
	}
	max := time.Duration(s.cfg.Runs.MaxDurationMinutes) * time.Minute
	if max <= 0 {
		max = time.Hour
	}
	if isReview {
		if d := time.Duration(s.cfg.Runs.ReviewMaxDurationMinutes) * time.Minute; d > 0 {
			max = d
		}
	}
	if spec.TimeoutMinutes > 0 {
		if d := time.Duration(spec.TimeoutMinutes) * time.Minute; d < max {
			return d
		}
	}
	return max
}

// execute drives one admitted run to a terminal state. It always records
// exactly one terminal outcome.
func (s *Scheduler) execute(ctx context.Context, run persistence.AgentRun, rc *runControl) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("run panicked", "run_id", run.ID, "panic", r)
			s.finish(ctx, run.ID, persistence.RunStatusFailed, "", fmt.Sprintf("internal error: %v", r))
		}
		s.mu.Lock()
		delete(s.active, run.ID)
		s.mu.Unlock()
		s.kickQueue()
	}()

	spec, err := ParseLaunchSpec([]byte(run.Params))
	if err != nil {
		s.finish(ctx, run.ID, persistence.RunStatusFailed, "", fmt.Sprintf("stored launch spec invalid: %v", err))
		return
	}
	isReview := spec.ReviewOfRunID != ""

	ctx = shared.WithRunID(ctx, run.ID)
	var span trace.Span
	if s.cfg.Tracer != nil {
		ctx, span = deckotel.StartSpan(ctx, s.cfg.Tracer, "run.execute",
			deckotel.AttrRunID.String(run.ID))
		defer span.End()
	}

	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout(spec, isReview))
	defer cancel()

	start := time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ActiveRuns.Add(ctx, 1)
		defer s.cfg.Metrics.ActiveRuns.Add(ctx, -1)
		defer func() {
			s.cfg.Metrics.RunDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	isolate := s.cfg.Runs.Isolate
	if spec.Isolate != nil {
		isolate = *spec.Isolate
	}
	var workPath, branch string
	if isolate && s.cfg.Workspace != nil {
		workPath, branch, err = s.cfg.Workspace.Provision(runCtx, run.ID)
		if err != nil {
			// An unisolated run is better than no run. The agent works
			// in the main tree and post-run actions are skipped.
			s.recordLog(ctx, run.ID, "warn", fmt.Sprintf("provision workspace: %v; continuing unisolated", err))
			workPath, branch = "", ""
		} else {
			if span != nil {
				span.SetAttributes(deckotel.AttrBranch.String(branch))
			}
			if err := s.cfg.Store.SetRunWorkspace(ctx, run.ID, workPath, branch); err != nil {
				s.logger.Warn("record workspace failed", "run_id", run.ID, "error", err)
			}
		}
	}

	client := s.cfg.Factory(agentclient.Options{
		Command:        s.cfg.Agent.Command,
		Args:           s.cfg.Agent.Args,
		WorkDir:        workPath,
		PermissionMode: s.cfg.Agent.PermissionMode,
	})
	if err := client.Connect(runCtx); err != nil {
		s.finish(ctx, run.ID, persistence.RunStatusFailed, "", fmt.Sprintf("connect agent: %v", err))
		return
	}
	defer client.Disconnect()

	if err := client.Query(runCtx, spec.Prompt); err != nil {
		s.finish(ctx, run.ID, persistence.RunStatusFailed, "", fmt.Sprintf("submit prompt: %v", err))
		return
	}
	s.recordLog(ctx, run.ID, "info", "run started")

	// Captured once: Disconnect in the deferred cleanup must not hand
	// the loop a different channel than the one the run streamed on.
	msgs := client.Receive()
	for {
		select {
		case <-runCtx.Done():
			reason := rc.getReason()
			if reason == "" {
				reason = "run exceeded time limit"
			}
			s.recordLog(ctx, run.ID, "error", reason)
			s.finish(ctx, run.ID, persistence.RunStatusFailed, "", reason)
			return
		case msg, ok := <-msgs:
			if !ok {
				s.finish(ctx, run.ID, persistence.RunStatusFailed, "", "agent exited unexpectedly")
				return
			}
			// A paused run stops consuming agent output here. Cancel
			// and timeout still fire through runCtx.
			if err := rc.gate.wait(runCtx); err != nil {
				continue
			}
			if s.handleMessage(ctx, runCtx, run.ID, spec, workPath, branch, msg) {
				return
			}
		}
	}
}

// handleMessage processes one agent message. It returns true once the
// run reached a terminal state.
func (s *Scheduler) handleMessage(ctx, runCtx context.Context, runID string, spec *LaunchSpec, workPath, branch string, msg agentclient.Message) bool {
	if err := s.cfg.Store.TouchRun(ctx, runID); err != nil {
		s.logger.Warn("touch run failed", "run_id", runID, "error", err)
	}

	switch msg.Type {
	case agentclient.MessageAssistant:
		if len(msg.Todos) > 0 {
			s.updateTasks(ctx, runID, msg.Todos)
		}
		// Sub-agent spawns are counted, never scheduled as runs of
		// their own; the agent process manages them itself.
		for _, tool := range msg.ToolUses {
			if tool == "Task" {
				s.recordLog(ctx, runID, "info", "sub-agent spawned")
			}
		}
		if msg.Text != "" {
			s.recordLog(ctx, runID, "info", msg.Text)
		}
	case agentclient.MessageResult:
		s.completeRun(ctx, runCtx, runID, spec, workPath, branch, msg)
		return true
	}
	return false
}

func (s *Scheduler) completeRun(ctx, runCtx context.Context, runID string, spec *LaunchSpec, workPath, branch string, msg agentclient.Message) {
	if msg.IsError {
		s.finish(ctx, runID, persistence.RunStatusFailed, "", firstLine(msg.Result))
		return
	}

	if workPath != "" {
		if err := s.cfg.Workspace.CommitAll(runCtx, workPath, "agentdeck: "+firstLine(spec.Prompt)); err != nil {
			s.logger.Warn("commit run output failed", "run_id", runID, "error", err)
		}
	}

	s.finish(ctx, runID, persistence.RunStatusCompleted, msg.Result, "")
	s.postRunActions(ctx, runCtx, runID, spec, workPath, branch, msg.Result)
}

// postRunActions runs the configured follow-ups for a completed run.
// Failures here are logged against the run but never change its
// terminal state.
func (s *Scheduler) postRunActions(ctx, runCtx context.Context, runID string, spec *LaunchSpec, workPath, branch, summary string) {
	publish := spec.PublishBranch || s.cfg.Runs.PublishBranch
	review := spec.OpenReviewRequest || s.cfg.Runs.OpenReviewRequest
	followUp := (spec.LaunchReviewRun || s.cfg.Runs.LaunchReviewRun) && spec.ReviewOfRunID == ""

	changed := false
	if workPath != "" {
		var err error
		changed, err = s.cfg.Workspace.HasChanges(runCtx, workPath)
		if err != nil {
			s.recordLog(ctx, runID, "warn", fmt.Sprintf("inspect workspace: %v", err))
			changed = false
		}
	}
	if !changed && (publish || review) {
		s.recordLog(ctx, runID, "info", "no changes to publish")
	}
	if !changed {
		publish = false
		review = false
	}

	// A worktree the run never touched has nothing worth keeping.
	if workPath != "" && !changed {
		if err := s.cfg.Workspace.Cleanup(runCtx, workPath); err != nil {
			s.recordLog(ctx, runID, "warn", fmt.Sprintf("cleanup workspace: %v", err))
		}
	}

	if publish && workPath != "" {
		if err := s.cfg.Workspace.PublishBranch(runCtx, workPath, branch); err != nil {
			s.recordLog(ctx, runID, "warn", fmt.Sprintf("publish branch: %v", err))
			review = false
		} else {
			s.recordLog(ctx, runID, "info", "branch published: "+branch)
		}
	}

	if review && workPath != "" {
		title := firstLine(spec.Prompt)
		url, err := s.cfg.Workspace.OpenReviewRequest(runCtx, workPath, branch, title, summary)
		if err != nil {
			s.recordLog(ctx, runID, "warn", fmt.Sprintf("open review request: %v", err))
		} else {
			s.recordLog(ctx, runID, "info", "review request opened: "+url)
		}
	}

	if followUp {
		reviewSpec := &LaunchSpec{
			Prompt:        reviewPrompt(spec.Prompt, summary),
			ReviewOfRunID: runID,
		}
		reviewID, err := s.Launch(ctx, reviewSpec)
		if err != nil {
			s.recordLog(ctx, runID, "warn", fmt.Sprintf("launch review run: %v", err))
		} else {
			s.recordLog(ctx, runID, "info", "review run launched: "+reviewID)
		}
	}
}

func reviewPrompt(original, summary string) string {
	var b strings.Builder
	b.WriteString("Review the changes produced for the following task and point out bugs, missing tests, and style problems.\n\nTask:\n")
	b.WriteString(original)
	if summary != "" {
		b.WriteString("\n\nReported outcome:\n")
		b.WriteString(summary)
	}
	return b.String()
}

// finish records the run's single terminal outcome. Losing the terminal
// race, for example to a concurrent cancel, is not an error.
func (s *Scheduler) finish(ctx context.Context, runID string, status persistence.RunStatus, summary, errMsg string) {
	// The run's context may already be cancelled; the terminal write
	// must still land.
	ctx = context.WithoutCancel(ctx)
	if err := s.cfg.Store.FinishRun(ctx, runID, status, summary, errMsg); err != nil {
		if !errors.Is(err, persistence.ErrInvalidTransition) {
			s.logger.Error("finish run failed", "run_id", runID, "error", err)
		}
		return
	}
	s.logger.Info("run finished",
		"run_id", runID,
		"status", string(status),
		"error", errMsg,
		"trace_id", shared.TraceID(ctx))

	if s.cfg.Metrics != nil {
		switch status {
		case persistence.RunStatusCompleted:
			s.cfg.Metrics.RunsCompleted.Add(ctx, 1)
		case persistence.RunStatusFailed:
			s.cfg.Metrics.RunsFailed.Add(ctx, 1)
		}
	}
	if s.cfg.Bus != nil {
		topic := bus.TopicRunCompleted
		if status == persistence.RunStatusFailed {
			topic = bus.TopicRunFailed
		}
		s.cfg.Bus.Publish(topic, bus.RunStateChangedEvent{
			RunID:     runID,
			NewStatus: string(status),
			Reason:    errMsg,
		})
	}
}

func (s *Scheduler) updateTasks(ctx context.Context, runID string, todos []agentclient.Todo) {
	tasks := make([]persistence.AgentTask, 0, len(todos))
	items := make([]bus.RunTaskItem, 0, len(todos))
	for i, todo := range todos {
		status := persistence.TaskStatusPending
		switch todo.Status {
		case "in_progress":
			status = persistence.TaskStatusInProgress
		case "completed":
			status = persistence.TaskStatusCompleted
		}
		tasks = append(tasks, persistence.AgentTask{
			ID:       uuid.NewString(),
			RunID:    runID,
			Name:     todo.Content,
			Status:   status,
			Position: i,
		})
		items = append(items, bus.RunTaskItem{Name: todo.Content, Status: string(status), Position: i})
	}
	if err := s.cfg.Store.ReplaceRunTasks(ctx, runID, tasks); err != nil {
		s.logger.Warn("update tasks failed", "run_id", runID, "error", err)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicRunTaskUpdate, bus.RunTaskUpdateEvent{RunID: runID, Tasks: items})
	}
}

func (s *Scheduler) recordLog(ctx context.Context, runID, level, message string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.cfg.Store.AddRunLog(ctx, runID, level, message); err != nil {
		s.logger.Warn("record run log failed", "run_id", runID, "error", err)
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicRunLog, bus.RunLogEvent{RunID: runID, Level: level, Message: message})
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
