package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/HobbyCoders/agentdeck/internal/cron"
	"github.com/HobbyCoders/agentdeck/internal/orchestrator"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/scheduler"
	"github.com/HobbyCoders/agentdeck/internal/shared"
	"github.com/HobbyCoders/agentdeck/internal/synchub"
)

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid JSON-RPC request"},
		}
	}
	if isMutatingMethod(req.Method) && !c.isHandshaken() {
		if !hasID {
			return nil
		}
		return &rpcResponse{
			JSONRPC: "2.0",
			ID:      id,
			Error:   &rpcError{Code: ErrCodeInvalidRequest, Message: "system.hello required before mutating calls"},
		}
	}

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	var result any
	var rpcErr *rpcError

	switch req.Method {
	case "system.hello":
		c.markHandshaken()
		result = map[string]any{
			"protocol":      "agentdeck",
			"version":       "1.0",
			"supported_min": "1.0",
			"supported_max": "1.0",
		}
	case "system.status":
		result = s.systemStatus(ctx)
	case "device.attach":
		result, rpcErr = s.rpcDeviceAttach(ctx, c, req.Params)
	case "device.detach":
		result, rpcErr = s.rpcDeviceDetach(c, req.Params)
	case "chat.send":
		result, rpcErr = s.rpcChatSend(ctx, req.Params)
	case "session.interrupt":
		result, rpcErr = s.rpcSessionInterrupt(ctx, req.Params)
	case "session.state":
		result, rpcErr = s.rpcSessionState(ctx, req.Params)
	case "session.list":
		result, rpcErr = s.rpcSessionList(ctx)
	case "events.subscribe":
		result, rpcErr = s.rpcEventsSubscribe(c)
	case "run.launch":
		result, rpcErr = s.rpcRunLaunch(ctx, req.Params)
	case "run.pause":
		result, rpcErr = s.rpcRunPause(ctx, req.Params)
	case "run.resume":
		result, rpcErr = s.rpcRunResume(ctx, req.Params)
	case "run.cancel":
		result, rpcErr = s.rpcRunCancel(ctx, req.Params)
	case "run.get":
		result, rpcErr = s.rpcRunGet(ctx, req.Params)
	case "run.list":
		result, rpcErr = s.rpcRunList(ctx, req.Params)
	case "run.tasks":
		result, rpcErr = s.rpcRunTasks(ctx, req.Params)
	case "schedule.add":
		result, rpcErr = s.rpcScheduleAdd(ctx, req.Params)
	case "schedule.remove":
		result, rpcErr = s.rpcScheduleRemove(ctx, req.Params)
	case "schedule.list":
		result, rpcErr = s.rpcScheduleList(ctx)
	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "unknown method " + req.Method}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func (s *Server) systemStatus(ctx context.Context) map[string]any {
	active, _ := s.cfg.Store.CountActiveRuns(ctx)
	queued, _ := s.cfg.Store.CountRunsByStatus(ctx, persistence.RunStatusQueued)
	return map[string]any{
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"active_runs":        active,
		"queued_runs":        queued,
		"live_sessions":      len(s.cfg.Orchestrator.Snapshot(ctx)),
		"streaming_sessions": s.cfg.Hub.StreamingSessions(),
	}
}

func (s *Server) rpcDeviceAttach(ctx context.Context, c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		DeviceID  string `json:"device_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id is required"}
	}
	if p.DeviceID == "" {
		p.DeviceID = uuid.NewString()
	}

	// The websocket connection itself is the device's sink: sync events
	// arrive as JSON-RPC notifications.
	sink := synchub.SinkFunc(func(ctx context.Context, ev synchub.Event) error {
		return c.write(ctx, rpcResponse{
			JSONRPC: "2.0",
			Method:  "sync.event",
			Params:  ev,
		})
	})
	gen := s.cfg.Hub.Register(p.SessionID, p.DeviceID, sink)
	c.attachMu.Lock()
	if prev, ok := c.attached[p.SessionID]; ok && prev.deviceID != p.DeviceID {
		s.cfg.Hub.Unregister(p.SessionID, prev.deviceID, prev.gen)
	}
	c.attached[p.SessionID] = attachment{deviceID: p.DeviceID, gen: gen}
	c.attachMu.Unlock()

	slog.Info("ws: device attached",
		"session_id", p.SessionID,
		"device_id", p.DeviceID,
		"trace_id", shared.TraceID(ctx))
	return map[string]any{
		"device_id": p.DeviceID,
		"streaming": s.cfg.Hub.IsStreaming(p.SessionID),
	}, nil
}

func (s *Server) rpcDeviceDetach(c *client, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		DeviceID  string `json:"device_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || p.DeviceID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id and device_id are required"}
	}
	var gen uint64
	c.attachMu.Lock()
	if att, ok := c.attached[p.SessionID]; ok && att.deviceID == p.DeviceID {
		gen = att.gen
		delete(c.attached, p.SessionID)
	}
	c.attachMu.Unlock()
	s.cfg.Hub.Unregister(p.SessionID, p.DeviceID, gen)
	return map[string]any{"detached": true}, nil
}

func (s *Server) rpcChatSend(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
		DeviceID  string `json:"device_id"`
		Text      string `json:"text"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" || p.Text == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id and text are required"}
	}
	// A send while a query is already streaming supersedes it; the old
	// query's client is torn down before the new one connects.
	if err := s.cfg.Orchestrator.StartStream(ctx, p.SessionID, p.DeviceID, p.Text); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"accepted": true}, nil
}

func (s *Server) rpcSessionInterrupt(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id is required"}
	}
	if err := s.cfg.Orchestrator.Interrupt(ctx, p.SessionID); err != nil {
		if errors.Is(err, orchestrator.ErrNotStreaming) {
			return nil, &rpcError{Code: ErrCodeConflict, Message: "no query in flight on this session"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"interrupted": true}, nil
}

func (s *Server) rpcSessionState(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "session_id is required"}
	}
	state := map[string]any{
		"session_id": p.SessionID,
		"streaming":  s.cfg.Hub.IsStreaming(p.SessionID),
		"devices":    s.cfg.Hub.DeviceCount(p.SessionID),
	}
	if sess, err := s.cfg.Store.GetSession(ctx, p.SessionID); err == nil {
		state["last_activity"] = sess.LastActivity
	}
	return state, nil
}

func (s *Server) rpcSessionList(ctx context.Context) (any, *rpcError) {
	sessions, err := s.cfg.Store.ListSessions(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	live := map[string]orchestrator.SessionState{}
	for _, st := range s.cfg.Orchestrator.Snapshot(ctx) {
		live[st.SessionID] = st
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		entry := map[string]any{
			"session_id":    sess.ID,
			"last_activity": sess.LastActivity,
			"devices":       s.cfg.Hub.DeviceCount(sess.ID),
			"streaming":     s.cfg.Hub.IsStreaming(sess.ID),
			"live":          false,
		}
		if _, ok := live[sess.ID]; ok {
			entry["live"] = true
		}
		out = append(out, entry)
	}
	return map[string]any{"sessions": out}, nil
}

// rpcEventsSubscribe forwards run lifecycle events from the bus to this
// connection as notifications, until the connection closes.
func (s *Server) rpcEventsSubscribe(c *client) (any, *rpcError) {
	if s.cfg.Bus == nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: "event bus not configured"}
	}
	c.attachMu.Lock()
	defer c.attachMu.Unlock()
	if c.busSub != nil {
		return map[string]any{"subscribed": true}, nil
	}
	sub := s.cfg.Bus.Subscribe("run.")
	ctx, cancel := context.WithCancel(context.Background())
	c.busSub = sub
	c.busCancel = cancel

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-sub.Ch():
				if !ok {
					return
				}
				if err := c.write(ctx, rpcResponse{
					JSONRPC: "2.0",
					Method:  ev.Topic,
					Params:  ev.Payload,
				}); err != nil {
					slog.Debug("ws: event forward failed", "topic", ev.Topic, "error", err)
					return
				}
			}
		}
	}()
	return map[string]any{"subscribed": true}, nil
}

func (s *Server) rpcRunLaunch(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, err := s.cfg.Scheduler.LaunchRaw(ctx, params)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	return map[string]any{"run_id": runID, "status": string(persistence.RunStatusQueued)}, nil
}

func (s *Server) rpcRunPause(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, rpcErr := decodeRunID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.cfg.Scheduler.Pause(ctx, runID); err != nil {
		if errors.Is(err, scheduler.ErrRunNotActive) {
			return nil, &rpcError{Code: ErrCodeConflict, Message: "run is not running"}
		}
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"status": string(persistence.RunStatusPaused)}, nil
}

func (s *Server) rpcRunResume(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, rpcErr := decodeRunID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.cfg.Scheduler.Resume(ctx, runID); err != nil {
		if errors.Is(err, scheduler.ErrRunNotActive) {
			return nil, &rpcError{Code: ErrCodeConflict, Message: "run is not paused"}
		}
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"status": string(persistence.RunStatusRunning)}, nil
}

func (s *Server) rpcRunCancel(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, rpcErr := decodeRunID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	cancelled, err := s.cfg.Scheduler.Cancel(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"cancelled": cancelled}, nil
}

func (s *Server) rpcRunGet(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, rpcErr := decodeRunID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	run, err := s.cfg.Store.GetAgentRun(ctx, runID)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return run, nil
}

func (s *Server) rpcRunList(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Status string `json:"status"`
		Limit  int    `json:"limit"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid params"}
		}
	}
	runs, err := s.cfg.Store.ListAgentRuns(ctx, persistence.RunStatus(p.Status), p.Limit)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"runs": runs}, nil
}

func (s *Server) rpcRunTasks(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	runID, rpcErr := decodeRunID(params)
	if rpcErr != nil {
		return nil, rpcErr
	}
	if _, err := s.cfg.Store.GetAgentRun(ctx, runID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "run not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	tasks, err := s.cfg.Store.ListRunTasks(ctx, runID)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"tasks": tasks}, nil
}

func (s *Server) rpcScheduleAdd(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		Name     string          `json:"name"`
		CronExpr string          `json:"cron_expr"`
		Spec     json.RawMessage `json:"spec"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Name == "" || p.CronExpr == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "name and cron_expr are required"}
	}
	if _, err := scheduler.ParseLaunchSpec(p.Spec); err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: err.Error()}
	}
	next, err := cron.NextRunTime(p.CronExpr, time.Now())
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "invalid cron expression: " + err.Error()}
	}
	sched := persistence.Schedule{
		ID:        uuid.NewString(),
		Name:      p.Name,
		CronExpr:  p.CronExpr,
		Spec:      string(p.Spec),
		Enabled:   true,
		NextRunAt: &next,
	}
	if err := s.cfg.Store.AddSchedule(ctx, &sched); err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"schedule_id": sched.ID, "next_run_at": next}, nil
}

func (s *Server) rpcScheduleRemove(ctx context.Context, params json.RawMessage) (any, *rpcError) {
	var p struct {
		ScheduleID string `json:"schedule_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.ScheduleID == "" {
		return nil, &rpcError{Code: ErrCodeInvalid, Message: "schedule_id is required"}
	}
	if err := s.cfg.Store.RemoveSchedule(ctx, p.ScheduleID); err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, &rpcError{Code: ErrCodeNotFound, Message: "schedule not found"}
		}
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"removed": true}, nil
}

func (s *Server) rpcScheduleList(ctx context.Context) (any, *rpcError) {
	schedules, err := s.cfg.Store.ListSchedules(ctx)
	if err != nil {
		return nil, &rpcError{Code: ErrCodeInternal, Message: err.Error()}
	}
	return map[string]any{"schedules": schedules}, nil
}

func decodeRunID(params json.RawMessage) (string, *rpcError) {
	var p struct {
		RunID string `json:"run_id"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.RunID == "" {
		return "", &rpcError{Code: ErrCodeInvalid, Message: "run_id is required"}
	}
	return p.RunID, nil
}
