package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/HobbyCoders/agentdeck/internal/bus"
)

// runSSEEvent is a single SSE event sent to a run watcher.
type runSSEEvent struct {
	Type    string            `json:"type"`
	Status  string            `json:"status,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Level   string            `json:"level,omitempty"`
	Message string            `json:"message,omitempty"`
	Tasks   []bus.RunTaskItem `json:"tasks,omitempty"`
}

// handleRunStream implements GET /api/runs/{id}/stream. It subscribes
// to bus events filtered by run id and returns an SSE stream of log
// lines, task updates and the terminal state change.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Bus == nil {
		http.Error(w, "streaming not available: event bus not configured", http.StatusServiceUnavailable)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sub := s.cfg.Bus.Subscribe("run.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			slog.Debug("sse: client disconnected", "run_id", runID)
			return

		case event, ok := <-sub.Ch():
			if !ok {
				return
			}

			var sseEvent *runSSEEvent
			terminal := false

			switch payload := event.Payload.(type) {
			case bus.RunStateChangedEvent:
				if payload.RunID != runID {
					continue
				}
				sseEvent = &runSSEEvent{
					Type:   "state",
					Status: payload.NewStatus,
					Reason: payload.Reason,
				}
				terminal = event.Topic == bus.TopicRunCompleted || event.Topic == bus.TopicRunFailed

			case bus.RunLogEvent:
				if payload.RunID != runID {
					continue
				}
				sseEvent = &runSSEEvent{
					Type:    "log",
					Level:   payload.Level,
					Message: payload.Message,
				}

			case bus.RunTaskUpdateEvent:
				if payload.RunID != runID {
					continue
				}
				sseEvent = &runSSEEvent{
					Type:  "tasks",
					Tasks: payload.Tasks,
				}

			default:
				continue
			}

			data, err := json.Marshal(sseEvent)
			if err != nil {
				slog.Error("sse: marshal event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				slog.Debug("sse: write failed (client disconnected?)", "run_id", runID, "error", err)
				return
			}
			flusher.Flush()

			if terminal {
				return
			}
		}
	}
}
