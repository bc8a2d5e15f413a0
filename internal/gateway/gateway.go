// Package gateway exposes the websocket JSON-RPC and REST surface that
// web clients talk to.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/HobbyCoders/agentdeck/internal/bus"
	"github.com/HobbyCoders/agentdeck/internal/orchestrator"
	"github.com/HobbyCoders/agentdeck/internal/persistence"
	"github.com/HobbyCoders/agentdeck/internal/scheduler"
	"github.com/HobbyCoders/agentdeck/internal/synchub"
)

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInternal       = -32603

	// Stable app error taxonomy.
	ErrCodeInvalid  = 1000
	ErrCodeNotFound = 1404
	ErrCodeConflict = 1409 // query in flight, run not pausable
)

type Config struct {
	Store        *persistence.Store
	Orchestrator *orchestrator.Orchestrator
	Scheduler    *scheduler.Scheduler
	Hub          *synchub.Hub
	Bus          *bus.Bus

	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in
	// system.status.
	ConfigFingerprint string

	Version string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*client]struct{}
}

type client struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	handshaken bool

	// Sessions this connection attached a device to, for detach on
	// disconnect. The hub generation pins each detach to the exact
	// registration this connection made.
	attachMu sync.Mutex
	attached map[string]attachment // session id -> device registration

	busSub    *bus.Subscription
	busCancel context.CancelFunc
}

type attachment struct {
	deviceID string
	gen      uint64
}

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func New(cfg Config) *Server {
	return &Server{
		cfg:     cfg,
		clients: map[*client]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)
	// REST API endpoints.
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/runs/", s.handleAPIRunByID)
	mux.HandleFunc("/api/sessions", s.handleAPISessions)
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	ctx := context.Background()
	dbOK := true
	if _, err := s.cfg.Store.CountActiveRuns(ctx); err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy": dbOK,
		"db_ok":   dbOK,
		"version": s.cfg.Version,
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := context.Background()
	active, _ := s.cfg.Store.CountActiveRuns(ctx)
	queued, _ := s.cfg.Store.CountRunsByStatus(ctx, persistence.RunStatusQueued)
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	payload := map[string]any{
		"active_runs":        active,
		"queued_runs":        queued,
		"live_sessions":      len(s.cfg.Orchestrator.Snapshot(ctx)),
		"streaming_sessions": len(s.cfg.Hub.StreamingSessions()),
		"alloc_bytes":        mem.Alloc,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin requires an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, attached: map[string]attachment{}}
	s.addClient(c)
	slog.Info("ws: client connected")
	defer func() {
		s.removeClient(c)
		slog.Info("ws: client disconnecting")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		if err := wsjson.Read(r.Context(), conn, &req); err != nil {
			slog.Error("ws: read error, closing", "error", err)
			return
		}
		slog.Info("ws: request", "method", req.Method, "id", string(req.ID))
		resp := s.handleRPC(r.Context(), c, req)
		if resp == nil {
			continue
		}
		if err := c.write(r.Context(), resp); err != nil {
			slog.Error("ws: write response error", "method", req.Method, "error", err)
		}
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return false
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
	return token != "" && token == s.cfg.AuthToken
}

func isMutatingMethod(method string) bool {
	switch method {
	case "chat.send", "session.interrupt",
		"run.launch", "run.pause", "run.resume", "run.cancel",
		"schedule.add", "schedule.remove":
		return true
	default:
		return false
	}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	// Detach the exact registrations this connection made. A device
	// that already re-attached over a new connection holds a newer
	// generation and stays registered.
	c.attachMu.Lock()
	for sessionID, att := range c.attached {
		s.cfg.Hub.Unregister(sessionID, att.deviceID, att.gen)
	}
	c.attached = map[string]attachment{}
	if c.busCancel != nil {
		c.busCancel()
	}
	if c.busSub != nil && s.cfg.Bus != nil {
		s.cfg.Bus.Unsubscribe(c.busSub)
	}
	c.attachMu.Unlock()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}

func (c *client) markHandshaken() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
}

func (c *client) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}
