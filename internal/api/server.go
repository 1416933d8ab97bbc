// Package api serves the trial loop to the presentation layer over HTTP.
// GET endpoints are public. Control endpoints (start, stop, snapshot,
// speed) require a bearer token when a control key is configured.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/talgya/taskswitch/internal/analysis"
	"github.com/talgya/taskswitch/internal/engine"
	"github.com/talgya/taskswitch/internal/metrics"
	"github.com/talgya/taskswitch/internal/persistence"
	"github.com/talgya/taskswitch/internal/task"
)

const maxSSEConns = 8

// Server serves the controller over HTTP.
type Server struct {
	Ctrl         *engine.Controller
	Sched        *engine.RealScheduler // nil disables the speed endpoint
	DB           *persistence.DB       // nil disables session storage endpoints
	Metrics      *metrics.Metrics      // nil disables /metrics
	Defaults     engine.Config         // session settings when a start request omits them
	Port         int
	ControlKey   string // Bearer token for control endpoints. Empty = open.
	CORSOrigins  []string
	ResponseRate int // responses per client per minute
	// Reverse proxies whose X-Forwarded-For names the client. Empty trusts none.
	TrustedProxies []string

	// Active SSE connection count (atomic).
	sseConns int32
}

// Handler builds the routing table.
func (s *Server) Handler() http.Handler {
	rate := s.ResponseRate
	if rate <= 0 {
		rate = 600
	}
	responseLimiter := NewRateLimiter(rate, time.Minute)
	if err := responseLimiter.TrustProxies(s.TrustedProxies...); err != nil {
		slog.Error("ignoring trusted proxies", "error", err)
	}

	mux := http.NewServeMux()

	// Public endpoints.
	mux.HandleFunc("/api/v1/status", s.handleStatus)
	mux.HandleFunc("/api/v1/trials", s.handleTrials)
	mux.HandleFunc("/api/v1/psychometric", s.handlePsychometric)
	mux.HandleFunc("/api/v1/summary", s.handleSummary)
	mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	mux.HandleFunc("/api/v1/sessions/", s.handleStoredSession)
	mux.HandleFunc("/api/v1/stream", s.handleStream)
	mux.HandleFunc("/api/v1/session/response", RateLimitMiddleware(responseLimiter, s.handleResponse))
	if s.Metrics != nil {
		mux.Handle("/metrics", s.Metrics.Handler())
	}

	// Control endpoints.
	mux.HandleFunc("/api/v1/session/start", s.controlOnly(s.handleStart))
	mux.HandleFunc("/api/v1/session/stop", s.controlOnly(s.handleStop))
	mux.HandleFunc("/api/v1/snapshot", s.controlOnly(s.handleSnapshot))
	mux.HandleFunc("/api/v1/speed", s.controlOnly(s.handleSpeed))
	mux.HandleFunc("/api/v1/session", s.operatorOnly(s.handleSession))

	return corsMiddleware(s.CORSOrigins, mux)
}

// Start begins serving the HTTP API in a goroutine. The returned server
// can be shut down by the caller.
func (s *Server) Start() *http.Server {
	addr := fmt.Sprintf(":%d", s.Port)
	slog.Info("HTTP API starting", "addr", addr, "control_auth", s.ControlKey != "", "store", s.DB != nil)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
	return srv
}

// corsMiddleware adds CORS headers for allowed frontend origins.
// Localhost dev servers are always allowed.
func corsMiddleware(origins []string, next http.Handler) http.Handler {
	allowedOrigins := map[string]bool{
		"http://localhost:5173": true,
		"http://localhost:4173": true,
		"http://localhost:3000": true,
	}
	for _, origin := range origins {
		allowedOrigins[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if allowedOrigins[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.ControlKey
}

// controlOnly wraps a handler to require bearer token auth on POST requests
// when a control key is configured.
func (s *Server) controlOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && s.ControlKey != "" && !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// operatorOnly requires the bearer token for every method. The full
// session carries the task and the pending stimulus.
func (s *Server) operatorOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ControlKey != "" && !s.checkBearerToken(r) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// statusView is what the presentation layer needs for on-screen indicators.
type statusView struct {
	SessionID    string         `json:"session_id"`
	Running      bool           `json:"running"`
	Phase        engine.Phase   `json:"phase"`
	Block        int            `json:"block"`
	Trial        int            `json:"trial"`
	TrialInBlock int            `json:"trial_in_block"`
	Task         task.ID        `json:"task,omitempty"`
	Stimulus     *task.Stimulus `json:"stimulus,omitempty"`
	Accuracy     float64        `json:"window_accuracy"`
	WindowSize   int            `json:"window_size"`
	Targets      []targetView   `json:"targets"`
}

type targetView struct {
	Target task.Target `json:"target"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Radius float64     `json:"radius"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Ctrl.Snapshot()
	v := statusView{
		SessionID:    snap.ID,
		Running:      snap.Running,
		Phase:        snap.Phase,
		Block:        snap.Block,
		Trial:        snap.Trial,
		TrialInBlock: snap.TrialInBlock,
		Accuracy:     snap.WindowAccuracy(),
		WindowSize:   len(snap.Window),
	}
	if snap.Config.DiscloseTask {
		v.Task = snap.Task
	}
	if snap.Phase == engine.PhaseStimulus {
		v.Stimulus = snap.Stimulus
	}
	for _, t := range task.Targets {
		c := t.Center()
		v.Targets = append(v.Targets, targetView{Target: t, X: c.X, Y: c.Y, Radius: task.Radius})
	}
	writeJSON(w, v)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Ctrl.Snapshot())
}

func (s *Server) handleTrials(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	history := s.Ctrl.Snapshot().History
	start := len(history) - limit
	if start < 0 {
		start = 0
	}
	writeJSON(w, history[start:])
}

func (s *Server) handlePsychometric(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, analysis.Psychometric(s.Ctrl.Snapshot().History))
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, analysis.Summarize(s.Ctrl.Snapshot()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.Defaults
	if cfg == (engine.Config{}) {
		cfg = engine.DefaultConfig()
	}
	// An empty body starts with the defaults.
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Ctrl.Start(cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap := s.Ctrl.Snapshot()
	if s.DB != nil {
		if err := s.DB.SaveSession(snap); err != nil {
			slog.Error("session save failed", "session", snap.ID, "error", err)
		}
	}
	writeJSON(w, map[string]any{
		"session_id": snap.ID,
		"phase":      snap.Phase,
		"config":     snap.Config,
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.Ctrl.Stop()
	snap := s.Ctrl.Snapshot()
	if s.DB != nil {
		if err := s.DB.SaveSession(snap); err != nil {
			slog.Error("session save failed", "session", snap.ID, "error", err)
		}
	}
	writeJSON(w, map[string]any{
		"session_id": snap.ID,
		"trials":     snap.Trial,
		"blocks":     len(snap.Blocks),
	})
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	at := s.Ctrl.Now()

	var p task.Point
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.Ctrl.SubmitResponse(p, at))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}

	snap := s.Ctrl.Snapshot()
	if err := s.DB.SaveSession(snap); err != nil {
		slog.Error("snapshot save failed", "error", err)
		http.Error(w, "snapshot failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"session_id": snap.ID,
		"trials":     snap.Trial,
		"message":    "snapshot saved",
	})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if s.Sched == nil {
		http.Error(w, "speed control not available", http.StatusServiceUnavailable)
		return
	}
	if r.Method == http.MethodPost {
		var req struct {
			Speed float64 `json:"speed"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if req.Speed <= 0 || req.Speed > 1000 {
			http.Error(w, "speed must be in (0, 1000]", http.StatusBadRequest)
			return
		}
		s.Sched.SetSpeed(req.Speed)
		slog.Info("speed changed", "speed", req.Speed)
	}

	writeJSON(w, map[string]float64{"speed": s.Sched.Speed()})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		writeJSON(w, []persistence.SessionRow{})
		return
	}
	limit := 50
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	rows, err := s.DB.ListSessions(limit)
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []persistence.SessionRow{}
	}
	writeJSON(w, rows)
}

// handleStoredSession returns the analysis of a stored session (GET /api/v1/sessions/:id).
func (s *Server) handleStoredSession(w http.ResponseWriter, r *http.Request) {
	if s.DB == nil {
		http.Error(w, "database not available", http.StatusServiceUnavailable)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	sess, err := s.DB.LoadSession(id)
	if errors.Is(err, persistence.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("load session failed", "session", id, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, analysis.Summarize(*sess))
}

// handleStream provides an SSE endpoint for phase events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	current := atomic.AddInt32(&s.sseConns, 1)
	if current > maxSSEConns {
		atomic.AddInt32(&s.sseConns, -1)
		http.Error(w, "too many SSE connections", http.StatusServiceUnavailable)
		return
	}
	defer atomic.AddInt32(&s.sseConns, -1)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	subID, ch := s.Ctrl.Subscribe()
	defer s.Ctrl.Unsubscribe(subID)

	// Catch-up: the current phase, so clients can render immediately.
	writeSSEEvent(w, s.Ctrl.Current())
	flusher.Flush()

	slog.Info("SSE client connected", "sub_id", subID)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			writeSSEEvent(w, e)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			slog.Info("SSE client disconnected", "sub_id", subID)
			return
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, e engine.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Phase, data)
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
