// Package server exposes the session engine over HTTP. Streaming
// endpoints use server-sent events; one event per transcript mutation
// or evaluation partial.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/caresim-dev/caresim/internal/scenario"
	"github.com/caresim-dev/caresim/internal/sim"
	"github.com/caresim-dev/caresim/internal/transcript"
	"github.com/caresim-dev/caresim/pkg/observability"
	"github.com/caresim-dev/caresim/pkg/security"
)

// SessionConfigFactory builds the sim.Config for a new session. The
// server owns routing; the caller owns provider and store wiring.
type SessionConfigFactory func(sc *scenario.Scenario, userID string) sim.Config

// Config configures the API server.
type Config struct {
	// Addr is the listen address (default ":8080").
	Addr string
	// RateRPS and RateBurst bound request rates per client.
	RateRPS   float64
	RateBurst int
}

// Server is the HTTP API over the session engine.
type Server struct {
	manager    *sim.Manager
	catalog    *scenario.Catalog
	newSession SessionConfigFactory
	limiter    *security.RateLimiter
	httpServer *http.Server
}

// New creates an API server.
func New(cfg Config, manager *sim.Manager, catalog *scenario.Catalog, factory SessionConfigFactory) *Server {
	addr := cfg.Addr
	if addr == "" {
		addr = ":8080"
	}

	rps := cfg.RateRPS
	if rps <= 0 {
		rps = 10
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 20
	}

	s := &Server{
		manager:    manager,
		catalog:    catalog,
		newSession: factory,
		limiter:    security.NewRateLimiter(rps, burst),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/scenarios", s.handleListScenarios)
	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionState)
	mux.HandleFunc("GET /api/sessions/{id}/transcript", s.handleTranscript)
	mux.HandleFunc("POST /api/sessions/{id}/chat", s.handleChat)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStop)
	mux.HandleFunc("POST /api/sessions/{id}/voice", s.handleToggleVoice)
	mux.HandleFunc("POST /api/sessions/{id}/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /api/sessions/{id}/complete", s.handleComplete)

	mux.HandleFunc("/health", observability.HealthHandler())
	mux.HandleFunc("/health/live", observability.LivenessHandler())
	mux.HandleFunc("/health/ready", observability.ReadinessHandler())
	mux.Handle("/metrics", observability.MetricsHandler())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.withMiddleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// Start runs the server until it is shut down.
func (s *Server) Start() error {
	log.Printf("[server] listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the configured handler (tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			client = r.RemoteAddr
		}
		if !s.limiter.Allow(client) {
			writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		observability.RecordHTTPRequest(r.Method, r.URL.Path, fmt.Sprintf("%d", rec.status), time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps engine sentinels to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, sim.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, sim.ErrStreaming),
		errors.Is(err, sim.ErrVoiceActive),
		errors.Is(err, sim.ErrVoiceConnecting),
		errors.Is(err, sim.ErrSessionCompleted),
		errors.Is(err, sim.ErrEvaluationStarted),
		errors.Is(err, sim.ErrAlreadyBegun):
		return http.StatusConflict
	case errors.Is(err, sim.ErrMicrophoneDenied):
		return http.StatusForbidden
	case errors.Is(err, sim.ErrNotBegun),
		errors.Is(err, sim.ErrNothingToEvaluate),
		errors.Is(err, sim.ErrNoVoiceAgent):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*sim.Session, bool) {
	sess, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	return sess, true
}

type scenarioSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

func (s *Server) handleListScenarios(w http.ResponseWriter, r *http.Request) {
	out := make([]scenarioSummary, 0, s.catalog.Len())
	for _, id := range s.catalog.IDs() {
		sc, err := s.catalog.Get(id)
		if err != nil {
			continue
		}
		out = append(out, scenarioSummary{ID: sc.ID, Title: sc.Title, Description: sc.Description})
	}
	writeJSON(w, http.StatusOK, out)
}

type createSessionRequest struct {
	ScenarioID string `json:"scenario_id"`
	UserID     string `json:"user_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	sc, err := s.catalog.Get(req.ScenarioID)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	sess, err := s.manager.Create(s.newSession(sc, req.UserID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := sess.Begin(r.Context()); err != nil {
		s.manager.Remove(sess.ID)
		writeError(w, statusFor(err), err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"state":      sess.State(),
		"transcript": sess.Transcript().Snapshot(),
	})
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sess.Transcript().Snapshot())
}

type chatRequest struct {
	Message string `json:"message"`
}

type turnEvent struct {
	Kind   string `json:"kind"`
	TurnID string `json:"turn_id"`
	Role   string `json:"role"`
	Text   string `json:"text,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan transcript.Event, 256)
	unobserve := sess.Transcript().Observe(func(ev transcript.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer unobserve()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Send(r.Context(), req.Message)
	}()

	for {
		select {
		case ev := <-events:
			writeSSE(w, flusher, "turn", turnEvent{
				Kind:   string(ev.Kind),
				TurnID: ev.TurnID,
				Role:   string(ev.Role),
				Text:   ev.Text,
			})
		case err := <-errCh:
			// Flush anything the observer queued before Send returned.
			for {
				select {
				case ev := <-events:
					writeSSE(w, flusher, "turn", turnEvent{
						Kind:   string(ev.Kind),
						TurnID: ev.TurnID,
						Role:   string(ev.Role),
						Text:   ev.Text,
					})
					continue
				default:
				}
				break
			}
			if err != nil {
				writeSSE(w, flusher, "error", map[string]string{"error": err.Error()})
			}
			writeSSE(w, flusher, "done", sess.State())
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	sess.StopStreaming()
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleToggleVoice(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := sess.ToggleVoice(r.Context()); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, sess.State())
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	partials := make(chan *sim.Evaluation, 16)
	type evalResult struct {
		eval *sim.Evaluation
		err  error
	}
	resultCh := make(chan evalResult, 1)
	go func() {
		eval, err := sess.Evaluate(r.Context(), func(partial *sim.Evaluation) {
			select {
			case partials <- partial:
			default:
			}
		})
		resultCh <- evalResult{eval: eval, err: err}
	}()

	for {
		select {
		case partial := <-partials:
			writeSSE(w, flusher, "partial", partial)
		case res := <-resultCh:
			if res.err != nil {
				writeSSE(w, flusher, "error", map[string]string{"error": res.err.Error()})
				return
			}
			writeSSE(w, flusher, "complete", res.eval)
			return
		case <-r.Context().Done():
			return
		}
	}
}

type completeRequest struct {
	Confirmed bool `json:"confirmed"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}

	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	completed, err := sess.Complete(r.Context(), func(context.Context) bool { return req.Confirmed })
	if err != nil && !completed {
		writeError(w, statusFor(err), err)
		return
	}

	resp := map[string]any{
		"completed": completed,
		"archived":  completed && err == nil,
		"state":     sess.State(),
	}
	if err != nil {
		resp["archive_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}
