package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"llmflow/internal/domain"
	"llmflow/internal/infra/config"
	"llmflow/internal/infra/middleware"
)

// sessionRetention is how long a finished run's stream stays attachable.
const sessionRetention = 5 * time.Minute

// maxRequestBody limits JSON request bodies.
const maxRequestBody = 1 << 20 // 1MB

// RunRequest asks the server to start a workflow or an orchestration.
type RunRequest struct {
	Workflow      string            `json:"workflow,omitempty"`
	Orchestration string            `json:"orchestration,omitempty"`
	Variables     map[string]string `json:"variables,omitempty"`
}

// Launcher executes one run to completion, reporting to fe. The server
// chooses runID before launching so clients can attach immediately.
type Launcher interface {
	Launch(ctx context.Context, runID string, req RunRequest, fe domain.FrontEnd) error
}

// session is one live or recently finished run.
type session struct {
	id        string
	stream    *Stream
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	startedAt time.Time
}

// Server is the HTTP surface for browser clients: start runs, follow their
// event streams, answer input prompts and stop them.
type Server struct {
	launcher Launcher
	runs     domain.RunStore
	models   domain.ModelClient
	cfg      config.ServerConfig
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	server *http.Server

	mu        sync.Mutex
	sessions  map[string]*session
	boundAddr string
	now       func() time.Time
	retention time.Duration
}

// NewServer creates a server. runs and models may be nil; the matching
// endpoints then answer 404 and 503.
func NewServer(launcher Launcher, runs domain.RunStore, models domain.ModelClient, cfg config.ServerConfig, logger *slog.Logger) *Server {
	return &Server{
		launcher:  launcher,
		runs:      runs,
		models:    models,
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*session),
		now:       time.Now,
		retention: sessionRetention,
	}
}

// Handler returns the routed handler wrapped in security headers and the
// per-IP rate limiter. ctx bounds the limiter's janitor and every run.
func (s *Server) Handler(ctx context.Context) http.Handler {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/runs", s.handleStart)
	mux.HandleFunc("GET /api/runs/{id}", s.handleGet)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /api/runs/{id}/input", s.handleInput)
	mux.HandleFunc("POST /api/runs/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /api/models", s.handleModels)
	mux.HandleFunc("GET /api/health", s.handleHealth)

	rl := middleware.NewRateLimiter(s.ctx, s.cfg.RequestsPerMinute, s.cfg.Burst)
	return middleware.SecurityHeaders(rl.Middleware(mux))
}

// Start begins serving on cfg.Addr. Non-blocking (serves in a goroutine).
func (s *Server) Start(ctx context.Context) error {
	handler := s.Handler(ctx)

	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: event streams stay open for the whole run.
		BaseContext: func(_ net.Listener) context.Context {
			return s.ctx
		},
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.boundAddr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		s.logger.Info("http server started", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address after Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// Stop cancels every live run and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Lock()
	live := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()
	for _, sess := range live {
		select {
		case <-sess.done:
		case <-ctx.Done():
		}
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var req RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if (req.Workflow == "") == (req.Orchestration == "") {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "exactly one of workflow or orchestration is required")
		return
	}

	id := domain.NewRunID(s.now())
	runCtx, cancel := context.WithCancel(s.ctx)
	sess := &session{
		id:        id,
		stream:    NewStream(s.logger),
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: s.now(),
	}

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	go s.run(runCtx, sess, req)

	s.logger.Info("run started", "run_id", id, "workflow", req.Workflow, "orchestration", req.Orchestration)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"events": "/api/runs/" + id + "/events",
	})
}

func (s *Server) run(ctx context.Context, sess *session, req RunRequest) {
	defer func() {
		sess.cancel()
		sess.stream.Close()
		close(sess.done)
		time.AfterFunc(s.retention, func() {
			s.mu.Lock()
			delete(s.sessions, sess.id)
			s.mu.Unlock()
		})
	}()

	if err := s.launcher.Launch(ctx, sess.id, req, sess.stream); err != nil {
		sess.err = err
		s.logger.Warn("run finished with error", "run_id", sess.id, "error", err)
	}
}

func (s *Server) lookup(id string) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runs != nil {
		run, err := s.runs.GetRun(r.Context(), id)
		if err == nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if !errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, domain.ErrorCodeOf(err), err.Error())
			return
		}
	}
	if sess, ok := s.lookup(id); ok {
		status := domain.RunRunning
		select {
		case <-sess.done:
			switch {
			case sess.err == nil:
				status = domain.RunCompleted
			case errors.Is(sess.err, domain.ErrStopped):
				status = domain.RunStopped
			default:
				status = domain.RunFailed
			}
		default:
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"id":            id,
			"status":        status,
			"started_at":    sess.startedAt,
			"waiting_input": sess.stream.Waiting(),
		})
		return
	}
	writeError(w, http.StatusNotFound, domain.CodeRunNotFound, "run not found")
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeRunNotFound, "run not found")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, domain.CodeNotSupported, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	replay, frames, cancel := sess.stream.Subscribe()
	defer cancel()

	for _, f := range replay {
		if _, err := w.Write(f); err != nil {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return
			}
			if _, err := w.Write(f); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeRunNotFound, "run not found")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, domain.CodeInvalidInput, "invalid JSON: "+err.Error())
		return
	}
	if err := sess.stream.SubmitInput(body.Text); err != nil {
		writeError(w, http.StatusConflict, domain.ErrorCodeOf(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, domain.CodeRunNotFound, "run not found")
		return
	}
	sess.cancel()
	s.logger.Info("run stop requested", "run_id", sess.id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if s.models == nil {
		writeError(w, http.StatusServiceUnavailable, domain.CodeBackendUnreachable, "no model backend configured")
		return
	}
	models, err := s.models.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, domain.ErrorCodeOf(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code domain.ErrorCode, msg string) {
	writeJSON(w, status, map[string]string{"error": msg, "code": string(code)})
}
