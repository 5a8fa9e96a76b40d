// Package api serves the question answering operations over HTTP and a
// websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/stellarlinkco/memberqa/internal/metrics"
	"github.com/stellarlinkco/memberqa/internal/qa"
	"github.com/stellarlinkco/memberqa/internal/scheduler"
)

var log = logging.Logger("memberqa/api")

const (
	maxBodyBytes    = 64 << 10
	shutdownTimeout = 5 * time.Second
)

type Options struct {
	// Addr is the listen address, for example ":8000". Port 0 picks a free
	// port; Addr() reports the bound one after Start.
	Addr    string
	Metrics *metrics.Metrics
	// OriginPatterns lists the cross-origin hosts allowed to open /ws
	// (path.Match syntax, e.g. "*.example.com").
	OriginPatterns []string
	// Scheduler, when set, is reported by /healthz.
	Scheduler *scheduler.Service
}

type Server struct {
	svc            *qa.Service
	metrics        *metrics.Metrics
	scheduler      *scheduler.Service
	originPatterns []string
	addr           string
	handler        http.Handler

	server   *http.Server
	listener net.Listener
}

func New(svc *qa.Service, opts Options) *Server {
	s := &Server{
		svc:            svc,
		metrics:        opts.Metrics,
		scheduler:      opts.Scheduler,
		originPatterns: opts.OriginPatterns,
		addr:           opts.Addr,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("POST /ask", s.handleAsk)
	mux.HandleFunc("POST /refresh", s.handleRefresh)
	mux.HandleFunc("DELETE /cache", s.handleInvalidate)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.handler = s.withRequestID(mux)
	return s
}

// Handler returns the routed handler with request ids and metrics applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("HTTP server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("HTTP server error", "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	log.Info("HTTP server stopped")
	return nil
}

type askRequest struct {
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

type statsResponse struct {
	TotalMessages int    `json:"total_messages"`
	UniqueUsers   int    `json:"unique_users"`
	CacheStatus   string `json:"cache_status"`
	Generation    uint64 `json:"generation"`
}

type refreshResponse struct {
	Status        string `json:"status"`
	MessagesCount int    `json:"messages_count"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "running",
		"message": "Member QA System API",
		"endpoints": map[string]string{
			"ask":        "/ask (POST)",
			"stats":      "/stats (GET)",
			"refresh":    "/refresh (POST)",
			"invalidate": "/cache (DELETE)",
			"websocket":  "/ws",
			"health":     "/healthz (GET)",
			"metrics":    "/metrics (GET)",
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		TotalMessages: st.TotalMessages,
		UniqueUsers:   st.UniqueUsers,
		CacheStatus:   st.CacheStatus,
		Generation:    st.Generation,
	})
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	var req askRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Invalid request body"})
		return
	}

	out, err := s.svc.Ask(r.Context(), req.Question)
	if err != nil {
		code, detail := classify(err)
		log.Warnw("Ask failed", "requestID", RequestID(r.Context()), "status", code, "err", err)
		writeJSON(w, code, errorResponse{Detail: detail})
		return
	}
	writeJSON(w, http.StatusOK, askResponse{Answer: out})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.Refresh(r.Context())
	if err != nil {
		log.Warnw("Refresh failed", "requestID", RequestID(r.Context()), "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Detail: "Failed to refresh cache"})
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{Status: "cache refreshed", MessagesCount: n})
}

func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	s.svc.Invalidate()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cache invalidated"})
}

type healthResponse struct {
	Status      string          `json:"status"`
	CacheStatus string          `json:"cache_status"`
	CacheState  string          `json:"cache_state"`
	Origin      string          `json:"origin"`
	Generation  uint64          `json:"generation"`
	LoadedAt    *time.Time      `json:"loaded_at,omitempty"`
	Scheduler   *schedulerState `json:"scheduler,omitempty"`
}

type schedulerState struct {
	Schedule   string     `json:"schedule"`
	NextRun    *time.Time `json:"next_run,omitempty"`
	LastRun    *time.Time `json:"last_run,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Runs       int        `json:"runs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.svc.Stats()
	resp := healthResponse{
		Status:      "ok",
		CacheStatus: st.CacheStatus,
		CacheState:  st.State.String(),
		Origin:      string(st.Origin),
		Generation:  st.Generation,
		LoadedAt:    timePtr(st.LoadedAt),
	}
	if s.scheduler != nil {
		run := s.scheduler.State()
		resp.Scheduler = &schedulerState{
			Schedule:   s.scheduler.Schedule(),
			NextRun:    timePtr(s.scheduler.Next()),
			LastRun:    timePtr(run.LastRunAt),
			LastStatus: run.LastStatus,
			LastError:  run.LastError,
			Runs:       run.Runs,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// classify maps a qa error onto an HTTP status and client-facing detail.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, qa.ErrEmptyQuestion):
		return http.StatusBadRequest, "Question cannot be empty"
	case errors.Is(err, qa.ErrSourceUnavailable):
		return http.StatusServiceUnavailable, "Unable to fetch messages"
	case errors.Is(err, qa.ErrAnswerFailed):
		return http.StatusInternalServerError, "Failed to generate answer"
	// Only reachable while waiting for the context to load.
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "Request timed out"
	default:
		return http.StatusInternalServerError, "Failed to generate answer"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("Write response failed", "err", err)
	}
}
