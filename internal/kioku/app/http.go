package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bdobrica/kioku/common/version"
	"github.com/bdobrica/kioku/internal/kioku/memory"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

// countsProvider is the part of the store /status reads.
type countsProvider interface {
	Counts(ctx context.Context) (store.Counts, error)
}

type threadReader interface {
	GetThread(ctx context.Context, key string) (memory.Thread, error)
}

type factStore interface {
	List(ctx context.Context, ownerID string) ([]memory.Fact, error)
	Add(ctx context.Context, ownerID, text string) error
}

// APIServer exposes health, status and read access to stored memory.
type APIServer struct {
	addr      string
	router    chi.Router
	server    *http.Server
	counts    countsProvider
	threads   threadReader
	startedAt time.Time
	logger    *slog.Logger
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status     string       `json:"status"`
	Version    string       `json:"version"`
	Commit     string       `json:"commit"`
	BuildTime  string       `json:"build_time"`
	StartedAt  time.Time    `json:"started_at"`
	UptimeSecs float64      `json:"uptime_seconds"`
	Counts     store.Counts `json:"counts"`
}

type threadResponse struct {
	memory.Thread
	Size int `json:"size"`
}

type factsResponse struct {
	OwnerID string        `json:"owner_id"`
	Facts   []memory.Fact `json:"facts"`
}

type addFactRequest struct {
	Text string `json:"text"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewAPIServer creates the server and its routes; Start listens.
func NewAPIServer(addr string, counts countsProvider, threads threadReader, userFacts, teamFacts factStore, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &APIServer{
		addr:      addr,
		counts:    counts,
		threads:   threads,
		startedAt: time.Now(),
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.logRequests, middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Get("/threads/{key}", s.handleThread)
	r.Get("/users/{id}/facts", s.listFacts(userFacts))
	r.Post("/users/{id}/facts", s.addFact(userFacts))
	r.Get("/guilds/{id}/facts", s.listFacts(teamFacts))
	r.Post("/guilds/{id}/facts", s.addFact(teamFacts))
	s.router = r
	return s
}

// ServeHTTP lets tests drive the routes without a listener.
func (s *APIServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens in the background. It returns once the port is bound.
func (s *APIServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}
	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	go func() {
		s.logger.Info("api server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api server stopped", "err", err)
		}
	}()
	return nil
}

// Stop shuts the server down, waiting briefly for open requests.
func (s *APIServer) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api server shutdown error", "err", err)
	}
}

func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.counts.Counts(r.Context())
	if err != nil {
		s.logger.Error("status: counts failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
		Counts:     counts,
	})
}

func (s *APIServer) handleThread(w http.ResponseWriter, r *http.Request) {
	key, ok := pathParam(w, r, "key")
	if !ok {
		return
	}
	thread, err := s.threads.GetThread(r.Context(), key)
	if err != nil {
		s.logger.Error("thread read failed", "thread_key", key, "err", err)
		writeError(w, http.StatusInternalServerError, "thread read failed")
		return
	}
	writeJSON(w, http.StatusOK, threadResponse{Thread: thread, Size: thread.Size()})
}

func (s *APIServer) listFacts(facts factStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := pathParam(w, r, "id")
		if !ok {
			return
		}
		list, err := facts.List(r.Context(), owner)
		if err != nil {
			s.logger.Error("fact read failed", "owner_id", owner, "err", err)
			writeError(w, http.StatusInternalServerError, "fact read failed")
			return
		}
		if list == nil {
			list = []memory.Fact{}
		}
		writeJSON(w, http.StatusOK, factsResponse{OwnerID: owner, Facts: list})
	}
}

func (s *APIServer) addFact(facts factStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		owner, ok := pathParam(w, r, "id")
		if !ok {
			return
		}
		var req addFactRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		err := facts.Add(r.Context(), owner, req.Text)
		switch {
		case errors.Is(err, memory.ErrEmptyFact):
			writeError(w, http.StatusBadRequest, err.Error())
		case err != nil:
			s.logger.Error("fact write failed", "owner_id", owner, "err", err)
			writeError(w, http.StatusInternalServerError, "fact write failed")
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}
}

// logRequests logs one line per request through slog.
func (s *APIServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// pathParam returns the unescaped URL parameter name, writing a 400 when it
// is malformed or empty.
func pathParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return "", false
	}
	return v, true
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("api: failed to encode JSON response", "err", err)
	}
}
