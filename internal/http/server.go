package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"geocache/pkg/clock"
	"geocache/pkg/compression"
	"geocache/pkg/node"
	"geocache/pkg/replication"
	"geocache/pkg/store"

	"github.com/go-chi/chi/v5"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5

	maxValueBytes = 8 << 20
	maxBatchBytes = 64 << 20

	// ttlNone in the ttl query parameter stores a key without expiration.
	ttlNone = "none"
)

type iNode interface {
	Get(key string) (store.Value, bool)
	SetWithOptions(key string, val store.Value, opts store.SetOptions) (clock.Version, error)
	Delete(key string) (clock.Version, error)
	Expire(key string, ttl time.Duration) (bool, error)
	Health() node.Health
	ApplyBatch(b replication.Batch) (replication.Ack, error)
}

// Server represents the HTTP API of one region
type Server struct {
	node       iNode
	metrics    http.Handler
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance; metrics may be nil.
func NewServer(n iNode, metrics http.Handler, port string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	if metrics == nil {
		metrics = http.NotFoundHandler()
	}
	return &Server{
		node:    n,
		metrics: metrics,
		URL:     "http://localhost:" + port,
		addr:    ":" + port,
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler exposes the router for embedding and in-process tests.
func (s *Server) Handler() http.Handler {
	return s.createRouter()
}

// createRouter builds chi router
func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(logging)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics)

	r.Route("/api/cache/{key}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Put("/", s.handlePut)
		r.Delete("/", s.handleDelete)
		r.Post("/expire", s.handleExpire)
	})

	r.Post(replication.Endpoint, s.handleReplicate)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.node.Health())
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	v, found := s.node.Get(key)
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	if raw, _ := strconv.ParseBool(r.URL.Query().Get("raw")); raw {
		if v.Type != "" {
			w.Header().Set("Content-Type", v.Type)
		}
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(v.Data); err != nil {
			slog.Warn("Failed to write value", "error", err)
		}
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(v.Data, v.Type))
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	ttl, err := parseTTL(r.URL.Query().Get("ttl"), true)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	pin, _ := strconv.ParseBool(r.URL.Query().Get("pin"))

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxValueBytes))
	if err != nil {
		s.writeJSON(w, http.StatusRequestEntityTooLarge, NewErrorResponse("Value too large"))
		return
	}

	ver, err := s.node.SetWithOptions(key, store.Value{Data: data, Type: r.Header.Get("Content-Type")},
		store.SetOptions{TTL: ttl, Pin: pin})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewVersionResponse(ver))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	ver, err := s.node.Delete(key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewVersionResponse(ver))
}

func (s *Server) handleExpire(w http.ResponseWriter, r *http.Request) {
	key, ok := s.key(w, r)
	if !ok {
		return
	}

	q := r.URL.Query().Get("ttl")
	if q == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing ttl"))
		return
	}
	ttl, err := parseTTL(q, false)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	found, err := s.node.Expire(key, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Key not found"))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	b, err := replication.DecodeBatch(http.MaxBytesReader(w, r.Body, maxBatchBytes),
		r.Header.Get("Content-Encoding"), maxBatchBytes)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, compression.ErrUnknownCodec) {
			status = http.StatusUnsupportedMediaType
		}
		slog.Warn("Rejected replication batch", "error", err)
		s.writeJSON(w, status, NewErrorResponse(err.Error()))
		return
	}

	ack, err := s.node.ApplyBatch(b)
	if err != nil {
		slog.Warn("Rejected replication batch", "origin", b.Origin, "error", err)
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, ack)
}

func (s *Server) key(w http.ResponseWriter, r *http.Request) (string, bool) {
	key, err := url.PathUnescape(chi.URLParam(r, "key"))
	if err != nil || key == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing key"))
		return "", false
	}
	return key, true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrEmptyKey) {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	slog.Error("Request failed", "error", err)
	s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
}

// parseTTL reads a Go duration. For writes an empty value selects the node default and
// "none" disables expiration.
func parseTTL(raw string, write bool) (time.Duration, error) {
	switch {
	case raw == "":
		return 0, nil
	case raw == ttlNone && write:
		return -1, nil
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid ttl %q", raw)
	}
	if write && ttl <= 0 {
		return -1, nil
	}
	return ttl, nil
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rr := &respRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rr, r)
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rr.status,
			"duration", time.Since(start))
	})
}

type respRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *respRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}
