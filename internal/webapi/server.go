package webapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/faithererer/DouyinLiveRecorder/internal/recorder"
)

// StatusSource reports the recorders the process is currently running.
type StatusSource interface {
	Snapshots() []recorder.Snapshot
}

// SourceFunc adapts a function to the StatusSource interface.
type SourceFunc func() []recorder.Snapshot

func (f SourceFunc) Snapshots() []recorder.Snapshot { return f() }

// Server serves the status endpoints over a StatusSource and a Feed.
type Server struct {
	source StatusSource
	feed   *Feed
	logger *zap.Logger
}

// NewServer wires the status handlers.
func NewServer(source StatusSource, feed *Feed, logger *zap.Logger) *Server {
	return &Server{
		source: source,
		feed:   feed,
		logger: logger,
	}
}

// NewRouter builds the HTTP handler: health, recorder status, recent
// comments and the SSE comment tail.
func NewRouter(server *Server, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(corsMiddleware)
	r.Use(zapLoggerMiddleware(logger))

	r.Get("/healthz", server.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/status", server.handleStatus)
		api.Get("/comments", server.handleComments)
		api.Get("/events", server.feed.HandleSSE)
	})

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func zapLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("remote_addr", r.RemoteAddr),
			)
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snaps := s.source.Snapshots()
	if snaps == nil {
		snaps = []recorder.Snapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recorders": snaps,
		"count":     len(snaps),
	})
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	comments := s.feed.Recent(limit)
	if comments == nil {
		comments = []Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"comments": comments,
		"count":    len(comments),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
