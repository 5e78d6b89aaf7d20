package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/agleyzer/lessonplayer/internal/hls"
	"github.com/agleyzer/lessonplayer/internal/player"
)

// Options configures the HTTP surface.
type Options struct {
	Port int

	// BaseURL is used for segment URIs in the exported HLS playlist.
	BaseURL string

	// Durations holds probed segment durations for the HLS export.
	Durations map[int]time.Duration

	// SeekDelay is used by seek requests without a delay parameter. Next and
	// prev default to no delay.
	SeekDelay time.Duration

	// Cluster, if set, is reported by the health check.
	Cluster ClusterInfo
}

// ClusterInfo describes this node's membership in a listening session.
type ClusterInfo interface {
	NodeID() string
	State() string
	IsLeader() bool
	LeaderAddr() string
	Peers() []string
}

// Server exposes playback controls of a controller over HTTP.
type Server struct {
	controller *player.Controller
	opts       Options
	logger     *slog.Logger
	httpServer *http.Server
}

// New creates a new HTTP server
func New(controller *player.Controller, opts Options, logger *slog.Logger) *Server {
	if opts.SeekDelay < 0 {
		opts.SeekDelay = 0
	}
	return &Server{
		controller: controller,
		opts:       opts,
		logger:     logger,
	}
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	compressor := middleware.NewCompressor(5, "application/json", "application/vnd.apple.mpegurl")
	compressor.SetEncoder("br", func(w io.Writer, level int) io.Writer {
		return brotli.NewWriterLevel(w, level)
	})

	r := chi.NewRouter()
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(compressor.Handler)

	r.Get("/health", s.handleHealth)
	r.Get("/state", s.handleState)
	r.Get("/chapter.m3u8", s.handlePlaylist)

	r.Post("/play", s.handlePlay)
	r.Post("/pause", s.handlePause)
	r.Post("/next", s.handleNext)
	r.Post("/prev", s.handlePrev)
	r.Post("/seek", s.handleSeek)
	r.Post("/volume", s.handleVolume)

	return r
}

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.opts.Port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.opts.Port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status": "ok",
		"state":  s.controller.Snapshot(),
	}
	if c := s.opts.Cluster; c != nil {
		health["cluster"] = map[string]any{
			"node_id":     c.NodeID(),
			"state":       c.State(),
			"leader":      c.IsLeader(),
			"leader_addr": c.LeaderAddr(),
			"peers":       c.Peers(),
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

// handlePlaylist serves the chapter as an HLS VOD playlist.
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	content, err := hls.MediaPlaylist(s.controller.Segments(), hls.Options{
		BaseURL:   s.opts.BaseURL,
		Book:      s.controller.Book(),
		Chapter:   s.controller.Chapter(),
		Language:  r.URL.Query().Get("lang"),
		Durations: s.opts.Durations,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	s.respond(w, s.controller.Play(r.Context()))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.controller.Pause()
	s.respond(w, nil)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	delay, err := s.delay(r, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.controller.Next(r.Context(), delay))
}

func (s *Server) handlePrev(w http.ResponseWriter, r *http.Request) {
	delay, err := s.delay(r, 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.controller.Prev(r.Context(), delay))
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.URL.Query().Get("index"))
	if err != nil {
		s.writeError(w, badRequest("invalid index: %v", err))
		return
	}
	delay, err := s.delay(r, s.opts.SeekDelay)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.respond(w, s.controller.SetCurrentIndex(r.Context(), index, delay))
}

func (s *Server) handleVolume(w http.ResponseWriter, r *http.Request) {
	value, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil {
		s.writeError(w, badRequest("invalid volume: %v", err))
		return
	}
	s.controller.SetVolume(value)
	s.respond(w, nil)
}

// delay reads the optional delay query parameter.
func (s *Server) delay(r *http.Request, def time.Duration) (time.Duration, error) {
	raw := r.URL.Query().Get("delay")
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, badRequest("invalid delay %q", raw)
	}
	return d, nil
}

// respond writes the controller state on success and the mapped error otherwise.
func (s *Server) respond(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.controller.Snapshot())
}

type requestError struct {
	msg string
}

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

// statusCode maps controller errors to HTTP status codes.
func statusCode(err error) int {
	var reqErr *requestError
	var playErr *player.PlaybackError
	switch {
	case errors.As(err, &reqErr), errors.Is(err, player.ErrIndexOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, player.ErrDestroyed):
		return http.StatusConflict
	case errors.As(err, &playErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusCode(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn("request failed", "status", code, "error", err)
	}
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
