// Package server exposes practice sessions over WebSocket and the service's
// HTTP endpoints.
//
// A learner connects to /v1/practice, sends a JSON "start" command naming
// the dialogue, then streams microphone audio as binary messages. Events
// come back as JSON text messages and synthesized speech as binary
// messages. See [Command] for the client messages.
//
// Besides the practice socket the server serves:
//
//   - GET /v1/characters/{character}/dialogues lists scripted dialogues.
//   - GET /v1/learners/{learner}/progress lists a learner's results.
//   - GET /v1/sessions lists active sessions.
//   - /healthz, /readyz and /metrics for operations.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/glossa/internal/app"
	"github.com/MrWong99/glossa/internal/config"
	"github.com/MrWong99/glossa/internal/health"
	"github.com/MrWong99/glossa/internal/observe"
	"github.com/MrWong99/glossa/internal/progress"
	"github.com/MrWong99/glossa/internal/script"
)

// shutdownGrace bounds how long in-flight HTTP requests may run after the
// serve context is cancelled.
const shutdownGrace = 10 * time.Second

// Backend is what the server needs from the application. *app.App
// satisfies it.
type Backend interface {
	Sessions() *app.SessionManager
	Scripts() script.Store
	Recorder() progress.Recorder
}

var _ Backend = (*app.App)(nil)

// Server serves the practice WebSocket and the HTTP API.
type Server struct {
	backend Backend
	health  *health.Handler
	log     *slog.Logger
	metrics *observe.Metrics
	origins []string
	metricz http.Handler
}

// Option is a functional option for [New].
type Option func(*Server)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMetrics sets the metrics sink. Defaults to observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithAllowedOrigins sets the host patterns browsers may connect from. The
// default only accepts same-origin connections.
func WithAllowedOrigins(patterns []string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithHealth sets the readiness checks served on /readyz.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) { s.health = h }
}

// New creates a Server for b.
func New(b Backend, opts ...Option) *Server {
	s := &Server{
		backend: b,
		log:     slog.Default(),
		metricz: promhttp.Handler(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.health == nil {
		s.health = health.New(nil)
	}
	return s
}

// Handler returns the root handler with tracing, metrics and panic
// recovery applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/practice", s.handlePractice)
	mux.HandleFunc("GET /v1/sessions", s.handleSessions)
	mux.HandleFunc("GET /v1/characters/{character}/dialogues", s.handleDialogues)
	mux.HandleFunc("GET /v1/learners/{learner}/progress", s.handleProgress)
	mux.Handle("GET /metrics", s.metricz)
	s.health.Register(mux)
	return observe.Recover(observe.Middleware(s.metrics)(mux))
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. A non-nil tls serves HTTPS.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tls *config.TLSConfig) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	return s.Serve(ctx, ln, tls)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, tls *config.TLSConfig) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("server: listening", "addr", ln.Addr().String(), "tls", tls != nil)
		var err error
		if tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: serve: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: shutdown: %w", err)
		}
		s.log.Info("server: stopped")
		return nil
	})
	return g.Wait()
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Sessions().List())
}

func (s *Server) handleDialogues(w http.ResponseWriter, r *http.Request) {
	list, err := s.backend.Scripts().List(r.Context(), r.PathValue("character"))
	if err != nil {
		s.log.Error("server: list dialogues", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "list dialogues failed"})
		return
	}
	out := make([]dialogueSummary, 0, len(list))
	for _, d := range list {
		out = append(out, dialogueSummary{
			CharacterID: d.CharacterID,
			DialogueID:  d.DialogueID,
			Title:       d.Title,
			Turns:       d.Turns,
			Words:       d.Words,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	results, err := s.backend.Recorder().Results(r.Context(), r.PathValue("learner"))
	if err != nil {
		s.log.Error("server: load progress", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "load progress failed"})
		return
	}
	if results == nil {
		results = []progress.Result{}
	}
	writeJSON(w, http.StatusOK, results)
}

type dialogueSummary struct {
	CharacterID string `json:"character_id"`
	DialogueID  string `json:"dialogue_id"`
	Title       string `json:"title"`
	Turns       int    `json:"turns"`
	Words       int    `json:"words"`
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// acceptOptions returns the WebSocket handshake options.
func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return &websocket.AcceptOptions{OriginPatterns: s.origins}
}
