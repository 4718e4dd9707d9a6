// Package api serves simulations over HTTP and streams their outbound
// envelopes over WebSocket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
)

// DefaultChatTimeout bounds how long POST /chat waits for a reply.
const DefaultChatTimeout = 2 * time.Minute

// Config holds server configuration.
type Config struct {
	Addr    string
	Manager *simulation.Manager
	Limits  ratelimit.Limits

	// BaseTemplates cannot be the target of POST /start.
	BaseTemplates []string

	// DefaultTemplate is forked when a start request names no template.
	DefaultTemplate string

	ChatTimeout time.Duration
	Logger      *slog.Logger
}

// Server is the HTTP boundary of a simulation manager.
type Server struct {
	manager         *simulation.Manager
	limits          ratelimit.Limits
	baseTemplates   []string
	defaultTemplate string
	chatTimeout     time.Duration
	logger          *slog.Logger

	upgrader   websocket.Upgrader
	httpServer *http.Server
}

// NewServer builds the routes. It does not listen.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("api server needs a simulation manager")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	limits := cfg.Limits
	if limits == nil {
		limits = ratelimit.Limits{}
	}
	timeout := cfg.ChatTimeout
	if timeout <= 0 {
		timeout = DefaultChatTimeout
	}

	s := &Server{
		manager:         cfg.Manager,
		limits:          limits,
		baseTemplates:   cfg.BaseTemplates,
		defaultTemplate: cfg.DefaultTemplate,
		chatTimeout:     timeout,
		logger:          logger.With("component", "api"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /start", s.handleStart)
	mux.HandleFunc("POST /publish_event/{sim}", s.handlePublishEvent)
	mux.HandleFunc("GET /query_status/{sim}", s.handleQueryStatus)
	mux.HandleFunc("GET /add_command/{sim}", s.handleAddCommand)
	mux.HandleFunc("GET /run/{sim}", s.handleRun)
	mux.HandleFunc("GET /get_persona/{sim}", s.handleGetPersona)
	mux.HandleFunc("GET /personas_info/{sim}", s.handlePersonasInfo)
	mux.HandleFunc("POST /chat/{sim}", s.handleChat)
	mux.HandleFunc("GET /persona_detail/{sim}", s.handlePersonaDetail)
	mux.HandleFunc("GET /fetch_templates", s.handleFetchTemplates)
	mux.HandleFunc("GET /fetch_template", s.handleFetchTemplate)
	mux.HandleFunc("GET /ws/message/{sim}", s.handleWebSocket)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           withCORS(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe serves until ctx is cancelled, then shuts down within
// shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	s.logger.Info("api server started", "addr", ln.Addr().String())

	errc := make(chan error, 1)
	go func() {
		errc <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down api server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withCORS allows any origin and answers preflight requests.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
