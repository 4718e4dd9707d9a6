// Package mcp exposes simulations as Model Context Protocol tools.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/reverie/internal/logging"
	"github.com/nvandessel/reverie/internal/ratelimit"
	"github.com/nvandessel/reverie/internal/simulation"
)

// DefaultChatTimeout bounds how long reverie_chat waits for a reply.
const DefaultChatTimeout = 2 * time.Minute

// Server wraps the MCP SDK server around a simulation manager.
type Server struct {
	server  *sdk.Server
	manager *simulation.Manager
	limits  ratelimit.Limits
	audit   *AuditLogger
	logger  *slog.Logger

	defaultTemplate string
	chatTimeout     time.Duration
}

// Config holds server configuration.
type Config struct {
	Name    string
	Version string

	Manager *simulation.Manager
	Limits  ratelimit.Limits

	// AuditPath is the JSONL audit log ("" disables it).
	AuditPath string

	// DefaultTemplate is forked when reverie_start names no template.
	DefaultTemplate string

	ChatTimeout time.Duration
	Logger      *slog.Logger
}

// NewServer creates an MCP server with the reverie tools and resources.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("mcp server needs a simulation manager")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	var audit *AuditLogger
	if cfg.AuditPath != "" {
		a, err := NewAuditLogger(cfg.AuditPath)
		if err != nil {
			logger.Warn("audit log disabled", "error", err)
		} else {
			audit = a
		}
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
		server: sdk.NewServer(&sdk.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		manager:         cfg.Manager,
		limits:          limits,
		audit:           audit,
		logger:          logger,
		defaultTemplate: cfg.DefaultTemplate,
		chatTimeout:     timeout,
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// Run serves over stdio until the client disconnects, ctx ends or the
// process is signalled.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sig := make(chan os.Signal, 1)
	notifySignals(sig)
	go func() {
		select {
		case <-sig:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.server.Run(ctx, &sdk.StdioTransport{})
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, s.Close())
}

// Close shuts down live simulations and the audit log.
func (s *Server) Close() error {
	return errors.Join(s.manager.Close(), s.audit.Close())
}
