package core

import (
	"context"
	"fmt"
	"net"

	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/logging"
	"github.com/tturner/plcsim/internal/metrics"
	"github.com/tturner/plcsim/internal/tagtable"
)

// NewServer creates a server that serves tags. The table is shared, never
// copied.
func NewServer(cfg *config.ServerConfig, tags *tagtable.Table, logger *logging.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("server config is required")
	}
	if tags == nil {
		return nil, fmt.Errorf("tag table is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:      cfg,
		logger:      logger,
		tags:        tags,
		sessions:    NewSessionManager(cfg.ENIP.Session.MaxSessions),
		metrics:     metrics.NewSink(),
		idleTimeout: cfg.IdleTimeout(),
		includeHex:  cfg.Logging.IncludeHexDump,
		conns:       make(map[*net.TCPConn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	return s, nil
}

// SetRecorder installs a frame recorder. It must be called before Start.
func (s *Server) SetRecorder(r FrameRecorder) {
	s.recorder = r
}

// Sessions exposes the session registry for status reporting.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics exposes request metrics.
func (s *Server) Metrics() *metrics.Sink {
	return s.metrics
}

// Tags returns the shared tag table.
func (s *Server) Tags() *tagtable.Table {
	return s.tags
}
