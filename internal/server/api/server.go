// Package api serves the read-only status surface and tag writes over HTTP.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	plcerrors "github.com/tturner/plcsim/internal/errors"
	"github.com/tturner/plcsim/internal/logging"
)

// Server is the status API HTTP server.
type Server struct {
	listen  string
	handler http.Handler
	logger  *logging.Logger

	mu       sync.RWMutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// NewServer wraps a router built by NewRouter.
func NewServer(listen string, handler http.Handler, logger *logging.Logger) *Server {
	return &Server{listen: listen, handler: handler, logger: logger}
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return plcerrors.WrapBindError(err, s.listen)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           corsMiddleware(s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.server
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if s.logger != nil {
				s.logger.Error("Status API stopped: %v", err)
			}
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	s.running = true
	if s.logger != nil {
		s.logger.Info("Status API listening on http://%s", ln.Addr())
	}
	return nil
}

// Stop shuts the HTTP server down, waiting up to five seconds for requests.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	return err
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
