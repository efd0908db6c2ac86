package core

import (
	"errors"
	"net"
	"time"

	plcerrors "github.com/tturner/plcsim/internal/errors"
)

// Start binds the listener and begins accepting connections. A bind failure
// is returned as a user-facing error.
func (s *Server) Start() error {
	addr := s.config.ListenAddr()
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return plcerrors.WrapBindError(err, addr)
	}

	s.tcpListener, err = net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return plcerrors.WrapBindError(err, addr)
	}

	s.logger.Info("EtherNet/IP server listening on %s (%d tags)", s.tcpListener.Addr(), s.tags.Len())

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// TCPAddr returns the bound TCP address after Start.
func (s *Server) TCPAddr() *net.TCPAddr {
	if s.tcpListener == nil {
		return nil
	}
	if addr, ok := s.tcpListener.Addr().(*net.TCPAddr); ok {
		return addr
	}
	return nil
}

// Stop cancels the server context, closes the listener and every live
// connection, and waits for all handlers to return.
func (s *Server) Stop() error {
	s.cancel()

	if s.tcpListener != nil {
		s.tcpListener.Close()
	}

	s.connsMu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.connsMu.Unlock()

	s.wg.Wait()

	s.logger.Info("Server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.tcpListener.AcceptTCP()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("Accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.trackConn(conn) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// trackConn registers conn for shutdown. It refuses once Stop has begun.
func (s *Server) trackConn(conn *net.TCPConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn *net.TCPConn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}
