package core

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/tturner/plcsim/internal/cip/protocol"
	"github.com/tturner/plcsim/internal/enip"
	"github.com/tturner/plcsim/internal/logging"
)

// connection is the per-socket state owned by one handler goroutine.
type connection struct {
	server  *Server
	conn    *net.TCPConn
	remote  string
	logger  *logging.Logger
	state   sessionState
	session *Session
}

func (s *Server) handleConnection(conn *net.TCPConn) {
	defer s.wg.Done()

	c := &connection{
		server: s,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		state:  stateUnregistered,
	}
	c.logger = s.logger.With("conn", c.remote)
	s.metrics.ConnectionOpened()

	defer func() {
		c.closeSession()
		s.untrackConn(conn)
		c.closeFlow()
		conn.Close()
		s.metrics.ConnectionClosed()
	}()

	c.logger.Info("New connection from %s", c.remote)

	for {
		if s.ctx.Err() != nil {
			return
		}
		if s.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}

		encap, err := enip.ReadFrame(conn)
		if err != nil {
			c.logReadError(err)
			return
		}
		c.record(true, enip.EncodeENIP(encap))

		resp, err := c.dispatch(encap)
		if err != nil {
			s.metrics.MalformedFrame()
			c.logger.Error("Closing connection from %s: %v", c.remote, err)
			return
		}
		if resp == nil {
			continue
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := conn.Write(resp); err != nil {
			c.logger.Error("Write error to %s: %v", c.remote, err)
			return
		}
		c.record(false, resp)
	}
}

func (c *connection) logReadError(err error) {
	var headerErr *enip.MalformedHeaderError
	var netErr net.Error
	switch {
	case errors.Is(err, io.EOF):
		c.logger.Info("Connection closed by client: %s", c.remote)
	case errors.As(err, &headerErr):
		c.server.metrics.MalformedFrame()
		c.logger.Error("Closing connection from %s: %v", c.remote, err)
	case c.server.ctx.Err() != nil:
		c.logger.Debug("Connection from %s closed for shutdown", c.remote)
	case errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Info("Connection from %s idle for %s, closing", c.remote, c.server.idleTimeout)
	default:
		c.logger.Error("Read error from %s: %v", c.remote, err)
	}
}

// closeSession releases the connection's session, if any. The state is
// terminal afterwards.
func (c *connection) closeSession() {
	if c.session != nil {
		c.server.sessions.Release(c.session.ID)
		c.logger.Info("Released session 0x%08X", c.session.ID)
		c.session = nil
	}
	c.state = stateClosed
}

// requireSession returns the connection's session when handle names it.
func (c *connection) requireSession(handle uint32) (*Session, error) {
	if c.state != stateRegistered || c.session == nil || c.session.ID != handle {
		return nil, &SessionNotEstablishedError{Handle: handle}
	}
	if _, live := c.server.sessions.Lookup(handle); !live {
		return nil, &SessionNotEstablishedError{Handle: handle}
	}
	c.session.touch(time.Now())
	return c.session, nil
}

func (c *connection) record(toServer bool, frame []byte) {
	if c.server.recorder == nil {
		return
	}
	if err := c.server.recorder.RecordFrame(c.conn.RemoteAddr(), c.conn.LocalAddr(), toServer, frame); err != nil {
		c.logger.Debug("Record frame: %v", err)
	}
}

func (c *connection) closeFlow() {
	if c.server.recorder == nil {
		return
	}
	if err := c.server.recorder.CloseFlow(c.conn.RemoteAddr(), c.conn.LocalAddr()); err != nil {
		c.logger.Debug("Close recorded flow: %v", err)
	}
}

// isFatal reports whether err must close the connection.
func isFatal(err error) bool {
	var reqErr *protocol.MalformedRequestError
	var headerErr *enip.MalformedHeaderError
	return errors.As(err, &reqErr) || errors.As(err, &headerErr)
}
