package client

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/tturner/plcsim/internal/enip"
)

// Transport carries encapsulation frames to one controller. Callers
// serialize access.
type Transport interface {
	Dial(ctx context.Context, addr string, timeout time.Duration) error
	Close() error
	// Exchange writes one frame and reads the next complete reply frame.
	Exchange(ctx context.Context, frame []byte, timeout time.Duration) (enip.ENIPEncapsulation, error)
	// Post writes a frame that has no reply.
	Post(ctx context.Context, frame []byte, timeout time.Duration) error
	Open() bool
}

// TCPTransport is the EtherNet/IP explicit messaging transport on TCP.
type TCPTransport struct {
	conn net.Conn
}

var _ Transport = (*TCPTransport)(nil)

func NewTCPTransport() *TCPTransport {
	return &TCPTransport{}
}

// Dial connects with keep-alive enabled.
func (t *TCPTransport) Dial(ctx context.Context, addr string, timeout time.Duration) error {
	if t.conn != nil {
		return fmt.Errorf("already connected to %s", t.conn.RemoteAddr())
	}
	dialer := net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial TCP: %w", err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPTransport) Open() bool {
	return t.conn != nil
}

func (t *TCPTransport) Post(ctx context.Context, frame []byte, timeout time.Duration) error {
	if t.conn == nil {
		return fmt.Errorf("not connected")
	}
	if err := t.conn.SetWriteDeadline(deadlineFor(ctx, timeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := t.conn.Write(frame); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

func (t *TCPTransport) Exchange(ctx context.Context, frame []byte, timeout time.Duration) (enip.ENIPEncapsulation, error) {
	if err := t.Post(ctx, frame, timeout); err != nil {
		return enip.ENIPEncapsulation{}, err
	}
	if err := t.conn.SetReadDeadline(deadlineFor(ctx, timeout)); err != nil {
		return enip.ENIPEncapsulation{}, fmt.Errorf("set read deadline: %w", err)
	}
	encap, err := enip.ReadFrame(t.conn)
	if err != nil {
		return enip.ENIPEncapsulation{}, fmt.Errorf("receive response: %w", err)
	}
	return encap, nil
}

// deadlineFor is now+timeout, or the context deadline if that is sooner.
func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}
