package core

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/tturner/plcsim/internal/config"
	"github.com/tturner/plcsim/internal/logging"
	"github.com/tturner/plcsim/internal/metrics"
	"github.com/tturner/plcsim/internal/tagtable"
)

// writeTimeout bounds a single response write.
const writeTimeout = 5 * time.Second

// FrameRecorder receives every encapsulation frame the server reads or
// writes. toServer is true for client requests.
type FrameRecorder interface {
	RecordFrame(client, server net.Addr, toServer bool, frame []byte) error
	// CloseFlow is called once when the connection's handler exits.
	CloseFlow(client, server net.Addr) error
}

// Server represents an EtherNet/IP tag server.
type Server struct {
	config      *config.ServerConfig
	logger      *logging.Logger
	tags        *tagtable.Table
	sessions    *SessionManager
	metrics     *metrics.Sink
	recorder    FrameRecorder
	tcpListener *net.TCPListener
	idleTimeout time.Duration
	includeHex  bool

	connsMu sync.Mutex
	conns   map[*net.TCPConn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}
