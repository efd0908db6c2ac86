package core

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SessionNotEstablishedError reports a request that arrived on a connection
// with no registered session, or that carried a handle other than the
// connection's own.
type SessionNotEstablishedError struct {
	Handle uint32
}

func (e *SessionNotEstablishedError) Error() string {
	return fmt.Sprintf("session 0x%08X not established", e.Handle)
}

// SessionLimitError reports that max_sessions live sessions already exist.
type SessionLimitError struct {
	Max int
}

func (e *SessionLimitError) Error() string {
	return fmt.Sprintf("session limit reached (%d)", e.Max)
}

// Session represents an active EtherNet/IP session.
type Session struct {
	ID         uint32
	RemoteAddr string
	CreatedAt  time.Time

	lastActivity atomic.Int64
	requests     atomic.Uint64
}

func (s *Session) touch(now time.Time) {
	s.lastActivity.Store(now.UnixNano())
	s.requests.Add(1)
}

// LastActivity returns when the session last carried a request.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// SessionInfo is a point-in-time view of a session for status reporting.
type SessionInfo struct {
	Handle       uint32    `json:"handle"`
	RemoteAddr   string    `json:"remote_addr"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Requests     uint64    `json:"requests"`
}

// SessionManager issues and tracks session handles across all connections.
type SessionManager struct {
	mu          sync.Mutex
	sessions    map[uint32]*Session
	lastHandle  uint32
	maxSessions int
}

// NewSessionManager creates a registry. maxSessions <= 0 means unlimited.
func NewSessionManager(maxSessions int) *SessionManager {
	return &SessionManager{
		sessions:    make(map[uint32]*Session),
		maxSessions: maxSessions,
	}
}

// Register allocates a fresh handle for remoteAddr. Handles increase
// monotonically, wrap, and skip 0 and any handle still live.
func (m *SessionManager) Register(remoteAddr string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, &SessionLimitError{Max: m.maxSessions}
	}

	handle := m.lastHandle
	for {
		handle++
		if handle == 0 {
			continue
		}
		if _, live := m.sessions[handle]; !live {
			break
		}
	}
	m.lastHandle = handle

	now := time.Now()
	session := &Session{ID: handle, RemoteAddr: remoteAddr, CreatedAt: now}
	session.lastActivity.Store(now.UnixNano())
	m.sessions[handle] = session
	return session, nil
}

// Release removes a handle. It reports whether the handle was live.
func (m *SessionManager) Release(handle uint32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[handle]; !ok {
		return false
	}
	delete(m.sessions, handle)
	return true
}

// Lookup returns the live session for handle.
func (m *SessionManager) Lookup(handle uint32) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[handle]
	return session, ok
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Snapshot lists live sessions ordered by handle.
func (m *SessionManager) Snapshot() []SessionInfo {
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, SessionInfo{
			Handle:       s.ID,
			RemoteAddr:   s.RemoteAddr,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
			Requests:     s.requests.Load(),
		})
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// sessionState is the per-connection side of the session lifecycle.
type sessionState int

const (
	stateUnregistered sessionState = iota
	stateRegistered
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateUnregistered:
		return "unregistered"
	case stateRegistered:
		return "registered"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
