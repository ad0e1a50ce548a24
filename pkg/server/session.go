package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/aeolun/reverb/pkg/hub"
	"github.com/aeolun/reverb/pkg/registry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrServerFull is returned by CreateSession when max_connections is reached.
var ErrServerFull = errors.New("server full")

// SessionState is where a session is in its lifecycle.
type SessionState int32

const (
	StateConnected SessionState = iota
	StateAuthenticated
	StateInChannel
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateInChannel:
		return "in_channel"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session represents an active client connection
type Session struct {
	ID         uint64
	Transport  string
	RemoteAddr string
	Conn       *SafeConn
	logger     *zap.Logger

	mu        sync.Mutex // Protects state, identity, channelID and sub
	state     SessionState
	identity  *registry.Identity
	channelID uuid.UUID
	sub       *hub.Subscription

	// direct carries frames addressed to this session only (responses,
	// rosters, errors). resub wakes the outbound loop after sub changes.
	direct    chan hub.Delivery
	resub     chan struct{}
	closeOnce sync.Once

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	// dropped accumulates evictions from subscriptions already closed
	dropped atomic.Uint64
}

// SessionStats is a point-in-time copy of a session's counters.
type SessionStats struct {
	FramesIn  uint64
	FramesOut uint64
	BytesIn   uint64
	BytesOut  uint64
	Dropped   uint64
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the authenticated identity, or nil before login.
func (s *Session) Identity() *registry.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// Channel returns the joined channel, if any.
func (s *Session) Channel() (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channelID, s.state == StateInChannel
}

func (s *Session) subscription() *hub.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// authenticate moves a Connected session to Authenticated. It reports false
// if the session was not in the Connected state.
func (s *Session) authenticate(ident registry.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return false
	}
	s.identity = &ident
	s.state = StateAuthenticated
	return true
}

// enterChannel records the joined channel and its subscription.
func (s *Session) enterChannel(channelID uuid.UUID, sub *hub.Subscription) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.channelID = channelID
	s.sub = sub
	s.state = StateInChannel
	s.mu.Unlock()

	s.signalResubscribe()
	return true
}

// leaveChannel clears the joined channel and returns what was cleared.
func (s *Session) leaveChannel() (uuid.UUID, *hub.Subscription, bool) {
	return s.leaveChannelIf(func(uuid.UUID) bool { return true })
}

// leaveChannelIf clears the joined channel only when match accepts it.
func (s *Session) leaveChannelIf(match func(channelID uuid.UUID) bool) (uuid.UUID, *hub.Subscription, bool) {
	s.mu.Lock()
	if s.state != StateInChannel || !match(s.channelID) {
		s.mu.Unlock()
		return uuid.Nil, nil, false
	}
	channelID, sub := s.channelID, s.sub
	s.channelID = uuid.Nil
	s.sub = nil
	s.state = StateAuthenticated
	s.mu.Unlock()

	s.dropped.Add(sub.Dropped())
	s.signalResubscribe()
	return channelID, sub, true
}

// markClosed moves the session to Closed and hands back what teardown has
// to release.
func (s *Session) markClosed() (*registry.Identity, *hub.Subscription) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ident, sub := s.identity, s.sub
	s.state = StateClosed
	s.sub = nil
	if sub != nil {
		s.dropped.Add(sub.Dropped())
	}
	return ident, sub
}

func (s *Session) signalResubscribe() {
	select {
	case s.resub <- struct{}{}:
	default:
	}
}

// Stats returns the session's counters.
func (s *Session) Stats() SessionStats {
	dropped := s.dropped.Load()
	if sub := s.subscription(); sub != nil {
		dropped += sub.Dropped()
	}
	return SessionStats{
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
		Dropped:   dropped,
	}
}

// SessionManager manages all active sessions
type SessionManager struct {
	sessions       map[uint64]*Session
	nextID         atomic.Uint64
	mu             sync.RWMutex
	metrics        *Metrics
	maxSessions    int
	directCapacity int
}

// NewSessionManager creates a new session manager. maxSessions of zero means
// unlimited.
func NewSessionManager(maxSessions, directCapacity int) *SessionManager {
	if directCapacity <= 0 {
		directCapacity = DefaultDirectQueueCapacity
	}
	return &SessionManager{
		sessions:       make(map[uint64]*Session),
		maxSessions:    maxSessions,
		directCapacity: directCapacity,
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession registers a new session for conn, refusing with
// ErrServerFull when the limit is reached.
func (sm *SessionManager) CreateSession(transport string, conn *SafeConn, logger *zap.Logger) (*Session, error) {
	// Allocate session ID atomically (no lock needed)
	sessionID := sm.nextID.Add(1)

	sess := &Session{
		ID:         sessionID,
		Transport:  transport,
		RemoteAddr: conn.RemoteAddr().String(),
		Conn:       conn,
		logger:     logger.With(zap.Uint64("session", sessionID), zap.String("transport", transport)),
		direct:     make(chan hub.Delivery, sm.directCapacity),
		resub:      make(chan struct{}, 1),
	}

	sm.mu.Lock()
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.mu.Unlock()
		return nil, ErrServerFull
	}
	sm.sessions[sessionID] = sess
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	// Update metrics outside lock
	sm.metrics.RecordActiveSessions(sessionCount)
	sm.metrics.RecordSessionCreated()

	return sess, nil
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(sessionID uint64) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sess, ok := sm.sessions[sessionID]
	return sess, ok
}

// GetAllSessions returns all active sessions
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// RemoveSession removes a session and closes the connection
func (sm *SessionManager) RemoveSession(sessionID uint64) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	sessionCount := len(sm.sessions)
	sm.mu.Unlock()

	sm.metrics.RecordActiveSessions(sessionCount)

	sess.Conn.Close()
}

// CountSessions returns the number of open sessions
func (sm *SessionManager) CountSessions() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return len(sm.sessions)
}

// CloseAll closes every session's connection. Each session's own teardown
// then removes it from the manager.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}
