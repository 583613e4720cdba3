package server

import (
	"sync"
	"sync/atomic"

	"github.com/zurbaevi/chat/pkg/transport"
	"golang.org/x/time/rate"
)

// Session state constants. A handler moves strictly forward:
// AwaitingName → Active → Closed.
type sessionState int32

const (
	stateAwaitingName sessionState = iota
	stateActive
	stateClosed
)

// Session is one accepted connection's server-side state. The handler
// goroutine owns the transport channel; the Registry only references it for
// routing once the session reaches Active.
type Session struct {
	ID         uint64
	Channel    *transport.Channel
	RemoteAddr string

	mu       sync.RWMutex
	nickname string
	state    sessionState

	limiter *rate.Limiter // Message rate limit, shared by chat and private sends
}

// Nickname returns the registered nickname, or "" while AwaitingName.
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

func (s *Session) setNickname(nickname string) {
	s.mu.Lock()
	s.nickname = nickname
	s.mu.Unlock()
}

func (s *Session) setState(state sessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() sessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// sessionSet tracks every live session, registered or not, so shutdown can
// close handshaking connections that the Registry doesn't know about yet.
type sessionSet struct {
	mu       sync.RWMutex
	sessions map[uint64]*Session
	nextID   uint64
}

func newSessionSet() *sessionSet {
	return &sessionSet{
		sessions: make(map[uint64]*Session),
	}
}

func (ss *sessionSet) create(ch *transport.Channel, messagesPerMinute int) *Session {
	sess := &Session{
		ID:         atomic.AddUint64(&ss.nextID, 1),
		Channel:    ch,
		RemoteAddr: ch.RemoteAddr().String(),
	}
	if messagesPerMinute > 0 {
		sess.limiter = rate.NewLimiter(rate.Limit(float64(messagesPerMinute)/60.0), messagesPerMinute)
	}

	ss.mu.Lock()
	ss.sessions[sess.ID] = sess
	ss.mu.Unlock()

	return sess
}

func (ss *sessionSet) remove(id uint64) {
	ss.mu.Lock()
	delete(ss.sessions, id)
	ss.mu.Unlock()
}

func (ss *sessionSet) count() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.sessions)
}

// closeAll closes every session's channel. Handler goroutines observe the
// close as a transport error on their blocking Receive and unwind normally.
func (ss *sessionSet) closeAll() {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	for _, sess := range ss.sessions {
		sess.Channel.Close()
	}
	ss.sessions = make(map[uint64]*Session)
}

// allowMessage reports whether the session is within its message rate limit.
func (s *Session) allowMessage() bool {
	if s.limiter == nil {
		return true
	}
	return s.limiter.Allow()
}
