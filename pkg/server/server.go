package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"regexp"
	"sync"

	"github.com/zurbaevi/chat/pkg/protocol"
	"github.com/zurbaevi/chat/pkg/transport"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var nicknameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,20}$`)

// ErrClientDisconnecting is returned by the dispatch path when the client
// sends a graceful DISABLE_USER.
var ErrClientDisconnecting = errors.New("client disconnecting")

// UserStore is the external persistence collaborator: nicknames reserved by
// registered accounts, consulted during the name handshake and renames. It is
// injected into the server so tests can substitute a fake.
type UserStore interface {
	// LookupNickname returns the persisted nickname matching candidate, or
	// "" when no account reserves it.
	LookupNickname(candidate string) (string, error)
	// RenameNickname moves a persisted account's nickname. Renaming a
	// nickname with no account behind it is a no-op, not an error.
	RenameNickname(old, new string) error
}

// Server accepts connections and runs one session handler per client.
type Server struct {
	users    UserStore
	registry *Registry
	sessions *sessionSet
	config   Config
	metrics  *Metrics

	listener net.Listener
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a server with an injected user store.
func NewServer(users UserStore, config Config) *Server {
	metrics := NewMetrics()
	return &Server{
		users:    users,
		registry: NewRegistry(),
		sessions: newSessionSet(),
		config:   config,
		metrics:  metrics,
		shutdown: make(chan struct{}),
	}
}

// EnableDebugLogging turns on per-frame debug logging to stderr.
func EnableDebugLogging() {
	debugLog = log.New(os.Stderr, "DEBUG: ", log.LstdFlags)
}

// Registry exposes the connection registry, mainly for tests and metrics.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Addr returns the TCP listen address, useful when the configured port is 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins listening for TCP connections and, when configured, serves the
// WebSocket endpoint and the internal metrics endpoint.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("Chat server listening on %s", listener.Addr())

	// Internal metrics endpoint - never expose publicly
	if s.config.MetricsPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", s.metrics.Handler())
			mux.HandleFunc("/health", s.healthHandler)
			addr := fmt.Sprintf(":%d", s.config.MetricsPort)
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("Metrics server error: %v", err)
			}
		}()
	}

	// Public WebSocket endpoint carrying the same framed protocol
	if s.config.HTTPPort > 0 {
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/ws", s.HandleWebSocket)
			addr := fmt.Sprintf(":%d", s.config.HTTPPort)
			log.Printf("WebSocket endpoint listening on %s (/ws)", addr)
			if err := http.ListenAndServe(addr, mux); err != nil {
				log.Printf("WebSocket server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// Stop gracefully stops the server: no new connections, all live channels
// closed so handler goroutines unwind from their blocking reads. Idempotent.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}

		s.sessions.closeAll()
		s.wg.Wait()

		log.Println("Graceful shutdown complete")
	})
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "ok users=%d sessions=%d\n", s.registry.Count(), s.sessions.count())
}

// HandleWebSocket upgrades an HTTP request and runs the same session handler
// as a raw TCP connection.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := transport.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		errorLog.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	go s.handleConnection(transport.WrapWebSocket(ws))
}

// acceptLoop accepts incoming TCP connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				errorLog.Printf("Accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs one client's full lifecycle: registration handshake,
// then the message-routing loop. All errors stay contained to this session.
func (s *Server) handleConnection(conn net.Conn) {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	ch := transport.NewChannel(conn)
	sess := s.sessions.create(ch, s.config.MessageRateLimit)
	s.metrics.RecordSessionCreated()
	s.metrics.RecordActiveSessions(s.sessions.count())

	debugLog.Printf("Session %d: new connection from %s", sess.ID, sess.RemoteAddr)

	defer func() {
		s.disconnect(sess)
		ch.Close()
		s.sessions.remove(sess.ID)
		s.metrics.RecordActiveSessions(s.sessions.count())
	}()

	if !s.registerName(sess) {
		return
	}
	s.messageLoop(sess)
}

// registerName runs the AwaitingName state: ask for a nickname, validate it
// against the registry and the user store, and either admit the session or
// close it. Returns true when the session reached Active.
func (s *Server) registerName(sess *Session) bool {
	if err := sess.Channel.Send(protocol.TypeNameRequest, &protocol.NameRequestMessage{}); err != nil {
		debugLog.Printf("Session %d: NAME_REQUEST send failed: %v", sess.ID, err)
		return false
	}

	for {
		frame, err := sess.Channel.Receive()
		if err != nil {
			debugLog.Printf("Session %d: disconnected during handshake: %v", sess.ID, err)
			return false
		}
		s.metrics.RecordMessageReceived(protocol.KindName(frame.Kind))

		switch frame.Kind {
		case protocol.TypeUserName:
			msg := &protocol.UserNameMessage{}
			if err := msg.Decode(frame.Payload); err != nil {
				s.sendError(sess, protocol.ErrCodeInvalidNickname, err.Error())
				continue
			}
			if !nicknameRegex.MatchString(msg.Nickname) {
				s.sendError(sess, protocol.ErrCodeInvalidNickname, "nickname may contain letters, digits, '-' and '_' (3-20 characters)")
				continue
			}

			// Names reserved by persisted accounts cannot be claimed by
			// transient sessions even when the account is offline.
			reserved, err := s.users.LookupNickname(msg.Nickname)
			if err != nil {
				errorLog.Printf("Session %d: nickname lookup failed: %v", sess.ID, err)
				s.sendError(sess, protocol.ErrCodeDatabaseError, "Database error")
				continue
			}
			if reserved != "" {
				debugLog.Printf("Session %d: nickname %q reserved by persisted account", sess.ID, msg.Nickname)
				sess.Channel.Send(protocol.TypeNameUsed, &protocol.NameUsedMessage{})
				s.metrics.RecordNameRejected()
				return false
			}

			if err := s.registry.Add(msg.Nickname, sess.Channel); err != nil {
				debugLog.Printf("Session %d: nickname %q already online", sess.ID, msg.Nickname)
				sess.Channel.Send(protocol.TypeNameUsed, &protocol.NameUsedMessage{})
				s.metrics.RecordNameRejected()
				return false
			}

			sess.setNickname(msg.Nickname)
			sess.setState(stateActive)

			accepted := &protocol.NameAcceptedMessage{Roster: s.registry.Snapshot()}
			if err := sess.Channel.Send(protocol.TypeNameAccepted, accepted); err != nil {
				debugLog.Printf("Session %d: NAME_ACCEPTED send failed: %v", sess.ID, err)
				return false
			}
			s.metrics.RecordMessageSent(protocol.KindName(protocol.TypeNameAccepted))
			s.metrics.RecordRegisteredUsers(s.registry.Count())

			s.broadcastExcept(msg.Nickname, protocol.TypeUserAdded, &protocol.UserAddedMessage{Nickname: msg.Nickname})
			log.Printf("Session %d: %q joined (%d online)", sess.ID, msg.Nickname, s.registry.Count())
			return true

		case protocol.TypeDisableUser:
			// Client aborted before registering; nothing to clean up
			return false

		default:
			s.sendError(sess, protocol.ErrCodeUnsupportedKind, "Expected USER_NAME")
		}
	}
}

// messageLoop runs the Active state, dispatching envelopes until the client
// disables itself or the transport fails.
func (s *Server) messageLoop(sess *Session) {
	for {
		frame, err := sess.Channel.Receive()
		if err != nil {
			debugLog.Printf("Session %d: read error: %v", sess.ID, err)
			return
		}
		debugLog.Printf("Session %d ← RECV: Kind=0x%02X PayloadLen=%d", sess.ID, frame.Kind, len(frame.Payload))
		s.metrics.RecordMessageReceived(protocol.KindName(frame.Kind))

		if err := s.dispatch(sess, frame); err != nil {
			if errors.Is(err, ErrClientDisconnecting) {
				debugLog.Printf("Session %d: disconnected gracefully", sess.ID)
				return
			}
			errorLog.Printf("Session %d: dispatch error: %v", sess.ID, err)
			s.sendError(sess, protocol.ErrCodeInternalError, fmt.Sprintf("Internal error: %v", err))
		}
	}
}

// dispatch routes one envelope from an Active session.
func (s *Server) dispatch(sess *Session, frame *protocol.Frame) error {
	switch frame.Kind {
	case protocol.TypeTextMessage:
		return s.handleChatMessage(sess, frame)
	case protocol.TypePrivateTextMessage:
		return s.handlePrivateMessage(sess, frame)
	case protocol.TypeUsernameChanged:
		return s.handleRename(sess, frame)
	case protocol.TypeDisableUser:
		return s.handleDisable(sess)
	default:
		return s.sendError(sess, protocol.ErrCodeUnsupportedKind, "Unsupported message kind")
	}
}

// handleChatMessage fans a chat body out to every other registered user.
func (s *Server) handleChatMessage(sess *Session, frame *protocol.Frame) error {
	if !sess.allowMessage() {
		return s.sendError(sess, protocol.ErrCodeMessageRateLimit, "Message rate limit exceeded")
	}

	msg := &protocol.ChatMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}

	// The sender name always comes from the session, never the payload
	msg.Sender = sess.Nickname()
	s.broadcastExcept(msg.Sender, protocol.TypeTextMessage, msg)
	s.metrics.RecordBroadcast()
	return nil
}

// handlePrivateMessage forwards a private body to exactly one recipient.
// Unknown recipients are dropped silently; the protocol defines no
// recipient-not-found signal.
func (s *Server) handlePrivateMessage(sess *Session, frame *protocol.Frame) error {
	if !sess.allowMessage() {
		return s.sendError(sess, protocol.ErrCodeMessageRateLimit, "Message rate limit exceeded")
	}

	msg := &protocol.PrivateMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidFormat, "Invalid message format")
	}
	msg.Sender = sess.Nickname()

	target, ok := s.registry.Lookup(msg.Recipient)
	if !ok {
		debugLog.Printf("Session %d: private message to unknown recipient %q dropped", sess.ID, msg.Recipient)
		s.metrics.RecordPrivateDropped()
		return nil
	}

	if err := target.Send(protocol.TypePrivateTextMessage, msg); err != nil {
		debugLog.Printf("Session %d: private send to %q failed: %v", sess.ID, msg.Recipient, err)
		s.dropUser(msg.Recipient)
		return nil
	}
	s.metrics.RecordMessageSent(protocol.KindName(protocol.TypePrivateTextMessage))
	return nil
}

// handleRename validates and applies a nickname change, then announces it to
// everyone including the initiator.
func (s *Server) handleRename(sess *Session, frame *protocol.Frame) error {
	msg := &protocol.UsernameChangedMessage{}
	if err := msg.Decode(frame.Payload); err != nil {
		return s.sendError(sess, protocol.ErrCodeInvalidNickname, err.Error())
	}
	if !nicknameRegex.MatchString(msg.NewName) {
		return s.sendError(sess, protocol.ErrCodeInvalidNickname, "nickname may contain letters, digits, '-' and '_' (3-20 characters)")
	}

	old := sess.Nickname()
	newName := msg.NewName

	reserved, err := s.users.LookupNickname(newName)
	if err != nil {
		errorLog.Printf("Session %d: rename lookup failed: %v", sess.ID, err)
		return s.sendError(sess, protocol.ErrCodeDatabaseError, "Database error")
	}
	if reserved != "" && reserved != old {
		return s.sendError(sess, protocol.ErrCodeNameTaken, "Nickname reserved by a registered account")
	}

	// Registry first: it is the uniqueness authority for live sessions and
	// its rename is atomic. The persisted rename follows; on failure the
	// registry change is rolled back so the two never diverge.
	if err := s.registry.Rename(old, newName); err != nil {
		if errors.Is(err, ErrNameTaken) {
			return s.sendError(sess, protocol.ErrCodeNameTaken, "Nickname already in use")
		}
		return err
	}

	if err := s.users.RenameNickname(old, newName); err != nil {
		errorLog.Printf("Session %d: persisted rename failed: %v", sess.ID, err)
		if rbErr := s.registry.Rename(newName, old); rbErr != nil {
			errorLog.Printf("Session %d: rename rollback failed: %v", sess.ID, rbErr)
		}
		return s.sendError(sess, protocol.ErrCodeDatabaseError, "Rename failed")
	}

	sess.setNickname(newName)

	announcement := &protocol.UsernameChangedMessage{OldName: old, NewName: newName}
	s.broadcastExcept("", protocol.TypeUsernameChanged, announcement)
	log.Printf("Session %d: %q renamed to %q", sess.ID, old, newName)
	return nil
}

// handleDisable runs the explicit-disable path: remove, announce, close.
func (s *Server) handleDisable(sess *Session) error {
	nickname := sess.Nickname()
	if s.registry.Remove(nickname) {
		s.metrics.RecordRegisteredUsers(s.registry.Count())
		s.broadcastExcept(nickname, protocol.TypeRemovedUser, &protocol.RemovedUserMessage{Nickname: nickname})
		log.Printf("Session %d: %q left (%d online)", sess.ID, nickname, s.registry.Count())
	}
	sess.setState(stateClosed)
	return ErrClientDisconnecting
}

// disconnect is the transport-failure cleanup path. It is safe to call more
// than once; the Registry's Remove reports whether this call was the one
// that removed the entry, so the departure broadcast happens exactly once.
func (s *Server) disconnect(sess *Session) {
	nickname := sess.Nickname()
	if nickname == "" {
		sess.setState(stateClosed)
		return
	}
	if s.registry.Remove(nickname) {
		s.metrics.RecordRegisteredUsers(s.registry.Count())
		s.broadcastExcept(nickname, protocol.TypeRemovedUser, &protocol.RemovedUserMessage{Nickname: nickname})
		log.Printf("Session %d: %q disconnected (%d online)", sess.ID, nickname, s.registry.Count())
	}
	sess.setState(stateClosed)
}

// dropUser removes a peer whose channel failed during routing and announces
// the departure. The channel close also unblocks that peer's own handler,
// whose disconnect call then finds the entry already gone.
func (s *Server) dropUser(nickname string) {
	ch, _ := s.registry.Lookup(nickname)
	if !s.registry.Remove(nickname) {
		return
	}
	if ch != nil {
		ch.Close()
	}
	s.metrics.RecordRegisteredUsers(s.registry.Count())
	s.broadcastExcept(nickname, protocol.TypeRemovedUser, &protocol.RemovedUserMessage{Nickname: nickname})
	log.Printf("Dropped %q after send failure (%d online)", nickname, s.registry.Count())
}

// broadcastExcept builds a frame and fans it out through the registry,
// feeding every failed recipient into the disconnect path.
func (s *Server) broadcastExcept(sender string, kind uint8, msg protocol.Message) {
	frame, err := protocol.NewFrame(kind, msg)
	if err != nil {
		errorLog.Printf("broadcast encode (kind 0x%02X): %v", kind, err)
		return
	}
	sent, failed := s.registry.BroadcastExcept(sender, frame)
	s.metrics.AddMessagesSent(protocol.KindName(kind), sent)
	for _, nickname := range failed {
		s.metrics.RecordBroadcastFailure()
		s.dropUser(nickname)
	}
}

// sendError sends an ERROR envelope to one session. Send failures here are
// ignored; the session's own receive loop will observe the dead transport.
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	msg := &protocol.ErrorMessage{
		ErrorCode: code,
		Message:   message,
	}
	if err := sess.Channel.Send(protocol.TypeError, msg); err != nil {
		debugLog.Printf("Session %d: ERROR send failed: %v", sess.ID, err)
		return nil
	}
	s.metrics.RecordMessageSent(protocol.KindName(protocol.TypeError))
	return nil
}
