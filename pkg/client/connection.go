// Package client implements the chat client session: one server connection,
// a receive loop that translates protocol envelopes into domain events, and a
// small state machine gating which operations are valid when. Frontends
// consume Events() and call the operation methods; nothing in this package
// renders output.
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/zurbaevi/chat/pkg/protocol"
	"github.com/zurbaevi/chat/pkg/transport"
)

// State is the connection's lifecycle phase.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering // Connected, negotiating a nickname
	StateActive      // Nickname accepted, chat operations allowed
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateActive:
		return "active"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrNotConnected is returned by operations that need a live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned by Connect on a live connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrNotRegistering is returned by Register outside the name handshake.
	ErrNotRegistering = errors.New("no nickname request pending")
	// ErrNotActive is returned by chat operations before registration
	// completes.
	ErrNotActive = errors.New("not registered")
)

// Option configures a Connection.
type Option func(*Connection)

// WithWebSocket dials the server's WebSocket endpoint instead of raw TCP.
func WithWebSocket(secure bool) Option {
	return func(c *Connection) {
		addr := c.addr
		c.dial = func() (net.Conn, error) {
			return transport.DialWebSocket(addr, secure)
		}
	}
}

// WithAutoReconnect controls automatic reconnection after transport failure.
// Enabled by default; reconnection re-registers the last accepted nickname.
func WithAutoReconnect(enabled bool) Option {
	return func(c *Connection) { c.autoReconnect = enabled }
}

// WithLogger sets a logger for connection debugging.
func WithLogger(logger *log.Logger) Option {
	return func(c *Connection) { c.logger = logger }
}

// Connection is a client session with the chat server.
type Connection struct {
	addr string
	dial func() (net.Conn, error)

	mu          sync.RWMutex
	ch          *transport.Channel
	state       State
	nickname    string // Accepted nickname
	pendingName string // Submitted, awaiting the server's verdict
	rejoinName  string // Re-registered automatically after reconnect
	roster      []string

	events chan Event

	autoReconnect bool
	retry         *backoff.Backoff

	logger   *log.Logger
	shutdown chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// NewConnection creates a client for the server at addr ("host:port").
func NewConnection(addr string, opts ...Option) *Connection {
	c := &Connection{
		addr: addr,
		dial: func() (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 5*time.Second)
		},
		state:         StateDisconnected,
		events:        make(chan Event, 64),
		autoReconnect: true,
		retry: &backoff.Backoff{
			Min:    500 * time.Millisecond,
			Max:    30 * time.Second,
			Jitter: true,
		},
		shutdown: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Connection) logf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Printf(format, args...)
	}
}

// Events returns the stream of domain events. Closed when the connection is
// closed for good.
func (c *Connection) Events() <-chan Event {
	return c.events
}

// State returns the current lifecycle phase.
func (c *Connection) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Nickname returns the accepted nickname, or "" before registration.
func (c *Connection) Nickname() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.nickname
}

// Roster returns a copy of the known online users in join order.
func (c *Connection) Roster() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	roster := make([]string, len(c.roster))
	copy(roster, c.roster)
	return roster
}

// Connect dials the server and starts the receive loop. The server opens the
// name handshake; wait for a NameRequested event before calling Register.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.state = StateConnecting
	c.mu.Unlock()

	c.logf("connecting to %s", c.addr)
	conn, err := c.dial()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	c.mu.Lock()
	c.ch = transport.NewChannel(conn)
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop()
	return nil
}

// Register submits a nickname. Valid only while the server's name request is
// pending; the verdict arrives as a Registered or NameRejected event.
func (c *Connection) Register(nickname string) error {
	c.mu.Lock()
	if c.state != StateRegistering {
		c.mu.Unlock()
		return ErrNotRegistering
	}
	c.pendingName = nickname
	ch := c.ch
	c.mu.Unlock()

	c.logf("submitting nickname %q", nickname)
	return ch.Send(protocol.TypeUserName, &protocol.UserNameMessage{Nickname: nickname})
}

// SendChat broadcasts a message to every other user.
func (c *Connection) SendChat(content string) error {
	ch, nickname, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Send(protocol.TypeTextMessage, &protocol.ChatMessage{
		Sender:  nickname,
		Content: content,
	})
}

// SendPrivate sends a message to a single recipient. Unknown recipients are
// dropped server-side without feedback.
func (c *Connection) SendPrivate(recipient, content string) error {
	ch, nickname, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Send(protocol.TypePrivateTextMessage, &protocol.PrivateMessage{
		Recipient: recipient,
		Sender:    nickname,
		Content:   content,
	})
}

// Rename requests a nickname change. The outcome arrives as a UserRenamed
// event on success or a ServerError event on rejection.
func (c *Connection) Rename(newName string) error {
	ch, _, err := c.activeChannel()
	if err != nil {
		return err
	}
	return ch.Send(protocol.TypeUsernameChanged, &protocol.UsernameChangedMessage{
		NewName: newName,
	})
}

// Leave announces departure and shuts the connection down cleanly. Other
// users see a UserLeft for this nickname.
func (c *Connection) Leave() error {
	c.mu.Lock()
	if c.state != StateActive && c.state != StateRegistering {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.state = StateDisconnecting
	c.rejoinName = ""
	ch := c.ch
	c.mu.Unlock()

	c.logf("leaving")
	return ch.Send(protocol.TypeDisableUser, &protocol.DisableUserMessage{})
}

// Close tears the connection down and closes the event stream. Safe to call
// more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateDisconnecting
	ch := c.ch
	c.mu.Unlock()

	close(c.shutdown)
	if ch != nil {
		ch.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	c.state = StateDisconnected
	c.mu.Unlock()
	close(c.events)
}

func (c *Connection) activeChannel() (*transport.Channel, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateActive {
		return nil, "", ErrNotActive
	}
	return c.ch, c.nickname, nil
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.shutdown:
	}
}

// receiveLoop reads envelopes until the transport fails, dispatching each to
// the state machine. A malformed payload is reported and skipped; only a
// transport failure ends the loop.
func (c *Connection) receiveLoop() {
	defer c.wg.Done()

	c.mu.RLock()
	ch := c.ch
	c.mu.RUnlock()

	for {
		frame, err := ch.Receive()
		if err != nil {
			c.handleTransportLoss(err)
			return
		}
		c.logf("recv kind=%s len=%d", protocol.KindName(frame.Kind), len(frame.Payload))
		c.handleFrame(frame)
	}
}

func (c *Connection) handleFrame(frame *protocol.Frame) {
	switch frame.Kind {
	case protocol.TypeNameRequest:
		c.handleNameRequest()

	case protocol.TypeNameUsed:
		c.handleNameUsed()

	case protocol.TypeNameAccepted:
		var msg protocol.NameAcceptedMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.handleNameAccepted(msg.Roster)

	case protocol.TypeTextMessage:
		var msg protocol.ChatMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.emit(MessageReceived{Sender: msg.Sender, Content: msg.Content})

	case protocol.TypePrivateTextMessage:
		var msg protocol.PrivateMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.emit(PrivateReceived{Sender: msg.Sender, Content: msg.Content})

	case protocol.TypeUserAdded:
		var msg protocol.UserAddedMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.rosterAdd(msg.Nickname)
		c.emit(UserJoined{Nickname: msg.Nickname})

	case protocol.TypeRemovedUser:
		var msg protocol.RemovedUserMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.rosterRemove(msg.Nickname)
		c.emit(UserLeft{Nickname: msg.Nickname})

	case protocol.TypeUsernameChanged:
		var msg protocol.UsernameChangedMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.handleRenamed(msg.OldName, msg.NewName)

	case protocol.TypeError:
		var msg protocol.ErrorMessage
		if err := msg.Decode(frame.Payload); err != nil {
			c.emit(ProtocolError{Err: err})
			return
		}
		c.emit(ServerError{Code: msg.ErrorCode, Message: msg.Message})

	default:
		c.emit(ProtocolError{Err: fmt.Errorf("unexpected envelope kind 0x%02X", frame.Kind)})
	}
}

func (c *Connection) handleNameRequest() {
	c.mu.Lock()
	c.state = StateRegistering
	rejoin := c.rejoinName
	c.rejoinName = ""
	c.mu.Unlock()

	if rejoin != "" {
		c.logf("re-registering as %q after reconnect", rejoin)
		if err := c.Register(rejoin); err == nil {
			return
		}
	}
	c.emit(NameRequested{})
}

func (c *Connection) handleNameUsed() {
	c.mu.Lock()
	rejected := c.pendingName
	c.pendingName = ""
	// The server closes the connection after a rejection; reconnecting with
	// the same name would only be rejected again.
	c.rejoinName = ""
	c.state = StateDisconnecting
	c.mu.Unlock()

	c.emit(NameRejected{Nickname: rejected})
}

func (c *Connection) handleNameAccepted(roster []string) {
	c.mu.Lock()
	c.nickname = c.pendingName
	c.pendingName = ""
	c.roster = append([]string(nil), roster...)
	c.state = StateActive
	nickname := c.nickname
	c.mu.Unlock()

	c.retry.Reset()
	c.emit(Registered{Nickname: nickname, Roster: roster})
}

func (c *Connection) handleRenamed(oldName, newName string) {
	c.mu.Lock()
	if c.nickname == oldName {
		c.nickname = newName
	}
	for i, n := range c.roster {
		if n == oldName {
			c.roster[i] = newName
			break
		}
	}
	c.mu.Unlock()

	c.emit(UserRenamed{OldName: oldName, NewName: newName})
}

func (c *Connection) rosterAdd(nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.roster {
		if n == nickname {
			return
		}
	}
	c.roster = append(c.roster, nickname)
}

func (c *Connection) rosterRemove(nickname string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, n := range c.roster {
		if n == nickname {
			c.roster = append(c.roster[:i], c.roster[i+1:]...)
			return
		}
	}
}

// handleTransportLoss runs when Receive fails. A loss during Disconnecting or
// after Close is the expected end of a clean shutdown; anything else is a
// failure, optionally followed by auto-reconnect.
func (c *Connection) handleTransportLoss(err error) {
	c.mu.Lock()
	wasClean := c.closed || c.state == StateDisconnecting
	if c.ch != nil {
		c.ch.Close()
	}
	nickname := c.nickname
	c.nickname = ""
	c.pendingName = ""
	c.roster = nil
	c.state = StateDisconnected
	reconnect := c.autoReconnect && !wasClean && nickname != ""
	if reconnect {
		c.rejoinName = nickname
	}
	c.mu.Unlock()

	if wasClean {
		c.emit(Disconnected{})
		return
	}

	c.logf("transport lost: %v", err)
	if !reconnect {
		c.emit(Disconnected{Err: err})
		return
	}

	c.wg.Add(1)
	go c.reconnectLoop()
}

// reconnectLoop redials with jittered exponential backoff until a connect
// succeeds or the connection is closed. On success the name handshake runs
// again and the previous nickname is resubmitted automatically.
func (c *Connection) reconnectLoop() {
	defer c.wg.Done()

	attempt := 1
	for {
		select {
		case <-c.shutdown:
			return
		case <-time.After(c.retry.Duration()):
		}

		c.emit(Reconnecting{Attempt: attempt})
		c.logf("reconnect attempt %d to %s", attempt, c.addr)

		if err := c.Connect(); err != nil {
			c.logf("reconnect attempt %d failed: %v", attempt, err)
			attempt++
			continue
		}
		return
	}
}
