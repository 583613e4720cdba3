package client

import "fmt"

// Event is a domain event emitted by a Connection. Consumers receive events
// from Events() and decide how to present them; the connection never calls
// back into the UI.
type Event interface {
	// String renders the event for logs and line-oriented frontends.
	String() string
}

// NameRequested is emitted when the server asks for a nickname. The consumer
// must answer with Register before any other operation.
type NameRequested struct{}

func (NameRequested) String() string { return "server requests a nickname" }

// NameRejected is emitted when the server refused the submitted nickname.
// The server closes the connection after sending it; reconnect and try a
// different name.
type NameRejected struct {
	Nickname string
}

func (e NameRejected) String() string {
	return fmt.Sprintf("nickname %q is already in use", e.Nickname)
}

// Registered is emitted when the server accepted the nickname. Roster holds
// every user online at acceptance time, in join order, including self.
type Registered struct {
	Nickname string
	Roster   []string
}

func (e Registered) String() string {
	return fmt.Sprintf("registered as %q (%d online)", e.Nickname, len(e.Roster))
}

// MessageReceived is a broadcast chat message from another user.
type MessageReceived struct {
	Sender  string
	Content string
}

func (e MessageReceived) String() string {
	return fmt.Sprintf("%s: %s", e.Sender, e.Content)
}

// PrivateReceived is a private message addressed to this user.
type PrivateReceived struct {
	Sender  string
	Content string
}

func (e PrivateReceived) String() string {
	return fmt.Sprintf("[private] %s: %s", e.Sender, e.Content)
}

// UserJoined announces another user completing registration.
type UserJoined struct {
	Nickname string
}

func (e UserJoined) String() string { return fmt.Sprintf("%s joined", e.Nickname) }

// UserLeft announces a user leaving, whether by explicit disable or by
// transport failure.
type UserLeft struct {
	Nickname string
}

func (e UserLeft) String() string { return fmt.Sprintf("%s left", e.Nickname) }

// UserRenamed announces a nickname change. OldName may be this user's own
// previous nickname when a Rename call succeeds.
type UserRenamed struct {
	OldName string
	NewName string
}

func (e UserRenamed) String() string {
	return fmt.Sprintf("%s is now known as %s", e.OldName, e.NewName)
}

// ServerError carries an error envelope from the server (rate limit,
// rejected rename, malformed input).
type ServerError struct {
	Code    uint16
	Message string
}

func (e ServerError) String() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// ProtocolError reports a malformed envelope that was skipped. The connection
// stays up; only envelopes the client cannot decode are dropped.
type ProtocolError struct {
	Err error
}

func (e ProtocolError) String() string {
	return fmt.Sprintf("protocol error: %v", e.Err)
}

// Reconnecting is emitted before each automatic reconnect attempt.
type Reconnecting struct {
	Attempt int
}

func (e Reconnecting) String() string {
	return fmt.Sprintf("reconnecting (attempt %d)", e.Attempt)
}

// Disconnected is emitted when the connection is lost for good: the transport
// failed and auto-reconnect is off, or Close was called. Err is nil for a
// clean local shutdown.
type Disconnected struct {
	Err error
}

func (e Disconnected) String() string {
	if e.Err == nil {
		return "disconnected"
	}
	return fmt.Sprintf("disconnected: %v", e.Err)
}
