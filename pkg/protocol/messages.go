package protocol

import (
	"bytes"
	"errors"
	"io"
)

// Message is implemented by every typed protocol message.
type Message interface {
	// Encode serializes the message to bytes (convenience wrapper)
	Encode() ([]byte, error)
	// EncodeTo serializes the message directly to a writer
	EncodeTo(w io.Writer) error
	// Decode deserializes the message from bytes
	Decode(payload []byte) error
}

// Message kind constants (Client → Server)
const (
	TypeUserName           = 0x01
	TypeTextMessage        = 0x02 // also Server → Client on fan-out
	TypePrivateTextMessage = 0x03 // also Server → Client on forward
	TypeUsernameChanged    = 0x04 // also Server → Client as rename announcement
	TypeDisableUser        = 0x05
)

// Message kind constants (Server → Client)
const (
	TypeNameRequest  = 0x81
	TypeNameUsed     = 0x82
	TypeNameAccepted = 0x83
	TypeUserAdded    = 0x84
	TypeRemovedUser  = 0x85
	TypeError        = 0x91
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat   = 1000
	ErrCodeUnsupportedKind = 1001

	// Rate limit errors (5xxx)
	ErrCodeMessageRateLimit = 5001

	// Validation errors (6xxx)
	ErrCodeInvalidInput    = 6000
	ErrCodeMessageTooLong  = 6001
	ErrCodeInvalidNickname = 6003
	ErrCodeNameTaken       = 6004

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
	ErrCodeDatabaseError = 9001
)

const (
	// MaxNicknameLength is the longest accepted nickname
	MaxNicknameLength = 20
	// MinNicknameLength is the shortest accepted nickname
	MinNicknameLength = 3
	// MaxContentLength is the longest accepted chat body (bytes)
	MaxContentLength = 4096
)

var (
	ErrNicknameTooShort = errors.New("nickname must be at least 3 characters")
	ErrNicknameTooLong  = errors.New("nickname must be at most 20 characters")
	ErrContentTooLong   = errors.New("message content exceeds maximum length (4096 bytes)")
	ErrEmptyContent     = errors.New("message content cannot be empty")
)

func validateNickname(nickname string) error {
	if len(nickname) < MinNicknameLength {
		return ErrNicknameTooShort
	}
	if len(nickname) > MaxNicknameLength {
		return ErrNicknameTooLong
	}
	return nil
}

func validateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len(content) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// NameRequestMessage (0x81) - Server asks the client for a nickname. No payload.
type NameRequestMessage struct{}

func (m *NameRequestMessage) EncodeTo(w io.Writer) error { return nil }

func (m *NameRequestMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *NameRequestMessage) Decode(payload []byte) error { return nil }

// UserNameMessage (0x01) - Candidate nickname for registration
type UserNameMessage struct {
	Nickname string
}

func (m *UserNameMessage) EncodeTo(w io.Writer) error {
	if err := validateNickname(m.Nickname); err != nil {
		return err
	}
	return WriteString(w, m.Nickname)
}

func (m *UserNameMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserNameMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	if err := validateNickname(nickname); err != nil {
		return err
	}
	m.Nickname = nickname
	return nil
}

// NameUsedMessage (0x82) - Registration rejected, nickname already in the chat. No payload.
type NameUsedMessage struct{}

func (m *NameUsedMessage) EncodeTo(w io.Writer) error { return nil }

func (m *NameUsedMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *NameUsedMessage) Decode(payload []byte) error { return nil }

// NameAcceptedMessage (0x83) - Registration accepted, carries the full roster snapshot
type NameAcceptedMessage struct {
	Roster []string // All currently registered nicknames, insertion order
}

func (m *NameAcceptedMessage) EncodeTo(w io.Writer) error {
	return WriteStringList(w, m.Roster)
}

func (m *NameAcceptedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *NameAcceptedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	roster, err := ReadStringList(buf)
	if err != nil {
		return err
	}
	m.Roster = roster
	return nil
}

// ChatMessage (0x02) - Broadcast chat text. The client leaves Sender empty;
// the server stamps it before fan-out so receivers never trust a
// client-supplied sender name.
type ChatMessage struct {
	Sender  string
	Content string
}

func (m *ChatMessage) EncodeTo(w io.Writer) error {
	if err := validateContent(m.Content); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *ChatMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ChatMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	if err := validateContent(content); err != nil {
		return err
	}
	m.Sender = sender
	m.Content = content
	return nil
}

// PrivateMessage (0x03) - Private chat text. Structured recipient/sender/body
// fields; recipient set by the client, sender stamped by the server on forward.
type PrivateMessage struct {
	Recipient string
	Sender    string
	Content   string
}

func (m *PrivateMessage) EncodeTo(w io.Writer) error {
	if err := validateContent(m.Content); err != nil {
		return err
	}
	if err := WriteString(w, m.Recipient); err != nil {
		return err
	}
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteString(w, m.Content)
}

func (m *PrivateMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *PrivateMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	recipient, err := ReadString(buf)
	if err != nil {
		return err
	}
	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	content, err := ReadString(buf)
	if err != nil {
		return err
	}
	if err := validateContent(content); err != nil {
		return err
	}
	m.Recipient = recipient
	m.Sender = sender
	m.Content = content
	return nil
}

// UsernameChangedMessage (0x04) - Rename request and announcement. The client
// sends only NewName; the server broadcast carries both OldName and NewName.
type UsernameChangedMessage struct {
	OldName string
	NewName string
}

func (m *UsernameChangedMessage) EncodeTo(w io.Writer) error {
	if err := validateNickname(m.NewName); err != nil {
		return err
	}
	if err := WriteString(w, m.OldName); err != nil {
		return err
	}
	return WriteString(w, m.NewName)
}

func (m *UsernameChangedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UsernameChangedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	oldName, err := ReadString(buf)
	if err != nil {
		return err
	}
	newName, err := ReadString(buf)
	if err != nil {
		return err
	}
	if err := validateNickname(newName); err != nil {
		return err
	}
	m.OldName = oldName
	m.NewName = newName
	return nil
}

// UserAddedMessage (0x84) - Presence notification: a user joined
type UserAddedMessage struct {
	Nickname string
}

func (m *UserAddedMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *UserAddedMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *UserAddedMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Nickname = nickname
	return nil
}

// RemovedUserMessage (0x85) - Presence notification: a user left
type RemovedUserMessage struct {
	Nickname string
}

func (m *RemovedUserMessage) EncodeTo(w io.Writer) error {
	return WriteString(w, m.Nickname)
}

func (m *RemovedUserMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *RemovedUserMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	nickname, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.Nickname = nickname
	return nil
}

// DisableUserMessage (0x05) - Client requests a graceful disconnect. No payload.
type DisableUserMessage struct{}

func (m *DisableUserMessage) EncodeTo(w io.Writer) error { return nil }

func (m *DisableUserMessage) Encode() ([]byte, error) { return []byte{}, nil }

func (m *DisableUserMessage) Decode(payload []byte) error { return nil }

// ErrorMessage (0x91) - Server-reported failure, delivered only to the
// initiating client.
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := m.EncodeTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)
	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}
	m.ErrorCode = code
	m.Message = message
	return nil
}

// KindName returns a human-readable name for a message kind, used in logs and
// metrics labels.
func KindName(kind uint8) string {
	switch kind {
	case TypeUserName:
		return "USER_NAME"
	case TypeTextMessage:
		return "TEXT_MESSAGE"
	case TypePrivateTextMessage:
		return "PRIVATE_TEXT_MESSAGE"
	case TypeUsernameChanged:
		return "USERNAME_CHANGED"
	case TypeDisableUser:
		return "DISABLE_USER"
	case TypeNameRequest:
		return "NAME_REQUEST"
	case TypeNameUsed:
		return "NAME_USED"
	case TypeNameAccepted:
		return "NAME_ACCEPTED"
	case TypeUserAdded:
		return "USER_ADDED"
	case TypeRemovedUser:
		return "REMOVED_USER"
	case TypeError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
