package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserNameMessage(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg := &UserNameMessage{Nickname: "alice"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded UserNameMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, "alice", decoded.Nickname)
	})

	t.Run("nickname too short", func(t *testing.T) {
		msg := &UserNameMessage{Nickname: "ab"}
		_, err := msg.Encode()
		assert.Equal(t, ErrNicknameTooShort, err)
	})

	t.Run("nickname too long", func(t *testing.T) {
		msg := &UserNameMessage{Nickname: strings.Repeat("a", MaxNicknameLength+1)}
		_, err := msg.Encode()
		assert.Equal(t, ErrNicknameTooLong, err)
	})

	t.Run("decode validates too", func(t *testing.T) {
		// A hostile client can bypass Encode; Decode must still reject
		raw := []byte{0x00, 0x01, 'x'}
		var decoded UserNameMessage
		assert.Equal(t, ErrNicknameTooShort, decoded.Decode(raw))
	})

	t.Run("decode truncated payload", func(t *testing.T) {
		var decoded UserNameMessage
		assert.Error(t, decoded.Decode([]byte{0x00, 0x10, 'a', 'b'}))
	})
}

func TestNameAcceptedMessage(t *testing.T) {
	t.Run("roster order preserved", func(t *testing.T) {
		msg := &NameAcceptedMessage{Roster: []string{"alice", "bob", "carol"}}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded NameAcceptedMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, []string{"alice", "bob", "carol"}, decoded.Roster)
	})

	t.Run("empty roster", func(t *testing.T) {
		msg := &NameAcceptedMessage{}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded NameAcceptedMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Empty(t, decoded.Roster)
	})
}

func TestChatMessage(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg := &ChatMessage{Sender: "alice", Content: "hello everyone"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded ChatMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, "alice", decoded.Sender)
		assert.Equal(t, "hello everyone", decoded.Content)
	})

	t.Run("empty sender allowed", func(t *testing.T) {
		// Clients leave the sender blank; the server stamps it on fan-out
		msg := &ChatMessage{Content: "hi"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded ChatMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Empty(t, decoded.Sender)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		msg := &ChatMessage{Sender: "alice"}
		_, err := msg.Encode()
		assert.Equal(t, ErrEmptyContent, err)
	})

	t.Run("oversized content rejected", func(t *testing.T) {
		msg := &ChatMessage{Sender: "alice", Content: strings.Repeat("x", MaxContentLength+1)}
		_, err := msg.Encode()
		assert.Equal(t, ErrContentTooLong, err)
	})

	t.Run("unicode content", func(t *testing.T) {
		msg := &ChatMessage{Sender: "alice", Content: "héllo wörld 你好 🎉"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded ChatMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, msg.Content, decoded.Content)
	})
}

func TestPrivateMessage(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		msg := &PrivateMessage{Recipient: "bob", Sender: "alice", Content: "psst"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded PrivateMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, "bob", decoded.Recipient)
		assert.Equal(t, "alice", decoded.Sender)
		assert.Equal(t, "psst", decoded.Content)
	})

	t.Run("content with spaces and separators", func(t *testing.T) {
		// Structured fields mean bodies never collide with routing data
		msg := &PrivateMessage{Recipient: "bob", Sender: "alice", Content: "meet bob & carol: 5pm"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded PrivateMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, "bob", decoded.Recipient)
		assert.Equal(t, msg.Content, decoded.Content)
	})

	t.Run("empty content rejected", func(t *testing.T) {
		msg := &PrivateMessage{Recipient: "bob", Sender: "alice"}
		_, err := msg.Encode()
		assert.Equal(t, ErrEmptyContent, err)
	})
}

func TestUsernameChangedMessage(t *testing.T) {
	t.Run("request carries only new name", func(t *testing.T) {
		msg := &UsernameChangedMessage{NewName: "alice2"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded UsernameChangedMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Empty(t, decoded.OldName)
		assert.Equal(t, "alice2", decoded.NewName)
	})

	t.Run("announcement carries both names", func(t *testing.T) {
		msg := &UsernameChangedMessage{OldName: "alice", NewName: "alice2"}
		payload, err := msg.Encode()
		require.NoError(t, err)

		var decoded UsernameChangedMessage
		require.NoError(t, decoded.Decode(payload))
		assert.Equal(t, "alice", decoded.OldName)
		assert.Equal(t, "alice2", decoded.NewName)
	})

	t.Run("invalid new name rejected", func(t *testing.T) {
		msg := &UsernameChangedMessage{NewName: "x"}
		_, err := msg.Encode()
		assert.Equal(t, ErrNicknameTooShort, err)
	})
}

func TestErrorMessage(t *testing.T) {
	msg := &ErrorMessage{ErrorCode: ErrCodeMessageRateLimit, Message: "slow down"}
	payload, err := msg.Encode()
	require.NoError(t, err)

	var decoded ErrorMessage
	require.NoError(t, decoded.Decode(payload))
	assert.Equal(t, uint16(ErrCodeMessageRateLimit), decoded.ErrorCode)
	assert.Equal(t, "slow down", decoded.Message)
}

func TestEmptyPayloadMessages(t *testing.T) {
	for name, msg := range map[string]Message{
		"NameRequest": &NameRequestMessage{},
		"NameUsed":    &NameUsedMessage{},
		"DisableUser": &DisableUserMessage{},
	} {
		t.Run(name, func(t *testing.T) {
			payload, err := msg.Encode()
			require.NoError(t, err)
			assert.Empty(t, payload)
			assert.NoError(t, msg.Decode(payload))
		})
	}
}

func TestKindName(t *testing.T) {
	assert.Equal(t, "USER_NAME", KindName(TypeUserName))
	assert.Equal(t, "NAME_ACCEPTED", KindName(TypeNameAccepted))
	assert.Equal(t, "UNKNOWN", KindName(0x7F))
}
