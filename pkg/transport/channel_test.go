package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurbaevi/chat/pkg/protocol"
)

func pipeChannels(t *testing.T) (*Channel, *Channel) {
	t.Helper()
	a, b := net.Pipe()
	ca, cb := NewChannel(a), NewChannel(b)
	t.Cleanup(func() {
		ca.Close()
		cb.Close()
	})
	return ca, cb
}

func TestChannelSendReceive(t *testing.T) {
	sender, receiver := pipeChannels(t)

	go func() {
		sender.Send(protocol.TypeTextMessage, &protocol.ChatMessage{
			Sender:  "alice",
			Content: "hello",
		})
	}()

	frame, err := receiver.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint8(protocol.TypeTextMessage), frame.Kind)

	var msg protocol.ChatMessage
	require.NoError(t, msg.Decode(frame.Payload))
	assert.Equal(t, "alice", msg.Sender)
	assert.Equal(t, "hello", msg.Content)
}

func TestChannelSendEncodableError(t *testing.T) {
	sender, _ := pipeChannels(t)

	// Invalid message never touches the wire
	err := sender.Send(protocol.TypeUserName, &protocol.UserNameMessage{Nickname: "x"})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, protocol.ErrNicknameTooShort)
}

func TestChannelCloseIdempotent(t *testing.T) {
	a, _ := net.Pipe()
	ch := NewChannel(a)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
}

func TestChannelUseAfterClose(t *testing.T) {
	a, _ := net.Pipe()
	ch := NewChannel(a)
	require.NoError(t, ch.Close())

	err := ch.Send(protocol.TypeDisableUser, &protocol.DisableUserMessage{})
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, ErrClosed)

	_, err = ch.Receive()
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, ErrClosed)

	err = ch.WriteBytes([]byte{0x00})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelPeerDisconnect(t *testing.T) {
	a, b := net.Pipe()
	ch := NewChannel(a)
	defer ch.Close()

	b.Close()

	_, err := ch.Receive()
	require.Error(t, err)
	assert.True(t, IsTransportError(err))

	var te *Error
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "receive", te.Op)
}

// TestChannelConcurrentSends verifies frames from concurrent senders never
// interleave: the receiver must be able to decode every frame intact.
func TestChannelConcurrentSends(t *testing.T) {
	sender, receiver := pipeChannels(t)

	const writers = 8
	const perWriter = 25

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				msg := &protocol.ChatMessage{
					Sender:  fmt.Sprintf("writer-%d", w),
					Content: fmt.Sprintf("message %d from writer %d", i, w),
				}
				if err := sender.Send(protocol.TypeTextMessage, msg); err != nil {
					return
				}
			}
		}(w)
	}

	received := make(map[string]int)
	for i := 0; i < writers*perWriter; i++ {
		frame, err := receiver.Receive()
		require.NoError(t, err)

		var msg protocol.ChatMessage
		require.NoError(t, msg.Decode(frame.Payload), "frame %d corrupted", i)
		received[msg.Sender]++
	}
	wg.Wait()

	for w := 0; w < writers; w++ {
		assert.Equal(t, perWriter, received[fmt.Sprintf("writer-%d", w)])
	}
}

func TestChannelWriteBytesFanOut(t *testing.T) {
	// One encode, same bytes to two receivers
	frame, err := protocol.NewFrame(protocol.TypeUserAdded, &protocol.UserAddedMessage{Nickname: "dave"})
	require.NoError(t, err)
	data, err := protocol.EncodeToBytes(frame)
	require.NoError(t, err)

	s1, r1 := pipeChannels(t)
	s2, r2 := pipeChannels(t)

	go s1.WriteBytes(data)
	go s2.WriteBytes(data)

	for _, r := range []*Channel{r1, r2} {
		got, err := r.Receive()
		require.NoError(t, err)
		assert.Equal(t, uint8(protocol.TypeUserAdded), got.Kind)

		var msg protocol.UserAddedMessage
		require.NoError(t, msg.Decode(got.Payload))
		assert.Equal(t, "dave", msg.Nickname)
	}
}
