package server

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zurbaevi/chat/pkg/protocol"
	"github.com/zurbaevi/chat/pkg/transport"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

// registryChannel returns a channel whose peer end is drained in the
// background, so broadcast sends never block on the synchronous pipe.
func registryChannel(t *testing.T) *transport.Channel {
	t.Helper()
	a, b := net.Pipe()
	ch := transport.NewChannel(a)
	peer := transport.NewChannel(b)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, err := peer.Receive(); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		ch.Close()
		peer.Close()
		<-done
	})
	return ch
}

// collectingChannel returns a channel plus a function draining every frame
// received so far on the peer end.
func collectingChannel(t *testing.T) (*transport.Channel, func() []*protocol.Frame) {
	t.Helper()
	a, b := net.Pipe()
	ch := transport.NewChannel(a)
	peer := transport.NewChannel(b)

	var mu sync.Mutex
	var frames []*protocol.Frame
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			frame, err := peer.Receive()
			if err != nil {
				return
			}
			mu.Lock()
			frames = append(frames, frame)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ch.Close()
		peer.Close()
		<-done
	})

	collect := func() []*protocol.Frame {
		mu.Lock()
		defer mu.Unlock()
		out := make([]*protocol.Frame, len(frames))
		copy(out, frames)
		return out
	}
	return ch, collect
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	ch := registryChannel(t)

	require.NoError(t, r.Add("alice", ch))
	assert.Equal(t, 1, r.Count())

	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, ch, got)

	assert.True(t, r.Remove("alice"))
	assert.Equal(t, 0, r.Count())
	_, ok = r.Lookup("alice")
	assert.False(t, ok)
}

func TestRegistryDuplicateAdd(t *testing.T) {
	r := NewRegistry()
	first := registryChannel(t)
	second := registryChannel(t)

	require.NoError(t, r.Add("alice", first))
	assert.Equal(t, ErrNameTaken, r.Add("alice", second))

	// The original entry survives the rejected add
	got, ok := r.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestRegistryRemoveReportsPresence(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("alice", registryChannel(t)))

	// Only the first removal wins; racing cleanup paths rely on this to
	// announce the departure exactly once
	assert.True(t, r.Remove("alice"))
	assert.False(t, r.Remove("alice"))
	assert.False(t, r.Remove("never-there"))
}

func TestRegistryNameReusableAfterRemove(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Add("alice", registryChannel(t)))
	require.True(t, r.Remove("alice"))
	assert.NoError(t, r.Add("alice", registryChannel(t)))
}

func TestRegistrySnapshotOrder(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"carol", "alice", "bob"} {
		require.NoError(t, r.Add(name, registryChannel(t)))
	}

	assert.Equal(t, []string{"carol", "alice", "bob"}, r.Snapshot())

	// The snapshot is a copy; mutating it must not touch the registry
	snap := r.Snapshot()
	snap[0] = "mallory"
	assert.Equal(t, []string{"carol", "alice", "bob"}, r.Snapshot())
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	ch := registryChannel(t)
	require.NoError(t, r.Add("alice", ch))
	require.NoError(t, r.Add("bob", registryChannel(t)))

	t.Run("moves the entry", func(t *testing.T) {
		require.NoError(t, r.Rename("alice", "alice2"))

		_, ok := r.Lookup("alice")
		assert.False(t, ok)
		got, ok := r.Lookup("alice2")
		require.True(t, ok)
		assert.Same(t, ch, got)
	})

	t.Run("preserves roster position", func(t *testing.T) {
		assert.Equal(t, []string{"alice2", "bob"}, r.Snapshot())
	})

	t.Run("rejects taken target", func(t *testing.T) {
		assert.Equal(t, ErrNameTaken, r.Rename("alice2", "bob"))
		// Failed rename leaves the old entry intact
		_, ok := r.Lookup("alice2")
		assert.True(t, ok)
	})

	t.Run("rejects unknown source", func(t *testing.T) {
		assert.Equal(t, ErrNameUnknown, r.Rename("ghost", "whatever"))
	})

	t.Run("same name is a no-op", func(t *testing.T) {
		assert.NoError(t, r.Rename("alice2", "alice2"))
	})
}

func TestRegistryConcurrentAdds(t *testing.T) {
	r := NewRegistry()

	const contenders = 16
	var wg sync.WaitGroup
	results := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- r.Add("alice", registryChannel(t))
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else {
			assert.Equal(t, ErrNameTaken, err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, r.Count())
}

func TestRegistryConcurrentDistinctAdds(t *testing.T) {
	r := NewRegistry()

	const users = 32
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, r.Add(fmt.Sprintf("user-%d", i), registryChannel(t)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, users, r.Count())
	assert.Len(t, r.Snapshot(), users)
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	r := NewRegistry()
	chA, collectA := collectingChannel(t)
	chB, collectB := collectingChannel(t)
	require.NoError(t, r.Add("alice", chA))
	require.NoError(t, r.Add("bob", chB))

	frame, err := protocol.NewFrame(protocol.TypeTextMessage, &protocol.ChatMessage{
		Sender:  "bob",
		Content: "hello",
	})
	require.NoError(t, err)

	sent, failed := r.BroadcastExcept("bob", frame)
	assert.Equal(t, 1, sent)
	assert.Empty(t, failed)

	require.Eventually(t, func() bool { return len(collectA()) == 1 }, waitFor, tick)
	assert.Empty(t, collectB(), "sender must not receive its own broadcast")
}

func TestBroadcastExceptEmptySenderReachesAll(t *testing.T) {
	r := NewRegistry()
	chA, collectA := collectingChannel(t)
	chB, collectB := collectingChannel(t)
	require.NoError(t, r.Add("alice", chA))
	require.NoError(t, r.Add("bob", chB))

	frame, err := protocol.NewFrame(protocol.TypeUsernameChanged, &protocol.UsernameChangedMessage{
		OldName: "alice",
		NewName: "alicia",
	})
	require.NoError(t, err)

	sent, failed := r.BroadcastExcept("", frame)
	assert.Equal(t, 2, sent)
	assert.Empty(t, failed)

	require.Eventually(t, func() bool {
		return len(collectA()) == 1 && len(collectB()) == 1
	}, waitFor, tick)
}

func TestBroadcastExceptReportsFailedRecipients(t *testing.T) {
	r := NewRegistry()
	chA, collectA := collectingChannel(t)
	require.NoError(t, r.Add("alice", chA))

	// bob's channel is already closed; his send must fail without
	// preventing delivery to alice
	a, b := net.Pipe()
	dead := transport.NewChannel(a)
	b.Close()
	dead.Close()
	require.NoError(t, r.Add("bob", dead))

	frame, err := protocol.NewFrame(protocol.TypeUserAdded, &protocol.UserAddedMessage{Nickname: "carol"})
	require.NoError(t, err)

	sent, failed := r.BroadcastExcept("carol", frame)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"bob"}, failed)

	require.Eventually(t, func() bool { return len(collectA()) == 1 }, waitFor, tick)
}
