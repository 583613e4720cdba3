package server

import (
	"errors"
	"sync"

	"github.com/zurbaevi/chat/pkg/protocol"
	"github.com/zurbaevi/chat/pkg/transport"
)

var (
	// ErrNameTaken is returned by Add and Rename when the nickname is
	// already registered.
	ErrNameTaken = errors.New("nickname already in use")
	// ErrNameUnknown is returned by Rename when the old nickname has no entry.
	ErrNameUnknown = errors.New("nickname not registered")
)

// Registry is the server's source of truth for who is online: an insertion-
// ordered concurrent map of nickname to live transport channel. The Registry
// holds non-owning references; each session handler owns its channel and is
// responsible for closing it.
//
// Locking discipline: Add, Remove and Rename are mutually exclusive with each
// other and with snapshot/broadcast iteration. Lookup and Snapshot take the
// read lock, so they always observe fully-formed entries. Broadcast sends
// happen on a copied slice outside the lock so a slow receiver can never
// block a structural change.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*transport.Channel
	order   []string // Nicknames in insertion order, for roster snapshots
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*transport.Channel),
	}
}

// Add inserts a nickname → channel entry. Fails with ErrNameTaken if the
// nickname is already present; the existing entry is left untouched.
func (r *Registry) Add(nickname string, ch *transport.Channel) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[nickname]; exists {
		return ErrNameTaken
	}
	r.entries[nickname] = ch
	r.order = append(r.order, nickname)
	return nil
}

// Remove deletes the entry for nickname and reports whether it was present.
// Removing an absent nickname is not an error; the bool lets the disconnect
// path broadcast the departure exactly once even when two goroutines race to
// remove the same user.
func (r *Registry) Remove(nickname string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[nickname]; !exists {
		return false
	}
	delete(r.entries, nickname)
	for i, n := range r.order {
		if n == nickname {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Lookup returns the live channel for nickname, used for private-message
// routing.
func (r *Registry) Lookup(nickname string) (*transport.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ch, ok := r.entries[nickname]
	return ch, ok
}

// Snapshot returns a point-in-time copy of all registered nicknames in
// insertion order. The returned slice is owned by the caller.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roster := make([]string, len(r.order))
	copy(roster, r.order)
	return roster
}

// Count returns the number of registered users.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.entries)
}

// Rename moves the entry for old to new as a single logical transition: no
// observer can see both names resolve at once, and if the rename fails the
// old entry is untouched. The roster position is preserved so renames don't
// reshuffle the insertion order delivered to new joiners.
func (r *Registry) Rename(old, new string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old == new {
		return nil
	}
	ch, exists := r.entries[old]
	if !exists {
		return ErrNameUnknown
	}
	if _, taken := r.entries[new]; taken {
		return ErrNameTaken
	}

	delete(r.entries, old)
	r.entries[new] = ch
	for i, n := range r.order {
		if n == old {
			r.order[i] = new
			break
		}
	}
	return nil
}

// BroadcastExcept encodes frame once and sends it to every registered channel
// except the sender's. A failed send to one recipient never prevents delivery
// attempts to the others. Returns the number of successful deliveries and the
// nicknames whose sends failed, so the caller can run its disconnect path for
// each. An empty sender matches nobody, which turns this into a broadcast to
// all.
func (r *Registry) BroadcastExcept(sender string, frame *protocol.Frame) (int, []string) {
	data, err := protocol.EncodeToBytes(frame)
	if err != nil {
		// Encoding is deterministic; a failure here is a programming error
		// on the caller's side, not a per-recipient condition.
		errorLog.Printf("BroadcastExcept: encode failed: %v", err)
		return 0, nil
	}

	type target struct {
		nickname string
		ch       *transport.Channel
	}

	r.mu.RLock()
	targets := make([]target, 0, len(r.order))
	for _, nickname := range r.order {
		if nickname == sender {
			continue
		}
		targets = append(targets, target{nickname: nickname, ch: r.entries[nickname]})
	}
	r.mu.RUnlock()

	var failed []string
	sent := 0
	for _, t := range targets {
		if err := t.ch.WriteBytes(data); err != nil {
			debugLog.Printf("Broadcast to %q failed: %v", t.nickname, err)
			failed = append(failed, t.nickname)
			continue
		}
		sent++
	}
	return sent, failed
}
