// Package roomlog maintains the authoritative ordered view of messages for
// the active chat room: an in-memory log reconciled from the initial bulk
// fetch plus the live insert stream. Appends are idempotent so that a live
// re-delivery of an already-known message (the optimistic-send/live-stream
// race) never produces a duplicate entry.
package roomlog

import (
	"context"
	"sync"

	"github.com/parley/chat-client/internal/platform"
)

// Log is the ordered, deduplicated message log for exactly one room scope.
// It is goroutine-safe: subscription callbacks deliver from transport
// goroutines.
type Log struct {
	mu     sync.Mutex
	roomID string
	msgs   []platform.Message
	ids    map[string]struct{}

	// onAppend is the fire-and-forget "scroll to newest" signal to the
	// presentation layer. Invoked outside the lock, only when the log grew.
	onAppend func(platform.Message)
}

// New creates an empty log for the given room scope. onAppend may be nil.
func New(roomID string, onAppend func(platform.Message)) *Log {
	return &Log{
		roomID:   roomID,
		ids:      make(map[string]struct{}),
		onAppend: onAppend,
	}
}

// RoomID returns the active room scope.
func (l *Log) RoomID() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.roomID
}

// Load replaces the log contents with the full history from the repository.
// On error the log is left empty; the caller degrades with a non-fatal
// notice rather than failing the screen.
func (l *Log) Load(ctx context.Context, repo platform.MessageRepository) error {
	l.mu.Lock()
	roomID := l.roomID
	l.mu.Unlock()

	history, err := repo.History(ctx, roomID)

	l.mu.Lock()
	defer l.mu.Unlock()

	// A Reset during the fetch rebound the scope; these results belong to
	// the old room and must not land in the new log.
	if l.roomID != roomID {
		return err
	}

	l.msgs = nil
	l.ids = make(map[string]struct{})
	if err == nil {
		for _, msg := range history {
			l.insertLocked(msg)
		}
	}
	return err
}

// Append inserts a message in timestamp order (id tiebreak). Inserting a
// message whose id is already present is a no-op. Returns whether the log
// changed; a successful append fires the scroll signal.
func (l *Log) Append(msg platform.Message) bool {
	l.mu.Lock()
	changed := l.insertLocked(msg)
	notify := l.onAppend
	l.mu.Unlock()

	if changed && notify != nil {
		notify(msg)
	}
	return changed
}

// HandleRemote is the live-subscription entry point. Events for other room
// scopes are filtered out before appending.
func (l *Log) HandleRemote(msg platform.Message) bool {
	l.mu.Lock()
	if msg.RoomID != l.roomID {
		l.mu.Unlock()
		return false
	}
	changed := l.insertLocked(msg)
	notify := l.onAppend
	l.mu.Unlock()

	if changed && notify != nil {
		notify(msg)
	}
	return changed
}

// insertLocked performs the ordered idempotent insert. Callers hold l.mu.
func (l *Log) insertLocked(msg platform.Message) bool {
	if _, ok := l.ids[msg.ID]; ok {
		return false
	}

	// Live events arrive in commit order, so the common case is a plain
	// append; walk back only as far as needed for late arrivals.
	i := len(l.msgs)
	for i > 0 && msg.Before(l.msgs[i-1]) {
		i--
	}

	l.msgs = append(l.msgs, platform.Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = msg
	l.ids[msg.ID] = struct{}{}
	return true
}

// Messages returns a snapshot of the log in display order.
func (l *Log) Messages() []platform.Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]platform.Message, len(l.msgs))
	copy(out, l.msgs)
	return out
}

// Len returns the number of messages in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}

// Reset discards the log wholesale and rebinds it to a new room scope.
// Called on room switch, after the old room's subscription is cancelled.
func (l *Log) Reset(roomID string) {
	l.mu.Lock()
	l.roomID = roomID
	l.msgs = nil
	l.ids = make(map[string]struct{})
	l.mu.Unlock()
}
