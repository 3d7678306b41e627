// Package presence tracks which other identities are currently online on
// the shared presence channel. State is reconciled from full snapshots: the
// latest snapshot always wins and fully replaces prior state, so a missed
// "leave" event can never strand a ghost entry.
package presence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parley/chat-client/internal/identity"
	"github.com/parley/chat-client/internal/metrics"
	"github.com/parley/chat-client/internal/platform"
)

// Tracker maintains the known-online set for one chat screen.
type Tracker struct {
	channel platform.PresenceChannel
	self    identity.Identity

	mu     sync.Mutex
	online map[string]platform.PresenceEntry // user id -> entry
}

// NewTracker creates a tracker for the given identity. The local identity is
// excluded from the tracked set.
func NewTracker(channel platform.PresenceChannel, self identity.Identity) *Tracker {
	return &Tracker{
		channel: channel,
		self:    self,
		online:  make(map[string]platform.PresenceEntry),
	}
}

// Join announces this client's presence on the shared channel. The channel
// re-announces after reconnect; entries are keyed by user id so repeated
// announcements never leak duplicates. Presence is best-effort: callers log
// errors and carry on.
func (t *Tracker) Join(ctx context.Context) error {
	return t.channel.Track(ctx, platform.PresenceEntry{
		UserID:   t.self.ID,
		Handle:   t.self.Handle,
		JoinedAt: time.Now(),
	})
}

// ApplySync replaces the entire known-online set with the snapshot contents,
// excluding the local identity. Any identity missing from the snapshot is
// considered offline as of that snapshot.
func (t *Tracker) ApplySync(entries []platform.PresenceEntry) {
	next := make(map[string]platform.PresenceEntry, len(entries))
	for _, entry := range entries {
		if entry.UserID == "" || entry.UserID == t.self.ID {
			continue
		}
		next[entry.UserID] = entry
	}

	t.mu.Lock()
	t.online = next
	t.mu.Unlock()

	metrics.OnlineUsers.Set(float64(len(next)))
}

// Online returns the current online entries sorted by handle for stable
// rendering.
func (t *Tracker) Online() []platform.PresenceEntry {
	t.mu.Lock()
	out := make([]platform.PresenceEntry, 0, len(t.online))
	for _, entry := range t.online {
		out = append(out, entry)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// IsOnline reports whether the given user id is in the tracked set.
func (t *Tracker) IsOnline(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.online[userID]
	return ok
}
