// Package platform defines the capabilities the chat core consumes from the
// external backend: durable message storage, a live insert stream, a shared
// presence channel, and a fire-and-forget broadcast channel. Concrete
// adapters live in the subpackages (postgres, natsbus, realtimews); the core
// components receive these interfaces explicitly so any of them can be
// substituted with a test double.
package platform

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is a single persisted chat message. IDs are opaque and unique
// within a room; creation timestamps are assigned server-side and define
// the display order.
type Message struct {
	ID           string    `json:"id"`
	RoomID       string    `json:"room_id"`
	AuthorID     string    `json:"author_id"`
	AuthorHandle string    `json:"author_handle"`
	Body         string    `json:"body"`
	CreatedAt    time.Time `json:"created_at"`
}

// Before reports whether m sorts before other in a room log: ascending by
// creation timestamp, ties broken by id.
func (m Message) Before(other Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Validate checks the fields every consumer of a Message relies on.
// Rows and stream payloads failing validation are rejected at the adapter
// boundary instead of propagating half-empty records into the log.
func (m Message) Validate() error {
	if m.ID == "" {
		return fmt.Errorf("platform: message missing id")
	}
	if m.RoomID == "" {
		return fmt.Errorf("platform: message %s missing room id", m.ID)
	}
	if m.AuthorID == "" {
		return fmt.Errorf("platform: message %s missing author id", m.ID)
	}
	if strings.TrimSpace(m.Body) == "" {
		return fmt.Errorf("platform: message %s has empty body", m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("platform: message %s missing creation timestamp", m.ID)
	}
	return nil
}

// PresenceEntry is one identity currently considered online on the shared
// presence channel. Existence of an entry means online; absence means
// offline.
type PresenceEntry struct {
	UserID   string    `json:"user_id"`
	Handle   string    `json:"handle"`
	JoinedAt time.Time `json:"joined_at"`
}

// TypingEvent is an ephemeral typing signal broadcast between clients.
// It is never persisted.
type TypingEvent struct {
	Handle string    `json:"handle"`
	Active bool      `json:"active"`
	SentAt time.Time `json:"sent_at"`
}

// Room is the metadata record for a chat room.
type Room struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Template is an admin-managed canned message users can pick from.
type Template struct {
	ID        string
	Content   string
	CreatedAt time.Time
}

// Subscription is a cancellable handle returned by every live registration.
// Unsubscribe must be safe to call more than once.
type Subscription interface {
	Unsubscribe() error
}

// MessageRepository is the durable message store.
type MessageRepository interface {
	// History returns the full existing history for a room, ascending by
	// creation timestamp with id tiebreak. Failures are wrapped in *FetchError.
	History(ctx context.Context, roomID string) ([]Message, error)
	// Insert durably writes a message. Failures are wrapped in *WriteError.
	Insert(ctx context.Context, msg Message) error
}

// RoomDirectory serves room metadata and message templates. Both reads are
// best-effort from the chat screen's point of view.
type RoomDirectory interface {
	Room(ctx context.Context, roomID string) (*Room, error)
	Templates(ctx context.Context) ([]Template, error)
}

// MessageStream delivers newly persisted messages for a room as they commit.
// Events arrive in server-commit order.
type MessageStream interface {
	Subscribe(roomID string, handler func(Message)) (Subscription, error)
}

// PresenceChannel is the shared online-presence channel. Implementations
// must re-announce tracked state after a transport reconnect.
type PresenceChannel interface {
	Track(ctx context.Context, entry PresenceEntry) error
	// OnSync registers a handler for full-state presence snapshots. Each
	// snapshot supersedes all prior state.
	OnSync(handler func([]PresenceEntry)) (Subscription, error)
}

// BroadcastChannel is a fire-and-forget ephemeral event channel with no
// delivery guarantee.
type BroadcastChannel interface {
	Send(event TypingEvent) error
	OnEvent(handler func(TypingEvent)) (Subscription, error)
}

// SubscriptionFunc adapts a cancel function into a Subscription.
type SubscriptionFunc func() error

// Unsubscribe calls the wrapped function.
func (f SubscriptionFunc) Unsubscribe() error { return f() }
