// Package natsbus implements the live side of the platform boundary over
// NATS subjects: per-room message streams, the shared presence channel, and
// the ephemeral typing broadcast channel. It handles connection lifecycle,
// tracked subscriptions, and re-announcing presence after a reconnect.
package natsbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/parley/chat-client/internal/platform"
)

// NATS subject patterns used by the chat backend.
const (
	SubjectPresence     = "room.presence"      // client track announcements
	SubjectPresenceSync = "room.presence.sync" // full snapshots from the backend
	SubjectTyping       = "room.typing"        // fire-and-forget typing events
)

// subjectMessages is the live insert stream for one room.
func subjectMessages(roomID string) string {
	return "room." + roomID + ".messages"
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "parley-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Bus wraps the NATS connection. It implements platform.MessageStream,
// platform.PresenceChannel and platform.BroadcastChannel.
type Bus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[*nats.Subscription]struct{}
	lastTrack *platform.PresenceEntry // re-announced after reconnect
}

// Connect establishes a NATS connection with the given config and returns a
// ready bus. It returns an error if the initial connection fails.
func Connect(config Config) (*Bus, error) {
	b := &Bus{subs: make(map[*nats.Subscription]struct{})}

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
			b.reannounce()
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	b.conn = nc
	return b, nil
}

// Subscribe registers a handler for newly persisted messages in the room.
// Payloads that fail to decode or validate are dropped with a log line.
func (b *Bus) Subscribe(roomID string, handler func(platform.Message)) (platform.Subscription, error) {
	subject := subjectMessages(roomID)
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		var m platform.Message
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			log.Printf("[nats] message decode error on %s: %v", subject, err)
			return
		}
		if err := m.Validate(); err != nil {
			log.Printf("[nats] dropping malformed message event: %v", err)
			return
		}
		handler(m)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	return b.track(sub), nil
}

// Track announces this client's presence. The entry is remembered so it can
// be re-announced after a transport reconnect.
func (b *Bus) Track(ctx context.Context, entry platform.PresenceEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("nats: marshal presence entry: %w", err)
	}

	b.mu.Lock()
	b.lastTrack = &entry
	b.mu.Unlock()

	if err := b.conn.Publish(SubjectPresence, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectPresence, err)
	}
	return nil
}

// OnSync registers a handler for full-state presence snapshots.
func (b *Bus) OnSync(handler func([]platform.PresenceEntry)) (platform.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectPresenceSync, func(msg *nats.Msg) {
		var entries []platform.PresenceEntry
		if err := json.Unmarshal(msg.Data, &entries); err != nil {
			log.Printf("[nats] presence snapshot decode error: %v", err)
			return
		}
		handler(entries)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", SubjectPresenceSync, err)
	}
	return b.track(sub), nil
}

// Send publishes a typing event. Fire-and-forget: no delivery guarantee.
func (b *Bus) Send(event platform.TypingEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("nats: marshal typing event: %w", err)
	}
	if err := b.conn.Publish(SubjectTyping, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", SubjectTyping, err)
	}
	return nil
}

// OnEvent registers a handler for typing events from other clients.
func (b *Bus) OnEvent(handler func(platform.TypingEvent)) (platform.Subscription, error) {
	sub, err := b.conn.Subscribe(SubjectTyping, func(msg *nats.Msg) {
		var event platform.TypingEvent
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			log.Printf("[nats] typing event decode error: %v", err)
			return
		}
		handler(event)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", SubjectTyping, err)
	}
	return b.track(sub), nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", sub.Subject, err)
		}
	}
	b.subs = make(map[*nats.Subscription]struct{})

	if err := b.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}
	log.Printf("[nats] bus closed")
}

// track registers a live subscription and wraps it in an idempotent
// cancellation handle.
func (b *Bus) track(sub *nats.Subscription) platform.Subscription {
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return platform.SubscriptionFunc(func() error {
		var err error
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			err = sub.Unsubscribe()
		})
		return err
	})
}

// reannounce re-publishes the last tracked presence entry. Called from the
// reconnect handler so the backend's next snapshot includes this client
// without a duplicate entry (entries are keyed by user id).
func (b *Bus) reannounce() {
	b.mu.Lock()
	entry := b.lastTrack
	b.mu.Unlock()

	if entry == nil {
		return
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := b.conn.Publish(SubjectPresence, data); err != nil {
		log.Printf("[nats] presence re-announce failed: %v", err)
	}
}
