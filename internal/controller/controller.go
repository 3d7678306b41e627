// Package controller orchestrates one chat screen instance: it resolves the
// session identity, loads history, wires the live subscriptions into the
// room log, presence tracker and typing indicator, and owns their lifecycle
// from Initializing through Ready to an idempotent Terminated.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/parley/chat-client/internal/identity"
	"github.com/parley/chat-client/internal/metrics"
	"github.com/parley/chat-client/internal/platform"
	"github.com/parley/chat-client/internal/presence"
	"github.com/parley/chat-client/internal/roomlog"
	"github.com/parley/chat-client/internal/typing"
)

// State is the controller lifecycle state.
type State int

const (
	StateInitializing State = iota
	StateReady
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

var (
	// ErrRedirectLogin is the terminal outcome when no identity can be
	// resolved. The caller navigates to the login screen.
	ErrRedirectLogin = errors.New("controller: redirect to login")

	// ErrEmptyMessage rejects empty or whitespace-only sends. No write is
	// issued.
	ErrEmptyMessage = errors.New("controller: empty message")

	// ErrNotReady is returned by operations invoked outside the Ready state.
	ErrNotReady = errors.New("controller: not ready")
)

// Platform bundles the injected backend capabilities. Rooms may be nil;
// room metadata and templates are then skipped.
type Platform struct {
	Repo     platform.MessageRepository
	Rooms    platform.RoomDirectory
	Stream   platform.MessageStream
	Presence platform.PresenceChannel
	Typing   platform.BroadcastChannel
}

// Config holds presentation callbacks and tuning. All callbacks are
// fire-and-forget and may be nil.
type Config struct {
	// OnScroll is the "scroll to newest" signal, fired on every appended
	// message.
	OnScroll func(platform.Message)
	// OnNotice surfaces non-fatal, dismissible warnings to the user.
	OnNotice func(string)
	// Typing overrides the typing indicator defaults (tests use short timers).
	Typing typing.Config
}

// Controller drives one chat screen. All mutable collaborators (room log,
// presence set, typing state) are owned exclusively by this instance and
// discarded on teardown.
type Controller struct {
	p      Platform
	res    identity.Resolver
	config Config

	mu        sync.Mutex
	state     State
	self      identity.Identity
	room      *platform.Room
	templates []platform.Template
	streamSub platform.Subscription
	subs      []platform.Subscription // presence sync + typing events

	log       *roomlog.Log
	tracker   *presence.Tracker
	indicator *typing.Indicator

	closeOnce sync.Once
}

// New creates a controller for the given room. Nothing runs until Start.
func New(p Platform, res identity.Resolver, roomID string, config Config) *Controller {
	c := &Controller{
		p:      p,
		res:    res,
		config: config,
		state:  StateInitializing,
	}
	c.log = roomlog.New(roomID, config.OnScroll)
	return c
}

// Start resolves the session identity, loads history and room metadata, and
// brings up the live subscriptions. On identity resolution failure the
// controller transitions directly to Terminated and returns an error
// matching ErrRedirectLogin; every other failure degrades with a notice
// instead of blocking the screen.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateInitializing {
		c.mu.Unlock()
		return fmt.Errorf("%w: state %s", ErrNotReady, c.state)
	}
	c.mu.Unlock()

	self, err := c.res.Current(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateTerminated
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrRedirectLogin, err)
	}

	c.mu.Lock()
	c.self = self
	c.tracker = presence.NewTracker(c.p.Presence, self)
	c.indicator = typing.NewIndicator(c.p.Typing, self.Handle, c.config.Typing)
	roomID := c.log.RoomID()
	c.mu.Unlock()

	c.loadDirectory(ctx, roomID)
	c.loadHistory(ctx)

	streamSub, err := c.p.Stream.Subscribe(roomID, c.handleRemoteInsert)
	if err != nil {
		log.Printf("[controller] live subscription failed: %v", err)
		c.notice("live updates unavailable, messages may be delayed")
	}

	presSub, err := c.p.Presence.OnSync(c.handlePresenceSync)
	if err != nil {
		log.Printf("[controller] presence subscription failed: %v", err)
	}
	if err := c.tracker.Join(ctx); err != nil {
		log.Printf("[controller] presence join failed: %v", err)
	}

	typSub, err := c.p.Typing.OnEvent(c.handleTypingEvent)
	if err != nil {
		log.Printf("[controller] typing subscription failed: %v", err)
	}

	c.mu.Lock()
	c.streamSub = streamSub
	if presSub != nil {
		c.subs = append(c.subs, presSub)
	}
	if typSub != nil {
		c.subs = append(c.subs, typSub)
	}
	c.state = StateReady
	c.mu.Unlock()

	log.Printf("[controller] ready room=%s user=%s", roomID, self.Handle)
	return nil
}

// loadDirectory fetches room metadata and templates. Both are best-effort.
func (c *Controller) loadDirectory(ctx context.Context, roomID string) {
	if c.p.Rooms == nil {
		return
	}

	room, err := c.p.Rooms.Room(ctx, roomID)
	if err != nil {
		log.Printf("[controller] room lookup failed: %v", err)
	}
	templates, err := c.p.Rooms.Templates(ctx)
	if err != nil {
		log.Printf("[controller] template fetch failed: %v", err)
	}

	c.mu.Lock()
	c.room = room
	c.templates = templates
	c.mu.Unlock()
}

// loadHistory performs the initial bulk fetch. A FetchError degrades to an
// empty log with a non-fatal notice.
func (c *Controller) loadHistory(ctx context.Context) {
	start := time.Now()
	if err := c.log.Load(ctx, c.p.Repo); err != nil {
		log.Printf("[controller] history load failed: %v", err)
		c.notice("could not load message history")
		return
	}
	metrics.HistoryLoadDuration.Observe(time.Since(start).Seconds())
}

// handleRemoteInsert receives live message events. Events for other rooms
// and re-deliveries of known ids never mutate the log.
func (c *Controller) handleRemoteInsert(msg platform.Message) {
	if c.State() == StateTerminated {
		return
	}
	if msg.RoomID != c.log.RoomID() {
		return
	}
	if c.log.HandleRemote(msg) {
		metrics.MessagesReceived.Inc()
	} else {
		metrics.DuplicatesSuppressed.Inc()
	}
}

func (c *Controller) handlePresenceSync(entries []platform.PresenceEntry) {
	if c.State() == StateTerminated {
		return
	}
	c.tracker.ApplySync(entries)
}

func (c *Controller) handleTypingEvent(event platform.TypingEvent) {
	if c.State() == StateTerminated {
		return
	}
	c.indicator.HandleRemote(event)
}

// Send trims and persists a message. Empty or whitespace-only text is
// rejected without issuing a write. There is no optimistic local append:
// the log updates when the live-subscription echo arrives. On a write
// failure the caller's draft stays intact for retry.
func (c *Controller) Send(ctx context.Context, text string) error {
	if c.State() != StateReady {
		return ErrNotReady
	}

	body := strings.TrimSpace(text)
	if body == "" {
		return ErrEmptyMessage
	}

	c.indicator.Reset()

	c.mu.Lock()
	self := c.self
	c.mu.Unlock()

	msg := platform.Message{
		RoomID:       c.log.RoomID(),
		AuthorID:     self.ID,
		AuthorHandle: self.Handle,
		Body:         body,
	}
	if err := c.p.Repo.Insert(ctx, msg); err != nil {
		log.Printf("[controller] send failed: %v", err)
		c.notice("message not sent, try again")
		return err
	}
	metrics.MessagesSent.Inc()
	return nil
}

// Keystroke forwards local typing activity to the indicator.
func (c *Controller) Keystroke() {
	if c.State() != StateReady {
		return
	}
	c.indicator.Keystroke()
}

// SwitchRoom moves the screen to another room: the old live subscription is
// cancelled and the log reset before anything for the new room starts, so
// an event for the previous room can never land in the new room's log.
func (c *Controller) SwitchRoom(ctx context.Context, roomID string) error {
	c.mu.Lock()
	if c.state != StateReady {
		c.mu.Unlock()
		return ErrNotReady
	}
	old := c.streamSub
	c.streamSub = nil
	c.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			log.Printf("[controller] unsubscribe old room: %v", err)
		}
	}

	c.log.Reset(roomID)
	c.loadDirectory(ctx, roomID)
	c.loadHistory(ctx)

	streamSub, err := c.p.Stream.Subscribe(roomID, c.handleRemoteInsert)
	if err != nil {
		log.Printf("[controller] live subscription failed: %v", err)
		c.notice("live updates unavailable, messages may be delayed")
	}

	c.mu.Lock()
	c.streamSub = streamSub
	c.mu.Unlock()

	log.Printf("[controller] switched to room=%s", roomID)
	return nil
}

// Close tears the screen down: all live channels are unsubscribed and the
// pending typing timer cancelled. Runs exactly once; calling it again is a
// no-op.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateTerminated
		subs := c.subs
		if c.streamSub != nil {
			subs = append(subs, c.streamSub)
		}
		c.subs = nil
		c.streamSub = nil
		indicator := c.indicator
		c.mu.Unlock()

		for _, sub := range subs {
			if err := sub.Unsubscribe(); err != nil {
				log.Printf("[controller] unsubscribe on teardown: %v", err)
			}
		}
		if indicator != nil {
			indicator.Close()
		}
		log.Printf("[controller] terminated")
	})
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the resolved session identity. Zero until Ready.
func (c *Controller) Identity() identity.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Room returns the active room's metadata, or nil when unknown.
func (c *Controller) Room() *platform.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

// Templates returns the admin-managed canned messages.
func (c *Controller) Templates() []platform.Template {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.templates
}

// Messages returns the current room log in display order.
func (c *Controller) Messages() []platform.Message {
	return c.log.Messages()
}

// Online returns the currently online identities (excluding self).
func (c *Controller) Online() []platform.PresenceEntry {
	c.mu.Lock()
	tracker := c.tracker
	c.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Online()
}

// TypingUsers returns the handles currently typing.
func (c *Controller) TypingUsers() []string {
	c.mu.Lock()
	indicator := c.indicator
	c.mu.Unlock()
	if indicator == nil {
		return nil
	}
	return indicator.Active()
}

// notice surfaces a dismissible warning to the presentation layer.
func (c *Controller) notice(message string) {
	if c.config.OnNotice != nil {
		c.config.OnNotice(message)
	}
}
