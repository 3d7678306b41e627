package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley/chat-client/internal/identity"
	"github.com/parley/chat-client/internal/platform"
	"github.com/parley/chat-client/internal/typing"
)

func msg(id, room string, ts int64) platform.Message {
	return platform.Message{
		ID:           id,
		RoomID:       room,
		AuthorID:     "u-" + id,
		AuthorHandle: "user@" + id,
		Body:         "body " + id,
		CreatedAt:    time.Unix(ts, 0),
	}
}

type fakeResolver struct {
	id  identity.Identity
	err error
}

func (r *fakeResolver) Current(ctx context.Context) (identity.Identity, error) {
	return r.id, r.err
}

type fakeRepo struct {
	mu         sync.Mutex
	history    []platform.Message
	historyErr error
	inserted   []platform.Message
	insertErr  error
}

func (r *fakeRepo) History(ctx context.Context, roomID string) ([]platform.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.historyErr != nil {
		return nil, r.historyErr
	}
	var out []platform.Message
	for _, m := range r.history {
		if m.RoomID == roomID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *fakeRepo) Insert(ctx context.Context, m platform.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	r.inserted = append(r.inserted, m)
	return nil
}

func (r *fakeRepo) insertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inserted)
}

type fakeSub struct {
	calls int32
}

func (s *fakeSub) Unsubscribe() error {
	atomic.AddInt32(&s.calls, 1)
	return nil
}

func (s *fakeSub) count() int32 { return atomic.LoadInt32(&s.calls) }

type fakeStream struct {
	mu       sync.Mutex
	handlers map[string]func(platform.Message)
	subs     map[string]*fakeSub
	err      error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		handlers: make(map[string]func(platform.Message)),
		subs:     make(map[string]*fakeSub),
	}
}

func (s *fakeStream) Subscribe(roomID string, handler func(platform.Message)) (platform.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.handlers[roomID] = handler
	sub := &fakeSub{}
	s.subs[roomID] = sub
	return sub, nil
}

// deliver pushes a live event through the handler registered for roomID,
// simulating the transport.
func (s *fakeStream) deliver(roomID string, m platform.Message) {
	s.mu.Lock()
	handler := s.handlers[roomID]
	s.mu.Unlock()
	if handler != nil {
		handler(m)
	}
}

type fakePresence struct {
	mu      sync.Mutex
	tracked []platform.PresenceEntry
	handler func([]platform.PresenceEntry)
	sub     *fakeSub
}

func (p *fakePresence) Track(ctx context.Context, entry platform.PresenceEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracked = append(p.tracked, entry)
	return nil
}

func (p *fakePresence) OnSync(handler func([]platform.PresenceEntry)) (platform.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handler = handler
	p.sub = &fakeSub{}
	return p.sub, nil
}

func (p *fakePresence) sync(entries []platform.PresenceEntry) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(entries)
	}
}

type fakeBroadcast struct {
	mu      sync.Mutex
	events  []platform.TypingEvent
	handler func(platform.TypingEvent)
	sub     *fakeSub
}

func (b *fakeBroadcast) Send(event platform.TypingEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *fakeBroadcast) OnEvent(handler func(platform.TypingEvent)) (platform.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
	b.sub = &fakeSub{}
	return b.sub, nil
}

func (b *fakeBroadcast) push(event platform.TypingEvent) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler != nil {
		handler(event)
	}
}

type fixture struct {
	repo      *fakeRepo
	stream    *fakeStream
	presence  *fakePresence
	broadcast *fakeBroadcast
	resolver  *fakeResolver
	notices   []string
	ctrl      *Controller
}

func newFixture(t *testing.T, roomID string) *fixture {
	t.Helper()
	f := &fixture{
		repo:      &fakeRepo{},
		stream:    newFakeStream(),
		presence:  &fakePresence{},
		broadcast: &fakeBroadcast{},
		resolver:  &fakeResolver{id: identity.Identity{ID: "me", Handle: "me@example.com"}},
	}
	f.ctrl = New(Platform{
		Repo:     f.repo,
		Stream:   f.stream,
		Presence: f.presence,
		Typing:   f.broadcast,
	}, f.resolver, roomID, Config{
		OnNotice: func(n string) { f.notices = append(f.notices, n) },
		Typing:   typing.Config{QuietPeriod: 50 * time.Millisecond, StaleAfter: 5 * time.Second},
	})
	return f
}

func TestStartReachesReady(t *testing.T) {
	f := newFixture(t, "lobby")
	f.repo.history = []platform.Message{msg("1", "lobby", 100), msg("2", "lobby", 200)}

	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	assert.Equal(t, StateReady, f.ctrl.State())
	assert.Equal(t, "me", f.ctrl.Identity().ID)
	assert.Len(t, f.ctrl.Messages(), 2)

	// Presence was announced once.
	require.Len(t, f.presence.tracked, 1)
	assert.Equal(t, "me", f.presence.tracked[0].UserID)
}

func TestStartIdentityFailureRedirectsToLogin(t *testing.T) {
	f := newFixture(t, "lobby")
	f.resolver.err = identity.ErrNoIdentity

	err := f.ctrl.Start(context.Background())
	assert.ErrorIs(t, err, ErrRedirectLogin)
	assert.Equal(t, StateTerminated, f.ctrl.State())
	assert.Empty(t, f.stream.handlers, "no subscription may be opened without an identity")
}

func TestStartHistoryFailureDegradesToEmptyLog(t *testing.T) {
	f := newFixture(t, "lobby")
	f.repo.historyErr = &platform.FetchError{Op: "history", Err: errors.New("connection refused")}

	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	assert.Equal(t, StateReady, f.ctrl.State(), "history failure is non-fatal")
	assert.Empty(t, f.ctrl.Messages())
	assert.NotEmpty(t, f.notices, "a non-blocking warning must be surfaced")
}

func TestSendRejectsEmptyText(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	assert.ErrorIs(t, f.ctrl.Send(context.Background(), ""), ErrEmptyMessage)
	assert.ErrorIs(t, f.ctrl.Send(context.Background(), "   "), ErrEmptyMessage)
	assert.ErrorIs(t, f.ctrl.Send(context.Background(), "\t\n"), ErrEmptyMessage)
	assert.Zero(t, f.repo.insertCount(), "no write may be issued for empty text")
}

func TestSendTrimsAndStampsAuthor(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.Send(context.Background(), "  hello there  "))

	require.Len(t, f.repo.inserted, 1)
	got := f.repo.inserted[0]
	assert.Equal(t, "hello there", got.Body)
	assert.Equal(t, "lobby", got.RoomID)
	assert.Equal(t, "me", got.AuthorID)
	assert.Equal(t, "me@example.com", got.AuthorHandle)

	// No optimistic append: the view updates only when the echo arrives.
	assert.Empty(t, f.ctrl.Messages())
}

func TestSendWriteErrorSurfacesNotice(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	f.repo.insertErr = &platform.WriteError{Op: "message", Err: errors.New("timeout")}
	err := f.ctrl.Send(context.Background(), "hello")

	var we *platform.WriteError
	assert.ErrorAs(t, err, &we)
	assert.NotEmpty(t, f.notices)
}

func TestSendBeforeStartRejected(t *testing.T) {
	f := newFixture(t, "lobby")
	assert.ErrorIs(t, f.ctrl.Send(context.Background(), "hello"), ErrNotReady)
}

func TestLiveEchoIsDeduplicated(t *testing.T) {
	f := newFixture(t, "lobby")
	f.repo.history = []platform.Message{msg("1", "lobby", 100)}
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	// The stream re-delivers the already-known message.
	f.stream.deliver("lobby", msg("1", "lobby", 100))
	assert.Len(t, f.ctrl.Messages(), 1)

	f.stream.deliver("lobby", msg("2", "lobby", 200))
	msgs := f.ctrl.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)
}

func TestForeignRoomEventIgnored(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	f.stream.deliver("lobby", msg("x", "other-room", 100))
	assert.Empty(t, f.ctrl.Messages(), "event for another room must never mutate the active log")
}

func TestPresenceSnapshotTransition(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	a := platform.PresenceEntry{UserID: "a", Handle: "a@example.com"}
	b := platform.PresenceEntry{UserID: "b", Handle: "b@example.com"}

	f.presence.sync([]platform.PresenceEntry{a, b})
	assert.Len(t, f.ctrl.Online(), 2)

	f.presence.sync([]platform.PresenceEntry{b})
	online := f.ctrl.Online()
	require.Len(t, online, 1)
	assert.Equal(t, "b", online[0].UserID)
}

func TestRemoteTypingTracked(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	f.broadcast.push(platform.TypingEvent{Handle: "a@example.com", Active: true, SentAt: time.Now()})
	assert.Equal(t, []string{"a@example.com"}, f.ctrl.TypingUsers())

	// Our own echo is filtered.
	f.broadcast.push(platform.TypingEvent{Handle: "me@example.com", Active: true, SentAt: time.Now()})
	assert.Equal(t, []string{"a@example.com"}, f.ctrl.TypingUsers())
}

func TestKeystrokeBroadcastsTyping(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	f.ctrl.Keystroke()

	f.broadcast.mu.Lock()
	events := append([]platform.TypingEvent(nil), f.broadcast.events...)
	f.broadcast.mu.Unlock()
	require.Len(t, events, 1)
	assert.True(t, events[0].Active)
	assert.Equal(t, "me@example.com", events[0].Handle)
}

func TestSwitchRoomIsLeakFree(t *testing.T) {
	f := newFixture(t, "lobby")
	f.repo.history = []platform.Message{msg("l1", "lobby", 100), msg("d1", "dev", 150)}
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	require.NoError(t, f.ctrl.SwitchRoom(context.Background(), "dev"))

	// The old room's subscription is cancelled exactly once.
	assert.EqualValues(t, 1, f.stream.subs["lobby"].count())

	// Log was replaced wholesale with the new room's history.
	msgs := f.ctrl.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "d1", msgs[0].ID)

	// A late event for the previous room must not leak into the new log.
	f.stream.deliver("lobby", msg("l2", "lobby", 200))
	assert.Len(t, f.ctrl.Messages(), 1)

	f.stream.deliver("dev", msg("d2", "dev", 250))
	assert.Len(t, f.ctrl.Messages(), 2)
}

func TestCloseIsIdempotent(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.Close()
	f.ctrl.Close()

	assert.Equal(t, StateTerminated, f.ctrl.State())
	assert.EqualValues(t, 1, f.stream.subs["lobby"].count(), "stream unsubscribed exactly once")
	assert.EqualValues(t, 1, f.presence.sub.count(), "presence unsubscribed exactly once")
	assert.EqualValues(t, 1, f.broadcast.sub.count(), "typing unsubscribed exactly once")
}

func TestEventsAfterCloseIgnored(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	f.ctrl.Close()

	f.stream.deliver("lobby", msg("late", "lobby", 999))
	assert.Empty(t, f.ctrl.Messages())

	f.presence.sync([]platform.PresenceEntry{{UserID: "a", Handle: "a@example.com"}})
	assert.Empty(t, f.ctrl.Online())
}

func TestStartTwiceRejected(t *testing.T) {
	f := newFixture(t, "lobby")
	require.NoError(t, f.ctrl.Start(context.Background()))
	defer f.ctrl.Close()

	assert.ErrorIs(t, f.ctrl.Start(context.Background()), ErrNotReady)
}
