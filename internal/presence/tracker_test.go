package presence

import (
	"context"
	"testing"
	"time"

	"github.com/parley/chat-client/internal/identity"
	"github.com/parley/chat-client/internal/platform"
)

// fakeChannel records tracked entries.
type fakeChannel struct {
	tracked []platform.PresenceEntry
}

func (f *fakeChannel) Track(ctx context.Context, entry platform.PresenceEntry) error {
	f.tracked = append(f.tracked, entry)
	return nil
}

func (f *fakeChannel) OnSync(handler func([]platform.PresenceEntry)) (platform.Subscription, error) {
	return platform.SubscriptionFunc(func() error { return nil }), nil
}

func entry(id, handle string) platform.PresenceEntry {
	return platform.PresenceEntry{UserID: id, Handle: handle, JoinedAt: time.Unix(100, 0)}
}

func TestApplySyncReplacesState(t *testing.T) {
	tr := NewTracker(&fakeChannel{}, identity.Identity{ID: "me", Handle: "me@example.com"})

	tr.ApplySync([]platform.PresenceEntry{entry("a", "a@example.com"), entry("b", "b@example.com")})
	if !tr.IsOnline("a") || !tr.IsOnline("b") {
		t.Fatal("expected a and b online after first snapshot")
	}

	// A snapshot missing a previously-present identity removes it.
	tr.ApplySync([]platform.PresenceEntry{entry("b", "b@example.com")})
	if tr.IsOnline("a") {
		t.Error("expected a offline after snapshot without it")
	}
	if !tr.IsOnline("b") {
		t.Error("expected b still online")
	}
	if got := len(tr.Online()); got != 1 {
		t.Errorf("expected 1 online entry, got %d", got)
	}
}

func TestApplySyncExcludesSelf(t *testing.T) {
	tr := NewTracker(&fakeChannel{}, identity.Identity{ID: "me", Handle: "me@example.com"})

	tr.ApplySync([]platform.PresenceEntry{entry("me", "me@example.com"), entry("a", "a@example.com")})
	if tr.IsOnline("me") {
		t.Error("local identity must never appear in the tracked set")
	}
	if !tr.IsOnline("a") {
		t.Error("expected a online")
	}
}

func TestApplySyncCollapsesDuplicates(t *testing.T) {
	tr := NewTracker(&fakeChannel{}, identity.Identity{ID: "me"})

	tr.ApplySync([]platform.PresenceEntry{
		entry("a", "a@example.com"),
		entry("a", "a@example.com"),
		{UserID: "", Handle: "ghost"},
	})
	if got := len(tr.Online()); got != 1 {
		t.Errorf("expected duplicate and unkeyed entries collapsed to 1, got %d", got)
	}
}

func TestApplySyncIdempotent(t *testing.T) {
	tr := NewTracker(&fakeChannel{}, identity.Identity{ID: "me"})

	snapshot := []platform.PresenceEntry{entry("a", "a@example.com"), entry("b", "b@example.com")}
	tr.ApplySync(snapshot)
	tr.ApplySync(snapshot)

	if got := len(tr.Online()); got != 2 {
		t.Errorf("expected repeated snapshot to leave 2 entries, got %d", got)
	}
}

func TestOnlineSortedByHandle(t *testing.T) {
	tr := NewTracker(&fakeChannel{}, identity.Identity{ID: "me"})

	tr.ApplySync([]platform.PresenceEntry{entry("1", "zoe@example.com"), entry("2", "amy@example.com")})
	online := tr.Online()
	if online[0].Handle != "amy@example.com" || online[1].Handle != "zoe@example.com" {
		t.Errorf("expected handle-sorted order, got %+v", online)
	}
}

func TestJoinAnnouncesSelf(t *testing.T) {
	ch := &fakeChannel{}
	tr := NewTracker(ch, identity.Identity{ID: "me", Handle: "me@example.com"})

	if err := tr.Join(context.Background()); err != nil {
		t.Fatalf("join: %v", err)
	}
	if len(ch.tracked) != 1 {
		t.Fatalf("expected 1 track announcement, got %d", len(ch.tracked))
	}
	if ch.tracked[0].UserID != "me" || ch.tracked[0].Handle != "me@example.com" {
		t.Errorf("unexpected announcement: %+v", ch.tracked[0])
	}
	if ch.tracked[0].JoinedAt.IsZero() {
		t.Error("expected join timestamp to be set")
	}
}
