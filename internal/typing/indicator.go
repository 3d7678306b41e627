// Package typing broadcasts and receives ephemeral typing signals over the
// fire-and-forget broadcast channel. The local side is a classic debounce:
// the first keystroke after idle emits a "typing" signal, each further
// keystroke resets a quiet timer, and timer expiry emits exactly one
// "stopped typing" signal. The remote side applies its own staleness floor
// so a lost stop signal cannot pin a peer in the typing state forever.
// Nothing in this package touches persisted storage.
package typing

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/parley/chat-client/internal/metrics"
	"github.com/parley/chat-client/internal/platform"
)

// Config holds typing indicator tuning parameters.
type Config struct {
	QuietPeriod time.Duration // silence after the last keystroke before "stopped typing"
	StaleAfter  time.Duration // receiver-side floor for signals with a lost stop
}

// DefaultConfig returns the standard 1s debounce with a 5s staleness floor.
func DefaultConfig() Config {
	return Config{
		QuietPeriod: 1 * time.Second,
		StaleAfter:  5 * time.Second,
	}
}

// Indicator is the typing state for one chat screen.
type Indicator struct {
	channel platform.BroadcastChannel
	handle  string
	config  Config

	mu       sync.Mutex
	typing   bool
	quiet    *time.Timer
	quietGen uint64 // bumped on every re-arm so a stale expiry is ignored
	closed   bool
	remote   map[string]time.Time // handle -> last active signal

	now func() time.Time // swapped in tests
}

// NewIndicator creates an indicator broadcasting under the given handle.
func NewIndicator(channel platform.BroadcastChannel, handle string, config Config) *Indicator {
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = DefaultConfig().QuietPeriod
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = DefaultConfig().StaleAfter
	}
	return &Indicator{
		channel: channel,
		handle:  handle,
		config:  config,
		remote:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Keystroke records local typing activity. The first keystroke after idle
// broadcasts a "typing" signal; every keystroke resets the quiet timer.
func (i *Indicator) Keystroke() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed {
		return
	}

	if !i.typing {
		i.typing = true
		i.broadcastLocked(true)
	}

	// Stop is a no-op when the timer already fired; the generation bump
	// makes the in-flight expiry a no-op instead of a premature stop.
	if i.quiet != nil {
		i.quiet.Stop()
	}
	i.quietGen++
	gen := i.quietGen
	i.quiet = time.AfterFunc(i.config.QuietPeriod, func() { i.expire(gen) })
}

// expire fires when the quiet period elapses with no further keystrokes.
// A generation mismatch means a keystroke re-armed the timer after this
// expiry was scheduled, so typing continues.
func (i *Indicator) expire(gen uint64) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.closed || !i.typing || gen != i.quietGen {
		return
	}
	i.typing = false
	i.quiet = nil
	i.broadcastLocked(false)
}

// Reset clears local typing state, broadcasting a stop if one is owed.
// Called when a message is sent: the send itself tells peers typing ended.
func (i *Indicator) Reset() {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.quiet != nil {
		i.quiet.Stop()
		i.quiet = nil
	}
	if i.typing {
		i.typing = false
		i.broadcastLocked(false)
	}
}

// HandleRemote updates a remote author's typing flag. Signals under the
// local handle are ignored (the broadcast channel echoes our own events).
func (i *Indicator) HandleRemote(event platform.TypingEvent) {
	if event.Handle == "" || event.Handle == i.handle {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if !event.Active {
		delete(i.remote, event.Handle)
		return
	}

	seen := event.SentAt
	if seen.IsZero() {
		seen = i.now()
	}
	i.remote[event.Handle] = seen
}

// Active returns the handles currently considered typing, dropping signals
// older than the staleness floor to tolerate lost stop events.
func (i *Indicator) Active() []string {
	cutoff := i.now().Add(-i.config.StaleAfter)

	i.mu.Lock()
	var handles []string
	for handle, seen := range i.remote {
		if seen.Before(cutoff) {
			delete(i.remote, handle)
			continue
		}
		handles = append(handles, handle)
	}
	i.mu.Unlock()

	sort.Strings(handles)
	return handles
}

// Typing reports whether the local user is currently marked typing.
func (i *Indicator) Typing() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.typing
}

// Close cancels any pending quiet timer and stops all further broadcasts.
// Safe to call more than once.
func (i *Indicator) Close() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.closed = true
	i.typing = false
	if i.quiet != nil {
		i.quiet.Stop()
		i.quiet = nil
	}
}

// broadcastLocked sends a typing signal. Fire-and-forget: failures are
// logged and never block messaging. Callers hold i.mu.
func (i *Indicator) broadcastLocked(active bool) {
	event := platform.TypingEvent{
		Handle: i.handle,
		Active: active,
		SentAt: i.now(),
	}
	if err := i.channel.Send(event); err != nil {
		log.Printf("[typing] broadcast active=%v failed: %v", active, err)
		return
	}
	metrics.TypingBroadcasts.Inc()
}
