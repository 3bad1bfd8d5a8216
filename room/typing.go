package room

import (
	"maps"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// TypingCoordinator handles both typing directions for one session.
//
// Outgoing, Notify is a rate limiter: the first keystroke after a quiet
// period sends a signal at once, and at most one signal goes out per
// interval after that.
//
// Incoming, Announce marks users as typing and removes each of them timeout
// after their latest announcement. Expiry callbacks are handed to dispatch,
// which must run them on the goroutine that owns the coordinator.
//
// Notify may be called from any goroutine. Everything else belongs to the
// goroutine that owns the coordinator.
type TypingCoordinator struct {
	clock    clock.Clock
	limiter  *rate.Limiter
	timeout  time.Duration
	self     string
	signal   func() error
	dispatch func(func())

	users map[string]*typingEntry
	gen   uint64
}

type typingEntry struct {
	gen   uint64
	timer *clock.Timer
}

// NewTypingCoordinator builds a coordinator for the user self. signal sends
// one outbound typing event.
func NewTypingCoordinator(clk clock.Clock, interval, timeout time.Duration, self string, signal func() error, dispatch func(func())) *TypingCoordinator {
	return &TypingCoordinator{
		clock:    clk,
		limiter:  rate.NewLimiter(rate.Every(interval), 1),
		timeout:  timeout,
		self:     self,
		signal:   signal,
		dispatch: dispatch,
		users:    map[string]*typingEntry{},
	}
}

// Notify records a local keystroke. It reports whether a typing signal was
// sent.
func (t *TypingCoordinator) Notify() (bool, error) {
	if !t.limiter.AllowN(t.clock.Now(), 1) {
		return false, nil
	}
	if err := t.signal(); err != nil {
		return false, err
	}
	return true, nil
}

// Announce marks names as typing and (re)starts their expiry timers. The
// local user is never tracked. It reports whether the visible set changed.
func (t *TypingCoordinator) Announce(names ...string) bool {
	changed := false
	for _, name := range names {
		if name == "" || name == t.self {
			continue
		}
		entry, ok := t.users[name]
		if ok {
			entry.timer.Stop()
		} else {
			entry = &typingEntry{}
			t.users[name] = entry
			changed = true
		}
		t.gen++
		gen := t.gen
		entry.gen = gen
		entry.timer = t.clock.AfterFunc(t.timeout, func() {
			t.dispatch(func() { t.expire(name, gen) })
		})
	}
	return changed
}

// expire drops name unless it was re-announced after the timer for gen was
// armed.
func (t *TypingCoordinator) expire(name string, gen uint64) {
	entry, ok := t.users[name]
	if !ok || entry.gen != gen {
		return
	}
	delete(t.users, name)
}

// Users returns the typing usernames sorted.
func (t *TypingCoordinator) Users() []string {
	return slices.Sorted(maps.Keys(t.users))
}

func (t *TypingCoordinator) IsTyping(name string) bool {
	_, ok := t.users[name]
	return ok
}

// Reset forgets every typing user and stops their timers.
func (t *TypingCoordinator) Reset() {
	for name, entry := range t.users {
		entry.timer.Stop()
		delete(t.users, name)
	}
}
