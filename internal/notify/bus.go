package notify

import (
	"context"
	"sync"
	"time"
)

// Class identifies a category of change a client or worker can observe.
type Class int

const (
	ClassTimeline Class = iota
	ClassState
	ClassAccountData
	ClassToDevice
	ClassPresence
	ClassTyping
	ClassReceipt
	NumClasses
)

func (c Class) String() string {
	switch c {
	case ClassTimeline:
		return "timeline"
	case ClassState:
		return "state"
	case ClassAccountData:
		return "account_data"
	case ClassToDevice:
		return "to_device"
	case ClassPresence:
		return "presence"
	case ClassTyping:
		return "typing"
	case ClassReceipt:
		return "receipt"
	default:
		return "unknown"
	}
}

// Versions is a per-class vector of monotonic version counters.
type Versions [NumClasses]uint64

// AnyNewerThan reports whether any class in v has advanced past o.
func (v Versions) AnyNewerThan(o Versions) bool {
	for i := range v {
		if v[i] > o[i] {
			return true
		}
	}
	return false
}

// Cause reports why a Wait returned.
type Cause int

const (
	WakeSignal Cause = iota
	WakeTimeout
	WakeCancelled
)

func (c Cause) String() string {
	switch c {
	case WakeSignal:
		return "signal"
	case WakeTimeout:
		return "timeout"
	default:
		return "cancelled"
	}
}

type waiter struct {
	ch chan struct{}
}

type scope struct {
	versions Versions
	waiters  map[*waiter]struct{}
}

// Bus is the wakeup registry shared by destination workers and sync
// coordinators. Signals bump version counters and nudge current waiters.
// Wait registers first and then compares the counters against the
// versions its caller observed, so a signal landing between that
// observation and registration is caught before parking and can never
// be lost.
type Bus struct {
	mu     sync.Mutex
	scopes map[string]*scope
	global Versions
}

func NewBus() *Bus {
	return &Bus{
		scopes: make(map[string]*scope),
	}
}

func (b *Bus) getScope(name string) *scope {
	s, ok := b.scopes[name]
	if !ok {
		s = &scope{waiters: make(map[*waiter]struct{})}
		b.scopes[name] = s
	}
	return s
}

// Signal records a change of the given class in the given scope and
// wakes every waiter currently registered on that scope. It never
// blocks: waiter channels have capacity one and a waiter that has
// already been nudged is skipped.
func (b *Bus) Signal(scopeName string, class Class) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.getScope(scopeName)
	s.versions[class]++
	b.global[class]++

	for w := range s.waiters {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}

// Global returns the current per-class global version vector. These
// counters advance on every Signal anywhere and back the opaque sync
// cursor.
func (b *Bus) Global() Versions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.global
}

// ScopeVersions returns the version vector for one scope. An unknown
// scope reads as all zeros.
func (b *Bus) ScopeVersions(name string) Versions {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.scopes[name]; ok {
		return s.versions
	}
	return Versions{}
}

// Wait suspends until any of the given scopes is signaled, the timer
// fires, or the context is cancelled, and returns the cause. since is
// the global version vector the caller last observed: a signal that
// arrived after that observation but before the waiter was registered
// left no nudge behind, so the counters are compared once more under
// the lock and Wait returns WakeSignal without parking if anything has
// already moved. The timer channel may be nil for an indefinite wait.
// Unregistration on return never blocks other waiters or signalers.
func (b *Bus) Wait(ctx context.Context, scopes []string, since Versions, timer <-chan time.Time) Cause {
	w := &waiter{ch: make(chan struct{}, 1)}

	b.mu.Lock()
	for _, name := range scopes {
		b.getScope(name).waiters[w] = struct{}{}
	}
	missed := b.global.AnyNewerThan(since)
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		for _, name := range scopes {
			if s, ok := b.scopes[name]; ok {
				delete(s.waiters, w)
			}
		}
		b.mu.Unlock()
	}()

	if missed {
		return WakeSignal
	}

	select {
	case <-w.ch:
		return WakeSignal
	case <-timer:
		return WakeTimeout
	case <-ctx.Done():
		return WakeCancelled
	}
}
