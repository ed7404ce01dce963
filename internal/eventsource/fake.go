package eventsource

import (
	"fmt"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// Fake is an in-memory Source for tests. It records every reply per
// injected event so tests can assert the exactly-once property.
type Fake struct {
	mu          sync.Mutex
	established bool
	closed      bool
	subscribed  map[types.EventKind]struct{}
	cacheClears int
	mutedPaths  map[types.PathSpec]struct{}
	mutedProcs  map[types.AuditToken]struct{}

	replies map[uint64][]Reply
	nextID  uint64

	// EstablishErr makes Establish fail, for fatal-init tests.
	EstablishErr error

	// RespondAfterClose controls whether replies to in-flight events
	// succeed after teardown. Default false: Respond returns false.
	RespondAfterClose bool

	events chan RawEvent
}

func NewFake() *Fake {
	return &Fake{
		subscribed: make(map[types.EventKind]struct{}),
		mutedPaths: make(map[types.PathSpec]struct{}),
		mutedProcs: make(map[types.AuditToken]struct{}),
		replies:    make(map[uint64][]Reply),
		events:     make(chan RawEvent, 64),
	}
}

func (f *Fake) Establish() error {
	if f.EstablishErr != nil {
		return f.EstablishErr
	}
	f.mu.Lock()
	f.established = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	f.mu.Unlock()
	return nil
}

func (f *Fake) Subscribe(kinds []types.EventKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.established {
		return fmt.Errorf("source not established")
	}
	for _, k := range kinds {
		f.subscribed[k] = struct{}{}
	}
	return nil
}

func (f *Fake) UnsubscribeAll() error {
	f.mu.Lock()
	f.subscribed = make(map[types.EventKind]struct{})
	f.mu.Unlock()
	return nil
}

func (f *Fake) EnableTargetPathWatching() error { return nil }
func (f *Fake) EnableProcessWatching() error    { return nil }

func (f *Fake) MuteTargetPaths(paths []types.PathSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		f.mutedPaths[p] = struct{}{}
	}
	return nil
}

func (f *Fake) UnmuteTargetPaths(paths []types.PathSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range paths {
		delete(f.mutedPaths, p)
	}
	return nil
}

func (f *Fake) UnmuteAllTargetPaths() error {
	f.mu.Lock()
	f.mutedPaths = make(map[types.PathSpec]struct{})
	f.mu.Unlock()
	return nil
}

func (f *Fake) MuteProcess(tok types.AuditToken) error {
	f.mu.Lock()
	f.mutedProcs[tok] = struct{}{}
	f.mu.Unlock()
	return nil
}

func (f *Fake) UnmuteProcess(tok types.AuditToken) error {
	f.mu.Lock()
	delete(f.mutedProcs, tok)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ClearCache() error {
	f.mu.Lock()
	f.cacheClears++
	f.mu.Unlock()
	return nil
}

func (f *Fake) Events() <-chan RawEvent { return f.events }

// Inject delivers an event as the kernel would and returns its id for
// later reply assertions.
func (f *Fake) Inject(ev RawEvent) uint64 {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.mu.Unlock()

	if ev.Kind.AuthorizationClass() {
		ev.Respond = func(r Reply) bool {
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.closed && !f.RespondAfterClose {
				return false
			}
			f.replies[id] = append(f.replies[id], r)
			return true
		}
	}
	if ev.Deadline.IsZero() {
		ev.Deadline = time.Now().Add(10 * time.Second)
	}
	f.events <- ev
	return id
}

// Replies returns the replies recorded for an injected event id.
func (f *Fake) Replies(id uint64) []Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Reply, len(f.replies[id]))
	copy(out, f.replies[id])
	return out
}

// ReplyCount is the total number of replies across all events.
func (f *Fake) ReplyCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, rs := range f.replies {
		n += len(rs)
	}
	return n
}

func (f *Fake) Subscribed() []types.EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.EventKind, 0, len(f.subscribed))
	for k := range f.subscribed {
		out = append(out, k)
	}
	return out
}

func (f *Fake) CacheClears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cacheClears
}

func (f *Fake) PathMutedKernelSide(p types.PathSpec) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mutedPaths[p]
	return ok
}
