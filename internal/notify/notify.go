// Package notify fans decision notifications out to attached listeners,
// typically a desktop agent showing the user why an execution was
// blocked. Notifications arriving while no listener is attached queue
// up, deduplicated by subject, and flush on attach.
package notify

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// Notification is one user-facing decision message.
type Notification struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      types.EventKind `json:"kind"`
	Path      string          `json:"path,omitempty"`
	FileHash  string          `json:"file_hash,omitempty"`
	Vnode     types.VnodeID   `json:"-"`
	Decision  types.Action    `json:"decision"`
	Rule      string          `json:"rule,omitempty"`
	Message   string          `json:"message,omitempty"`
}

type pendingKey struct {
	vnode    types.VnodeID
	path     string
	decision types.Action
}

func keyOf(n Notification) pendingKey {
	k := pendingKey{vnode: n.Vnode, decision: n.Decision}
	if k.vnode == (types.VnodeID{}) {
		k.path = n.Path
	}
	return k
}

type Notifier struct {
	mu          sync.RWMutex
	subs        map[chan Notification]struct{}
	pending     []Notification
	pendingKeys map[pendingKey]struct{}
	maxPending  int
	dropped     atomic.Int64

	// OnDrop, when set, runs once per dropped notification.
	OnDrop func()
}

func New(maxPending int) *Notifier {
	if maxPending <= 0 {
		maxPending = 100
	}
	return &Notifier{
		subs:        make(map[chan Notification]struct{}),
		pendingKeys: make(map[pendingKey]struct{}),
		maxPending:  maxPending,
	}
}

func (n *Notifier) Subscribe(buf int) chan Notification {
	if buf <= 0 {
		buf = 100
	}
	ch := make(chan Notification, buf)

	n.mu.Lock()
	defer n.mu.Unlock()
	// Flush the queue built up while nothing was attached. The channel
	// buffer is the limit; anything past it is dropped like a slow
	// subscriber.
	for _, p := range n.pending {
		select {
		case ch <- p:
		default:
			n.drop(p)
		}
	}
	n.pending = nil
	n.pendingKeys = make(map[pendingKey]struct{})
	n.subs[ch] = struct{}{}
	return ch
}

func (n *Notifier) Unsubscribe(ch chan Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.subs[ch]; ok {
		delete(n.subs, ch)
		close(ch)
	}
}

// Publish delivers to every subscriber without blocking, or queues when
// nobody is attached. Duplicate subjects collapse while queued: the
// user sees one message per blocked binary, not one per attempt.
func (n *Notifier) Publish(notif Notification) {
	if notif.Timestamp.IsZero() {
		notif.Timestamp = time.Now().UTC()
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.subs) == 0 {
		key := keyOf(notif)
		if _, dup := n.pendingKeys[key]; dup {
			return
		}
		if len(n.pending) >= n.maxPending {
			oldest := n.pending[0]
			n.pending = n.pending[1:]
			delete(n.pendingKeys, keyOf(oldest))
			n.drop(oldest)
		}
		n.pending = append(n.pending, notif)
		n.pendingKeys[key] = struct{}{}
		return
	}

	for ch := range n.subs {
		select {
		case ch <- notif:
		default:
			n.drop(notif)
		}
	}
}

// Dropped is the total count of notifications lost to slow or absent
// listeners.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }

// Pending is the current queued count, for the control surface.
func (n *Notifier) Pending() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.pending)
}

func (n *Notifier) drop(notif Notification) {
	count := n.dropped.Add(1)
	if n.OnDrop != nil {
		n.OnDrop()
	}
	if count == 1 || count%100 == 0 {
		slog.Warn("dropped notification", "path", notif.Path, "total_dropped", count)
	}
}
