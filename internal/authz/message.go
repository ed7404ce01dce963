// Package authz is the real-time authorization engine: it owns the event
// subscription lifecycle, admission (mute filter, cache lookup), async
// enrichment, decision caching, and reply translation. Every admitted
// authorization-class event gets exactly one reply.
package authz

import (
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/internal/enrich"
	"github.com/hostsentry/hostsentry/internal/eventsource"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// Message wraps one kernel delivery. The wrapper is immutable; the only
// state it carries is the reply token, which guarantees structurally that
// at most one reply reaches the kernel no matter how many code paths race
// to answer (handler, deadline watchdog, teardown fallback).
type Message struct {
	raw eventsource.RawEvent

	replied  atomic.Bool
	watchdog atomic.Pointer[time.Timer]
}

func NewMessage(raw eventsource.RawEvent) *Message {
	return &Message{raw: raw}
}

func (m *Message) Kind() types.EventKind     { return m.raw.Kind }
func (m *Message) Process() types.AuditToken { return m.raw.Process }
func (m *Message) Targets() []types.PathSpec { return m.raw.Targets }
func (m *Message) Vnode() types.VnodeID      { return m.raw.Vnode }
func (m *Message) Deadline() time.Time       { return m.raw.Deadline }
func (m *Message) RequestedFlags() uint32    { return m.raw.RequestedFlags }

// TargetPath is the primary target, empty when the event has none.
func (m *Message) TargetPath() string {
	if len(m.raw.Targets) == 0 {
		return ""
	}
	return m.raw.Targets[0].Path
}

// Replied reports whether a reply has been claimed for this message.
func (m *Message) Replied() bool { return m.replied.Load() }

// deliver claims the single reply slot and sends r. Returns false if the
// slot was already claimed, the kind takes no reply, or the kernel context
// is gone.
func (m *Message) deliver(r eventsource.Reply) bool {
	if m.raw.Respond == nil {
		return false
	}
	if !m.replied.CompareAndSwap(false, true) {
		return false
	}
	if t := m.watchdog.Swap(nil); t != nil {
		t.Stop()
	}
	return m.raw.Respond(r)
}

// EnrichedMessage owns a Message plus its derived context. It is created
// by the enrichment pipeline and must be consumed exactly once by the
// handler it is passed to; the handler takes ownership of both.
type EnrichedMessage struct {
	Msg     *Message
	Context enrich.Context
}
