// Package eventsource wraps the privileged kernel event interface. It owns
// the raw delivery channel and the reply wire format; everything above it
// works with RawEvent and Reply values only.
package eventsource

import (
	"time"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// RawEvent is one kernel-delivered event. Respond is the only way back to
// the originating kernel context and must be called at most once; the
// authz layer enforces exactly-once on top of it.
type RawEvent struct {
	Kind    types.EventKind
	Process types.AuditToken
	Targets []types.PathSpec
	Vnode   types.VnodeID

	// Deadline is the absolute time by which the kernel expects a reply
	// before applying its own default action.
	Deadline time.Time

	// RequestedFlags carries the permission bitmask for flag-reply kinds.
	RequestedFlags uint32

	// Respond delivers the reply. Nil for notify-only kinds. Returns false
	// if the originating context is gone.
	Respond func(Reply) bool
}

// Reply is the translated wire reply for one event.
type Reply struct {
	Shape     types.ReplyShape
	Allow     bool
	Flags     uint32
	Cacheable bool
}

// Source is the connection to the kernel event provider.
//
// Establish failure is unrecoverable: the agent cannot assert protection
// without the connection, so the startup path must terminate the process.
// All other methods return local errors the caller may log and retry.
type Source interface {
	Establish() error
	Close() error

	Subscribe(kinds []types.EventKind) error
	UnsubscribeAll() error

	EnableTargetPathWatching() error
	MuteTargetPaths(paths []types.PathSpec) error
	UnmuteTargetPaths(paths []types.PathSpec) error
	UnmuteAllTargetPaths() error

	EnableProcessWatching() error
	MuteProcess(tok types.AuditToken) error
	UnmuteProcess(tok types.AuditToken) error

	// ClearCache flushes any kernel-side reply cache. The agent's own
	// decision cache is independent of it.
	ClearCache() error

	// Events yields deliveries until Close. The channel is owned by the
	// source and closed on teardown.
	Events() <-chan RawEvent
}
