package authz

import (
	"github.com/hostsentry/hostsentry/internal/eventsource"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// translate maps an internal action onto the wire reply the event kind
// requires. Binary kinds carry the action directly; flag kinds map allow
// to every requested flag set and deny to all flags clear. The bool is
// false for notify kinds, which take no reply at all.
func translate(kind types.EventKind, requested uint32, action types.Action, cacheable bool) (eventsource.Reply, bool) {
	switch kind.ReplyShape() {
	case types.ReplyBinary:
		return eventsource.Reply{
			Shape:     types.ReplyBinary,
			Allow:     action == types.ActionAllow,
			Cacheable: cacheable,
		}, true
	case types.ReplyFlags:
		var flags uint32
		if action == types.ActionAllow {
			flags = requested
		}
		return eventsource.Reply{
			Shape:     types.ReplyFlags,
			Allow:     action == types.ActionAllow,
			Flags:     flags,
			Cacheable: cacheable,
		}, true
	default:
		return eventsource.Reply{}, false
	}
}

// RespondToMessage translates and delivers the reply for m. cacheable
// asks the kernel side to cache the reply where supported; the agent's
// own decision cache is independent of it. Returns false when the reply
// could not be delivered; that is terminal for the event, never retried.
func (c *Client) RespondToMessage(m *Message, action types.Action, cacheable bool) bool {
	r, ok := translate(m.Kind(), m.RequestedFlags(), action, cacheable)
	if !ok {
		return false
	}
	if !m.deliver(r) {
		c.metrics.IncRespondFailure()
		return false
	}
	c.metrics.IncDecision(action == types.ActionAllow)
	return true
}
