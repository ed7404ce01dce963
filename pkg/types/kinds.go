package types

// EventKind identifies one operation the kernel event source can report.
// The set is closed: the source will never deliver a kind outside it.
type EventKind string

const (
	KindExec   EventKind = "exec"
	KindOpen   EventKind = "open"
	KindRename EventKind = "rename"
	KindUnlink EventKind = "unlink"
	KindMount  EventKind = "mount"
	KindClose  EventKind = "close"
	KindExit   EventKind = "exit"
)

// AllKinds lists every subscribable kind in a stable order.
var AllKinds = []EventKind{
	KindExec, KindOpen, KindRename, KindUnlink, KindMount, KindClose, KindExit,
}

// ReplyShape is the wire shape the kernel expects for a reply to a kind.
type ReplyShape string

const (
	// ReplyBinary is a plain allow/deny reply.
	ReplyBinary ReplyShape = "binary"
	// ReplyFlags is a permission bitmask reply; allow sets every requested
	// flag, deny clears them all.
	ReplyFlags ReplyShape = "flags"
	// ReplyNone marks notify-only kinds that never get a reply.
	ReplyNone ReplyShape = "none"
)

// ReplyShape returns the reply shape the kernel requires for k.
func (k EventKind) ReplyShape() ReplyShape {
	switch k {
	case KindOpen:
		return ReplyFlags
	case KindExec, KindRename, KindUnlink, KindMount:
		return ReplyBinary
	case KindClose, KindExit:
		return ReplyNone
	default:
		// Unknown kinds are never subscribed; treat as notify-only so a
		// stray delivery cannot trigger a malformed reply.
		return ReplyNone
	}
}

// AuthorizationClass reports whether k demands a reply before its deadline.
func (k EventKind) AuthorizationClass() bool {
	return k.ReplyShape() != ReplyNone
}

func (k EventKind) Valid() bool {
	switch k {
	case KindExec, KindOpen, KindRename, KindUnlink, KindMount, KindClose, KindExit:
		return true
	}
	return false
}

// Operation returns the watch-item operation name for path-target kinds.
func (k EventKind) Operation() string {
	switch k {
	case KindOpen:
		return "open"
	case KindRename:
		return "rename"
	case KindUnlink:
		return "unlink"
	default:
		return string(k)
	}
}
