//go:build linux

package eventsource

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/hostsentry/hostsentry/internal/procfs"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// Fanotify is the Linux Source, built on the fanotify permission API:
// marked filesystem operations block in the kernel until we write back
// FAN_ALLOW or FAN_DENY.
type Fanotify struct {
	// Deadline is the per-event reply budget stamped on deliveries.
	Deadline time.Duration

	// MountPoint is the marked mount, "/" when empty.
	MountPoint string

	mu     sync.Mutex
	fd     int
	open   bool
	closed bool
	kinds  map[types.EventKind]struct{}

	events  chan RawEvent
	selfPID int32
}

var kindMasks = map[types.EventKind]uint64{
	types.KindExec:  unix.FAN_OPEN_EXEC_PERM,
	types.KindOpen:  unix.FAN_OPEN_PERM,
	types.KindClose: unix.FAN_CLOSE_WRITE,
}

func NewFanotify(deadline time.Duration, mountPoint string) *Fanotify {
	if mountPoint == "" {
		mountPoint = "/"
	}
	return &Fanotify{
		Deadline:   deadline,
		MountPoint: mountPoint,
		fd:         -1,
		kinds:      make(map[types.EventKind]struct{}),
		events:     make(chan RawEvent, 256),
		selfPID:    int32(os.Getpid()),
	}
}

func (f *Fanotify) Establish() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return nil
	}
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC, unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC)
	if err != nil {
		return fmt.Errorf("fanotify_init: %w", err)
	}
	f.fd = fd
	f.open = true
	go f.readLoop()
	return nil
}

func (f *Fanotify) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.open {
		f.open = false
		if err := unix.Close(f.fd); err != nil {
			return fmt.Errorf("close fanotify fd: %w", err)
		}
	}
	return nil
}

// subscriptionMask maps kinds to the combined fanotify mark mask. Kinds
// fanotify has no event for are returned separately so Subscribe can log
// and carry on without them.
func subscriptionMask(kinds []types.EventKind) (mask uint64, unsupported []types.EventKind) {
	for _, k := range kinds {
		m, ok := kindMasks[k]
		if !ok {
			unsupported = append(unsupported, k)
			continue
		}
		mask |= m
	}
	return mask, unsupported
}

func (f *Fanotify) Subscribe(kinds []types.EventKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return fmt.Errorf("source not established")
	}
	mask, unsupported := subscriptionMask(kinds)
	if len(unsupported) > 0 {
		slog.Warn("kinds not deliverable by fanotify, skipping", "kinds", unsupported)
	}
	if mask == 0 {
		return nil
	}
	if err := unix.FanotifyMark(f.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, mask, unix.AT_FDCWD, f.MountPoint); err != nil {
		return fmt.Errorf("fanotify_mark add: %w", err)
	}
	for _, k := range kinds {
		if _, ok := kindMasks[k]; ok {
			f.kinds[k] = struct{}{}
		}
	}
	return nil
}

func (f *Fanotify) UnsubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil
	}
	var mask uint64
	for k := range f.kinds {
		mask |= kindMasks[k]
	}
	f.kinds = make(map[types.EventKind]struct{})
	if mask == 0 {
		return nil
	}
	if err := unix.FanotifyMark(f.fd, unix.FAN_MARK_REMOVE|unix.FAN_MARK_MOUNT, mask, unix.AT_FDCWD, f.MountPoint); err != nil {
		return fmt.Errorf("fanotify_mark remove: %w", err)
	}
	return nil
}

// Path watching and muting map to fanotify ignore marks.
func (f *Fanotify) EnableTargetPathWatching() error { return nil }

func (f *Fanotify) MuteTargetPaths(paths []types.PathSpec) error {
	return f.markPaths(paths, unix.FAN_MARK_ADD)
}

func (f *Fanotify) UnmuteTargetPaths(paths []types.PathSpec) error {
	return f.markPaths(paths, unix.FAN_MARK_REMOVE)
}

func (f *Fanotify) markPaths(paths []types.PathSpec, op uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return fmt.Errorf("source not established")
	}
	var mask uint64
	for k := range f.kinds {
		mask |= kindMasks[k]
	}
	if mask == 0 {
		mask = unix.FAN_OPEN_PERM | unix.FAN_OPEN_EXEC_PERM
	}
	for _, p := range paths {
		flags := op | unix.FAN_MARK_IGNORED_MASK | unix.FAN_MARK_IGNORED_SURV_MODIFY
		if err := unix.FanotifyMark(f.fd, flags, mask, unix.AT_FDCWD, p.Path); err != nil {
			if os.IsNotExist(err) {
				// A mute for a path that does not exist yet stays
				// agent-side only.
				continue
			}
			return fmt.Errorf("fanotify ignore mark %s: %w", p.Path, err)
		}
	}
	return nil
}

func (f *Fanotify) UnmuteAllTargetPaths() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return nil
	}
	// FAN_MARK_FLUSH drops every inode mark, which is exactly the ignore
	// set; the mount mark carrying subscriptions is flushed separately.
	if err := unix.FanotifyMark(f.fd, unix.FAN_MARK_FLUSH, 0, unix.AT_FDCWD, f.MountPoint); err != nil {
		return fmt.Errorf("fanotify flush marks: %w", err)
	}
	return nil
}

// Process muting has no kernel-side representation in fanotify; the agent
// filter handles it.
func (f *Fanotify) EnableProcessWatching() error              { return nil }
func (f *Fanotify) MuteProcess(types.AuditToken) error        { return nil }
func (f *Fanotify) UnmuteProcess(types.AuditToken) error      { return nil }

// ClearCache is a no-op: fanotify keeps no reply cache.
func (f *Fanotify) ClearCache() error { return nil }

func (f *Fanotify) Events() <-chan RawEvent { return f.events }

func (f *Fanotify) readLoop() {
	defer close(f.events)
	buf := make([]byte, 4096*unix.FAN_EVENT_METADATA_LEN)
	for {
		n, err := unix.Read(f.fd, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			f.mu.Lock()
			open := f.open
			f.mu.Unlock()
			if open {
				slog.Error("fanotify read failed", "error", err)
			}
			return
		}
		off := 0
		for off+int(unix.FAN_EVENT_METADATA_LEN) <= n {
			meta := (*unix.FanotifyEventMetadata)(unsafe.Pointer(&buf[off]))
			if meta.Event_len < uint32(unix.FAN_EVENT_METADATA_LEN) {
				break
			}
			f.dispatch(meta)
			off += int(meta.Event_len)
		}
	}
}

func (f *Fanotify) dispatch(meta *unix.FanotifyEventMetadata) {
	kind := kindForMask(meta.Mask)
	isPerm := meta.Mask&(unix.FAN_OPEN_PERM|unix.FAN_OPEN_EXEC_PERM|unix.FAN_ACCESS_PERM) != 0

	// Our own file accesses never go through policy.
	if meta.Pid == f.selfPID {
		if isPerm {
			f.writeResponse(meta.Fd, true)
		}
		f.closeEventFd(meta.Fd)
		return
	}

	path := ""
	var vnode types.VnodeID
	if meta.Fd >= 0 {
		if p, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", meta.Fd)); err == nil {
			path = p
		}
		var st unix.Stat_t
		if err := unix.Fstat(int(meta.Fd), &st); err == nil {
			vnode = types.VnodeID{Device: uint64(st.Dev), Inode: st.Ino}
		}
	}

	tok, err := procfs.Token("", meta.Pid)
	if err != nil {
		// Process already gone; keep the pid-only token.
		tok = types.AuditToken{PID: meta.Pid}
	}

	ev := RawEvent{
		Kind:     kind,
		Process:  tok,
		Vnode:    vnode,
		Deadline: time.Now().Add(f.Deadline),
	}
	if path != "" {
		ev.Targets = []types.PathSpec{{Path: path, Type: types.PathLiteral}}
	}
	if kind == types.KindOpen {
		ev.RequestedFlags = 0x1
	}

	if isPerm {
		eventFd := meta.Fd
		var once sync.Once
		ev.Respond = func(r Reply) bool {
			ok := false
			once.Do(func() {
				allow := r.Allow
				if r.Shape == types.ReplyFlags {
					allow = r.Flags != 0
				}
				ok = f.writeResponse(eventFd, allow)
				f.closeEventFd(eventFd)
			})
			return ok
		}
	} else {
		f.closeEventFd(meta.Fd)
	}

	select {
	case f.events <- ev:
	default:
		// Never stall the kernel reader: answer with the kernel's own
		// default rather than queue behind a stuck consumer.
		slog.Warn("event channel full, replying default", "kind", kind, "path", path)
		if ev.Respond != nil {
			ev.Respond(Reply{Shape: types.ReplyBinary, Allow: kind != types.KindExec})
		}
	}
}

func kindForMask(mask uint64) types.EventKind {
	switch {
	case mask&unix.FAN_OPEN_EXEC_PERM != 0:
		return types.KindExec
	case mask&unix.FAN_OPEN_PERM != 0:
		return types.KindOpen
	case mask&unix.FAN_CLOSE_WRITE != 0:
		return types.KindClose
	default:
		return types.KindClose
	}
}

func (f *Fanotify) writeResponse(eventFd int32, allow bool) bool {
	resp := unix.FanotifyResponse{Fd: eventFd, Response: unix.FAN_ALLOW}
	if !allow {
		resp.Response = unix.FAN_DENY
	}
	b := (*[unsafe.Sizeof(resp)]byte)(unsafe.Pointer(&resp))[:]
	f.mu.Lock()
	fd := f.fd
	open := f.open
	f.mu.Unlock()
	if !open {
		return false
	}
	_, err := unix.Write(fd, b)
	return err == nil
}

func (f *Fanotify) closeEventFd(fd int32) {
	if fd >= 0 {
		_ = unix.Close(int(fd))
	}
}
