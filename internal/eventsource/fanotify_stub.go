//go:build !linux

package eventsource

import (
	"fmt"
	"runtime"
	"time"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// Fanotify is unavailable off Linux; Establish always fails, which the
// startup path treats as fatal.
type Fanotify struct {
	Deadline   time.Duration
	MountPoint string
	events     chan RawEvent
}

func NewFanotify(deadline time.Duration, mountPoint string) *Fanotify {
	return &Fanotify{Deadline: deadline, MountPoint: mountPoint, events: make(chan RawEvent)}
}

func (f *Fanotify) Establish() error {
	return fmt.Errorf("fanotify event source unsupported on %s", runtime.GOOS)
}

func (f *Fanotify) Close() error                              { return nil }
func (f *Fanotify) Subscribe([]types.EventKind) error         { return fmt.Errorf("not established") }
func (f *Fanotify) UnsubscribeAll() error                     { return nil }
func (f *Fanotify) EnableTargetPathWatching() error           { return nil }
func (f *Fanotify) MuteTargetPaths([]types.PathSpec) error    { return nil }
func (f *Fanotify) UnmuteTargetPaths([]types.PathSpec) error  { return nil }
func (f *Fanotify) UnmuteAllTargetPaths() error               { return nil }
func (f *Fanotify) EnableProcessWatching() error              { return nil }
func (f *Fanotify) MuteProcess(types.AuditToken) error        { return nil }
func (f *Fanotify) UnmuteProcess(types.AuditToken) error      { return nil }
func (f *Fanotify) ClearCache() error                         { return nil }
func (f *Fanotify) Events() <-chan RawEvent                   { return f.events }
