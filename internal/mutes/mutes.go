// Package mutes tracks the paths and processes exempted from policy
// evaluation. Membership checks run on every candidate event, so the sets
// are read-optimized; mutations take the write lock and apply atomically.
package mutes

import (
	"path/filepath"
	"sync"

	"github.com/hostsentry/hostsentry/pkg/types"
)

type Manager struct {
	mu sync.RWMutex

	pathWatching bool
	procWatching bool

	literal map[string]struct{}
	prefix  map[string]struct{}
	procs   map[types.AuditToken]struct{}
}

func NewManager() *Manager {
	return &Manager{
		literal: make(map[string]struct{}),
		prefix:  make(map[string]struct{}),
		procs:   make(map[types.AuditToken]struct{}),
	}
}

func (m *Manager) EnableTargetPathWatching() {
	m.mu.Lock()
	m.pathWatching = true
	m.mu.Unlock()
}

func (m *Manager) EnableProcessWatching() {
	m.mu.Lock()
	m.procWatching = true
	m.mu.Unlock()
}

// MuteTargetPaths adds the batch under one write lock so no concurrent
// check can observe a half-applied update.
func (m *Manager) MuteTargetPaths(paths []types.PathSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		cp := filepath.Clean(p.Path)
		if p.Type == types.PathPrefix {
			m.prefix[cp] = struct{}{}
		} else {
			m.literal[cp] = struct{}{}
		}
	}
}

func (m *Manager) UnmuteTargetPaths(paths []types.PathSpec) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		cp := filepath.Clean(p.Path)
		if p.Type == types.PathPrefix {
			delete(m.prefix, cp)
		} else {
			delete(m.literal, cp)
		}
	}
}

func (m *Manager) UnmuteAllTargetPaths() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.literal = make(map[string]struct{})
	m.prefix = make(map[string]struct{})
}

func (m *Manager) MuteProcess(tok types.AuditToken) {
	m.mu.Lock()
	m.procs[tok] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) UnmuteProcess(tok types.AuditToken) {
	m.mu.Lock()
	delete(m.procs, tok)
	m.mu.Unlock()
}

// PathMuted reports whether path matches a literal entry exactly or falls
// under any subtree entry. Cost is one map lookup per path segment.
func (m *Manager) PathMuted(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.pathWatching {
		return false
	}
	return m.pathMutedLocked(filepath.Clean(path))
}

func (m *Manager) pathMutedLocked(path string) bool {
	if _, ok := m.literal[path]; ok {
		return true
	}
	if len(m.prefix) == 0 {
		return false
	}
	for p := path; ; {
		if _, ok := m.prefix[p]; ok {
			return true
		}
		parent := filepath.Dir(p)
		if parent == p {
			return false
		}
		p = parent
	}
}

func (m *Manager) ProcessMuted(tok types.AuditToken) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.procWatching {
		return false
	}
	_, ok := m.procs[tok]
	return ok
}

// Muted is the admission filter: true when the originating process or any
// target path of the event is exempted.
func (m *Manager) Muted(proc types.AuditToken, targets []types.PathSpec) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.procWatching {
		if _, ok := m.procs[proc]; ok {
			return true
		}
	}
	if m.pathWatching {
		for _, t := range targets {
			if m.pathMutedLocked(filepath.Clean(t.Path)) {
				return true
			}
		}
	}
	return false
}

// State summarizes the active sets for the control surface.
type State struct {
	PathWatching    bool `json:"path_watching"`
	ProcessWatching bool `json:"process_watching"`
	LiteralPaths    int  `json:"literal_paths"`
	PrefixPaths     int  `json:"prefix_paths"`
	Processes       int  `json:"processes"`
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		PathWatching:    m.pathWatching,
		ProcessWatching: m.procWatching,
		LiteralPaths:    len(m.literal),
		PrefixPaths:     len(m.prefix),
		Processes:       len(m.procs),
	}
}

// Paths returns the active path entries, for kernel-side mute replay after
// a subscription reset.
func (m *Manager) Paths() []types.PathSpec {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]types.PathSpec, 0, len(m.literal)+len(m.prefix))
	for p := range m.literal {
		out = append(out, types.PathSpec{Path: p, Type: types.PathLiteral})
	}
	for p := range m.prefix {
		out = append(out, types.PathSpec{Path: p, Type: types.PathPrefix})
	}
	return out
}
