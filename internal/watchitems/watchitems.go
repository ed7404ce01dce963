// Package watchitems gates file access to protected paths. Items come
// from a YAML file of glob patterns and reload live: editing the file
// swaps the compiled set and invalidates existing cached decisions
// through the reload hook.
package watchitems

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// File is the on-disk shape of the watch-item configuration.
type File struct {
	Version string `yaml:"version"`
	Items   []Item `yaml:"items"`
}

type Item struct {
	Name    string   `yaml:"name"`
	Paths   []string `yaml:"paths"`
	Policy  string   `yaml:"policy"` // deny or allow
	Kinds   []string `yaml:"kinds"`  // open, rename, unlink, mount; empty means all
	Message string   `yaml:"message"`
}

type compiledItem struct {
	name    string
	globs   []glob.Glob
	deny    bool
	kinds   map[types.EventKind]struct{}
	message string
}

func (ci *compiledItem) covers(path string, kind types.EventKind) bool {
	if len(ci.kinds) > 0 {
		if _, ok := ci.kinds[kind]; !ok {
			return false
		}
	}
	for _, g := range ci.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}

// State is the control-surface view of the manager.
type State struct {
	Enabled    bool      `json:"enabled"`
	ConfigPath string    `json:"config_path,omitempty"`
	Version    string    `json:"version,omitempty"`
	ItemCount  int       `json:"item_count"`
	LastReload time.Time `json:"last_reload,omitempty"`
}

// Manager holds the compiled item set and serves match queries.
type Manager struct {
	path     string
	onReload func()

	mu         sync.RWMutex
	version    string
	items      []*compiledItem
	lastReload time.Time
}

// New loads the item file at path. onReload runs after every successful
// live reload, outside the manager lock; the caller uses it to clear
// the decision cache.
func New(path string, onReload func()) (*Manager, error) {
	m := &Manager{path: path, onReload: onReload}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func compile(f File) ([]*compiledItem, error) {
	var items []*compiledItem
	for _, it := range f.Items {
		if len(it.Paths) == 0 {
			return nil, fmt.Errorf("watch item %q has no paths", it.Name)
		}
		ci := &compiledItem{name: it.Name, message: it.Message}
		switch it.Policy {
		case "", "deny":
			ci.deny = true
		case "allow":
		default:
			return nil, fmt.Errorf("watch item %q: bad policy %q", it.Name, it.Policy)
		}
		for _, p := range it.Paths {
			g, err := glob.Compile(p, '/')
			if err != nil {
				return nil, fmt.Errorf("watch item %q: pattern %q: %w", it.Name, p, err)
			}
			ci.globs = append(ci.globs, g)
		}
		if len(it.Kinds) > 0 {
			ci.kinds = make(map[types.EventKind]struct{}, len(it.Kinds))
			for _, k := range it.Kinds {
				kind := types.EventKind(k)
				if !kind.Valid() {
					return nil, fmt.Errorf("watch item %q: bad kind %q", it.Name, k)
				}
				ci.kinds[kind] = struct{}{}
			}
		}
		items = append(items, ci)
	}
	return items, nil
}

func (m *Manager) reload() error {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return fmt.Errorf("read watch items: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return fmt.Errorf("parse watch items: %w", err)
	}
	items, err := compile(f)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.version = f.Version
	m.items = items
	m.lastReload = time.Now()
	m.mu.Unlock()
	return nil
}

// Decide reports the policy for path on kind. The bool is false when no
// item covers the path; the caller falls back to its own default. The
// item name rides along in the decision for logging and telemetry.
func (m *Manager) Decide(path string, kind types.EventKind) (types.Decision, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ci := range m.items {
		if !ci.covers(path, kind) {
			continue
		}
		action := types.ActionAllow
		if ci.deny {
			action = types.ActionDeny
		}
		return types.Decision{
			Action:    action,
			Cacheable: true,
			Rule:      "watch/" + ci.name,
			Message:   ci.message,
		}, true
	}
	return types.Decision{}, false
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return State{
		Enabled:    true,
		ConfigPath: m.path,
		Version:    m.version,
		ItemCount:  len(m.items),
		LastReload: m.lastReload,
	}
}

// Watch reloads the item set when the file changes. Editors replace the
// file by rename, so the watch covers the parent directory. Blocks
// until ctx is done.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(m.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(m.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != m.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := m.reload(); err != nil {
				// A bad edit keeps the previous compiled set active.
				slog.Error("watch items reload failed, keeping previous set",
					"path", m.path, "error", err)
				continue
			}
			st := m.State()
			slog.Info("watch items reloaded",
				"path", m.path, "version", st.Version, "items", st.ItemCount)
			if m.onReload != nil {
				m.onReload()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Error("watch items watcher error", "error", err)
		}
	}
}
