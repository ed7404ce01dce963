package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hostsentry/hostsentry/pkg/types"
)

type Config struct {
	Mode        types.ClientMode  `yaml:"mode"`
	EventSource EventSourceConfig `yaml:"event_source"`
	Cache       CacheConfig       `yaml:"cache"`
	Mutes       MutesConfig       `yaml:"mutes"`
	Rules       RulesConfig       `yaml:"rules"`
	WatchItems  WatchItemsConfig  `yaml:"watch_items"`
	Server      ServerConfig      `yaml:"server"`
	Export      ExportConfig      `yaml:"export"`
	Notify      NotifyConfig      `yaml:"notify"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// EventSourceConfig describes the kernel event source. The deadline and the
// per-kind fail-safe defaults are properties of the environment, not of this
// code, so they are always configuration.
type EventSourceConfig struct {
	// Kinds to subscribe to at startup. Empty means all authorization kinds.
	Kinds []types.EventKind `yaml:"kinds"`

	// Deadline is the reply budget granted per event when the source does
	// not carry one itself.
	Deadline time.Duration `yaml:"deadline"`

	// DeadlineSlack is how long before the deadline the watchdog gives up
	// on enrichment and sends the fail-safe default.
	DeadlineSlack time.Duration `yaml:"deadline_slack"`

	// FailClosedKinds lists kinds whose kernel default (and therefore our
	// fail-safe default) is deny. All other kinds fail open.
	FailClosedKinds []types.EventKind `yaml:"fail_closed_kinds"`

	// Workers bounds the async processing pool.
	Workers int `yaml:"workers"`
}

type CacheConfig struct {
	// MaxPerScope resets a scope once it holds this many entries.
	MaxPerScope int `yaml:"max_per_scope"`

	// RootDevice overrides root-scope detection; zero means stat "/".
	RootDevice uint64 `yaml:"root_device"`
}

type MutesConfig struct {
	Paths     []types.PathSpec `yaml:"paths"`
	Processes []int32          `yaml:"processes"`
}

type RulesConfig struct {
	DBPath string `yaml:"db_path"`
}

type WatchItemsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type ExportConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Endpoint     string        `yaml:"endpoint"`
	Insecure     bool          `yaml:"insecure"`
	BatchTimeout time.Duration `yaml:"batch_timeout"`
	BatchMaxSize int           `yaml:"batch_max_size"`
}

type NotifyConfig struct {
	Buffer int `yaml:"buffer"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

func Default() *Config {
	return &Config{
		Mode: types.ModeMonitor,
		EventSource: EventSourceConfig{
			Deadline:        10 * time.Second,
			DeadlineSlack:   2 * time.Second,
			FailClosedKinds: []types.EventKind{types.KindExec},
			Workers:         8,
		},
		Cache: CacheConfig{
			MaxPerScope: 65536,
		},
		Rules: RulesConfig{
			DBPath: "/var/lib/hostsentry/rules.db",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:9750",
		},
		Export: ExportConfig{
			BatchTimeout: 5 * time.Second,
			BatchMaxSize: 256,
		},
		Notify: NotifyConfig{
			Buffer: 128,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path and overlays it on Default. A missing path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", c.Mode)
	}
	for _, k := range c.EventSource.Kinds {
		if !k.Valid() {
			return fmt.Errorf("invalid event kind %q", k)
		}
	}
	for _, k := range c.EventSource.FailClosedKinds {
		if !k.Valid() {
			return fmt.Errorf("invalid fail_closed kind %q", k)
		}
	}
	if c.EventSource.Deadline <= 0 {
		return fmt.Errorf("event_source.deadline must be positive")
	}
	if c.EventSource.DeadlineSlack < 0 || c.EventSource.DeadlineSlack >= c.EventSource.Deadline {
		return fmt.Errorf("event_source.deadline_slack must be in [0, deadline)")
	}
	if c.EventSource.Workers <= 0 {
		return fmt.Errorf("event_source.workers must be positive")
	}
	if c.Cache.MaxPerScope <= 0 {
		return fmt.Errorf("cache.max_per_scope must be positive")
	}
	for _, p := range c.Mutes.Paths {
		if p.Path == "" {
			return fmt.Errorf("mutes.paths entries need a path")
		}
		if p.Type != types.PathLiteral && p.Type != types.PathPrefix {
			return fmt.Errorf("mutes.paths %q: invalid type %q", p.Path, p.Type)
		}
	}
	if c.Export.Enabled && c.Export.Endpoint == "" {
		return fmt.Errorf("export.endpoint required when export is enabled")
	}
	return nil
}

// SubscribedKinds resolves the configured kinds, defaulting to every
// authorization-class kind.
func (c *Config) SubscribedKinds() []types.EventKind {
	if len(c.EventSource.Kinds) > 0 {
		return c.EventSource.Kinds
	}
	var out []types.EventKind
	for _, k := range types.AllKinds {
		if k.AuthorizationClass() {
			out = append(out, k)
		}
	}
	return out
}

// FailClosed reports whether the kernel default for kind is deny.
func (c *Config) FailClosed(kind types.EventKind) bool {
	for _, k := range c.EventSource.FailClosedKinds {
		if k == kind {
			return true
		}
	}
	return false
}
