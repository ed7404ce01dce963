package authz

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/hostsentry/hostsentry/internal/authcache"
	"github.com/hostsentry/hostsentry/internal/enrich"
	"github.com/hostsentry/hostsentry/internal/eventsource"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/mutes"
	"github.com/hostsentry/hostsentry/pkg/types"
)

// Evaluator computes the policy decision for an enriched message. It is
// the external policy collaborator; the client never inspects rules
// itself.
type Evaluator interface {
	Evaluate(em *EnrichedMessage) types.Decision
}

// Config wires the client. Source, Cache, Mutes, Enricher and Evaluator
// are required.
type Config struct {
	Source    eventsource.Source
	Cache     *authcache.Cache
	Mutes     *mutes.Manager
	Enricher  *enrich.Pipeline
	Evaluator Evaluator
	Metrics   *metrics.Collector

	// DeadlineSlack is how long before an event's deadline the watchdog
	// answers with the fail-safe default.
	DeadlineSlack time.Duration

	// FailClosed reports whether the kernel default for a kind is deny.
	// The watchdog default mirrors it.
	FailClosed func(types.EventKind) bool

	// Workers bounds concurrent async processing.
	Workers int

	// OnDecision runs after the reply for every decided authorization
	// event, off the delivery goroutine. Used for telemetry and GUI
	// notification fan-out; it must not block for long.
	OnDecision func(em *EnrichedMessage, d types.Decision)

	// OnNotify runs for notify-class events (close, exit).
	OnNotify func(m *Message)
}

// Client owns the connection to the kernel event source and the decision
// path for everything delivered over it.
type Client struct {
	source    eventsource.Source
	cache     *authcache.Cache
	mutes     *mutes.Manager
	enricher  *enrich.Pipeline
	evaluator Evaluator
	metrics   *metrics.Collector

	deadlineSlack time.Duration
	failClosed    func(types.EventKind) bool
	onDecision    func(*EnrichedMessage, types.Decision)
	onNotify      func(*Message)

	sem chan struct{}
	wg  sync.WaitGroup

	mu         sync.RWMutex
	subscribed map[types.EventKind]struct{}
}

func NewClient(cfg Config) (*Client, error) {
	if cfg.Source == nil || cfg.Cache == nil || cfg.Mutes == nil || cfg.Enricher == nil || cfg.Evaluator == nil {
		return nil, fmt.Errorf("authz: source, cache, mutes, enricher and evaluator are required")
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	failClosed := cfg.FailClosed
	if failClosed == nil {
		failClosed = func(types.EventKind) bool { return false }
	}
	return &Client{
		source:        cfg.Source,
		cache:         cfg.Cache,
		mutes:         cfg.Mutes,
		enricher:      cfg.Enricher,
		evaluator:     cfg.Evaluator,
		metrics:       cfg.Metrics,
		deadlineSlack: cfg.DeadlineSlack,
		failClosed:    failClosed,
		onDecision:    cfg.OnDecision,
		onNotify:      cfg.OnNotify,
		sem:           make(chan struct{}, workers),
		subscribed:    make(map[types.EventKind]struct{}),
	}, nil
}

// Establish creates the connection to the event source. Failure is
// unrecoverable: the agent cannot assert protection without it, and the
// startup sequence must terminate the process on error rather than run
// half-initialized.
func (c *Client) Establish() error {
	if err := c.source.Establish(); err != nil {
		return fmt.Errorf("establish event source: %w", err)
	}
	return nil
}

func (c *Client) Subscribe(kinds []types.EventKind) error {
	if err := c.source.Subscribe(kinds); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	c.mu.Lock()
	for _, k := range kinds {
		c.subscribed[k] = struct{}{}
	}
	c.mu.Unlock()
	return nil
}

// SubscribeAndClearCache subscribes and then unconditionally drops the
// decision cache. Between client creation and subscription another client
// could have cached conflicting results; clearing after subscribing (not
// before) removes anything cached during that window.
func (c *Client) SubscribeAndClearCache(kinds []types.EventKind) error {
	if err := c.Subscribe(kinds); err != nil {
		return err
	}
	if err := c.ClearCache(); err != nil {
		return err
	}
	return nil
}

// UnsubscribeAll revokes every subscription. Safe to call repeatedly and
// while events are in flight; admitted events still get their reply.
func (c *Client) UnsubscribeAll() error {
	c.mu.Lock()
	c.subscribed = make(map[types.EventKind]struct{})
	c.mu.Unlock()
	if err := c.source.UnsubscribeAll(); err != nil {
		return fmt.Errorf("unsubscribe all: %w", err)
	}
	return nil
}

// ClearCache invalidates both agent cache scopes and asks the source to
// flush any kernel-side cache.
func (c *Client) ClearCache() error {
	c.cache.Clear()
	if err := c.source.ClearCache(); err != nil {
		return fmt.Errorf("clear kernel cache: %w", err)
	}
	return nil
}

func (c *Client) Subscriptions() []types.EventKind {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]types.EventKind, 0, len(c.subscribed))
	for k := range c.subscribed {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Mute operations apply agent-side first so the filter is effective even
// when the source has no kernel-side representation for them.

func (c *Client) EnableTargetPathWatching() error {
	c.mutes.EnableTargetPathWatching()
	return c.source.EnableTargetPathWatching()
}

func (c *Client) MuteTargetPaths(paths []types.PathSpec) error {
	c.mutes.MuteTargetPaths(paths)
	return c.source.MuteTargetPaths(paths)
}

func (c *Client) UnmuteTargetPaths(paths []types.PathSpec) error {
	c.mutes.UnmuteTargetPaths(paths)
	return c.source.UnmuteTargetPaths(paths)
}

func (c *Client) UnmuteAllTargetPaths() error {
	c.mutes.UnmuteAllTargetPaths()
	return c.source.UnmuteAllTargetPaths()
}

func (c *Client) EnableProcessWatching() error {
	c.mutes.EnableProcessWatching()
	return c.source.EnableProcessWatching()
}

func (c *Client) MuteProcess(tok types.AuditToken) error {
	c.mutes.MuteProcess(tok)
	return c.source.MuteProcess(tok)
}

func (c *Client) UnmuteProcess(tok types.AuditToken) error {
	c.mutes.UnmuteProcess(tok)
	return c.source.UnmuteProcess(tok)
}

func (c *Client) MuteState() mutes.State { return c.mutes.State() }

func (c *Client) CacheCounts() (root, nonRoot uint64) { return c.cache.Counts() }

func (c *Client) CheckCacheForVnodeID(id types.VnodeID) types.Action {
	return c.cache.Check(id)
}

// Run consumes deliveries until the source closes its channel or ctx is
// canceled, then waits for in-flight handlers so every admitted event is
// answered before return.
func (c *Client) Run(ctx context.Context) error {
	events := c.source.Events()
	for {
		select {
		case <-ctx.Done():
			c.wg.Wait()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				c.wg.Wait()
				return nil
			}
			c.handleEvent(ev)
		}
	}
}

// handleEvent is the admission path. It runs on the delivery goroutine
// and must stay non-blocking: mute filter and cache lookup only, with
// everything slower handed to the async pool.
func (c *Client) handleEvent(ev eventsource.RawEvent) {
	m := NewMessage(ev)
	c.metrics.IncEvent(string(m.Kind()))

	if !m.Kind().AuthorizationClass() {
		if c.onNotify != nil {
			c.AsynchronouslyProcess(m, c.onNotify)
		}
		return
	}

	c.armWatchdog(m)

	if c.mutes.Muted(m.Process(), m.Targets()) {
		// Muting suppresses policy evaluation, not the mandatory reply:
		// an exempted event is allowed through without caching.
		c.metrics.IncMutedDrop()
		c.RespondToMessage(m, types.ActionAllow, false)
		return
	}

	if id := m.Vnode(); id != (types.VnodeID{}) {
		if a := c.cache.Check(id); a != types.ActionUnknown {
			c.metrics.IncCacheHit()
			c.RespondToMessage(m, a, true)
			return
		}
		c.metrics.IncCacheMiss()
	}

	c.AsynchronouslyProcess(m, c.authorize)
}

// authorize runs on the async pool: enrich, evaluate (coalesced per
// vnode), reply, then fan out to the decision hook.
func (c *Client) authorize(m *Message) {
	var em *EnrichedMessage
	decide := func() types.Decision {
		em = &EnrichedMessage{
			Msg:     m,
			Context: c.enricher.Enrich(m.Process().PID, m.TargetPath(), m.Deadline()),
		}
		d := c.evaluator.Evaluate(em)
		if em.Context.Degraded {
			d.Cacheable = false
		}
		return d
	}

	var d types.Decision
	if id := m.Vnode(); id != (types.VnodeID{}) {
		d = c.cache.Compute(id, decide)
	} else {
		d = decide()
	}

	c.RespondToMessage(m, d.Action, d.Cacheable)

	if c.onDecision != nil {
		if em == nil {
			// Coalesced waiter: the leader enriched; rebuild a minimal
			// view for the hook.
			em = &EnrichedMessage{Msg: m}
		}
		c.onDecision(em, d)
	}
}

// armWatchdog schedules the fail-safe default at deadline minus slack, so
// an event stuck behind slow enrichment is answered before the kernel
// applies its own default.
func (c *Client) armWatchdog(m *Message) {
	deadline := m.Deadline()
	if deadline.IsZero() {
		return
	}
	wait := time.Until(deadline) - c.deadlineSlack
	if wait < 0 {
		wait = 0
	}
	t := time.AfterFunc(wait, func() {
		action := types.ActionAllow
		if c.failClosed(m.Kind()) {
			action = types.ActionDeny
		}
		r, ok := translate(m.Kind(), m.RequestedFlags(), action, false)
		if !ok {
			return
		}
		if m.deliver(r) {
			c.metrics.IncDeadlineDefault()
			c.metrics.IncDecision(action == types.ActionAllow)
			slog.Warn("deadline watchdog answered event",
				"kind", m.Kind(), "path", m.TargetPath(), "action", action)
		}
	})
	m.watchdog.Store(t)
}
