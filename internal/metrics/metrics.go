package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector provides a minimal Prometheus-compatible metrics exporter.
type Collector struct {
	startedAt time.Time

	eventsTotal atomic.Uint64
	byKind      sync.Map // string -> *atomic.Uint64

	allowed atomic.Uint64
	denied  atomic.Uint64

	cacheHits   atomic.Uint64
	cacheMisses atomic.Uint64

	mutedDrops       atomic.Uint64
	deadlineDefaults atomic.Uint64
	respondFailures  atomic.Uint64
	notifyDropped    atomic.Uint64
}

func New() *Collector {
	return &Collector{startedAt: time.Now().UTC()}
}

func (c *Collector) IncEvent(kind string) {
	if c == nil {
		return
	}
	c.eventsTotal.Add(1)
	if kind == "" {
		kind = "unknown"
	}
	ptr, _ := c.byKind.LoadOrStore(kind, &atomic.Uint64{})
	ptr.(*atomic.Uint64).Add(1)
}

func (c *Collector) IncDecision(allowed bool) {
	if c == nil {
		return
	}
	if allowed {
		c.allowed.Add(1)
	} else {
		c.denied.Add(1)
	}
}

func (c *Collector) IncCacheHit() {
	if c == nil {
		return
	}
	c.cacheHits.Add(1)
}

func (c *Collector) IncCacheMiss() {
	if c == nil {
		return
	}
	c.cacheMisses.Add(1)
}

func (c *Collector) IncMutedDrop() {
	if c == nil {
		return
	}
	c.mutedDrops.Add(1)
}

func (c *Collector) IncDeadlineDefault() {
	if c == nil {
		return
	}
	c.deadlineDefaults.Add(1)
}

func (c *Collector) IncRespondFailure() {
	if c == nil {
		return
	}
	c.respondFailures.Add(1)
}

func (c *Collector) IncNotifyDropped() {
	if c == nil {
		return
	}
	c.notifyDropped.Add(1)
}

type HandlerOptions struct {
	CacheCounts func() (root, nonRoot uint64)
}

func (c *Collector) Handler(opts HandlerOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, "# HELP hostsentry_up Whether the agent is running.\n")
		fmt.Fprint(w, "# TYPE hostsentry_up gauge\n")
		fmt.Fprint(w, "hostsentry_up 1\n")

		fmt.Fprint(w, "# HELP hostsentry_events_total Total kernel events received.\n")
		fmt.Fprint(w, "# TYPE hostsentry_events_total counter\n")
		fmt.Fprintf(w, "hostsentry_events_total %d\n", c.eventsTotal.Load())

		kinds := snapshotKeys(&c.byKind)
		if len(kinds) > 0 {
			fmt.Fprint(w, "# HELP hostsentry_events_by_kind_total Events received by kind.\n")
			fmt.Fprint(w, "# TYPE hostsentry_events_by_kind_total counter\n")
			for _, k := range kinds {
				ptr, _ := c.byKind.Load(k)
				n := uint64(0)
				if ptr != nil {
					n = ptr.(*atomic.Uint64).Load()
				}
				fmt.Fprintf(w, "hostsentry_events_by_kind_total{kind=\"%s\"} %d\n", escapeLabelValue(k), n)
			}
		}

		fmt.Fprint(w, "# HELP hostsentry_decisions_total Authorization replies sent by action.\n")
		fmt.Fprint(w, "# TYPE hostsentry_decisions_total counter\n")
		fmt.Fprintf(w, "hostsentry_decisions_total{action=\"allow\"} %d\n", c.allowed.Load())
		fmt.Fprintf(w, "hostsentry_decisions_total{action=\"deny\"} %d\n", c.denied.Load())

		fmt.Fprint(w, "# HELP hostsentry_cache_lookups_total Decision cache lookups.\n")
		fmt.Fprint(w, "# TYPE hostsentry_cache_lookups_total counter\n")
		fmt.Fprintf(w, "hostsentry_cache_lookups_total{result=\"hit\"} %d\n", c.cacheHits.Load())
		fmt.Fprintf(w, "hostsentry_cache_lookups_total{result=\"miss\"} %d\n", c.cacheMisses.Load())

		fmt.Fprint(w, "# HELP hostsentry_muted_drops_total Events dropped by the mute filter.\n")
		fmt.Fprint(w, "# TYPE hostsentry_muted_drops_total counter\n")
		fmt.Fprintf(w, "hostsentry_muted_drops_total %d\n", c.mutedDrops.Load())

		fmt.Fprint(w, "# HELP hostsentry_deadline_defaults_total Replies answered by the deadline watchdog.\n")
		fmt.Fprint(w, "# TYPE hostsentry_deadline_defaults_total counter\n")
		fmt.Fprintf(w, "hostsentry_deadline_defaults_total %d\n", c.deadlineDefaults.Load())

		fmt.Fprint(w, "# HELP hostsentry_respond_failures_total Replies that could not be delivered.\n")
		fmt.Fprint(w, "# TYPE hostsentry_respond_failures_total counter\n")
		fmt.Fprintf(w, "hostsentry_respond_failures_total %d\n", c.respondFailures.Load())

		fmt.Fprint(w, "# HELP hostsentry_notifications_dropped_total GUI notifications dropped on slow listeners.\n")
		fmt.Fprint(w, "# TYPE hostsentry_notifications_dropped_total counter\n")
		fmt.Fprintf(w, "hostsentry_notifications_dropped_total %d\n", c.notifyDropped.Load())

		if opts.CacheCounts != nil {
			root, nonRoot := opts.CacheCounts()
			fmt.Fprint(w, "# HELP hostsentry_cache_entries Decision cache entries by scope.\n")
			fmt.Fprint(w, "# TYPE hostsentry_cache_entries gauge\n")
			fmt.Fprintf(w, "hostsentry_cache_entries{scope=\"root\"} %d\n", root)
			fmt.Fprintf(w, "hostsentry_cache_entries{scope=\"nonroot\"} %d\n", nonRoot)
		}
	})
}

func snapshotKeys(m *sync.Map) []string {
	var out []string
	m.Range(func(k, _ any) bool {
		if s, ok := k.(string); ok {
			out = append(out, s)
		}
		return true
	})
	sort.Strings(out)
	return out
}

func escapeLabelValue(v string) string {
	// Prometheus text format label escaping for " and \ and newlines.
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\n", "\\n")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	return v
}
