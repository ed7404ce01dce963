// Package authcache maps vnode identities to previously computed
// authorization actions. Entries on the root filesystem device are tracked
// separately from everything else so the two populations can be sized and
// reset independently.
package authcache

import (
	"sync"

	"github.com/hostsentry/hostsentry/pkg/types"
)

type Cache struct {
	mu sync.RWMutex

	root    map[types.VnodeID]types.Action
	nonRoot map[types.VnodeID]types.Action

	// inflight coalesces concurrent computations for the same vnode:
	// the first caller computes, later callers wait on done.
	inflight map[types.VnodeID]*flight

	// gen fences Clear against computations that started before it.
	gen uint64

	rootDevice  uint64
	maxPerScope int
}

type flight struct {
	done     chan struct{}
	decision types.Decision
}

func New(rootDevice uint64, maxPerScope int) *Cache {
	if maxPerScope <= 0 {
		maxPerScope = 65536
	}
	return &Cache{
		root:        make(map[types.VnodeID]types.Action),
		nonRoot:     make(map[types.VnodeID]types.Action),
		inflight:    make(map[types.VnodeID]*flight),
		rootDevice:  rootDevice,
		maxPerScope: maxPerScope,
	}
}

func (c *Cache) scopeLocked(id types.VnodeID) map[types.VnodeID]types.Action {
	if id.Device == c.rootDevice {
		return c.root
	}
	return c.nonRoot
}

// Check returns the cached action for id, or ActionUnknown on a miss.
func (c *Cache) Check(id types.VnodeID) types.Action {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if a, ok := c.scopeLocked(id)[id]; ok {
		return a
	}
	return types.ActionUnknown
}

// Counts reports the entry count per scope.
func (c *Cache) Counts() (root, nonRoot uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return uint64(len(c.root)), uint64(len(c.nonRoot))
}

// Clear drops both scopes. Computations already in flight finish and hand
// their result to their waiters, but cannot insert past the clear.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.root = make(map[types.VnodeID]types.Action)
	c.nonRoot = make(map[types.VnodeID]types.Action)
	c.gen++
	c.mu.Unlock()
}

// Compute returns the cached decision for id, or runs fn exactly once to
// produce it. Concurrent callers for the same id block until the first
// caller's fn returns and then all observe the same decision. fn runs
// without any cache lock held.
func (c *Cache) Compute(id types.VnodeID, fn func() types.Decision) types.Decision {
	c.mu.Lock()
	if a, ok := c.scopeLocked(id)[id]; ok {
		c.mu.Unlock()
		return types.Decision{Action: a, Cacheable: true}
	}
	if f, ok := c.inflight[id]; ok {
		c.mu.Unlock()
		<-f.done
		return f.decision
	}
	f := &flight{done: make(chan struct{})}
	c.inflight[id] = f
	startGen := c.gen
	c.mu.Unlock()

	f.decision = fn()

	c.mu.Lock()
	if f.decision.Cacheable && c.gen == startGen {
		scope := c.scopeLocked(id)
		if len(scope) >= c.maxPerScope {
			// Reset the whole scope rather than evicting piecemeal; a full
			// scope means the population outgrew its budget.
			if id.Device == c.rootDevice {
				c.root = make(map[types.VnodeID]types.Action)
				scope = c.root
			} else {
				c.nonRoot = make(map[types.VnodeID]types.Action)
				scope = c.nonRoot
			}
		}
		scope[id] = f.decision.Action
	}
	delete(c.inflight, id)
	c.mu.Unlock()

	close(f.done)
	return f.decision
}
