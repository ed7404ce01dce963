package authz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/internal/authcache"
	"github.com/hostsentry/hostsentry/internal/enrich"
	"github.com/hostsentry/hostsentry/internal/eventsource"
	"github.com/hostsentry/hostsentry/internal/metrics"
	"github.com/hostsentry/hostsentry/internal/mutes"
	"github.com/hostsentry/hostsentry/pkg/types"
)

type evalFunc func(em *EnrichedMessage) types.Decision

func (f evalFunc) Evaluate(em *EnrichedMessage) types.Decision { return f(em) }

func allowEval(em *EnrichedMessage) types.Decision {
	return types.Decision{Action: types.ActionAllow, Cacheable: true}
}

type harness struct {
	fake     *eventsource.Fake
	client   *Client
	cancel   context.CancelFunc
	done     chan error
	bin      string
	stopOnce sync.Once
}

// stop shuts the run loop down and waits for in-flight work to drain.
func (h *harness) stop() {
	h.stopOnce.Do(func() {
		h.cancel()
		h.fake.Close()
		<-h.done
	})
}

// fakeProc fabricates the /proc entries enrichment reads, so contexts
// come back complete and decisions stay cacheable.
func fakeProc(t *testing.T, root string, pid, ppid int) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprint(pid))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stat := fmt.Sprintf("%d (proc%d) S %d 0 0 0 -1 0 0 0 0 0 0 0 0 0 20 0 1 0 %d 0 0", pid, pid, ppid, 1000+pid)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644))
	status := "Name:\tproc\nUid:\t0\t0\t0\t0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "status"), []byte(status), 0o644))
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	procRoot := filepath.Join(dir, "proc")
	fakeProc(t, procRoot, 4242, 1)
	fakeProc(t, procRoot, 1, 0)
	bin := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	enricher := enrich.NewPipeline(time.Millisecond, 0)
	enricher.ProcRoot = procRoot

	fake := eventsource.NewFake()
	cfg := Config{
		Source:        fake,
		Cache:         authcache.New(1, 1000),
		Mutes:         mutes.NewManager(),
		Enricher:      enricher,
		Evaluator:     evalFunc(allowEval),
		Metrics:       metrics.New(),
		DeadlineSlack: 50 * time.Millisecond,
		FailClosed:    func(k types.EventKind) bool { return k == types.KindExec },
		Workers:       4,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	client, err := NewClient(cfg)
	require.NoError(t, err)
	require.NoError(t, client.Establish())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- client.Run(ctx) }()

	h := &harness{fake: fake, client: client, cancel: cancel, done: done, bin: bin}
	t.Cleanup(h.stop)
	return h
}

func execEvent(vnode types.VnodeID, path string) eventsource.RawEvent {
	return eventsource.RawEvent{
		Kind:    types.KindExec,
		Process: types.AuditToken{PID: 4242, PIDVersion: 1},
		Targets: types.LiteralPaths(path),
		Vnode:   vnode,
	}
}

func waitReplies(t *testing.T, f *eventsource.Fake, id uint64, n int) []eventsource.Reply {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.Replies(id)) >= n
	}, 2*time.Second, 5*time.Millisecond, "event %d never got %d replies", id, n)
	return f.Replies(id)
}

func TestExactlyOneReplyPerMessage(t *testing.T) {
	h := newHarness(t, nil)

	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, h.fake.Inject(execEvent(types.VnodeID{Device: 2, Inode: uint64(i)}, "/bin/none")))
	}
	for _, id := range ids {
		waitReplies(t, h.fake, id, 1)
	}
	// No message ever accumulates a second reply.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, len(ids), h.fake.ReplyCount())
}

func TestCacheHitAnswersFromDeliveryPath(t *testing.T) {
	var evals atomic.Int64
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			evals.Add(1)
			return types.Decision{Action: types.ActionDeny, Cacheable: true}
		})
	})

	vn := types.VnodeID{Device: 2, Inode: 7}
	id1 := h.fake.Inject(execEvent(vn, h.bin))
	r1 := waitReplies(t, h.fake, id1, 1)
	assert.False(t, r1[0].Allow)

	id2 := h.fake.Inject(execEvent(vn, h.bin))
	r2 := waitReplies(t, h.fake, id2, 1)
	assert.False(t, r2[0].Allow)
	assert.True(t, r2[0].Cacheable)

	assert.Equal(t, int64(1), evals.Load(), "second event served from cache")
}

func TestConcurrentSameVnodeComputesOnce(t *testing.T) {
	var evals atomic.Int64
	gate := make(chan struct{})
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			evals.Add(1)
			<-gate
			return types.Decision{Action: types.ActionAllow, Cacheable: true}
		})
	})

	vn := types.VnodeID{Device: 2, Inode: 99}
	var ids []uint64
	for i := 0; i < 5; i++ {
		ids = append(ids, h.fake.Inject(execEvent(vn, h.bin)))
	}
	// Let all five events race into the miss path, then release.
	time.Sleep(50 * time.Millisecond)
	close(gate)

	for _, id := range ids {
		rs := waitReplies(t, h.fake, id, 1)
		assert.True(t, rs[0].Allow)
	}
	assert.Equal(t, int64(1), evals.Load())
}

func TestMutedEventGetsReplyWithoutEvaluation(t *testing.T) {
	var evals atomic.Int64
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			evals.Add(1)
			return types.Decision{Action: types.ActionDeny, Cacheable: true}
		})
	})
	require.NoError(t, h.client.EnableTargetPathWatching())
	require.NoError(t, h.client.MuteTargetPaths(types.PrefixPaths("/muted")))

	id := h.fake.Inject(execEvent(types.VnodeID{Device: 2, Inode: 1}, "/muted/tool"))
	rs := waitReplies(t, h.fake, id, 1)
	assert.True(t, rs[0].Allow)
	assert.False(t, rs[0].Cacheable)
	assert.Zero(t, evals.Load())

	// Same vnode unmuted: evaluation runs and its decision stands.
	require.NoError(t, h.client.UnmuteAllTargetPaths())
	id2 := h.fake.Inject(execEvent(types.VnodeID{Device: 2, Inode: 1}, "/muted/tool"))
	rs2 := waitReplies(t, h.fake, id2, 1)
	assert.False(t, rs2[0].Allow)
	assert.Equal(t, int64(1), evals.Load())
}

func TestProcessMuteFilters(t *testing.T) {
	var evals atomic.Int64
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			evals.Add(1)
			return types.Decision{Action: types.ActionDeny, Cacheable: false}
		})
	})
	require.NoError(t, h.client.EnableProcessWatching())
	tok := types.AuditToken{PID: 4242, PIDVersion: 1}
	require.NoError(t, h.client.MuteProcess(tok))

	id := h.fake.Inject(execEvent(types.VnodeID{Device: 2, Inode: 55}, "/bin/z"))
	rs := waitReplies(t, h.fake, id, 1)
	assert.True(t, rs[0].Allow)
	assert.Zero(t, evals.Load())
}

func TestDeadlineWatchdogAnswersStuckEvent(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(cfg *Config) {
		cfg.DeadlineSlack = 20 * time.Millisecond
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			<-block
			return types.Decision{Action: types.ActionAllow, Cacheable: true}
		})
	})
	defer close(block)

	ev := execEvent(types.VnodeID{Device: 2, Inode: 3}, "/bin/slow")
	ev.Deadline = time.Now().Add(100 * time.Millisecond)
	id := h.fake.Inject(ev)

	rs := waitReplies(t, h.fake, id, 1)
	// Exec fails closed: the watchdog default is deny, not cacheable.
	assert.False(t, rs[0].Allow)
	assert.False(t, rs[0].Cacheable)
}

func TestElapsedDeadlineSkipsEnrichment(t *testing.T) {
	decided := make(chan types.Decision, 1)
	h := newHarness(t, func(cfg *Config) {
		cfg.DeadlineSlack = 0
		cfg.Enricher = enrich.NewPipeline(50*time.Millisecond, 0)
		cfg.OnDecision = func(em *EnrichedMessage, d types.Decision) {
			if em.Context.Degraded {
				decided <- d
			}
		}
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			return types.Decision{Action: types.ActionAllow, Cacheable: true}
		})
	})

	ev := execEvent(types.VnodeID{Device: 2, Inode: 8}, "/bin/q")
	ev.Deadline = time.Now().Add(time.Millisecond)
	h.fake.Inject(ev)

	select {
	case d := <-decided:
		// Degraded context forces the decision non-cacheable.
		assert.False(t, d.Cacheable)
	case <-time.After(2 * time.Second):
		t.Fatal("no decision for degraded message")
	}
}

func TestFlagsKindReplyShape(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			if em.Msg.TargetPath() == "/deny/me" {
				return types.Decision{Action: types.ActionDeny}
			}
			return types.Decision{Action: types.ActionAllow}
		})
	})

	openEv := eventsource.RawEvent{
		Kind:           types.KindOpen,
		Process:        types.AuditToken{PID: 1},
		Targets:        types.LiteralPaths("/allow/me"),
		Vnode:          types.VnodeID{Device: 2, Inode: 11},
		RequestedFlags: 0b0111,
	}
	id := h.fake.Inject(openEv)
	rs := waitReplies(t, h.fake, id, 1)
	assert.Equal(t, types.ReplyFlags, rs[0].Shape)
	assert.Equal(t, uint32(0b0111), rs[0].Flags, "allow sets every requested flag")

	openEv.Targets = types.LiteralPaths("/deny/me")
	openEv.Vnode = types.VnodeID{Device: 2, Inode: 12}
	id2 := h.fake.Inject(openEv)
	rs2 := waitReplies(t, h.fake, id2, 1)
	assert.Equal(t, uint32(0), rs2[0].Flags, "deny clears every flag")

	execID := h.fake.Inject(execEvent(types.VnodeID{Device: 2, Inode: 13}, "/allow/me"))
	rs3 := waitReplies(t, h.fake, execID, 1)
	assert.Equal(t, types.ReplyBinary, rs3[0].Shape)
	assert.True(t, rs3[0].Allow)
	assert.Zero(t, rs3[0].Flags)
}

func TestNotifyKindTakesNoReply(t *testing.T) {
	seen := make(chan types.EventKind, 1)
	h := newHarness(t, func(cfg *Config) {
		cfg.OnNotify = func(m *Message) { seen <- m.Kind() }
	})

	id := h.fake.Inject(eventsource.RawEvent{
		Kind:    types.KindClose,
		Process: types.AuditToken{PID: 9},
		Targets: types.LiteralPaths("/tmp/f"),
	})

	select {
	case k := <-seen:
		assert.Equal(t, types.KindClose, k)
	case <-time.After(2 * time.Second):
		t.Fatal("notify hook never ran")
	}
	assert.Empty(t, h.fake.Replies(id))
}

func TestSubscribeAndClearCacheOrdering(t *testing.T) {
	h := newHarness(t, nil)

	// Seed the agent cache, then subscribe-and-clear: the seeded entry
	// must not survive, and the kernel-side flush must have been issued.
	h.client.cache.Compute(types.VnodeID{Device: 2, Inode: 1}, func() types.Decision {
		return types.Decision{Action: types.ActionDeny, Cacheable: true}
	})
	require.NoError(t, h.client.SubscribeAndClearCache([]types.EventKind{types.KindExec, types.KindOpen}))

	assert.Equal(t, types.ActionUnknown, h.client.CheckCacheForVnodeID(types.VnodeID{Device: 2, Inode: 1}))
	assert.Equal(t, 1, h.fake.CacheClears())
	assert.ElementsMatch(t, []types.EventKind{types.KindExec, types.KindOpen}, h.client.Subscriptions())
}

func TestUnsubscribeAllIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.client.Subscribe([]types.EventKind{types.KindExec}))
	require.NoError(t, h.client.UnsubscribeAll())
	require.NoError(t, h.client.UnsubscribeAll())
	assert.Empty(t, h.client.Subscriptions())
}

func TestReplyAfterTeardownFailsSafely(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, func(cfg *Config) {
		cfg.Evaluator = evalFunc(func(em *EnrichedMessage) types.Decision {
			<-block
			return types.Decision{Action: types.ActionAllow, Cacheable: false}
		})
		cfg.DeadlineSlack = 0
	})

	ev := execEvent(types.VnodeID{Device: 2, Inode: 44}, "/bin/inflight")
	ev.Deadline = time.Now().Add(time.Hour) // keep the watchdog out of the way
	id := h.fake.Inject(ev)
	time.Sleep(20 * time.Millisecond)

	// Teardown while the event is in flight, then let the handler finish.
	require.NoError(t, h.client.UnsubscribeAll())
	h.fake.Close()
	close(block)
	h.stop()

	// The reply attempt happened after close and was refused; no panic,
	// no recorded reply.
	assert.Empty(t, h.fake.Replies(id))
}

func TestEstablishFailureIsFatal(t *testing.T) {
	fake := eventsource.NewFake()
	fake.EstablishErr = assert.AnError
	client, err := NewClient(Config{
		Source:    fake,
		Cache:     authcache.New(1, 10),
		Mutes:     mutes.NewManager(),
		Enricher:  enrich.NewPipeline(0, 0),
		Evaluator: evalFunc(allowEval),
	})
	require.NoError(t, err)
	assert.Error(t, client.Establish())
}
