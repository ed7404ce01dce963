package mutes

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hostsentry/hostsentry/pkg/types"
)

func TestPathMutingDisabledByDefault(t *testing.T) {
	m := NewManager()
	m.MuteTargetPaths(types.LiteralPaths("/usr/bin/true"))
	assert.False(t, m.PathMuted("/usr/bin/true"), "watching not enabled")

	m.EnableTargetPathWatching()
	assert.True(t, m.PathMuted("/usr/bin/true"))
}

func TestLiteralMatchesExactPathOnly(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	m.MuteTargetPaths(types.LiteralPaths("/opt/tool"))

	assert.True(t, m.PathMuted("/opt/tool"))
	assert.False(t, m.PathMuted("/opt/tool/bin"))
	assert.False(t, m.PathMuted("/opt"))
}

func TestPrefixMatchesSubtree(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	m.MuteTargetPaths(types.PrefixPaths("/var/log"))

	assert.True(t, m.PathMuted("/var/log"))
	assert.True(t, m.PathMuted("/var/log/syslog"))
	assert.True(t, m.PathMuted("/var/log/app/nested/file"))
	assert.False(t, m.PathMuted("/var/logs"))
	assert.False(t, m.PathMuted("/var"))
}

func TestUnmuteRestoresDelivery(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	paths := types.PrefixPaths("/tmp/scratch")
	m.MuteTargetPaths(paths)
	require.True(t, m.PathMuted("/tmp/scratch/a"))

	m.UnmuteTargetPaths(paths)
	assert.False(t, m.PathMuted("/tmp/scratch/a"))
}

func TestUnmuteAllTargetPaths(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	m.MuteTargetPaths(append(types.LiteralPaths("/a"), types.PrefixPaths("/b")...))
	m.UnmuteAllTargetPaths()
	assert.False(t, m.PathMuted("/a"))
	assert.False(t, m.PathMuted("/b/c"))
	assert.Equal(t, 0, m.State().LiteralPaths+m.State().PrefixPaths)
}

func TestProcessMuting(t *testing.T) {
	m := NewManager()
	m.EnableProcessWatching()
	tok := types.AuditToken{PID: 42, PIDVersion: 7, UID: 0}
	m.MuteProcess(tok)

	assert.True(t, m.ProcessMuted(tok))
	// A reused pid with a different start time is a different process.
	assert.False(t, m.ProcessMuted(types.AuditToken{PID: 42, PIDVersion: 8, UID: 0}))

	m.UnmuteProcess(tok)
	assert.False(t, m.ProcessMuted(tok))
}

func TestMutedChecksProcessAndTargets(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	m.EnableProcessWatching()
	m.MuteTargetPaths(types.PrefixPaths("/muted"))
	tok := types.AuditToken{PID: 1, PIDVersion: 1}
	m.MuteProcess(tok)

	assert.True(t, m.Muted(tok, nil))
	assert.True(t, m.Muted(types.AuditToken{PID: 2}, types.LiteralPaths("/muted/x")))
	assert.False(t, m.Muted(types.AuditToken{PID: 2}, types.LiteralPaths("/other")))
}

func TestConcurrentMutationAndChecks(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				p := types.PrefixPaths(fmt.Sprintf("/dir%d/sub%d", i, j))
				m.MuteTargetPaths(p)
				m.UnmuteTargetPaths(p)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				m.PathMuted(fmt.Sprintf("/dir%d/sub%d/file", i, j))
			}
		}(i)
	}
	wg.Wait()
}

func TestBatchUnmuteIsAtomic(t *testing.T) {
	m := NewManager()
	m.EnableTargetPathWatching()
	batch := types.PrefixPaths("/a", "/b", "/c", "/d")
	m.MuteTargetPaths(batch)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.UnmuteTargetPaths(batch)
	}()
	<-done

	// After the batch completes, no entry survives.
	for _, p := range batch {
		assert.False(t, m.PathMuted(p.Path+"/x"), p.Path)
	}
}
