// Package enrich augments raw events with the context decisioning needs:
// parent ancestry, the executable's hash, and its owner. Enrichment may
// block (tree walk, hashing), so it runs on the async pool, never on the
// event-delivery goroutine. It degrades instead of failing: a vanished
// process or unreadable file yields a Context with Degraded set, and the
// caller still produces a decision.
package enrich

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/hostsentry/hostsentry/internal/procfs"
	"github.com/hostsentry/hostsentry/pkg/types"
)

const maxAncestryDepth = 32

type ProcessInfo struct {
	PID  int32  `json:"pid"`
	Comm string `json:"comm"`
	Exe  string `json:"exe,omitempty"`
}

// Context is the derived metadata attached to an EnrichedMessage.
type Context struct {
	Ancestry []ProcessInfo
	FileHash string
	OwnerUID uint32

	// Degraded marks missing context; degraded decisions are never cached.
	Degraded bool
}

type Pipeline struct {
	// MinRemaining is the deadline margin below which enrichment is
	// skipped entirely in favor of a fast default.
	MinRemaining time.Duration

	// HashLimitBytes skips hashing files larger than this. Zero means
	// no limit.
	HashLimitBytes int64

	// ProcRoot overrides /proc in tests.
	ProcRoot string
}

func NewPipeline(minRemaining time.Duration, hashLimitBytes int64) *Pipeline {
	return &Pipeline{MinRemaining: minRemaining, HashLimitBytes: hashLimitBytes}
}

// Enrich builds the context for an event from pid and its target path.
// It never returns an error: whatever could not be collected is simply
// absent and the context is marked degraded.
func (p *Pipeline) Enrich(pid int32, targetPath string, deadline time.Time) Context {
	var ctx Context
	if !deadline.IsZero() && time.Until(deadline) < p.MinRemaining {
		ctx.Degraded = true
		return ctx
	}

	ctx.Ancestry = p.ancestry(pid)
	if len(ctx.Ancestry) == 0 {
		ctx.Degraded = true
	}

	if targetPath != "" {
		if st, err := os.Stat(targetPath); err == nil {
			ctx.OwnerUID = ownerUID(st)
			if p.HashLimitBytes > 0 && st.Size() > p.HashLimitBytes {
				slog.Debug("skipping hash, file too large", "path", targetPath, "size", st.Size())
			} else if h, err := hashFile(targetPath); err == nil {
				ctx.FileHash = h
			} else {
				ctx.Degraded = true
			}
		} else {
			ctx.Degraded = true
		}
	}
	return ctx
}

func (p *Pipeline) ancestry(pid int32) []ProcessInfo {
	var chain []ProcessInfo
	for cur := pid; cur > 0 && len(chain) < maxAncestryDepth; {
		info, err := procfs.Read(p.ProcRoot, cur)
		if err != nil {
			break
		}
		chain = append(chain, ProcessInfo{PID: info.PID, Comm: info.Comm, Exe: info.Exe})
		if info.PPID == cur {
			break
		}
		cur = info.PPID
	}
	return chain
}

// Identifiers derives the rule-lookup identifier set from the context.
func (c Context) Identifiers() types.RuleIdentifiers {
	return types.RuleIdentifiers{BinaryHash: c.FileHash}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
