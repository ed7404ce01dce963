// Package bundle computes an aggregate hash over every executable in an
// application bundle directory, so one sync round-trip can cover all of
// a bundle's binaries instead of one event per file.
package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// Progress is reported after every hashed file. fileCount counts every
// regular file seen, binaryCount the executables among them, and
// hashedCount the executables hashed so far.
type Progress struct {
	BinaryCount int `json:"binary_count"`
	FileCount   int `json:"file_count"`
	HashedCount int `json:"hashed_count"`
}

// Result is the outcome of one bundle hashing run.
type Result struct {
	BundleHash string              `json:"bundle_hash"`
	Related    []types.StoredEvent `json:"related"`
	Elapsed    time.Duration       `json:"elapsed"`
}

type Hasher struct {
	// HashLimitBytes skips files larger than this. Zero means no limit.
	HashLimitBytes int64
}

// HashBundleBinaries walks the bundle directory of ev, hashes every
// executable file, and returns the aggregate hash with one related
// event per binary. Cancellation through ctx aborts the walk and
// returns the context error with a nil result.
func (h *Hasher) HashBundleBinaries(ctx context.Context, ev types.StoredEvent, progress func(Progress)) (*Result, error) {
	if ev.BundlePath == "" {
		return nil, fmt.Errorf("event has no bundle path")
	}
	start := time.Now()

	type hashed struct {
		path string
		hash string
	}
	var (
		prog  Progress
		files []hashed
	)

	err := filepath.WalkDir(ev.BundlePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		prog.FileCount++
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Mode().Perm()&0o111 == 0 {
			return nil
		}
		prog.BinaryCount++
		if h.HashLimitBytes > 0 && info.Size() > h.HashLimitBytes {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			// A vanished or unreadable file does not sink the bundle.
			return nil
		}
		files = append(files, hashed{path: path, hash: sum})
		prog.HashedCount++
		if progress != nil {
			progress(prog)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle %s: %w", ev.BundlePath, err)
	}

	// The aggregate digest is order-independent: hash the per-file rows
	// sorted by path.
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	agg := sha256.New()
	related := make([]types.StoredEvent, 0, len(files))
	for _, f := range files {
		fmt.Fprintf(agg, "%s %s\n", f.hash, f.path)
		related = append(related, types.StoredEvent{
			ID:         uuid.NewString(),
			Timestamp:  ev.Timestamp,
			Kind:       ev.Kind,
			PID:        ev.PID,
			UID:        ev.UID,
			Path:       f.path,
			FileHash:   f.hash,
			Decision:   ev.Decision,
			Rule:       ev.Rule,
			BundlePath: ev.BundlePath,
		})
	}
	bundleHash := hex.EncodeToString(agg.Sum(nil))
	for i := range related {
		related[i].BundleHash = bundleHash
	}

	return &Result{
		BundleHash: bundleHash,
		Related:    related,
		Elapsed:    time.Since(start),
	}, nil
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
