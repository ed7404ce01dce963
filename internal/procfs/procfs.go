// Package procfs reads the small set of /proc fields the agent needs to
// build audit tokens and process ancestry.
package procfs

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/hostsentry/hostsentry/pkg/types"
)

// Root is the proc mount point, overridable in tests.
const DefaultRoot = "/proc"

type ProcInfo struct {
	PID       int32
	PPID      int32
	Comm      string
	StartTime uint64
	UID       uint32
	Exe       string
}

// Read collects the fields for pid under root. Returns an error if the
// process is gone, which callers treat as degraded context, not failure.
func Read(root string, pid int32) (ProcInfo, error) {
	if root == "" {
		root = DefaultRoot
	}
	info := ProcInfo{PID: pid}

	statPath := fmt.Sprintf("%s/%d/stat", root, pid)
	b, err := os.ReadFile(statPath)
	if err != nil {
		return info, fmt.Errorf("read %s: %w", statPath, err)
	}
	// comm is parenthesized and may contain spaces; fields count from the
	// closing paren.
	s := string(b)
	lp := strings.IndexByte(s, '(')
	rp := strings.LastIndexByte(s, ')')
	if lp < 0 || rp < lp {
		return info, fmt.Errorf("malformed stat for pid %d", pid)
	}
	info.Comm = s[lp+1 : rp]
	fields := strings.Fields(s[rp+1:])
	// fields[0] is state, fields[1] is ppid, fields[19] is starttime.
	if len(fields) > 1 {
		if v, err := strconv.ParseInt(fields[1], 10, 32); err == nil {
			info.PPID = int32(v)
		}
	}
	if len(fields) > 19 {
		if v, err := strconv.ParseUint(fields[19], 10, 64); err == nil {
			info.StartTime = v
		}
	}

	if uid, err := readUID(root, pid); err == nil {
		info.UID = uid
	}
	if exe, err := os.Readlink(fmt.Sprintf("%s/%d/exe", root, pid)); err == nil {
		info.Exe = exe
	}
	return info, nil
}

// Token builds the audit token for pid.
func Token(root string, pid int32) (types.AuditToken, error) {
	info, err := Read(root, pid)
	if err != nil {
		return types.AuditToken{PID: pid}, err
	}
	return types.AuditToken{PID: pid, PIDVersion: info.StartTime, UID: info.UID}, nil
}

func readUID(root string, pid int32) (uint32, error) {
	b, err := os.ReadFile(fmt.Sprintf("%s/%d/status", root, pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(b), "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line[4:])
		if len(fields) == 0 {
			break
		}
		v, err := strconv.ParseUint(fields[0], 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(v), nil
	}
	return 0, fmt.Errorf("no Uid line for pid %d", pid)
}
