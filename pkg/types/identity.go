package types

import "fmt"

// AuditToken identifies one process instance. PIDVersion is the process
// start time in jiffies, which disambiguates pid reuse.
type AuditToken struct {
	PID        int32  `json:"pid"`
	PIDVersion uint64 `json:"pid_version"`
	UID        uint32 `json:"uid"`
}

func (t AuditToken) String() string {
	return fmt.Sprintf("%d.%d", t.PID, t.PIDVersion)
}

// VnodeID is a stable identifier for a filesystem object.
type VnodeID struct {
	Device uint64 `json:"device"`
	Inode  uint64 `json:"inode"`
}

func (v VnodeID) String() string {
	return fmt.Sprintf("%d/%d", v.Device, v.Inode)
}

// PathType distinguishes exact-path entries from subtree entries.
type PathType string

const (
	// PathLiteral matches only the exact path.
	PathLiteral PathType = "literal"
	// PathPrefix matches the path and everything under it.
	PathPrefix PathType = "prefix"
)

// PathSpec is a filesystem path tagged with its match type.
type PathSpec struct {
	Path string   `json:"path" yaml:"path"`
	Type PathType `json:"type" yaml:"type"`
}

// LiteralPaths builds literal PathSpecs from plain paths.
func LiteralPaths(paths ...string) []PathSpec {
	out := make([]PathSpec, 0, len(paths))
	for _, p := range paths {
		out = append(out, PathSpec{Path: p, Type: PathLiteral})
	}
	return out
}

// PrefixPaths builds subtree PathSpecs from plain paths.
func PrefixPaths(paths ...string) []PathSpec {
	out := make([]PathSpec, 0, len(paths))
	for _, p := range paths {
		out = append(out, PathSpec{Path: p, Type: PathPrefix})
	}
	return out
}
