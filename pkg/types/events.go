package types

import "time"

// StoredEvent is the telemetry record produced for a completed decision.
// It is what the sync/export queue ships and what bundle hashing relates.
type StoredEvent struct {
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Kind      EventKind `json:"kind"`

	PID int32  `json:"pid,omitempty"`
	UID uint32 `json:"uid,omitempty"`

	Path     string `json:"path,omitempty"`
	FileHash string `json:"file_hash,omitempty"`

	Decision Action `json:"decision"`
	Rule     string `json:"rule,omitempty"`

	// Bundle fields, filled in by the bundle-hash service.
	BundlePath string `json:"bundle_path,omitempty"`
	BundleHash string `json:"bundle_hash,omitempty"`

	Fields map[string]any `json:"fields,omitempty"`
}
