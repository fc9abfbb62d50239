package persist

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// DefaultFileCap bounds the synchronous tier, which trades capacity for
// cheap, blocking reads on startup.
const DefaultFileCap = 1 << 20 // 1 MiB

// FileTier is the small synchronous storage tier: one JSON file, read
// blocking at startup, written atomically via rename. Snapshots larger than
// the byte cap are refused so the tier stays cheap to read.
type FileTier struct {
	path     string
	maxBytes int
}

// NewFileTier creates the synchronous tier at path. A maxBytes of 0 applies
// DefaultFileCap.
func NewFileTier(path string, maxBytes int) (*FileTier, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultFileCap
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &FileTier{path: path, maxBytes: maxBytes}, nil
}

// Read returns the stored snapshot, or nil when the file is absent, corrupt,
// or fails the schema gate.
func (t *FileTier) Read() *Snapshot {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return nil
	}
	return decodeSnapshot(raw)
}

// Write persists the snapshot synchronously. Returns false without writing
// when the snapshot is invalid, oversized for this tier, or the filesystem
// refuses; a partially valid snapshot is never written.
func (t *FileTier) Write(snap *Snapshot) bool {
	if err := snap.Validate(); err != nil {
		return false
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return false
	}
	if len(raw) > t.maxBytes {
		return false
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return false
	}
	if err := os.Rename(tmp, t.path); err != nil {
		os.Remove(tmp)
		return false
	}
	return true
}
