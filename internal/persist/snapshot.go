// Package persist stores and restores deck snapshots across two local
// storage tiers: a small synchronous file tier and a larger asynchronous
// SQLite tier. Persistence here is a best-effort durability cache, not a
// system of record; every failure degrades to "no persisted state".
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/openclaw/agentdeck/internal/deck"
)

// SchemaVersion tags the snapshot schema. Snapshots with any other version
// are rejected outright on read; an incompatible version is treated the same
// as absent state.
const SchemaVersion = 1

// SessionSnapshot is the persisted slice of one agent session.
type SessionSnapshot struct {
	Messages   []deck.ChatMessage `json:"messages"`
	TokenCount int                `json:"tokenCount"`
	Usage      *deck.SessionUsage `json:"usage,omitempty"`
}

// Snapshot is the durable unit: the complete projection of roster, column
// order, drafts, and all sessions. It is a disposable derivation of the live
// state with no identity beyond "most recently written".
type Snapshot struct {
	Version     int                        `json:"version"`
	UpdatedAt   int64                      `json:"updatedAt"`
	Agents      []deck.AgentConfig         `json:"agents"`
	ColumnOrder []string                   `json:"columnOrder"`
	Drafts      map[string]string          `json:"drafts"`
	Sessions    map[string]SessionSnapshot `json:"sessions"`
}

// Validate enforces the schema invariants shared by the read and write
// paths. A snapshot failing validation is never written and reads as nil.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if s.Version != SchemaVersion {
		return fmt.Errorf("unsupported snapshot version %d", s.Version)
	}
	if s.UpdatedAt <= 0 {
		return fmt.Errorf("snapshot missing updatedAt")
	}
	if s.Agents == nil {
		return fmt.Errorf("snapshot missing agents")
	}
	if s.ColumnOrder == nil {
		return fmt.Errorf("snapshot missing columnOrder")
	}
	if s.Drafts == nil {
		return fmt.Errorf("snapshot missing drafts")
	}
	if s.Sessions == nil {
		return fmt.Errorf("snapshot missing sessions")
	}
	return nil
}

// decodeSnapshot parses raw JSON and applies the schema gate. Corrupt
// content and schema mismatches both yield nil, never an error the caller
// has to handle.
func decodeSnapshot(raw []byte) *Snapshot {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	if err := snap.Validate(); err != nil {
		return nil
	}
	return &snap
}
