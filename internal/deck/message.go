// Package deck defines the message model and the reconciliation rules for
// multi-agent chat sessions. Everything in this package is pure: no I/O, no
// clocks beyond explicit timestamp parameters, so the merge and normalization
// logic is testable without a gateway or storage backend.
package deck

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Role identifies who produced a chat message.
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleSystem     Role = "system"
	RoleCompaction Role = "compaction"
)

// ParseRole returns the known role for a raw token, or "" if unrecognized.
func ParseRole(value string) Role {
	switch Role(value) {
	case RoleUser, RoleAssistant, RoleSystem, RoleCompaction:
		return Role(value)
	}
	return ""
}

// CompactionInfo describes a context compaction marker.
type CompactionInfo struct {
	BeforeTokens    int `json:"beforeTokens"`
	AfterTokens     int `json:"afterTokens"`
	DroppedMessages int `json:"droppedMessages"`
}

// ToolUseInfo describes a tool invocation attached to a message.
type ToolUseInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

// ChatMessage is one conversation turn or system annotation.
// Timestamp is epoch milliseconds and is the primary sort key.
type ChatMessage struct {
	ID         string          `json:"id"`
	Role       Role            `json:"role"`
	Text       string          `json:"text"`
	Timestamp  int64           `json:"timestamp"`
	Streaming  bool            `json:"streaming,omitempty"`
	RunID      string          `json:"runId,omitempty"`
	Compaction *CompactionInfo `json:"compaction,omitempty"`
	ToolUse    *ToolUseInfo    `json:"toolUse,omitempty"`
}

// NewMessageID generates an identifier for locally created messages.
func NewMessageID() string {
	return uuid.New().String()
}

// MessageKeys returns the identity keys under which a message may collide
// with another rendering of the same logical message. Different sources
// populate different fields, so identity is a set of candidate keys:
//
//   - id:<id> when an explicit id is present
//   - run:<role>:<runId> when a run correlator is present (role included so a
//     user prompt and its reply never collide on a shared run)
//   - ts:<role>:<timestamp>:<normalized text> as a fallback signature
//
// Two messages denote the same logical message if any of their keys match.
func MessageKeys(msg ChatMessage) []string {
	keys := make([]string, 0, 3)
	if msg.ID != "" {
		keys = append(keys, "id:"+msg.ID)
	}
	if msg.RunID != "" {
		keys = append(keys, fmt.Sprintf("run:%s:%s", msg.Role, msg.RunID))
	}
	keys = append(keys, fmt.Sprintf("ts:%s:%d:%s", msg.Role, msg.Timestamp, normalizeTextForKey(msg.Text)))
	return keys
}

// normalizeTextForKey trims, collapses internal whitespace, and caps the text
// at 120 characters so independently received renderings of the same message
// still produce the same fallback signature.
func normalizeTextForKey(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) > 120 {
		runes = runes[:120]
	}
	return string(runes)
}
