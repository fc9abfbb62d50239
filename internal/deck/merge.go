package deck

import (
	"sort"
	"strings"
)

// MergeMessages deterministically merges two message sequences into one
// deduplicated, time-ordered sequence. It is safe to call repeatedly as new
// data arrives (optimistic send, streaming chunks, gateway history replay):
// merging never discards information and never double-counts a message.
//
// The fold registers every identity key of every merged record; a message
// whose key set intersects an already-merged record is folded into it instead
// of appended.
func MergeMessages(existing, incoming []ChatMessage) []ChatMessage {
	merged := make([]ChatMessage, 0, len(existing)+len(incoming))
	keyToIndex := make(map[string]int, len(existing)+len(incoming))

	fold := func(msg ChatMessage) {
		keys := MessageKeys(msg)
		idx := -1
		for _, key := range keys {
			if i, ok := keyToIndex[key]; ok {
				idx = i
				break
			}
		}

		if idx < 0 {
			merged = append(merged, msg)
			idx = len(merged) - 1
		} else {
			merged[idx] = mergeMessagePair(merged[idx], msg)
		}

		// Re-register: the merged record may now match under keys it did
		// not have before, e.g. after picking up an id.
		for _, key := range MessageKeys(merged[idx]) {
			keyToIndex[key] = idx
		}
	}

	for _, msg := range existing {
		fold(msg)
	}
	for _, msg := range incoming {
		fold(msg)
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Timestamp != merged[j].Timestamp {
			return merged[i].Timestamp < merged[j].Timestamp
		}
		return orderKey(merged[i]) < orderKey(merged[j])
	})

	return merged
}

// mergeMessagePair folds next into base:
//
//   - identity fields keep the first non-empty value seen
//   - text keeps whichever candidate is longer, ties preferring the newer
//   - timestamp keeps the minimum (first-seen time wins)
//   - streaming stays true only while both records claim it; completion is
//     sticky once any source reports it
func mergeMessagePair(base, next ChatMessage) ChatMessage {
	out := base

	if out.ID == "" {
		out.ID = next.ID
	}
	if out.Role == "" {
		out.Role = next.Role
	}
	if len(next.Text) >= len(base.Text) {
		out.Text = next.Text
	}
	if next.Timestamp < out.Timestamp {
		out.Timestamp = next.Timestamp
	}
	out.Streaming = base.Streaming && next.Streaming
	if out.RunID == "" {
		out.RunID = next.RunID
	}
	if out.Compaction == nil {
		out.Compaction = next.Compaction
	}
	if out.ToolUse == nil {
		out.ToolUse = next.ToolUse
	}

	return out
}

// orderKey is the deterministic tie-break for records sharing a timestamp.
// A timestamp-only sort cannot guarantee idempotent output when many records
// share synthetic timestamps (bulk history import), so ties compare on a
// stable lexical signature.
func orderKey(msg ChatMessage) string {
	prefix := msg.Text
	if runes := []rune(prefix); len(runes) > 32 {
		prefix = string(runes[:32])
	}
	var b strings.Builder
	b.WriteString(string(msg.Role))
	b.WriteByte(':')
	b.WriteString(msg.ID)
	b.WriteByte(':')
	b.WriteString(msg.RunID)
	b.WriteByte(':')
	b.WriteString(prefix)
	return b.String()
}
