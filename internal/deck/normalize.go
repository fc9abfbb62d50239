package deck

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"
)

// NormalizeHistory converts an arbitrary gateway history payload (as decoded
// by encoding/json into any) into the canonical message sequence, sorted by
// timestamp. Items with unrecognized shapes are silently dropped; gateways
// are expected to grow new item kinds before clients learn about them.
func NormalizeHistory(payload any) []ChatMessage {
	items := extractHistoryItems(payload)
	now := time.Now().UnixMilli()

	messages := make([]ChatMessage, 0, len(items))
	for i, item := range items {
		if msg, ok := normalizeHistoryItem(item, i, now); ok {
			messages = append(messages, msg)
		}
	}

	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Timestamp < messages[j].Timestamp
	})
	return messages
}

// extractHistoryItems locates the item list inside a payload of unknown
// shape: a bare list, or an object keyed by messages, history, items, or
// session.messages, in that priority order.
func extractHistoryItems(payload any) []any {
	if items, ok := payload.([]any); ok {
		return items
	}

	obj, ok := payload.(map[string]any)
	if !ok {
		return nil
	}

	candidates := []any{obj["messages"], obj["history"], obj["items"]}
	if session, ok := obj["session"].(map[string]any); ok {
		candidates = append(candidates, session["messages"])
	}

	for _, candidate := range candidates {
		if items, ok := candidate.([]any); ok {
			return items
		}
	}
	return nil
}

func normalizeHistoryItem(item any, index int, now int64) (ChatMessage, bool) {
	obj, ok := item.(map[string]any)
	if !ok {
		return ChatMessage{}, false
	}

	roleToken, _ := firstPresent(obj, "role", "type").(string)
	role := ParseRole(roleToken)
	if role == "" {
		return ChatMessage{}, false
	}

	text := extractText(firstPresent(obj, "text", "content", "message"))
	timestamp := extractTimestamp(firstPresent(obj, "timestamp", "createdAt", "time"), index, now)

	id := stringValue(firstPresent(obj, "id", "messageId"))
	if id == "" {
		id = fmt.Sprintf("hist-%s-%d-%d", role, timestamp, index)
	}

	runID := stringValue(obj["runId"])
	if runID == "" {
		if run, ok := obj["run"].(map[string]any); ok {
			runID = stringValue(run["id"])
		}
	}

	msg := ChatMessage{
		ID:        id,
		Role:      role,
		Text:      text,
		Timestamp: timestamp,
		RunID:     runID,
	}

	// A compaction item missing any of the three counters is demoted to a
	// plain message rather than rejected.
	if role == RoleCompaction {
		before, okBefore := numberValue(obj["beforeTokens"])
		after, okAfter := numberValue(obj["afterTokens"])
		dropped, okDropped := numberValue(obj["droppedMessages"])
		if okBefore && okAfter && okDropped {
			msg.Compaction = &CompactionInfo{
				BeforeTokens:    int(before),
				AfterTokens:     int(after),
				DroppedMessages: int(dropped),
			}
		}
	}

	return msg, true
}

// extractText accepts a string, an ordered array of {text|content} parts to
// concatenate, or an object carrying a text/content field. Anything else
// yields empty text.
func extractText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []any:
		var out string
		for _, part := range v {
			switch p := part.(type) {
			case string:
				out += p
			case map[string]any:
				if s, ok := p["text"].(string); ok {
					out += s
				} else if s, ok := p["content"].(string); ok {
					out += s
				}
			}
		}
		return out
	case map[string]any:
		if s, ok := v["text"].(string); ok {
			return s
		}
		if s, ok := v["content"].(string); ok {
			return s
		}
	}
	return ""
}

// extractTimestamp accepts a finite number, a numeric string, or a date
// string. When none parse, it synthesizes now+index so relative order within
// one batch survives and no two synthesized values collide.
func extractTimestamp(value any, index int, now int64) int64 {
	switch v := value.(type) {
	case float64:
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			return int64(v)
		}
	case int64:
		return v
	case int:
		return int64(v)
	case string:
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			return int64(n)
		}
		for _, layout := range []string{
			time.RFC3339Nano,
			time.RFC3339,
			"2006-01-02T15:04:05",
			"2006-01-02 15:04:05",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UnixMilli()
			}
		}
	}
	return now + int64(index)
}

// firstPresent returns the first value among keys that is present and
// non-nil, mirroring how forgiving clients probe alternative field names.
func firstPresent(obj map[string]any, keys ...string) any {
	for _, key := range keys {
		if value, ok := obj[key]; ok && value != nil {
			return value
		}
	}
	return nil
}

func stringValue(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return ""
}

func numberValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
