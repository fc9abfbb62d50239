package store

import (
	"github.com/openclaw/agentdeck/internal/deck"
	"github.com/openclaw/agentdeck/internal/gateway"
)

// HandleGatewayEvent dispatches an inbound gateway event to the session
// operations. Events for unknown agents are dropped: presence never creates
// sessions, and a stray stream for a removed column has nowhere to land.
func (s *Store) HandleGatewayEvent(ev gateway.Event) {
	switch ev.Event {
	case "agent":
		s.handleAgentEvent(ev.Payload)
	case "presence":
		s.handlePresenceEvent(ev.Payload)
	case "compaction":
		s.handleCompactionEvent(ev.Payload)
	case "sessions.usage":
		s.handleUsageEvent(ev.Payload)
	case "tick":
		// Keep-alive. Reserved for token/cost telemetry.
	default:
		s.log.WithField("event", ev.Event).Debug("unhandled gateway event")
	}
}

// handleAgentEvent demultiplexes a run's stream frames onto a column via the
// frame's session key.
func (s *Store) handleAgentEvent(payload map[string]any) {
	runID, _ := payload["runId"].(string)
	stream, _ := payload["stream"].(string)
	sessionKey, _ := payload["sessionKey"].(string)
	data, _ := payload["data"].(map[string]any)
	agentID := gateway.AgentIDFromSessionKey(sessionKey)

	switch stream {
	case "assistant":
		delta, _ := data["delta"].(string)
		if delta == "" {
			return
		}
		s.AppendMessageChunk(agentID, runID, delta)
		s.SetAgentStatus(agentID, deck.StatusStreaming)
	case "lifecycle":
		phase, _ := data["phase"].(string)
		switch phase {
		case "start":
			s.SetAgentStatus(agentID, deck.StatusThinking)
		case "end":
			s.FinalizeMessage(agentID, runID)
			go s.RefreshUsageForAgent(agentID)
		}
	case "tool_use", "tool":
		s.SetAgentStatus(agentID, deck.StatusToolUse)
	}
}

// handlePresenceEvent applies per-agent online flags. Offline forces
// disconnected; online lifts it back to idle and leaves any other status
// alone.
func (s *Store) handlePresenceEvent(payload map[string]any) {
	agents, ok := payload["agents"].(map[string]any)
	if !ok {
		return
	}

	changed := false
	s.mu.Lock()
	for id, raw := range agents {
		session, ok := s.sessions[id]
		if !ok {
			continue
		}
		info, _ := raw.(map[string]any)
		online, _ := info["online"].(bool)

		session.Connected = online
		if !online {
			session.Status = deck.StatusDisconnected
		} else if session.Status == deck.StatusDisconnected {
			session.Status = deck.StatusIdle
		}
		s.sessions[id] = session
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// handleCompactionEvent appends a compaction divider to the session. The
// divider is a plain append: each occurrence is structurally unique, so it
// never participates in message merging.
func (s *Store) handleCompactionEvent(payload map[string]any) {
	sessionKey, _ := payload["sessionKey"].(string)
	agentID := gateway.AgentIDFromSessionKey(sessionKey)

	msg := deck.ChatMessage{
		ID:        deck.NewMessageID(),
		Role:      deck.RoleCompaction,
		Timestamp: s.now(),
		Compaction: &deck.CompactionInfo{
			BeforeTokens:    intFromPayload(payload["beforeTokens"]),
			AfterTokens:     intFromPayload(payload["afterTokens"]),
			DroppedMessages: intFromPayload(payload["droppedMessages"]),
		},
	}

	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	session.Messages = appendMessage(session.Messages, msg)
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// handleUsageEvent overwrites a session's usage with the gateway's
// authoritative figures, superseding the chunk-length approximation.
func (s *Store) handleUsageEvent(payload map[string]any) {
	sessionKey, _ := payload["sessionKey"].(string)
	agentID := gateway.AgentIDFromSessionKey(sessionKey)

	raw, ok := payload["usage"].(map[string]any)
	if !ok {
		return
	}

	usage := &deck.SessionUsage{
		InputTokens:  intFromPayload(raw["inputTokens"]),
		OutputTokens: intFromPayload(raw["outputTokens"]),
		TotalTokens:  intFromPayload(raw["totalTokens"]),
	}
	if model, ok := raw["model"].(string); ok {
		usage.Model = model
	}
	if failover, ok := raw["failover"].(map[string]any); ok {
		from, _ := failover["from"].(string)
		to, _ := failover["to"].(string)
		reason, _ := failover["reason"].(string)
		usage.Failover = &deck.FailoverInfo{From: from, To: to, Reason: reason}
	}

	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	session.Usage = usage
	session.TokenCount = usage.TotalTokens
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// intFromPayload reads a JSON number (or numeric zero value) as int.
func intFromPayload(v any) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}
