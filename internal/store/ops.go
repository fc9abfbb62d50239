package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/openclaw/agentdeck/internal/deck"
	"github.com/openclaw/agentdeck/internal/gateway"
)

// DeckState is a point-in-time copy of the deck for read-side consumers.
type DeckState struct {
	Agents           []deck.AgentConfig           `json:"agents"`
	Sessions         map[string]deck.AgentSession `json:"sessions"`
	ColumnOrder      []string                     `json:"columnOrder"`
	Drafts           map[string]string            `json:"drafts"`
	GatewayConnected bool                         `json:"gatewayConnected"`
}

// DeckStats aggregates column activity for the deck header.
type DeckStats struct {
	GatewayConnected bool `json:"gatewayConnected"`
	TotalAgents      int  `json:"totalAgents"`
	Streaming        int  `json:"streaming"`
	Thinking         int  `json:"thinking"`
	Active           int  `json:"active"`
	Idle             int  `json:"idle"`
	Errors           int  `json:"errors"`
	TotalTokens      int  `json:"totalTokens"`
	WaitingForUser   int  `json:"waitingForUser"`
}

// State returns a deep-enough copy of the live deck for rendering: session
// values are copies, so readers never observe a mutation mid-flight.
func (s *Store) State() DeckState {
	s.mu.Lock()
	defer s.mu.Unlock()

	agents := make([]deck.AgentConfig, len(s.agents))
	copy(agents, s.agents)

	sessions := make(map[string]deck.AgentSession, len(s.sessions))
	for id, session := range s.sessions {
		sessions[id] = session
	}

	order := make([]string, len(s.columnOrder))
	copy(order, s.columnOrder)

	drafts := make(map[string]string, len(s.drafts))
	for id, draft := range s.drafts {
		drafts[id] = draft
	}

	return DeckState{
		Agents:           agents,
		Sessions:         sessions,
		ColumnOrder:      order,
		Drafts:           drafts,
		GatewayConnected: s.gatewayConnected,
	}
}

// Session returns the current session for an agent.
func (s *Store) Session(agentID string) (deck.AgentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[agentID]
	return session, ok
}

// Stats aggregates per-column activity counters.
func (s *Store) Stats() DeckStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := DeckStats{
		GatewayConnected: s.gatewayConnected,
		TotalAgents:      len(s.sessions),
	}

	for _, session := range s.sessions {
		switch session.Status {
		case deck.StatusStreaming:
			stats.Streaming++
		case deck.StatusThinking:
			stats.Thinking++
		case deck.StatusError:
			stats.Errors++
		}

		if session.Usage != nil {
			stats.TotalTokens += session.Usage.TotalTokens
		} else {
			stats.TotalTokens += session.TokenCount
		}

		if session.Status == deck.StatusIdle && len(session.Messages) > 0 {
			last := session.Messages[len(session.Messages)-1]
			if last.Role == deck.RoleAssistant && !last.Streaming {
				stats.WaitingForUser++
			}
		}
	}

	stats.Active = stats.Streaming + stats.Thinking
	stats.Idle = stats.TotalAgents - stats.Active
	return stats
}

// AddAgent adds an agent to the roster with a fresh session, draft slot, and
// trailing column position.
func (s *Store) AddAgent(agent deck.AgentConfig) {
	s.mu.Lock()
	s.agents = append(s.agents, agent)
	session := deck.NewSession(agent.ID)
	session.Connected = s.gatewayConnected
	s.sessions[agent.ID] = session
	s.columnOrder = append(s.columnOrder, agent.ID)
	s.drafts[agent.ID] = ""
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// RemoveAgent drops an agent and its session, draft, and column slot.
func (s *Store) RemoveAgent(agentID string) {
	s.mu.Lock()
	agents := s.agents[:0]
	for _, agent := range s.agents {
		if agent.ID != agentID {
			agents = append(agents, agent)
		}
	}
	s.agents = agents
	delete(s.sessions, agentID)
	delete(s.drafts, agentID)

	order := s.columnOrder[:0]
	for _, id := range s.columnOrder {
		if id != agentID {
			order = append(order, id)
		}
	}
	s.columnOrder = order
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// CreateAgentOnGateway registers the agent with the gateway when connected,
// then adds it locally either way: gateway registration is best-effort.
func (s *Store) CreateAgentOnGateway(ctx context.Context, agent deck.AgentConfig) {
	client := s.currentClient()
	if client != nil && client.Connected() {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		err := client.CreateAgent(callCtx, gateway.AgentSpec{
			ID:      agent.ID,
			Name:    agent.Name,
			Model:   agent.Model,
			Context: agent.Context,
		})
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("agent_id", agent.ID).Warn("gateway createAgent failed, adding locally")
		}
	}
	s.AddAgent(agent)
}

// DeleteAgentOnGateway removes the agent from the gateway when connected,
// then removes it locally either way.
func (s *Store) DeleteAgentOnGateway(ctx context.Context, agentID string) {
	client := s.currentClient()
	if client != nil && client.Connected() {
		callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
		err := client.DeleteAgent(callCtx, agentID)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("agent_id", agentID).Warn("gateway deleteAgent failed, removing locally")
		}
	}
	s.RemoveAgent(agentID)
}

// ReorderColumns applies a new column order, normalized to a permutation of
// the current roster.
func (s *Store) ReorderColumns(order []string) {
	s.mu.Lock()
	s.columnOrder = deck.NormalizeColumnOrder(order, s.agentIDsLocked())
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// SetDraft stores an agent's unsent input text.
func (s *Store) SetDraft(agentID, text string) {
	s.mu.Lock()
	s.drafts[agentID] = text
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

func (s *Store) currentClient() gateway.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// SendMessage optimistically appends the user's message and starts a run.
// The optimistic append survives regardless of the run outcome; a history
// replay later re-describing it dedups through the reconciler.
func (s *Store) SendMessage(ctx context.Context, agentID, text string) error {
	client := s.currentClient()
	if client == nil || !client.Connected() {
		s.log.WithField("agent_id", agentID).Error("cannot send message, gateway not connected")
		return fmt.Errorf("gateway not connected")
	}

	userMsg := deck.ChatMessage{
		ID:        deck.NewMessageID(),
		Role:      deck.RoleUser,
		Text:      text,
		Timestamp: s.now(),
	}

	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("unknown agent %q", agentID)
	}
	session.Messages = appendMessage(session.Messages, userMsg)
	session.Status = deck.StatusThinking
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()

	// Every column routes through the default gateway agent; distinct
	// session keys keep the conversations separate.
	callCtx, cancel := context.WithTimeout(ctx, gatewayCallTimeout)
	defer cancel()
	result, err := client.RunAgent(callCtx, gateway.DefaultAgentID, text, gateway.SessionKeyForAgent(agentID))
	if err != nil {
		s.log.WithError(err).WithField("agent_id", agentID).Error("runAgent failed")
		s.mu.Lock()
		if session, ok := s.sessions[agentID]; ok {
			session.Status = deck.StatusError
			s.sessions[agentID] = session
		}
		s.mu.Unlock()
		s.notify()
		return err
	}

	assistantMsg := deck.ChatMessage{
		ID:        deck.NewMessageID(),
		Role:      deck.RoleAssistant,
		Timestamp: s.now(),
		Streaming: true,
		RunID:     result.RunID,
	}

	s.mu.Lock()
	if session, ok := s.sessions[agentID]; ok {
		session.Messages = appendMessage(session.Messages, assistantMsg)
		session.ActiveRunID = result.RunID
		session.Status = deck.StatusStreaming
		s.sessions[agentID] = session
	}
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
	return nil
}

// AppendMessageChunk grows the streaming assistant message for a run. A
// chunk arriving before its placeholder (replay races, missed run
// acceptance) creates the message itself.
func (s *Store) AppendMessageChunk(agentID, runID, chunk string) {
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}

	didAppend := false
	messages := make([]deck.ChatMessage, len(session.Messages))
	for i, msg := range session.Messages {
		if msg.RunID == runID && msg.Streaming {
			msg.Text += chunk
			didAppend = true
		}
		messages[i] = msg
	}

	if !didAppend {
		messages = append(messages, deck.ChatMessage{
			ID:        deck.NewMessageID(),
			Role:      deck.RoleAssistant,
			Text:      chunk,
			Timestamp: s.now(),
			Streaming: true,
			RunID:     runID,
		})
	}

	session.Messages = messages
	session.ActiveRunID = runID
	session.TokenCount += len(chunk) // approximation until real usage arrives
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// FinalizeMessage marks a run's messages done and returns the session to
// idle. Finalization is sticky: the merge rules never resurrect streaming
// for these messages.
func (s *Store) FinalizeMessage(agentID, runID string) {
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}

	messages := make([]deck.ChatMessage, len(session.Messages))
	for i, msg := range session.Messages {
		if msg.RunID == runID {
			msg.Streaming = false
		}
		messages[i] = msg
	}

	session.Messages = messages
	session.ActiveRunID = ""
	session.Status = deck.StatusIdle
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// SetAgentStatus applies a transport-driven status transition. A session
// reported offline holds disconnected against stray late events; only
// presence (or reconnect) lifts it.
func (s *Store) SetAgentStatus(agentID string, status deck.AgentStatus) {
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok || (session.Status == deck.StatusDisconnected && status != deck.StatusDisconnected) {
		s.mu.Unlock()
		return
	}
	session.Status = status
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
}

// RefreshUsageForAgent replaces the chunk-length token approximation with
// the gateway's authoritative accounting. Best-effort: failures only leave
// the approximation in place.
func (s *Store) RefreshUsageForAgent(agentID string) {
	client := s.currentClient()
	if client == nil || !client.Connected() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
	defer cancel()

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		s.log.WithError(err).WithField("agent_id", agentID).Warn("usage refresh failed")
		return
	}

	sessionKey := gateway.SessionKeyForAgent(agentID)
	for _, info := range sessions {
		if info.Key != sessionKey {
			continue
		}

		usage := &deck.SessionUsage{
			InputTokens:  info.InputTokens,
			OutputTokens: info.OutputTokens,
			TotalTokens:  info.TotalTokens,
			Model:        info.Model,
			Failover:     info.Failover,
		}

		s.mu.Lock()
		if session, ok := s.sessions[agentID]; ok {
			session.Usage = usage
			session.TokenCount = usage.TotalTokens
			s.sessions[agentID] = session
		}
		s.mu.Unlock()

		s.notify()
		s.schedulePersist()
		return
	}
}

// RehydrateSessionHistory fetches the authoritative history for one agent
// and reconciles it into the live message list. The merge is commutative
// with concurrently arriving chunks: whichever source carries the longer
// text wins.
func (s *Store) RehydrateSessionHistory(agentID string) {
	client := s.currentClient()
	if client == nil || !client.Connected() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
	defer cancel()

	payload, err := client.GetSessionHistory(ctx, gateway.SessionKeyForAgent(agentID))
	if err != nil {
		s.log.WithError(err).WithField("agent_id", agentID).Warn("history rehydration failed")
		return
	}
	if payload == nil {
		return
	}

	canonical := deck.NormalizeHistory(payload)
	if len(canonical) == 0 {
		return
	}

	// Re-read the live session: the world may have changed while the
	// fetch was in flight, and the agent may be gone entirely.
	s.mu.Lock()
	session, ok := s.sessions[agentID]
	if !ok {
		s.mu.Unlock()
		return
	}
	session.Messages = deck.MergeMessages(session.Messages, canonical)
	s.sessions[agentID] = session
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()
}

// RehydrateAllSessionHistories fetches every agent's history concurrently;
// each merge is independent.
func (s *Store) RehydrateAllSessionHistories() {
	s.mu.Lock()
	ids := make([]string, len(s.columnOrder))
	copy(ids, s.columnOrder)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, agentID := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			s.RehydrateSessionHistory(id)
		}(agentID)
	}
	wg.Wait()
}

func appendMessage(messages []deck.ChatMessage, msg deck.ChatMessage) []deck.ChatMessage {
	out := make([]deck.ChatMessage, len(messages), len(messages)+1)
	copy(out, messages)
	return append(out, msg)
}
