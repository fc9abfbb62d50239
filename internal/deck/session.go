package deck

// AgentStatus is the per-agent state machine state.
type AgentStatus string

const (
	StatusIdle         AgentStatus = "idle"
	StatusThinking     AgentStatus = "thinking"
	StatusStreaming    AgentStatus = "streaming"
	StatusToolUse      AgentStatus = "tool_use"
	StatusError        AgentStatus = "error"
	StatusDisconnected AgentStatus = "disconnected"
)

// AgentConfig is the static identity of one deck column.
type AgentConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	Accent  string `json:"accent"`
	Context string `json:"context"`
	Model   string `json:"model"`
}

// FailoverInfo records a gateway-side model failover for a session.
type FailoverInfo struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason"`
}

// SessionUsage is the authoritative token accounting reported by the
// gateway, superseding the chunk-length approximation.
type SessionUsage struct {
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	TotalTokens  int           `json:"totalTokens"`
	Model        string        `json:"model,omitempty"`
	Failover     *FailoverInfo `json:"failover,omitempty"`
}

// AgentSession is the runtime conversation state for one agent. Sessions are
// exclusively owned by the store; mutation happens by whole-value
// replacement, never in place.
type AgentSession struct {
	AgentID     string        `json:"agentId"`
	Status      AgentStatus   `json:"status"`
	Messages    []ChatMessage `json:"messages"`
	ActiveRunID string        `json:"activeRunId,omitempty"`
	TokenCount  int           `json:"tokenCount"`
	Usage       *SessionUsage `json:"usage,omitempty"`
	Connected   bool          `json:"connected"`
}

// NewSession returns the initial session for an agent.
func NewSession(agentID string) AgentSession {
	return AgentSession{
		AgentID: agentID,
		Status:  StatusIdle,
	}
}

// NormalizeColumnOrder filters an order to known agent ids, preserving its
// relative order, and appends any roster ids it omits.
func NormalizeColumnOrder(order []string, agentIDs []string) []string {
	known := make(map[string]bool, len(agentIDs))
	for _, id := range agentIDs {
		known[id] = true
	}

	normalized := make([]string, 0, len(agentIDs))
	seen := make(map[string]bool, len(agentIDs))
	for _, id := range order {
		if known[id] && !seen[id] {
			normalized = append(normalized, id)
			seen[id] = true
		}
	}
	for _, id := range agentIDs {
		if !seen[id] {
			normalized = append(normalized, id)
		}
	}
	return normalized
}
