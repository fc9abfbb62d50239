// Package gateway is the transport boundary to the conversation gateway: a
// persistent websocket carrying request/response calls one way and pushed
// events the other. The deck store consumes the Client interface; the
// websocket implementation lives in ws.go.
package gateway

import (
	"context"
	"strings"

	"github.com/openclaw/agentdeck/internal/deck"
)

// DefaultAgentID is the backend agent every deck column is multiplexed onto.
const DefaultAgentID = "main"

// Event is one pushed gateway event.
type Event struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// RunResult is the acceptance of a runAgent call.
type RunResult struct {
	RunID string `json:"runId"`
}

// AgentSpec describes an agent to create on the gateway.
type AgentSpec struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Model   string `json:"model,omitempty"`
	Context string `json:"context,omitempty"`
}

// SessionInfo is one entry of a listSessions result.
type SessionInfo struct {
	Key          string             `json:"key"`
	InputTokens  int                `json:"inputTokens"`
	OutputTokens int                `json:"outputTokens"`
	TotalTokens  int                `json:"totalTokens"`
	Model        string             `json:"model,omitempty"`
	Failover     *deck.FailoverInfo `json:"failover,omitempty"`
}

// Client is the gateway transport consumed by the deck store. All calls fail
// when the link is down; the store treats those failures per its error
// taxonomy rather than retrying here.
type Client interface {
	// Connect starts the connection loop. It returns immediately; the
	// connection callback reports when the link is actually up.
	Connect()

	// Disconnect tears the link down and stops reconnecting.
	Disconnect()

	// Connected reports whether the link is currently up.
	Connected() bool

	// RunAgent starts one generation run for text under sessionKey.
	RunAgent(ctx context.Context, agentID, text, sessionKey string) (*RunResult, error)

	// CreateAgent registers an agent on the gateway.
	CreateAgent(ctx context.Context, spec AgentSpec) error

	// DeleteAgent removes an agent from the gateway.
	DeleteAgent(ctx context.Context, agentID string) error

	// ListSessions returns the gateway's per-session usage accounting.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// GetSessionHistory fetches the raw history payload for a session key.
	// The shape is gateway-defined; callers normalize it.
	GetSessionHistory(ctx context.Context, sessionKey string) (any, error)
}

// SessionKeyForAgent builds the backend conversation key for a deck column.
// All columns route through the default gateway agent, kept apart by
// distinct session keys.
func SessionKeyForAgent(agentID string) string {
	return "agent:" + DefaultAgentID + ":" + agentID
}

// AgentIDFromSessionKey decodes a session key back to a deck agent id: the
// third colon-delimited segment, falling back to the second, then to the
// default agent.
func AgentIDFromSessionKey(sessionKey string) string {
	parts := strings.Split(sessionKey, ":")
	switch {
	case len(parts) > 2:
		return parts[2]
	case len(parts) > 1:
		return parts[1]
	default:
		return DefaultAgentID
	}
}
