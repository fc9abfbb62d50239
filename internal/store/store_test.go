package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/agentdeck/internal/deck"
	"github.com/openclaw/agentdeck/internal/gateway"
	"github.com/openclaw/agentdeck/internal/persist"
)

// fakeClient is an in-memory gateway.Client.
type fakeClient struct {
	mu        sync.Mutex
	connected bool

	runCalls    []string
	runErr      error
	nextRunID   string
	sessions    []gateway.SessionInfo
	history     any
	historyKeys []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{connected: true, nextRunID: "run-1"}
}

func (f *fakeClient) Connect()    {}
func (f *fakeClient) Disconnect() {}

func (f *fakeClient) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) setConnected(up bool) {
	f.mu.Lock()
	f.connected = up
	f.mu.Unlock()
}

func (f *fakeClient) RunAgent(_ context.Context, _, text, _ string) (*gateway.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls = append(f.runCalls, text)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &gateway.RunResult{RunID: f.nextRunID}, nil
}

func (f *fakeClient) CreateAgent(context.Context, gateway.AgentSpec) error { return nil }
func (f *fakeClient) DeleteAgent(context.Context, string) error            { return nil }

func (f *fakeClient) ListSessions(context.Context) ([]gateway.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions, nil
}

func (f *fakeClient) GetSessionHistory(_ context.Context, sessionKey string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.historyKeys = append(f.historyKeys, sessionKey)
	return f.history, nil
}

// fakePersistence records snapshot writes and serves canned reads.
type fakePersistence struct {
	mu        sync.Mutex
	syncSnap  *persist.Snapshot
	asyncSnap *persist.Snapshot
	asyncGate chan struct{}
	writes    []*persist.Snapshot
}

func (f *fakePersistence) ReadSync() *persist.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncSnap
}

func (f *fakePersistence) ReadAsync(ctx context.Context) *persist.Snapshot {
	if f.asyncGate != nil {
		select {
		case <-f.asyncGate:
		case <-ctx.Done():
			return nil
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.asyncSnap
}

func (f *fakePersistence) Write(snap *persist.Snapshot) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, snap)
	return true
}

func (f *fakePersistence) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

func (f *fakePersistence) lastWrite() *persist.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.writes) == 0 {
		return nil
	}
	return f.writes[len(f.writes)-1]
}

func testAgents() []deck.AgentConfig {
	return []deck.AgentConfig{
		{ID: "main", Name: "Main"},
		{ID: "agent-2", Name: "Agent 2"},
	}
}

func newTestStore(t *testing.T, client gateway.Client, p Persistence) *Store {
	t.Helper()
	var ms atomic.Int64
	ms.Store(1000)
	s := New(Options{
		Agents:      testAgents(),
		Persistence: p,
		Debounce:    10 * time.Millisecond,
		now:         func() int64 { return ms.Add(1) },
	})
	s.Initialize(client)
	t.Cleanup(s.Close)
	return s
}

func TestInitialize_HydratesFromSyncTier(t *testing.T) {
	p := &fakePersistence{
		syncSnap: &persist.Snapshot{
			Version:     persist.SchemaVersion,
			UpdatedAt:   500,
			Agents:      []deck.AgentConfig{{ID: "saved", Name: "Saved"}},
			ColumnOrder: []string{"saved"},
			Drafts:      map[string]string{"saved": "unsent text"},
			Sessions: map[string]persist.SessionSnapshot{
				"saved": {
					Messages: []deck.ChatMessage{
						{ID: "m1", Role: deck.RoleAssistant, Text: "hi", Timestamp: 400, Streaming: true},
					},
					TokenCount: 7,
				},
			},
		},
	}

	s := newTestStore(t, newFakeClient(), p)
	state := s.State()

	require.Len(t, state.Agents, 1, "snapshot roster replaces configured roster")
	assert.Equal(t, "saved", state.Agents[0].ID)
	assert.Equal(t, []string{"saved"}, state.ColumnOrder)
	assert.Equal(t, "unsent text", state.Drafts["saved"])

	session := state.Sessions["saved"]
	require.Len(t, session.Messages, 1)
	assert.False(t, session.Messages[0].Streaming, "nothing can still be streaming across a restart")
	assert.Equal(t, 7, session.TokenCount)
}

func TestInitialize_EmptySnapshotUsesConfiguredRoster(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})
	state := s.State()

	require.Len(t, state.Agents, 2)
	assert.Equal(t, []string{"main", "agent-2"}, state.ColumnOrder)
	assert.Empty(t, state.Sessions["main"].Messages)
}

func TestAdoptAsyncSnapshot_DiscardedWhenLiveStateIsNewer(t *testing.T) {
	gate := make(chan struct{})
	p := &fakePersistence{
		asyncGate: gate,
		asyncSnap: &persist.Snapshot{
			Version:     persist.SchemaVersion,
			UpdatedAt:   500,
			Agents:      []deck.AgentConfig{{ID: "stale", Name: "Stale"}},
			ColumnOrder: []string{"stale"},
			Drafts:      map[string]string{},
			Sessions:    map[string]persist.SessionSnapshot{},
		},
	}

	s := newTestStore(t, newFakeClient(), p)

	// The user starts typing before the slow tier resolves.
	s.SetDraft("main", "in progress")
	close(gate)

	// The stale snapshot must never be adopted now.
	time.Sleep(50 * time.Millisecond)
	state := s.State()
	assert.Equal(t, "in progress", state.Drafts["main"])
	require.Len(t, state.Agents, 2)
	assert.Equal(t, "main", state.Agents[0].ID)
}

func TestAdoptAsyncSnapshot_AdoptedWhenStillEmpty(t *testing.T) {
	gate := make(chan struct{})
	p := &fakePersistence{
		asyncGate: gate,
		asyncSnap: &persist.Snapshot{
			Version:     persist.SchemaVersion,
			UpdatedAt:   500,
			Agents:      []deck.AgentConfig{{ID: "slow", Name: "Slow"}},
			ColumnOrder: []string{"slow"},
			Drafts:      map[string]string{},
			Sessions:    map[string]persist.SessionSnapshot{},
		},
	}

	s := newTestStore(t, newFakeClient(), p)
	close(gate)

	require.Eventually(t, func() bool {
		state := s.State()
		return len(state.Agents) == 1 && state.Agents[0].ID == "slow"
	}, time.Second, 5*time.Millisecond)
}

func TestSendMessage_OptimisticAppendAndRunStart(t *testing.T) {
	client := newFakeClient()
	client.nextRunID = "run-7"
	s := newTestStore(t, client, &fakePersistence{})

	require.NoError(t, s.SendMessage(context.Background(), "main", "hello there"))

	session, ok := s.Session("main")
	require.True(t, ok)
	require.Len(t, session.Messages, 2)

	user := session.Messages[0]
	assert.Equal(t, deck.RoleUser, user.Role)
	assert.Equal(t, "hello there", user.Text)
	assert.NotEmpty(t, user.ID)

	placeholder := session.Messages[1]
	assert.Equal(t, deck.RoleAssistant, placeholder.Role)
	assert.True(t, placeholder.Streaming)
	assert.Equal(t, "run-7", placeholder.RunID)

	assert.Equal(t, deck.StatusStreaming, session.Status)
	assert.Equal(t, "run-7", session.ActiveRunID)
	assert.Equal(t, []string{"hello there"}, client.runCalls)
}

func TestSendMessage_RunFailureKeepsOptimisticMessage(t *testing.T) {
	client := newFakeClient()
	client.runErr = fmt.Errorf("gateway exploded")
	s := newTestStore(t, client, &fakePersistence{})

	err := s.SendMessage(context.Background(), "main", "doomed")
	require.Error(t, err)

	session, _ := s.Session("main")
	require.Len(t, session.Messages, 1, "optimistic user message survives the failure")
	assert.Equal(t, "doomed", session.Messages[0].Text)
	assert.Equal(t, deck.StatusError, session.Status)
}

func TestSendMessage_RejectedWhenDisconnected(t *testing.T) {
	client := newFakeClient()
	client.setConnected(false)
	s := newTestStore(t, client, &fakePersistence{})

	assert.Error(t, s.SendMessage(context.Background(), "main", "hi"))
	session, _ := s.Session("main")
	assert.Empty(t, session.Messages)
}

func TestSendMessage_UnknownAgent(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})
	assert.Error(t, s.SendMessage(context.Background(), "ghost", "hi"))
}

func TestAppendMessageChunk_GrowsStreamingMessage(t *testing.T) {
	client := newFakeClient()
	client.nextRunID = "run-1"
	s := newTestStore(t, client, &fakePersistence{})

	require.NoError(t, s.SendMessage(context.Background(), "main", "q"))
	s.AppendMessageChunk("main", "run-1", "Hel")
	s.AppendMessageChunk("main", "run-1", "lo")

	session, _ := s.Session("main")
	require.Len(t, session.Messages, 2)
	assert.Equal(t, "Hello", session.Messages[1].Text)
	assert.True(t, session.Messages[1].Streaming)
	assert.Equal(t, len("Hel")+len("lo"), session.TokenCount)
}

func TestAppendMessageChunk_OrphanChunkCreatesMessage(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	s.AppendMessageChunk("main", "run-x", "surprise")

	session, _ := s.Session("main")
	require.Len(t, session.Messages, 1)
	msg := session.Messages[0]
	assert.Equal(t, deck.RoleAssistant, msg.Role)
	assert.Equal(t, "surprise", msg.Text)
	assert.Equal(t, "run-x", msg.RunID)
	assert.True(t, msg.Streaming)
}

func TestFinalizeMessage_StopsStreamingAndIdles(t *testing.T) {
	client := newFakeClient()
	client.nextRunID = "run-1"
	s := newTestStore(t, client, &fakePersistence{})

	require.NoError(t, s.SendMessage(context.Background(), "main", "q"))
	s.AppendMessageChunk("main", "run-1", "done")
	s.FinalizeMessage("main", "run-1")

	session, _ := s.Session("main")
	assert.Equal(t, deck.StatusIdle, session.Status)
	assert.Empty(t, session.ActiveRunID)
	for _, msg := range session.Messages {
		assert.False(t, msg.Streaming)
	}
}

func TestSetAgentStatus_DisconnectedHoldsAgainstStrayEvents(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	s.SetAgentStatus("main", deck.StatusDisconnected)
	s.SetAgentStatus("main", deck.StatusStreaming)

	session, _ := s.Session("main")
	assert.Equal(t, deck.StatusDisconnected, session.Status)

	// Presence online lifts it.
	s.HandleGatewayEvent(gateway.Event{
		Event:   "presence",
		Payload: map[string]any{"agents": map[string]any{"main": map[string]any{"online": true}}},
	})
	session, _ = s.Session("main")
	assert.Equal(t, deck.StatusIdle, session.Status)
}

func TestHandleGatewayEvent_AssistantDeltaAndLifecycle(t *testing.T) {
	client := newFakeClient()
	s := newTestStore(t, client, &fakePersistence{})

	key := gateway.SessionKeyForAgent("agent-2")

	s.HandleGatewayEvent(gateway.Event{Event: "agent", Payload: map[string]any{
		"runId": "run-9", "stream": "lifecycle", "sessionKey": key,
		"data": map[string]any{"phase": "start"},
	}})
	session, _ := s.Session("agent-2")
	assert.Equal(t, deck.StatusThinking, session.Status)

	s.HandleGatewayEvent(gateway.Event{Event: "agent", Payload: map[string]any{
		"runId": "run-9", "stream": "assistant", "sessionKey": key,
		"data": map[string]any{"delta": "partial"},
	}})
	session, _ = s.Session("agent-2")
	assert.Equal(t, deck.StatusStreaming, session.Status)
	require.Len(t, session.Messages, 1)
	assert.Equal(t, "partial", session.Messages[0].Text)

	s.HandleGatewayEvent(gateway.Event{Event: "agent", Payload: map[string]any{
		"runId": "run-9", "stream": "lifecycle", "sessionKey": key,
		"data": map[string]any{"phase": "end"},
	}})
	session, _ = s.Session("agent-2")
	assert.Equal(t, deck.StatusIdle, session.Status)
	assert.False(t, session.Messages[0].Streaming)
}

func TestHandleGatewayEvent_ToolUse(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	for _, stream := range []string{"tool_use", "tool"} {
		s.SetAgentStatus("main", deck.StatusIdle)
		s.HandleGatewayEvent(gateway.Event{Event: "agent", Payload: map[string]any{
			"runId": "run-1", "stream": stream,
			"sessionKey": gateway.SessionKeyForAgent("main"),
		}})
		session, _ := s.Session("main")
		assert.Equal(t, deck.StatusToolUse, session.Status)
	}
}

func TestHandleGatewayEvent_PresenceIgnoresUnknownAgents(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	s.HandleGatewayEvent(gateway.Event{Event: "presence", Payload: map[string]any{
		"agents": map[string]any{
			"main":    map[string]any{"online": false},
			"phantom": map[string]any{"online": true},
		},
	}})

	state := s.State()
	assert.Equal(t, deck.StatusDisconnected, state.Sessions["main"].Status)
	_, exists := state.Sessions["phantom"]
	assert.False(t, exists, "presence never creates sessions")
}

func TestHandleGatewayEvent_CompactionAppendsDivider(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	payload := map[string]any{
		"sessionKey":      gateway.SessionKeyForAgent("main"),
		"beforeTokens":    float64(9000),
		"afterTokens":     float64(1200),
		"droppedMessages": float64(34),
	}
	s.HandleGatewayEvent(gateway.Event{Event: "compaction", Payload: payload})
	s.HandleGatewayEvent(gateway.Event{Event: "compaction", Payload: payload})

	session, _ := s.Session("main")
	require.Len(t, session.Messages, 2, "each compaction is its own divider")
	msg := session.Messages[0]
	assert.Equal(t, deck.RoleCompaction, msg.Role)
	require.NotNil(t, msg.Compaction)
	assert.Equal(t, 9000, msg.Compaction.BeforeTokens)
	assert.Equal(t, 1200, msg.Compaction.AfterTokens)
	assert.Equal(t, 34, msg.Compaction.DroppedMessages)
}

func TestHandleGatewayEvent_UsageOverwritesApproximation(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	s.AppendMessageChunk("main", "run-1", "some approximate tokens")

	s.HandleGatewayEvent(gateway.Event{Event: "sessions.usage", Payload: map[string]any{
		"sessionKey": gateway.SessionKeyForAgent("main"),
		"usage": map[string]any{
			"inputTokens":  float64(120),
			"outputTokens": float64(80),
			"totalTokens":  float64(200),
			"model":        "claude-sonnet-4-5",
			"failover": map[string]any{
				"from": "claude-opus-4-6", "to": "claude-sonnet-4-5", "reason": "overloaded",
			},
		},
	}})

	session, _ := s.Session("main")
	require.NotNil(t, session.Usage)
	assert.Equal(t, 200, session.Usage.TotalTokens)
	assert.Equal(t, 200, session.TokenCount)
	require.NotNil(t, session.Usage.Failover)
	assert.Equal(t, "overloaded", session.Usage.Failover.Reason)
}

func TestHandleConnectionChange_TogglesSessions(t *testing.T) {
	client := newFakeClient()
	client.setConnected(false)
	s := newTestStore(t, client, &fakePersistence{})

	s.HandleConnectionChange(false)
	state := s.State()
	assert.False(t, state.GatewayConnected)
	for _, session := range state.Sessions {
		assert.False(t, session.Connected)
		assert.Equal(t, deck.StatusDisconnected, session.Status)
	}

	s.HandleConnectionChange(true)
	state = s.State()
	assert.True(t, state.GatewayConnected)
	for _, session := range state.Sessions {
		assert.True(t, session.Connected)
		assert.Equal(t, deck.StatusIdle, session.Status)
	}
}

func TestRehydrateSessionHistory_MergesCanonicalHistory(t *testing.T) {
	client := newFakeClient()
	client.history = map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "text": "question", "timestamp": float64(100), "id": "u1"},
			map[string]any{"role": "assistant", "text": "full answer", "timestamp": float64(200), "id": "a1"},
		},
	}
	s := newTestStore(t, client, &fakePersistence{})

	// A truncated local copy of the same assistant message.
	s.AppendMessageChunk("main", "run-1", "full ans")
	s.FinalizeMessage("main", "run-1")

	s.RehydrateSessionHistory("main")

	session, _ := s.Session("main")
	var texts []string
	for _, msg := range session.Messages {
		texts = append(texts, msg.Text)
	}
	assert.Contains(t, texts, "question")
	assert.Contains(t, texts, "full answer")
	assert.Equal(t, []string{gateway.SessionKeyForAgent("main")}, client.historyKeys)
}

func TestRefreshUsageForAgent_MatchesSessionKey(t *testing.T) {
	client := newFakeClient()
	client.sessions = []gateway.SessionInfo{
		{Key: "agent:main:other", TotalTokens: 99},
		{Key: gateway.SessionKeyForAgent("main"), InputTokens: 10, OutputTokens: 5, TotalTokens: 15, Model: "m1"},
	}
	s := newTestStore(t, client, &fakePersistence{})

	s.RefreshUsageForAgent("main")

	session, _ := s.Session("main")
	require.NotNil(t, session.Usage)
	assert.Equal(t, 15, session.Usage.TotalTokens)
	assert.Equal(t, 15, session.TokenCount)
	assert.Equal(t, "m1", session.Usage.Model)
}

func TestRosterMutations(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})

	s.AddAgent(deck.AgentConfig{ID: "agent-3", Name: "Agent 3"})
	state := s.State()
	assert.Equal(t, []string{"main", "agent-2", "agent-3"}, state.ColumnOrder)
	_, ok := state.Sessions["agent-3"]
	assert.True(t, ok)

	s.ReorderColumns([]string{"agent-3", "main", "bogus"})
	state = s.State()
	assert.Equal(t, []string{"agent-3", "main", "agent-2"}, state.ColumnOrder,
		"unknown ids dropped, missing ids appended")

	s.RemoveAgent("agent-2")
	state = s.State()
	assert.Equal(t, []string{"agent-3", "main"}, state.ColumnOrder)
	_, ok = state.Sessions["agent-2"]
	assert.False(t, ok)
	_, ok = state.Drafts["agent-2"]
	assert.False(t, ok)
}

func TestDebounce_CollapsesBurstIntoOneWrite(t *testing.T) {
	p := &fakePersistence{}
	s := newTestStore(t, newFakeClient(), p)

	for i := 0; i < 10; i++ {
		s.SetDraft("main", fmt.Sprintf("draft %d", i))
	}

	require.Eventually(t, func() bool { return p.writeCount() >= 1 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, p.writeCount(), "a burst inside the quiet period is one write")
	assert.Equal(t, "draft 9", p.lastWrite().Drafts["main"])
}

func TestSnapshot_PrunesRemovedAgents(t *testing.T) {
	p := &fakePersistence{}
	s := newTestStore(t, newFakeClient(), p)

	s.SetDraft("agent-2", "will vanish")
	s.RemoveAgent("agent-2")

	require.Eventually(t, func() bool { return p.writeCount() >= 1 },
		time.Second, 5*time.Millisecond)

	snap := p.lastWrite()
	_, ok := snap.Sessions["agent-2"]
	assert.False(t, ok)
	_, ok = snap.Drafts["agent-2"]
	assert.False(t, ok)
	assert.Equal(t, []string{"main"}, snap.ColumnOrder)
}

func TestClose_FlushesFinalSnapshot(t *testing.T) {
	p := &fakePersistence{}
	client := newFakeClient()
	var ms atomic.Int64
	ms.Store(1000)
	s := New(Options{
		Agents:      testAgents(),
		Persistence: p,
		Debounce:    time.Hour, // never fires on its own
		now:         func() int64 { return ms.Add(1) },
	})
	s.Initialize(client)

	s.SetDraft("main", "about to quit")
	s.Close()

	require.GreaterOrEqual(t, p.writeCount(), 1)
	assert.Equal(t, "about to quit", p.lastWrite().Drafts["main"])
	assert.Equal(t, persist.SchemaVersion, p.lastWrite().Version)
}

func TestStats(t *testing.T) {
	client := newFakeClient()
	s := newTestStore(t, client, &fakePersistence{})

	require.NoError(t, s.SendMessage(context.Background(), "main", "q"))
	s.AppendMessageChunk("main", s.mustSession(t, "main").ActiveRunID, "answer")
	s.FinalizeMessage("main", s.mustSession(t, "main").ActiveRunID)
	s.SetAgentStatus("agent-2", deck.StatusThinking)

	stats := s.Stats()
	assert.Equal(t, 2, stats.TotalAgents)
	assert.Equal(t, 1, stats.Thinking)
	assert.Equal(t, 0, stats.Streaming)
	assert.Equal(t, 1, stats.Active)
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, 1, stats.WaitingForUser, "idle column ending in a finished assistant message")
	assert.True(t, stats.GatewayConnected)
}

func TestSubscribe_SignalsOnMutation(t *testing.T) {
	s := newTestStore(t, newFakeClient(), &fakePersistence{})
	ch := s.Subscribe()

	// Drain any hydration signal.
	select {
	case <-ch:
	default:
	}

	s.SetDraft("main", "x")

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("subscriber never notified")
	}
}

func (s *Store) mustSession(t *testing.T, agentID string) deck.AgentSession {
	t.Helper()
	session, ok := s.Session(agentID)
	require.True(t, ok)
	return session
}
