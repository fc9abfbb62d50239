// Package store owns the live deck state: the collection of agent sessions,
// roster, column order, and drafts. It wires gateway callbacks to session
// state transitions, drives hydration on startup and rehydration on
// reconnect, and schedules debounced persistence.
//
// All mutations run under one mutex and replace whole session values, so the
// session map behaves like a single-threaded event loop: an async result
// (history fetch, usage refresh, slow-tier read) never assumes the world
// hasn't changed underneath it — it re-reads the live state when it resolves.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openclaw/agentdeck/internal/deck"
	"github.com/openclaw/agentdeck/internal/gateway"
	"github.com/openclaw/agentdeck/internal/persist"
)

// DefaultPersistDebounce is the quiet period collapsing a burst of mutations
// into one snapshot write.
const DefaultPersistDebounce = 160 * time.Millisecond

const gatewayCallTimeout = 30 * time.Second

// Persistence is the two-tier snapshot gateway the store persists through.
type Persistence interface {
	ReadSync() *persist.Snapshot
	ReadAsync(ctx context.Context) *persist.Snapshot
	Write(snap *persist.Snapshot) bool
}

// Options configures a Store.
type Options struct {
	// Agents is the configured roster, used when no snapshot has one.
	Agents []deck.AgentConfig

	Persistence Persistence
	Logger      *logrus.Logger

	// Debounce overrides DefaultPersistDebounce when positive.
	Debounce time.Duration

	// now is injectable for tests.
	now func() int64
}

// Store is the deck orchestrator. It exclusively owns the session map;
// callers request mutations through its methods and never hold a copy.
type Store struct {
	log         *logrus.Logger
	persistence Persistence
	debounce    time.Duration
	now         func() int64

	mu               sync.Mutex
	client           gateway.Client
	agents           []deck.AgentConfig
	sessions         map[string]deck.AgentSession
	columnOrder      []string
	drafts           map[string]string
	gatewayConnected bool

	persistTimer *time.Timer
	subscribers  []chan struct{}
	closed       bool
}

// New builds a Store. Initialize must be called before use.
func New(opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = logrus.New()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultPersistDebounce
	}
	now := opts.now
	if now == nil {
		now = func() int64 { return time.Now().UnixMilli() }
	}

	return &Store{
		log:         log,
		persistence: opts.Persistence,
		debounce:    debounce,
		now:         now,
		agents:      opts.Agents,
		sessions:    make(map[string]deck.AgentSession),
		drafts:      make(map[string]string),
	}
}

// Initialize hydrates state from the synchronous tier, connects the gateway
// client, and arms the slow-tier fallback read. The sync tier is
// authoritative for the initial render; the async tier is only adopted if it
// resolves before any newer live state exists.
func (s *Store) Initialize(client gateway.Client) {
	var snap *persist.Snapshot
	if s.persistence != nil {
		snap = s.persistence.ReadSync()
	}

	s.mu.Lock()
	s.client = client
	s.hydrateLocked(snap)
	s.mu.Unlock()
	s.notify()

	if client != nil {
		client.Connect()
	}

	if snap == nil && s.persistence != nil {
		go s.adoptAsyncSnapshot()
	}
}

// hydrateLocked rebuilds sessions, drafts, and column order from a snapshot,
// falling back to the configured roster when the snapshot has none. Restored
// messages are re-merged and their streaming flags cleared: nothing can
// still be streaming across a reload.
func (s *Store) hydrateLocked(snap *persist.Snapshot) {
	agents := s.agents
	if snap != nil && len(snap.Agents) > 0 {
		agents = snap.Agents
	}

	agentIDs := make([]string, 0, len(agents))
	sessions := make(map[string]deck.AgentSession, len(agents))
	drafts := make(map[string]string, len(agents))

	for _, agent := range agents {
		agentIDs = append(agentIDs, agent.ID)
		session := deck.NewSession(agent.ID)
		session.Connected = s.gatewayConnected

		if snap != nil {
			if cached, ok := snap.Sessions[agent.ID]; ok {
				messages := deck.MergeMessages(nil, cached.Messages)
				for i := range messages {
					messages[i].Streaming = false
				}
				session.Messages = messages
				session.TokenCount = cached.TokenCount
				session.Usage = cached.Usage
			}
			drafts[agent.ID] = snap.Drafts[agent.ID]
		} else {
			drafts[agent.ID] = ""
		}

		sessions[agent.ID] = session
	}

	var savedOrder []string
	if snap != nil {
		savedOrder = snap.ColumnOrder
	}

	s.agents = agents
	s.sessions = sessions
	s.drafts = drafts
	s.columnOrder = deck.NormalizeColumnOrder(savedOrder, agentIDs)
}

// adoptAsyncSnapshot probes the slow tier and adopts its snapshot only if
// the live state is still empty by the time the read resolves. If the user
// has started typing or a message has streamed in, the stale read is
// discarded.
func (s *Store) adoptAsyncSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), gatewayCallTimeout)
	defer cancel()

	snap := s.persistence.ReadAsync(ctx)
	if snap == nil {
		return
	}

	s.mu.Lock()
	if s.closed || s.hasAnyMessagesLocked() || s.hasAnyDraftsLocked() {
		s.mu.Unlock()
		s.log.Debug("discarding slow-tier snapshot, live state is newer")
		return
	}
	s.hydrateLocked(snap)
	s.mu.Unlock()

	s.log.Info("hydrated deck from slow-tier snapshot")
	s.notify()
	s.schedulePersist()
}

func (s *Store) hasAnyMessagesLocked() bool {
	for _, session := range s.sessions {
		if len(session.Messages) > 0 {
			return true
		}
	}
	return false
}

func (s *Store) hasAnyDraftsLocked() bool {
	for _, draft := range s.drafts {
		if len(draft) > 0 {
			return true
		}
	}
	return false
}

// HandleConnectionChange is the gateway connection callback. Going offline
// marks every session disconnected; coming back restores each session to
// idle (disconnected is overridden only by presence or reconnect) and kicks
// off usage refresh plus history rehydration for every column.
func (s *Store) HandleConnectionChange(connected bool) {
	s.mu.Lock()
	s.gatewayConnected = connected
	for id, session := range s.sessions {
		session.Connected = connected
		if connected {
			if session.Status == deck.StatusDisconnected {
				session.Status = deck.StatusIdle
			}
		} else {
			session.Status = deck.StatusDisconnected
		}
		s.sessions[id] = session
	}
	agentIDs := s.agentIDsLocked()
	s.mu.Unlock()

	s.notify()
	s.schedulePersist()

	if connected {
		for _, id := range agentIDs {
			go s.RefreshUsageForAgent(id)
		}
		go s.RehydrateAllSessionHistories()
	}
}

func (s *Store) agentIDsLocked() []string {
	ids := make([]string, 0, len(s.agents))
	for _, agent := range s.agents {
		ids = append(ids, agent.ID)
	}
	return ids
}

// Subscribe returns a channel that receives a signal after every state
// change. The channel is buffered; slow consumers coalesce signals instead
// of blocking mutations.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.mu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel returned by Subscribe.
func (s *Store) Unsubscribe(ch <-chan struct{}) {
	s.mu.Lock()
	for i, sub := range s.subscribers {
		if sub == ch {
			s.subscribers = append(s.subscribers[:i], s.subscribers[i+1:]...)
			break
		}
	}
	s.mu.Unlock()
}

func (s *Store) notify() {
	s.mu.Lock()
	subscribers := s.subscribers
	s.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// schedulePersist arms (or re-arms) the single pending snapshot write. A
// burst of mutations inside the quiet period collapses into one write.
func (s *Store) schedulePersist() {
	if s.persistence == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(s.agents) == 0 {
		return
	}

	if s.persistTimer != nil {
		s.persistTimer.Stop()
	}
	s.persistTimer = time.AfterFunc(s.debounce, s.flushPersist)
}

// flushPersist writes the current snapshot immediately.
func (s *Store) flushPersist() {
	if s.persistence == nil {
		return
	}

	s.mu.Lock()
	if len(s.agents) == 0 {
		s.mu.Unlock()
		return
	}
	snap := s.buildSnapshotLocked()
	s.mu.Unlock()

	if !s.persistence.Write(snap) {
		s.log.Debug("snapshot write skipped this cycle")
	}
}

// buildSnapshotLocked derives the persisted projection of the live state.
// Sessions and drafts are keyed by the current roster only, so entries for
// removed agents are pruned implicitly by not being re-included.
func (s *Store) buildSnapshotLocked() *persist.Snapshot {
	sessions := make(map[string]persist.SessionSnapshot, len(s.sessions))
	for id, session := range s.sessions {
		sessions[id] = persist.SessionSnapshot{
			Messages:   deck.MergeMessages(nil, session.Messages),
			TokenCount: session.TokenCount,
			Usage:      session.Usage,
		}
	}

	drafts := make(map[string]string, len(s.drafts))
	for id, draft := range s.drafts {
		drafts[id] = draft
	}

	agents := make([]deck.AgentConfig, len(s.agents))
	copy(agents, s.agents)

	order := make([]string, len(s.columnOrder))
	copy(order, s.columnOrder)

	return &persist.Snapshot{
		Version:     persist.SchemaVersion,
		UpdatedAt:   s.now(),
		Agents:      agents,
		ColumnOrder: order,
		Drafts:      drafts,
		Sessions:    sessions,
	}
}

// Close flushes any pending snapshot write and disconnects the gateway.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timer := s.persistTimer
	s.persistTimer = nil
	client := s.client
	hasAgents := len(s.agents) > 0
	var snap *persist.Snapshot
	if s.persistence != nil && hasAgents {
		snap = s.buildSnapshotLocked()
	}
	s.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if snap != nil {
		s.persistence.Write(snap)
	}
	if client != nil {
		client.Disconnect()
	}
}
