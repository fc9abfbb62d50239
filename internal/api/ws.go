package api

import (
	"github.com/gofiber/websocket/v2"

	"github.com/openclaw/agentdeck/internal/store"
)

// StreamDeck pushes the full deck state to the client after every store
// change. State frames carry whole snapshots rather than diffs; a slow
// reader coalesces missed changes into the next frame.
func (h *Handlers) StreamDeck(c *websocket.Conn) {
	defer c.Close()

	updates := h.store.Subscribe()
	defer h.store.Unsubscribe(updates)

	// Closed-connection detection: reads are discarded, but a read error
	// means the peer went away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	frame := func(state store.DeckState) error {
		return c.WriteJSON(deckFrame{Type: "deck", Deck: state})
	}

	if err := frame(h.store.State()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return
		case <-updates:
			if err := frame(h.store.State()); err != nil {
				return
			}
		}
	}
}

type deckFrame struct {
	Type string          `json:"type"`
	Deck store.DeckState `json:"deck"`
}
