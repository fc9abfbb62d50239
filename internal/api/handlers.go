package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openclaw/agentdeck/internal/deck"
	"github.com/openclaw/agentdeck/internal/gateway"
	"github.com/openclaw/agentdeck/internal/store"
)

// Handlers serves the deck REST surface on top of the store.
type Handlers struct {
	store *store.Store
	info  gateway.Info
	log   *logrus.Logger
}

func NewHandlers(s *store.Store, info gateway.Info, log *logrus.Logger) *Handlers {
	return &Handlers{store: s, info: info, log: log}
}

// GetDeck returns the full deck state.
func (h *Handlers) GetDeck(c *fiber.Ctx) error {
	return c.JSON(h.store.State())
}

// GetStats returns the aggregated column counters.
func (h *Handlers) GetStats(c *fiber.Ctx) error {
	return c.JSON(h.store.Stats())
}

// GetModels returns the gateway's model roster discovered at startup.
func (h *Handlers) GetModels(c *fiber.Ctx) error {
	return c.JSON(h.info)
}

// ReorderColumnsRequest carries the desired column order.
type ReorderColumnsRequest struct {
	Order []string `json:"order"`
}

// ReorderColumns applies a new column order. Unknown ids are dropped and
// missing roster ids appended, so the result is always a permutation of the
// roster.
func (h *Handlers) ReorderColumns(c *fiber.Ctx) error {
	var req ReorderColumnsRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	h.store.ReorderColumns(req.Order)
	return c.JSON(fiber.Map{"columnOrder": h.store.State().ColumnOrder})
}

// CreateAgentRequest describes a new deck column.
type CreateAgentRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	Accent  string `json:"accent"`
	Model   string `json:"model"`
	Context string `json:"context"`
}

// CreateAgent adds an agent column, registering it with the gateway on a
// best-effort basis.
func (h *Handlers) CreateAgent(c *fiber.Ctx) error {
	var req CreateAgentRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Name) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Agent name is required",
		})
	}

	agent := deck.AgentConfig{
		ID:      req.ID,
		Name:    req.Name,
		Icon:    req.Icon,
		Accent:  req.Accent,
		Model:   req.Model,
		Context: req.Context,
	}
	if agent.ID == "" {
		agent.ID = "agent-" + uuid.New().String()[:8]
	}
	if agent.Model == "" {
		agent.Model = h.info.DefaultModel
	}

	if _, exists := h.store.Session(agent.ID); exists {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Agent already exists",
		})
	}

	h.store.CreateAgentOnGateway(c.Context(), agent)
	return c.Status(fiber.StatusCreated).JSON(agent)
}

// DeleteAgent removes an agent column and its gateway registration.
func (h *Handlers) DeleteAgent(c *fiber.Ctx) error {
	agentID := c.Params("id")
	if _, exists := h.store.Session(agentID); !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}

	h.store.DeleteAgentOnGateway(c.Context(), agentID)
	return c.JSON(fiber.Map{"deleted": agentID})
}

// SendMessageRequest carries user input for one agent column.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage starts a generation run for the agent.
func (h *Handlers) SendMessage(c *fiber.Ctx) error {
	agentID := c.Params("id")

	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Message text is required",
		})
	}

	if _, exists := h.store.Session(agentID); !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}

	if err := h.store.SendMessage(c.Context(), agentID, req.Text); err != nil {
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	session, _ := h.store.Session(agentID)
	return c.JSON(session)
}

// GetMessages returns one agent's message history.
func (h *Handlers) GetMessages(c *fiber.Ctx) error {
	session, ok := h.store.Session(c.Params("id"))
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}
	return c.JSON(fiber.Map{"messages": session.Messages})
}

// GetAgentModel resolves which model name the column should present: the
// runtime model from gateway usage when known, the configured model
// otherwise.
func (h *Handlers) GetAgentModel(c *fiber.Ctx) error {
	agentID := c.Params("id")
	session, ok := h.store.Session(agentID)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}

	var runtimeModel string
	if session.Usage != nil {
		runtimeModel = session.Usage.Model
	}

	var configuredModel string
	for _, agent := range h.store.State().Agents {
		if agent.ID == agentID {
			configuredModel = agent.Model
			break
		}
	}

	display := deck.ModelDisplay(runtimeModel, configuredModel)
	if display == nil {
		return c.JSON(fiber.Map{"model": nil})
	}
	return c.JSON(fiber.Map{"model": display})
}

// SetDraftRequest carries an agent's unsent input text.
type SetDraftRequest struct {
	Text string `json:"text"`
}

// SetDraft stores the unsent input for an agent column.
func (h *Handlers) SetDraft(c *fiber.Ctx) error {
	agentID := c.Params("id")

	var req SetDraftRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if _, exists := h.store.Session(agentID); !exists {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Agent not found",
		})
	}

	h.store.SetDraft(agentID, req.Text)
	return c.JSON(fiber.Map{"agentId": agentID, "draft": req.Text})
}
