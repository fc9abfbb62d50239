package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/openclaw/agentdeck/internal/deck"
)

// FallbackModel is used when the gateway's config endpoint is unreachable.
const FallbackModel = "claude-sonnet-4-5"

// ModelOption is one selectable model exposed by the gateway.
type ModelOption struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FallbackModels is the roster offered when discovery fails.
var FallbackModels = []ModelOption{
	{ID: "claude-sonnet-4-5", Name: "Claude Sonnet 4.5"},
	{ID: "claude-opus-4-6", Name: "Claude Opus 4.6"},
}

// Info is the discovered gateway configuration.
type Info struct {
	DefaultModel    string        `json:"defaultModel"`
	AvailableModels []ModelOption `json:"availableModels"`
}

var agentAccents = []string{
	"#22d3ee", "#a78bfa", "#34d399", "#f59e0b", "#f472b6", "#60a5fa",
	"#facc15", "#fb7185", "#4ade80", "#c084fc", "#f97316", "#2dd4bf",
}

// FetchInfo discovers the gateway's default model and model roster from its
// /config endpoint. Discovery is best-effort: any failure falls back to the
// hardcoded defaults rather than returning an error.
func FetchInfo(ctx context.Context, gatewayURL, token string) Info {
	fallback := Info{DefaultModel: FallbackModel, AvailableModels: FallbackModels}

	configURL := httpBaseURL(gatewayURL) + "/config"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, configURL, nil)
	if err != nil {
		return fallback
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fallback
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fallback
	}

	var config struct {
		Agents struct {
			Defaults struct {
				Model struct {
					Primary string `json:"primary"`
				} `json:"model"`
				Models map[string]struct {
					Alias string `json:"alias"`
				} `json:"models"`
			} `json:"defaults"`
		} `json:"agents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&config); err != nil {
		return fallback
	}

	ids := make([]string, 0, len(config.Agents.Defaults.Models))
	for id := range config.Agents.Defaults.Models {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	models := make([]ModelOption, 0, len(ids))
	for _, id := range ids {
		info := config.Agents.Defaults.Models[id]
		name := info.Alias
		if name == "" {
			if i := strings.LastIndex(id, "/"); i >= 0 && i+1 < len(id) {
				name = id[i+1:]
			} else {
				name = id
			}
		}
		models = append(models, ModelOption{ID: id, Name: name})
	}

	defaultModel := config.Agents.Defaults.Model.Primary
	if defaultModel == "" && len(models) > 0 {
		defaultModel = models[0].ID
	}
	if defaultModel == "" {
		defaultModel = FallbackModel
	}
	if len(models) == 0 {
		models = FallbackModels
	}

	return Info{DefaultModel: defaultModel, AvailableModels: models}
}

// BuildDefaultAgents builds the initial roster: the first column maps to the
// gateway's default agent, the rest get numbered ids.
func BuildDefaultAgents(count int, defaultModel string) []deck.AgentConfig {
	if defaultModel == "" {
		defaultModel = FallbackModel
	}

	agents := make([]deck.AgentConfig, 0, count)
	for i := 0; i < count; i++ {
		id := DefaultAgentID
		name := "Main"
		if i > 0 {
			id = fmt.Sprintf("agent-%d", i+1)
			name = fmt.Sprintf("Agent %d", i+1)
		}
		agents = append(agents, deck.AgentConfig{
			ID:     id,
			Name:   name,
			Icon:   strconv.Itoa(i + 1),
			Accent: agentAccents[i%len(agentAccents)],
			Model:  defaultModel,
		})
	}
	return agents
}

// httpBaseURL converts a websocket gateway URL to its HTTP origin.
func httpBaseURL(gatewayURL string) string {
	base := strings.TrimSuffix(gatewayURL, "/")
	switch {
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	}
	return base
}
