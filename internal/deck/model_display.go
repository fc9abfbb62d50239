package deck

import "strings"

// ModelDisplayInfo describes which model name a column should present and
// where it came from.
type ModelDisplayInfo struct {
	Model       string `json:"model"`
	SourceLabel string `json:"sourceLabel"`
	IsFallback  bool   `json:"isFallback"`
}

// ModelDisplay picks the model name to present for a column: the runtime
// model reported by the gateway wins over the configured one, which is only
// a fallback until real usage arrives. Returns nil when neither is known.
func ModelDisplay(runtimeModel, configuredModel string) *ModelDisplayInfo {
	if runtime := strings.TrimSpace(runtimeModel); runtime != "" {
		return &ModelDisplayInfo{
			Model:       runtime,
			SourceLabel: "active runtime",
		}
	}

	if configured := strings.TrimSpace(configuredModel); configured != "" {
		return &ModelDisplayInfo{
			Model:       configured,
			SourceLabel: "configured",
			IsFallback:  true,
		}
	}

	return nil
}
