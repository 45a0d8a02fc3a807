// Package factory builds an llm.Provider from the environment.
package factory

import (
	"fmt"
	"os"
	"strings"

	"github.com/sundae-labs/layerline/internal/config"
	"github.com/sundae-labs/layerline/llm"
	"github.com/sundae-labs/layerline/providers/chatcompat"
)

// FromEnv selects a provider via LAYERLINE_PROVIDER: chat (default, any
// OpenAI-compatible endpoint) or script (replay LAYERLINE_SCRIPT lines,
// for dry runs and demos).
func FromEnv() (llm.Provider, error) {
	provider := strings.ToLower(config.StringEnv("LAYERLINE_PROVIDER", "chat"))
	switch provider {
	case "chat":
		// An unset LAYERLINE_CHAT_MODEL keeps the client's default.
		return chatcompat.New(
			chatcompat.WithBaseURL(config.StringEnv("LAYERLINE_CHAT_BASE_URL", "http://127.0.0.1:11434")),
			chatcompat.WithModel(os.Getenv("LAYERLINE_CHAT_MODEL")),
			chatcompat.WithAPIKey(strings.TrimSpace(os.Getenv("LAYERLINE_CHAT_API_KEY"))),
		)

	case "script":
		raw := os.Getenv("LAYERLINE_SCRIPT")
		if strings.TrimSpace(raw) == "" {
			return nil, fmt.Errorf("LAYERLINE_SCRIPT is required when LAYERLINE_PROVIDER=script")
		}
		// Replies are separated by a line holding only "---".
		replies := make([]string, 0, 4)
		for _, part := range strings.Split(raw, "\n---\n") {
			replies = append(replies, strings.TrimSpace(part))
		}
		return llm.NewScriptProvider("script", replies...), nil

	default:
		return nil, fmt.Errorf("unsupported LAYERLINE_PROVIDER %q (use chat or script)", provider)
	}
}
