package embedding

import (
	"fmt"
	"strings"

	"github.com/sqlpilot/sqlpilot/internal/config"
)

const (
	openAIBaseURL = "https://api.openai.com"
	ollamaBaseURL = "http://localhost:11434"
)

// FromConfig builds the embedder named by cfg.Provider: hash, openai or ollama.
func FromConfig(cfg config.EmbeddingConfig) (Embedder, error) {
	httpCfg := HTTPConfig{
		BaseURL: strings.TrimSpace(cfg.BaseURL),
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
		Timeout: cfg.Timeout,
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "hash":
		return NewHashEmbedder(cfg.Dimensions), nil
	case "openai":
		if httpCfg.BaseURL == "" {
			httpCfg.BaseURL = openAIBaseURL
		}
		return NewOpenAIEmbedder(httpCfg)
	case "ollama":
		// The shared default points at OpenAI; an Ollama provider left on it
		// means no URL was configured.
		if httpCfg.BaseURL == "" || httpCfg.BaseURL == openAIBaseURL {
			httpCfg.BaseURL = ollamaBaseURL
		}
		return NewOllamaEmbedder(httpCfg)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (expected hash, openai or ollama)", cfg.Provider)
	}
}
