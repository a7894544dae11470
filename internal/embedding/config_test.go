package embedding

import (
	"testing"

	"github.com/sqlpilot/sqlpilot/internal/config"
)

func TestFromConfigSelectsProvider(t *testing.T) {
	hash, err := FromConfig(config.EmbeddingConfig{Provider: "hash", Dimensions: 32})
	if err != nil {
		t.Fatalf("FromConfig(hash) error = %v", err)
	}
	if _, ok := hash.(*HashEmbedder); !ok {
		t.Fatalf("FromConfig(hash) = %T", hash)
	}

	ollama, err := FromConfig(config.EmbeddingConfig{Provider: "ollama", BaseURL: openAIBaseURL})
	if err != nil {
		t.Fatalf("FromConfig(ollama) error = %v", err)
	}
	if got := ollama.(*OllamaEmbedder).baseURL; got != ollamaBaseURL {
		t.Fatalf("ollama base URL = %q, want %q", got, ollamaBaseURL)
	}

	if _, err := FromConfig(config.EmbeddingConfig{Provider: "openai"}); err == nil {
		t.Fatalf("expected missing api key error")
	}
	if _, err := FromConfig(config.EmbeddingConfig{Provider: "word2vec"}); err == nil {
		t.Fatalf("expected unknown provider error")
	}
}
