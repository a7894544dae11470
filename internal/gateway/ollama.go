package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strings"
)

type LocalConfig struct {
	BaseURL string
	Model   string
	Client  *http.Client
}

// LocalBackend runs prompts against an Ollama server.
type LocalBackend struct {
	name    string
	baseURL string
	model   string
	client  *http.Client
}

func NewLocalBackend(cfg LocalConfig) (*LocalBackend, error) {
	return newOllama("local", "llama3.1", cfg)
}

func newOllama(name, defaultModel string, cfg LocalConfig) (*LocalBackend, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("invalid %s base URL %q", name, cfg.BaseURL)
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &LocalBackend{name: name, baseURL: baseURL, model: model, client: client}, nil
}

func (b *LocalBackend) Name() string { return b.name }

func (b *LocalBackend) Model() string { return b.model }

func (b *LocalBackend) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	options := map[string]any{"temperature": opts.Temperature}
	if opts.MaxTokens > 0 {
		options["num_predict"] = opts.MaxTokens
	}
	payload := map[string]any{
		"model":   b.model,
		"prompt":  prompt,
		"stream":  false,
		"options": options,
	}

	var parsed struct {
		Response string `json:"response"`
		Error    string `json:"error"`
	}
	if err := doJSON(ctx, b.client, b.name, http.MethodPost, b.baseURL+"/api/generate", nil, payload, &parsed); err != nil {
		return "", err
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("%s generate: %s", b.name, parsed.Error)
	}
	return parsed.Response, nil
}

// Ping checks that the server answers and has the configured model pulled.
func (b *LocalBackend) Ping(ctx context.Context) error {
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := doJSON(ctx, b.client, b.name, http.MethodGet, b.baseURL+"/api/tags", nil, nil, &parsed); err != nil {
		return err
	}
	for _, model := range parsed.Models {
		if model.Name == b.model || strings.TrimSuffix(model.Name, ":latest") == b.model {
			return nil
		}
	}
	return fmt.Errorf("%s model %q is not available", b.name, b.model)
}
