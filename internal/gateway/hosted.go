package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const hostedSystemPrompt = "You translate analytics questions into a single read-only SQL query. " +
	"Follow the instructions in the user message exactly. Return ONLY SQL."

type HostedConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Client  *http.Client
}

// HostedBackend talks to an OpenAI-compatible chat completions API
// (OpenAI, Groq and similar).
type HostedBackend struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewHostedBackend(cfg HostedConfig) (*HostedBackend, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HostedBackend{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   model,
		client:  client,
	}, nil
}

func (b *HostedBackend) Name() string { return "hosted" }

func (b *HostedBackend) Model() string { return b.model }

func (b *HostedBackend) Generate(ctx context.Context, prompt string, opts Options) (string, error) {
	payload := map[string]any{
		"model": b.model,
		"messages": []map[string]string{
			{"role": "system", "content": hostedSystemPrompt},
			{"role": "user", "content": prompt},
		},
		"temperature": opts.Temperature,
	}
	if opts.MaxTokens > 0 {
		payload["max_tokens"] = opts.MaxTokens
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	if err := doJSON(ctx, b.client, b.Name(), http.MethodPost, b.baseURL+"/v1/chat/completions", headers, payload, &parsed); err != nil {
		return "", err
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("empty chat completion choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// Ping lists models to confirm the endpoint and key are usable.
func (b *HostedBackend) Ping(ctx context.Context) error {
	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	return doJSON(ctx, b.client, b.Name(), http.MethodGet, b.baseURL+"/v1/models", headers, nil, nil)
}

// doJSON sends payload (if any) as JSON and decodes a 2xx response into out
// (if non-nil). Non-2xx responses become *StatusError.
func doJSON(ctx context.Context, client *http.Client, backend, method, url string, headers map[string]string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", backend, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", backend, err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", backend, err)
	}
	defer func() { _ = resp.Body.Close() }()

	rawRespBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response body: %w", backend, err)
	}
	if resp.StatusCode >= 400 {
		return &StatusError{Backend: backend, StatusCode: resp.StatusCode, Body: truncate(string(rawRespBody), 512)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rawRespBody, out); err != nil {
		return fmt.Errorf("decode %s response: %w", backend, err)
	}
	return nil
}

func truncate(value string, max int) string {
	value = strings.TrimSpace(value)
	if len(value) <= max {
		return value
	}
	return value[:max] + "..."
}
