package categorize

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dvloznov/txsync/internal/domain"
)

// Ollama talks to a local Ollama server over its /api/chat endpoint. No
// credentials, no SDK: the API is two JSON shapes over plain HTTP.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllama points at a running Ollama instance, e.g. http://localhost:11434.
func NewOllama(baseURL, model string, timeout time.Duration) *Ollama {
	return &Ollama{
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (o *Ollama) Name() string { return "ollama" }

// Model implements Provider.
func (o *Ollama) Model() string { return o.model }

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Error   string        `json:"error"`
}

// Categorize implements Provider.
func (o *Ollama) Categorize(ctx context.Context, tx *domain.Transaction) (string, error) {
	text, err := o.chat(ctx, []ollamaMessage{
		{Role: "user", Content: categoryPrompt(tx)},
	})
	if err != nil {
		return "", fmt.Errorf("Categorize: %w", err)
	}
	return cleanLabel(text), nil
}

// Narrate implements Provider.
func (o *Ollama) Narrate(ctx context.Context, prompt string, txs []*domain.Transaction) (string, error) {
	text, err := o.chat(ctx, []ollamaMessage{
		{Role: "system", Content: systemIntent},
		{Role: "user", Content: narratePrompt(prompt, txs)},
	})
	if err != nil {
		return "", fmt.Errorf("Narrate: %w", err)
	}
	return cleanFences(text), nil
}

func (o *Ollama) chat(ctx context.Context, messages []ollamaMessage) (string, error) {
	body, err := json.Marshal(ollamaChatRequest{Model: o.model, Messages: messages, Stream: false})
	if err != nil {
		return "", fmt.Errorf("chat: marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("chat: building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat: sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("chat: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("chat: ollama returned status %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}

	var parsed ollamaChatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("chat: decoding response: %w", err)
	}
	if parsed.Error != "" {
		return "", fmt.Errorf("chat: ollama error: %s", parsed.Error)
	}
	if parsed.Message.Content == "" {
		return "", fmt.Errorf("chat: empty response from model")
	}
	return parsed.Message.Content, nil
}
