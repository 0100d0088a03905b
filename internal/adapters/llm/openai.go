// Package llm talks to OpenAI-compatible chat completion endpoints:
// OpenAI, Azure OpenAI, Together AI, local Ollama /v1, etc.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/manthysbr/orbitOS/internal/core/domain"
	"github.com/manthysbr/orbitOS/internal/core/ports"
)

type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
	}
}

var _ ports.LLMProvider = (*OpenAIProvider)(nil)

// Invoke sends the conversation to the chat completions API and
// returns the assistant text plus usage metadata.
func (p *OpenAIProvider) Invoke(ctx context.Context, messages []domain.ChatMessage, requesterID string) (string, map[string]any, error) {
	url := fmt.Sprintf("%s/chat/completions", p.baseURL)

	payload := map[string]any{
		"model":    p.model,
		"messages": messages,
		"user":     requesterID,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return "", nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("call chat completions API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", nil, fmt.Errorf("decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", nil, fmt.Errorf("no choices in response")
	}

	meta := map[string]any{
		"model":             result.Model,
		"finish_reason":     result.Choices[0].FinishReason,
		"prompt_tokens":     result.Usage.PromptTokens,
		"completion_tokens": result.Usage.CompletionTokens,
	}
	return result.Choices[0].Message.Content, meta, nil
}
