// Package generation produces post text with an LLM and charges the generated words
// against the user's quota.
package generation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultModel   = "gpt-4o-mini"
	DefaultBaseURL = "https://api.openai.com"
)

// Prompt is what the user asks for. Only Topic is required.
type Prompt struct {
	Topic    string   `json:"topic" validate:"required,max=500"`
	Tone     string   `json:"tone,omitempty" validate:"max=50"`
	Audience string   `json:"audience,omitempty" validate:"max=200"`
	Keywords []string `json:"keywords,omitempty" validate:"max=20,dive,max=50"`
	MaxWords int      `json:"maxWords,omitempty" validate:"omitempty,min=10,max=600"`
}

func (p Prompt) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a LinkedIn post about: %s.\n", strings.TrimSpace(p.Topic))
	if p.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s.\n", p.Tone)
	}
	if p.Audience != "" {
		fmt.Fprintf(&b, "Audience: %s.\n", p.Audience)
	}
	if len(p.Keywords) > 0 {
		fmt.Fprintf(&b, "Work in these keywords: %s.\n", strings.Join(p.Keywords, ", "))
	}
	words := p.MaxWords
	if words <= 0 {
		words = 200
	}
	fmt.Fprintf(&b, "Keep it under %d words. Return only the post text.", words)
	return b.String()
}

// OpenAIClient calls the chat completions endpoint.
type OpenAIClient struct {
	APIKey     string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
}

func NewOpenAIClient(apiKey, model, baseURL string) *OpenAIClient {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &OpenAIClient{
		APIKey:     apiKey,
		Model:      model,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// GenerateText returns the trimmed completion text.
func (c *OpenAIClient) GenerateText(ctx context.Context, p Prompt) (string, error) {
	if strings.TrimSpace(c.APIKey) == "" {
		return "", fmt.Errorf("openai: api key not configured")
	}
	body, err := json.Marshal(chatRequest{
		Model: c.Model,
		Messages: []chatMessage{
			{Role: "system", Content: "You write concise, engaging LinkedIn posts."},
			{Role: "user", Content: p.render()},
		},
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.APIKey))
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("openai: status %d: undecodable response", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		if out.Error != nil {
			return "", fmt.Errorf("openai: status %d: %s", resp.StatusCode, out.Error.Type)
		}
		return "", fmt.Errorf("openai: status %d", resp.StatusCode)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("openai: no choices returned")
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
