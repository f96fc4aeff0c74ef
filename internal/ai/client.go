// Package ai is a minimal client for OpenAI-compatible chat completion endpoints.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

// Message is a single chat message
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest describes one completion call. Model and APIKey override the client defaults when set.
type ChatRequest struct {
	Model       string
	APIKey      string
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// Usage reports token accounting returned by the provider
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the first choice of a completion
type ChatResponse struct {
	Model   string
	Content string
	Usage   Usage
}

// APIError is a non-2xx response from the provider
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("ai provider returned status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether repeating the call may succeed
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config holds client settings
type Config struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// Client calls the chat completion endpoint
type Client struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
}

type chatRequestBody struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type chatResponseBody struct {
	Model   string `json:"model"`
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// NewClient creates a new chat completion client
func NewClient(cfg Config) *Client {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.DefaultModel,
		http:    &http.Client{Timeout: timeout},
	}
}

// Chat sends the messages and returns the first choice
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	apiKey := strings.TrimSpace(req.APIKey)
	if apiKey == "" {
		apiKey = c.apiKey
	}
	if apiKey == "" {
		return nil, errors.New("ai: api key is required")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	if model == "" {
		return nil, errors.New("ai: model is required")
	}

	if len(req.Messages) == 0 {
		return nil, errors.New("ai: at least one message is required")
	}

	body, err := json.Marshal(chatRequestBody{
		Model:       model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("chat request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := strings.TrimSpace(string(raw))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	var decoded chatResponseBody
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode chat response: %w", err)
	}
	if decoded.Error != nil && decoded.Error.Message != "" {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: decoded.Error.Message}
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("ai: empty response")
	}

	if decoded.Model == "" {
		decoded.Model = model
	}

	return &ChatResponse{
		Model:   decoded.Model,
		Content: decoded.Choices[0].Message.Content,
		Usage:   decoded.Usage,
	}, nil
}
