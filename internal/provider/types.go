package provider

import (
	"context"
	"time"
)

// Provider is a single LLM backend the router can dispatch to.
type Provider interface {
	ID() string
	Name() string
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// ModelCard is implemented by providers that know which model they
// target and how large its context window is. The router uses it to
// size prompts before dispatch.
type ModelCard interface {
	Model() string
	ContextTokens() int
}

// ChatRequest represents a model invocation.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stop        []string  `json:"stop,omitempty"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse represents a completed model invocation.
type ChatResponse struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config holds configuration for a provider instance.
type Config struct {
	ID            string        `json:"id"`
	Type          string        `json:"type"`
	Name          string        `json:"name"`
	Endpoint      string        `json:"endpoint"`
	APIKey        string        `json:"api_key"`
	Model         string        `json:"model"`
	ContextTokens int           `json:"context_tokens,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"`
}
