// Package provider defines the LLM provider interface and types.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownProvider is returned when a provider id or kind is not configured.
var ErrUnknownProvider = errors.New("unknown provider")

// Provider is any LLM backend that can stream text completions.
type Provider interface {
	// Stream sends a request and returns the response text as it is produced.
	Stream(ctx context.Context, req *ChatRequest) (TextStream, error)

	// Name returns the provider kind (e.g., "anthropic", "openrouter").
	Name() string

	// Models returns the list of known model IDs.
	Models() []string
}

// ChatRequest represents a completion request.
type ChatRequest struct {
	Model       string // empty means the provider's configured model
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	// Options are extra top-level request body fields, passed through verbatim.
	Options map[string]any
}

// Message represents a single message in the conversation.
type Message struct {
	Role    string // "user", "assistant"
	Content string
}

// UserPrompt builds a request holding a single user message.
func UserPrompt(system, content string) *ChatRequest {
	return &ChatRequest{
		System:   system,
		Messages: []Message{{Role: "user", Content: content}},
	}
}

// Config selects and configures one provider instance.
type Config struct {
	Kind    string
	APIKey  string
	BaseURL string
	Model   string
}

// Kinds lists the provider kinds New understands.
func Kinds() []string {
	return []string{"anthropic", "openai", "openrouter", "eachlabs", "echo"}
}

// New creates a provider of the configured kind.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Kind) {
	case "anthropic":
		return NewAnthropic(AnthropicConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "openai", "openrouter", "eachlabs":
		return NewOpenAICompat(strings.ToLower(cfg.Kind), OpenAICompatConfig{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL, Model: cfg.Model})
	case "echo":
		return NewEcho(cfg.Model), nil
	default:
		return nil, fmt.Errorf("%w kind %q", ErrUnknownProvider, cfg.Kind)
	}
}

const defaultMaxTokens = 8192

func maxTokens(req *ChatRequest) int64 {
	if req.MaxTokens > 0 {
		return int64(req.MaxTokens)
	}
	return defaultMaxTokens
}
