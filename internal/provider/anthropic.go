package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic implements the Provider interface for Claude models.
type Anthropic struct {
	client *anthropic.Client
	model  string
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewAnthropic creates a new Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	client := anthropic.NewClient(opts...)

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}

	return &Anthropic{
		client: client,
		model:  model,
	}, nil
}

func (a *Anthropic) Name() string {
	return "anthropic"
}

func (a *Anthropic) Models() []string {
	return []string{
		"claude-sonnet-4-20250514",
		"claude-opus-4-20250514",
		"claude-3-5-sonnet-20241022",
		"claude-3-5-haiku-20241022",
	}
}

// Stream sends a streaming request. Only text deltas are surfaced.
func (a *Anthropic) Stream(ctx context.Context, req *ChatRequest) (TextStream, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.F(anthropic.Model(model)),
		MaxTokens: anthropic.F(maxTokens(req)),
		Messages:  anthropic.F(a.buildMessages(req.Messages)),
	}

	if req.System != "" {
		params.System = anthropic.F([]anthropic.TextBlockParam{
			anthropic.NewTextBlock(req.System),
		})
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.F(*req.Temperature)
	}

	stream := a.client.Messages.NewStreaming(ctx, params, anthropicExtraFields(req.Options)...)

	return &funcStream{
		next: func() (string, bool) {
			for stream.Next() {
				event := stream.Current()
				if event.Type != anthropic.MessageStreamEventTypeContentBlockDelta {
					continue
				}
				if delta, ok := event.Delta.(anthropic.ContentBlockDeltaEventDelta); ok {
					if delta.Type == "text_delta" && delta.Text != "" {
						return delta.Text, true
					}
				}
			}
			return "", false
		},
		err:   stream.Err,
		close: stream.Close,
	}, nil
}

func (a *Anthropic) buildMessages(msgs []Message) []anthropic.MessageParam {
	var result []anthropic.MessageParam

	for _, msg := range msgs {
		role := anthropic.MessageParamRoleUser
		if msg.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		result = append(result, anthropic.MessageParam{
			Role: anthropic.F(role),
			Content: anthropic.F([]anthropic.ContentBlockParamUnion{
				anthropic.TextBlockParam{
					Type: anthropic.F(anthropic.TextBlockParamTypeText),
					Text: anthropic.F(msg.Content),
				},
			}),
		})
	}

	return result
}

func anthropicExtraFields(extra map[string]any) []option.RequestOption {
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	opts := make([]option.RequestOption, 0, len(keys))
	for _, k := range keys {
		opts = append(opts, option.WithJSONSet(k, extra[k]))
	}
	return opts
}
