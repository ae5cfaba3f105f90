package provider

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAICompat implements the Provider interface for any backend that speaks
// the OpenAI chat completions protocol: OpenAI itself, OpenRouter and the
// each::labs LLM router.
type OpenAICompat struct {
	client *openai.Client
	kind   string
	model  string
}

// OpenAICompatConfig holds configuration for an OpenAI-compatible provider.
type OpenAICompatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

type compatDefaults struct {
	baseURL string
	model   string
	env     string
	models  []string
}

var compatKinds = map[string]compatDefaults{
	"openai": {
		baseURL: "https://api.openai.com/v1",
		model:   "gpt-4o-mini",
		env:     "OPENAI_API_KEY",
		models:  []string{"gpt-4o", "gpt-4o-mini", "gpt-4.1", "gpt-4.1-mini", "o3-mini"},
	},
	"openrouter": {
		baseURL: "https://openrouter.ai/api/v1",
		model:   "anthropic/claude-sonnet-4",
		env:     "OPENROUTER_API_KEY",
		models: []string{
			"anthropic/claude-sonnet-4",
			"anthropic/claude-opus-4",
			"anthropic/claude-3.5-sonnet",
			"openai/gpt-4o",
			"openai/gpt-4o-mini",
			"google/gemini-2.0-flash-exp",
			"deepseek/deepseek-chat",
			"meta-llama/llama-3.3-70b-instruct",
		},
	},
	"eachlabs": {
		baseURL: "https://api.eachlabs.ai/v1",
		model:   "anthropic/claude-sonnet-4-5",
		env:     "EACHLABS_API_KEY",
		models: []string{
			// Anthropic Claude
			"anthropic/claude-sonnet-4",
			"anthropic/claude-sonnet-4-5",
			"anthropic/claude-opus-4",
			"anthropic/claude-haiku-4-5",
			// OpenAI
			"openai/gpt-4o",
			"openai/gpt-4o-mini",
			"openai/gpt-5",
			"openai/gpt-5-mini",
			// Google Vertex
			"vertex/gemini-2.5-pro",
			"vertex/gemini-2.5-flash",
		},
	},
}

// NewOpenAICompat creates a provider of the given OpenAI-compatible kind.
func NewOpenAICompat(kind string, cfg OpenAICompatConfig) (*OpenAICompat, error) {
	defaults, ok := compatKinds[kind]
	if !ok {
		return nil, fmt.Errorf("%w kind %q", ErrUnknownProvider, kind)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%s is required", defaults.env)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaults.baseURL
	}

	client := openai.NewClient(
		option.WithAPIKey(cfg.APIKey),
		option.WithBaseURL(baseURL),
	)

	model := cfg.Model
	if model == "" {
		model = defaults.model
	}

	return &OpenAICompat{
		client: &client,
		kind:   kind,
		model:  model,
	}, nil
}

func (p *OpenAICompat) Name() string {
	return p.kind
}

func (p *OpenAICompat) Models() []string {
	return compatKinds[p.kind].models
}

// Stream sends a streaming chat completion request.
func (p *OpenAICompat) Stream(ctx context.Context, req *ChatRequest) (TextStream, error) {
	model := req.Model
	if model == "" {
		model = p.model
	}

	params := openai.ChatCompletionNewParams{
		Model:    model,
		Messages: p.buildMessages(req),
	}
	params.MaxTokens = openai.Int(maxTokens(req))

	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params, openaiExtraFields(req.Options)...)

	return &funcStream{
		next: func() (string, bool) {
			for stream.Next() {
				chunk := stream.Current()
				if len(chunk.Choices) == 0 {
					continue
				}
				if text := chunk.Choices[0].Delta.Content; text != "" {
					return text, true
				}
			}
			return "", false
		},
		err:   stream.Err,
		close: stream.Close,
	}, nil
}

func (p *OpenAICompat) buildMessages(req *ChatRequest) []openai.ChatCompletionMessageParamUnion {
	var messages []openai.ChatCompletionMessageParamUnion

	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}

	for _, msg := range req.Messages {
		switch strings.ToLower(msg.Role) {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	return messages
}

func openaiExtraFields(extra map[string]any) []option.RequestOption {
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
