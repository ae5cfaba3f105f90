package provider

import (
	"context"
	"strings"
)

// Echo streams the last user message back word by word. It needs no
// credentials.
type Echo struct {
	model string
}

// NewEcho creates an echo provider.
func NewEcho(model string) *Echo {
	if model == "" {
		model = "echo"
	}
	return &Echo{model: model}
}

func (e *Echo) Name() string {
	return "echo"
}

func (e *Echo) Models() []string {
	return []string{e.model}
}

func (e *Echo) Stream(ctx context.Context, req *ChatRequest) (TextStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var content string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role != "assistant" {
			content = req.Messages[i].Content
			break
		}
	}

	var deltas []string
	for _, word := range strings.SplitAfter(content, " ") {
		if word != "" {
			deltas = append(deltas, word)
		}
	}
	return SliceStream(deltas, nil), nil
}
