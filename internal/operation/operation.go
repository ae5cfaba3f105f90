// Package operation implements the streamed operations served on named ports.
package operation

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/eachlabs/streamport/internal/port"
	"github.com/eachlabs/streamport/internal/provider"
)

// Port names.
const (
	AnalyzeSelectionPort = "analyze-selection-stream"
	TranslateTextPort    = "translate-text-stream"
)

const (
	defaultTemperature = 0.2
	maxTemperature     = 2
)

// ErrInvalidParams is returned for a payload whose values cannot be sent to a
// provider.
var ErrInvalidParams = errors.New("invalid parameters")

// AnalyzeSelectionParams is the start payload of AnalyzeSelectionPort.
type AnalyzeSelectionParams struct {
	ProviderID   string   `json:"providerId"`
	SystemPrompt string   `json:"systemPrompt"`
	UserMessage  string   `json:"userMessage"`
	Temperature  *float64 `json:"temperature,omitempty"`
}

// TranslateTextParams is the start payload of TranslateTextPort.
// ProviderOptions is keyed by provider kind; the entry matching the resolved
// provider is merged into its request body.
type TranslateTextParams struct {
	ProviderID      string                    `json:"providerId"`
	Prompt          string                    `json:"prompt"`
	ProviderOptions map[string]map[string]any `json:"providerOptions,omitempty"`
	Temperature     *float64                  `json:"temperature,omitempty"`
}

// Operations runs streamed completions against configured providers.
type Operations struct {
	providers *provider.Registry
	log       logrus.FieldLogger
}

// New creates the operation set backed by reg.
func New(reg *provider.Registry, log logrus.FieldLogger) *Operations {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Operations{providers: reg, log: log}
}

// AnalyzeSelection streams an answer to a single user message under a system
// prompt. Partials carry the cumulative response.
func (o *Operations) AnalyzeSelection(ctx context.Context, p AnalyzeSelectionParams) (port.Stream, error) {
	if err := port.CheckAborted(ctx); err != nil {
		return nil, err
	}

	if p.UserMessage == "" {
		return nil, fmt.Errorf("%w: userMessage is required", ErrInvalidParams)
	}
	if err := checkTemperature(p.Temperature); err != nil {
		return nil, err
	}

	prov, err := o.providers.Get(p.ProviderID)
	if err != nil {
		return nil, err
	}

	temperature := defaultTemperature
	if p.Temperature != nil {
		temperature = *p.Temperature
	}

	req := provider.UserPrompt(p.SystemPrompt, p.UserMessage)
	req.Temperature = &temperature

	return o.open(ctx, AnalyzeSelectionPort, p.ProviderID, prov, req)
}

// TranslateText streams the completion of a bare prompt. Partials carry the
// latest text snapshot.
func (o *Operations) TranslateText(ctx context.Context, p TranslateTextParams) (port.Stream, error) {
	if err := port.CheckAborted(ctx); err != nil {
		return nil, err
	}

	if p.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidParams)
	}
	if err := checkTemperature(p.Temperature); err != nil {
		return nil, err
	}

	prov, err := o.providers.Get(p.ProviderID)
	if err != nil {
		return nil, err
	}

	req := provider.UserPrompt("", p.Prompt)
	req.Temperature = p.Temperature
	if opts, ok := p.ProviderOptions[prov.Name()]; ok {
		req.Options = opts
	}

	return o.open(ctx, TranslateTextPort, p.ProviderID, prov, req)
}

func checkTemperature(t *float64) error {
	if t != nil && (*t < 0 || *t > maxTemperature) {
		return fmt.Errorf("%w: temperature must be between 0 and %d", ErrInvalidParams, maxTemperature)
	}
	return nil
}

func (o *Operations) open(ctx context.Context, portName, id string, prov provider.Provider, req *provider.ChatRequest) (port.Stream, error) {
	src, err := prov.Stream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", prov.Name(), err)
	}

	o.log.WithFields(logrus.Fields{
		"port":     portName,
		"provider": id,
		"kind":     prov.Name(),
	}).Debug("provider stream opened")

	return newTextStream(ctx, src), nil
}

// Ports registers every operation on a new router.
func Ports(reg *provider.Registry, log logrus.FieldLogger, opts ...port.Option) *port.Router {
	ops := New(reg, log)
	opts = append([]port.Option{port.WithLogger(log)}, opts...)

	r := port.NewRouter(log)
	r.Handle(AnalyzeSelectionPort, port.NewEndpoint[AnalyzeSelectionParams](ops.AnalyzeSelection, ValidateAnalyzeSelection, opts...))
	r.Handle(TranslateTextPort, port.NewEndpoint[TranslateTextParams](ops.TranslateText, ValidateTranslateText, opts...))
	return r
}

// PortNames lists the ports Ports registers.
func PortNames() []string {
	return []string{AnalyzeSelectionPort, TranslateTextPort}
}
