package operation

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/eachlabs/streamport/internal/port"
)

const analyzeSelectionSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["providerId"],
	"properties": {
		"providerId": {"type": "string"},
		"systemPrompt": {"type": "string"},
		"userMessage": {"type": "string"},
		"temperature": {"type": "number"}
	}
}`

const translateTextSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["providerId"],
	"properties": {
		"providerId": {"type": "string"},
		"prompt": {"type": "string"},
		"providerOptions": {
			"type": "object",
			"additionalProperties": {"type": "object"}
		},
		"temperature": {"type": "number"}
	}
}`

var (
	// ValidateAnalyzeSelection checks and decodes an AnalyzeSelectionPort payload.
	ValidateAnalyzeSelection = schemaValidator[AnalyzeSelectionParams](AnalyzeSelectionPort, analyzeSelectionSchema)

	// ValidateTranslateText checks and decodes a TranslateTextPort payload.
	ValidateTranslateText = schemaValidator[TranslateTextParams](TranslateTextPort, translateTextSchema)
)

// schemaValidator compiles doc once and returns a validator that checks a
// payload against it before decoding into P. It panics on a bad schema.
// The schemas only check shape; value checks fail the call instead.
func schemaValidator[P any](name, doc string) port.Validator[P] {
	var schemaDoc any
	if err := json.Unmarshal([]byte(doc), &schemaDoc); err != nil {
		panic(fmt.Sprintf("operation: unmarshal %s schema: %v", name, err))
	}

	url := name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, schemaDoc); err != nil {
		panic(fmt.Sprintf("operation: add %s schema: %v", name, err))
	}
	schema, err := c.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("operation: compile %s schema: %v", name, err))
	}

	return func(raw json.RawMessage) (P, error) {
		var payload P

		var doc any
		if err := json.Unmarshal(raw, &doc); err != nil {
			return payload, fmt.Errorf("decode %s payload: %w", name, err)
		}
		if err := schema.Validate(doc); err != nil {
			return payload, fmt.Errorf("invalid %s payload: %w", name, err)
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			return payload, fmt.Errorf("decode %s payload: %w", name, err)
		}
		return payload, nil
	}
}
