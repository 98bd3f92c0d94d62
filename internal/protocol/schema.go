package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// sendParamsSchema constrains the message/send and message/stream params
// shape before any state is touched. Cross-field rules the schema cannot
// express (the file bytes/uri exclusivity) live in ValidateParts.
const sendParamsSchema = `{
	"type": "object",
	"required": ["message"],
	"properties": {
		"message": {
			"type": "object",
			"required": ["messageId", "parts"],
			"properties": {
				"messageId": {"type": "string", "minLength": 1},
				"taskId": {"type": "string"},
				"role": {"type": "string"},
				"kind": {"type": "string"},
				"metadata": {"type": "object"},
				"parts": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"required": ["kind"],
						"properties": {
							"kind": {"enum": ["text", "file", "data"]},
							"text": {"type": "string"},
							"file": {
								"type": "object",
								"properties": {
									"name": {"type": "string"},
									"mimeType": {"type": "string"},
									"bytes": {"type": "string"},
									"uri": {"type": "string"}
								}
							},
							"data": {"type": "object"},
							"metadata": {"type": "object"}
						}
					}
				}
			}
		},
		"configuration": {
			"type": "object",
			"properties": {
				"historyLength": {"type": "integer"}
			}
		},
		"metadata": {"type": "object"}
	}
}`

var compiledSendSchema = mustCompileSchema(sendParamsSchema)

func mustCompileSchema(src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("unmarshal params schema: %v", err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("send-params.json", doc); err != nil {
		panic(fmt.Sprintf("add params schema resource: %v", err))
	}
	schema, err := c.Compile("send-params.json")
	if err != nil {
		panic(fmt.Sprintf("compile params schema: %v", err))
	}
	return schema
}

// DecodeSendParams validates raw params against the schema and decodes
// them. Schema violations and the file-part exclusivity rule both map to
// invalid-params at the dispatcher.
func DecodeSendParams(raw json.RawMessage) (*SendParams, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("missing params")
	}
	// jsonschema.UnmarshalJSON keeps numbers as json.Number, which the
	// validator requires.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse params: %w", err)
	}
	if err := compiledSendSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("params schema: %w", err)
	}
	var params SendParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("decode params: %w", err)
	}
	if err := ValidateParts(params.Message.Parts); err != nil {
		return nil, err
	}
	return &params, nil
}
