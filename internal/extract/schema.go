package extract

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Shapes are deliberately loose: they catch answers that are structurally
// off (a string where an object belongs) without rejecting missing fields,
// which the normalisers fill in.
var (
	statusShape = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"retCode":    map[string]any{"type": []any{"string", "number"}},
			"retMessage": map[string]any{"type": []any{"string", "null"}},
		},
	}

	baseShape = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"返回状态":           statusShape,
			"projectInfo":    map[string]any{"type": "object"},
			"bidContactInfo": map[string]any{"type": "object"},
			"bidBond":        map[string]any{"type": "object"},
		},
	}

	scoreProseShape = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"返回状态":          statusShape,
			"scoreCriteria": map[string]any{"type": []any{"string", "null"}},
		},
	}

	scoreShape = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"criteria": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"itemName":     map[string]any{"type": []any{"string", "null"}},
						"score":        map[string]any{"type": []any{"number", "string", "null"}},
						"quantity":     map[string]any{"type": []any{"number", "string", "null"}},
						"TagCondition": map[string]any{"type": []any{"array", "null"}},
					},
				},
			},
		},
	}

	catalogueShape = map[string]any{
		"type": "object",
		"properties": map[string]any{
			"catalogue": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": []any{"object", "string"}},
			},
		},
	}
)

type shapeChecker struct {
	name   string
	schema *jsonschema.Schema
}

func mustShape(name string, shape map[string]any) *shapeChecker {
	s, err := compileShape(name, shape)
	if err != nil {
		panic(err)
	}
	return &shapeChecker{name: name, schema: s}
}

func compileShape(name string, shape map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(shape)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// check reports whether v has the expected shape. A mismatch is only
// returned for logging; callers keep going with the normalised value.
func (c *shapeChecker) check(v map[string]any) error {
	if err := c.schema.Validate(any(v)); err != nil {
		return fmt.Errorf("%s answer does not match expected shape: %w", c.name, err)
	}
	return nil
}

var (
	baseChecker       = mustShape("base", baseShape)
	scoreProseChecker = mustShape("score_criteria", scoreProseShape)
	scoreChecker      = mustShape("score", scoreShape)
	catalogueChecker  = mustShape("catalogue", catalogueShape)
)
