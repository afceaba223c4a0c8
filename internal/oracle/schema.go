package oracle

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/billfold-app/billfold/constants"
)

// BuildItemsJSONSchema returns a JSON-Schema (draft 2020-12 subset) as a
// generic map. It is embedded in the oracle instruction payload and used
// locally to validate the response before anything trusts it.
func BuildItemsJSONSchema() map[string]any {
	item := map[string]any{
		"type":                 "object",
		"additionalProperties": false,
		"properties": map[string]any{
			"name": map[string]any{"type": "string", "minLength": 1},
			"category": map[string]any{
				"type": "string",
				"enum": constants.CategoriesAsStrings(),
			},
			"amount": decimalProp(),
			"date":   map[string]any{"type": "string", "pattern": `^\d{4}-\d{2}-\d{2}$`},
			"merchant": map[string]any{"type": "string"},
			"vat_code": map[string]any{
				"type": "string",
				"enum": constants.VATCodesAsStrings(),
			},
			"quantity":        map[string]any{"type": "number", "exclusiveMinimum": 0.0},
			"unit":            map[string]any{"type": "string", "minLength": 1},
			"page":            map[string]any{"type": "integer", "minimum": 1.0},
			"description":     map[string]any{"type": "string"},
			"merchant_tax_id": map[string]any{"type": "string"},
			"invoice_number":  map[string]any{"type": "string"},
		},
		"required": []string{"name", "category", "amount", "date", "vat_code", "quantity", "unit", "page"},
	}

	return map[string]any{
		"type":  "array",
		"items": item,
	}
}

func decimalProp() map[string]any {
	return map[string]any{
		"type":    "string",
		"pattern": `^-?\d+(\.\d{1,2})?$`,
	}
}

// ValidateJSONAgainstSchema validates "data" against "schemaMap".
func ValidateJSONAgainstSchema(schemaMap map[string]any, data []byte) error {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(b)); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
