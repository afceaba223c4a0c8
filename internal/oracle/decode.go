package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
)

// DecodeItems parses and validates the oracle's raw text response. Every
// failure path is an ExtractionError: the response either satisfies the
// closed schema, carries page tags inside [1, pageCount], or is rejected
// whole. An empty array is a valid, non-error result.
func DecodeItems(raw string, pageCount int) ([]RawExtractedItem, error) {
	payload, err := extractJSONArray(raw)
	if err != nil {
		return nil, common.NewExtractionError("malformed response", err)
	}

	if err := ValidateJSONAgainstSchema(BuildItemsJSONSchema(), payload); err != nil {
		return nil, common.NewExtractionError("schema violation", err)
	}

	var items []RawExtractedItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, common.NewExtractionError("decode items", err)
	}

	for i := range items {
		if items[i].Page < 1 || items[i].Page > pageCount {
			return nil, common.NewExtractionError(
				fmt.Sprintf("item %d page %d outside [1, %d]", i, items[i].Page, pageCount), nil)
		}
		rate, ok := constants.VATRate(items[i].VATCode)
		if !ok {
			// the schema enum should have caught this already
			return nil, common.NewExtractionError(
				fmt.Sprintf("item %d has unknown vat code %q", i, items[i].VATCode), nil)
		}
		items[i].VATPercent = rate
	}

	return items, nil
}

// extractJSONArray strips markdown fences and surrounding prose, returning
// the bracketed JSON array the model was instructed to emit.
func extractJSONArray(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON array found in response")
	}
	return []byte(text[start : end+1]), nil
}
