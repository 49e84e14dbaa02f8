package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rbrinkke/Vault/internal/expressions"
)

// Filter keeps the records for which the jq program yields at least one
// truthy output. An empty program returns records unchanged.
func Filter(ctx context.Context, jq *expressions.GoJQEngine, records []Record, program string) ([]Record, error) {
	if program == "" {
		return records, nil
	}

	out := make([]Record, 0, len(records))
	for _, rec := range records {
		doc, err := ToMap(rec)
		if err != nil {
			return nil, err
		}
		results, err := jq.EvaluateAll(ctx, program, doc)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if expressions.Truthy(r) {
				out = append(out, rec)
				break
			}
		}
	}
	return out, nil
}

// ToMap converts a record to its JSON object form.
func ToMap(rec Record) (map[string]any, error) {
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode audit record: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode audit record: %w", err)
	}
	return m, nil
}
