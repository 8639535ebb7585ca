package store

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/execgraph/pkg/schema"
)

// setPath assigns value at path inside doc, creating intermediate objects.
// A nil value removes the leaf.
func setPath(doc map[string]any, path []string, value any) error {
	cur := doc
	for i, seg := range path[:len(path)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			m := map[string]any{}
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return schema.NewErrorf(schema.ErrCodeValidation,
				"summary path %v: segment %d (%q) is not an object", path, i, seg)
		}
		cur = m
	}

	leaf := path[len(path)-1]
	if value == nil {
		delete(cur, leaf)
		return nil
	}
	normalized, err := normalizeJSON(value)
	if err != nil {
		return fmt.Errorf("summary path %v: %w", path, err)
	}
	cur[leaf] = normalized
	return nil
}

// normalizeJSON converts typed values into their generic JSON form.
func normalizeJSON(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
