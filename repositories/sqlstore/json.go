package sqlstore

import (
	"encoding/json"
	"fmt"
)

// encodeJSON renders a JSON column value; nil maps are stored as SQL NULL
func encodeJSON(v interface{}) (interface{}, error) {
	switch m := v.(type) {
	case map[string]interface{}:
		if m == nil {
			return nil, nil
		}
	case map[string]float64:
		if m == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode json column: %w", err)
	}
	return string(data), nil
}

// decodeJSON parses a nullable JSON column into dst
func decodeJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode json column: %w", err)
	}
	return nil
}
