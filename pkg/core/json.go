package core

import (
	"encoding/json"
	"fmt"
)

// JSONEncode encodes a value to JSON bytes (fail-fast).
func JSONEncode(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("json encode: cannot encode nil value")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode failed: %w", err)
	}
	return data, nil
}

// JSONDecode decodes JSON bytes into v (fail-fast).
func JSONDecode(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("json decode: cannot decode empty data")
	}
	if v == nil {
		return fmt.Errorf("json decode: cannot decode into nil value")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("json decode failed: %w", err)
	}
	return nil
}

// JSONCanonical encodes v to JSON with sorted object keys. encoding/json
// already sorts map keys, so this is Marshal plus the nil guard; the name
// documents the intent at call sites that hash the output.
func JSONCanonical(v interface{}) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json canonical encode failed: %w", err)
	}
	return data, nil
}
