package ticketing

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// CanonicalJSON encodes v deterministically: object keys sorted
// lexicographically, number literals preserved verbatim, no insignificant
// whitespace. Two structurally equal values always produce identical bytes,
// so hashes and signatures over the output are stable.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal canonical body: %w", err)
	}

	// round-trip through an interface tree: maps re-marshal with sorted
	// keys, json.Number keeps the original literal
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("failed to normalize canonical body: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(tree); err != nil {
		return nil, fmt.Errorf("failed to encode canonical body: %w", err)
	}

	// Encode appends a newline; canonical bytes exclude it
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
