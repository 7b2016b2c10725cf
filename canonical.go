package chainlog

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Fields excluded from the canonical form; they carry the chain linkage.
const (
	fieldHash     = "hash"
	fieldPrevHash = "prev_hash"
)

// Canonicalize serializes fields as RFC 8785 JSON with the chain linkage
// fields removed. Key order is sorted, whitespace is dropped and numbers use
// the ES6 shortest form, so equal field sets always yield equal bytes.
func Canonicalize(fields map[string]any) ([]byte, error) {
	clean := make(map[string]any, len(fields))
	for k, v := range fields {
		if k == fieldHash || k == fieldPrevHash {
			continue
		}
		clean[k] = v
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(clean); err != nil {
		return nil, fmt.Errorf("canonicalize: encode: %w", err)
	}
	out, err := jcs.Transform(bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}))
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// CanonicalEntry returns the canonical bytes of e, derived from its JSON form.
func CanonicalEntry(e Entry) ([]byte, error) {
	fields, err := entryFields(e)
	if err != nil {
		return nil, err
	}
	return Canonicalize(fields)
}

// entryFields decodes the JSON form of e into a generic field map. Numbers
// stay json.Number so no precision is lost before canonicalization.
func entryFields(e Entry) (map[string]any, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal entry %s: %w", e.Date, err)
	}
	return decodeFields(raw)
}

func decodeFields(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode fields: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode fields: not a JSON object")
	}
	return fields, nil
}
