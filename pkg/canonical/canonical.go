// Package canonical provides canonical JSON utilities for route signatures.
//
// Key requirements:
// - Floats encoded exactly (shortest round-trip form)
// - Keys sorted alphabetically at every nesting level
// - No whitespace in JSON output
// - The signature field itself is never part of the payload
package canonical

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// SignatureField is the record field excluded from the signed payload.
const SignatureField = "sig"

// Normalize rewrites v into plain JSON-ready values: every map becomes
// map[string]any, every slice becomes []any, floats are kept exact
// and times are rendered as RFC 3339 UTC strings.
func Normalize(v any) (any, error) {
	return normalize(reflect.ValueOf(v))
}

func normalize(rv reflect.Value) (any, error) {
	if !rv.IsValid() {
		return nil, nil
	}

	if t, ok := rv.Interface().(time.Time); ok {
		return t.UTC().Format(time.RFC3339Nano), nil
	}

	switch rv.Kind() {
	case reflect.Interface, reflect.Pointer:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem())
	case reflect.Float32, reflect.Float64:
		// Non-finite values are rejected by json.Marshal.
		return rv.Float(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.String:
		return rv.String(), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("canonical: unsupported map key type %s", rv.Type().Key())
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			val, err := normalize(iter.Value())
			if err != nil {
				return nil, err
			}
			out[iter.Key().String()] = val
		}
		return out, nil
	case reflect.Slice, reflect.Array:
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			val, err := normalize(rv.Index(i))
			if err != nil {
				return nil, err
			}
			out[i] = val
		}
		return out, nil
	}

	return nil, fmt.Errorf("canonical: unsupported value kind %s", rv.Kind())
}

// JSONBytes generates canonical JSON bytes for a flat record.
//
// Rules:
//   - Floats in their shortest exact form, so any change alters the bytes
//   - Keys sorted alphabetically (json.Marshal sorts map keys)
//   - No whitespace (compact JSON)
//   - UTF-8 encoded
func JSONBytes(record map[string]any) ([]byte, error) {
	normalized, err := Normalize(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// SignaturePayload returns the canonical bytes to sign for record: every
// field except SignatureField.
func SignaturePayload(record map[string]any) ([]byte, error) {
	if len(record) == 0 {
		return nil, fmt.Errorf("missing required fields: empty record")
	}

	subset := make(map[string]any, len(record))
	for k, v := range record {
		if k == SignatureField {
			continue
		}
		subset[k] = v
	}

	return JSONBytes(subset)
}
