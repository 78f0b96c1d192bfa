package featurestore

import (
	"sort"
	"strings"
)

// Key is a composite record key: dimension name to value, for example
// {"actor_id": "A", "sku_id": "S1"}. Dimensions with an empty value are
// ignored.
type Key map[string]string

// String returns the canonical form: dimensions sorted by name, joined as
// name=value pairs separated by "|".
func (k Key) String() string {
	names := make([]string, 0, len(k))
	for name, v := range k {
		if v != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
		b.WriteByte('=')
		b.WriteString(k[name])
	}
	return b.String()
}

// clean drops empty dimensions and copies the map.
func (k Key) clean() Key {
	out := make(Key, len(k))
	for name, v := range k {
		if v != "" {
			out[name] = v
		}
	}
	return out
}

// matches reports whether every dimension of partial is present in k with
// the same value.
func (k Key) matches(partial Key) bool {
	for name, v := range partial {
		if v == "" {
			continue
		}
		if k[name] != v {
			return false
		}
	}
	return true
}
