package api

import (
	"time"
)

// State is the decision context handed to a policy. Values are scalars,
// strings, string slices or nested maps.
type State map[string]any

// Params holds the adjustable numeric parameters of a policy.
type Params map[string]float64

// Clone returns an independent copy of p.
func (p Params) Clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Mode labels how an action was produced.
type Mode string

const (
	ModeExploit Mode = "exploit"
	ModeExplore Mode = "explore"
)

// Action is the decision returned by a policy. Params carries the parameter
// values the decision was computed with; Learn nudges the policy toward them.
type Action struct {
	Policy string         `json:"policy"`
	Kind   string         `json:"kind"`
	Mode   Mode           `json:"mode"`
	Name   string         `json:"action"`
	Params Params         `json:"params"`
	Fields map[string]any `json:"fields,omitempty"`
	At     time.Time      `json:"at"`
}

// Float returns the numeric field name or def when absent.
func (a Action) Float(name string, def float64) float64 {
	if v, ok := ToFloat(a.Fields[name]); ok {
		return v
	}
	return def
}

// Text returns the string field name or "".
func (a Action) Text(name string) string {
	s, _ := a.Fields[name].(string)
	return s
}

// Float reads a numeric state value, falling back to def.
func (s State) Float(name string, def float64) float64 {
	if v, ok := ToFloat(s[name]); ok {
		return v
	}
	return def
}

// Text reads a string state value, falling back to def.
func (s State) Text(name, def string) string {
	if v, ok := s[name].(string); ok && v != "" {
		return v
	}
	return def
}

// Strings reads a list of strings. Both []string and []any are accepted
// since decoded JSON produces the latter.
func (s State) Strings(name string, def []string) []string {
	switch v := s[name].(type) {
	case []string:
		if len(v) > 0 {
			return v
		}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}

// ToFloat converts the numeric kinds that show up in decoded payloads.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
