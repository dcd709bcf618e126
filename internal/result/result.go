// Package result bounds execution results before they are stored or
// returned. Truncation is deterministic and always leaves proof that it
// happened; an unbounded blob never leaves this package.
package result

import (
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"
)

type Config struct {
	MaxStoredBytes  int `yaml:"max_stored_bytes"`
	MaxDisplayBytes int `yaml:"max_display_bytes"`
	MaxRows         int `yaml:"max_rows"`
}

func DefaultConfig() Config {
	return Config{
		MaxStoredBytes:  10 << 20,
		MaxDisplayBytes: 1 << 20,
		MaxRows:         1000,
	}
}

// Validated is the bounded form of a raw result. Validating an already
// validated result returns it unchanged: the output always fits the
// budgets, so a second pass is a no-op.
type Validated struct {
	Result    any
	Truncated bool
	Warning   string
}

type Validator struct {
	cfg Config
}

func New(cfg Config) *Validator {
	d := DefaultConfig()
	if cfg.MaxStoredBytes <= 0 {
		cfg.MaxStoredBytes = d.MaxStoredBytes
	}
	if cfg.MaxDisplayBytes <= 0 {
		cfg.MaxDisplayBytes = d.MaxDisplayBytes
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = d.MaxRows
	}
	return &Validator{cfg: cfg}
}

// byteBudget returns the effective serialized-size cap. Display is the
// usual bound; a stored cap configured below it wins, since anything the
// validator passes gets persisted.
func (v *Validator) byteBudget() int {
	if v.cfg.MaxStoredBytes < v.cfg.MaxDisplayBytes {
		return v.cfg.MaxStoredBytes
	}
	return v.cfg.MaxDisplayBytes
}

// Validate bounds raw by the configured row and byte budgets. List-shaped
// results keep an order-preserving prefix; map-shaped results over budget
// collapse to a summary; oversized strings keep a prefix. Anything else
// passes through.
func (v *Validator) Validate(raw any) Validated {
	if raw == nil {
		return Validated{}
	}

	if list, ok := asList(raw); ok {
		return v.validateList(list)
	}

	size, err := measure(raw)
	if err != nil {
		return Validated{
			Result:    map[string]any{"unserializable": true},
			Truncated: true,
			Warning:   "result could not be serialized",
		}
	}
	if size <= v.byteBudget() {
		return Validated{Result: raw}
	}

	switch val := raw.(type) {
	case map[string]any:
		return v.summarizeMap(val, size)
	case string:
		return v.truncateString(val)
	default:
		return Validated{
			Result:    map[string]any{"truncated": true, "original_bytes": size},
			Truncated: true,
			Warning:   fmt.Sprintf("result of %d bytes exceeds the display budget", size),
		}
	}
}

func (v *Validator) validateList(list []any) Validated {
	original := len(list)
	kept := list
	truncated := false
	if original > v.cfg.MaxRows {
		kept = list[:v.cfg.MaxRows]
		truncated = true
	}

	// Halve the kept prefix until the serialized form fits. Deterministic:
	// the same input always keeps the same prefix.
	for {
		probe := any(kept)
		if truncated {
			probe = listWrapper(kept, original)
		}
		size, err := measure(probe)
		if err != nil {
			return Validated{
				Result:    map[string]any{"unserializable": true},
				Truncated: true,
				Warning:   "result could not be serialized",
			}
		}
		if size <= v.byteBudget() || len(kept) == 0 {
			if !truncated {
				return Validated{Result: list}
			}
			return Validated{
				Result:    listWrapper(kept, original),
				Truncated: true,
				Warning:   fmt.Sprintf("result truncated from %d to %d rows", original, len(kept)),
			}
		}
		kept = kept[:len(kept)/2]
		truncated = true
	}
}

func listWrapper(kept []any, original int) map[string]any {
	return map[string]any{
		"items":           kept,
		"original_count":  original,
		"displayed_count": len(kept),
		"truncated":       true,
	}
}

func (v *Validator) summarizeMap(m map[string]any, size int) Validated {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	listLengths := make(map[string]int)
	for _, k := range keys {
		if l, ok := asList(m[k]); ok {
			listLengths[k] = len(l)
		}
	}

	sample := keys
	if len(sample) > 20 {
		sample = sample[:20]
	}
	summary := map[string]any{
		"truncated": true,
		"key_count": len(m),
		"keys":      sample,
	}
	if len(listLengths) > 0 {
		summary["list_lengths"] = listLengths
	}
	return Validated{
		Result:    summary,
		Truncated: true,
		Warning:   fmt.Sprintf("result of %d bytes exceeds the display budget, summarized", size),
	}
}

func (v *Validator) truncateString(s string) Validated {
	originalBytes := len(s)
	kept := s
	for len(kept) > 0 {
		if size, err := measure(kept); err == nil && size <= v.byteBudget() {
			break
		}
		kept = kept[:len(kept)/2]
	}
	for len(kept) > 0 && !utf8.ValidString(kept) {
		kept = kept[:len(kept)-1]
	}
	return Validated{
		Result: map[string]any{
			"text":           kept,
			"original_bytes": originalBytes,
			"truncated":      true,
		},
		Truncated: true,
		Warning:   fmt.Sprintf("result truncated from %d to %d bytes", originalBytes, len(kept)),
	}
}

// asList normalizes the two list shapes that reach the validator: decoded
// JSON arrays and driver row sets.
func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []map[string]any:
		out := make([]any, len(l))
		for i := range l {
			out[i] = l[i]
		}
		return out, true
	}
	return nil, false
}

func measure(v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}
