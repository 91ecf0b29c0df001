package schema

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Field is one node of a field-selection tree. Leaves carry no sub-fields.
type Field struct {
	Name   string
	Fields Selection
}

// Selection is a field-selection tree whose nodes are sorted by name at every depth.
type Selection []Field

// NormalizeSelection turns an arbitrarily nested mapping into a Selection,
// sorting keys recursively so logically identical selections compare equal.
// Nested mappings become sub-selections, lists of names become leaves, and any
// other value marks a leaf.
func NormalizeSelection(fields map[string]any) Selection {
	if len(fields) == 0 {
		return Selection{}
	}
	out := make(Selection, 0, len(fields))
	for name, value := range fields {
		out = append(out, Field{Name: name, Fields: normalizeValue(value)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalizeValue(value any) Selection {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			return nil
		}
		return NormalizeSelection(typed)
	case map[any]any:
		converted := make(map[string]any, len(typed))
		for key, nested := range typed {
			converted[fmt.Sprint(key)] = nested
		}
		return normalizeValue(converted)
	case Selection:
		return typed.Normalize()
	case []string:
		return leaves(typed)
	case []any:
		names := make([]string, 0, len(typed))
		for _, item := range typed {
			if name, ok := item.(string); ok {
				names = append(names, name)
			}
		}
		return leaves(names)
	default:
		return nil
	}
}

func leaves(names []string) Selection {
	if len(names) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(names))
	out := make(Selection, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, Field{Name: name, Fields: nil})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Normalize returns a sorted deep copy of s.
func (s Selection) Normalize() Selection {
	if s == nil {
		return nil
	}
	out := make(Selection, len(s))
	for i, field := range s {
		out[i] = Field{Name: field.Name, Fields: field.Fields.Normalize()}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Equal reports deep equality. Both selections are expected to be normalized.
func (s Selection) Equal(other Selection) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i].Name != other[i].Name {
			return false
		}
		if !s[i].Fields.Equal(other[i].Fields) {
			return false
		}
	}
	return true
}

// Key returns a canonical textual form, e.g. "author{name},title".
func (s Selection) Key() string {
	var b strings.Builder
	s.writeKey(&b)
	return b.String()
}

func (s Selection) writeKey(b *strings.Builder) {
	for i, field := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(field.Name)
		if len(field.Fields) > 0 {
			b.WriteByte('{')
			field.Fields.writeKey(b)
			b.WriteByte('}')
		}
	}
}

// Lookup returns the node named name.
func (s Selection) Lookup(name string) (Field, bool) {
	idx := sort.Search(len(s), func(i int) bool { return s[i].Name >= name })
	if idx < len(s) && s[idx].Name == name {
		return s[idx], true
	}
	return Field{}, false
}

// Map converts the selection back into a nested mapping; leaves map to true.
func (s Selection) Map() map[string]any {
	out := make(map[string]any, len(s))
	for _, field := range s {
		if len(field.Fields) == 0 {
			out[field.Name] = true
			continue
		}
		out[field.Name] = field.Fields.Map()
	}
	return out
}

// MarshalJSON encodes the selection as a nested object with keys in sorted order.
func (s Selection) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}

// UnmarshalJSON decodes a nested object and normalizes it.
func (s *Selection) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode selection: %w", err)
	}
	*s = NormalizeSelection(raw)
	return nil
}
