package shell

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"prefdb/internal/settings"
)

// ParseValue reads a value literal written in YAML flow syntax:
// `true`, `12`, `fr`, `[a, b]`, `{theme: dark}`, `null`. An empty literal
// is the empty string.
func ParseValue(text string) (settings.Value, error) {
	if strings.TrimSpace(text) == "" {
		return settings.String(text), nil
	}
	var x any
	if err := yaml.Unmarshal([]byte(text), &x); err != nil {
		return settings.Value{}, fmt.Errorf("parsing value %q: %w", text, err)
	}
	return settings.FromNative(normalize(x)), nil
}

// ParsePairs turns `key value key value ...` into Set entries.
func ParsePairs(args []string) (map[string]settings.Value, error) {
	if len(args) == 0 || len(args)%2 != 0 {
		return nil, fmt.Errorf("expected key/value pairs, got %d arguments", len(args))
	}
	entries := make(map[string]settings.Value, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		v, err := ParseValue(args[i+1])
		if err != nil {
			return nil, err
		}
		entries[args[i]] = v
	}
	return entries, nil
}

// normalize converts yaml's map[any]any nodes to map[string]any.
func normalize(x any) any {
	switch v := x.(type) {
	case map[string]any:
		for k, it := range v {
			v[k] = normalize(it)
		}
		return v
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, it := range v {
			out[fmt.Sprint(k)] = normalize(it)
		}
		return out
	case []any:
		for i, it := range v {
			v[i] = normalize(it)
		}
		return v
	default:
		return x
	}
}

// display maps a Value to plain data for YAML output. Binary values are
// summarized, never dumped.
func display(v settings.Value) any {
	switch v.Kind() {
	case settings.KindList:
		items, _ := v.AsList()
		out := make([]any, len(items))
		for i, it := range items {
			out[i] = display(it)
		}
		return out
	case settings.KindMap:
		m, _ := v.AsMap()
		out := make(map[string]any, len(m))
		for k, it := range m {
			out[k] = display(it)
		}
		return out
	case settings.KindBlob:
		b := v.Blob()
		return map[string]any{"blob": b.Type, "bytes": len(b.Data)}
	case settings.KindFile:
		f := v.File()
		return map[string]any{"file": f.Name, "type": f.Type, "bytes": len(f.Data), "modified": f.Modified.UTC().Format(time.RFC3339)}
	case settings.KindTimestamp:
		return v.Timestamp().UTC()
	case settings.KindOther:
		return v.String()
	default:
		return v.Native()
	}
}

// EncodeYAML renders settings as a YAML document with sorted keys.
func EncodeYAML(values map[string]settings.Value) ([]byte, error) {
	doc := make(map[string]any, len(values))
	for k, v := range values {
		doc[k] = display(v)
	}
	return yaml.Marshal(doc)
}

// FormatValue renders one value on a single line, lists and maps in YAML
// flow style.
func FormatValue(v settings.Value) string {
	switch v.Kind() {
	case settings.KindList, settings.KindMap:
		var n yaml.Node
		if err := n.Encode(display(v)); err != nil {
			return v.String()
		}
		n.Style = yaml.FlowStyle
		out, err := yaml.Marshal(&n)
		if err != nil {
			return v.String()
		}
		return strings.TrimSpace(string(out))
	case settings.KindString:
		s, _ := v.AsString()
		return s
	default:
		return v.String()
	}
}

// Table renders settings as aligned `name  value` rows sorted by name.
func Table(values map[string]settings.Value) string {
	keys := slices.Sorted(maps.Keys(values))
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%-*s  %s\n", width, k, FormatValue(values[k]))
	}
	return b.String()
}
