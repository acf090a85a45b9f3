package settings

import (
	"maps"
	"slices"

	"github.com/google/uuid"
)

// Payload is a detached copy of a batch of entries. Binary values are
// replaced by placeholders whose originals live in Side, so the payload
// can sit in a queue without aliasing anything the caller still holds.
type Payload struct {
	Entries map[string]Value
	Side    map[string]Value
}

// Serialize deep-copies entries, substituting every binary value (at any
// depth) with a fresh placeholder id recorded in Side.
func Serialize(entries map[string]Value) Payload {
	p := Payload{
		Entries: make(map[string]Value, len(entries)),
		Side:    make(map[string]Value),
	}
	for k, v := range entries {
		p.Entries[k] = detach(v, p.Side)
	}
	return p
}

// Deserialize restores the original values: structural data is rebuilt,
// placeholders resolve to the very objects that were serialized.
func Deserialize(p Payload) map[string]Value {
	out := make(map[string]Value, len(p.Entries))
	for k, v := range p.Entries {
		out[k] = p.Restore(v)
	}
	return out
}

// Keys returns the entry names in lexical order, the order a Set batch is
// applied in.
func (p Payload) Keys() []string {
	return slices.Sorted(maps.Keys(p.Entries))
}

// Restore resolves placeholders inside v against the side table.
func (p Payload) Restore(v Value) Value {
	return attach(v, func(id string) (Value, bool) {
		orig, ok := p.Side[id]
		return orig, ok
	})
}

func detach(v Value, side map[string]Value) Value {
	switch {
	case v.kind.Binary():
		id := uuid.NewString()
		side[id] = v
		return placeholder(id)
	case v.kind == KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			items[i] = detach(it, side)
		}
		return Value{kind: KindList, list: items}
	case v.kind == KindMap:
		m := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			m[k] = detach(it, side)
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

func attach(v Value, resolve func(id string) (Value, bool)) Value {
	switch v.kind {
	case KindOpaque:
		orig, ok := resolve(v.s)
		if !ok {
			logger.Warn("unresolved placeholder", "id", v.s)
			return Null()
		}
		return orig
	case KindList:
		items := make([]Value, len(v.list))
		for i, it := range v.list {
			items[i] = attach(it, resolve)
		}
		return Value{kind: KindList, list: items}
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, it := range v.m {
			m[k] = attach(it, resolve)
		}
		return Value{kind: KindMap, m: m}
	default:
		return v
	}
}

// placeholderIDs lists the placeholder ids inside a serialized value.
func placeholderIDs(v Value) []string {
	switch v.kind {
	case KindOpaque:
		return []string{v.s}
	case KindList:
		var ids []string
		for _, it := range v.list {
			ids = append(ids, placeholderIDs(it)...)
		}
		return ids
	case KindMap:
		var ids []string
		for _, it := range v.m {
			ids = append(ids, placeholderIDs(it)...)
		}
		return ids
	default:
		return nil
	}
}
