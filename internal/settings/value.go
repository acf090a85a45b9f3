package settings

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
	KindBlob
	KindFile
	KindTimestamp
	// KindOpaque is a placeholder for a binary value; it only appears
	// inside a serialized Payload.
	KindOpaque
	// KindOther wraps a Go value that could not be classified. Serialize
	// and Deserialize carry it through unchanged, but a stored record keeps
	// only its %v text: reading it back from the store yields a String.
	KindOther
)

var kindNames = [...]string{"null", "bool", "number", "string", "list", "map", "blob", "file", "timestamp", "opaque", "other"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Binary reports whether values of this kind are opaque binary objects
// that are substituted by placeholders when serialized.
func (k Kind) Binary() bool {
	return k == KindBlob || k == KindFile || k == KindTimestamp
}

// Blob is an immutable chunk of bytes with a content type.
type Blob struct {
	Type string
	Data []byte
}

// File is a named Blob.
type File struct {
	Blob
	Name     string
	Modified time.Time
}

// Timestamp is a point in time stored as an opaque value.
type Timestamp struct {
	time.Time
}

func NewBlob(contentType string, data []byte) *Blob {
	return &Blob{Type: contentType, Data: slices.Clone(data)}
}

func NewFile(name, contentType string, data []byte, modified time.Time) *File {
	return &File{Blob: Blob{Type: contentType, Data: slices.Clone(data)}, Name: name, Modified: modified}
}

func NewTimestamp(t time.Time) *Timestamp {
	return &Timestamp{Time: t}
}

// Value is a setting value. The zero Value is null.
// Structural values (lists, maps) are shared by reference until they pass
// through Serialize; binary values are always pointers and compare by
// identity.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string // string payload or placeholder id
	list []Value
	m    map[string]Value
	ref  any // *Blob, *File, *Timestamp or a KindOther value
}

func Null() Value               { return Value{} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Number(n float64) Value    { return Value{kind: KindNumber, n: n} }
func Int(i int64) Value         { return Value{kind: KindNumber, n: float64(i)} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func List(items ...Value) Value { return Value{kind: KindList, list: items} }

// Map wraps m without copying it.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

func BlobValue(b *Blob) Value {
	if b == nil {
		return Null()
	}
	return Value{kind: KindBlob, ref: b}
}

func FileValue(f *File) Value {
	if f == nil {
		return Null()
	}
	return Value{kind: KindFile, ref: f}
}

func TimeValue(t *Timestamp) Value {
	if t == nil {
		return Null()
	}
	return Value{kind: KindTimestamp, ref: t}
}

func placeholder(id string) Value {
	return Value{kind: KindOpaque, s: id}
}

// FromNative converts decoded Go data (TOML, YAML, JSON-like trees) into a
// Value. Values it cannot classify become KindOther.
func FromNative(x any) Value {
	switch v := x.(type) {
	case nil:
		return Null()
	case Value:
		return v
	case bool:
		return Bool(v)
	case int:
		return Int(int64(v))
	case int8:
		return Int(int64(v))
	case int16:
		return Int(int64(v))
	case int32:
		return Int(int64(v))
	case int64:
		return Int(v)
	case uint:
		return Number(float64(v))
	case uint8:
		return Number(float64(v))
	case uint16:
		return Number(float64(v))
	case uint32:
		return Number(float64(v))
	case uint64:
		return Number(float64(v))
	case float32:
		return Number(float64(v))
	case float64:
		return Number(v)
	case string:
		return String(v)
	case []byte:
		return BlobValue(NewBlob("application/octet-stream", v))
	case *Blob:
		return BlobValue(v)
	case *File:
		return FileValue(v)
	case *Timestamp:
		return TimeValue(v)
	case time.Time:
		return TimeValue(NewTimestamp(v))
	case []any:
		items := make([]Value, len(v))
		for i, it := range v {
			items[i] = FromNative(it)
		}
		return List(items...)
	case []map[string]any:
		items := make([]Value, len(v))
		for i, it := range v {
			items[i] = FromNative(it)
		}
		return List(items...)
	case map[string]any:
		m := make(map[string]Value, len(v))
		for k, it := range v {
			m[k] = FromNative(it)
		}
		return Map(m)
	default:
		return Value{kind: KindOther, ref: x}
	}
}

// Native converts v back to plain Go data: nil, bool, float64, string,
// []any, map[string]any, or the binary pointer itself.
func (v Value) Native() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, it := range v.list {
			out[i] = it.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, it := range v.m {
			out[k] = it.Native()
		}
		return out
	case KindBlob, KindFile, KindTimestamp, KindOther:
		return v.ref
	case KindOpaque:
		return "opaque:" + v.s
	default:
		return nil
	}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool)      { return v.b, v.kind == KindBool }
func (v Value) AsNumber() (float64, bool) { return v.n, v.kind == KindNumber }
func (v Value) AsString() (string, bool)  { return v.s, v.kind == KindString }
func (v Value) AsList() ([]Value, bool)   { return v.list, v.kind == KindList }

func (v Value) AsMap() (map[string]Value, bool) { return v.m, v.kind == KindMap }

func (v Value) Blob() *Blob {
	b, _ := v.ref.(*Blob)
	return b
}

func (v Value) File() *File {
	f, _ := v.ref.(*File)
	return f
}

func (v Value) Timestamp() *Timestamp {
	t, _ := v.ref.(*Timestamp)
	return t
}

// Equal reports deep equality. Binary values are equal only when they are
// the same object.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindNumber:
		return v.n == o.n
	case KindString, KindOpaque:
		return v.s == o.s
	case KindList:
		return slices.EqualFunc(v.list, o.list, Value.Equal)
	case KindMap:
		return maps.EqualFunc(v.m, o.m, Value.Equal)
	case KindOther:
		return fmt.Sprint(v.ref) == fmt.Sprint(o.ref)
	default:
		return v.ref == o.ref
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindNumber:
		return strconv.FormatFloat(v.n, 'g', -1, 64)
	case KindString:
		return strconv.Quote(v.s)
	case KindList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		keys := slices.Sorted(maps.Keys(v.m))
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = strconv.Quote(k) + ": " + v.m[k].String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindBlob:
		b := v.Blob()
		return fmt.Sprintf("blob(%s, %d bytes)", b.Type, len(b.Data))
	case KindFile:
		f := v.File()
		return fmt.Sprintf("file(%s, %s, %d bytes)", f.Name, f.Type, len(f.Data))
	case KindTimestamp:
		return "timestamp(" + v.Timestamp().UTC().Format(time.RFC3339Nano) + ")"
	case KindOpaque:
		return "opaque(" + v.s + ")"
	default:
		return fmt.Sprint(v.ref)
	}
}
