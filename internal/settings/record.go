package settings

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Persisted layout: one structpb.Struct per key
//
//	{key: string, default: <value>, user: <value>}
//
// Scalars and lists use the native structpb kinds. Every struct-typed
// value is a single-field envelope naming its variant ("map", "blob",
// "file", "timestamp", "other") so user maps can never be confused with
// binary values.
const (
	fieldKey     = "key"
	fieldDefault = "default"
	fieldUser    = "user"

	tagMap       = "map"
	tagBlob      = "blob"
	tagFile      = "file"
	tagTimestamp = "timestamp"
	tagOther     = "other"
)

var errCorruptRecord = errors.New("corrupt record")

// Record is the persisted state of one setting.
type Record struct {
	Key     string
	Default Value
	User    Value
}

// Effective returns the user value when set, the default otherwise.
func (r Record) Effective() Value {
	if !r.User.IsNull() {
		return r.User
	}
	return r.Default
}

// resolver maps a placeholder id to the live object it stands for.
type resolver func(id string) (Value, bool)

// rawRecord is a record with its values still encoded, so the default can
// be carried over on rewrite without a decode/encode round trip.
type rawRecord struct {
	key  string
	def  *structpb.Value
	user *structpb.Value
}

func unmarshalRecord(data []byte) (rawRecord, error) {
	var st structpb.Struct
	if err := proto.Unmarshal(data, &st); err != nil {
		return rawRecord{}, fmt.Errorf("%w: %v", errCorruptRecord, err)
	}
	f := st.GetFields()
	key, ok := f[fieldKey].GetKind().(*structpb.Value_StringValue)
	if !ok {
		return rawRecord{}, fmt.Errorf("%w: missing key", errCorruptRecord)
	}
	return rawRecord{key: key.StringValue, def: f[fieldDefault], user: f[fieldUser]}, nil
}

func (r rawRecord) decode(resolve resolver) (Record, error) {
	def, err := decodeValue(r.def, resolve)
	if err != nil {
		return Record{}, fmt.Errorf("default of %q: %w", r.key, err)
	}
	user, err := decodeValue(r.user, resolve)
	if err != nil {
		return Record{}, fmt.Errorf("user value of %q: %w", r.key, err)
	}
	return Record{Key: r.key, Default: def, User: user}, nil
}

// encodeRecord marshals a record. def is an already encoded default (nil
// for null); user is in placeholder form and its binaries are looked up
// in side.
func encodeRecord(key string, def *structpb.Value, user Value, side map[string]Value) ([]byte, error) {
	uv, err := encodeValue(user, side)
	if err != nil {
		return nil, fmt.Errorf("encoding %q: %w", key, err)
	}
	if def == nil {
		def = structpb.NewNullValue()
	}
	st := &structpb.Struct{Fields: map[string]*structpb.Value{
		fieldKey:     structpb.NewStringValue(key),
		fieldDefault: def,
		fieldUser:    uv,
	}}
	return proto.MarshalOptions{Deterministic: true}.Marshal(st)
}

func envelope(tag string, fields map[string]*structpb.Value) *structpb.Value {
	inner := structpb.NewStructValue(&structpb.Struct{Fields: fields})
	return structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{tag: inner}})
}

func encodeValue(v Value, side map[string]Value) (*structpb.Value, error) {
	switch v.kind {
	case KindNull:
		return structpb.NewNullValue(), nil
	case KindBool:
		return structpb.NewBoolValue(v.b), nil
	case KindNumber:
		return structpb.NewNumberValue(v.n), nil
	case KindString:
		return structpb.NewStringValue(v.s), nil
	case KindList:
		items := make([]*structpb.Value, len(v.list))
		for i, it := range v.list {
			pv, err := encodeValue(it, side)
			if err != nil {
				return nil, err
			}
			items[i] = pv
		}
		return structpb.NewListValue(&structpb.ListValue{Values: items}), nil
	case KindMap:
		fields := make(map[string]*structpb.Value, len(v.m))
		for k, it := range v.m {
			pv, err := encodeValue(it, side)
			if err != nil {
				return nil, err
			}
			fields[k] = pv
		}
		return envelope(tagMap, fields), nil
	case KindOpaque:
		orig, ok := side[v.s]
		if !ok {
			return nil, fmt.Errorf("unresolved placeholder %s", v.s)
		}
		return encodeBinary(v.s, orig)
	case KindOther:
		logger.Warn("persisting unclassified value as text", "type", fmt.Sprintf("%T", v.ref))
		return envelope(tagOther, map[string]*structpb.Value{
			"text": structpb.NewStringValue(fmt.Sprint(v.ref)),
		}), nil
	default:
		return nil, fmt.Errorf("%s value must be serialized before encoding", v.kind)
	}
}

func encodeTime(t time.Time) map[string]*structpb.Value {
	ts := timestamppb.New(t)
	return map[string]*structpb.Value{
		"seconds": structpb.NewNumberValue(float64(ts.GetSeconds())),
		"nanos":   structpb.NewNumberValue(float64(ts.GetNanos())),
	}
}

func decodeTime(fields map[string]*structpb.Value) time.Time {
	ts := &timestamppb.Timestamp{
		Seconds: int64(fields["seconds"].GetNumberValue()),
		Nanos:   int32(fields["nanos"].GetNumberValue()),
	}
	return ts.AsTime()
}

func encodeBinary(id string, v Value) (*structpb.Value, error) {
	switch v.kind {
	case KindBlob:
		b := v.Blob()
		return envelope(tagBlob, map[string]*structpb.Value{
			"id":   structpb.NewStringValue(id),
			"type": structpb.NewStringValue(b.Type),
			"data": structpb.NewStringValue(base64.StdEncoding.EncodeToString(b.Data)),
		}), nil
	case KindFile:
		f := v.File()
		return envelope(tagFile, map[string]*structpb.Value{
			"id":       structpb.NewStringValue(id),
			"name":     structpb.NewStringValue(f.Name),
			"type":     structpb.NewStringValue(f.Type),
			"data":     structpb.NewStringValue(base64.StdEncoding.EncodeToString(f.Data)),
			"modified": structpb.NewStructValue(&structpb.Struct{Fields: encodeTime(f.Modified)}),
		}), nil
	case KindTimestamp:
		fields := encodeTime(v.Timestamp().Time)
		fields["id"] = structpb.NewStringValue(id)
		return envelope(tagTimestamp, fields), nil
	default:
		return nil, fmt.Errorf("placeholder %s refers to a %s value", id, v.kind)
	}
}

func decodeValue(pv *structpb.Value, resolve resolver) (Value, error) {
	switch k := pv.GetKind().(type) {
	case nil, *structpb.Value_NullValue:
		return Null(), nil
	case *structpb.Value_BoolValue:
		return Bool(k.BoolValue), nil
	case *structpb.Value_NumberValue:
		return Number(k.NumberValue), nil
	case *structpb.Value_StringValue:
		return String(k.StringValue), nil
	case *structpb.Value_ListValue:
		items := make([]Value, len(k.ListValue.GetValues()))
		for i, it := range k.ListValue.GetValues() {
			v, err := decodeValue(it, resolve)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return List(items...), nil
	case *structpb.Value_StructValue:
		return decodeEnvelope(k.StructValue.GetFields(), resolve)
	default:
		return Value{}, fmt.Errorf("%w: unknown value kind %T", errCorruptRecord, k)
	}
}

func decodeEnvelope(env map[string]*structpb.Value, resolve resolver) (Value, error) {
	if len(env) != 1 {
		return Value{}, fmt.Errorf("%w: envelope with %d fields", errCorruptRecord, len(env))
	}
	var (
		tag   string
		inner *structpb.Value
	)
	for t, v := range env {
		tag, inner = t, v
	}
	fields := inner.GetStructValue().GetFields()

	switch tag {
	case tagMap:
		m := make(map[string]Value, len(fields))
		for name, it := range fields {
			v, err := decodeValue(it, resolve)
			if err != nil {
				return Value{}, err
			}
			m[name] = v
		}
		return Map(m), nil
	case tagOther:
		return String(fields["text"].GetStringValue()), nil
	case tagBlob, tagFile, tagTimestamp:
		return decodeBinary(tag, fields, resolve)
	default:
		return Value{}, fmt.Errorf("%w: unknown envelope %q", errCorruptRecord, tag)
	}
}

func decodeBinary(tag string, fields map[string]*structpb.Value, resolve resolver) (Value, error) {
	id := fields["id"].GetStringValue()
	if resolve != nil && id != "" {
		if live, ok := resolve(id); ok && live.kind.String() == tag {
			return live, nil
		}
	}

	if tag == tagTimestamp {
		return TimeValue(NewTimestamp(decodeTime(fields))), nil
	}

	data, err := base64.StdEncoding.DecodeString(fields["data"].GetStringValue())
	if err != nil {
		return Value{}, fmt.Errorf("%w: %s data: %v", errCorruptRecord, tag, err)
	}
	blob := Blob{Type: fields["type"].GetStringValue(), Data: data}
	if tag == tagBlob {
		return BlobValue(&blob), nil
	}
	return FileValue(&File{
		Blob:     blob,
		Name:     fields["name"].GetStringValue(),
		Modified: decodeTime(fields["modified"].GetStructValue().GetFields()),
	}), nil
}

// opaqueIDs lists the placeholder ids referenced by an encoded value.
func opaqueIDs(pv *structpb.Value) []string {
	var ids []string
	var walk func(*structpb.Value)
	walk = func(pv *structpb.Value) {
		switch k := pv.GetKind().(type) {
		case *structpb.Value_ListValue:
			for _, it := range k.ListValue.GetValues() {
				walk(it)
			}
		case *structpb.Value_StructValue:
			for tag, inner := range k.StructValue.GetFields() {
				fields := inner.GetStructValue().GetFields()
				switch tag {
				case tagMap:
					for _, it := range fields {
						walk(it)
					}
				case tagBlob, tagFile, tagTimestamp:
					if id := fields["id"].GetStringValue(); id != "" {
						ids = append(ids, id)
					}
				}
			}
		}
	}
	walk(pv)
	return ids
}
