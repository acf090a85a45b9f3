package settings

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func roundTrip(t *testing.T, key string, def, user Value, resolve resolver) Record {
	t.Helper()
	dp := Serialize(map[string]Value{"v": def})
	dv, err := encodeValue(dp.Entries["v"], dp.Side)
	if err != nil {
		t.Fatalf("encode default: %v", err)
	}
	up := Serialize(map[string]Value{"v": user})
	data, err := encodeRecord(key, dv, up.Entries["v"], up.Side)
	if err != nil {
		t.Fatalf("encodeRecord: %v", err)
	}
	raw, err := unmarshalRecord(data)
	if err != nil {
		t.Fatalf("unmarshalRecord: %v", err)
	}
	rec, err := raw.decode(resolve)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		def, user Value
	}{
		{"scalars", String("en"), String("fr")},
		{"null default", Null(), Bool(true)},
		{"null user", Number(3), Null()},
		{"list", List(Int(1)), List(String("a"), Null(), Bool(false))},
		{"map", Null(), Map(map[string]Value{"a": Map(map[string]Value{"b": Int(2)})})},
		{"map shaped like envelope", Null(), Map(map[string]Value{"blob": String("not binary")})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := roundTrip(t, "k", tt.def, tt.user, nil)
			if rec.Key != "k" {
				t.Fatalf("key = %q", rec.Key)
			}
			if !rec.Default.Equal(tt.def) {
				t.Fatalf("default = %s, want %s", rec.Default, tt.def)
			}
			if !rec.User.Equal(tt.user) {
				t.Fatalf("user = %s, want %s", rec.User, tt.user)
			}
		})
	}
}

func TestRecordBinaryWithoutResolver(t *testing.T) {
	mod := time.Date(2023, 5, 6, 7, 8, 9, 10, time.UTC)
	file := NewFile("notes.txt", "text/plain", []byte("hello"), mod)
	rec := roundTrip(t, "doc", Null(), FileValue(file), nil)

	got := rec.User.File()
	if got == nil {
		t.Fatalf("user kind = %s, want file", rec.User.Kind())
	}
	if got == file {
		t.Fatal("decoded file should be a fresh object without a resolver")
	}
	if got.Name != "notes.txt" || got.Type != "text/plain" || !bytes.Equal(got.Data, []byte("hello")) {
		t.Fatalf("file = %+v", got)
	}
	if !got.Modified.Equal(mod) {
		t.Fatalf("modified = %v, want %v", got.Modified, mod)
	}
}

func TestRecordBinaryResolvesLiveObject(t *testing.T) {
	blob := NewBlob("image/png", []byte{1})
	p := Serialize(map[string]Value{"v": BlobValue(blob)})
	data, err := encodeRecord("img", nil, p.Entries["v"], p.Side)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := unmarshalRecord(data)
	if err != nil {
		t.Fatal(err)
	}
	rec, err := raw.decode(func(id string) (Value, bool) {
		v, ok := p.Side[id]
		return v, ok
	})
	if err != nil {
		t.Fatal(err)
	}
	if rec.User.Blob() != blob {
		t.Fatal("resolver hit should return the original blob")
	}
	if ids := opaqueIDs(raw.user); len(ids) != 1 {
		t.Fatalf("opaqueIDs = %v", ids)
	}
}

type customSetting struct {
	Level int
}

func TestRecordOtherKindReadsBackAsText(t *testing.T) {
	v := FromNative(customSetting{Level: 3})
	if v.Kind() != KindOther {
		t.Fatalf("kind = %s, want other", v.Kind())
	}
	rec := roundTrip(t, "custom", Null(), v, nil)
	if rec.User.Kind() != KindString {
		t.Fatalf("stored kind = %s, want string", rec.User.Kind())
	}
	if s, _ := rec.User.AsString(); s != "{3}" {
		t.Fatalf("stored text = %q, want %q", s, "{3}")
	}
}

func TestRecordEffective(t *testing.T) {
	r := Record{Default: String("en")}
	if !r.Effective().Equal(String("en")) {
		t.Fatal("null user should fall back to default")
	}
	r.User = String("fr")
	if !r.Effective().Equal(String("fr")) {
		t.Fatal("user value should win")
	}
}

func TestRecordEncodingDeterministic(t *testing.T) {
	user := Map(map[string]Value{"z": Int(1), "a": Int(2), "m": Int(3)})
	a, err := encodeRecord("k", nil, user, nil)
	if err != nil {
		t.Fatal(err)
	}
	b, err := encodeRecord("k", nil, user, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("encoding is not deterministic")
	}
}

func TestUnmarshalCorrupt(t *testing.T) {
	noKey, _ := proto.Marshal(&structpb.Struct{Fields: map[string]*structpb.Value{
		"user": structpb.NewNumberValue(1),
	}})
	for name, data := range map[string][]byte{
		"garbage": {0xff, 0xff, 0xff},
		"no key":  noKey,
	} {
		if _, err := unmarshalRecord(data); !errors.Is(err, errCorruptRecord) {
			t.Errorf("%s: err = %v, want errCorruptRecord", name, err)
		}
	}
}

func TestDecodeUnknownEnvelope(t *testing.T) {
	pv := envelope("mystery", map[string]*structpb.Value{})
	if _, err := decodeValue(pv, nil); !errors.Is(err, errCorruptRecord) {
		t.Fatalf("err = %v, want errCorruptRecord", err)
	}
}
