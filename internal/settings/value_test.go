package settings

import (
	"testing"
	"time"
)

func TestFromNative(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want Value
	}{
		{"nil", nil, Null()},
		{"bool", true, Bool(true)},
		{"int", 42, Int(42)},
		{"int64", int64(-7), Int(-7)},
		{"uint8", uint8(3), Number(3)},
		{"float", 1.5, Number(1.5)},
		{"string", "fr", String("fr")},
		{"list", []any{"a", 1}, List(String("a"), Int(1))},
		{"map", map[string]any{"theme": "dark", "size": 12}, Map(map[string]Value{
			"theme": String("dark"),
			"size":  Int(12),
		})},
		{"nested", map[string]any{"ui": map[string]any{"zoom": []any{1.25}}}, Map(map[string]Value{
			"ui": Map(map[string]Value{"zoom": List(Number(1.25))}),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromNative(tt.in)
			if !got.Equal(tt.want) {
				t.Fatalf("FromNative(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestFromNativeBinary(t *testing.T) {
	if k := FromNative([]byte("abc")).Kind(); k != KindBlob {
		t.Fatalf("[]byte kind = %s, want blob", k)
	}
	if k := FromNative(time.Unix(10, 0)).Kind(); k != KindTimestamp {
		t.Fatalf("time.Time kind = %s, want timestamp", k)
	}
	f := NewFile("a.txt", "text/plain", []byte("x"), time.Time{})
	if got := FromNative(f).File(); got != f {
		t.Fatal("*File not wrapped by reference")
	}

	type custom struct{ X int }
	v := FromNative(custom{X: 1})
	if v.Kind() != KindOther {
		t.Fatalf("custom kind = %s, want other", v.Kind())
	}
	if v.String() != "{1}" {
		t.Fatalf("custom String() = %q", v.String())
	}
}

func TestNativeRoundTrip(t *testing.T) {
	in := map[string]any{
		"flag":  true,
		"ratio": 0.5,
		"name":  "x",
		"tags":  []any{"a", "b"},
		"none":  nil,
	}
	v := FromNative(in)
	out, ok := v.Native().(map[string]any)
	if !ok {
		t.Fatalf("Native() returned %T", v.Native())
	}
	if !FromNative(out).Equal(v) {
		t.Fatalf("round trip changed value: %v", out)
	}
}

func TestEqualBinaryByIdentity(t *testing.T) {
	a := NewBlob("image/png", []byte{1, 2, 3})
	b := NewBlob("image/png", []byte{1, 2, 3})

	if !BlobValue(a).Equal(BlobValue(a)) {
		t.Fatal("same blob not equal to itself")
	}
	if BlobValue(a).Equal(BlobValue(b)) {
		t.Fatal("distinct blobs with equal bytes compare equal")
	}
	if BlobValue(a).Equal(String("x")) {
		t.Fatal("blob equal to string")
	}
}

func TestNilBinaryIsNull(t *testing.T) {
	if !BlobValue(nil).IsNull() || !FileValue(nil).IsNull() || !TimeValue(nil).IsNull() {
		t.Fatal("nil binary pointer should produce null")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		v    Value
		want string
	}{
		{Null(), "null"},
		{Bool(false), "false"},
		{Number(2.5), "2.5"},
		{String("en"), `"en"`},
		{List(Int(1), Null()), "[1, null]"},
		{Map(map[string]Value{"b": Int(2), "a": Int(1)}), `{"a": 1, "b": 2}`},
		{BlobValue(NewBlob("text/plain", []byte("hey"))), "blob(text/plain, 3 bytes)"},
		{TimeValue(NewTimestamp(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC))), "timestamp(2024-01-02T03:04:05Z)"},
	}
	for _, tt := range tests {
		if got := tt.v.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestKindBinary(t *testing.T) {
	for k := KindNull; k <= KindOther; k++ {
		want := k == KindBlob || k == KindFile || k == KindTimestamp
		if k.Binary() != want {
			t.Errorf("%s.Binary() = %v", k, k.Binary())
		}
	}
}
