package rpc

import (
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"
)

// roundTrip pushes a value through the full encode path: devaluate,
// lower to the wire tree, marshal to JSON text, and back.
func roundTrip(t *testing.T, v any) any {
	t.Helper()
	ins, err := Devaluate(v, nil)
	if err != nil {
		t.Fatalf("Devaluate: %v", err)
	}
	data, err := json.Marshal(EncodeTree(ins))
	if err != nil {
		t.Fatalf("marshal tree: %v", err)
	}
	var tree any
	if err := json.Unmarshal(data, &tree); err != nil {
		t.Fatalf("unmarshal tree: %v", err)
	}
	back, err := DecodeTree(tree)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	p, err := Evaluate(back, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	return p.Value
}

// valueEqual compares codec values, treating NaN as equal to itself and
// timestamps at millisecond precision.
func valueEqual(a, b any) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case float64:
		y, ok := b.(float64)
		if !ok {
			return false
		}
		if math.IsNaN(x) && math.IsNaN(y) {
			return true
		}
		return x == y
	case *big.Int:
		y, ok := b.(*big.Int)
		return ok && x.Cmp(y) == 0
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.UnixMilli() == y.UnixMilli()
	case []byte:
		y, ok := b.([]byte)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if x[i] != y[i] {
				return false
			}
		}
		return true
	case *ErrorValue:
		y, ok := b.(*ErrorValue)
		return ok && x.Kind == y.Kind && x.Message == y.Message && x.Stack == y.Stack
	case Undefined:
		_, ok := b.(Undefined)
		return ok
	case map[string]any:
		y, ok := b.(map[string]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for k, v := range x {
			w, ok := y[k]
			if !ok || !valueEqual(v, w) {
				return false
			}
		}
		return true
	case []any:
		y, ok := b.([]any)
		if !ok || len(x) != len(y) {
			return false
		}
		for i := range x {
			if !valueEqual(x[i], y[i]) {
				return false
			}
		}
		return true
	default:
		return a == b
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name  string
		value any
	}{
		{"nil", nil},
		{"true", true},
		{"false", false},
		{"zero", float64(0)},
		{"number", 42.5},
		{"negative", -17.0},
		{"string", "hello"},
		{"empty string", ""},
		{"undefined", Undefined{}},
		{"inf", math.Inf(1)},
		{"neg inf", math.Inf(-1)},
		{"nan", math.NaN()},
		{"bigint", new(big.Int).Exp(big.NewInt(2), big.NewInt(100), nil)},
		{"negative bigint", big.NewInt(-12345678901234)},
		{"date", now},
		{"bytes", []byte{0x00, 0x01, 0xfe, 0xff}},
		{"empty bytes", []byte{}},
		{"error", &ErrorValue{Kind: KindType, Message: "boom"}},
		{"error with stack", &ErrorValue{Kind: KindRange, Message: "out", Stack: "at foo"}},
		{"flat array", []any{1.0, 2.0, 3.0}},
		{"empty array", []any{}},
		{"string array", []any{"export", 5.0}},
		{"nested array", []any{[]any{1.0, 2.0}}},
		{"deep nested array", []any{[]any{[]any{"x"}}}},
		{"object", map[string]any{"a": 1.0, "b": "two"}},
		{"empty object", map[string]any{}},
		{"mixed", map[string]any{
			"nums":  []any{1.0, math.Inf(1)},
			"when":  now,
			"raw":   []byte("abc"),
			"inner": map[string]any{"deep": nil},
		}},
		{"array of objects", []any{map[string]any{"x": 1.0}, map[string]any{"x": 2.0}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := roundTrip(t, tc.value)
			if !valueEqual(tc.value, got) {
				t.Errorf("round trip: got %#v, want %#v", got, tc.value)
			}
		})
	}
}

func TestCodec_WidensIntegers(t *testing.T) {
	got := roundTrip(t, 7)
	f, ok := got.(float64)
	if !ok || f != 7 {
		t.Fatalf("got %#v, want float64(7)", got)
	}
}

func TestCodec_UnknownErrorKindDecodesGeneric(t *testing.T) {
	back, err := DecodeTree([]any{"error", "exotic", "huh"})
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	p, err := Evaluate(back, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	ev, ok := p.Value.(*ErrorValue)
	if !ok {
		t.Fatalf("got %T, want *ErrorValue", p.Value)
	}
	if ev.Kind != KindGeneric {
		t.Errorf("Kind: got %q, want %q", ev.Kind, KindGeneric)
	}
}

func TestCodec_ForbiddenKeysDropped(t *testing.T) {
	tree := map[string]any{
		"__proto__":   map[string]any{"x": 1.0},
		"constructor": "nope",
		"toJSON":      "nope",
		"y":           2.0,
	}
	back, err := DecodeTree(tree)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	p, err := Evaluate(back, nil)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	m, ok := p.Value.(map[string]any)
	if !ok {
		t.Fatalf("got %T, want map", p.Value)
	}
	if len(m) != 1 {
		t.Errorf("decoded keys: got %d, want 1 (%#v)", len(m), m)
	}
	if m["y"] != 2.0 {
		t.Errorf("y: got %v, want 2", m["y"])
	}
}

// stubImporter hands out counting hooks and records how many were made.
type stubImporter struct {
	made []*countingHook
}

func (si *stubImporter) ImportHook(id int64) (Hook, error) {
	h := newCountingHook()
	si.made = append(si.made, h)
	return h, nil
}

func (si *stubImporter) LookupImport(id int64) (Hook, error) {
	return si.ImportHook(id)
}

func (si *stubImporter) PipelineHook(subject int64, path Path, args []Instruction, hasArgs bool) (Hook, error) {
	return si.ImportHook(subject)
}

func (si *stubImporter) RemapHook(subject int64, path Path, captures []Instruction, body []Instruction) (Hook, error) {
	return si.ImportHook(subject)
}

func TestCodec_ForbiddenKeyHooksReleasedOnce(t *testing.T) {
	// A forbidden key whose value carries a capability: the key is
	// dropped, but the hook it produced must be released exactly once.
	tree := map[string]any{
		"__proto__": []any{"export", -1.0},
		"keep":      []any{"export", -2.0},
	}
	back, err := DecodeTree(tree)
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	im := &stubImporter{}
	p, err := Evaluate(back, im)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(im.made) != 2 {
		t.Fatalf("hooks made: got %d, want 2", len(im.made))
	}
	dropped := 0
	for _, h := range im.made {
		if h.disposes() == 1 {
			dropped++
		}
	}
	if dropped != 1 {
		t.Errorf("dropped-key hooks disposed: got %d, want 1", dropped)
	}

	p.Dispose()
	for i, h := range im.made {
		if h.disposes() != 1 {
			t.Errorf("hook %d: disposed %d times, want 1", i, h.disposes())
		}
	}
}

func TestCodec_DecodeRejectsUnknownTag(t *testing.T) {
	if _, err := DecodeTree([]any{"frobnicate", 1.0}); err == nil {
		t.Fatal("expected error for unknown tag")
	}
}

func TestCodec_StubExport(t *testing.T) {
	h := newCountingHook()
	p := NewPayload(map[string]any{"cap": NewStub(h)})
	ex := &fakeExporter{}
	ins, err := Devaluate(p.Value, ex)
	if err != nil {
		t.Fatalf("Devaluate: %v", err)
	}
	obj, ok := ins.(Object)
	if !ok {
		t.Fatalf("got %T, want Object", ins)
	}
	if len(obj.Keys) != 1 || obj.Keys[0] != "cap" {
		t.Fatalf("keys: %v", obj.Keys)
	}
	if _, ok := obj.Values[0].(Export); !ok {
		t.Fatalf("cap encoded as %T, want Export", obj.Values[0])
	}
	if ex.exports != 1 {
		t.Errorf("exporter consulted %d times, want 1", ex.exports)
	}
	p.Dispose()
}

// fakeExporter allocates sequential export ids.
type fakeExporter struct {
	exports int64
}

func (f *fakeExporter) ExportHook(h Hook, promise bool) (Instruction, error) {
	f.exports++
	return Export{ID: -f.exports, Promise: promise}, nil
}
