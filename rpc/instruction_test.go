package rpc

import (
	"encoding/json"
	"testing"
)

// encodeJSON lowers an instruction all the way to wire text.
func encodeJSON(t *testing.T, ins Instruction) string {
	t.Helper()
	data, err := json.Marshal(EncodeTree(ins))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(data)
}

func TestEncodeTree_WireShapes(t *testing.T) {
	cases := []struct {
		name string
		ins  Instruction
		want string
	}{
		{"null", Literal{Value: nil}, `null`},
		{"number", Literal{Value: 4.0}, `4`},
		{"string", Literal{Value: "hi"}, `"hi"`},
		{"undefined", Special{Kind: SpecialUndefined}, `["undefined"]`},
		{"inf", Special{Kind: SpecialInf}, `["inf"]`},
		{"neg inf", Special{Kind: SpecialNegInf}, `["-inf"]`},
		{"nan", Special{Kind: SpecialNaN}, `["nan"]`},
		{"date", Date{Millis: 1500}, `["date",1500]`},
		{"bytes", Bytes{Data: []byte("hi")}, `["bytes","aGk="]`},
		{"error", ErrorInstr{Kind: KindType, Message: "m"}, `["error","type","m"]`},
		{"export", Export{ID: -2}, `["export",-2]`},
		{"promise export", Export{ID: -2, Promise: true}, `["export",-2,true]`},
		{"import", Import{ID: 3}, `["import",3]`},
		{"get pipeline", Pipeline{Subject: 0, Path: P("foo")}, `["pipeline",0,["foo"]]`},
		{"call pipeline",
			Pipeline{Subject: 1, Path: P("f"), Args: []Instruction{Literal{Value: 4.0}}, HasArgs: true},
			`["pipeline",1,["f"],[4]]`},
		{"plain array", Array{Elems: []Instruction{Literal{Value: 1.0}, Literal{Value: 2.0}}}, `[1,2]`},
		{"empty array", Array{}, `[]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := encodeJSON(t, tc.ins); got != tc.want {
				t.Errorf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestEncodeTree_ArrayEscaping(t *testing.T) {
	// A literal array whose head is a string must not read back as an
	// instruction.
	arr := Array{Elems: []Instruction{Literal{Value: "export"}, Literal{Value: 5.0}}}
	got := encodeJSON(t, arr)
	if got != `[["export",5]]` {
		t.Fatalf("string-headed array: got %s", got)
	}

	// A single-element array containing an array wraps once more.
	nested := Array{Elems: []Instruction{Array{Elems: []Instruction{Literal{Value: 1.0}}}}}
	if got := encodeJSON(t, nested); got != `[[[1]]]` {
		t.Fatalf("nested array: got %s", got)
	}
}

func TestDecodeTree_EscapedArrays(t *testing.T) {
	ins, err := DecodeTree([]any{[]any{"export", 5.0}})
	if err != nil {
		t.Fatalf("DecodeTree: %v", err)
	}
	arr, ok := ins.(Array)
	if !ok || len(arr.Elems) != 2 {
		t.Fatalf("got %#v", ins)
	}
	if lit, ok := arr.Elems[0].(Literal); !ok || lit.Value != "export" {
		t.Errorf("element 0: %#v", arr.Elems[0])
	}
}

func TestDecodeTree_BadShapes(t *testing.T) {
	cases := []struct {
		name string
		tree any
	}{
		{"unknown tag", []any{"warp", 1.0}},
		{"bigint non-decimal", []any{"bigint", "12x"}},
		{"bigint arity", []any{"bigint"}},
		{"date non-number", []any{"date", "now"}},
		{"bytes bad base64", []any{"bytes", "!!"}},
		{"error arity", []any{"error", "type"}},
		{"pipeline bad path", []any{"pipeline", 0.0, "foo"}},
		{"pipeline forbidden path", []any{"pipeline", 0.0, []any{"__proto__"}}},
		{"remap arity", []any{"remap", 0.0, []any{}}},
		{"remap empty body", []any{"remap", 0.0, []any{}, []any{}, []any{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeTree(tc.tree); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestDecodeTree_NumberShapes(t *testing.T) {
	// CBOR and json.Number produce different numeric types; all normalize.
	for _, v := range []any{int64(3), uint64(3), 3.0, json.Number("3")} {
		ins, err := DecodeTree([]any{"import", v})
		if err != nil {
			t.Fatalf("DecodeTree(%T): %v", v, err)
		}
		if ref, ok := ins.(Import); !ok || ref.ID != 3 {
			t.Errorf("%T: got %#v", v, ins)
		}
	}
}
