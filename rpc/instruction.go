package rpc

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sort"
)

// Instruction is the sealed variant of the codec's instruction tree. Leaf
// primitives pass through as Literal; everything else is a tagged form.
//
// The wire form is the textual array grammar: primitives are themselves,
// tagged forms are arrays whose first element is the tag string, and
// literal arrays that would collide with tagged forms are wrapped in one
// more array.
type Instruction interface {
	instruction()
}

// Literal carries nil, bool, finite float64, or string unchanged.
type Literal struct {
	Value any
}

// SpecialKind enumerates the non-finite and absent-value tags.
type SpecialKind int

const (
	SpecialUndefined SpecialKind = iota
	SpecialInf
	SpecialNegInf
	SpecialNaN
)

// Special carries undefined, inf, -inf, or nan.
type Special struct {
	Kind SpecialKind
}

// BigInt carries an arbitrary-width integer as decimal text on the wire.
type BigInt struct {
	Value *big.Int
}

// Date carries a timestamp at millisecond precision.
type Date struct {
	Millis int64
}

// Bytes carries a byte buffer, base64 on the wire.
type Bytes struct {
	Data []byte
}

// ErrorInstr carries a transportable error.
type ErrorInstr struct {
	Kind    ErrorKind
	Message string
	Stack   string
}

// Object is a recursive mapping. Keys is kept sorted so encoding is
// deterministic.
type Object struct {
	Keys   []string
	Values []Instruction
}

// Array is a recursive ordered sequence.
type Array struct {
	Elems []Instruction
}

// Export introduces a new capability from the sender under ID.
type Export struct {
	ID      int64
	Promise bool
}

// Import references a capability the receiver already has authority over:
// an entry in its export table, or, during map replay, a variable
// (ID >= 0) or a capture (ID < 0).
type Import struct {
	ID int64
}

// Pipeline is an operation on a not-yet-resolved subject: a property
// access, or a method call when HasArgs is set.
type Pipeline struct {
	Subject int64
	Path    Path
	Args    []Instruction
	HasArgs bool
}

// Remap installs a recorded transform on Subject at Path. Captures are
// reference instructions resolved in the enclosing scope; Body is the
// recorded instruction list, terminator last.
type Remap struct {
	Subject  int64
	Path     Path
	Captures []Instruction
	Body     []Instruction
}

func (Literal) instruction()    {}
func (Special) instruction()    {}
func (BigInt) instruction()     {}
func (Date) instruction()       {}
func (Bytes) instruction()      {}
func (ErrorInstr) instruction() {}
func (Object) instruction()     {}
func (Array) instruction()      {}
func (Export) instruction()     {}
func (Import) instruction()     {}
func (Pipeline) instruction()   {}
func (Remap) instruction()      {}

// ---------------------------------------------------------------------------
// Wire tree encoding
// ---------------------------------------------------------------------------

// EncodeTree lowers an instruction to the generic tree handed to the frame
// marshaler: JSON-ish maps, slices, strings, and float64s.
func EncodeTree(ins Instruction) any {
	switch x := ins.(type) {
	case Literal:
		return x.Value
	case Special:
		switch x.Kind {
		case SpecialInf:
			return []any{"inf"}
		case SpecialNegInf:
			return []any{"-inf"}
		case SpecialNaN:
			return []any{"nan"}
		default:
			return []any{"undefined"}
		}
	case BigInt:
		return []any{"bigint", x.Value.String()}
	case Date:
		return []any{"date", float64(x.Millis)}
	case Bytes:
		return []any{"bytes", base64.StdEncoding.EncodeToString(x.Data)}
	case ErrorInstr:
		if x.Stack != "" {
			return []any{"error", string(x.Kind), x.Message, x.Stack}
		}
		return []any{"error", string(x.Kind), x.Message}
	case Object:
		m := make(map[string]any, len(x.Keys))
		for i, k := range x.Keys {
			m[k] = EncodeTree(x.Values[i])
		}
		return m
	case Array:
		elems := make([]any, len(x.Elems))
		for i, e := range x.Elems {
			elems[i] = EncodeTree(e)
		}
		return escapeArray(elems)
	case Export:
		if x.Promise {
			return []any{"export", float64(x.ID), true}
		}
		return []any{"export", float64(x.ID)}
	case Import:
		return []any{"import", float64(x.ID)}
	case Pipeline:
		out := []any{"pipeline", float64(x.Subject), encodePath(x.Path)}
		if x.HasArgs {
			args := make([]any, len(x.Args))
			for i, a := range x.Args {
				args[i] = EncodeTree(a)
			}
			out = append(out, args)
		}
		return out
	case Remap:
		caps := make([]any, len(x.Captures))
		for i, c := range x.Captures {
			caps[i] = EncodeTree(c)
		}
		body := make([]any, len(x.Body))
		for i, b := range x.Body {
			body[i] = EncodeTree(b)
		}
		return []any{"remap", float64(x.Subject), encodePath(x.Path), caps, body}
	default:
		panic(fmt.Sprintf("rpc: unknown instruction %T", ins))
	}
}

// escapeArray wraps an encoded literal array when its plain form would be
// read back as a tagged instruction: a string in head position, or a
// single element that is itself an array.
func escapeArray(elems []any) []any {
	if len(elems) == 0 {
		return elems
	}
	if _, isStr := elems[0].(string); isStr {
		return []any{elems}
	}
	if len(elems) == 1 {
		if _, isArr := elems[0].([]any); isArr {
			return []any{elems}
		}
	}
	return elems
}

// DecodeTree parses the generic tree form back into an instruction.
// Unknown tags and malformed shapes are protocol violations.
func DecodeTree(v any) (Instruction, error) {
	switch x := v.(type) {
	case nil:
		return Literal{Value: nil}, nil
	case bool, string:
		return Literal{Value: x}, nil
	case map[string]any:
		return decodeObjectTree(x)
	case []any:
		return decodeArrayTree(x)
	default:
		if f, ok := asFloat64(v); ok {
			return Literal{Value: f}, nil
		}
		return nil, protocolErrorf("unsupported wire value %T", v)
	}
}

func decodeObjectTree(m map[string]any) (Instruction, error) {
	obj := Object{}
	for _, k := range sortedKeys(m) {
		ins, err := DecodeTree(m[k])
		if err != nil {
			return nil, err
		}
		obj.Keys = append(obj.Keys, k)
		obj.Values = append(obj.Values, ins)
	}
	return obj, nil
}

func decodeArrayTree(arr []any) (Instruction, error) {
	// Escaped literal array: a single element that is itself an array.
	if len(arr) == 1 {
		if inner, ok := arr[0].([]any); ok {
			return decodeLiteralArray(inner)
		}
	}
	if len(arr) == 0 {
		return Array{}, nil
	}
	tag, ok := arr[0].(string)
	if !ok {
		return decodeLiteralArray(arr)
	}
	switch tag {
	case "undefined":
		return Special{Kind: SpecialUndefined}, nil
	case "inf":
		return Special{Kind: SpecialInf}, nil
	case "-inf":
		return Special{Kind: SpecialNegInf}, nil
	case "nan":
		return Special{Kind: SpecialNaN}, nil
	case "bigint":
		if len(arr) != 2 {
			return nil, protocolErrorf("bigint wants 1 argument, got %d", len(arr)-1)
		}
		s, ok := arr[1].(string)
		if !ok {
			return nil, protocolErrorf("bigint argument must be a string")
		}
		n, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, protocolErrorf("bad bigint literal %q", s)
		}
		return BigInt{Value: n}, nil
	case "date":
		if len(arr) != 2 {
			return nil, protocolErrorf("date wants 1 argument, got %d", len(arr)-1)
		}
		ms, ok := asInt64(arr[1])
		if !ok {
			return nil, protocolErrorf("date argument must be a number")
		}
		return Date{Millis: ms}, nil
	case "bytes":
		if len(arr) != 2 {
			return nil, protocolErrorf("bytes wants 1 argument, got %d", len(arr)-1)
		}
		s, ok := arr[1].(string)
		if !ok {
			return nil, protocolErrorf("bytes argument must be a string")
		}
		data, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, protocolErrorf("bad base64 in bytes: %v", err)
		}
		return Bytes{Data: data}, nil
	case "error":
		if len(arr) < 3 || len(arr) > 4 {
			return nil, protocolErrorf("error wants 2 or 3 arguments, got %d", len(arr)-1)
		}
		kind, ok1 := arr[1].(string)
		msg, ok2 := arr[2].(string)
		if !ok1 || !ok2 {
			return nil, protocolErrorf("error arguments must be strings")
		}
		e := ErrorInstr{Kind: ErrorKindOf(kind), Message: msg}
		if len(arr) == 4 {
			stack, ok := arr[3].(string)
			if !ok {
				return nil, protocolErrorf("error stack must be a string")
			}
			e.Stack = stack
		}
		return e, nil
	case "export":
		if len(arr) < 2 || len(arr) > 3 {
			return nil, protocolErrorf("export wants 1 or 2 arguments, got %d", len(arr)-1)
		}
		id, ok := asInt64(arr[1])
		if !ok {
			return nil, protocolErrorf("export id must be a number")
		}
		e := Export{ID: id}
		if len(arr) == 3 {
			b, ok := arr[2].(bool)
			if !ok {
				return nil, protocolErrorf("export promise flag must be a bool")
			}
			e.Promise = b
		}
		return e, nil
	case "import":
		if len(arr) != 2 {
			return nil, protocolErrorf("import wants 1 argument, got %d", len(arr)-1)
		}
		id, ok := asInt64(arr[1])
		if !ok {
			return nil, protocolErrorf("import id must be a number")
		}
		return Import{ID: id}, nil
	case "pipeline":
		if len(arr) < 3 || len(arr) > 4 {
			return nil, protocolErrorf("pipeline wants 2 or 3 arguments, got %d", len(arr)-1)
		}
		subject, ok := asInt64(arr[1])
		if !ok {
			return nil, protocolErrorf("pipeline subject must be a number")
		}
		path, err := decodePath(arr[2])
		if err != nil {
			return nil, err
		}
		p := Pipeline{Subject: subject, Path: path}
		if len(arr) == 4 {
			argsArr, ok := arr[3].([]any)
			if !ok {
				return nil, protocolErrorf("pipeline args must be an array")
			}
			p.HasArgs = true
			p.Args = make([]Instruction, len(argsArr))
			for i, a := range argsArr {
				ins, err := DecodeTree(a)
				if err != nil {
					return nil, err
				}
				p.Args[i] = ins
			}
		}
		return p, nil
	case "remap":
		if len(arr) != 5 {
			return nil, protocolErrorf("remap wants 4 arguments, got %d", len(arr)-1)
		}
		subject, ok := asInt64(arr[1])
		if !ok {
			return nil, protocolErrorf("remap subject must be a number")
		}
		path, err := decodePath(arr[2])
		if err != nil {
			return nil, err
		}
		capsArr, ok := arr[3].([]any)
		if !ok {
			return nil, protocolErrorf("remap captures must be an array")
		}
		bodyArr, ok := arr[4].([]any)
		if !ok {
			return nil, protocolErrorf("remap body must be an array")
		}
		r := Remap{Subject: subject, Path: path}
		for _, c := range capsArr {
			ins, err := DecodeTree(c)
			if err != nil {
				return nil, err
			}
			r.Captures = append(r.Captures, ins)
		}
		for _, b := range bodyArr {
			ins, err := DecodeTree(b)
			if err != nil {
				return nil, err
			}
			r.Body = append(r.Body, ins)
		}
		if len(r.Body) == 0 {
			return nil, protocolErrorf("remap body is empty")
		}
		return r, nil
	default:
		return nil, protocolErrorf("unknown instruction tag %q", tag)
	}
}

func decodeLiteralArray(arr []any) (Instruction, error) {
	out := Array{Elems: make([]Instruction, len(arr))}
	for i, e := range arr {
		ins, err := DecodeTree(e)
		if err != nil {
			return nil, err
		}
		out.Elems[i] = ins
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Number normalization
// ---------------------------------------------------------------------------

// asInt64 accepts the numeric shapes different unmarshalers produce.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
