package rpc

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"time"
)

// Devaluate lowers a host value to an instruction tree. The value is
// borrowed: hooks met along the way are handed to the exporter, which dups
// whatever it needs to keep, and ownership of the input stays with the
// caller.
func Devaluate(v any, ex Exporter) (Instruction, error) {
	switch x := v.(type) {
	case nil:
		return Literal{Value: nil}, nil
	case bool:
		return Literal{Value: x}, nil
	case string:
		return Literal{Value: x}, nil
	case Undefined:
		return Special{Kind: SpecialUndefined}, nil
	case *big.Int:
		return BigInt{Value: x}, nil
	case time.Time:
		return Date{Millis: x.UnixMilli()}, nil
	case []byte:
		return Bytes{Data: x}, nil
	case *ErrorValue:
		return ErrorInstr{Kind: x.Kind, Message: x.Message, Stack: x.Stack}, nil
	case map[string]any:
		return devaluateObject(x, ex)
	case []any:
		return devaluateArray(x, ex)
	case *Stub:
		return ex.ExportHook(x.hook, false)
	case *Promise:
		return ex.ExportHook(x.hook, true)
	case Hook:
		return ex.ExportHook(x, true)
	case error:
		e := AsErrorValue(x)
		return ErrorInstr{Kind: e.Kind, Message: e.Message, Stack: e.Stack}, nil
	}
	if f, ok := widenNumber(v); ok {
		switch {
		case math.IsInf(f, 1):
			return Special{Kind: SpecialInf}, nil
		case math.IsInf(f, -1):
			return Special{Kind: SpecialNegInf}, nil
		case math.IsNaN(f):
			return Special{Kind: SpecialNaN}, nil
		}
		return Literal{Value: f}, nil
	}
	return nil, fmt.Errorf("rpc: cannot devaluate %T", v)
}

func devaluateObject(m map[string]any, ex Exporter) (Instruction, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	obj := Object{}
	for _, k := range keys {
		if ForbiddenKey(k) {
			// Dropped key; its hooks stay with the owning payload.
			continue
		}
		ins, err := Devaluate(m[k], ex)
		if err != nil {
			return nil, err
		}
		obj.Keys = append(obj.Keys, k)
		obj.Values = append(obj.Values, ins)
	}
	return obj, nil
}

func devaluateArray(a []any, ex Exporter) (Instruction, error) {
	arr := Array{Elems: make([]Instruction, len(a))}
	for i, e := range a {
		ins, err := Devaluate(e, ex)
		if err != nil {
			return nil, err
		}
		arr.Elems[i] = ins
	}
	return arr, nil
}

// Evaluate raises an instruction tree back into a payload. Hooks created
// along the way (via the importer) are owned by the returned payload; on
// error every hook already created is disposed before returning.
func Evaluate(ins Instruction, im Importer) (*Payload, error) {
	v, err := eval(ins, im)
	if err != nil {
		return nil, err
	}
	return NewPayload(v), nil
}

// EvaluateArgs evaluates an argument list into a payload holding []any,
// preserving element order.
func EvaluateArgs(args []Instruction, im Importer) (*Payload, error) {
	out := make([]any, 0, len(args))
	for _, a := range args {
		v, err := eval(a, im)
		if err != nil {
			disposeValueHooks(out)
			return nil, err
		}
		out = append(out, v)
	}
	return NewPayload(out), nil
}

func eval(ins Instruction, im Importer) (any, error) {
	switch x := ins.(type) {
	case Literal:
		return x.Value, nil
	case Special:
		switch x.Kind {
		case SpecialInf:
			return math.Inf(1), nil
		case SpecialNegInf:
			return math.Inf(-1), nil
		case SpecialNaN:
			return math.NaN(), nil
		default:
			return Undefined{}, nil
		}
	case BigInt:
		return x.Value, nil
	case Date:
		return timeFromMillis(x.Millis), nil
	case Bytes:
		return x.Data, nil
	case ErrorInstr:
		return &ErrorValue{Kind: x.Kind, Message: x.Message, Stack: x.Stack}, nil
	case Object:
		return evalObject(x, im)
	case Array:
		return evalArray(x, im)
	case Export:
		h, err := im.ImportHook(x.ID)
		if err != nil {
			return nil, err
		}
		if x.Promise {
			return NewPromise(h), nil
		}
		return NewStub(h), nil
	case Import:
		h, err := im.LookupImport(x.ID)
		if err != nil {
			return nil, err
		}
		return NewStub(h), nil
	case Pipeline:
		h, err := im.PipelineHook(x.Subject, x.Path, x.Args, x.HasArgs)
		if err != nil {
			return nil, err
		}
		return NewPromise(h), nil
	case Remap:
		h, err := im.RemapHook(x.Subject, x.Path, x.Captures, x.Body)
		if err != nil {
			return nil, err
		}
		return NewPromise(h), nil
	default:
		return nil, protocolErrorf("unknown instruction %T", ins)
	}
}

func evalObject(obj Object, im Importer) (any, error) {
	m := make(map[string]any, len(obj.Keys))
	for i, k := range obj.Keys {
		v, err := eval(obj.Values[i], im)
		if err != nil {
			disposeValueHooks(m)
			return nil, err
		}
		if ForbiddenKey(k) {
			// Drop the key, but the contents were evaluated: release any
			// hooks they produced exactly once.
			disposeValueHooks(v)
			continue
		}
		m[k] = v
	}
	return m, nil
}

func evalArray(arr Array, im Importer) (any, error) {
	out := make([]any, 0, len(arr.Elems))
	for _, e := range arr.Elems {
		v, err := eval(e, im)
		if err != nil {
			disposeValueHooks(out)
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
