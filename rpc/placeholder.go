package rpc

import "context"

// Var is the abstract placeholder handed to a map callback in place of
// real data. It exposes only recording operations: property access and
// method calls, each returning a new placeholder. It holds no resource, so
// Dup and Dispose are no-ops.
//
// Index 0 is the map's input; positive indexes are results of prior
// recorded instructions; negative indexes are enclosing-scope captures.
type Var struct {
	b   *Builder
	idx int64
}

// Prop records a property access and returns the placeholder for its
// value. Prop("a", 2, "b") addresses a[2].b.
func (v *Var) Prop(elems ...any) *Var {
	return v.b.pushGet(v.idx, P(elems...))
}

// Invoke records a method call and returns the placeholder for its
// result. Arguments may be ordinary values, other placeholders, or
// enclosing-scope hooks (which become captures).
func (v *Var) Invoke(method string, args ...any) *Var {
	return v.b.pushCall(v.idx, P(method), args)
}

// InvokeSelf records calling the placeholder itself as a function.
func (v *Var) InvokeSelf(args ...any) *Var {
	return v.b.pushCall(v.idx, nil, args)
}

// Use brings an enclosing-scope hook into the recording, returning a
// placeholder that records operations against it.
func (v *Var) Use(h Hook) *Var {
	return v.b.Capture(h)
}

// ---------------------------------------------------------------------------
// Hook interface
// ---------------------------------------------------------------------------

func (v *Var) Dup() Hook { return v }

func (v *Var) Dispose() {}

func (v *Var) Get(path Path) Hook {
	if len(path) == 0 {
		return v
	}
	return v.b.pushGet(v.idx, path)
}

func (v *Var) Call(path Path, args *Payload) Hook {
	var argv []any
	if args != nil {
		if a, ok := args.Value.([]any); ok {
			argv = a
		} else if args.Value != nil {
			argv = []any{args.Value}
		}
	}
	out := v.b.pushCall(v.idx, path, argv)
	if args != nil {
		args.Dispose()
	}
	return out
}

func (v *Var) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	disposeAll(captures)
	panic(&MapMisuseError{Detail: "cannot remap the placeholder directly; nest a recording instead"})
}

func (v *Var) Pull(ctx context.Context) (*Payload, error) {
	return nil, &MapMisuseError{Detail: "map callbacks cannot be asynchronous"}
}

func (v *Var) OnBroken(fn func(error)) {
	panic(&MapMisuseError{Detail: "map callbacks cannot attach broken-handlers"})
}
