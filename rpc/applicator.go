package rpc

import (
	"context"
	"fmt"
)

// applicator replays a recorded instruction list against concrete data.
// It is the Importer used while evaluating the recording: variable
// references resolve positionally, capture references resolve into the
// capture list, and introducing new exports is impossible; the builder
// already rejected local-target creation at record time.
type applicator struct {
	ctx      context.Context
	vars     []Hook
	captures []Hook
}

func (a *applicator) ImportHook(id int64) (Hook, error) {
	return nil, &MapMisuseError{Detail: "recorded callback cannot introduce exports"}
}

func (a *applicator) LookupImport(id int64) (Hook, error) {
	h, err := a.borrow(id)
	if err != nil {
		return nil, err
	}
	return h.Dup(), nil
}

func (a *applicator) borrow(id int64) (Hook, error) {
	if id >= 0 {
		if int(id) >= len(a.vars) {
			return nil, protocolErrorf("map variable %d out of range", id)
		}
		return a.vars[id], nil
	}
	k := int(-id - 1)
	if k >= len(a.captures) {
		return nil, protocolErrorf("map capture %d out of range", id)
	}
	return a.captures[k], nil
}

func (a *applicator) PipelineHook(subject int64, path Path, args []Instruction, hasArgs bool) (Hook, error) {
	subj, err := a.borrow(subject)
	if err != nil {
		return nil, err
	}
	if !hasArgs {
		return subj.Get(path), nil
	}
	argv, err := a.argValues(args)
	if err != nil {
		return nil, err
	}
	return subj.Call(path, argv), nil
}

// argValues evaluates an argument list the way direct execution would see
// it: variable references (the input or prior results) pass by value,
// captures and literals pass as they are.
func (a *applicator) argValues(args []Instruction) (*Payload, error) {
	out := make([]any, 0, len(args))
	for _, ins := range args {
		if ref, ok := ins.(Import); ok && ref.ID >= 0 {
			h, err := a.borrow(ref.ID)
			if err != nil {
				disposeValueHooks(out)
				return nil, err
			}
			p, err := h.Pull(a.ctx)
			if err != nil {
				disposeValueHooks(out)
				return nil, err
			}
			out = append(out, p.Take())
			continue
		}
		p, err := Evaluate(ins, a)
		if err != nil {
			disposeValueHooks(out)
			return nil, err
		}
		out = append(out, p.Take())
	}
	return NewPayload(out), nil
}

func (a *applicator) RemapHook(subject int64, path Path, captures []Instruction, body []Instruction) (Hook, error) {
	subj, err := a.borrow(subject)
	if err != nil {
		return nil, err
	}
	caps := make([]Hook, 0, len(captures))
	for _, c := range captures {
		p, err := Evaluate(c, a)
		if err != nil {
			disposeAll(caps)
			return nil, err
		}
		h, ok := p.TakeStubHook()
		if !ok {
			p.Dispose()
			disposeAll(caps)
			return nil, protocolErrorf("remap capture is not a reference")
		}
		caps = append(caps, h)
	}
	return subj.Map(path, caps, body), nil
}

// applyOne replays the instruction list against a single input value.
// Intermediate variables are disposed only on exit: the final result may
// contain pipelined hooks that still depend on them.
func applyOne(ctx context.Context, input any, captures []Hook, instructions []Instruction) (*Payload, error) {
	a := &applicator{
		ctx:      ctx,
		vars:     []Hook{NewPayloadHook(NewPayload(copyValue(input)))},
		captures: captures,
	}
	defer func() {
		disposeAll(a.vars)
	}()

	last := len(instructions) - 1
	for _, ins := range instructions[:last] {
		p, err := Evaluate(ins, a)
		if err != nil {
			return nil, err
		}
		// A bare reference unwraps to its hook; anything else becomes
		// addressable data.
		if h, ok := p.TakeStubHook(); ok {
			a.vars = append(a.vars, h)
		} else {
			a.vars = append(a.vars, NewPayloadHook(p))
		}
	}
	return Evaluate(instructions[last], a)
}

// settle resolves a single-reference result to its concrete value, so a
// recording ending in a pipelined call or the bare input yields the same
// payload direct execution would.
func settle(ctx context.Context, p *Payload) (*Payload, error) {
	h, ok := p.TakeStubHook()
	if !ok {
		return p, nil
	}
	defer h.Dispose()
	return h.Pull(ctx)
}

// ApplyMap replays a recording against an input value. A nil or undefined
// input passes through untouched; a sequence is mapped per element; any
// other input is mapped once. The captures are disposed exactly once when
// the call completes, regardless of outcome.
//
// The input is borrowed: elements are copied into the applicator's own
// variables.
func ApplyMap(ctx context.Context, input any, captures []Hook, instructions []Instruction) (*Payload, error) {
	defer disposeAll(captures)

	if len(instructions) == 0 {
		return nil, &MapMisuseError{Detail: "empty map recording"}
	}
	switch x := input.(type) {
	case nil:
		return NewPayload(nil), nil
	case Undefined:
		return NewPayload(Undefined{}), nil
	case *Promise:
		return nil, &MapMisuseError{Detail: "cannot map an unresolved value; pull it first"}
	case *Future:
		return nil, &MapMisuseError{Detail: "cannot map an unresolved value; pull it first"}
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			if err := ctx.Err(); err != nil {
				disposeValueHooks(out[:i])
				return nil, err
			}
			p, err := applyOne(ctx, e, captures, instructions)
			if err == nil {
				p, err = settle(ctx, p)
			}
			if err != nil {
				disposeValueHooks(out[:i])
				return nil, fmt.Errorf("rpc: map element %d: %w", i, err)
			}
			out[i] = p.Take()
		}
		return NewPayload(out), nil
	default:
		p, err := applyOne(ctx, input, captures, instructions)
		if err != nil {
			return nil, err
		}
		return settle(ctx, p)
	}
}
