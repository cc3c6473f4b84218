package rpc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Payload is an owned value bundle: a value plus every hook discovered
// inside it. The payload owns those hooks; disposing the payload disposes
// them all. Payloads transfer by move; Clone is the explicit deep copy.
type Payload struct {
	Value any

	disposed atomic.Bool
}

// NewPayload takes ownership of a value and the hooks inside it.
func NewPayload(v any) *Payload {
	return &Payload{Value: v}
}

// Dispose releases every hook contained in the payload. Disposing twice
// panics, matching the hook ownership contract.
func (p *Payload) Dispose() {
	if p == nil {
		return
	}
	if p.disposed.Swap(true) {
		panic("rpc: payload disposed twice")
	}
	disposeValueHooks(p.Value)
}

// Clone deep-copies the payload, duplicating interior hooks. The clone is
// independently owned.
func (p *Payload) Clone() *Payload {
	return NewPayload(copyValue(p.Value))
}

// Hooks returns the hooks currently reachable inside the payload. The
// hooks remain owned by the payload.
func (p *Payload) Hooks() []Hook {
	return collectValueHooks(p.Value, nil)
}

// StubHook returns the payload's hook if the payload is exactly one stub
// or promise with nothing around it.
func (p *Payload) StubHook() (Hook, bool) {
	switch x := p.Value.(type) {
	case *Stub:
		return x.hook, true
	case *Promise:
		return x.hook, true
	}
	return nil, false
}

// Take moves the value out of the payload. The caller becomes the owner of
// the value and its hooks; the payload is left empty and disposing it is a
// no-op thereafter.
func (p *Payload) Take() any {
	v := p.Value
	p.Value = nil
	return v
}

// TakeStubHook moves the hook out of a single-stub payload. ok is false,
// and the payload untouched, when the payload is anything else.
func (p *Payload) TakeStubHook() (Hook, bool) {
	h, ok := p.StubHook()
	if !ok {
		return nil, false
	}
	p.Value = nil
	p.disposed.Store(true)
	return h, true
}

// ---------------------------------------------------------------------------
// payloadHook: a hook over owned data
// ---------------------------------------------------------------------------

// payloadCore is the shared state behind payload hooks. The last reference
// to drop disposes the payload.
type payloadCore struct {
	payload *Payload
	refs    atomic.Int64
}

func (c *payloadCore) release() {
	if n := c.refs.Add(-1); n == 0 {
		c.payload.Dispose()
	} else if n < 0 {
		panic("rpc: payload hook disposed twice")
	}
}

// payloadHook addresses a path inside an owned payload. Get extends the
// path without touching the data; Pull copies the addressed sub-value out.
type payloadHook struct {
	core *payloadCore
	path Path

	mu       sync.Mutex
	disposed bool
}

// NewPayloadHook wraps a payload as a hook. Ownership of the payload moves
// to the hook.
func NewPayloadHook(p *Payload) Hook {
	return payloadHookAt(p, nil)
}

// payloadHookAt wraps a payload as a hook already addressing path.
func payloadHookAt(p *Payload, path Path) Hook {
	core := &payloadCore{payload: p}
	core.refs.Store(1)
	return &payloadHook{core: core, path: path}
}

func (h *payloadHook) Dup() Hook {
	h.core.refs.Add(1)
	return &payloadHook{core: h.core, path: h.path}
}

func (h *payloadHook) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		panic("rpc: hook disposed twice")
	}
	h.disposed = true
	h.mu.Unlock()
	h.core.release()
}

func (h *payloadHook) Get(path Path) Hook {
	if len(path) == 0 {
		return h.Dup()
	}
	h.core.refs.Add(1)
	return &payloadHook{core: h.core, path: h.path.Append(path)}
}

func (h *payloadHook) Call(path Path, args *Payload) Hook {
	full := h.path.Append(path)
	target, rest, err := h.locate(full)
	if err != nil {
		if args != nil {
			args.Dispose()
		}
		return NewErrorHook(err)
	}
	if target != nil {
		defer target.Dispose()
		return target.Call(rest, args)
	}
	if args != nil {
		args.Dispose()
	}
	return NewErrorHook(&ErrorValue{
		Kind:    KindType,
		Message: fmt.Sprintf("value at %q is not callable", full.String()),
	})
}

func (h *payloadHook) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	full := h.path.Append(path)
	target, rest, err := h.locate(full)
	if err != nil {
		disposeAll(captures)
		return NewErrorHook(err)
	}
	if target != nil {
		defer target.Dispose()
		return target.Map(rest, captures, instructions)
	}
	self := h.Dup().(*payloadHook)
	return NewTaskHook(func(ctx context.Context) (*Payload, error) {
		defer self.Dispose()
		input, err := self.valueAt(full)
		if err != nil {
			disposeAll(captures)
			return nil, err
		}
		return ApplyMap(ctx, input, captures, instructions)
	})
}

func (h *payloadHook) Pull(ctx context.Context) (*Payload, error) {
	target, rest, err := h.locate(h.path)
	if err != nil {
		return nil, err
	}
	if target != nil {
		defer target.Dispose()
		if len(rest) > 0 {
			sub := target.Get(rest)
			defer sub.Dispose()
			return sub.Pull(ctx)
		}
		return target.Pull(ctx)
	}
	v, err := h.valueAt(h.path)
	if err != nil {
		return nil, err
	}
	return NewPayload(copyValue(v)), nil
}

func (h *payloadHook) OnBroken(fn func(error)) {
	// Owned data cannot break.
}

// locate walks the payload down path. If it lands on an embedded hook with
// path left over (or exactly on one), it returns a hook addressing the
// remainder; otherwise it returns nils and the caller reads the value
// directly.
func (h *payloadHook) locate(path Path) (Hook, Path, error) {
	if err := path.Validate(); err != nil {
		return nil, nil, err
	}
	v := h.core.payload.Value
	for i, e := range path {
		switch x := v.(type) {
		case *Stub:
			return x.hook.Dup(), path[i:], nil
		case *Promise:
			return x.hook.Dup(), path[i:], nil
		case map[string]any:
			if e.IsIndex {
				return nil, nil, fmt.Errorf("rpc: index %d into object at %q", e.Index, path[:i].String())
			}
			v = x[e.Key]
		case []any:
			if !e.IsIndex {
				return nil, nil, fmt.Errorf("rpc: key %q into array at %q", e.Key, path[:i].String())
			}
			if e.Index >= len(x) {
				return nil, nil, fmt.Errorf("rpc: index %d out of range at %q", e.Index, path[:i].String())
			}
			v = x[e.Index]
		default:
			return nil, nil, fmt.Errorf("rpc: cannot descend into %T at %q", v, path[:i].String())
		}
	}
	switch x := v.(type) {
	case *Stub:
		return x.hook.Dup(), nil, nil
	case *Promise:
		return x.hook.Dup(), nil, nil
	}
	return nil, nil, nil
}

// valueAt reads the raw value at path, without entering embedded hooks.
func (h *payloadHook) valueAt(path Path) (any, error) {
	v := h.core.payload.Value
	for i, e := range path {
		switch x := v.(type) {
		case map[string]any:
			if e.IsIndex {
				return nil, fmt.Errorf("rpc: index %d into object at %q", e.Index, path[:i].String())
			}
			v = x[e.Key]
		case []any:
			if !e.IsIndex {
				return nil, fmt.Errorf("rpc: key %q into array at %q", e.Key, path[:i].String())
			}
			if e.Index >= len(x) {
				return nil, fmt.Errorf("rpc: index %d out of range at %q", e.Index, path[:i].String())
			}
			v = x[e.Index]
		default:
			return nil, fmt.Errorf("rpc: cannot descend into %T at %q", v, path[:i].String())
		}
	}
	return v, nil
}

func disposeAll(hooks []Hook) {
	for _, h := range hooks {
		h.Dispose()
	}
}
