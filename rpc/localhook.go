package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// disposeGuard enforces the one-dispose-per-reference contract.
type disposeGuard struct {
	mu   sync.Mutex
	done bool
}

func (g *disposeGuard) trip() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done {
		panic("rpc: hook disposed twice")
	}
	g.done = true
}

// ---------------------------------------------------------------------------
// TargetHook: local application objects
// ---------------------------------------------------------------------------

// targetCore is the shared state behind every reference to one local
// target. onRelease runs when the last reference drops.
type targetCore struct {
	target    Target
	refs      atomic.Int64
	onRelease func()
}

func (c *targetCore) release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("rpc: target hook disposed twice")
	}
	if n == 0 && c.onRelease != nil {
		c.onRelease()
	}
}

// TargetHook is the hook over a local application target.
type TargetHook struct {
	core  *targetCore
	path  Path
	guard disposeGuard
}

// NewTargetHook wraps an application target as a hook.
func NewTargetHook(t Target) *TargetHook {
	core := &targetCore{target: t}
	core.refs.Store(1)
	return &TargetHook{core: core}
}

// SetOnRelease installs a callback run when the last reference to the
// underlying target drops. Used by sessions to unpin exported targets.
func (h *TargetHook) SetOnRelease(fn func()) { h.core.onRelease = fn }

func (h *TargetHook) Dup() Hook {
	h.core.refs.Add(1)
	return &TargetHook{core: h.core, path: h.path}
}

func (h *TargetHook) Dispose() {
	h.guard.trip()
	h.core.release()
}

func (h *TargetHook) Get(path Path) Hook {
	if len(path) == 0 {
		return h.Dup()
	}
	h.core.refs.Add(1)
	return &TargetHook{core: h.core, path: h.path.Append(path)}
}

func (h *TargetHook) Call(path Path, args *Payload) Hook {
	full := h.path.Append(path)
	if err := full.Validate(); err != nil {
		if args != nil {
			args.Dispose()
		}
		return NewErrorHook(err)
	}
	core := h.core
	core.refs.Add(1)
	return NewTaskHook(func(ctx context.Context) (*Payload, error) {
		defer core.release()
		var argv []any
		if args != nil {
			if a, ok := args.Value.([]any); ok {
				argv = a
			} else if args.Value != nil {
				argv = []any{args.Value}
			}
		}
		res, err := core.target.Call(ctx, full, argv)
		if args != nil {
			args.Dispose()
		}
		if err != nil {
			return nil, AsErrorValue(err)
		}
		return NewPayload(res), nil
	})
}

func (h *TargetHook) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	full := h.path.Append(path)
	core := h.core
	core.refs.Add(1)
	return NewTaskHook(func(ctx context.Context) (*Payload, error) {
		defer core.release()
		input, err := core.target.Get(ctx, full)
		if err != nil {
			disposeAll(captures)
			return nil, AsErrorValue(err)
		}
		return ApplyMap(ctx, input, captures, instructions)
	})
}

func (h *TargetHook) Pull(ctx context.Context) (*Payload, error) {
	if err := h.path.Validate(); err != nil {
		return nil, err
	}
	v, err := h.core.target.Get(ctx, h.path)
	if err != nil {
		return nil, AsErrorValue(err)
	}
	return NewPayload(v), nil
}

func (h *TargetHook) OnBroken(fn func(error)) {
	// Local targets outlive the session; they never break on their own.
}

// FuncTarget adapts a bare function to the Target interface. Get exposes
// nothing; only a root call is meaningful.
type FuncTarget func(ctx context.Context, args []any) (any, error)

func (f FuncTarget) Get(ctx context.Context, path Path) (any, error) {
	if len(path) != 0 {
		return nil, &ErrorValue{Kind: KindType, Message: fmt.Sprintf("function has no property %q", path.String())}
	}
	return Undefined{}, nil
}

func (f FuncTarget) Call(ctx context.Context, path Path, args []any) (any, error) {
	if len(path) != 0 {
		return nil, &ErrorValue{Kind: KindType, Message: fmt.Sprintf("function has no method %q", path.String())}
	}
	return f(ctx, args)
}

// ---------------------------------------------------------------------------
// taskHook: eventual results
// ---------------------------------------------------------------------------

// taskCore drives one asynchronous operation and holds its future.
type taskCore struct {
	fut    *Future
	cancel context.CancelFunc
	refs   atomic.Int64

	mu        sync.Mutex
	broken    []func(error)
	brokenErr error
}

func (c *taskCore) release() {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("rpc: task hook disposed twice")
	}
	if n == 0 {
		c.cancel()
	}
}

func (c *taskCore) settleBroken(err error) {
	if !errors.Is(err, ErrBroken) {
		return
	}
	c.mu.Lock()
	cbs := c.broken
	c.broken = nil
	c.brokenErr = err
	c.mu.Unlock()
	for _, fn := range cbs {
		fn(err)
	}
}

// taskHook is the hook over an in-flight operation. Get derives sub-paths
// without waiting; Pull awaits the result.
type taskHook struct {
	core  *taskCore
	path  Path
	guard disposeGuard
}

// NewTaskHook runs fn on its own goroutine and returns a hook for the
// eventual result. Disposing the last reference cancels fn's context.
func NewTaskHook(fn func(ctx context.Context) (*Payload, error)) Hook {
	ctx, cancel := context.WithCancel(context.Background())
	core := &taskCore{fut: NewFuture(), cancel: cancel}
	core.refs.Store(1)
	go func() {
		p, err := fn(ctx)
		if err != nil {
			core.fut.Reject(err)
			core.settleBroken(err)
			return
		}
		core.fut.Resolve(p)
	}()
	return &taskHook{core: core}
}

// NewResolvedHook returns a task hook already settled with a payload.
func NewResolvedHook(p *Payload) Hook {
	core := &taskCore{fut: NewFuture(), cancel: func() {}}
	core.refs.Store(1)
	core.fut.Resolve(p)
	return &taskHook{core: core}
}

func (h *taskHook) Dup() Hook {
	h.core.refs.Add(1)
	return &taskHook{core: h.core, path: h.path}
}

func (h *taskHook) Dispose() {
	h.guard.trip()
	h.core.release()
}

func (h *taskHook) Get(path Path) Hook {
	if len(path) == 0 {
		return h.Dup()
	}
	h.core.refs.Add(1)
	return &taskHook{core: h.core, path: h.path.Append(path)}
}

func (h *taskHook) Call(path Path, args *Payload) Hook {
	core := h.core
	core.refs.Add(1)
	at := h.path
	return NewTaskHook(func(ctx context.Context) (*Payload, error) {
		defer core.release()
		res, err := core.fut.Await(ctx)
		if err != nil {
			if args != nil {
				args.Dispose()
			}
			return nil, err
		}
		ph := payloadHookAt(res.Clone(), at)
		result := ph.Call(path, args)
		ph.Dispose()
		defer result.Dispose()
		return result.Pull(ctx)
	})
}

func (h *taskHook) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	core := h.core
	core.refs.Add(1)
	at := h.path
	return NewTaskHook(func(ctx context.Context) (*Payload, error) {
		defer core.release()
		res, err := core.fut.Await(ctx)
		if err != nil {
			disposeAll(captures)
			return nil, err
		}
		ph := payloadHookAt(res.Clone(), at)
		result := ph.Map(path, captures, instructions)
		ph.Dispose()
		defer result.Dispose()
		return result.Pull(ctx)
	})
}

func (h *taskHook) Pull(ctx context.Context) (*Payload, error) {
	res, err := h.core.fut.Await(ctx)
	if err != nil {
		return nil, err
	}
	if len(h.path) == 0 {
		return res.Clone(), nil
	}
	ph := payloadHookAt(res.Clone(), h.path)
	defer ph.Dispose()
	return ph.Pull(ctx)
}

func (h *taskHook) OnBroken(fn func(error)) {
	c := h.core
	c.mu.Lock()
	if c.brokenErr != nil {
		err := c.brokenErr
		c.mu.Unlock()
		fn(err)
		return
	}
	c.broken = append(c.broken, fn)
	c.mu.Unlock()
}

// ---------------------------------------------------------------------------
// errorHook: permanently failed capabilities
// ---------------------------------------------------------------------------

// errorHook stands in for a capability that is already known dead or whose
// construction failed.
type errorHook struct {
	err   error
	guard disposeGuard
}

// NewErrorHook returns a hook permanently settled with err.
func NewErrorHook(err error) Hook {
	return &errorHook{err: err}
}

// NewBrokenHook returns a hook broken by cause; OnBroken handlers fire
// immediately.
func NewBrokenHook(cause error) Hook {
	return &errorHook{err: Broken(cause)}
}

func (h *errorHook) Dup() Hook { return &errorHook{err: h.err} }

func (h *errorHook) Dispose() { h.guard.trip() }

func (h *errorHook) Get(path Path) Hook { return h.Dup() }

func (h *errorHook) Call(path Path, args *Payload) Hook {
	if args != nil {
		args.Dispose()
	}
	return h.Dup()
}

func (h *errorHook) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	disposeAll(captures)
	return h.Dup()
}

func (h *errorHook) Pull(ctx context.Context) (*Payload, error) {
	return nil, h.err
}

func (h *errorHook) OnBroken(fn func(error)) {
	fn(h.err)
}
