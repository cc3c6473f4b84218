package session

import (
	"context"
	"errors"
	"sync"

	"github.com/chazu/loom/rpc"
	"github.com/chazu/loom/rpc/wire"
)

// importHook is the hook over one entry of the session's import table.
// While the entry is unresolved, operations pipeline: each one pushes a
// fresh id the peer computes from the pending parent. Once resolved,
// operations run against the local copy of the value.
type importHook struct {
	s *Session
	e *rpc.ImportEntry

	mu       sync.Mutex
	disposed bool
}

func (h *importHook) Dup() rpc.Hook {
	h.s.imports.AddLocalRef(h.e)
	return &importHook{s: h.s, e: h.e}
}

func (h *importHook) Dispose() {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		panic("rpc: hook disposed twice")
	}
	h.disposed = true
	h.mu.Unlock()

	releaseWire, err := h.s.imports.ReleaseLocal(h.e.ID)
	if err != nil {
		log.Errorf("session %s: import %d: %v", h.s.id, h.e.ID, err)
		return
	}
	if releaseWire > 0 {
		h.s.send(&wire.Frame{Tag: wire.TagRelease, ID: h.e.ID, Count: releaseWire})
		// The last owner left before resolution: the pull is canceled, the
		// eventual resolution is garbage, and anyone still watching sees a
		// broken capability.
		h.e.Future().Reject(rpc.Broken(errors.New("import disposed")))
	}
}

// resolvedHook returns a hook over the resolved payload, or nil while the
// entry is still pending.
func (h *importHook) resolvedHook() rpc.Hook {
	p, err, ok := h.e.Future().Peek()
	if !ok {
		return nil
	}
	if err != nil {
		return rpc.NewErrorHook(err)
	}
	return rpc.NewPayloadHook(p.Clone())
}

func (h *importHook) Get(path rpc.Path) rpc.Hook {
	if len(path) == 0 {
		return h.Dup()
	}
	if rh := h.resolvedHook(); rh != nil {
		out := rh.Get(path)
		rh.Dispose()
		return out
	}
	return h.s.pushPipeline(h.e.ID, path, nil, false)
}

func (h *importHook) Call(path rpc.Path, args *rpc.Payload) rpc.Hook {
	if rh := h.resolvedHook(); rh != nil {
		out := rh.Call(path, args)
		rh.Dispose()
		return out
	}
	return h.s.pushPipeline(h.e.ID, path, args, true)
}

func (h *importHook) Map(path rpc.Path, captures []rpc.Hook, instructions []rpc.Instruction) rpc.Hook {
	if rh := h.resolvedHook(); rh != nil {
		out := rh.Map(path, captures, instructions)
		rh.Dispose()
		return out
	}
	return h.s.pushRemap(h.e.ID, path, captures, instructions)
}

func (h *importHook) Pull(ctx context.Context) (*rpc.Payload, error) {
	if h.s.imports.MarkPulled(h.e) && !h.e.Future().Settled() {
		if err := h.s.send(&wire.Frame{Tag: wire.TagPull, ID: h.e.ID}); err != nil {
			return nil, err
		}
	}
	p, err := h.e.Future().Await(ctx)
	if err != nil {
		return nil, err
	}
	return p.Clone(), nil
}

func (h *importHook) OnBroken(fn func(error)) {
	fut := h.e.Future()
	go func() {
		<-fut.Done()
		if _, err, _ := fut.Peek(); err != nil && errors.Is(err, rpc.ErrBroken) {
			fn(err)
		}
	}()
}

// ---------------------------------------------------------------------------
// Outbound pushes
// ---------------------------------------------------------------------------

// pushPipeline allocates a fresh import and asks the peer to compute an
// operation on subject, which may still be unresolved on the peer's side.
// Ownership of args moves here.
func (s *Session) pushPipeline(subject int64, path rpc.Path, args *rpc.Payload, hasArgs bool) rpc.Hook {
	var argIns []rpc.Instruction
	if hasArgs {
		var argv []any
		if args != nil {
			if a, ok := args.Value.([]any); ok {
				argv = a
			} else if args.Value != nil {
				argv = []any{args.Value}
			}
		}
		argIns = make([]rpc.Instruction, len(argv))
		for i, a := range argv {
			ins, err := rpc.Devaluate(a, s)
			if err != nil {
				if args != nil {
					args.Dispose()
				}
				return rpc.NewErrorHook(err)
			}
			argIns[i] = ins
		}
	}

	e := s.imports.Alloc()
	f := &wire.Frame{Tag: wire.TagPush, ID: e.ID, Expr: rpc.Pipeline{
		Subject: subject,
		Path:    path,
		Args:    argIns,
		HasArgs: hasArgs,
	}}
	err := s.send(f)
	// Argument hooks are released only after the push referencing them is
	// on the wire, so their release frames cannot overtake it.
	if args != nil {
		args.Dispose()
	}
	if err != nil {
		s.imports.Remove(e.ID)
		return rpc.NewBrokenHook(err)
	}
	return &importHook{s: s, e: e}
}

// pushRemap ships a recorded transform for the peer to replay against
// subject's value. Ownership of the captures moves here: they are encoded
// as references and then disposed.
func (s *Session) pushRemap(subject int64, path rpc.Path, captures []rpc.Hook, body []rpc.Instruction) rpc.Hook {
	capIns := make([]rpc.Instruction, len(captures))
	for i, c := range captures {
		ins, err := s.ExportHook(c, false)
		if err != nil {
			for _, h := range captures {
				h.Dispose()
			}
			return rpc.NewErrorHook(err)
		}
		capIns[i] = ins
	}

	e := s.imports.Alloc()
	f := &wire.Frame{Tag: wire.TagPush, ID: e.ID, Expr: rpc.Remap{
		Subject:  subject,
		Path:     path,
		Captures: capIns,
		Body:     body,
	}}
	err := s.send(f)
	// Captures are released only after the push referencing them is on the
	// wire, so their release frames cannot overtake it.
	for _, c := range captures {
		c.Dispose()
	}
	if err != nil {
		s.imports.Remove(e.ID)
		return rpc.NewBrokenHook(err)
	}
	return &importHook{s: s, e: e}
}
