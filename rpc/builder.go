package rpc

import "sync"

// The current-builder slot. At most one builder is current in a
// cooperative execution context; nesting pushes and popping restores the
// previous builder. The mutex only guards the pointer swap; recording
// itself is single-threaded by construction.
var (
	builderMu      sync.Mutex
	currentBuilder *Builder
)

// CurrentBuilder returns the builder currently recording, or nil.
func CurrentBuilder() *Builder {
	builderMu.Lock()
	defer builderMu.Unlock()
	return currentBuilder
}

// captureEntry is one captured enclosing-scope reference. Top-level
// builders own the hook; nested builders record the parent-space index
// instead.
type captureEntry struct {
	hook      Hook
	parentRef int64
}

// Builder records the operations a map callback performs against its
// placeholder, producing the instruction list shipped to the peer.
type Builder struct {
	parent *Builder

	// subject is the hook the map attaches to (top-level, borrowed), or a
	// parent-space reference when nested.
	subject    Hook
	subjectRef int64
	path       Path

	captures   []captureEntry
	captureMap map[Hook]int64

	instructions []Instruction
	closed       bool
}

// newBuilder constructs a builder and pushes it onto the builder stack.
// When another builder is current, the new one nests inside it and the
// subject is translated into the parent's variable space.
func newBuilder(subject Hook, path Path) (*Builder, error) {
	builderMu.Lock()
	defer builderMu.Unlock()
	b := &Builder{
		parent:     currentBuilder,
		path:       path,
		captureMap: make(map[Hook]int64),
	}
	if b.parent != nil {
		ref, err := b.parent.refOf(subject)
		if err != nil {
			return nil, err
		}
		b.subjectRef = ref
	} else {
		b.subject = subject
	}
	currentBuilder = b
	return b, nil
}

// unregister pops the builder off the stack. Popping out of order means
// the cooperative discipline was broken and is unrecoverable.
func (b *Builder) unregister() {
	builderMu.Lock()
	defer builderMu.Unlock()
	if currentBuilder != b {
		panic("rpc: builder stack corrupted")
	}
	currentBuilder = b.parent
	b.closed = true
}

// isCurrent reports whether b is the innermost active builder.
func (b *Builder) isCurrent() bool {
	builderMu.Lock()
	defer builderMu.Unlock()
	return currentBuilder == b
}

// abort unwinds a failed recording: pops the builder and releases every
// capture it took.
func (b *Builder) abort() {
	if !b.closed {
		b.unregister()
	}
	for _, c := range b.captures {
		if c.hook != nil {
			c.hook.Dispose()
		}
	}
	b.captures = nil
}

// MakeInput returns the placeholder standing for the map's input, variable
// index 0.
func (b *Builder) MakeInput() *Var {
	return &Var{b: b, idx: 0}
}

// Capture brings an enclosing-scope hook into the recording and returns a
// placeholder that records operations against it.
func (b *Builder) Capture(h Hook) *Var {
	idx, err := b.captureIdx(h)
	if err != nil {
		panic(err)
	}
	return &Var{b: b, idx: idx}
}

// refOf translates a hook into this builder's variable space: a
// placeholder of this builder keeps its index; anything else is captured.
func (b *Builder) refOf(h Hook) (int64, error) {
	if v, ok := h.(*Var); ok && v.b == b {
		return v.idx, nil
	}
	return b.captureIdx(h)
}

// captureIdx returns the negative capture index for a hook, capturing it
// on first sight. Dedup is by identity: only physically shared hooks
// collapse.
func (b *Builder) captureIdx(h Hook) (int64, error) {
	if idx, ok := b.captureMap[h]; ok {
		return idx, nil
	}
	if _, ok := h.(*TargetHook); ok {
		return 0, &MapMisuseError{Detail: "cannot construct a local target inside a mapper"}
	}
	var entry captureEntry
	if b.parent != nil {
		ref, err := b.parent.refOf(h)
		if err != nil {
			return 0, err
		}
		entry = captureEntry{parentRef: ref}
	} else {
		if _, ok := h.(*Var); ok {
			return 0, &MapMisuseError{Detail: "abstract placeholder used outside map"}
		}
		entry = captureEntry{hook: h.Dup()}
	}
	b.captures = append(b.captures, entry)
	idx := -int64(len(b.captures))
	b.captureMap[h] = idx
	return idx, nil
}

// pushGet records a property access and returns the placeholder for its
// result.
func (b *Builder) pushGet(subject int64, path Path) *Var {
	b.mustBeCurrent()
	b.instructions = append(b.instructions, Pipeline{Subject: subject, Path: path})
	return &Var{b: b, idx: int64(len(b.instructions))}
}

// pushCall records a method call. Arguments are encoded through this
// builder, so placeholders become variable references and enclosing-scope
// hooks become captures.
func (b *Builder) pushCall(subject int64, path Path, args []any) *Var {
	b.mustBeCurrent()
	encoded := make([]Instruction, len(args))
	for i, a := range args {
		ins, err := Devaluate(a, b)
		if err != nil {
			panic(asMisuse(err))
		}
		encoded[i] = ins
	}
	b.instructions = append(b.instructions, Pipeline{
		Subject: subject,
		Path:    path,
		Args:    encoded,
		HasArgs: true,
	})
	return &Var{b: b, idx: int64(len(b.instructions))}
}

func (b *Builder) mustBeCurrent() {
	if !b.isCurrent() {
		panic(&MapMisuseError{Detail: "abstract placeholder used outside map"})
	}
}

// ExportHook implements Exporter for recording: placeholder references
// stay positional, enclosing-scope hooks become negative captures, and
// local targets are rejected: constructing one inside a callback is not
// representable in the instruction protocol.
func (b *Builder) ExportHook(h Hook, promise bool) (Instruction, error) {
	ref, err := b.refOf(h)
	if err != nil {
		return nil, err
	}
	return Import{ID: ref}, nil
}

// MakeOutput encodes the callback's return value as the final instruction
// and closes the recording. A top-level builder installs the transform on
// its subject; a nested builder appends a remap to its parent and returns
// a placeholder there.
func (b *Builder) MakeOutput(out any) (Hook, error) {
	fin, err := Devaluate(out, b)
	if err != nil {
		b.abort()
		return nil, asMisuse(err)
	}
	b.instructions = append(b.instructions, fin)
	b.unregister()

	if b.parent == nil {
		caps := make([]Hook, len(b.captures))
		for i, c := range b.captures {
			caps[i] = c.hook
		}
		b.captures = nil
		return b.subject.Map(b.path, caps, b.instructions), nil
	}

	capRefs := make([]Instruction, len(b.captures))
	for i, c := range b.captures {
		capRefs[i] = Import{ID: c.parentRef}
	}
	p := b.parent
	p.instructions = append(p.instructions, Remap{
		Subject:  b.subjectRef,
		Path:     b.path,
		Captures: capRefs,
		Body:     b.instructions,
	})
	return &Var{b: p, idx: int64(len(p.instructions))}, nil
}

// asMisuse folds recording-time errors into MapMisuseError so the caller
// of the map sees one error category.
func asMisuse(err error) error {
	if _, ok := err.(*MapMisuseError); ok {
		return err
	}
	return &MapMisuseError{Detail: err.Error()}
}

// Record runs fn against a placeholder for the value at path below
// subject, recording every operation it performs, and installs the
// recording as a map on subject. The callback must be synchronous: it
// gets the placeholder and returns the concrete shape of the result.
//
// Misuse inside the callback (constructing a local target, using the
// placeholder after the recording closed, returning a pending future) is
// reported here, synchronously.
func Record(subject Hook, path Path, fn func(v *Var) (any, error)) (hook Hook, err error) {
	b, err := newBuilder(subject, path)
	if err != nil {
		return nil, asMisuse(err)
	}
	defer func() {
		if r := recover(); r != nil {
			if me, ok := r.(*MapMisuseError); ok {
				if !b.closed {
					b.abort()
				}
				hook, err = nil, me
				return
			}
			panic(r)
		}
	}()

	out, ferr := fn(b.MakeInput())
	if ferr != nil {
		b.abort()
		return nil, ferr
	}
	if fut, ok := out.(*Future); ok {
		// The rejection, if any, is expected: suppress the secondary
		// diagnostic.
		fut.Silence()
		b.abort()
		return nil, &MapMisuseError{Detail: "map callbacks cannot be asynchronous"}
	}
	return b.MakeOutput(out)
}
