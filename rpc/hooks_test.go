package rpc

import (
	"context"
	"sync"
)

// countingHook is a test hook that tracks its reference traffic. Dup
// returns the same hook so identity-based dedup can see through it.
type countingHook struct {
	mu       sync.Mutex
	dups     int
	disposed int
	value    any
}

func newCountingHook() *countingHook { return &countingHook{} }

func (h *countingHook) dupCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dups
}

func (h *countingHook) disposes() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed
}

// balanced reports whether every construction and dup was matched by a
// dispose.
func (h *countingHook) balanced() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disposed == h.dups+1
}

func (h *countingHook) Dup() Hook {
	h.mu.Lock()
	h.dups++
	h.mu.Unlock()
	return h
}

func (h *countingHook) Dispose() {
	h.mu.Lock()
	h.disposed++
	h.mu.Unlock()
}

func (h *countingHook) Get(path Path) Hook { return h.Dup() }

func (h *countingHook) Call(path Path, args *Payload) Hook {
	if args != nil {
		args.Dispose()
	}
	return h.Dup()
}

func (h *countingHook) Map(path Path, captures []Hook, instructions []Instruction) Hook {
	disposeAll(captures)
	return h.Dup()
}

func (h *countingHook) Pull(ctx context.Context) (*Payload, error) {
	return NewPayload(copyValue(h.value)), nil
}

func (h *countingHook) OnBroken(fn func(error)) {}
