package rpc

import (
	"context"
	"sync"
)

// Future is a one-shot slot for an eventual payload. It is safe for
// concurrent use; the first settle wins and later settles are ignored.
type Future struct {
	done chan struct{}

	mu       sync.Mutex
	payload  *Payload
	err      error
	settled  bool
	silenced bool
}

// NewFuture creates an unsettled future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve settles the future with a payload. Ownership of the payload
// moves to the future. A second settle disposes the payload and is
// otherwise ignored.
func (f *Future) Resolve(p *Payload) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		if p != nil {
			p.Dispose()
		}
		return
	}
	f.payload = p
	f.settled = true
	f.mu.Unlock()
	close(f.done)
}

// Reject settles the future with an error.
func (f *Future) Reject(err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.err = err
	f.settled = true
	f.mu.Unlock()
	close(f.done)
}

// Done returns a channel closed once the future settles.
func (f *Future) Done() <-chan struct{} { return f.done }

// Settled reports whether the future has a result yet.
func (f *Future) Settled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settled
}

// Await blocks until the future settles or the context ends. The returned
// payload remains owned by the future; callers that need to keep it must
// Clone it.
func (f *Future) Await(ctx context.Context) (*Payload, error) {
	select {
	case <-f.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.err
}

// Peek returns the result without blocking. ok is false while unsettled.
func (f *Future) Peek() (p *Payload, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.payload, f.err, f.settled
}

// Silence marks the future's eventual rejection as expected, so that no
// secondary diagnostic is produced for it. Used when an asynchronous map
// callback is rejected.
func (f *Future) Silence() {
	f.mu.Lock()
	f.silenced = true
	f.mu.Unlock()
}

// Silenced reports whether rejection reporting was suppressed.
func (f *Future) Silenced() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.silenced
}
