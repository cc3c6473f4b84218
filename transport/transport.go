// Package transport provides duplex message transports for sessions. A
// transport delivers whole messages, in order, in both directions; the
// byte-level meaning of a message belongs to the wire codec above it.
package transport

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned once a transport has been closed locally.
var ErrClosed = errors.New("transport: closed")

// Transport is a duplex, ordered, whole-message channel between two
// peers. Receive returns io.EOF once the peer's side is closed and all
// delivered messages are drained.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// ---------------------------------------------------------------------------
// In-process pipe
// ---------------------------------------------------------------------------

// pipeEnd is one end of an in-process transport pair.
type pipeEnd struct {
	out chan<- []byte
	in  <-chan []byte

	mu        sync.Mutex
	closed    bool
	closeOut  func()
	closeDone chan struct{}
}

// Pipe returns a connected transport pair delivering messages in order.
// Useful for tests and same-process peers.
func Pipe() (Transport, Transport) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &pipeEnd{out: ab, in: ba, closeDone: make(chan struct{})}
	b := &pipeEnd{out: ba, in: ab, closeDone: make(chan struct{})}
	a.closeOut = func() { close(ab) }
	b.closeOut = func() { close(ba) }
	return a, b
}

func (p *pipeEnd) Send(ctx context.Context, msg []byte) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.mu.Unlock()

	cp := make([]byte, len(msg))
	copy(cp, msg)
	select {
	case p.out <- cp:
		return nil
	case <-p.closeDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Receive(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-p.in:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-p.closeDone:
		// Drain what was already delivered before reporting closure.
		select {
		case msg, ok := <-p.in:
			if !ok {
				return nil, io.EOF
			}
			return msg, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.closeOut()
	close(p.closeDone)
	return nil
}
