package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessage bounds a single stream message. Oversized frames are a
// peer fault, not a reason to allocate unbounded memory.
const DefaultMaxMessage = 16 << 20

// Stream frames whole messages over any reliable byte stream with a
// 4-byte big-endian length prefix.
type Stream struct {
	rw  io.ReadWriteCloser
	max uint32

	sendMu sync.Mutex
	recvMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewStream wraps a byte stream as a message transport. maxMessage of 0
// applies DefaultMaxMessage.
func NewStream(rw io.ReadWriteCloser, maxMessage uint32) *Stream {
	if maxMessage == 0 {
		maxMessage = DefaultMaxMessage
	}
	return &Stream{rw: rw, max: maxMessage}
}

func (s *Stream) Send(ctx context.Context, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if uint32(len(msg)) > s.max {
		return fmt.Errorf("transport: message of %d bytes exceeds limit %d", len(msg), s.max)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := s.rw.Write(hdr[:]); err != nil {
		return fmt.Errorf("transport: write header: %w", err)
	}
	if _, err := s.rw.Write(msg); err != nil {
		return fmt.Errorf("transport: write body: %w", err)
	}
	return nil
}

func (s *Stream) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(s.rw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > s.max {
		return nil, fmt.Errorf("transport: incoming message of %d bytes exceeds limit %d", n, s.max)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(s.rw, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Close closes the underlying stream, unblocking any pending Receive.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rw.Close()
	})
	return s.closeErr
}
