// Package session runs the Loom message loop over a duplex message
// transport: one reader goroutine dispatching push/pull/resolve/reject/
// release/abort frames against the capability tables, with the session
// acting as the codec's default exporter and importer.
package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"

	"github.com/chazu/loom/rpc"
	"github.com/chazu/loom/rpc/wire"
	"github.com/chazu/loom/transport"
)

var log = commonlog.GetLogger("loom.session")

// Options tune a session. The zero value is usable.
type Options struct {
	// Codec selects the frame codec. Defaults to the textual JSON codec;
	// both peers must agree.
	Codec wire.Codec

	// PullTimeout bounds serving one pull frame. Zero means no bound.
	PullTimeout time.Duration
}

// Session is one side of a point-to-point capability session. It owns the
// transport for its lifetime: Run reads frames until the peer aborts, the
// transport closes, or a protocol violation occurs.
type Session struct {
	id    string
	tr    transport.Transport
	codec wire.Codec
	opts  Options

	imports *rpc.ImportTable
	exports *rpc.ExportTable

	ctx    context.Context
	cancel context.CancelFunc

	sendMu sync.Mutex

	done     chan struct{}
	doneOnce sync.Once
	errMu    sync.Mutex
	err      error
}

// New creates a session over a transport, exposing bootstrap as the id-0
// capability. A nil bootstrap exports a hook that fails every use.
func New(tr transport.Transport, bootstrap rpc.Target, opts *Options) *Session {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.Codec == nil {
		o.Codec = wire.NewJSONCodec()
	}
	var boot rpc.Hook
	if bootstrap != nil {
		boot = rpc.NewTargetHook(bootstrap)
	} else {
		boot = rpc.NewErrorHook(&rpc.ErrorValue{Kind: rpc.KindReference, Message: "no bootstrap capability"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:      uuid.NewString(),
		tr:      tr,
		codec:   o.Codec,
		opts:    o,
		imports: rpc.NewImportTable(),
		exports: rpc.NewExportTable(boot),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// ID returns the session's identifier, used for log correlation.
func (s *Session) ID() string { return s.id }

// Bootstrap returns a hook on the peer's bootstrap capability. The caller
// owns the returned hook.
func (s *Session) Bootstrap() rpc.Hook {
	e, err := s.imports.Get(0)
	if err != nil {
		return rpc.NewBrokenHook(err)
	}
	s.imports.AddLocalRef(e)
	return &importHook{s: s, e: e}
}

// Start launches the reader loop on its own goroutine.
func (s *Session) Start() {
	go func() {
		s.finish(s.Run())
	}()
}

// Run reads and dispatches frames until the session ends. It returns nil
// after a clean abort from either side, or the terminating error.
func (s *Session) Run() error {
	log.Infof("session %s: starting (%s codec)", s.id, s.codec.Name())
	for {
		data, err := s.tr.Receive(s.ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, transport.ErrClosed) || errors.Is(err, context.Canceled) {
				s.finish(nil)
				return nil
			}
			err = rpc.Broken(err)
			s.finish(err)
			return err
		}
		frame, err := s.codec.Unmarshal(data)
		if err != nil {
			s.abortWith(err)
			return err
		}
		stop, err := s.dispatch(frame)
		if err != nil {
			s.abortWith(err)
			return err
		}
		if stop {
			s.finish(nil)
			return nil
		}
	}
}

// Wait blocks until the session ends and returns its terminal status.
func (s *Session) Wait() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Abort ends the session from this side: the peer is told, every import
// is poisoned, and the loop stops.
func (s *Session) Abort() {
	s.send(&wire.Frame{Tag: wire.TagAbort})
	s.finish(nil)
}

// Close tears the session down without notifying the peer. Used when the
// transport is already gone.
func (s *Session) Close() {
	s.finish(nil)
}

// abortWith sends an abort for a fatal local error, then tears down.
func (s *Session) abortWith(err error) {
	log.Errorf("session %s: fatal: %v", s.id, err)
	s.send(&wire.Frame{Tag: wire.TagAbort})
	s.finish(err)
}

// finish records the terminal status, poisons every live import, and
// closes the transport. Idempotent; the first caller wins.
func (s *Session) finish(err error) {
	s.doneOnce.Do(func() {
		s.errMu.Lock()
		s.err = err
		s.errMu.Unlock()

		cause := err
		if cause == nil {
			cause = errors.New("session closed")
		}
		for _, e := range s.imports.Entries() {
			e.Future().Reject(rpc.Broken(cause))
		}
		s.exports.DisposeAll()
		s.cancel()
		_ = s.tr.Close()
		close(s.done)
		log.Infof("session %s: finished", s.id)
	})
}

// send marshals and writes one frame. Frame order on the transport is the
// order send is entered.
func (s *Session) send(f *wire.Frame) error {
	data, err := s.codec.Marshal(f)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.tr.Send(s.ctx, data); err != nil {
		log.Debugf("session %s: send %s failed: %v", s.id, f.Tag, err)
		return rpc.Broken(err)
	}
	log.Debugf("session %s: sent %s id=%d", s.id, f.Tag, f.ID)
	return nil
}

// ---------------------------------------------------------------------------
// Dispatch
// ---------------------------------------------------------------------------

func (s *Session) dispatch(f *wire.Frame) (stop bool, err error) {
	log.Debugf("session %s: recv %s id=%d", s.id, f.Tag, f.ID)
	switch f.Tag {
	case wire.TagPush:
		return false, s.onPush(f)
	case wire.TagPull:
		return false, s.onPull(f)
	case wire.TagResolve:
		return false, s.onResolve(f)
	case wire.TagReject:
		return false, s.onReject(f)
	case wire.TagRelease:
		return false, s.onRelease(f)
	case wire.TagAbort:
		return true, nil
	default:
		return false, &rpc.ProtocolError{Detail: "unknown frame tag " + string(f.Tag)}
	}
}

// onPush installs a new export the peer will address by id. Pipelined
// expressions evaluate lazily: the hooks they produce defer the work until
// pulled or called through.
func (s *Session) onPush(f *wire.Frame) error {
	p, err := rpc.Evaluate(f.Expr, s)
	if err != nil {
		var pe *rpc.ProtocolError
		if errors.As(err, &pe) {
			return err
		}
		// A per-value fault: the push exists but every use reports it.
		return s.exports.AddPushed(f.ID, rpc.NewErrorHook(rpc.AsErrorValue(err)))
	}
	h, ok := p.TakeStubHook()
	if !ok {
		h = rpc.NewPayloadHook(p)
	}
	return s.exports.AddPushed(f.ID, h)
}

// onPull serves a pull: awaits the export's value on its own goroutine
// and answers with resolve or reject. The resolve consumes one reference
// on each side's books.
func (s *Session) onPull(f *wire.Frame) error {
	h, err := s.exports.Get(f.ID)
	if err != nil {
		return &rpc.ProtocolError{Detail: "pull of unknown id"}
	}
	id := f.ID
	go func() {
		ctx := s.ctx
		if s.opts.PullTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.opts.PullTimeout)
			defer cancel()
		}
		payload, err := h.Pull(ctx)
		if err != nil {
			ev := rpc.AsErrorValue(err)
			s.send(&wire.Frame{Tag: wire.TagReject, ID: id, Expr: rpc.ErrorInstr{
				Kind: ev.Kind, Message: ev.Message, Stack: ev.Stack,
			}})
		} else {
			ins, derr := rpc.Devaluate(payload.Value, s)
			if derr != nil {
				ev := rpc.AsErrorValue(derr)
				s.send(&wire.Frame{Tag: wire.TagReject, ID: id, Expr: rpc.ErrorInstr{
					Kind: ev.Kind, Message: ev.Message,
				}})
			} else {
				s.send(&wire.Frame{Tag: wire.TagResolve, ID: id, Expr: ins})
			}
			payload.Dispose()
		}
		if rerr := s.exports.Release(id, 1); rerr != nil && !errors.Is(rerr, rpc.ErrUnknownID) {
			log.Errorf("session %s: release after resolve: %v", s.id, rerr)
		}
	}()
	return nil
}

// onResolve fulfills a local import. A resolution arriving after the
// import was disposed locally is garbage: its value is evaluated so any
// embedded capabilities are imported and released exactly once.
func (s *Session) onResolve(f *wire.Frame) error {
	e, canceled, err := s.imports.Settle(f.ID)
	if err != nil {
		return &rpc.ProtocolError{Detail: "resolve of unknown id"}
	}
	p, eerr := rpc.Evaluate(f.Expr, s)
	if eerr != nil {
		var pe *rpc.ProtocolError
		if errors.As(eerr, &pe) {
			return eerr
		}
		e.Future().Reject(rpc.AsErrorValue(eerr))
		return nil
	}
	if canceled {
		p.Dispose()
		return nil
	}
	e.Future().Resolve(p)
	return nil
}

// onReject rejects a local import with the transported error.
func (s *Session) onReject(f *wire.Frame) error {
	e, canceled, err := s.imports.Settle(f.ID)
	if err != nil {
		return &rpc.ProtocolError{Detail: "reject of unknown id"}
	}
	p, eerr := rpc.Evaluate(f.Expr, s)
	if eerr != nil {
		var pe *rpc.ProtocolError
		if errors.As(eerr, &pe) {
			return eerr
		}
		e.Future().Reject(rpc.AsErrorValue(eerr))
		return nil
	}
	if canceled {
		p.Dispose()
		return nil
	}
	ev, ok := p.Value.(*rpc.ErrorValue)
	if !ok {
		ev = &rpc.ErrorValue{Kind: rpc.KindGeneric, Message: "peer rejected"}
	}
	p.Dispose()
	e.Future().Reject(ev)
	return nil
}

// onRelease drops wire references from an export. A release for an id
// already gone is tolerated: it can legitimately cross a resolve on the
// wire.
func (s *Session) onRelease(f *wire.Frame) error {
	err := s.exports.Release(f.ID, f.Count)
	if errors.Is(err, rpc.ErrUnknownID) {
		log.Debugf("session %s: release of unknown id %d (crossed a resolve)", s.id, f.ID)
		return nil
	}
	return err
}

// ---------------------------------------------------------------------------
// Exporter / Importer
// ---------------------------------------------------------------------------

// ExportHook implements rpc.Exporter. Hooks already imported from the
// peer are sent back by reference; pending pushes are referenced as
// pipelines; everything else becomes a fresh embedded export.
func (s *Session) ExportHook(h rpc.Hook, promise bool) (rpc.Instruction, error) {
	if ih, ok := h.(*importHook); ok && ih.s == s {
		if ih.e.ID == 0 || ih.e.Future().Settled() {
			return rpc.Import{ID: ih.e.ID}, nil
		}
		return rpc.Pipeline{Subject: ih.e.ID}, nil
	}
	if _, ok := h.(*rpc.Var); ok {
		return nil, &rpc.MapMisuseError{Detail: "abstract placeholder used outside map"}
	}
	id := s.exports.AllocEmbedded(h)
	return rpc.Export{ID: id, Promise: promise}, nil
}

// ImportHook implements rpc.Importer for ["export", id]: the peer
// introduced a capability; record the reference and hand back a hook.
func (s *Session) ImportHook(id int64) (rpc.Hook, error) {
	e, err := s.imports.AddEmbedded(id)
	if err != nil {
		return nil, err
	}
	return &importHook{s: s, e: e}, nil
}

// LookupImport implements rpc.Importer for ["import", id]: the peer
// referenced an entry of our export table.
func (s *Session) LookupImport(id int64) (rpc.Hook, error) {
	h, err := s.exports.Get(id)
	if err != nil {
		return nil, &rpc.ProtocolError{Detail: "reference to unknown export"}
	}
	return h.Dup(), nil
}

// PipelineHook implements rpc.Importer for pipelined operations on a
// pushed id that may not have resolved yet.
func (s *Session) PipelineHook(subject int64, path rpc.Path, args []rpc.Instruction, hasArgs bool) (rpc.Hook, error) {
	h, err := s.exports.Get(subject)
	if err != nil {
		return nil, &rpc.ProtocolError{Detail: "pipeline on unknown id"}
	}
	if !hasArgs {
		return h.Get(path), nil
	}
	argv, err := rpc.EvaluateArgs(args, s)
	if err != nil {
		return nil, err
	}
	return h.Call(path, argv), nil
}

// RemapHook implements rpc.Importer for remap instructions: replay the
// recorded transform against the subject's value.
func (s *Session) RemapHook(subject int64, path rpc.Path, captures []rpc.Instruction, body []rpc.Instruction) (rpc.Hook, error) {
	h, err := s.exports.Get(subject)
	if err != nil {
		return nil, &rpc.ProtocolError{Detail: "remap on unknown id"}
	}
	caps := make([]rpc.Hook, 0, len(captures))
	for _, c := range captures {
		p, err := rpc.Evaluate(c, s)
		if err != nil {
			for _, ch := range caps {
				ch.Dispose()
			}
			return nil, err
		}
		ch, ok := p.TakeStubHook()
		if !ok {
			p.Dispose()
			for _, ch := range caps {
				ch.Dispose()
			}
			return nil, &rpc.ProtocolError{Detail: "remap capture is not a reference"}
		}
		caps = append(caps, ch)
	}
	return h.Map(path, caps, body), nil
}
