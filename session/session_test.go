package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chazu/loom/rpc"
	"github.com/chazu/loom/rpc/wire"
	"github.com/chazu/loom/transport"
)

// testTarget is the bootstrap capability the server side exposes.
type testTarget struct{}

func (tt *testTarget) Get(ctx context.Context, path rpc.Path) (any, error) {
	switch path.String() {
	case "foo":
		return 42.0, nil
	case "record":
		return map[string]any{"__proto__": map[string]any{"x": 1.0}, "y": 2.0}, nil
	case "pair":
		return map[string]any{"left": "l", "right": "r"}, nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such property " + path.String()}
}

func (tt *testTarget) Call(ctx context.Context, path rpc.Path, args []any) (any, error) {
	switch path.String() {
	case "makeCounter":
		start := 0.0
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				start = f
			}
		}
		return rpc.NewStub(rpc.NewTargetHook(&counterTarget{value: start})), nil
	case "generateFibonacci":
		// The demo sequence used throughout: the same eight numbers
		// whatever the arguments.
		return []any{1.0, 2.0, 2.0, 3.0, 4.0, 6.0, 9.0, 14.0}, nil
	case "addOne":
		f, ok := args[0].(float64)
		if !ok {
			return nil, &rpc.ErrorValue{Kind: rpc.KindType, Message: "addOne wants a number"}
		}
		return f + 1, nil
	case "explode":
		return nil, &rpc.ErrorValue{Kind: rpc.KindRange, Message: "went too far"}
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such method " + path.String()}
}

type counterTarget struct {
	mu    sync.Mutex
	value float64
}

func (c *counterTarget) Get(ctx context.Context, path rpc.Path) (any, error) {
	if path.String() == "value" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such property"}
}

func (c *counterTarget) Call(ctx context.Context, path rpc.Path, args []any) (any, error) {
	if path.String() == "increment" {
		by := 1.0
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				by = f
			}
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.value += by
		return c.value, nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such method"}
}

// recordingTransport remembers every message sent through it.
type recordingTransport struct {
	transport.Transport

	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingTransport) Send(ctx context.Context, msg []byte) error {
	r.mu.Lock()
	cp := make([]byte, len(msg))
	copy(cp, msg)
	r.sent = append(r.sent, cp)
	r.mu.Unlock()
	return r.Transport.Send(ctx, msg)
}

func (r *recordingTransport) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.sent))
	for i, m := range r.sent {
		out[i] = string(m)
	}
	return out
}

// pair spins up a connected client/server session pair. The returned
// cleanup tears both down.
func pair(t *testing.T) (client *Session, rec *recordingTransport) {
	t.Helper()
	ct, st := transport.Pipe()
	rec = &recordingTransport{Transport: ct}

	server := New(st, &testTarget{}, nil)
	client = New(rec, nil, nil)
	server.Start()
	client.Start()

	t.Cleanup(func() {
		client.Abort()
		server.Close()
		client.Wait()
		server.Wait()
	})
	return client, rec
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSession_PropertyPull(t *testing.T) {
	client, rec := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Get(rpc.P("foo"))
	defer h.Dispose()
	p, err := h.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()
	if p.Value != 42.0 {
		t.Errorf("got %v, want 42", p.Value)
	}

	frames := rec.frames()
	if len(frames) < 2 {
		t.Fatalf("frames sent: %d, want at least 2", len(frames))
	}
	if frames[0] != `["push",1,["pipeline",0,["foo"]]]` {
		t.Errorf("frame 0: %s", frames[0])
	}
	if frames[1] != `["pull",1]` {
		t.Errorf("frame 1: %s", frames[1])
	}
}

func TestSession_PipelinedCalls(t *testing.T) {
	client, rec := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	counter := boot.Call(rpc.P("makeCounter"), rpc.NewPayload([]any{4.0}))
	defer counter.Dispose()
	result := counter.Call(rpc.P("increment"), rpc.NewPayload([]any{3.0}))
	defer result.Dispose()

	p, err := result.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()
	if p.Value != 7.0 {
		t.Errorf("got %v, want 7", p.Value)
	}

	frames := rec.frames()
	if len(frames) < 3 {
		t.Fatalf("frames sent: %d, want at least 3", len(frames))
	}
	if frames[0] != `["push",1,["pipeline",0,["makeCounter"],[4]]]` {
		t.Errorf("frame 0: %s", frames[0])
	}
	if frames[1] != `["push",2,["pipeline",1,["increment"],[3]]]` {
		t.Errorf("frame 1: %s", frames[1])
	}
	if frames[2] != `["pull",2]` {
		t.Errorf("frame 2: %s", frames[2])
	}
}

func TestSession_Map(t *testing.T) {
	client, _ := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	fib := boot.Call(rpc.P("generateFibonacci"), rpc.NewPayload([]any{8.0}))
	defer fib.Dispose()

	mapped, err := rpc.Record(fib, nil, func(x *rpc.Var) (any, error) {
		return x.Use(boot).Invoke("addOne", x), nil
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer mapped.Dispose()

	p, err := mapped.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()

	want := []float64{2, 3, 3, 4, 5, 7, 10, 15}
	got, ok := p.Value.([]any)
	if !ok || len(got) != len(want) {
		t.Fatalf("got %#v", p.Value)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("element %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestSession_IdentityMap(t *testing.T) {
	client, _ := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	rows := boot.Call(rpc.P("generateFibonacci"), rpc.NewPayload([]any{3.0}))
	defer rows.Dispose()

	// An identity map: replay produces the same payload direct execution
	// would.
	mapped, err := rpc.Record(rows, nil, func(x *rpc.Var) (any, error) {
		return x, nil
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	defer mapped.Dispose()

	p, err := mapped.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()
	got, ok := p.Value.([]any)
	if !ok || len(got) != 8 {
		t.Fatalf("got %#v", p.Value)
	}
}

func TestSession_ForbiddenKeysNeverArrive(t *testing.T) {
	client, _ := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Get(rpc.P("record"))
	defer h.Dispose()
	p, err := h.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()

	m, ok := p.Value.(map[string]any)
	if !ok {
		t.Fatalf("got %T", p.Value)
	}
	if _, present := m["__proto__"]; present {
		t.Error("__proto__ crossed the wire")
	}
	if m["y"] != 2.0 {
		t.Errorf("y: got %v, want 2", m["y"])
	}
}

func TestSession_AsyncMapCallbackFails(t *testing.T) {
	client, _ := pair(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	fut := rpc.NewFuture()
	_, err := rpc.Record(boot, rpc.P("xs"), func(x *rpc.Var) (any, error) {
		return fut, nil
	})
	if err == nil || !strings.Contains(err.Error(), "cannot be asynchronous") {
		t.Fatalf("got %v", err)
	}
	if !fut.Silenced() {
		t.Error("rejection not silenced")
	}
}

func TestSession_LocalTargetInMapFails(t *testing.T) {
	client, _ := pair(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	local := rpc.NewTargetHook(rpc.FuncTarget(func(ctx context.Context, args []any) (any, error) {
		return nil, nil
	}))
	defer local.Dispose()

	_, err := rpc.Record(boot, rpc.P("xs"), func(x *rpc.Var) (any, error) {
		return x.Invoke("use", local), nil
	})
	if err == nil || !strings.Contains(err.Error(), "local target") {
		t.Fatalf("got %v", err)
	}
}

func TestSession_TargetErrorPropagates(t *testing.T) {
	client, _ := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Call(rpc.P("explode"), rpc.NewPayload([]any{}))
	defer h.Dispose()
	_, err := h.Pull(ctx)
	if err == nil {
		t.Fatal("expected error")
	}
	var ev *rpc.ErrorValue
	if !errors.As(err, &ev) {
		t.Fatalf("got %T (%v), want *rpc.ErrorValue", err, err)
	}
	if ev.Kind != rpc.KindRange || !strings.Contains(ev.Message, "too far") {
		t.Errorf("error: %+v", ev)
	}

	// The session survives per-call failures.
	ok := boot.Get(rpc.P("foo"))
	defer ok.Dispose()
	p, err := ok.Pull(ctx)
	if err != nil {
		t.Fatalf("session did not survive a target error: %v", err)
	}
	p.Dispose()
}

func TestSession_PeerAbortBreaksImports(t *testing.T) {
	ct, st := transport.Pipe()
	server := New(st, &testTarget{}, nil)
	client := New(ct, nil, nil)
	server.Start()
	client.Start()
	defer func() {
		client.Close()
		client.Wait()
	}()

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Get(rpc.P("foo"))
	defer h.Dispose()

	brokenCh := make(chan error, 1)
	h.OnBroken(func(err error) { brokenCh <- err })

	server.Abort()
	server.Wait()

	select {
	case err := <-brokenCh:
		if !errors.Is(err, rpc.ErrBroken) {
			t.Errorf("got %v, want ErrBroken", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnBroken never fired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.Pull(ctx); !errors.Is(err, rpc.ErrBroken) {
		t.Errorf("Pull after abort: got %v, want ErrBroken", err)
	}
}

func TestSession_ReleaseReachesPeer(t *testing.T) {
	client, rec := pair(t)
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Get(rpc.P("foo"))
	p, err := h.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	p.Dispose()
	h.Dispose()

	// Resolution consumed the push's wire reference; no further release
	// frame is owed.
	for _, f := range rec.frames() {
		var arr []any
		if err := json.Unmarshal([]byte(f), &arr); err == nil && arr[0] == "release" {
			t.Errorf("unexpected release frame: %s", f)
		}
	}

	// Disposing before resolution does owe one. This is the second push,
	// so it holds id 2.
	h2 := boot.Get(rpc.P("pair"))
	h2.Dispose()

	found := false
	for _, f := range rec.frames() {
		if f == `["release",2,1]` {
			found = true
		}
	}
	if !found {
		t.Fatalf("release frame never sent; frames: %v", rec.frames())
	}
}

func TestSession_CBORCodec(t *testing.T) {
	ct, st := transport.Pipe()
	opts := &Options{Codec: wire.NewCBORCodec()}
	server := New(st, &testTarget{}, opts)
	client := New(ct, nil, opts)
	server.Start()
	client.Start()
	defer func() {
		client.Abort()
		server.Close()
		client.Wait()
		server.Wait()
	}()
	ctx := testCtx(t)

	boot := client.Bootstrap()
	defer boot.Dispose()

	h := boot.Get(rpc.P("pair"))
	defer h.Dispose()
	p, err := h.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	defer p.Dispose()
	m, ok := p.Value.(map[string]any)
	if !ok || m["left"] != "l" || m["right"] != "r" {
		t.Errorf("got %#v", p.Value)
	}
}

func TestSession_ProtocolErrorAborts(t *testing.T) {
	ct, st := transport.Pipe()
	server := New(st, &testTarget{}, nil)
	server.Start()
	defer server.Wait()

	ctx := testCtx(t)
	// Speak raw protocol: a push reusing a live id is fatal.
	if err := ct.Send(ctx, []byte(`["push",1,["pipeline",0,["foo"]]]`)); err != nil {
		t.Fatal(err)
	}
	if err := ct.Send(ctx, []byte(`["push",1,["pipeline",0,["foo"]]]`)); err != nil {
		t.Fatal(err)
	}

	err := server.Wait()
	var pe *rpc.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("got %v, want *rpc.ProtocolError", err)
	}

	// The peer is told before the session dies.
	sawAbort := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msg, rerr := ct.Receive(ctx)
		if rerr != nil {
			break
		}
		if string(msg) == `["abort"]` {
			sawAbort = true
			break
		}
	}
	if !sawAbort {
		t.Error("no abort frame observed")
	}
	ct.Close()
}
