// Loom demo peer - serves a sample capability over websocket, or dials
// one and exercises pipelining and map.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/chazu/loom/config"
	"github.com/chazu/loom/rpc"
	"github.com/chazu/loom/rpc/wire"
	"github.com/chazu/loom/session"
	"github.com/chazu/loom/transport"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	serve := flag.Bool("serve", false, "Serve the demo capability")
	dial := flag.String("dial", "", "Dial a peer, e.g. ws://localhost:7767/loom")
	codecName := flag.String("codec", "", "Frame codec: json or cbor (default from loom.toml)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: loom [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  loom --serve                       # Serve on the configured address\n")
		fmt.Fprintf(os.Stderr, "  loom --dial ws://localhost:7767/loom  # Run the demo client\n")
	}
	flag.Parse()

	cfg, err := config.FindAndLoad(".")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *codecName != "" {
		cfg.Session.Codec = *codecName
	}
	codec, err := wire.ByName(cfg.Session.Codec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	pullTimeout, err := cfg.Session.PullTimeoutDuration()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	opts := &session.Options{Codec: codec, PullTimeout: pullTimeout}

	switch {
	case *serve:
		if err := runServer(cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	case *dial != "":
		if err := runClient(*dial, cfg, opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runServer(cfg *config.Config, opts *session.Options) error {
	upgrader := websocket.Upgrader{}
	binary := cfg.Session.Codec == "cbor"

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Transport.Path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s := session.New(transport.NewWebSocket(conn, binary), &demoTarget{}, opts)
		s.Start()
		_ = s.Wait()
	})

	fmt.Printf("Serving on ws://%s%s (%s codec)\n", cfg.Transport.Listen, cfg.Transport.Path, cfg.Session.Codec)
	return http.ListenAndServe(cfg.Transport.Listen, mux)
}

func runClient(url string, cfg *config.Config, opts *session.Options) error {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	s := session.New(transport.NewWebSocket(conn, cfg.Session.Codec == "cbor"), nil, opts)
	s.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	boot := s.Bootstrap()
	defer boot.Dispose()

	g, ctx := errgroup.WithContext(ctx)

	// Plain property pull.
	g.Go(func() error {
		h := boot.Get(rpc.P("version"))
		defer h.Dispose()
		p, err := h.Pull(ctx)
		if err != nil {
			return err
		}
		defer p.Dispose()
		fmt.Printf("version: %v\n", p.Value)
		return nil
	})

	// Pipelined call chain: one round trip for two calls.
	g.Go(func() error {
		counter := boot.Call(rpc.P("makeCounter"), rpc.NewPayload([]any{float64(4)}))
		defer counter.Dispose()
		result := counter.Call(rpc.P("increment"), rpc.NewPayload([]any{float64(3)}))
		defer result.Dispose()
		p, err := result.Pull(ctx)
		if err != nil {
			return err
		}
		defer p.Dispose()
		fmt.Printf("makeCounter(4).increment(3) = %v\n", p.Value)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Map: ship a recording, replay per element on the server.
	fib := boot.Call(rpc.P("generateFibonacci"), rpc.NewPayload([]any{float64(8)}))
	defer fib.Dispose()
	mapped, err := rpc.Record(fib, nil, func(x *rpc.Var) (any, error) {
		return x.Use(boot).Invoke("addOne", x), nil
	})
	if err != nil {
		return err
	}
	defer mapped.Dispose()
	p, err := mapped.Pull(ctx)
	if err != nil {
		return err
	}
	defer p.Dispose()
	fmt.Printf("generateFibonacci(8) mapped +1 = %v\n", p.Value)

	s.Abort()
	return nil
}

// demoTarget is the capability the demo server exposes.
type demoTarget struct{}

func (d *demoTarget) Get(ctx context.Context, path rpc.Path) (any, error) {
	switch path.String() {
	case "version":
		return "loom-demo/1", nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such property " + path.String()}
}

func (d *demoTarget) Call(ctx context.Context, path rpc.Path, args []any) (any, error) {
	switch path.String() {
	case "makeCounter":
		start := 0.0
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				start = f
			}
		}
		return rpc.NewStub(rpc.NewTargetHook(&counter{value: start})), nil
	case "generateFibonacci":
		n := 0
		if len(args) > 0 {
			if f, ok := args[0].(float64); ok {
				n = int(f)
			}
		}
		out := make([]any, n)
		a, b := 1.0, 1.0
		for i := range out {
			out[i] = a
			a, b = b, a+b
		}
		return out, nil
	case "addOne":
		if len(args) != 1 {
			return nil, &rpc.ErrorValue{Kind: rpc.KindType, Message: "addOne wants one argument"}
		}
		f, ok := args[0].(float64)
		if !ok {
			return nil, &rpc.ErrorValue{Kind: rpc.KindType, Message: "addOne wants a number"}
		}
		return f + 1, nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such method " + path.String()}
}

// counter is a stateful capability handed out by makeCounter.
type counter struct {
	mu    sync.Mutex
	value float64
}

func (c *counter) Get(ctx context.Context, path rpc.Path) (any, error) {
	if path.String() == "value" {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.value, nil
	}
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such property " + path.String()}
}

func (c *counter) Call(ctx context.Context, path rpc.Path, args []any) (any, error) {
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
	return nil, &rpc.ErrorValue{Kind: rpc.KindReference, Message: "no such method " + path.String()}
}
