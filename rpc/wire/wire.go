// Package wire marshals session frames. The protocol form is a textual
// array per frame (tag first, arguments following) with values encoded
// by the rpc codec's tree grammar. A canonical CBOR form is available for
// dense transports; both peers must agree on the codec out of band.
package wire

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/loom/rpc"
)

// Tag identifies a frame kind.
type Tag string

const (
	TagPush    Tag = "push"
	TagPull    Tag = "pull"
	TagResolve Tag = "resolve"
	TagReject  Tag = "reject"
	TagRelease Tag = "release"
	TagAbort   Tag = "abort"
)

// Frame is one session message. Expr is set for push, resolve, and
// reject; Count for release.
type Frame struct {
	Tag   Tag
	ID    int64
	Count int64
	Expr  rpc.Instruction
}

// Codec turns frames into transport messages and back.
type Codec interface {
	Name() string
	Marshal(f *Frame) ([]byte, error)
	Unmarshal(data []byte) (*Frame, error)
}

// tree lowers a frame to the generic array form shared by both codecs.
func tree(f *Frame) ([]any, error) {
	switch f.Tag {
	case TagPush, TagResolve, TagReject:
		if f.Expr == nil {
			return nil, fmt.Errorf("wire: %s frame without expression", f.Tag)
		}
		return []any{string(f.Tag), float64(f.ID), rpc.EncodeTree(f.Expr)}, nil
	case TagPull:
		return []any{string(f.Tag), float64(f.ID)}, nil
	case TagRelease:
		return []any{string(f.Tag), float64(f.ID), float64(f.Count)}, nil
	case TagAbort:
		return []any{string(f.Tag)}, nil
	default:
		return nil, fmt.Errorf("wire: unknown frame tag %q", f.Tag)
	}
}

// parse raises the generic array form back into a frame, enforcing the
// frame grammar. Violations are protocol errors and abort the session.
func parse(arr []any) (*Frame, error) {
	if len(arr) == 0 {
		return nil, &rpc.ProtocolError{Detail: "empty frame"}
	}
	tag, ok := arr[0].(string)
	if !ok {
		return nil, &rpc.ProtocolError{Detail: "frame tag must be a string"}
	}
	f := &Frame{Tag: Tag(tag)}
	wantID := func() (int64, error) {
		if len(arr) < 2 {
			return 0, &rpc.ProtocolError{Detail: tag + " frame without id"}
		}
		id, ok := asInt64(arr[1])
		if !ok {
			return 0, &rpc.ProtocolError{Detail: tag + " frame id must be an integer"}
		}
		return id, nil
	}
	switch f.Tag {
	case TagPush, TagResolve, TagReject:
		id, err := wantID()
		if err != nil {
			return nil, err
		}
		if len(arr) != 3 {
			return nil, &rpc.ProtocolError{Detail: fmt.Sprintf("%s frame wants 2 arguments, got %d", tag, len(arr)-1)}
		}
		if f.Tag == TagPush && id <= 0 {
			return nil, &rpc.ProtocolError{Detail: fmt.Sprintf("push id %d must be positive", id)}
		}
		if id == 0 {
			return nil, &rpc.ProtocolError{Detail: tag + " of the bootstrap id"}
		}
		expr, err := rpc.DecodeTree(arr[2])
		if err != nil {
			return nil, err
		}
		f.ID, f.Expr = id, expr
		return f, nil
	case TagPull:
		id, err := wantID()
		if err != nil {
			return nil, err
		}
		if len(arr) != 2 {
			return nil, &rpc.ProtocolError{Detail: fmt.Sprintf("pull frame wants 1 argument, got %d", len(arr)-1)}
		}
		if id == 0 {
			return nil, &rpc.ProtocolError{Detail: "pull of the bootstrap id"}
		}
		f.ID = id
		return f, nil
	case TagRelease:
		if len(arr) != 3 {
			return nil, &rpc.ProtocolError{Detail: fmt.Sprintf("release frame wants 2 arguments, got %d", len(arr)-1)}
		}
		id, err := wantID()
		if err != nil {
			return nil, err
		}
		if id == 0 {
			return nil, &rpc.ProtocolError{Detail: "release of the bootstrap id"}
		}
		n, ok := asInt64(arr[2])
		if !ok || n <= 0 {
			return nil, &rpc.ProtocolError{Detail: "release count must be a positive integer"}
		}
		f.ID, f.Count = id, n
		return f, nil
	case TagAbort:
		if len(arr) != 1 {
			return nil, &rpc.ProtocolError{Detail: "abort frame carries no arguments"}
		}
		return f, nil
	default:
		return nil, &rpc.ProtocolError{Detail: fmt.Sprintf("unknown frame tag %q", tag)}
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return i, true
	}
	return 0, false
}

// ---------------------------------------------------------------------------
// JSON codec (protocol default)
// ---------------------------------------------------------------------------

type jsonCodec struct{}

// NewJSONCodec returns the textual frame codec.
func NewJSONCodec() Codec { return jsonCodec{} }

func (jsonCodec) Name() string { return "json" }

func (jsonCodec) Marshal(f *Frame) ([]byte, error) {
	t, err := tree(f)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return data, nil
}

func (jsonCodec) Unmarshal(data []byte) (*Frame, error) {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return nil, &rpc.ProtocolError{Detail: "malformed frame: " + err.Error()}
	}
	return parse(arr)
}

// ---------------------------------------------------------------------------
// CBOR codec (dense option)
// ---------------------------------------------------------------------------

var (
	cborEncMode cbor.EncMode
	cborDecMode cbor.DecMode
)

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em

	dm, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("wire: failed to create CBOR dec mode: %v", err))
	}
	cborDecMode = dm
}

type cborCodec struct{}

// NewCBORCodec returns the canonical CBOR frame codec.
func NewCBORCodec() Codec { return cborCodec{} }

func (cborCodec) Name() string { return "cbor" }

func (cborCodec) Marshal(f *Frame) ([]byte, error) {
	t, err := tree(f)
	if err != nil {
		return nil, err
	}
	data, err := cborEncMode.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal frame: %w", err)
	}
	return data, nil
}

func (cborCodec) Unmarshal(data []byte) (*Frame, error) {
	var arr []any
	if err := cborDecMode.Unmarshal(data, &arr); err != nil {
		return nil, &rpc.ProtocolError{Detail: "malformed frame: " + err.Error()}
	}
	return parse(arr)
}

// ByName resolves a codec by its config name.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return NewJSONCodec(), nil
	case "cbor":
		return NewCBORCodec(), nil
	default:
		return nil, fmt.Errorf("wire: unknown codec %q", name)
	}
}
