package rpc

import (
	"fmt"
	"strconv"
	"strings"
)

// Element is one step of a property path: either a string key or a
// non-negative array index.
type Element struct {
	Key     string
	Index   int
	IsIndex bool
}

// Key makes a string path element.
func Key(s string) Element { return Element{Key: s} }

// Index makes an array-index path element.
func Index(i int) Element { return Element{Index: i, IsIndex: true} }

func (e Element) String() string {
	if e.IsIndex {
		return strconv.Itoa(e.Index)
	}
	return e.Key
}

// Path addresses a location inside a value. The empty path is the root.
type Path []Element

// P builds a path from string keys and integer indexes.
// P("foo", 2, "bar") addresses foo[2].bar.
func P(elems ...any) Path {
	p := make(Path, 0, len(elems))
	for _, e := range elems {
		switch x := e.(type) {
		case string:
			p = append(p, Key(x))
		case int:
			p = append(p, Index(x))
		case Element:
			p = append(p, x)
		default:
			panic(fmt.Sprintf("rpc: path element must be string or int, got %T", e))
		}
	}
	return p
}

// Append returns a new path extending p by rest. The receiver is not
// modified.
func (p Path) Append(rest Path) Path {
	out := make(Path, 0, len(p)+len(rest))
	out = append(out, p...)
	out = append(out, rest...)
	return out
}

func (p Path) String() string {
	parts := make([]string, len(p))
	for i, e := range p {
		parts[i] = e.String()
	}
	return strings.Join(parts, ".")
}

// forbiddenKeys are object keys that collide with the root-object
// prototype surface of the protocol's reference hosts, plus toJSON. They
// are refused in paths and silently dropped from decoded objects.
var forbiddenKeys = map[string]bool{
	"__proto__":            true,
	"__defineGetter__":     true,
	"__defineSetter__":     true,
	"__lookupGetter__":     true,
	"__lookupSetter__":     true,
	"constructor":          true,
	"prototype":            true,
	"hasOwnProperty":       true,
	"isPrototypeOf":        true,
	"propertyIsEnumerable": true,
	"toLocaleString":       true,
	"toString":             true,
	"valueOf":              true,
	"toJSON":               true,
}

// ForbiddenKey reports whether an object key must be rejected.
func ForbiddenKey(k string) bool { return forbiddenKeys[k] }

// Validate rejects paths containing forbidden keys.
func (p Path) Validate() error {
	for _, e := range p {
		if !e.IsIndex && ForbiddenKey(e.Key) {
			return &PathError{Key: e.Key}
		}
		if e.IsIndex && e.Index < 0 {
			return fmt.Errorf("rpc: negative path index %d", e.Index)
		}
	}
	return nil
}

// encodePath lowers a path to its wire form, a flat array of strings and
// numbers.
func encodePath(p Path) []any {
	out := make([]any, len(p))
	for i, e := range p {
		if e.IsIndex {
			out[i] = float64(e.Index)
		} else {
			out[i] = e.Key
		}
	}
	return out
}

// decodePath parses the wire form of a path and validates it.
func decodePath(v any) (Path, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("rpc: path must be an array, got %T", v)
	}
	p := make(Path, 0, len(arr))
	for _, e := range arr {
		switch x := e.(type) {
		case string:
			p = append(p, Key(x))
		default:
			n, ok := asInt64(e)
			if !ok || n < 0 {
				return nil, fmt.Errorf("rpc: bad path element %v", e)
			}
			p = append(p, Index(int(n)))
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
