// Package blob decodes serialized dataset containers (Python pickles and
// JSON documents) into a small tree of plain Go values that ingestors can
// classify without knowing where the data came from.
//
// A decoded tree contains only these types: *Map, []any, string, []byte,
// int64, float64, bool, nil, *Array, *Picture, *Object and *Opaque.
package blob

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrUndecodable is returned when a container cannot be decoded at all.
var ErrUndecodable = errors.New("undecodable container")

// maxDepth bounds recursion through nested or self-referencing containers.
const maxDepth = 64

// Map is an insertion-ordered mapping.
type Map struct {
	keys []any
	vals []any
}

// NewMap returns an empty Map.
func NewMap() *Map { return &Map{} }

// Set stores v under k, replacing an existing entry in place.
func (m *Map) Set(k, v any) {
	for i, existing := range m.keys {
		if keyEqual(existing, k) {
			m.vals[i] = v
			return
		}
	}
	m.keys = append(m.keys, k)
	m.vals = append(m.vals, v)
}

// Len returns the number of entries.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.keys)
}

// Key returns the i-th key in insertion order.
func (m *Map) Key(i int) any { return m.keys[i] }

// Value returns the i-th value in insertion order.
func (m *Map) Value(i int) any { return m.vals[i] }

// Keys returns a copy of the keys in insertion order.
func (m *Map) Keys() []any {
	out := make([]any, len(m.keys))
	copy(out, m.keys)
	return out
}

// Lookup finds the value stored under k.
func (m *Map) Lookup(k any) (any, bool) {
	if m == nil {
		return nil, false
	}
	for i, existing := range m.keys {
		if keyEqual(existing, k) {
			return m.vals[i], true
		}
	}
	return nil, false
}

// Get finds the value stored under a string key. Byte-string keys from
// Python 2 pickles match too.
func (m *Map) Get(name string) (any, bool) {
	if v, ok := m.Lookup(name); ok {
		return v, true
	}
	return m.Lookup([]byte(name))
}

func keyEqual(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case int64:
		y, ok := b.(int64)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case bool:
		y, ok := b.(bool)
		return ok && x == y
	case nil:
		return b == nil
	default:
		return false
	}
}

// Array is a numeric n-dimensional array in row-major order.
type Array struct {
	DType string
	Shape []int
	Data  []float64
}

// Size returns the element count implied by the shape.
func (a *Array) Size() int {
	n := 1
	for _, d := range a.Shape {
		n *= d
	}
	return n
}

// Picture is a decoded image object.
type Picture struct {
	Mode  string
	Image image.Image
}

// Object is an instance of an arbitrary class with its attribute dict.
type Object struct {
	Module string
	Name   string
	Attrs  *Map
}

// Attr returns a named attribute.
func (o *Object) Attr(name string) (any, bool) {
	return o.Attrs.Get(name)
}

// Opaque stands in for a value that has no plain representation.
type Opaque struct {
	Type   string
	Reason string
}

// Load decodes the container at path. The format is chosen by extension:
// .pickle, .pkl and .p are Python pickles; .json is JSON.
func Load(path string) (any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".pickle", ".pkl", ".p":
		return decodePickle(f)
	case ".json":
		return decodeJSON(f)
	default:
		return nil, fmt.Errorf("%w: unsupported extension %q", ErrUndecodable, filepath.Ext(path))
	}
}

// AsText renders a scalar label value as text. Integers and floats are
// formatted the way Python's str() would for whole numbers.
func AsText(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case []byte:
		return string(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case bool:
		if x {
			return "True", true
		}
		return "False", true
	default:
		return "", false
	}
}

// TypeName describes the kind of a decoded value.
func TypeName(v any) string {
	switch x := v.(type) {
	case nil:
		return "none"
	case *Map:
		return "map"
	case []any:
		return "list"
	case string:
		return "string"
	case []byte:
		return "bytes"
	case int64:
		return "int"
	case float64:
		return "float"
	case bool:
		return "bool"
	case *Array:
		dims := make([]string, len(x.Shape))
		for i, d := range x.Shape {
			dims[i] = strconv.Itoa(d)
		}
		return fmt.Sprintf("ndarray[%s %s]", x.DType, strings.Join(dims, "x"))
	case *Picture:
		b := x.Image.Bounds()
		return fmt.Sprintf("image[%s %dx%d]", x.Mode, b.Dx(), b.Dy())
	case *Object:
		return "object " + x.Module + "." + x.Name
	case *Opaque:
		return "opaque " + x.Type
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Describe summarises the top-level shape of a decoded container for
// humans deciding which ingestion shape it matches.
func Describe(v any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Top-level type: %s\n", TypeName(v))
	switch x := v.(type) {
	case *Map:
		keys := x.Keys()
		shown := keys
		if len(shown) > 10 {
			shown = shown[:10]
		}
		fmt.Fprintf(&b, "Map keys (%d): %s\n", len(keys), formatKeys(shown))
		for i := 0; i < x.Len() && i < 3; i++ {
			fmt.Fprintf(&b, "Key: %s Value type: %s", formatKey(x.Key(i)), TypeName(x.Value(i)))
			if l, ok := x.Value(i).([]any); ok {
				fmt.Fprintf(&b, " (length %d)", len(l))
			}
			b.WriteByte('\n')
		}
	case []any:
		fmt.Fprintf(&b, "List length: %d\n", len(x))
		for i := 0; i < len(x) && i < 3; i++ {
			fmt.Fprintf(&b, "Item %d type: %s\n", i, TypeName(x[i]))
			switch item := x[i].(type) {
			case []any:
				fmt.Fprintf(&b, "  list length: %d\n", len(item))
			case *Map:
				fmt.Fprintf(&b, "  map keys: %s\n", formatKeys(item.Keys()))
			}
		}
	default:
		if s, ok := AsText(v); ok {
			fmt.Fprintf(&b, "Single value: %q\n", s)
		}
	}
	return b.String()
}

func formatKey(k any) string {
	if s, ok := AsText(k); ok {
		return strconv.Quote(s)
	}
	return TypeName(k)
}

func formatKeys(keys []any) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = formatKey(k)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
