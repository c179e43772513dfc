package blob

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
)

// The unpickler hands back its own container types. They are matched by
// method set so the decoder does not depend on their concrete layout.
type (
	pySequence interface {
		Len() int
		Get(i int) interface{}
	}
	pyMapping interface {
		Len() int
		Keys() []interface{}
		Get(key interface{}) (interface{}, bool)
	}
)

func decodePickle(r io.Reader) (any, error) {
	u := pickle.NewUnpickler(r)
	u.FindClass = findClass
	raw, err := u.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	return convert(raw, 0)
}

// findClass resolves the globals a dataset pickle may reference. Unknown
// classes become generic objects so their attributes stay reachable.
func findClass(module, name string) (interface{}, error) {
	isNumpy := module == "numpy" || strings.HasPrefix(module, "numpy.")
	switch {
	case isNumpy && name == "_reconstruct":
		return reconstructFunc{}, nil
	case isNumpy && name == "_frombuffer":
		return frombufferFunc{}, nil
	case isNumpy && name == "scalar":
		return scalarFunc{}, nil
	case isNumpy && name == "dtype":
		return dtypeClass{}, nil
	case isNumpy && name == "ndarray":
		return ndarrayClass{}, nil
	case module == "_codecs" && name == "encode":
		return bytesFunc{}, nil
	case (module == "builtins" || module == "__builtin__") && (name == "bytes" || name == "bytearray"):
		return bytesFunc{}, nil
	case strings.HasPrefix(module, "PIL.") && (name == "Image" || strings.HasSuffix(name, "ImageFile")):
		return pilClass{name: module + "." + name}, nil
	default:
		return &objectClass{module: module, name: name}, nil
	}
}

// convert maps unpickled values onto the package's value tree.
func convert(v interface{}, depth int) (any, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: nesting deeper than %d", ErrUndecodable, maxDepth)
	}
	switch x := v.(type) {
	case nil, bool, string, float64, int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case *big.Int:
		if x.IsInt64() {
			return x.Int64(), nil
		}
		f, _ := new(big.Float).SetInt(x).Float64()
		return f, nil
	case []byte:
		return x, nil
	case *ndarray:
		return x.value(depth)
	case *pilImage:
		if x.err != nil {
			return &Opaque{Type: x.class, Reason: x.err.Error()}, nil
		}
		return &Picture{Mode: x.mode, Image: x.img}, nil
	case *object:
		return x.value(depth)
	case numpyScalar:
		return x.v, nil
	case *types.OrderedDict:
		m := NewMap()
		for e := x.List.Front(); e != nil; e = e.Next() {
			entry, ok := e.Value.(*types.OrderedDictEntry)
			if !ok {
				continue
			}
			ck, err := convert(entry.Key, depth+1)
			if err != nil {
				return nil, err
			}
			cv, err := convert(entry.Value, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(ck, cv)
		}
		return m, nil
	}
	if b, ok := byteSlice(v); ok {
		return b, nil
	}
	switch x := v.(type) {
	case pyMapping:
		m := NewMap()
		for _, k := range x.Keys() {
			val, _ := x.Get(k)
			ck, err := convert(k, depth+1)
			if err != nil {
				return nil, err
			}
			cv, err := convert(val, depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(ck, cv)
		}
		return m, nil
	case pySequence:
		out := make([]any, x.Len())
		for i := range out {
			cv, err := convert(x.Get(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return out, nil
	}
	return &Opaque{Type: fmt.Sprintf("%T", v)}, nil
}

// asBytes accepts byte slices and, for Python 2 str payloads, latin-1 text.
func asBytes(v interface{}) ([]byte, bool) {
	if s, ok := v.(string); ok {
		return latin1(s), true
	}
	return byteSlice(v)
}

// byteSlice accepts []byte and named byte-slice types such as bytearray.
func byteSlice(v interface{}) ([]byte, bool) {
	if b, ok := v.([]byte); ok {
		return b, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return rv.Bytes(), true
	}
	return nil, false
}

type bytesFunc struct{}

// Call builds bytes from bytes(), bytearray(src) or the
// _codecs.encode(text, "latin1") form Python 3 uses at protocol 2.
func (bytesFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return []byte{}, nil
	}
	if s, ok := args[0].(string); ok {
		return latin1(s), nil
	}
	if b, ok := byteSlice(args[0]); ok {
		return append([]byte(nil), b...), nil
	}
	return nil, fmt.Errorf("bytes: unsupported source %T", args[0])
}

func latin1(s string) []byte {
	if !utf8.ValidString(s) {
		return []byte(s)
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r > 0xff {
			return []byte(s)
		}
		out = append(out, byte(r))
	}
	return out
}

func asInt(v interface{}) (int, bool) {
	switch x := v.(type) {
	case int:
		return x, true
	case int64:
		return int(x), true
	case int32:
		return int(x), true
	case *big.Int:
		if x.IsInt64() {
			return int(x.Int64()), true
		}
	}
	return 0, false
}

func asInts(v interface{}) ([]int, bool) {
	if n, ok := asInt(v); ok {
		return []int{n}, true
	}
	seq, ok := v.(pySequence)
	if !ok {
		return nil, false
	}
	out := make([]int, seq.Len())
	for i := range out {
		n, ok := asInt(seq.Get(i))
		if !ok {
			return nil, false
		}
		out[i] = n
	}
	return out, true
}

func seqItems(v interface{}) ([]interface{}, bool) {
	seq, ok := v.(pySequence)
	if !ok {
		return nil, false
	}
	out := make([]interface{}, seq.Len())
	for i := range out {
		out[i] = seq.Get(i)
	}
	return out, true
}

// numpy -------------------------------------------------------------------

type ndarrayClass struct{}

type dtypeClass struct{}

// dtype is a numpy dtype: kind letter, item size and byte order.
type dtype struct {
	kind     byte
	size     int
	bigEnd   bool
	rawDescr string
}

func (dtypeClass) Call(args ...interface{}) (interface{}, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("numpy.dtype: missing descriptor")
	}
	descr, ok := args[0].(string)
	if !ok {
		return nil, fmt.Errorf("numpy.dtype: descriptor is %T", args[0])
	}
	return parseDType(descr)
}

func parseDType(descr string) (*dtype, error) {
	d := &dtype{rawDescr: descr}
	s := descr
	if s != "" && strings.ContainsRune("<>|=", rune(s[0])) {
		d.bigEnd = s[0] == '>'
		s = s[1:]
	}
	if s == "" {
		return nil, fmt.Errorf("numpy.dtype: empty descriptor %q", descr)
	}
	d.kind = s[0]
	if len(s) > 1 {
		n, err := strconv.Atoi(s[1:])
		if err != nil {
			return nil, fmt.Errorf("numpy.dtype: descriptor %q: %w", descr, err)
		}
		d.size = n
		if d.kind == 'U' {
			d.size = 4 * n
		}
	}
	return d, nil
}

// PySetState applies (version, byteorder, subarray, names, fields, elsize,
// alignment, flags).
func (d *dtype) PySetState(state interface{}) error {
	items, ok := seqItems(state)
	if !ok || len(items) < 2 {
		return nil
	}
	if order, ok := items[1].(string); ok {
		d.bigEnd = order == ">"
	}
	if len(items) > 5 {
		if n, ok := asInt(items[5]); ok && n > 0 {
			d.size = n
		}
	}
	return nil
}

func (d *dtype) order() binary.ByteOrder {
	if d.bigEnd {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

func (d *dtype) name() string {
	switch d.kind {
	case 'f':
		return "float" + strconv.Itoa(8*d.size)
	case 'i':
		return "int" + strconv.Itoa(8*d.size)
	case 'u':
		return "uint" + strconv.Itoa(8*d.size)
	case 'b':
		return "bool"
	default:
		return d.rawDescr
	}
}

// numeric decodes one element of a numeric dtype.
func (d *dtype) numeric(b []byte) (float64, error) {
	o := d.order()
	switch {
	case d.kind == 'b' && d.size == 1:
		if b[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case d.kind == 'u' && d.size == 1:
		return float64(b[0]), nil
	case d.kind == 'i' && d.size == 1:
		return float64(int8(b[0])), nil
	case d.kind == 'u' && d.size == 2:
		return float64(o.Uint16(b)), nil
	case d.kind == 'i' && d.size == 2:
		return float64(int16(o.Uint16(b))), nil
	case d.kind == 'u' && d.size == 4:
		return float64(o.Uint32(b)), nil
	case d.kind == 'i' && d.size == 4:
		return float64(int32(o.Uint32(b))), nil
	case d.kind == 'u' && d.size == 8:
		return float64(o.Uint64(b)), nil
	case d.kind == 'i' && d.size == 8:
		return float64(int64(o.Uint64(b))), nil
	case d.kind == 'f' && d.size == 4:
		return float64(math.Float32frombits(o.Uint32(b))), nil
	case d.kind == 'f' && d.size == 8:
		return math.Float64frombits(o.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", d.rawDescr)
	}
}

// ndarray is filled in two steps: _reconstruct creates it, BUILD sets its
// shape, dtype and raw bytes.
type ndarray struct {
	shape   []int
	dt      *dtype
	fortran bool
	raw     interface{}
}

type reconstructFunc struct{}

func (reconstructFunc) Call(args ...interface{}) (interface{}, error) {
	return &ndarray{}, nil
}

// PySetState applies (version, shape, dtype, is_fortran, rawdata); older
// pickles omit the version.
func (a *ndarray) PySetState(state interface{}) error {
	items, ok := seqItems(state)
	if !ok {
		return fmt.Errorf("ndarray state is %T", state)
	}
	if len(items) == 5 {
		items = items[1:]
	}
	if len(items) != 4 {
		return fmt.Errorf("ndarray state has %d fields", len(items))
	}
	shape, ok := asInts(items[0])
	if !ok {
		return fmt.Errorf("ndarray shape is %T", items[0])
	}
	dt, ok := items[1].(*dtype)
	if !ok {
		return fmt.Errorf("ndarray dtype is %T", items[1])
	}
	fortran, _ := items[2].(bool)
	a.shape, a.dt, a.fortran, a.raw = shape, dt, fortran, items[3]
	return nil
}

type frombufferFunc struct{}

// Call handles _frombuffer(buffer, dtype, shape, order) from protocol 5.
func (frombufferFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("_frombuffer: want 4 arguments, got %d", len(args))
	}
	dt, ok := args[1].(*dtype)
	if !ok {
		return nil, fmt.Errorf("_frombuffer: dtype is %T", args[1])
	}
	shape, ok := asInts(args[2])
	if !ok {
		return nil, fmt.Errorf("_frombuffer: shape is %T", args[2])
	}
	order, _ := args[3].(string)
	return &ndarray{shape: shape, dt: dt, fortran: order == "F", raw: args[0]}, nil
}

type numpyScalar struct{ v any }

type scalarFunc struct{}

// Call handles scalar(dtype, bytes) used for numpy scalar values.
func (scalarFunc) Call(args ...interface{}) (interface{}, error) {
	if len(args) < 2 {
		return nil, fmt.Errorf("numpy scalar: want 2 arguments, got %d", len(args))
	}
	dt, ok := args[0].(*dtype)
	if !ok {
		return nil, fmt.Errorf("numpy scalar: dtype is %T", args[0])
	}
	a := &ndarray{shape: nil, dt: dt, raw: args[1]}
	v, err := a.value(0)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case *Array:
		if len(x.Data) == 1 {
			if dt.kind == 'i' || dt.kind == 'u' {
				return numpyScalar{int64(x.Data[0])}, nil
			}
			return numpyScalar{x.Data[0]}, nil
		}
	case []any:
		if len(x) == 1 {
			return numpyScalar{x[0]}, nil
		}
	}
	return numpyScalar{v}, nil
}

func (a *ndarray) size() int {
	n := 1
	for _, d := range a.shape {
		n *= d
	}
	return n
}

// value converts the array: numeric dtypes become *Array, string and
// object dtypes become a flat []any.
func (a *ndarray) value(depth int) (any, error) {
	if a.dt == nil {
		return &Opaque{Type: "numpy.ndarray", Reason: "missing dtype"}, nil
	}
	n := a.size()

	if a.dt.kind == 'O' {
		items, ok := seqItems(a.raw)
		if !ok {
			return &Opaque{Type: "numpy.ndarray", Reason: "object array without item list"}, nil
		}
		out := make([]any, len(items))
		for i, it := range items {
			cv, err := convert(it, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = cv
		}
		return a.reorder(out), nil
	}

	raw, ok := asBytes(a.raw)
	if !ok {
		return &Opaque{Type: "numpy.ndarray", Reason: fmt.Sprintf("raw data is %T", a.raw)}, nil
	}
	size := a.dt.size
	if size <= 0 || len(raw) < n*size {
		return &Opaque{Type: "numpy.ndarray", Reason: fmt.Sprintf("%d bytes for %d items of %q", len(raw), n, a.dt.rawDescr)}, nil
	}

	switch a.dt.kind {
	case 'U', 'S':
		out := make([]any, n)
		for i := range out {
			out[i] = a.dt.text(raw[i*size : (i+1)*size])
		}
		return a.reorder(out), nil
	}

	data := make([]float64, n)
	for i := range data {
		v, err := a.dt.numeric(raw[i*size : (i+1)*size])
		if err != nil {
			return &Opaque{Type: "numpy.ndarray", Reason: err.Error()}, nil
		}
		data[i] = v
	}
	if a.fortran && len(a.shape) > 1 {
		data = fortranToC(data, a.shape)
	}
	shape := append([]int(nil), a.shape...)
	return &Array{DType: a.dt.name(), Shape: shape, Data: data}, nil
}

func (a *ndarray) reorder(items []any) []any {
	if !a.fortran || len(a.shape) < 2 {
		return items
	}
	idx := make([]float64, len(items))
	for i := range idx {
		idx[i] = float64(i)
	}
	out := make([]any, len(items))
	for i, j := range fortranToC(idx, a.shape) {
		out[i] = items[int(j)]
	}
	return out
}

func (d *dtype) text(b []byte) string {
	if d.kind == 'S' {
		end := len(b)
		for end > 0 && b[end-1] == 0 {
			end--
		}
		return string(b[:end])
	}
	o := d.order()
	var sb strings.Builder
	for i := 0; i+4 <= len(b); i += 4 {
		r := rune(o.Uint32(b[i:]))
		if r == 0 {
			break
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// fortranToC reorders column-major data into row-major order.
func fortranToC(data []float64, shape []int) []float64 {
	out := make([]float64, len(data))
	nd := len(shape)
	idx := make([]int, nd)
	for c := range out {
		// c is a row-major position; compute its column-major offset.
		rem := c
		for k := nd - 1; k >= 0; k-- {
			idx[k] = rem % shape[k]
			rem /= shape[k]
		}
		f, stride := 0, 1
		for k := 0; k < nd; k++ {
			f += idx[k] * stride
			stride *= shape[k]
		}
		out[c] = data[f]
	}
	return out
}

// PIL ---------------------------------------------------------------------

type pilClass struct{ name string }

func (c pilClass) PyNew(args ...interface{}) (interface{}, error) {
	return &pilImage{class: c.name}, nil
}

func (c pilClass) Call(args ...interface{}) (interface{}, error) {
	return &pilImage{class: c.name}, nil
}

// pilImage collects the [info, mode, size, palette, data] state written by
// PIL's Image.__getstate__. Decode problems are kept rather than failing
// the whole load, so one bad picture only drops one sample.
type pilImage struct {
	class string
	mode  string
	img   image.Image
	err   error
}

func (p *pilImage) PySetState(state interface{}) error {
	p.img, p.mode, p.err = decodePILState(state)
	return nil
}

func decodePILState(state interface{}) (image.Image, string, error) {
	items, ok := seqItems(state)
	if !ok || len(items) < 5 {
		return nil, "", fmt.Errorf("unexpected image state %T", state)
	}
	mode, _ := items[1].(string)
	size, ok := asInts(items[2])
	if !ok || len(size) != 2 || size[0] <= 0 || size[1] <= 0 {
		return nil, mode, fmt.Errorf("bad image size %v", items[2])
	}
	data, ok := asBytes(items[4])
	if !ok {
		return nil, mode, fmt.Errorf("image data is %T", items[4])
	}
	w, h := size[0], size[1]
	rect := image.Rect(0, 0, w, h)

	need := func(bpp int) error {
		if len(data) < w*h*bpp {
			return fmt.Errorf("mode %s %dx%d needs %d bytes, got %d", mode, w, h, w*h*bpp, len(data))
		}
		return nil
	}

	switch mode {
	case "L":
		if err := need(1); err != nil {
			return nil, mode, err
		}
		img := image.NewGray(rect)
		copy(img.Pix, data[:w*h])
		return img, mode, nil
	case "RGB":
		if err := need(3); err != nil {
			return nil, mode, err
		}
		img := image.NewNRGBA(rect)
		for i := 0; i < w*h; i++ {
			copy(img.Pix[4*i:4*i+3], data[3*i:3*i+3])
			img.Pix[4*i+3] = 0xff
		}
		return img, mode, nil
	case "RGBA":
		if err := need(4); err != nil {
			return nil, mode, err
		}
		img := image.NewNRGBA(rect)
		copy(img.Pix, data[:4*w*h])
		return img, mode, nil
	case "P":
		if err := need(1); err != nil {
			return nil, mode, err
		}
		palette := color.Palette{}
		if entries, ok := asInts(items[3]); ok {
			for i := 0; i+2 < len(entries); i += 3 {
				palette = append(palette, color.NRGBA{R: uint8(entries[i]), G: uint8(entries[i+1]), B: uint8(entries[i+2]), A: 0xff})
			}
		}
		if len(palette) == 0 {
			return nil, mode, fmt.Errorf("palette image without palette")
		}
		img := image.NewPaletted(rect, palette)
		for i, v := range data[:w*h] {
			if int(v) >= len(palette) {
				return nil, mode, fmt.Errorf("palette index %d out of range", v)
			}
			img.Pix[i] = v
		}
		return img, mode, nil
	default:
		return nil, mode, fmt.Errorf("unsupported image mode %q", mode)
	}
}

// generic objects ---------------------------------------------------------

type objectClass struct{ module, name string }

func (c *objectClass) PyNew(args ...interface{}) (interface{}, error) {
	return &object{class: c, args: args}, nil
}

func (c *objectClass) Call(args ...interface{}) (interface{}, error) {
	return &object{class: c, args: args}, nil
}

// object records instance state (attribute dict) and, for dict subclasses
// such as OrderedDict, the items set on it.
type object struct {
	class *objectClass
	args  []interface{}
	state interface{}
	keys  []interface{}
	vals  []interface{}
}

func (o *object) PySetState(state interface{}) error {
	o.state = state
	return nil
}

func (o *object) PyDictSet(key, value interface{}) error {
	o.Set(key, value)
	return nil
}

// Set receives SETITEM on dict subclasses.
func (o *object) Set(key, value interface{}) {
	o.keys = append(o.keys, key)
	o.vals = append(o.vals, value)
}

func (o *object) value(depth int) (any, error) {
	// Dict subclasses carry their payload as items.
	if len(o.keys) > 0 && o.state == nil {
		m := NewMap()
		for i, k := range o.keys {
			ck, err := convert(k, depth+1)
			if err != nil {
				return nil, err
			}
			cv, err := convert(o.vals[i], depth+1)
			if err != nil {
				return nil, err
			}
			m.Set(ck, cv)
		}
		return m, nil
	}

	attrs := NewMap()
	state := o.state
	// (dict_state, slot_state) pairs come from classes with __slots__.
	if items, ok := seqItems(state); ok && len(items) == 2 {
		for _, part := range items {
			if part == nil {
				continue
			}
			if err := mergeAttrs(attrs, part, depth); err != nil {
				return nil, err
			}
		}
	} else if state != nil {
		if err := mergeAttrs(attrs, state, depth); err != nil {
			return nil, err
		}
	}
	return &Object{Module: o.class.module, Name: o.class.name, Attrs: attrs}, nil
}

func mergeAttrs(attrs *Map, state interface{}, depth int) error {
	cv, err := convert(state, depth+1)
	if err != nil {
		return err
	}
	m, ok := cv.(*Map)
	if !ok {
		return nil
	}
	for i := 0; i < m.Len(); i++ {
		attrs.Set(m.Key(i), m.Value(i))
	}
	return nil
}
