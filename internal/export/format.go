package export

import (
	"bytes"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/nn"
	"github.com/signlearn/trainer/internal/train"
)

// Magic identifies a quantized gesture model.
const Magic = "signlearn.qnn"

// FormatVersion is bumped on incompatible layout changes.
const FormatVersion = 1

// ErrFormat reports a model file that cannot be parsed.
var ErrFormat = errors.New("malformed model file")

// LayerKind enumerates the layer records of a model file.
type LayerKind int

const (
	LayerScaler LayerKind = iota + 1
	LayerDense
	LayerConv
	LayerMaxPool
	LayerGlobalAvgPool
)

// Activation applied after a dense or conv layer.
type Activation int

const (
	ActNone Activation = iota
	ActReLU
	ActSoftmax
)

// Model file fields.
const (
	fieldMagic          protowire.Number = 1
	fieldVersion        protowire.Number = 2
	fieldRepresentation protowire.Number = 3
	fieldInputShape     protowire.Number = 4
	fieldNumClasses     protowire.Number = 5
	fieldManifestSHA    protowire.Number = 6
	fieldLayer          protowire.Number = 7
)

// Layer record fields.
const (
	layerKind       protowire.Number = 1
	layerIn         protowire.Number = 2
	layerOut        protowire.Number = 3
	layerWeights    protowire.Number = 4
	layerScale      protowire.Number = 5
	layerBias       protowire.Number = 6
	layerActivation protowire.Number = 7
	layerMean       protowire.Number = 8
	layerStd        protowire.Number = 9
	layerKernel     protowire.Number = 10
)

// Layer is one decoded layer record. Weights are already dequantized.
type Layer struct {
	Kind       LayerKind
	In, Out    int
	Kernel     int
	Weights    []float64
	Scale      float32
	Bias       []float64
	Activation Activation
	Mean, Std  []float64
}

// File is a decoded model file.
type File struct {
	Version        int
	Representation dataset.Representation
	InputShape     []int
	NumClasses     int
	ManifestSHA256 []byte
	Layers         []Layer
}

// Quantize maps w to symmetric int8 with a single per-tensor scale so that
// w[i] ~ q[i] * scale.
func Quantize(w []float64) ([]int8, float32) {
	maxAbs := 0.0
	for _, v := range w {
		maxAbs = math.Max(maxAbs, math.Abs(v))
	}
	scale := float32(maxAbs / 127)
	if scale == 0 {
		scale = 1
	}
	q := make([]int8, len(w))
	for i, v := range w {
		r := math.Round(v / float64(scale))
		q[i] = int8(math.Max(-127, math.Min(127, r)))
	}
	return q, scale
}

// Dequantize is the inverse of Quantize up to rounding.
func Dequantize(q []int8, scale float32) []float64 {
	out := make([]float64, len(q))
	for i, v := range q {
		out[i] = float64(v) * float64(scale)
	}
	return out
}

func appendFloats(b []byte, num protowire.Number, v []float64) []byte {
	var packed []byte
	for _, f := range v {
		packed = protowire.AppendFixed32(packed, math.Float32bits(float32(f)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendVarint(b []byte, num protowire.Number, v int) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendLayer(b []byte, l Layer) []byte {
	var rec []byte
	rec = appendVarint(rec, layerKind, int(l.Kind))
	rec = appendVarint(rec, layerIn, l.In)
	rec = appendVarint(rec, layerOut, l.Out)
	if l.Kernel > 0 {
		rec = appendVarint(rec, layerKernel, l.Kernel)
	}
	if l.Weights != nil {
		q, scale := Quantize(l.Weights)
		raw := make([]byte, len(q))
		for i, v := range q {
			raw[i] = byte(v)
		}
		rec = protowire.AppendTag(rec, layerWeights, protowire.BytesType)
		rec = protowire.AppendBytes(rec, raw)
		rec = protowire.AppendTag(rec, layerScale, protowire.Fixed32Type)
		rec = protowire.AppendFixed32(rec, math.Float32bits(scale))
	}
	if l.Bias != nil {
		rec = appendFloats(rec, layerBias, l.Bias)
	}
	if l.Activation != ActNone {
		rec = appendVarint(rec, layerActivation, int(l.Activation))
	}
	if l.Mean != nil {
		rec = appendFloats(rec, layerMean, l.Mean)
		rec = appendFloats(rec, layerStd, l.Std)
	}
	b = protowire.AppendTag(b, fieldLayer, protowire.BytesType)
	return protowire.AppendBytes(b, rec)
}

// layers flattens a trained model into layer records in inference order.
func layers(m *train.Model) ([]Layer, error) {
	var out []Layer
	switch {
	case m.MLP != nil:
		if m.Scaler != nil {
			out = append(out, Layer{Kind: LayerScaler, In: len(m.Scaler.Mean), Out: len(m.Scaler.Mean),
				Mean: m.Scaler.Mean, Std: m.Scaler.Scale})
		}
		last := len(m.MLP.Weights) - 1
		for i, w := range m.MLP.Weights {
			in, o := w.Dims()
			act := ActReLU
			if i == last {
				act = ActSoftmax
			}
			out = append(out, Layer{Kind: LayerDense, In: in, Out: o,
				Weights: mat.DenseCopyOf(w).RawMatrix().Data, Bias: m.MLP.Biases[i], Activation: act})
		}
	case m.Conv != nil:
		for _, c := range m.Conv.Convs {
			out = append(out, Layer{Kind: LayerConv, In: c.InC, Out: c.OutC, Kernel: nn.Kernel,
				Weights: c.W, Bias: c.B, Activation: ActReLU})
			if c.Pool {
				out = append(out, Layer{Kind: LayerMaxPool, In: c.OutC, Out: c.OutC, Kernel: 2})
			}
		}
		h := m.Conv.Head
		out = append(out,
			Layer{Kind: LayerGlobalAvgPool, In: h.In, Out: h.In},
			Layer{Kind: LayerDense, In: h.In, Out: h.Out, Weights: h.W, Bias: h.B, Activation: ActSoftmax})
	default:
		return nil, fmt.Errorf("model has no network")
	}
	return out, nil
}

// Encode serialises m, binding it to the manifest by its SHA-256.
func Encode(m *train.Model, manifestSHA []byte) ([]byte, error) {
	ls, err := layers(m)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = protowire.AppendTag(b, fieldMagic, protowire.BytesType)
	b = protowire.AppendString(b, Magic)
	b = appendVarint(b, fieldVersion, FormatVersion)
	b = protowire.AppendTag(b, fieldRepresentation, protowire.BytesType)
	b = protowire.AppendString(b, m.Representation.String())
	var shape []byte
	for _, d := range m.InputShape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	b = protowire.AppendTag(b, fieldInputShape, protowire.BytesType)
	b = protowire.AppendBytes(b, shape)
	b = appendVarint(b, fieldNumClasses, m.Classes.Len())
	b = protowire.AppendTag(b, fieldManifestSHA, protowire.BytesType)
	b = protowire.AppendBytes(b, manifestSHA)
	for _, l := range ls {
		b = appendLayer(b, l)
	}
	return b, nil
}

// fields walks one message, calling fn for each field with the raw value
// bytes (for length-delimited and fixed32 fields) or the varint.
func fields(b []byte, fn func(num protowire.Number, typ protowire.Type, v uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrFormat, protowire.ParseError(n))
		}
		b = b[n:]
		var (
			v   uint64
			raw []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		case protowire.Fixed32Type:
			var u uint32
			u, n = protowire.ConsumeFixed32(b)
			v = uint64(u)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrFormat, num, protowire.ParseError(n))
		}
		b = b[n:]
		if err := fn(num, typ, v, raw); err != nil {
			return err
		}
	}
	return nil
}

func parseFloats(raw []byte) ([]float64, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: packed floats of %d bytes", ErrFormat, len(raw))
	}
	out := make([]float64, 0, len(raw)/4)
	for len(raw) > 0 {
		u, n := protowire.ConsumeFixed32(raw)
		out = append(out, float64(math.Float32frombits(u)))
		raw = raw[n:]
	}
	return out, nil
}

func parseLayer(b []byte) (Layer, error) {
	var (
		l   Layer
		q   []byte
		err error
	)
	err = fields(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		var perr error
		switch num {
		case layerKind:
			l.Kind = LayerKind(v)
		case layerIn:
			l.In = int(v)
		case layerOut:
			l.Out = int(v)
		case layerKernel:
			l.Kernel = int(v)
		case layerWeights:
			q = raw
		case layerScale:
			l.Scale = math.Float32frombits(uint32(v))
		case layerBias:
			l.Bias, perr = parseFloats(raw)
		case layerActivation:
			l.Activation = Activation(v)
		case layerMean:
			l.Mean, perr = parseFloats(raw)
		case layerStd:
			l.Std, perr = parseFloats(raw)
		}
		return perr
	})
	if err != nil {
		return l, err
	}
	if q != nil {
		ints := make([]int8, len(q))
		for i, v := range q {
			ints[i] = int8(v)
		}
		l.Weights = Dequantize(ints, l.Scale)
	}
	return l, nil
}

// Decode parses a model file.
func Decode(b []byte) (*File, error) {
	f := &File{}
	var magic string
	err := fields(b, func(num protowire.Number, _ protowire.Type, v uint64, raw []byte) error {
		switch num {
		case fieldMagic:
			magic = string(raw)
		case fieldVersion:
			f.Version = int(v)
		case fieldRepresentation:
			r, err := dataset.ParseRepresentation(string(raw))
			if err != nil {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
			f.Representation = r
		case fieldInputShape:
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return fmt.Errorf("%w: input shape", ErrFormat)
				}
				f.InputShape = append(f.InputShape, int(d))
				raw = raw[n:]
			}
		case fieldNumClasses:
			f.NumClasses = int(v)
		case fieldManifestSHA:
			f.ManifestSHA256 = bytes.Clone(raw)
		case fieldLayer:
			l, err := parseLayer(raw)
			if err != nil {
				return err
			}
			f.Layers = append(f.Layers, l)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if magic != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, magic)
	}
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, f.Version)
	}
	return f, nil
}

// Rebuild turns a decoded file back into a runnable model over classes.
func (f *File) Rebuild(classes *dataset.Classes) (*train.Model, error) {
	if classes.Len() != f.NumClasses {
		return nil, fmt.Errorf("%w: model has %d classes, manifest %d", ErrFormat, f.NumClasses, classes.Len())
	}
	m := &train.Model{
		Representation: f.Representation,
		InputShape:     append([]int(nil), f.InputShape...),
		Classes:        classes,
	}
	switch f.Representation {
	case dataset.Landmarks:
		mlp := &nn.MLP{}
		for _, l := range f.Layers {
			switch l.Kind {
			case LayerScaler:
				m.Scaler = &nn.Scaler{Mean: l.Mean, Scale: l.Std}
			case LayerDense:
				if len(l.Weights) != l.In*l.Out || len(l.Bias) != l.Out {
					return nil, fmt.Errorf("%w: dense layer %dx%d has %d weights", ErrFormat, l.In, l.Out, len(l.Weights))
				}
				if len(mlp.Sizes) == 0 {
					mlp.Sizes = []int{l.In}
				}
				mlp.Sizes = append(mlp.Sizes, l.Out)
				mlp.Weights = append(mlp.Weights, mat.NewDense(l.In, l.Out, l.Weights))
				mlp.Biases = append(mlp.Biases, l.Bias)
			default:
				return nil, fmt.Errorf("%w: layer kind %d in a landmark model", ErrFormat, l.Kind)
			}
		}
		if len(mlp.Weights) == 0 {
			return nil, fmt.Errorf("%w: no dense layers", ErrFormat)
		}
		if m.Scaler == nil {
			d := mlp.Sizes[0]
			m.Scaler = &nn.Scaler{Mean: make([]float64, d), Scale: make([]float64, d)}
			for i := range m.Scaler.Scale {
				m.Scaler.Scale[i] = 1
			}
		}
		m.MLP = mlp
	case dataset.ImageGrid:
		if len(f.InputShape) != 3 || f.InputShape[0] != f.InputShape[1] {
			return nil, fmt.Errorf("%w: grid input shape %v", ErrFormat, f.InputShape)
		}
		net := &nn.ConvNet{Edge: f.InputShape[0], Channels: f.InputShape[2]}
		for _, l := range f.Layers {
			switch l.Kind {
			case LayerConv:
				if len(l.Weights) != l.Out*nn.Kernel*nn.Kernel*l.In || len(l.Bias) != l.Out {
					return nil, fmt.Errorf("%w: conv layer %dx%d has %d weights", ErrFormat, l.In, l.Out, len(l.Weights))
				}
				net.Convs = append(net.Convs, &nn.Conv2D{InC: l.In, OutC: l.Out, W: l.Weights, B: l.Bias})
			case LayerMaxPool:
				if len(net.Convs) == 0 {
					return nil, fmt.Errorf("%w: pooling before any conv layer", ErrFormat)
				}
				net.Convs[len(net.Convs)-1].Pool = true
			case LayerGlobalAvgPool:
			case LayerDense:
				if len(l.Weights) != l.In*l.Out || len(l.Bias) != l.Out {
					return nil, fmt.Errorf("%w: dense layer %dx%d has %d weights", ErrFormat, l.In, l.Out, len(l.Weights))
				}
				net.Head = &nn.Dense{In: l.In, Out: l.Out, W: l.Weights, B: l.Bias}
			default:
				return nil, fmt.Errorf("%w: layer kind %d in a grid model", ErrFormat, l.Kind)
			}
		}
		if len(net.Convs) == 0 || net.Head == nil {
			return nil, fmt.Errorf("%w: incomplete conv model", ErrFormat)
		}
		m.Conv = net
	}
	return m, nil
}
