package nn

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"runtime"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Kernel is the side of every convolution window.
const Kernel = 3

// Conv2D is a valid 3x3 convolution followed by ReLU and, when Pool is
// set, a 2x2 max pool. W is laid out [out][ky][kx][in].
type Conv2D struct {
	InC, OutC int
	W         []float64
	B         []float64
	Pool      bool
	Frozen    bool
}

// Dense is a fully connected layer with W laid out [in][out].
type Dense struct {
	In, Out int
	W       []float64
	B       []float64
}

// ConvNet stacks Conv2D layers, a global average pool, dropout and a dense
// softmax head. Inputs are row-major HWC grids of Edge x Edge x Channels.
type ConvNet struct {
	Edge     int
	Channels int
	Convs    []*Conv2D
	Head     *Dense
	Dropout  float64
}

// ConvParams controls ConvNet.Fit.
type ConvParams struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	// Augment, when set, is applied to a random half of the training
	// samples each epoch.
	Augment func(x []float64) []float64
	Workers int
}

// EpochStats is the outcome of one training epoch.
type EpochStats struct {
	Loss        float64
	ValAccuracy float64
}

// NewConvNet builds the Conv32-pool-Conv64-pool-Conv128 stack with a
// dense head over classes outputs. Weights use Glorot uniform init, biases
// start at zero.
func NewConvNet(edge, channels, classes int, dropout float64, rng *rand.Rand) (*ConvNet, error) {
	return NewConvNetLayers(edge, channels, classes, []int{32, 64, 128}, dropout, rng)
}

// NewConvNetLayers builds a net with one conv layer per entry of filters.
// Every layer but the last is followed by max pooling.
func NewConvNetLayers(edge, channels, classes int, filters []int, dropout float64, rng *rand.Rand) (*ConvNet, error) {
	if len(filters) == 0 || classes < 1 || channels < 1 {
		return nil, fmt.Errorf("%w: %d filters, %d classes, %d channels", ErrShape, len(filters), classes, channels)
	}
	n := &ConvNet{Edge: edge, Channels: channels, Dropout: dropout}
	side, in := edge, channels
	for i, out := range filters {
		side -= Kernel - 1
		pool := i < len(filters)-1
		if pool {
			side /= 2
		}
		if side < 1 {
			return nil, fmt.Errorf("%w: input edge %d too small for %d conv layers", ErrShape, edge, len(filters))
		}
		fanIn, fanOut := Kernel*Kernel*in, Kernel*Kernel*out
		n.Convs = append(n.Convs, &Conv2D{
			InC: in, OutC: out, Pool: pool,
			W: glorot(out*Kernel*Kernel*in, fanIn, fanOut, rng),
			B: make([]float64, out),
		})
		in = out
	}
	n.Head = &Dense{In: in, Out: classes, W: glorot(in*classes, in, classes, rng), B: make([]float64, classes)}
	return n, nil
}

func glorot(size, fanIn, fanOut int, rng *rand.Rand) []float64 {
	bound := math.Sqrt(6 / float64(fanIn+fanOut))
	w := make([]float64, size)
	for i := range w {
		w[i] = (2*rng.Float64() - 1) * bound
	}
	return w
}

// InputLen is the expected length of one input grid.
func (n *ConvNet) InputLen() int { return n.Edge * n.Edge * n.Channels }

// Freeze marks every conv layer frozen or trainable.
func (n *ConvNet) Freeze(frozen bool) {
	for _, c := range n.Convs {
		c.Frozen = frozen
	}
}

// Clone returns a deep copy.
func (n *ConvNet) Clone() *ConvNet {
	out := &ConvNet{Edge: n.Edge, Channels: n.Channels, Dropout: n.Dropout}
	for _, c := range n.Convs {
		cc := *c
		cc.W = append([]float64(nil), c.W...)
		cc.B = append([]float64(nil), c.B...)
		out.Convs = append(out.Convs, &cc)
	}
	h := *n.Head
	h.W = append([]float64(nil), n.Head.W...)
	h.B = append([]float64(nil), n.Head.B...)
	out.Head = &h
	return out
}

// LoadBackbone copies the conv weights of src into n. Both nets must have
// the same conv stack and input channels.
func (n *ConvNet) LoadBackbone(src *ConvNet) error {
	if len(src.Convs) != len(n.Convs) || src.Channels != n.Channels {
		return fmt.Errorf("%w: backbone has %d conv layers over %d channels, want %d over %d",
			ErrShape, len(src.Convs), src.Channels, len(n.Convs), n.Channels)
	}
	for i, c := range src.Convs {
		dst := n.Convs[i]
		if c.InC != dst.InC || c.OutC != dst.OutC || c.Pool != dst.Pool {
			return fmt.Errorf("%w: backbone layer %d is %dx%d, want %dx%d", ErrShape, i, c.InC, c.OutC, dst.InC, dst.OutC)
		}
		copy(dst.W, c.W)
		copy(dst.B, c.B)
	}
	return nil
}

type tensor struct {
	h, w, c int
	d       []float64
}

func (t tensor) at(y, x int) int { return (y*t.w + x) * t.c }

// convTrace keeps what backpropagation through one conv layer needs.
type convTrace struct {
	in     tensor
	act    tensor // after ReLU, before pooling
	argmax []int  // index into act.d for each pooled value
}

type trace struct {
	convs []convTrace
	gap   []float64
	mask  []float64
	probs []float64
}

func (c *Conv2D) forward(in tensor) (tensor, convTrace) {
	out := tensor{h: in.h - Kernel + 1, w: in.w - Kernel + 1, c: c.OutC}
	out.d = make([]float64, out.h*out.w*out.c)
	for y := 0; y < out.h; y++ {
		for x := 0; x < out.w; x++ {
			dst := out.d[out.at(y, x) : out.at(y, x)+out.c]
			for o := range dst {
				s := c.B[o]
				for ky := 0; ky < Kernel; ky++ {
					for kx := 0; kx < Kernel; kx++ {
						src := in.d[in.at(y+ky, x+kx) : in.at(y+ky, x+kx)+in.c]
						wo := ((o*Kernel+ky)*Kernel + kx) * c.InC
						s += floats.Dot(src, c.W[wo:wo+c.InC])
					}
				}
				if s < 0 {
					s = 0
				}
				dst[o] = s
			}
		}
	}
	tr := convTrace{in: in, act: out}
	if !c.Pool {
		return out, tr
	}
	pooled := tensor{h: out.h / 2, w: out.w / 2, c: out.c}
	pooled.d = make([]float64, pooled.h*pooled.w*pooled.c)
	tr.argmax = make([]int, len(pooled.d))
	for y := 0; y < pooled.h; y++ {
		for x := 0; x < pooled.w; x++ {
			for ch := 0; ch < pooled.c; ch++ {
				best := out.at(2*y, 2*x) + ch
				for _, p := range [3]int{out.at(2*y, 2*x+1), out.at(2*y+1, 2*x), out.at(2*y+1, 2*x+1)} {
					if out.d[p+ch] > out.d[best] {
						best = p + ch
					}
				}
				i := pooled.at(y, x) + ch
				pooled.d[i] = out.d[best]
				tr.argmax[i] = best
			}
		}
	}
	return pooled, tr
}

// forward runs one sample. mask is nil at inference time.
func (n *ConvNet) forward(x []float64, mask []float64) trace {
	t := tensor{h: n.Edge, w: n.Edge, c: n.Channels, d: x}
	var tr trace
	for _, c := range n.Convs {
		var ct convTrace
		t, ct = c.forward(t)
		tr.convs = append(tr.convs, ct)
	}
	gap := make([]float64, t.c)
	for p := 0; p < t.h*t.w; p++ {
		floats.Add(gap, t.d[p*t.c:(p+1)*t.c])
	}
	floats.Scale(1/float64(t.h*t.w), gap)
	tr.gap = gap
	h := gap
	if mask != nil {
		h = make([]float64, len(gap))
		floats.MulTo(h, gap, mask)
		tr.mask = mask
	}
	logits := append([]float64(nil), n.Head.B...)
	for i, v := range h {
		if v == 0 {
			continue
		}
		floats.AddScaled(logits, v, n.Head.W[i*n.Head.Out:(i+1)*n.Head.Out])
	}
	softmax(logits)
	tr.probs = logits
	return tr
}

// Probabilities returns the class distribution for one input grid.
func (n *ConvNet) Probabilities(x []float64) []float64 {
	return n.forward(x, nil).probs
}

// gradients mirrors the trainable parameters; frozen layers stay nil.
type gradients struct {
	convW, convB [][]float64
	headW, headB []float64
}

func (n *ConvNet) newGradients() *gradients {
	g := &gradients{
		convW: make([][]float64, len(n.Convs)),
		convB: make([][]float64, len(n.Convs)),
		headW: make([]float64, len(n.Head.W)),
		headB: make([]float64, len(n.Head.B)),
	}
	for i, c := range n.Convs {
		if !c.Frozen {
			g.convW[i] = make([]float64, len(c.W))
			g.convB[i] = make([]float64, len(c.B))
		}
	}
	return g
}

// lowestTrainable is the index of the first unfrozen conv layer or
// len(Convs) when all are frozen.
func (n *ConvNet) lowestTrainable() int {
	for i, c := range n.Convs {
		if !c.Frozen {
			return i
		}
	}
	return len(n.Convs)
}

// backward returns the sample loss and fills g.
func (n *ConvNet) backward(tr trace, label int, g *gradients) float64 {
	loss := -math.Log(math.Max(tr.probs[label], 1e-12))
	delta := append([]float64(nil), tr.probs...)
	delta[label]--

	h := tr.gap
	if tr.mask != nil {
		h = make([]float64, len(tr.gap))
		floats.MulTo(h, tr.gap, tr.mask)
	}
	out := n.Head.Out
	copy(g.headB, delta)
	dh := make([]float64, len(h))
	for i, v := range h {
		row := n.Head.W[i*out : (i+1)*out]
		floats.AddScaled(g.headW[i*out:(i+1)*out], v, delta)
		dh[i] = floats.Dot(row, delta)
	}
	stop := n.lowestTrainable()
	if stop == len(n.Convs) {
		return loss
	}
	if tr.mask != nil {
		floats.Mul(dh, tr.mask)
	}

	// Spread the GAP gradient over the last activation map.
	last := tr.convs[len(tr.convs)-1]
	top := last.act
	if last.argmax != nil {
		top = tensor{h: top.h / 2, w: top.w / 2, c: top.c}
	}
	grad := make([]float64, top.h*top.w*top.c)
	floats.Scale(1/float64(top.h*top.w), dh)
	for p := 0; p < top.h*top.w; p++ {
		copy(grad[p*top.c:(p+1)*top.c], dh)
	}

	for l := len(n.Convs) - 1; l >= stop; l-- {
		grad = n.Convs[l].backward(tr.convs[l], grad, g.convW[l], g.convB[l], l > stop)
	}
	return loss
}

// backward takes the gradient of this layer's output (after pooling) and
// accumulates dW and dB. It returns the input gradient when needInput.
func (c *Conv2D) backward(tr convTrace, grad, dW, dB []float64, needInput bool) []float64 {
	act := tr.act
	dz := grad
	if tr.argmax != nil {
		dz = make([]float64, len(act.d))
		for i, src := range tr.argmax {
			dz[src] += grad[i]
		}
	}
	for i, v := range act.d {
		if v <= 0 {
			dz[i] = 0
		}
	}
	in := tr.in
	var dIn []float64
	if needInput {
		dIn = make([]float64, len(in.d))
	}
	for y := 0; y < act.h; y++ {
		for x := 0; x < act.w; x++ {
			g := dz[act.at(y, x) : act.at(y, x)+act.c]
			for o, v := range g {
				if v == 0 {
					continue
				}
				dB[o] += v
				for ky := 0; ky < Kernel; ky++ {
					for kx := 0; kx < Kernel; kx++ {
						ii := in.at(y+ky, x+kx)
						wo := ((o*Kernel+ky)*Kernel + kx) * c.InC
						floats.AddScaled(dW[wo:wo+c.InC], v, in.d[ii:ii+c.InC])
						if needInput {
							floats.AddScaled(dIn[ii:ii+c.InC], v, c.W[wo:wo+c.InC])
						}
					}
				}
			}
		}
	}
	return dIn
}

// params and grads list trainable slices in matching order.
func (n *ConvNet) params() [][]float64 {
	var out [][]float64
	for _, c := range n.Convs {
		if !c.Frozen {
			out = append(out, c.W, c.B)
		}
	}
	return append(out, n.Head.W, n.Head.B)
}

func (g *gradients) list() [][]float64 {
	var out [][]float64
	for i := range g.convW {
		if g.convW[i] != nil {
			out = append(out, g.convW[i], g.convB[i])
		}
	}
	return append(out, g.headW, g.headB)
}

// Fit trains with mini-batch Adam on cross-entropy. Per-sample gradients
// are computed concurrently and summed in sample order, so results depend
// only on the data, the parameters and rng. When valX is non-empty the
// returned stats carry the holdout accuracy after every epoch.
func (n *ConvNet) Fit(ctx context.Context, x [][]float64, y []int, valX [][]float64, valY []int, p ConvParams, rng *rand.Rand) ([]EpochStats, error) {
	if len(x) == 0 || len(x) != len(y) || len(valX) != len(valY) {
		return nil, fmt.Errorf("%w: %d rows, %d labels, %d/%d holdout", ErrShape, len(x), len(y), len(valX), len(valY))
	}
	for i, row := range x {
		if len(row) != n.InputLen() {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), n.InputLen())
		}
		if y[i] < 0 || y[i] >= n.Head.Out {
			return nil, fmt.Errorf("%w: label %d outside [0, %d)", ErrShape, y[i], n.Head.Out)
		}
	}
	batch := p.BatchSize
	if batch <= 0 || batch > len(x) {
		batch = len(x)
	}
	workers := p.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	params := n.params()
	opt := NewAdam(p.LearningRate)
	order := make([]int, len(x))
	for i := range order {
		order[i] = i
	}
	keep := 1 - n.Dropout

	var history []EpochStats
	for epoch := 0; epoch < p.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		total := 0.0
		for start := 0; start < len(order); start += batch {
			idx := order[start:min(start+batch, len(order))]

			// Draw all randomness up front so worker scheduling cannot
			// change it.
			masks := make([][]float64, len(idx))
			flips := make([]bool, len(idx))
			for s := range idx {
				if n.Dropout > 0 {
					m := make([]float64, n.Head.In)
					for j := range m {
						if rng.Float64() < keep {
							m[j] = 1 / keep
						}
					}
					masks[s] = m
				}
				flips[s] = p.Augment != nil && rng.Float64() < 0.5
			}

			grads := make([]*gradients, len(idx))
			losses := make([]float64, len(idx))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for s, i := range idx {
				g.Go(func() error {
					if err := gctx.Err(); err != nil {
						return err
					}
					in := x[i]
					if flips[s] {
						in = p.Augment(in)
					}
					grads[s] = n.newGradients()
					losses[s] = n.backward(n.forward(in, masks[s]), y[i], grads[s])
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return history, err
			}

			sum := grads[0].list()
			for s := 1; s < len(grads); s++ {
				for k, part := range grads[s].list() {
					floats.Add(sum[k], part)
				}
			}
			for _, part := range sum {
				floats.Scale(1/float64(len(idx)), part)
			}
			opt.Step(params, sum)
			total += floats.Sum(losses)
		}
		loss := total / float64(len(x))
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return history, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch+1)
		}
		history = append(history, EpochStats{Loss: loss, ValAccuracy: Accuracy(n.Probabilities, valX, valY)})
	}
	return history, nil
}

// Accuracy is the fraction of rows whose argmax matches the label. It is
// zero for an empty set.
func Accuracy(predict func([]float64) []float64, x [][]float64, y []int) float64 {
	if len(x) == 0 {
		return 0
	}
	hits := 0
	for i, row := range x {
		if best, _ := Argmax(predict(row)); best == y[i] {
			hits++
		}
	}
	return float64(hits) / float64(len(x))
}
