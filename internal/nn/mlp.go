package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrDiverged reports a loss that became NaN or infinite.
var ErrDiverged = errors.New("training diverged")

// MLP is a fully connected classifier with ReLU hidden layers and a
// softmax output.
type MLP struct {
	// Sizes lists the input width, each hidden width and the class count.
	Sizes []int
	// Weights[l] is Sizes[l] x Sizes[l+1].
	Weights []*mat.Dense
	Biases  [][]float64
}

// MLPParams controls MLP.Fit.
type MLPParams struct {
	MaxIter       int
	BatchSize     int
	LearningRate  float64
	Alpha         float64 // L2 penalty
	Tol           float64
	NIterNoChange int
}

// NewMLP initialises weights and biases uniformly in
// ±sqrt(6 / (fan_in + fan_out)).
func NewMLP(sizes []int, rng *rand.Rand) *MLP {
	m := &MLP{Sizes: append([]int(nil), sizes...)}
	for l := 0; l+1 < len(sizes); l++ {
		in, out := sizes[l], sizes[l+1]
		bound := math.Sqrt(6 / float64(in+out))
		w := make([]float64, in*out)
		for i := range w {
			w[i] = (2*rng.Float64() - 1) * bound
		}
		b := make([]float64, out)
		for i := range b {
			b[i] = (2*rng.Float64() - 1) * bound
		}
		m.Weights = append(m.Weights, mat.NewDense(in, out, w))
		m.Biases = append(m.Biases, b)
	}
	return m
}

// forward returns the activations of every layer, input first.
func (m *MLP) forward(x *mat.Dense) []*mat.Dense {
	acts := []*mat.Dense{x}
	last := len(m.Weights) - 1
	for l, w := range m.Weights {
		z := new(mat.Dense)
		z.Mul(acts[l], w)
		rows, cols := z.Dims()
		raw := z.RawMatrix()
		for r := 0; r < rows; r++ {
			row := raw.Data[r*raw.Stride : r*raw.Stride+cols]
			floats.Add(row, m.Biases[l])
			if l < last {
				for j, v := range row {
					if v < 0 {
						row[j] = 0
					}
				}
			} else {
				softmax(row)
			}
		}
		acts = append(acts, z)
	}
	return acts
}

// Probabilities returns the class distribution for one input.
func (m *MLP) Probabilities(x []float64) []float64 {
	in := mat.NewDense(1, len(x), append([]float64(nil), x...))
	acts := m.forward(in)
	return mat.Row(nil, 0, acts[len(acts)-1])
}

// Fit trains the network with mini-batch Adam on cross-entropy plus an L2
// penalty. Samples are reshuffled every epoch. Training stops after
// MaxIter epochs or once the epoch loss has failed to improve by Tol for
// more than NIterNoChange epochs in a row. It returns the loss per epoch.
func (m *MLP) Fit(x [][]float64, y []int, p MLPParams, rng *rand.Rand) ([]float64, error) {
	n := len(x)
	if n == 0 || len(y) != n {
		return nil, fmt.Errorf("%w: %d rows, %d labels", ErrShape, n, len(y))
	}
	d, k := m.Sizes[0], m.Sizes[len(m.Sizes)-1]
	for i, row := range x {
		if len(row) != d {
			return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), d)
		}
		if y[i] < 0 || y[i] >= k {
			return nil, fmt.Errorf("%w: label %d outside [0, %d)", ErrShape, y[i], k)
		}
	}

	batch := p.BatchSize
	if batch <= 0 || batch > n {
		batch = n
	}
	params := m.params()
	opt := NewAdam(p.LearningRate)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}

	var losses []float64
	best := math.Inf(1)
	stale := 0
	for epoch := 0; epoch < p.MaxIter; epoch++ {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
		total := 0.0
		for start := 0; start < n; start += batch {
			end := min(start+batch, n)
			idx := order[start:end]
			xb := mat.NewDense(len(idx), d, nil)
			yb := make([]int, len(idx))
			for r, i := range idx {
				xb.SetRow(r, x[i])
				yb[r] = y[i]
			}
			loss, grads := m.backward(m.forward(xb), yb, p.Alpha)
			total += loss * float64(len(idx))
			opt.Step(params, grads)
		}
		loss := total / float64(n)
		if math.IsNaN(loss) || math.IsInf(loss, 0) {
			return losses, fmt.Errorf("%w at epoch %d", ErrDiverged, epoch+1)
		}
		losses = append(losses, loss)

		if loss > best-p.Tol {
			stale++
		} else {
			stale = 0
		}
		if loss < best {
			best = loss
		}
		if stale > p.NIterNoChange {
			break
		}
	}
	return losses, nil
}

// params lists weight and bias slices in the order backward returns
// their gradients.
func (m *MLP) params() [][]float64 {
	var out [][]float64
	for l, w := range m.Weights {
		out = append(out, w.RawMatrix().Data, m.Biases[l])
	}
	return out
}

// backward returns the batch loss and the gradients of params.
func (m *MLP) backward(acts []*mat.Dense, y []int, alpha float64) (float64, [][]float64) {
	bs := float64(len(y))
	probs := acts[len(acts)-1]

	loss := 0.0
	delta := mat.DenseCopyOf(probs)
	for r, c := range y {
		loss -= math.Log(math.Max(probs.At(r, c), 1e-12))
		delta.Set(r, c, delta.At(r, c)-1)
	}
	penalty := 0.0
	for _, w := range m.Weights {
		raw := w.RawMatrix().Data
		penalty += floats.Dot(raw, raw)
	}
	loss = loss/bs + 0.5*alpha*penalty/bs

	grads := make([][]float64, 2*len(m.Weights))
	for l := len(m.Weights) - 1; l >= 0; l-- {
		gw := new(mat.Dense)
		gw.Mul(acts[l].T(), delta)
		gw.Scale(1/bs, gw)
		gw.Add(gw, scaled(alpha/bs, m.Weights[l]))

		rows, cols := delta.Dims()
		gb := make([]float64, cols)
		for r := 0; r < rows; r++ {
			floats.Add(gb, delta.RawRowView(r))
		}
		floats.Scale(1/bs, gb)
		grads[2*l], grads[2*l+1] = gw.RawMatrix().Data, gb

		if l == 0 {
			break
		}
		next := new(mat.Dense)
		next.Mul(delta, m.Weights[l].T())
		prev := acts[l]
		nr, nc := next.Dims()
		for r := 0; r < nr; r++ {
			for c := 0; c < nc; c++ {
				if prev.At(r, c) <= 0 {
					next.Set(r, c, 0)
				}
			}
		}
		delta = next
	}
	return loss, grads
}

func scaled(f float64, a *mat.Dense) *mat.Dense {
	out := new(mat.Dense)
	out.Scale(f, a)
	return out
}

// softmax replaces v with its softmax in place.
func softmax(v []float64) {
	maxV := floats.Max(v)
	sum := 0.0
	for i, x := range v {
		v[i] = math.Exp(x - maxV)
		sum += v[i]
	}
	floats.Scale(1/sum, v)
}

// Argmax returns the index and value of the largest entry.
func Argmax(v []float64) (int, float64) {
	i := floats.MaxIdx(v)
	return i, v[i]
}
