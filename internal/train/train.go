// Package train fits the two classifier architectures: a standardised MLP
// over normalised landmark vectors and a small CNN over RGB image grids.
// Training reads its inputs and never modifies them.
package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/nn"
)

// ErrTraining reports a fit that could not produce a usable model.
var ErrTraining = errors.New("training failed")

// Channels is the channel count of image-grid inputs.
const Channels = 3

// Epoch records one pass over the training set.
type Epoch struct {
	Phase    string
	Loss     float64
	Accuracy float64 // holdout accuracy, when measured
}

// Model is a trained classifier together with everything needed to run
// and export it. Exactly one of MLP and Conv is set.
type Model struct {
	Representation dataset.Representation
	// InputShape is [d] for landmark vectors and [edge, edge, 3] for grids.
	InputShape []int
	Classes    *dataset.Classes

	Scaler *nn.Scaler
	MLP    *nn.MLP
	Conv   *nn.ConvNet

	Accuracy float64
	History  []Epoch
}

// InputLen is the length of one feature vector.
func (m *Model) InputLen() int {
	n := 1
	for _, d := range m.InputShape {
		n *= d
	}
	return n
}

// Probabilities runs the model on one feature vector.
func (m *Model) Probabilities(x []float64) ([]float64, error) {
	if len(x) != m.InputLen() {
		return nil, fmt.Errorf("%w: got %d features, want %d", nn.ErrShape, len(x), m.InputLen())
	}
	if m.Conv != nil {
		return m.Conv.Probabilities(x), nil
	}
	return m.MLP.Probabilities(m.Scaler.Transform(x)), nil
}

// Predict returns the most likely label and its probability.
func (m *Model) Predict(x []float64) (string, float64, error) {
	p, err := m.Probabilities(x)
	if err != nil {
		return "", 0, err
	}
	i, conf := nn.Argmax(p)
	return m.Classes.Label(i), conf, nil
}

func checkSplit(split *dataset.Split, classes *dataset.Classes, dim int) error {
	if split == nil || len(split.TrainX) == 0 {
		return fmt.Errorf("%w: empty training set", ErrTraining)
	}
	if classes == nil || classes.Len() == 0 {
		return fmt.Errorf("%w: no classes", ErrTraining)
	}
	check := func(name string, x [][]float64, y []int) error {
		if len(x) != len(y) {
			return fmt.Errorf("%w: %s has %d rows and %d labels", ErrTraining, name, len(x), len(y))
		}
		for i, row := range x {
			if len(row) != dim {
				return fmt.Errorf("%w: %s row %d has %d values, want %d", ErrTraining, name, i, len(row), dim)
			}
			if y[i] < 0 || y[i] >= classes.Len() {
				return fmt.Errorf("%w: %s label index %d outside %d classes", ErrTraining, name, y[i], classes.Len())
			}
		}
		return nil
	}
	if err := check("train", split.TrainX, split.TrainY); err != nil {
		return err
	}
	return check("holdout", split.TestX, split.TestY)
}

// Landmark fits the standardiser and MLP on split.TrainX and reports the
// holdout accuracy.
func Landmark(cfg *config.TrainConfig, split *dataset.Split, classes *dataset.Classes) (*Model, error) {
	if split == nil || len(split.TrainX) == 0 {
		return nil, fmt.Errorf("%w: empty training set", ErrTraining)
	}
	dim := len(split.TrainX[0])
	if err := checkSplit(split, classes, dim); err != nil {
		return nil, err
	}

	scaler, err := nn.FitScaler(split.TrainX)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraining, err)
	}
	sizes := append([]int{dim}, cfg.GetHiddenLayers()...)
	sizes = append(sizes, classes.Len())

	rng := rand.New(rand.NewSource(int64(cfg.GetSeed())))
	mlp := nn.NewMLP(sizes, rng)
	losses, err := mlp.Fit(scaler.TransformAll(split.TrainX), split.TrainY, nn.MLPParams{
		MaxIter:       cfg.GetMaxIter(),
		BatchSize:     cfg.GetBatchSize(),
		LearningRate:  cfg.GetLearningRate(),
		Alpha:         cfg.GetL2Alpha(),
		Tol:           cfg.GetTol(),
		NIterNoChange: cfg.GetNIterNoChange(),
	}, rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraining, err)
	}
	if len(losses) == cfg.GetMaxIter() {
		monitoring.Logf("mlp: reached max_iter=%d before converging", cfg.GetMaxIter())
	}

	m := &Model{
		Representation: dataset.Landmarks,
		InputShape:     []int{dim},
		Classes:        classes,
		Scaler:         scaler,
		MLP:            mlp,
	}
	for _, l := range losses {
		m.History = append(m.History, Epoch{Phase: "fit", Loss: l})
	}
	m.Accuracy = nn.Accuracy(func(x []float64) []float64 {
		return mlp.Probabilities(scaler.Transform(x))
	}, split.TestX, split.TestY)
	monitoring.Logf("mlp: %d classes, %d train, %d holdout, %d iterations, accuracy %.4f",
		classes.Len(), len(split.TrainX), len(split.TestX), len(losses), m.Accuracy)
	return m, nil
}

// FineTuneEpochs is the length of the unfrozen phase.
func FineTuneEpochs(epochs int) int {
	return max(4, epochs/3)
}

// ImageGrid fits the CNN on edge x edge RGB grids. When backbone is non-nil
// its conv weights are loaded and kept frozen for the first phase. With
// fine_tune set, a second phase trains every layer at fine_tune_lr.
func ImageGrid(ctx context.Context, cfg *config.TrainConfig, split *dataset.Split, classes *dataset.Classes, backbone *nn.ConvNet) (*Model, error) {
	edge := cfg.GetImgSize()
	if err := checkSplit(split, classes, edge*edge*Channels); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(int64(cfg.GetSeed())))
	net, err := nn.NewConvNet(edge, Channels, classes.Len(), cfg.GetDropout(), rng)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTraining, err)
	}
	if backbone != nil {
		if err := net.LoadBackbone(backbone); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTraining, err)
		}
		net.Freeze(true)
	}

	params := nn.ConvParams{
		Epochs:       cfg.GetEpochs(),
		BatchSize:    cfg.GetCNNBatchSize(),
		LearningRate: cfg.GetLearningRate(),
		Workers:      cfg.GetWorkers(),
	}
	if cfg.GetAugmentFlip() {
		params.Augment = func(g []float64) []float64 { return imageio.FlipHorizontal(g, edge) }
	}

	m := &Model{
		Representation: dataset.ImageGrid,
		InputShape:     []int{edge, edge, Channels},
		Classes:        classes,
		Conv:           net,
	}
	run := func(phase string, p nn.ConvParams) error {
		stats, err := net.Fit(ctx, split.TrainX, split.TrainY, split.TestX, split.TestY, p, rng)
		for i, s := range stats {
			m.History = append(m.History, Epoch{Phase: phase, Loss: s.Loss, Accuracy: s.ValAccuracy})
			monitoring.Logf("cnn %s epoch %d/%d: loss %.4f holdout accuracy %.4f", phase, i+1, p.Epochs, s.Loss, s.ValAccuracy)
		}
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return fmt.Errorf("%w: %s: %v", ErrTraining, phase, err)
		}
		return nil
	}
	if err := run("fit", params); err != nil {
		return nil, err
	}
	if cfg.GetFineTune() {
		net.Freeze(false)
		params.Epochs = FineTuneEpochs(cfg.GetEpochs())
		params.LearningRate = cfg.GetFineTuneLR()
		if err := run("fine-tune", params); err != nil {
			return nil, err
		}
	}
	m.Accuracy = nn.Accuracy(net.Probabilities, split.TestX, split.TestY)
	monitoring.Logf("cnn: %d classes, %d train, %d holdout, accuracy %.4f",
		classes.Len(), len(split.TrainX), len(split.TestX), m.Accuracy)
	return m, nil
}
