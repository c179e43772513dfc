package train

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/nn"
)

func init() {
	monitoring.SetLogger(nil)
}

func clusterSamples(perClass int) []dataset.Sample {
	rng := rand.New(rand.NewSource(1))
	centres := map[string][2]float64{"A": {-3, -3}, "B": {3, 3}, "C": {-3, 3}}
	var out []dataset.Sample
	for _, label := range []string{"A", "B", "C"} {
		c := centres[label]
		for i := 0; i < perClass; i++ {
			out = append(out, dataset.Sample{
				Label:    label,
				Features: []float64{c[0] + rng.NormFloat64()*0.2, c[1] + rng.NormFloat64()*0.2, rng.Float64()},
			})
		}
	}
	return out
}

func splitOf(t *testing.T, samples []dataset.Sample) (*dataset.Split, *dataset.Classes) {
	t.Helper()
	a, err := dataset.Assemble(samples, 1)
	require.NoError(t, err)
	s, err := a.Split(0.2, 42)
	require.NoError(t, err)
	return s, a.Classes
}

func deepCopy(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

func landmarkConfig() *config.TrainConfig {
	return &config.TrainConfig{
		HiddenLayers: []int{16, 8},
		LearningRate: config.PtrFloat64(0.01),
	}
}

func TestLandmark(t *testing.T) {
	split, classes := splitOf(t, clusterSamples(20))
	trainX := deepCopy(split.TrainX)
	testX := deepCopy(split.TestX)

	m, err := Landmark(landmarkConfig(), split, classes)
	require.NoError(t, err)
	assert.Equal(t, trainX, split.TrainX, "training rows untouched")
	assert.Equal(t, testX, split.TestX, "holdout rows untouched")

	assert.Equal(t, dataset.Landmarks, m.Representation)
	assert.Equal(t, []int{3}, m.InputShape)
	assert.Equal(t, []int{3, 16, 8, 3}, m.MLP.Sizes)
	assert.Same(t, classes, m.Classes)
	assert.Equal(t, 1.0, m.Accuracy)
	assert.NotEmpty(t, m.History)

	label, conf, err := m.Predict([]float64{3, 3, 0.5})
	require.NoError(t, err)
	assert.Equal(t, "B", label)
	assert.Greater(t, conf, 0.5)

	_, _, err = m.Predict([]float64{1})
	assert.ErrorIs(t, err, nn.ErrShape)
}

func TestLandmark_Deterministic(t *testing.T) {
	split, classes := splitOf(t, clusterSamples(10))
	a, err := Landmark(landmarkConfig(), split, classes)
	require.NoError(t, err)
	b, err := Landmark(landmarkConfig(), split, classes)
	require.NoError(t, err)
	assert.Equal(t, a.History, b.History)
	assert.Equal(t, a.MLP.Biases, b.MLP.Biases)
}

func TestLandmark_BadShapes(t *testing.T) {
	classes := dataset.NewClasses([]string{"A", "B"})
	cfg := landmarkConfig()

	_, err := Landmark(cfg, &dataset.Split{}, classes)
	assert.ErrorIs(t, err, ErrTraining)

	_, err = Landmark(cfg, &dataset.Split{
		TrainX: [][]float64{{1, 2}, {1}},
		TrainY: []int{0, 1},
	}, classes)
	assert.ErrorIs(t, err, ErrTraining)

	_, err = Landmark(cfg, &dataset.Split{
		TrainX: [][]float64{{1, 2}, {3, 4}},
		TrainY: []int{0, 2},
	}, classes)
	assert.ErrorIs(t, err, ErrTraining)
}

const testEdge = 18

func gridSamples(perClass int) []dataset.Sample {
	rng := rand.New(rand.NewSource(3))
	var out []dataset.Sample
	for c, label := range []string{"DARK", "LIGHT"} {
		for i := 0; i < perClass; i++ {
			g := make([]float64, testEdge*testEdge*Channels)
			for j := range g {
				g[j] = 0.1 + 0.8*float64(c) + rng.Float64()*0.05
			}
			out = append(out, dataset.Sample{Label: label, Features: g})
		}
	}
	return out
}

func gridConfig() *config.TrainConfig {
	return &config.TrainConfig{
		ImgSize:      config.PtrInt(testEdge),
		Epochs:       config.PtrInt(2),
		CNNBatchSize: config.PtrInt(4),
		Workers:      config.PtrInt(2),
	}
}

func TestImageGrid(t *testing.T) {
	split, classes := splitOf(t, gridSamples(5))
	trainX := deepCopy(split.TrainX)

	m, err := ImageGrid(context.Background(), gridConfig(), split, classes, nil)
	require.NoError(t, err)
	assert.Equal(t, trainX, split.TrainX)
	assert.Equal(t, dataset.ImageGrid, m.Representation)
	assert.Equal(t, []int{testEdge, testEdge, Channels}, m.InputShape)
	require.Len(t, m.History, 2)
	for _, e := range m.History {
		assert.Equal(t, "fit", e.Phase)
	}
	p, err := m.Probabilities(split.TestX[0])
	require.NoError(t, err)
	assert.Len(t, p, 2)
}

func TestImageGrid_FrozenBackboneAndFineTune(t *testing.T) {
	split, classes := splitOf(t, gridSamples(4))
	backbone, err := nn.NewConvNet(testEdge, Channels, 7, 0.2, rand.New(rand.NewSource(9)))
	require.NoError(t, err)

	m, err := ImageGrid(context.Background(), gridConfig(), split, classes, backbone)
	require.NoError(t, err)
	for i, c := range m.Conv.Convs {
		assert.Equal(t, backbone.Convs[i].W, c.W, "conv %d stays frozen", i)
	}

	cfg := gridConfig()
	cfg.FineTune = config.PtrBool(true)
	m, err = ImageGrid(context.Background(), cfg, split, classes, backbone)
	require.NoError(t, err)
	require.Len(t, m.History, 2+FineTuneEpochs(2))
	assert.Equal(t, "fine-tune", m.History[len(m.History)-1].Phase)
	assert.NotEqual(t, backbone.Convs[0].W, m.Conv.Convs[0].W)
}

func TestImageGrid_Errors(t *testing.T) {
	split, classes := splitOf(t, gridSamples(3))
	cfg := gridConfig()
	cfg.ImgSize = config.PtrInt(20)
	_, err := ImageGrid(context.Background(), cfg, split, classes, nil)
	assert.ErrorIs(t, err, ErrTraining)

	wrong, err := nn.NewConvNetLayers(testEdge, Channels, 2, []int{8, 8}, 0, rand.New(rand.NewSource(1)))
	require.NoError(t, err)
	_, err = ImageGrid(context.Background(), gridConfig(), split, classes, wrong)
	assert.ErrorIs(t, err, ErrTraining)
}

func TestFineTuneEpochs(t *testing.T) {
	assert.Equal(t, 4, FineTuneEpochs(10))
	assert.Equal(t, 10, FineTuneEpochs(30))
	assert.Equal(t, 4, FineTuneEpochs(0))
}
