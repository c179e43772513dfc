package export

import (
	"encoding/json"
	"image"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/nn"
	"github.com/signlearn/trainer/internal/train"
)

func init() {
	monitoring.SetLogger(nil)
}

var names = Names{Model: "gesture_frame_mlp.qnn", Manifest: "labels.json"}

func samples(labels ...string) []dataset.Sample {
	rng := rand.New(rand.NewSource(1))
	centre := map[string]float64{"A": -4, "B": 0, "C": 4}
	var out []dataset.Sample
	for _, l := range labels {
		c := centre[l]
		out = append(out, dataset.Sample{Label: l, Features: []float64{c + rng.NormFloat64()*0.1, -c + rng.NormFloat64()*0.1}})
	}
	return out
}

func trainedLandmarkModel(t *testing.T) *train.Model {
	t.Helper()
	var labels []string
	for i := 0; i < 10; i++ {
		labels = append(labels, "A", "B", "C")
	}
	a, err := dataset.Assemble(samples(labels...), 5)
	require.NoError(t, err)
	split, err := a.Split(0.2, 42)
	require.NoError(t, err)
	m, err := train.Landmark(&config.TrainConfig{
		HiddenLayers: []int{8},
		LearningRate: config.PtrFloat64(0.02),
	}, split, a.Classes)
	require.NoError(t, err)
	return m
}

func TestQuantize(t *testing.T) {
	q, scale := Quantize([]float64{-2.54, 0, 1.27, 2.54})
	assert.InDelta(t, 0.02, float64(scale), 1e-7)
	assert.Equal(t, []int8{-127, 0, 64, 127}, q)
	assert.InDeltaSlice(t, []float64{-2.54, 0, 1.28, 2.54}, Dequantize(q, scale), 1e-6)

	q, scale = Quantize([]float64{0, 0})
	assert.Equal(t, float32(1), scale)
	assert.Equal(t, []int8{0, 0}, q)
}

func TestWritePair_ReadPair_Landmarks(t *testing.T) {
	m := trainedLandmarkModel(t)
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, WritePair(fsys, "out", names, m))
	assert.Equal(t, []string{filepath.Join("out", names.Model), filepath.Join("out", names.Manifest)}, fsys.Files())

	manifest, err := fsys.ReadFile(filepath.Join("out", names.Manifest))
	require.NoError(t, err)
	var labels []string
	require.NoError(t, json.Unmarshal(manifest, &labels))
	assert.Equal(t, []string{"A", "B", "C"}, labels)

	p, err := ReadPair(fsys, "out", names)
	require.NoError(t, err)
	assert.Equal(t, dataset.Landmarks, p.File.Representation)
	assert.Equal(t, []int{2}, p.File.InputShape)
	assert.Equal(t, 3, p.File.NumClasses)

	for label, x := range map[string][]float64{"A": {-4, 4}, "B": {0, 0}, "C": {4, -4}} {
		got, conf, err := p.Predict(x)
		require.NoError(t, err)
		assert.Equal(t, label, got)
		want, _, err := m.Predict(x)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Greater(t, conf, 0.5)
	}

	_, _, err = p.PredictImage(image.NewRGBA(image.Rect(0, 0, 4, 4)))
	assert.Error(t, err)
}

func TestManifest_IndependentOfSampleOrder(t *testing.T) {
	in := samples("C", "A", "B", "A", "C", "B")
	a, err := dataset.Assemble(in, 1)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(4))
	permuted := append([]dataset.Sample(nil), in...)
	rng.Shuffle(len(permuted), func(i, j int) { permuted[i], permuted[j] = permuted[j], permuted[i] })
	b, err := dataset.Assemble(permuted, 1)
	require.NoError(t, err)

	ma, err := Manifest(a.Classes)
	require.NoError(t, err)
	mb, err := Manifest(b.Classes)
	require.NoError(t, err)
	assert.Equal(t, ma, mb)
	assert.Equal(t, "[\"A\",\"B\",\"C\"]\n", string(ma))
}

func TestWritePair_FailureLeavesNothing(t *testing.T) {
	m := trainedLandmarkModel(t)
	for _, tc := range []struct {
		op, prefix string
	}{
		{"write", "." + names.Model},
		{"write", "." + names.Manifest},
		{"rename", names.Model},
		{"rename", names.Manifest},
	} {
		t.Run(tc.op+" "+tc.prefix, func(t *testing.T) {
			fsys := fsutil.NewMemoryFileSystem()
			fsys.FailOn(tc.op, tc.prefix, nil)
			err := WritePair(fsys, "out", names, m)
			require.ErrorIs(t, err, ErrExportIO)
			assert.Empty(t, fsys.Files())
		})
	}
}

func TestWritePair_FailureOverPreviousPair(t *testing.T) {
	m := trainedLandmarkModel(t)
	for _, tc := range []struct {
		op, prefix string
	}{
		{"rename", names.Model},
		{"rename", names.Manifest},
		{"remove", names.Manifest},
	} {
		t.Run(tc.op+" "+tc.prefix, func(t *testing.T) {
			fsys := fsutil.NewMemoryFileSystem()
			require.NoError(t, WritePair(fsys, "out", names, m))
			require.Len(t, fsys.Files(), 2)

			fsys.FailOn(tc.op, tc.prefix, nil)
			err := WritePair(fsys, "out", names, m)
			require.ErrorIs(t, err, ErrExportIO)
			if tc.op == "remove" {
				// Nothing was touched: the previous pair is intact.
				_, err := ReadPair(fsys, "out", names)
				assert.NoError(t, err)
				return
			}
			assert.Empty(t, fsys.Files())
		})
	}
}

func TestWritePair_BadNames(t *testing.T) {
	m := trainedLandmarkModel(t)
	fsys := fsutil.NewMemoryFileSystem()
	for _, n := range []Names{
		{Model: "../m.qnn", Manifest: "labels.json"},
		{Model: "m.qnn", Manifest: ""},
		{Model: "same", Manifest: "same"},
	} {
		assert.ErrorIs(t, WritePair(fsys, "out", n, m), ErrExportIO, "%+v", n)
	}
	assert.Empty(t, fsys.Files())
}

func TestReadPair_DetectsMismatchedManifest(t *testing.T) {
	m := trainedLandmarkModel(t)
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, WritePair(fsys, "out", names, m))
	require.NoError(t, fsys.WriteFile(filepath.Join("out", names.Manifest), []byte(`["A","B","D"]`+"\n"), 0o644))
	_, err := ReadPair(fsys, "out", names)
	assert.ErrorIs(t, err, ErrPairMismatch)

	require.NoError(t, fsys.WriteFile(filepath.Join("out", names.Model), []byte("junk"), 0o644))
	_, err = ReadPair(fsys, "out", names)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestWritePair_ReadPair_ImageGrid(t *testing.T) {
	net, err := nn.NewConvNetLayers(8, 3, 2, []int{3, 4}, 0, rand.New(rand.NewSource(2)))
	require.NoError(t, err)
	m := &train.Model{
		Representation: dataset.ImageGrid,
		InputShape:     []int{8, 8, 3},
		Classes:        dataset.NewClasses([]string{"X", "Y"}),
		Conv:           net,
	}
	fsys := fsutil.NewMemoryFileSystem()
	require.NoError(t, WritePair(fsys, "out", names, m))
	p, err := ReadPair(fsys, "out", names)
	require.NoError(t, err)

	require.Len(t, p.Model.Conv.Convs, 2)
	assert.True(t, p.Model.Conv.Convs[0].Pool)
	assert.False(t, p.Model.Conv.Convs[1].Pool)

	x := make([]float64, 8*8*3)
	rng := rand.New(rand.NewSource(3))
	for i := range x {
		x[i] = rng.Float64()
	}
	want, err := m.Probabilities(x)
	require.NoError(t, err)
	got, err := p.Model.Probabilities(x)
	require.NoError(t, err)
	assert.InDeltaSlice(t, want, got, 0.05)

	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 30, B: 90, A: 255})
		}
	}
	label, _, err := p.PredictImage(img)
	require.NoError(t, err)
	assert.Contains(t, []string{"X", "Y"}, label)
}

func TestWriteRaw(t *testing.T) {
	dir := t.TempDir()
	in := samples("C", "A", "C", "B")
	require.NoError(t, WriteRaw(fsutil.OSFileSystem{}, dir, in))

	f, err := os.Open(filepath.Join(dir, RawFeaturesFile))
	require.NoError(t, err)
	defer f.Close()
	var x mat.Dense
	require.NoError(t, npyio.Read(f, &x))
	r, c := x.Dims()
	assert.Equal(t, 4, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, in[1].Features, mat.Row(nil, 1, &x))

	g, err := os.Open(filepath.Join(dir, RawLabelsFile))
	require.NoError(t, err)
	defer g.Close()
	var y []int64
	require.NoError(t, npyio.Read(g, &y))
	if diff := cmp.Diff([]int64{2, 0, 2, 1}, y); diff != "" {
		t.Errorf("labels (-want +got):\n%s", diff)
	}

	raw, err := os.ReadFile(filepath.Join(dir, RawLabelNames))
	require.NoError(t, err)
	assert.JSONEq(t, `["A","B","C"]`, string(raw))
}

func TestWriteRaw_Errors(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	assert.ErrorIs(t, WriteRaw(fsys, "out", nil), ErrExportIO)

	bad := []dataset.Sample{{Label: "A", Features: []float64{1, 2}}, {Label: "B", Features: []float64{1}}}
	assert.ErrorIs(t, WriteRaw(fsys, "out", bad), ErrExportIO)

	fsys.FailOn("rename", RawLabelsFile, nil)
	assert.ErrorIs(t, WriteRaw(fsys, "out", samples("A", "B")), ErrExportIO)
	assert.Empty(t, fsys.Files())
}
