// Package export writes trained models as a quantized model file plus a
// label manifest, reads such pairs back for prediction, and writes the raw
// dataset arrays when no model could be trained.
package export

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"path/filepath"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/train"
)

// ErrExportIO reports an artifact that could not be written.
var ErrExportIO = errors.New("export failed")

// ErrPairMismatch reports a model file that was not written with the
// manifest next to it.
var ErrPairMismatch = errors.New("model and manifest do not match")

// Names are the artifact file names inside the output directory.
type Names struct {
	Model    string
	Manifest string
}

func (n Names) validate() error {
	for _, name := range []string{n.Model, n.Manifest} {
		if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
			return fmt.Errorf("artifact name %q must be a plain file name", name)
		}
	}
	if n.Model == n.Manifest {
		return fmt.Errorf("model and manifest share the name %q", n.Model)
	}
	return nil
}

// Manifest renders the class list as the JSON array written next to the
// model. The same Classes value the trainer indexed labels with must be
// passed here.
func Manifest(classes *dataset.Classes) ([]byte, error) {
	b, err := json.Marshal(classes.Labels())
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// WritePair writes the model and then its manifest into dir. Both are
// staged under temporary names and renamed into place model first,
// manifest last. A pair already in dir is replaced, its manifest removed
// before the new model lands. On any failure neither artifact is left
// behind, old or new.
func WritePair(fsys fsutil.FileSystem, dir string, names Names, m *train.Model) error {
	if err := names.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrExportIO, err)
	}
	manifest, err := Manifest(m.Classes)
	if err != nil {
		return fmt.Errorf("%w: manifest: %v", ErrExportIO, err)
	}
	sum := sha256.Sum256(manifest)
	model, err := Encode(m, sum[:])
	if err != nil {
		return fmt.Errorf("%w: model: %v", ErrExportIO, err)
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrExportIO, err)
	}

	modelPath := filepath.Join(dir, names.Model)
	manifestPath := filepath.Join(dir, names.Manifest)
	modelTmp, manifestTmp := fsutil.TempName(modelPath), fsutil.TempName(manifestPath)
	var committed []string
	fail := func(step string, err error) error {
		for _, p := range append([]string{modelTmp, manifestTmp}, committed...) {
			_ = fsys.Remove(p)
		}
		return fmt.Errorf("%w: %s: %v", ErrExportIO, step, err)
	}

	if err := fsys.WriteFile(modelTmp, model, 0o644); err != nil {
		return fail("stage model", err)
	}
	if err := fsys.WriteFile(manifestTmp, manifest, 0o644); err != nil {
		return fail("stage manifest", err)
	}
	if err := fsys.Remove(manifestPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fail("retire manifest", err)
	}
	committed = append(committed, modelPath)
	if err := fsys.Rename(modelTmp, modelPath); err != nil {
		return fail("commit model", err)
	}
	if err := fsys.Rename(manifestTmp, manifestPath); err != nil {
		return fail("commit manifest", err)
	}
	monitoring.Logf("export: wrote %s (%d bytes) and %s (%d classes)",
		modelPath, len(model), manifestPath, m.Classes.Len())
	return nil
}

// Predictor runs an exported model pair.
type Predictor struct {
	Model *train.Model
	File  *File
}

// ReadPair loads a pair written by WritePair and checks that the model
// was written against this manifest.
func ReadPair(fsys fsutil.FileSystem, dir string, names Names) (*Predictor, error) {
	manifest, err := fsys.ReadFile(filepath.Join(dir, names.Manifest))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	raw, err := fsys.ReadFile(filepath.Join(dir, names.Model))
	if err != nil {
		return nil, fmt.Errorf("read model: %w", err)
	}
	f, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(manifest)
	if !bytes.Equal(sum[:], f.ManifestSHA256) {
		return nil, fmt.Errorf("%w: %s", ErrPairMismatch, names.Manifest)
	}
	var labels []string
	if err := json.Unmarshal(manifest, &labels); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	m, err := f.Rebuild(dataset.NewClasses(labels))
	if err != nil {
		return nil, err
	}
	return &Predictor{Model: m, File: f}, nil
}

// Predict classifies one feature vector.
func (p *Predictor) Predict(features []float64) (string, float64, error) {
	return p.Model.Predict(features)
}

// PredictImage classifies an image with a grid model.
func (p *Predictor) PredictImage(img image.Image) (string, float64, error) {
	if p.Model.Representation != dataset.ImageGrid {
		return "", 0, fmt.Errorf("model takes %s features, not images", p.Model.Representation)
	}
	return p.Model.Predict(imageio.Grid(img, p.Model.InputShape[0]))
}
