package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/monitoring"
)

// Raw dataset file names.
const (
	RawFeaturesFile = "X.npy"
	RawLabelsFile   = "y.npy"
	RawLabelNames   = "y_labels.json"
)

// WriteRaw writes every sample as parallel arrays: X.npy (n x d float64),
// y.npy (n int64 indices) and y_labels.json (the sorted label list the
// indices refer to).
func WriteRaw(fsys fsutil.FileSystem, dir string, samples []dataset.Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("%w: no samples to export", ErrExportIO)
	}
	dim := len(samples[0].Features)
	if dim == 0 {
		return fmt.Errorf("%w: samples have no features", ErrExportIO)
	}
	x := mat.NewDense(len(samples), dim, nil)
	labels := make([]string, len(samples))
	for i, s := range samples {
		if len(s.Features) != dim {
			return fmt.Errorf("%w: sample %d has %d features, want %d", ErrExportIO, i, len(s.Features), dim)
		}
		x.SetRow(i, s.Features)
		labels[i] = s.Label
	}
	classes := dataset.NewClasses(labels)
	y := make([]int64, len(samples))
	for i, l := range labels {
		idx, _ := classes.Index(l)
		y[i] = int64(idx)
	}
	names, err := json.Marshal(classes.Labels())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExportIO, err)
	}

	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrExportIO, err)
	}
	var written []string
	write := func(name string, encode func(io.Writer) error) error {
		path := filepath.Join(dir, name)
		tmp := fsutil.TempName(path)
		w, err := fsys.Create(tmp)
		if err != nil {
			return err
		}
		err = errors.Join(encode(w), w.Close())
		if err == nil {
			err = fsys.Rename(tmp, path)
		}
		if err != nil {
			_ = fsys.Remove(tmp)
			return fmt.Errorf("%s: %w", name, err)
		}
		written = append(written, path)
		return nil
	}
	steps := []struct {
		name   string
		encode func(io.Writer) error
	}{
		{RawFeaturesFile, func(w io.Writer) error { return npyio.Write(w, x) }},
		{RawLabelsFile, func(w io.Writer) error { return npyio.Write(w, y) }},
		{RawLabelNames, func(w io.Writer) error { _, err := w.Write(append(names, '\n')); return err }},
	}
	for _, s := range steps {
		if err := write(s.name, s.encode); err != nil {
			for _, p := range written {
				_ = fsys.Remove(p)
			}
			return fmt.Errorf("%w: %v", ErrExportIO, err)
		}
	}
	monitoring.Logf("export: wrote raw dataset (%d samples, %d classes, dim %d) to %s",
		len(samples), classes.Len(), dim, dir)
	return nil
}
