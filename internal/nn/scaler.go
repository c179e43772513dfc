// Package nn holds the small numeric models the trainer fits: a feature
// standardizer, a multi-layer perceptron and a compact convolutional net,
// all optimised with Adam.
package nn

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/stat"
)

// ErrShape reports inconsistent input dimensions.
var ErrShape = errors.New("inconsistent input shape")

// Scaler standardises features to zero mean and unit variance.
type Scaler struct {
	Mean  []float64
	Scale []float64
}

// FitScaler computes per-feature mean and population standard deviation.
// Constant features get a scale of 1.
func FitScaler(x [][]float64) (*Scaler, error) {
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: no rows", ErrShape)
	}
	d := len(x[0])
	s := &Scaler{Mean: make([]float64, d), Scale: make([]float64, d)}
	col := make([]float64, len(x))
	for j := 0; j < d; j++ {
		for i, row := range x {
			if len(row) != d {
				return nil, fmt.Errorf("%w: row %d has %d values, want %d", ErrShape, i, len(row), d)
			}
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 {
			std = 1
		}
		s.Mean[j], s.Scale[j] = mean, std
	}
	return s, nil
}

// Transform returns a standardised copy of v.
func (s *Scaler) Transform(v []float64) []float64 {
	out := make([]float64, len(v))
	for j, x := range v {
		out[j] = (x - s.Mean[j]) / s.Scale[j]
	}
	return out
}

// TransformAll standardises every row into new slices.
func (s *Scaler) TransformAll(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for i, row := range x {
		out[i] = s.Transform(row)
	}
	return out
}
