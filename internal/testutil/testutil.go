// Package testutil provides shared test utilities and fixtures.
//
// This package centralises sample and image fixtures used by the pipeline
// and command tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/signlearn/trainer/internal/dataset"
)

// LandmarkSamples returns perLabel[l] samples of width dim for each label,
// in label order. Every feature of the i-th label is i plus N(0, 0.05)
// noise, so classes are trivially separable.
func LandmarkSamples(perLabel map[string]int, dim int, seed int64) []dataset.Sample {
	labels := make([]string, 0, len(perLabel))
	for l := range perLabel {
		labels = append(labels, l)
	}
	sort.Strings(labels)

	rng := rand.New(rand.NewSource(seed))
	var out []dataset.Sample
	for i, label := range labels {
		for j := 0; j < perLabel[label]; j++ {
			f := make([]float64, dim)
			for k := range f {
				f[k] = float64(i) + rng.NormFloat64()*0.05
			}
			out = append(out, dataset.Sample{Label: label, Features: f})
		}
	}
	return out
}

// SolidImage returns an edge x edge image filled with c.
func SolidImage(c color.Color, edge int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, edge, edge))
	for y := 0; y < edge; y++ {
		for x := 0; x < edge; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

// SolidPNG encodes SolidImage(c, edge) as PNG.
func SolidPNG(t testing.TB, c color.Color, edge int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, SolidImage(c, edge)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WriteFile writes data to path, creating parent directories.
func WriteFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
