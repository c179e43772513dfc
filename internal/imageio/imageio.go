// Package imageio decodes still images from the formats found in training
// datasets and converts them into fixed-size RGB grids.
package imageio

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the channel count of every grid.
const Channels = 3

// ErrShape is returned for pixel arrays that are not HxW or HxWxC.
var ErrShape = errors.New("unsupported pixel array shape")

// Decode decodes an encoded image (png, jpeg, gif, bmp, webp, tiff).
func Decode(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Open reads and decodes the image at path.
func Open(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// FromPixels builds an image from a row-major numeric pixel array. A 2-D
// shape is grayscale and is promoted to RGB; a 3-D HxWxC shape with C of
// 1, 3 or 4 keeps its colour channels and drops alpha. dtype is the numpy
// element type name. Integer and bool arrays hold 0-255 levels as-is. Float
// arrays (or an empty dtype) whose values all lie in [0,1] are treated as
// unit-scaled. Anything else is clamped to [0,255].
func FromPixels(shape []int, data []float64, dtype string) (image.Image, error) {
	var h, w, c int
	switch len(shape) {
	case 2:
		h, w, c = shape[0], shape[1], 1
	case 3:
		h, w, c = shape[0], shape[1], shape[2]
	default:
		return nil, fmt.Errorf("%w: %v", ErrShape, shape)
	}
	if h <= 0 || w <= 0 || (c != 1 && c != 3 && c != 4) {
		return nil, fmt.Errorf("%w: %v", ErrShape, shape)
	}
	if len(data) != h*w*c {
		return nil, fmt.Errorf("%w: %v needs %d values, got %d", ErrShape, shape, h*w*c, len(data))
	}

	scale := 1.0
	if isFloat(dtype) && unitScaled(data) {
		scale = 255
	}
	level := func(v float64) uint8 {
		v = math.Round(v * scale)
		return uint8(math.Max(0, math.Min(255, v)))
	}

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			base := (y*w + x) * c
			var px color.NRGBA
			if c == 1 {
				g := level(data[base])
				px = color.NRGBA{R: g, G: g, B: g, A: 255}
			} else {
				px = color.NRGBA{R: level(data[base]), G: level(data[base+1]), B: level(data[base+2]), A: 255}
			}
			img.SetNRGBA(x, y, px)
		}
	}
	return img, nil
}

func isFloat(dtype string) bool {
	return dtype == "" || strings.HasPrefix(dtype, "float")
}

func unitScaled(data []float64) bool {
	for _, v := range data {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return false
		}
	}
	return true
}

// Grid resizes img to edge x edge with bilinear filtering and returns its
// RGB values scaled to [0,1] in row-major HWC order. Alpha is discarded.
func Grid(img image.Image, edge int) []float64 {
	resized := imaging.Resize(img, edge, edge, imaging.Linear)
	out := make([]float64, edge*edge*Channels)
	for y := 0; y < edge; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < edge; x++ {
			px := row[x*4 : x*4+4]
			i := (y*edge + x) * Channels
			out[i] = float64(px[0]) / 255
			out[i+1] = float64(px[1]) / 255
			out[i+2] = float64(px[2]) / 255
		}
	}
	return out
}

// FlipHorizontal returns a mirrored copy of an edge x edge RGB grid.
func FlipHorizontal(grid []float64, edge int) []float64 {
	out := make([]float64, len(grid))
	for y := 0; y < edge; y++ {
		for x := 0; x < edge; x++ {
			src := (y*edge + x) * Channels
			dst := (y*edge + (edge - 1 - x)) * Channels
			copy(out[dst:dst+Channels], grid[src:src+Channels])
		}
	}
	return out
}
