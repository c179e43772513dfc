package imageio

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/bmp"
)

func solid(w, h int, c color.Color) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestDecode_Formats(t *testing.T) {
	src := solid(8, 6, color.NRGBA{R: 200, G: 10, B: 10, A: 255})

	var pngBuf, jpegBuf, bmpBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, src))
	require.NoError(t, jpeg.Encode(&jpegBuf, src, nil))
	require.NoError(t, bmp.Encode(&bmpBuf, src))

	for name, data := range map[string][]byte{"png": pngBuf.Bytes(), "jpeg": jpegBuf.Bytes(), "bmp": bmpBuf.Bytes()} {
		t.Run(name, func(t *testing.T) {
			img, err := Decode(data)
			require.NoError(t, err)
			assert.Equal(t, image.Rect(0, 0, 8, 6), img.Bounds())
		})
	}

	_, err := Decode([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "A.png")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, solid(2, 2, color.White)))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	img, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Bounds().Dx())

	_, err = Open(filepath.Join(dir, "missing.png"))
	assert.Error(t, err)
}

func TestFromPixels(t *testing.T) {
	t.Run("grayscale promoted", func(t *testing.T) {
		img, err := FromPixels([]int{1, 2}, []float64{0, 255}, "uint8")
		require.NoError(t, err)
		r, g, b, _ := img.At(1, 0).RGBA()
		assert.Equal(t, []uint32{0xffff, 0xffff, 0xffff}, []uint32{r, g, b})
	})

	t.Run("unit scaled rgb", func(t *testing.T) {
		img, err := FromPixels([]int{1, 1, 3}, []float64{1, 0.5, 0}, "float32")
		require.NoError(t, err)
		px := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA)
		assert.Equal(t, color.NRGBA{R: 255, G: 128, B: 0, A: 255}, px)
	})

	t.Run("integer levels not rescaled", func(t *testing.T) {
		for _, dtype := range []string{"uint8", "int64", "bool"} {
			img, err := FromPixels([]int{2, 2}, []float64{0, 1, 1, 0}, dtype)
			require.NoError(t, err)
			px := color.NRGBAModel.Convert(img.At(1, 0)).(color.NRGBA)
			assert.Equal(t, color.NRGBA{R: 1, G: 1, B: 1, A: 255}, px, dtype)
		}
	})

	t.Run("untyped unit scaled", func(t *testing.T) {
		img, err := FromPixels([]int{1, 1}, []float64{1}, "")
		require.NoError(t, err)
		assert.Equal(t, uint8(255), color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y)
	})

	t.Run("rgba drops alpha", func(t *testing.T) {
		img, err := FromPixels([]int{1, 1, 4}, []float64{10, 20, 30, 0}, "uint8")
		require.NoError(t, err)
		px := color.NRGBAModel.Convert(img.At(0, 0)).(color.NRGBA)
		assert.Equal(t, color.NRGBA{R: 10, G: 20, B: 30, A: 255}, px)
	})

	t.Run("clamped", func(t *testing.T) {
		img, err := FromPixels([]int{1, 2}, []float64{-5, 300}, "float64")
		require.NoError(t, err)
		assert.Equal(t, uint8(0), color.GrayModel.Convert(img.At(0, 0)).(color.Gray).Y)
		assert.Equal(t, uint8(255), color.GrayModel.Convert(img.At(1, 0)).(color.Gray).Y)
	})

	bad := []struct {
		name  string
		shape []int
		data  []float64
	}{
		{"1-D", []int{4}, make([]float64, 4)},
		{"4-D", []int{1, 1, 1, 1}, make([]float64, 1)},
		{"two channels", []int{1, 1, 2}, make([]float64, 2)},
		{"length mismatch", []int{2, 2}, make([]float64, 3)},
		{"zero size", []int{0, 2}, nil},
	}
	for _, tt := range bad {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromPixels(tt.shape, tt.data, "float64")
			assert.ErrorIs(t, err, ErrShape)
		})
	}
}

func TestGrid(t *testing.T) {
	img := solid(40, 20, color.NRGBA{R: 255, G: 0, B: 51, A: 255})
	grid := Grid(img, 8)

	require.Len(t, grid, 8*8*Channels)
	for i := 0; i < len(grid); i += Channels {
		assert.InDelta(t, 1.0, grid[i], 1e-9)
		assert.InDelta(t, 0.0, grid[i+1], 1e-9)
		assert.InDelta(t, 0.2, grid[i+2], 1e-9)
	}
}

func TestFlipHorizontal(t *testing.T) {
	// 2x2 grid with a distinct red value per pixel.
	grid := []float64{
		0.1, 0, 0, 0.2, 0, 0,
		0.3, 0, 0, 0.4, 0, 0,
	}
	got := FlipHorizontal(grid, 2)
	assert.Equal(t, []float64{
		0.2, 0, 0, 0.1, 0, 0,
		0.4, 0, 0, 0.3, 0, 0,
	}, got)
	assert.Equal(t, 0.1, grid[0], "input is untouched")
	assert.Equal(t, grid, FlipHorizontal(got, 2))
}
