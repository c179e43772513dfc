package ingest

import (
	"context"
	"errors"
	"fmt"
	"image"
	"iter"
	"path/filepath"
	"strings"

	"github.com/signlearn/trainer/internal/blob"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/monitoring"
)

// SerializedBlob reads one serialized container of images and labels and
// emits image-grid samples with single-character labels. Three container
// shapes are recognised:
//
//	(a) a map with parallel "images" and "labels" sequences
//	(b) a map from label to one image or a list of images
//	(c) a list of paths, (image, label) pairs, {"image", "label"} maps or
//	    objects with a label or name attribute
//
// Entries with unusable labels or images are dropped. The load fails only
// when the container has none of these shapes or yields no sample at all.
type SerializedBlob struct {
	Path string
	// ImagesDir resolves relative image paths before the working directory.
	ImagesDir string
	Edge      int
	FS        fsutil.FileSystem
	Tally     *monitoring.Tally
}

// Name implements Ingestor.
func (s *SerializedBlob) Name() string { return "serialized-blob" }

// Representation implements Ingestor.
func (s *SerializedBlob) Representation() dataset.Representation { return dataset.ImageGrid }

type rawPair struct {
	image any
	label any
	// unknown marks a list item whose shape carries no label.
	unknown bool
}

// Samples implements Ingestor.
func (s *SerializedBlob) Samples(ctx context.Context) iter.Seq2[dataset.Sample, error] {
	return func(yield func(dataset.Sample, error) bool) {
		v, err := blob.Load(s.Path)
		if err != nil {
			yield(dataset.Sample{}, fmt.Errorf("%w: %s: %v", ErrSourceFormat, s.Path, err))
			return
		}
		pairs, err := pairsOf(v)
		if err != nil {
			yield(dataset.Sample{}, fmt.Errorf("%s: %w", s.Path, err))
			return
		}

		kept := 0
		for _, p := range pairs {
			if err := ctx.Err(); err != nil {
				yield(dataset.Sample{}, err)
				return
			}
			if p.unknown {
				s.Tally.Drop(monitoring.DropUnknownShape)
				continue
			}
			text, _ := blob.AsText(p.label)
			label, ok := NormalizeLabel(text)
			if !ok {
				s.Tally.Drop(monitoring.DropMalformedLabel)
				continue
			}
			img, err := s.decode(p.image)
			if err != nil {
				s.Tally.Drop(monitoring.DropUndecodableImage)
				continue
			}
			kept++
			if !yield(dataset.Sample{Features: imageio.Grid(img, s.edge()), Label: label}, nil) {
				return
			}
		}
		monitoring.Logf("serialized blob: %s: %d of %d entries kept", s.Path, kept, len(pairs))
		if kept == 0 {
			yield(dataset.Sample{}, fmt.Errorf("%w: %s: no valid samples", ErrSourceFormat, s.Path))
		}
	}
}

func (s *SerializedBlob) edge() int {
	if s.Edge <= 0 {
		return 160
	}
	return s.Edge
}

// pairsOf classifies the container shape and flattens it into
// (image, label) pairs.
func pairsOf(v any) ([]rawPair, error) {
	switch x := v.(type) {
	case *blob.Map:
		images, hasImages := x.Get("images")
		labels, hasLabels := x.Get("labels")
		if hasImages && hasLabels {
			imgs, ok1 := elements(images)
			labs, ok2 := elements(labels)
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("%w: images and labels must be sequences", ErrSourceFormat)
			}
			if len(imgs) != len(labs) {
				return nil, fmt.Errorf("%w: %d images but %d labels", ErrSourceFormat, len(imgs), len(labs))
			}
			pairs := make([]rawPair, len(imgs))
			for i := range imgs {
				pairs[i] = rawPair{image: imgs[i], label: labs[i]}
			}
			return pairs, nil
		}
		var pairs []rawPair
		for i := 0; i < x.Len(); i++ {
			label := x.Key(i)
			if list, ok := x.Value(i).([]any); ok {
				for _, img := range list {
					pairs = append(pairs, rawPair{image: img, label: label})
				}
				continue
			}
			pairs = append(pairs, rawPair{image: x.Value(i), label: label})
		}
		return pairs, nil

	case []any:
		pairs := make([]rawPair, 0, len(x))
		for _, item := range x {
			pairs = append(pairs, itemPair(item))
		}
		return pairs, nil

	default:
		return nil, fmt.Errorf("%w: expected a map or a list, got %s", ErrSourceFormat, blob.TypeName(v))
	}
}

func itemPair(item any) rawPair {
	switch it := item.(type) {
	case string:
		return rawPair{image: it, label: filepath.Base(it)}
	case []any:
		if len(it) >= 2 {
			return rawPair{image: it[0], label: it[1]}
		}
	case *blob.Map:
		img, okI := it.Get("image")
		label, okL := it.Get("label")
		if okI && okL {
			return rawPair{image: img, label: label}
		}
	case *blob.Object:
		for _, attr := range []string{"label", "name"} {
			if v, ok := it.Attr(attr); ok {
				if text, ok := blob.AsText(v); ok && text != "" {
					return rawPair{image: item, label: text}
				}
			}
		}
	}
	return rawPair{image: item, unknown: true}
}

// elements returns the items of a sequence. Numeric arrays are split
// along their first axis.
func elements(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case *blob.Array:
		if len(x.Shape) == 0 {
			return nil, false
		}
		n := x.Shape[0]
		if len(x.Shape) == 1 {
			out := make([]any, n)
			for i := range out {
				out[i] = x.Data[i]
			}
			return out, true
		}
		inner := &blob.Array{DType: x.DType, Shape: x.Shape[1:]}
		stride := inner.Size()
		out := make([]any, n)
		for i := range out {
			out[i] = &blob.Array{DType: x.DType, Shape: inner.Shape, Data: x.Data[i*stride : (i+1)*stride]}
		}
		return out, true
	}
	return nil, false
}

var errNoStrategy = errors.New("no decode strategy applies")

// decodeStrategy reports applies=false when the value is not its kind.
type decodeStrategy func(s *SerializedBlob, v any) (img image.Image, applies bool, err error)

// decodeStrategies are tried in order; the first that applies decides.
var decodeStrategies = []decodeStrategy{
	decodePicture,
	decodeEncoded,
	decodePixels,
	decodePath,
}

func (s *SerializedBlob) decode(v any) (image.Image, error) {
	for _, strategy := range decodeStrategies {
		img, applies, err := strategy(s, v)
		if applies {
			return img, err
		}
	}
	return nil, fmt.Errorf("%w: %s", errNoStrategy, blob.TypeName(v))
}

func decodePicture(_ *SerializedBlob, v any) (image.Image, bool, error) {
	p, ok := v.(*blob.Picture)
	if !ok {
		return nil, false, nil
	}
	return p.Image, true, nil
}

func decodeEncoded(_ *SerializedBlob, v any) (image.Image, bool, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, false, nil
	}
	img, err := imageio.Decode(b)
	return img, true, err
}

func decodePixels(_ *SerializedBlob, v any) (image.Image, bool, error) {
	a, ok := v.(*blob.Array)
	if !ok {
		return nil, false, nil
	}
	img, err := imageio.FromPixels(a.Shape, a.Data, a.DType)
	return img, true, err
}

func decodePath(s *SerializedBlob, v any) (image.Image, bool, error) {
	p, ok := v.(string)
	if !ok {
		return nil, false, nil
	}
	fsys := s.FS
	if fsys == nil {
		fsys = fsutil.OSFileSystem{}
	}
	path := p
	if s.ImagesDir != "" && !filepath.IsAbs(p) {
		if cand := filepath.Join(s.ImagesDir, strings.TrimSpace(p)); fsys.Exists(cand) {
			path = cand
		}
	}
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, true, err
	}
	img, err := imageio.Decode(data)
	return img, true, err
}
