package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/monitoring"
)

const trainManifest = `{
  "categories": [{"id": 1, "name": "A"}, {"id": 2, "name": "C"}],
  "images": [
    {"id": 10, "file_name": "a1.jpg"},
    {"id": 11, "file_name": "B.png"},
    {"id": 12, "file_name": "missing.png"},
    {"id": 13, "file_name": "z.png"},
    {"id": 14, "file_name": "bad.png"},
    {"id": 15, "file_name": ""}
  ],
  "annotations": [
    {"image_id": 10, "category_id": 1},
    {"image_id": 10, "category_id": 2},
    {"image_id": 14, "category_id": 2},
    {"image_id": 11}
  ]
}`

const validManifest = `{
  "categories": [{"id": 1, "name": "C"}],
  "images": [{"id": 1, "file_name": "c.png"}],
  "annotations": [{"image_id": 1, "category_id": 1}]
}`

func bundleFS(t *testing.T) *fsutil.MemoryFileSystem {
	t.Helper()
	mem := fsutil.NewMemoryFileSystem()
	write := func(name string, data []byte) {
		require.NoError(t, mem.WriteFile(name, data, 0644))
	}
	write("/data/train/_annotations.coco.json", []byte(trainManifest))
	write("/data/train/a1.jpg", encodePNG(t, 10))
	write("/data/train/B.png", encodePNG(t, 20))
	write("/data/train/z.png", encodePNG(t, 30))
	write("/data/train/bad.png", []byte("not an image"))
	write("/data/valid/_annotations.coco.json", []byte(validManifest))
	write("/data/valid/c.png", encodePNG(t, 40))

	require.NoError(t, mem.MkdirAll("/extra/train", 0755))
	write("/extra/train/ c /1.png", encodePNG(t, 50))
	write("/extra/train/q/1.png", encodePNG(t, 60))
	write("/extra/train/loose.png", encodePNG(t, 70))
	return mem
}

func TestDiscoverSplits(t *testing.T) {
	mem := bundleFS(t)
	splits := DiscoverSplits(mem, "/data")
	assert.Equal(t, []Split{
		{JSONPath: "/data/train/_annotations.coco.json", ImagesDir: "/data/train"},
		{JSONPath: "/data/valid/_annotations.coco.json", ImagesDir: "/data/valid"},
	}, splits)
	assert.Empty(t, DiscoverSplits(mem, "/nowhere"))
}

func TestAnnotatedBundle_Samples(t *testing.T) {
	mem := bundleFS(t)
	tally := monitoring.NewTally()
	b := &AnnotatedBundle{
		Splits: []Split{
			{JSONPath: "/data/train/_annotations.coco.json", ImagesDir: "/data/train"},
			// Images sit next to the manifest, not in ImagesDir.
			{JSONPath: "/data/valid/_annotations.coco.json", ImagesDir: "/elsewhere"},
		},
		ExtraFolders: []string{"/extra"},
		Allowed:      []string{"a", "B", "C"},
		Edge:         4,
		FS:           mem,
		Tally:        tally,
	}
	assert.Equal(t, dataset.ImageGrid, b.Representation())

	got, err := collect(t, b)
	require.NoError(t, err)
	var labels []string
	for _, s := range got {
		labels = append(labels, s.Label)
		assert.Len(t, s.Features, 4*4*3)
	}
	assert.Equal(t, []string{"A", "B", "C", "C"}, labels)
	assert.InDelta(t, 10.0/255, got[0].Features[0], 1e-9)

	assert.Equal(t, 2, tally.Count(monitoring.DropMissingFile))
	assert.Equal(t, 2, tally.Count(monitoring.DropLabelNotAllowed))
	assert.Equal(t, 1, tally.Count(monitoring.DropUndecodableImage))
}

func TestAnnotatedBundle_NoAllowList(t *testing.T) {
	b := &AnnotatedBundle{
		Splits: []Split{{JSONPath: "/data/train/_annotations.coco.json", ImagesDir: "/data/train"}},
		Edge:   2,
		FS:     bundleFS(t),
	}
	got, err := collect(t, b)
	require.NoError(t, err)
	var labels []string
	for _, s := range got {
		labels = append(labels, s.Label)
	}
	assert.Equal(t, []string{"A", "B", "Z"}, labels)
}

func TestAnnotatedBundle_BadManifest(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	require.NoError(t, mem.WriteFile("/d/train/_annotations.coco.json", []byte("{"), 0644))

	b := &AnnotatedBundle{Splits: []Split{{JSONPath: "/d/train/_annotations.coco.json"}}, FS: mem}
	_, err := collect(t, b)
	assert.ErrorIs(t, err, ErrSourceFormat)

	b = &AnnotatedBundle{Splits: []Split{{JSONPath: "/d/none.json"}}, FS: mem}
	_, err = collect(t, b)
	assert.ErrorIs(t, err, ErrSourceFormat)
}

func TestAnnotatedBundle_StopsEarly(t *testing.T) {
	b := &AnnotatedBundle{
		Splits: []Split{{JSONPath: "/data/train/_annotations.coco.json", ImagesDir: "/data/train"}},
		Edge:   2,
		FS:     bundleFS(t),
	}
	n := 0
	for _, err := range b.Samples(context.Background()) {
		require.NoError(t, err)
		n++
		break
	}
	assert.Equal(t, 1, n)
}

func TestLabelFromFileName(t *testing.T) {
	assert.Equal(t, "A", labelFromFileName("a_03.png"))
	assert.Equal(t, "Ñ", labelFromFileName("dir/ñ.jpg"))
	assert.Equal(t, "", labelFromFileName(".png"))
}
