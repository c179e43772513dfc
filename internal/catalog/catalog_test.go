package catalog

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/objstore"
)

const exportJSON = `{
  "images": [
    {"id": "img-a", "slug": "a", "storagePath": "images/abecedario/a.png", "category": "abecedario"},
    {"id": "img-none", "slug": "none"}
  ],
  "videos": [
    {"id": "hola", "title": "Hola", "storagePath": "videos/saludos/hola.mp4", "category": "saludos"},
    {"id": "gracias", "videoStoragePath": "videos/gracias.mp4"}
  ]
}`

func TestFileCatalog_ListItems(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	require.NoError(t, mem.WriteFile("/cat/export.json", []byte(exportJSON), 0644))

	c := &FileCatalog{Path: "/cat/export.json", FS: mem}
	items, err := c.ListItems(context.Background())
	require.NoError(t, err)

	want := []Item{
		{Label: "hola", Ref: "videos/saludos/hola.mp4", Type: MediaVideo, Category: "saludos", Title: "Hola"},
		{Label: "gracias", Ref: "videos/gracias.mp4", Type: MediaVideo, Category: "unknown", Title: "gracias"},
		{Label: "a", Ref: "images/abecedario/a.png", Type: MediaImage, Category: "abecedario", Title: "a"},
	}
	if diff := cmp.Diff(want, items); diff != "" {
		t.Errorf("ListItems mismatch (-want +got):\n%s", diff)
	}
}

func TestFileCatalog_ListItemsJSONLines(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	lines := strings.Join([]string{
		`{"id":"b","storagePath":"images/b.png","type":"image"}`,
		``,
		`{"id":"c","storagePath":"videos/c.mp4"}`,
	}, "\n")
	require.NoError(t, mem.WriteFile("/cat/manifest.jsonl", []byte(lines), 0644))

	c := &FileCatalog{Path: "/cat/manifest.jsonl", FS: mem}
	items, err := c.ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, MediaVideo, items[0].Type)
	assert.Equal(t, "b", items[1].Label)
	assert.Equal(t, MediaImage, items[1].Type)
}

func TestFileCatalog_ListItemsErrors(t *testing.T) {
	mem := fsutil.NewMemoryFileSystem()
	require.NoError(t, mem.WriteFile("/bad.json", []byte("{"), 0644))

	_, err := (&FileCatalog{Path: "/bad.json", FS: mem}).ListItems(context.Background())
	assert.Error(t, err)

	_, err = (&FileCatalog{Path: "/missing.json", FS: mem}).ListItems(context.Background())
	assert.Error(t, err)
}

func TestFileCatalog_FetchConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	mem := fsutil.NewMemoryFileSystem()
	store := &objstore.Local{FS: mem, Root: "/store"}
	require.NoError(t, store.Put(ctx, "videos/x/a.mp4", strings.NewReader("from-x")))
	require.NoError(t, store.Put(ctx, "videos/y/a.mp4", strings.NewReader("from-y")))

	c := &FileCatalog{Store: store, FS: mem}

	refs := []string{"videos/x/a.mp4", "videos/y/a.mp4"}
	paths := make([]string, len(refs))
	var wg sync.WaitGroup
	for i, ref := range refs {
		wg.Add(1)
		go func(i int, ref string) {
			defer wg.Done()
			p, err := c.Fetch(ctx, ref, "/work/downloads")
			assert.NoError(t, err)
			paths[i] = p
		}(i, ref)
	}
	wg.Wait()

	require.NotEqual(t, paths[0], paths[1])
	for i, want := range []string{"from-x", "from-y"} {
		assert.Equal(t, "/work/downloads", filepath.Dir(paths[i]))
		assert.True(t, strings.HasSuffix(paths[i], "-a.mp4"))
		data, err := mem.ReadFile(paths[i])
		require.NoError(t, err)
		assert.Equal(t, want, string(data))
	}

	_, err := c.Fetch(ctx, "videos/none.mp4", "/work/downloads")
	assert.ErrorIs(t, err, objstore.ErrNotFound)
}

func TestWriter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "catalog", "export.json")

	w, err := NewWriter(path)
	require.NoError(t, err)
	w.Add(MediaVideo, Document{ID: "hola", Title: "Hola", StoragePath: "videos/saludos/hola.mp4", Category: "saludos"})
	w.Add(MediaImage, Document{ID: "a", StoragePath: "images/a.png"})
	w.Add(MediaVideo, Document{ID: "hola", Title: "Hola!", StoragePath: "videos/saludos/hola.mp4"})
	assert.Equal(t, 2, w.Len())
	require.NoError(t, w.Flush())

	// Reopening keeps existing documents.
	w2, err := NewWriter(path)
	require.NoError(t, err)
	assert.Equal(t, 2, w2.Len())

	items, err := NewFileCatalog(path, nil).ListItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "Hola!", items[0].Title)
	assert.Equal(t, MediaImage, items[1].Type)
}
