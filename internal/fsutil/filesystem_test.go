package fsutil

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Compile-time interface checks.
var (
	_ FileSystem = OSFileSystem{}
	_ FileSystem = (*MemoryFileSystem)(nil)
)

func exerciseFileSystem(t *testing.T, fsys FileSystem, root string) {
	t.Helper()

	dir := filepath.Join(root, "work", "nested")
	require.NoError(t, fsys.MkdirAll(dir, 0755))
	assert.True(t, fsys.Exists(dir))

	path := filepath.Join(dir, "a.txt")
	require.NoError(t, fsys.WriteFile(path, []byte("hello"), 0644))

	data, err := fsys.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	info, err := fsys.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())
	assert.False(t, info.IsDir())

	w, err := fsys.Create(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	_, err = io.WriteString(w, "world")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := fsys.Open(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	got, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "world", string(got))

	require.NoError(t, fsys.Rename(path, filepath.Join(dir, "c.txt")))
	assert.False(t, fsys.Exists(path))

	names, err := fsys.List(filepath.Join(root, "work"))
	require.NoError(t, err)
	assert.Equal(t, []string{"nested/b.txt", "nested/c.txt"}, names)

	require.NoError(t, fsys.Remove(filepath.Join(dir, "c.txt")))
	_, err = fsys.ReadFile(filepath.Join(dir, "c.txt"))
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestOSFileSystem(t *testing.T) {
	exerciseFileSystem(t, OSFileSystem{}, t.TempDir())
}

func TestMemoryFileSystem(t *testing.T) {
	exerciseFileSystem(t, NewMemoryFileSystem(), "/mem")
}

func TestMemoryFileSystem_ReadFileReturnsCopy(t *testing.T) {
	m := NewMemoryFileSystem()
	require.NoError(t, m.WriteFile("/x", []byte("abc"), 0644))

	data, err := m.ReadFile("/x")
	require.NoError(t, err)
	data[0] = 'z'

	again, _ := m.ReadFile("/x")
	assert.Equal(t, "abc", string(again))
}

func TestMemoryFileSystem_FailOn(t *testing.T) {
	m := NewMemoryFileSystem()
	m.FailOn("rename", "labels", nil)

	require.NoError(t, m.WriteFile("/out/tmp", []byte("{}"), 0644))
	err := m.Rename("/out/tmp", "/out/labels.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInjected))
	assert.True(t, m.Exists("/out/tmp"))

	custom := errors.New("disk full")
	m.FailOn("write", "model", custom)
	err = m.WriteFile("/out/model.qnn", nil, 0644)
	assert.True(t, errors.Is(err, custom))
}

func TestTempName(t *testing.T) {
	a := TempName("/out/labels.json")
	b := TempName("/out/labels.json")

	assert.NotEqual(t, a, b)
	assert.Equal(t, "/out", filepath.Dir(a))
	assert.True(t, strings.HasPrefix(filepath.Base(a), ".labels.json.tmp-"))
}

func TestWriteAtomic(t *testing.T) {
	t.Run("os", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "labels.json")
		require.NoError(t, WriteAtomic(OSFileSystem{}, path, []byte("[]"), 0644))

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "[]", string(data))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no staging files left behind")
	})

	t.Run("rename failure cleans up", func(t *testing.T) {
		m := NewMemoryFileSystem()
		m.FailOn("rename", "labels", nil)

		err := WriteAtomic(m, "/out/labels.json", []byte("[]"), 0644)
		require.Error(t, err)
		assert.Empty(t, m.Files())
	})
}
