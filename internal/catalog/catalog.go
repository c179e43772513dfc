// Package catalog lists the labelled media of a sign catalog and fetches
// individual items from an object store.
package catalog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/objstore"
	"github.com/signlearn/trainer/internal/security"
)

// MediaType distinguishes stills from clips.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

// Item is one labelled media object.
type Item struct {
	Label    string
	Ref      string
	Type     MediaType
	Category string
	Title    string
}

// Repository lists catalog items and fetches their bytes to local disk.
// Implementations must be safe for concurrent Fetch calls.
type Repository interface {
	ListItems(ctx context.Context) ([]Item, error)
	Fetch(ctx context.Context, ref, destDir string) (string, error)
}

// Document is the stored form of a catalog entry.
type Document struct {
	ID               string `json:"id"`
	Slug             string `json:"slug,omitempty"`
	Title            string `json:"title,omitempty"`
	Description      string `json:"description,omitempty"`
	StoragePath      string `json:"storagePath,omitempty"`
	VideoStoragePath string `json:"videoStoragePath,omitempty"`
	Category         string `json:"category,omitempty"`
	Level            string `json:"level,omitempty"`
	Type             string `json:"type,omitempty"`
}

// Export is a whole-catalog snapshot: one array per collection.
type Export struct {
	Videos []Document `json:"videos"`
	Images []Document `json:"images"`
}

// Item converts d into an Item of type t. It reports false for documents
// without any storage path.
func (d Document) Item(t MediaType) (Item, bool) {
	label := d.Slug
	if label == "" {
		label = d.ID
	}
	ref := d.StoragePath
	if ref == "" {
		ref = d.VideoStoragePath
	}
	if ref == "" || label == "" {
		return Item{}, false
	}
	category := d.Category
	if category == "" {
		category = "unknown"
	}
	title := d.Title
	if title == "" {
		title = label
	}
	return Item{Label: label, Ref: ref, Type: t, Category: category, Title: title}, true
}

// FileCatalog is a Repository backed by a catalog export on disk and an
// object store holding the media.
type FileCatalog struct {
	Path  string
	Store objstore.Store
	FS    fsutil.FileSystem
}

// NewFileCatalog reads path from the real filesystem.
func NewFileCatalog(path string, store objstore.Store) *FileCatalog {
	return &FileCatalog{Path: path, Store: store, FS: fsutil.OSFileSystem{}}
}

// ListItems returns every video followed by every image, each in document
// order. A .jsonl file holds one Document per line, typed by its "type"
// field; anything else is parsed as an Export.
func (c *FileCatalog) ListItems(ctx context.Context) ([]Item, error) {
	data, err := c.FS.ReadFile(c.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var exp Export
	if strings.EqualFold(filepath.Ext(c.Path), ".jsonl") {
		exp, err = parseLines(data)
	} else {
		err = json.Unmarshal(data, &exp)
	}
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", c.Path, err)
	}

	items := make([]Item, 0, len(exp.Videos)+len(exp.Images))
	for _, d := range exp.Videos {
		if it, ok := d.Item(MediaVideo); ok {
			items = append(items, it)
		}
	}
	for _, d := range exp.Images {
		if it, ok := d.Item(MediaImage); ok {
			items = append(items, it)
		}
	}
	return items, nil
}

func parseLines(data []byte) (Export, error) {
	var exp Export
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := bytes.TrimSpace(sc.Bytes())
		if len(text) == 0 {
			continue
		}
		var d Document
		if err := json.Unmarshal(text, &d); err != nil {
			return Export{}, fmt.Errorf("line %d: %w", line, err)
		}
		if d.Type == string(MediaImage) {
			exp.Images = append(exp.Images, d)
		} else {
			exp.Videos = append(exp.Videos, d)
		}
	}
	return exp, sc.Err()
}

// Fetch copies the object at ref into destDir. The local name carries a
// per-call unique prefix so concurrent fetches of same-named objects from
// different folders never collide.
func (c *FileCatalog) Fetch(ctx context.Context, ref, destDir string) (string, error) {
	rc, err := c.Store.Get(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	defer rc.Close()

	if err := c.FS.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}
	name := uuid.NewString()[:8] + "-" + security.SanitizeFilename(path.Base(ref))
	dest := filepath.Join(destDir, name)

	w, err := c.FS.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, rc); err != nil {
		w.Close()
		_ = c.FS.Remove(dest)
		return "", fmt.Errorf("fetch %s: %w", ref, err)
	}
	if err := w.Close(); err != nil {
		_ = c.FS.Remove(dest)
		return "", err
	}
	return dest, nil
}

// Writer accumulates catalog documents and writes them as an Export.
type Writer struct {
	FS   fsutil.FileSystem
	Path string
	exp  Export
}

// NewWriter starts a catalog at path on the real filesystem, keeping any
// documents already stored there.
func NewWriter(path string) (*Writer, error) {
	w := &Writer{FS: fsutil.OSFileSystem{}, Path: path}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &w.exp); err != nil {
			return nil, fmt.Errorf("parse existing catalog %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}
	return w, nil
}

// Add records d under the collection for t, replacing an entry with the
// same id.
func (w *Writer) Add(t MediaType, d Document) {
	list := &w.exp.Videos
	if t == MediaImage {
		list = &w.exp.Images
		d.Type = string(MediaImage)
	}
	for i := range *list {
		if (*list)[i].ID == d.ID {
			(*list)[i] = d
			return
		}
	}
	*list = append(*list, d)
}

// Len returns the number of documents held.
func (w *Writer) Len() int { return len(w.exp.Videos) + len(w.exp.Images) }

// Flush writes the catalog atomically.
func (w *Writer) Flush() error {
	if w.exp.Videos == nil {
		w.exp.Videos = []Document{}
	}
	if w.exp.Images == nil {
		w.exp.Images = []Document{}
	}
	data, err := json.MarshalIndent(w.exp, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(w.Path); dir != "." {
		if err := w.FS.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return fsutil.WriteAtomic(w.FS, w.Path, append(data, '\n'), 0644)
}
