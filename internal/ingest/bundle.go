package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"path"
	"path/filepath"
	"strings"

	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/monitoring"
)

// AnnotationsFile is the manifest name inside each split directory.
const AnnotationsFile = "_annotations.coco.json"

// SplitNames are the split directories looked for, in order.
var SplitNames = []string{"train", "valid", "test"}

// Split is one annotated image set.
type Split struct {
	// JSONPath is the COCO-style manifest.
	JSONPath string
	// ImagesDir is searched first for each file_name; the manifest's own
	// directory is the fallback.
	ImagesDir string
}

// DiscoverSplits returns the splits under dataDir that carry a manifest.
func DiscoverSplits(fsys fsutil.FileSystem, dataDir string) []Split {
	var splits []Split
	for _, name := range SplitNames {
		dir := filepath.Join(dataDir, name)
		manifest := filepath.Join(dir, AnnotationsFile)
		if fsys.Exists(manifest) {
			splits = append(splits, Split{JSONPath: manifest, ImagesDir: dir})
		}
	}
	return splits
}

// AnnotatedBundle reads annotated image sets and emits image-grid samples.
// The label of an image is its first annotation's category name, else the
// uppercased first character of its file name. Extra folder datasets laid
// out as <root>/<split>/<class>/<file> are appended after the manifests.
type AnnotatedBundle struct {
	Splits       []Split
	ExtraFolders []string
	// Allowed restricts labels. Empty allows everything.
	Allowed []string
	// Edge is the square grid size.
	Edge  int
	FS    fsutil.FileSystem
	Tally *monitoring.Tally
}

// Name implements Ingestor.
func (b *AnnotatedBundle) Name() string { return "annotated-bundle" }

// Representation implements Ingestor.
func (b *AnnotatedBundle) Representation() dataset.Representation { return dataset.ImageGrid }

type cocoManifest struct {
	Images []struct {
		ID       *int64 `json:"id"`
		FileName string `json:"file_name"`
	} `json:"images"`
	Annotations []struct {
		ImageID    *int64 `json:"image_id"`
		CategoryID *int64 `json:"category_id"`
	} `json:"annotations"`
	Categories []struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"categories"`
}

// Samples implements Ingestor.
func (b *AnnotatedBundle) Samples(ctx context.Context) iter.Seq2[dataset.Sample, error] {
	return func(yield func(dataset.Sample, error) bool) {
		allowed := allowSet(b.Allowed)
		for _, sp := range b.Splits {
			if err := b.split(ctx, sp, allowed, yield); err != nil {
				if err != errStopped {
					yield(dataset.Sample{}, err)
				}
				return
			}
		}
		for _, root := range b.ExtraFolders {
			for _, name := range SplitNames {
				if err := b.folder(ctx, filepath.Join(root, name), allowed, yield); err != nil {
					if err != errStopped {
						yield(dataset.Sample{}, err)
					}
					return
				}
			}
		}
	}
}

func (b *AnnotatedBundle) fs() fsutil.FileSystem {
	if b.FS == nil {
		return fsutil.OSFileSystem{}
	}
	return b.FS
}

// errStopped signals that the consumer stopped ranging.
var errStopped = errors.New("ingest: consumer stopped")

func (b *AnnotatedBundle) split(ctx context.Context, sp Split, allowed map[string]bool, yield func(dataset.Sample, error) bool) error {
	fsys := b.fs()
	data, err := fsys.ReadFile(sp.JSONPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFormat, err)
	}
	var m cocoManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSourceFormat, sp.JSONPath, err)
	}

	names := make(map[int64]string, len(m.Categories))
	for _, c := range m.Categories {
		names[c.ID] = c.Name
	}
	firstCategory := make(map[int64]int64)
	for _, a := range m.Annotations {
		if a.ImageID == nil || a.CategoryID == nil {
			continue
		}
		if _, seen := firstCategory[*a.ImageID]; !seen {
			firstCategory[*a.ImageID] = *a.CategoryID
		}
	}

	kept := 0
	for _, img := range m.Images {
		if err := ctx.Err(); err != nil {
			return err
		}
		if img.FileName == "" {
			b.Tally.Drop(monitoring.DropMissingFile)
			continue
		}
		file := b.resolve(sp, img.FileName)
		if file == "" {
			b.Tally.Drop(monitoring.DropMissingFile)
			continue
		}

		var label string
		if img.ID != nil {
			if cat, ok := firstCategory[*img.ID]; ok {
				label = names[cat]
			}
		}
		if label == "" {
			label = labelFromFileName(img.FileName)
		}
		if label == "" {
			b.Tally.Drop(monitoring.DropMalformedLabel)
			continue
		}
		if allowed != nil && !allowed[label] {
			b.Tally.Drop(monitoring.DropLabelNotAllowed)
			continue
		}

		s, ok := b.sample(file, label)
		if !ok {
			continue
		}
		kept++
		if !yield(s, nil) {
			return errStopped
		}
	}
	monitoring.Logf("annotated bundle: %s: %d of %d images kept", sp.JSONPath, kept, len(m.Images))
	return nil
}

// resolve finds fileName under the split's image directory, then next to
// the manifest. It returns "" when neither exists.
func (b *AnnotatedBundle) resolve(sp Split, fileName string) string {
	fsys := b.fs()
	if sp.ImagesDir != "" {
		if p := filepath.Join(sp.ImagesDir, fileName); fsys.Exists(p) {
			return p
		}
	}
	if p := filepath.Join(filepath.Dir(sp.JSONPath), fileName); fsys.Exists(p) {
		return p
	}
	return ""
}

// labelFromFileName uses the first character of the file's stem, so
// "A.jpg" and "a_03.png" both label as "A".
func labelFromFileName(fileName string) string {
	base := path.Base(filepath.ToSlash(fileName))
	stem := strings.TrimSuffix(base, path.Ext(base))
	for _, r := range stem {
		return strings.ToUpper(string(r))
	}
	return ""
}

// folder reads <dir>/<class>/<file>; the class directory name, trimmed and
// uppercased, is the label. A missing directory contributes nothing.
func (b *AnnotatedBundle) folder(ctx context.Context, dir string, allowed map[string]bool, yield func(dataset.Sample, error) bool) error {
	fsys := b.fs()
	if !fsys.Exists(dir) {
		return nil
	}
	files, err := fsys.List(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceFormat, err)
	}
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		class, name, ok := strings.Cut(rel, "/")
		if !ok || strings.Contains(name, "/") {
			continue
		}
		label := strings.ToUpper(strings.TrimSpace(class))
		if allowed != nil && !allowed[label] {
			b.Tally.Drop(monitoring.DropLabelNotAllowed)
			continue
		}
		s, ok := b.sample(filepath.Join(dir, filepath.FromSlash(rel)), label)
		if !ok {
			continue
		}
		if !yield(s, nil) {
			return errStopped
		}
	}
	return nil
}

func (b *AnnotatedBundle) sample(file, label string) (dataset.Sample, bool) {
	data, err := b.fs().ReadFile(file)
	if err != nil {
		b.Tally.Drop(monitoring.DropMissingFile)
		return dataset.Sample{}, false
	}
	img, err := imageio.Decode(data)
	if err != nil {
		b.Tally.Drop(monitoring.DropUndecodableImage)
		return dataset.Sample{}, false
	}
	return dataset.Sample{Features: imageio.Grid(img, b.edge()), Label: label}, true
}

func (b *AnnotatedBundle) edge() int {
	if b.Edge <= 0 {
		return 160
	}
	return b.Edge
}
