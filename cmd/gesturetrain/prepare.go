package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/signlearn/trainer/internal/catalog"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/objstore"
	"github.com/signlearn/trainer/internal/slug"
	"github.com/signlearn/trainer/internal/video"
)

// transcode is replaced in tests, which cannot rely on an ffmpeg binary.
var transcode = video.Transcode

var (
	videoExts = map[string]bool{".m4v": true, ".mp4": true, ".mov": true}
	imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true, ".webp": true}
)

// errNotStored marks a docs-only item whose object is absent from the store.
var errNotStored = errors.New("not in store")

type mediaFile struct {
	Kind     catalog.MediaType
	Category string
	Path     string
}

// scanMedia lists media files under each category folder of base, sorted
// by folder and then by path.
func scanMedia(base string, kind catalog.MediaType) ([]mediaFile, error) {
	exts := videoExts
	if kind == catalog.MediaImage {
		exts = imageExts
	}
	entries, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	var files []mediaFile
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		category := slug.Category(e.Name())
		err := filepath.WalkDir(filepath.Join(base, e.Name()), func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.Type().IsRegular() && exts[strings.ToLower(filepath.Ext(p))] {
				files = append(files, mediaFile{Kind: kind, Category: category, Path: p})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return files, nil
}

type prepareOptions struct {
	Store       objstore.Store
	VideoPrefix string
	ImagePrefix string
	Level       string
	DocsOnly    bool
	TempDir     string
	Transcode   video.TranscodeOptions
}

type prepared struct {
	Kind catalog.MediaType
	Doc  catalog.Document
}

// prepareOne uploads one media file, transcoding videos first, and returns
// its catalog document. In docs-only mode nothing is uploaded and the
// object must already exist.
func prepareOne(ctx context.Context, mf mediaFile, o prepareOptions) (catalog.Document, error) {
	title := slug.Title(mf.Path)
	id := slug.Make(title)
	if id == "" {
		return catalog.Document{}, fmt.Errorf("%s: no usable slug", mf.Path)
	}
	doc := catalog.Document{
		ID:       id,
		Slug:     id,
		Title:    title,
		Category: mf.Category,
		Level:    o.Level,
	}
	local := mf.Path
	if mf.Kind == catalog.MediaImage {
		ext := strings.ToLower(filepath.Ext(mf.Path))
		doc.StoragePath = path.Join(o.ImagePrefix, mf.Category, id+ext)
		doc.Description = "Imagen: " + title
	} else {
		doc.StoragePath = path.Join(o.VideoPrefix, mf.Category, id+".mp4")
		doc.Description = "Seña: " + title
	}

	if o.DocsOnly {
		rc, err := o.Store.Get(ctx, doc.StoragePath)
		if errors.Is(err, objstore.ErrNotFound) {
			return catalog.Document{}, fmt.Errorf("%s: %w", doc.StoragePath, errNotStored)
		}
		if err != nil {
			return catalog.Document{}, err
		}
		rc.Close()
		return doc, nil
	}

	if mf.Kind == catalog.MediaVideo {
		// Same-named files in different folders must not share an output.
		dir, err := os.MkdirTemp(o.TempDir, "item-")
		if err != nil {
			return catalog.Document{}, err
		}
		defer os.RemoveAll(dir)
		if local, err = transcode(ctx, mf.Path, dir, o.Transcode); err != nil {
			return catalog.Document{}, err
		}
	}
	if err := putFile(ctx, o.Store, local, doc.StoragePath); err != nil {
		return catalog.Document{}, err
	}
	return doc, nil
}

// prepareAll runs prepareOne over files with a bounded pool. A failed item
// is logged and skipped; results keep the order of files.
func prepareAll(ctx context.Context, files []mediaFile, workers int, o prepareOptions) ([]prepared, int) {
	docs := make([]catalog.Document, len(files))
	errs := make([]error, len(files))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, mf := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			docs[i], errs[i] = prepareOne(ctx, mf, o)
			return nil
		})
	}
	_ = g.Wait()

	var kept []prepared
	failed := 0
	for i, d := range docs {
		if errs[i] != nil {
			monitoring.Logf("prepare: skipped %s: %v", files[i].Path, errs[i])
			failed++
			continue
		}
		kept = append(kept, prepared{Kind: files[i].Kind, Doc: d})
	}
	return kept, failed
}

func runPrepare(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("prepare", flag.ContinueOnError)
	basePath := fs.String("base-path", "", "Root folder holding one subfolder per category, e.g. LSM_Abecedario_Web (required)")
	storeURI := fs.String("store", "", "Destination object store (required)")
	catalogPath := fs.String("catalog", "tools/catalog.json", "Catalog export to create or update")
	videoPrefix := fs.String("dest-prefix", "videos", "Key prefix for videos")
	imagePrefix := fs.String("images-dest-prefix", "images", "Key prefix for images")
	level := fs.String("level", "basico", "Level recorded on every document")
	includeImages := fs.Bool("include-images", false, "Also upload images found in the category folders")
	docsOnly := fs.Bool("create-docs-only", false, "Only write documents for objects already in the store")
	dryRun := fs.Bool("dry-run", false, "Upload but do not write the catalog")
	defaults := video.DefaultTranscodeOptions()
	crf := fs.Int("crf", defaults.CRF, "H.264 CRF quality (lower is better)")
	scale := fs.String("scale", defaults.Scale, "ffmpeg scale filter, e.g. 1280:-2 or 960:-2")
	audioBitrate := fs.String("audio-bitrate", defaults.AudioBitrate, "AAC audio bitrate")
	workers := fs.Int("workers", runtime.NumCPU(), "Parallel transcodes and uploads")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *basePath == "" || *storeURI == "" {
		fs.Usage()
		return errors.New("--base-path and --store are required")
	}
	if *workers < 1 {
		*workers = 1
	}

	store, err := objstore.Open(*storeURI)
	if err != nil {
		return err
	}
	files, err := scanMedia(*basePath, catalog.MediaVideo)
	if err != nil {
		return fmt.Errorf("scan %s: %w", *basePath, err)
	}
	if *includeImages {
		images, err := scanMedia(*basePath, catalog.MediaImage)
		if err != nil {
			return fmt.Errorf("scan %s: %w", *basePath, err)
		}
		files = append(files, images...)
	}
	monitoring.Logf("prepare: %d media files under %s", len(files), *basePath)

	tmp, err := os.MkdirTemp("", "gesturetrain-transcode-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	opts := prepareOptions{
		Store:       store,
		VideoPrefix: *videoPrefix,
		ImagePrefix: *imagePrefix,
		Level:       *level,
		DocsOnly:    *docsOnly,
		TempDir:     tmp,
		Transcode:   video.TranscodeOptions{CRF: *crf, Scale: *scale, AudioBitrate: *audioBitrate},
	}
	docs, failed := prepareAll(ctx, files, *workers, opts)
	if err := ctx.Err(); err != nil {
		return err
	}

	if !*dryRun {
		w, err := catalog.NewWriter(*catalogPath)
		if err != nil {
			return err
		}
		for _, p := range docs {
			w.Add(p.Kind, p.Doc)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("write catalog: %w", err)
		}
	}
	fmt.Fprintf(stdout, "prepared %d of %d media files (%d skipped)\n", len(docs), len(files), failed)
	return nil
}
