package ingest

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/signlearn/trainer/internal/catalog"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/extract"
	"github.com/signlearn/trainer/internal/features"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/pose"
	"github.com/signlearn/trainer/internal/video"
)

// MediaCatalog fetches every catalog item, runs the pose detector over it
// and emits one landmark sample per normalised hand. Items are processed
// by a bounded worker pool; a failing item contributes no samples and is
// tallied, the rest carry on. Samples come out in catalog order.
type MediaCatalog struct {
	Repo     catalog.Repository
	Detector pose.Detector
	// Frames opens video files. Defaults to video.OpenFFmpeg.
	Frames video.Opener
	// Workers bounds concurrent items. Zero means runtime.NumCPU().
	Workers int
	// Landmarks is the landmark count every hand must have. Hands with a
	// different count are dropped so all vectors share one width. Zero
	// means features.HandLandmarks.
	Landmarks   int
	Extract     extract.Options
	DownloadDir string
	// KeepDownloads leaves fetched files in DownloadDir.
	KeepDownloads bool
	Tally         *monitoring.Tally
}

// Name implements Ingestor.
func (m *MediaCatalog) Name() string { return "media-catalog" }

// Representation implements Ingestor.
func (m *MediaCatalog) Representation() dataset.Representation { return dataset.Landmarks }

// Samples implements Ingestor.
func (m *MediaCatalog) Samples(ctx context.Context) iter.Seq2[dataset.Sample, error] {
	return func(yield func(dataset.Sample, error) bool) {
		items, err := m.Repo.ListItems(ctx)
		if err != nil {
			yield(dataset.Sample{}, fmt.Errorf("%w: list catalog: %v", ErrSourceFormat, err))
			return
		}
		monitoring.Logf("media catalog: %d items", len(items))

		results, err := m.process(ctx, items)
		if err != nil {
			yield(dataset.Sample{}, err)
			return
		}
		for _, r := range results {
			if !emit(r, yield) {
				return
			}
		}
	}
}

func (m *MediaCatalog) process(ctx context.Context, items []catalog.Item) ([][]dataset.Sample, error) {
	workers := m.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	results := make([][]dataset.Sample, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, it := range items {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// Per-item failures are absorbed; only cancellation stops the pool.
			results[i] = m.item(gctx, it)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (m *MediaCatalog) item(ctx context.Context, it catalog.Item) []dataset.Sample {
	dir := m.DownloadDir
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "gesturetrain-downloads")
	}
	local, err := m.Repo.Fetch(ctx, it.Ref, dir)
	if err != nil {
		monitoring.Logf("media catalog: %s: %v", it.Ref, err)
		m.Tally.Drop(monitoring.DropFetchFailed)
		return nil
	}
	if !m.KeepDownloads {
		defer os.Remove(local)
	}

	var hands []pose.Instance
	switch it.Type {
	case catalog.MediaImage:
		hands, err = m.imageHands(ctx, local)
	default:
		hands, err = m.videoHands(ctx, local)
	}
	if err != nil {
		monitoring.Logf("media catalog: %s: %v", it.Ref, err)
		m.Tally.Drop(monitoring.DropUndecodableImage)
		return nil
	}
	if len(hands) == 0 {
		m.Tally.Drop(monitoring.DropNoDetections)
		return nil
	}

	want := m.Landmarks
	if want <= 0 {
		want = features.HandLandmarks
	}
	var out []dataset.Sample
	for _, h := range hands {
		vec, ok := features.Normalize(h)
		if !ok {
			m.Tally.Drop(monitoring.DropTooFewLandmarks)
			continue
		}
		if len(vec) != features.Dim(want) {
			m.Tally.Drop(monitoring.DropLandmarkCount)
			continue
		}
		out = append(out, dataset.Sample{Features: vec, Label: it.Label})
	}
	return out
}

// imageHands returns every detected hand.
func (m *MediaCatalog) imageHands(ctx context.Context, path string) ([]pose.Instance, error) {
	img, err := imageio.Open(path)
	if err != nil {
		return nil, err
	}
	return extract.Image(ctx, m.Detector, img)
}

// videoHands returns the first hand of every retained frame.
func (m *MediaCatalog) videoHands(ctx context.Context, path string) ([]pose.Instance, error) {
	open := m.Frames
	if open == nil {
		open = video.OpenFFmpeg
	}
	src, err := open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	groups, err := extract.Sequence(ctx, m.Detector, src, m.Extract)
	if err != nil {
		return nil, err
	}
	hands := make([]pose.Instance, 0, len(groups))
	for _, g := range groups {
		hands = append(hands, g[0])
	}
	return hands, nil
}
