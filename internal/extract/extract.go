// Package extract drives a pose detector over still images and over
// subsampled video frame sequences.
package extract

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/signlearn/trainer/internal/pose"
	"github.com/signlearn/trainer/internal/video"
)

// Options bounds sequence extraction.
type Options struct {
	// MaxFrames caps the number of frames with detections that are kept.
	MaxFrames int
	// Stride processes frames 0, Stride, 2*Stride, ...
	Stride int
}

// DefaultOptions keeps up to 32 frames, processing every other frame.
func DefaultOptions() Options {
	return Options{MaxFrames: 32, Stride: 2}
}

// Image returns every hand the detector finds in img.
func Image(ctx context.Context, det pose.Detector, img image.Image) ([]pose.Instance, error) {
	hands, err := det.Detect(ctx, img)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	return hands, nil
}

// Sequence runs det over a subsampled frame stream and returns one group
// of detections per retained frame. Frames without detections are skipped
// and do not count towards MaxFrames. Any detector or decode error aborts
// the whole item.
func Sequence(ctx context.Context, det pose.Detector, src video.FrameSource, opts Options) ([][]pose.Instance, error) {
	if opts.MaxFrames <= 0 || opts.Stride <= 0 {
		def := DefaultOptions()
		if opts.MaxFrames <= 0 {
			opts.MaxFrames = def.MaxFrames
		}
		if opts.Stride <= 0 {
			opts.Stride = def.Stride
		}
	}

	var groups [][]pose.Instance
	for index := 0; len(groups) < opts.MaxFrames; index++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("frame %d: %w", index, err)
		}
		if index%opts.Stride != 0 {
			continue
		}
		hands, err := det.Detect(ctx, frame)
		if err != nil {
			return nil, fmt.Errorf("detect frame %d: %w", index, err)
		}
		if len(hands) > 0 {
			groups = append(groups, hands)
		}
	}
	return groups, nil
}
