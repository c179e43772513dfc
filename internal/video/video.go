// Package video decodes frames from media files and transcodes source
// recordings for publishing, both through ffmpeg.
package video

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"path/filepath"
	"strings"
	"sync"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// FrameSource yields decoded frames in presentation order. Next returns
// io.EOF once the stream is exhausted.
type FrameSource interface {
	Next() (image.Image, error)
	Close() error
}

// Opener opens a FrameSource for a local media file.
type Opener func(ctx context.Context, path string) (FrameSource, error)

// ffmpegSource reads PNG frames that ffmpeg writes to a pipe.
type ffmpegSource struct {
	cancel context.CancelFunc
	pipe   *io.PipeReader
	r      *bufio.Reader
	done   chan struct{}

	mu     sync.Mutex
	runErr error
}

// OpenFFmpeg starts ffmpeg decoding path into a stream of PNG images.
// The process is stopped by Close or when ctx is cancelled.
func OpenFFmpeg(ctx context.Context, path string) (FrameSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	in, out := io.Pipe()
	src := &ffmpegSource{
		cancel: cancel,
		pipe:   in,
		r:      bufio.NewReaderSize(in, 1<<20),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(src.done)
		stream := ffmpeg.Input(path).
			Output("pipe:", ffmpeg.KwArgs{"format": "image2pipe", "vcodec": "png"})
		stream.Context = ctx
		err := stream.WithOutput(out).Run()
		if err != nil && ctx.Err() == nil {
			err = fmt.Errorf("ffmpeg %s: %w", filepath.Base(path), err)
		} else {
			err = nil
		}
		src.mu.Lock()
		src.runErr = err
		src.mu.Unlock()
		out.CloseWithError(io.EOF)
	}()
	return src, nil
}

func (s *ffmpegSource) Next() (image.Image, error) {
	if _, err := s.r.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			<-s.done
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.runErr != nil {
				return nil, s.runErr
			}
			return nil, io.EOF
		}
		return nil, err
	}
	img, err := png.Decode(s.r)
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	return img, nil
}

func (s *ffmpegSource) Close() error {
	s.cancel()
	// Unblock the writer if it is mid-frame.
	_ = s.pipe.CloseWithError(io.ErrClosedPipe)
	<-s.done
	return nil
}

// SliceSource serves frames from memory.
type SliceSource struct {
	Frames []image.Image
	// Err, if set, is returned after the frames instead of io.EOF.
	Err    error
	next   int
	closed bool
}

// Next returns the next frame.
func (s *SliceSource) Next() (image.Image, error) {
	if s.closed {
		return nil, io.ErrClosedPipe
	}
	if s.next >= len(s.Frames) {
		if s.Err != nil {
			return nil, s.Err
		}
		return nil, io.EOF
	}
	img := s.Frames[s.next]
	s.next++
	return img, nil
}

// Close marks the source closed.
func (s *SliceSource) Close() error {
	s.closed = true
	return nil
}

// TranscodeOptions controls the H.264/AAC output of Transcode.
type TranscodeOptions struct {
	CRF          int
	Scale        string
	AudioBitrate string
	Preset       string
}

// DefaultTranscodeOptions targets 720p web playback.
func DefaultTranscodeOptions() TranscodeOptions {
	return TranscodeOptions{CRF: 23, Scale: "1280:-2", AudioBitrate: "128k", Preset: "medium"}
}

// Transcode re-encodes src into outDir/<stem>.mp4 and returns the output path.
func Transcode(ctx context.Context, src, outDir string, opts TranscodeOptions) (string, error) {
	def := DefaultTranscodeOptions()
	if opts.CRF == 0 {
		opts.CRF = def.CRF
	}
	if opts.Scale == "" {
		opts.Scale = def.Scale
	}
	if opts.AudioBitrate == "" {
		opts.AudioBitrate = def.AudioBitrate
	}
	if opts.Preset == "" {
		opts.Preset = def.Preset
	}

	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dst := filepath.Join(outDir, stem+".mp4")

	stream := ffmpeg.Input(src).Output(dst, transcodeArgs(opts)).OverWriteOutput()
	stream.Context = ctx
	if err := stream.Run(); err != nil {
		return "", fmt.Errorf("transcode %s: %w", src, err)
	}
	return dst, nil
}

func transcodeArgs(opts TranscodeOptions) ffmpeg.KwArgs {
	return ffmpeg.KwArgs{
		"vf":      "scale=" + opts.Scale,
		"c:v":     "libx264",
		"preset":  opts.Preset,
		"crf":     opts.CRF,
		"pix_fmt": "yuv420p",
		"c:a":     "aac",
		"b:a":     opts.AudioBitrate,
	}
}
