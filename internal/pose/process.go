package pose

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/signlearn/trainer/internal/monitoring"
)

// maxResponseLine bounds a single detector response.
const maxResponseLine = 4 * 1024 * 1024

type detectRequest struct {
	ImagePNG string `json:"image_png"`
}

type detectedHand struct {
	Landmarks  [][]float64 `json:"landmarks"`
	Handedness string      `json:"handedness"`
}

type detectResponse struct {
	Hands []detectedHand `json:"hands"`
	Error string         `json:"error"`
}

// ProcessDetector runs a long-lived hand landmark worker (for example a
// MediaPipe script) and exchanges one JSON line per image over its stdin
// and stdout. Calls are serialised, so a single worker may be shared by a
// pool of extractors.
type ProcessDetector struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Scanner
	closed bool
}

// StartProcessDetector launches name with args. The worker inherits stderr
// so its diagnostics reach the operator.
func StartProcessDetector(ctx context.Context, name string, args ...string) (*ProcessDetector, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = os.Stderr
	return startProcess(cmd)
}

func startProcess(cmd *exec.Cmd) (*ProcessDetector, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("detector stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start detector %s: %w", cmd.Path, err)
	}
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxResponseLine)
	monitoring.Logf("pose: started detector worker %s (pid %d)", cmd.Path, cmd.Process.Pid)
	return &ProcessDetector{cmd: cmd, stdin: stdin, stdout: scanner}, nil
}

// Detect sends img to the worker and parses the reply.
func (d *ProcessDetector) Detect(ctx context.Context, img image.Image) ([]Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	line, err := json.Marshal(detectRequest{ImagePNG: base64.StdEncoding.EncodeToString(buf.Bytes())})
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("detector closed")
	}
	if _, err := d.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("write to detector: %w", err)
	}
	if !d.stdout.Scan() {
		if err := d.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read from detector: %w", err)
		}
		return nil, io.ErrUnexpectedEOF
	}
	return parseResponse(d.stdout.Bytes())
}

func parseResponse(line []byte) ([]Instance, error) {
	var resp detectResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode detector response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("detector: %s", resp.Error)
	}
	out := make([]Instance, 0, len(resp.Hands))
	for i, hand := range resp.Hands {
		points := make([]Point, len(hand.Landmarks))
		for j, lm := range hand.Landmarks {
			if len(lm) < 2 {
				return nil, fmt.Errorf("hand %d landmark %d: want at least 2 coordinates, got %d", i, j, len(lm))
			}
			points[j] = Point{X: lm[0], Y: lm[1]}
		}
		out = append(out, NewInstance(points, ParseSide(hand.Handedness)))
	}
	return out, nil
}

// Close stops the worker by closing its stdin and waits for it to exit.
func (d *ProcessDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.stdin.Close(); err != nil {
		return err
	}
	return d.cmd.Wait()
}
