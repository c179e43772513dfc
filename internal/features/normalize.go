// Package features turns detected hand landmarks into position- and
// scale-invariant feature vectors.
package features

import (
	"math"

	"github.com/signlearn/trainer/internal/pose"
)

// Landmark indices follow the 21-point hand topology. They are a fixed
// contract with the detector: if its landmark ordering changes these must
// be re-validated.
const (
	// HandLandmarks is the detector's landmark count per hand.
	HandLandmarks = 21
	// MinLandmarks is the fewest landmarks that produce a vector.
	MinLandmarks = 10
	// OriginIndex is the wrist.
	OriginIndex = 0
	// ScaleIndex is the middle finger MCP joint.
	ScaleIndex = 9
	// Epsilon keeps the scale non-zero when origin and scale point coincide.
	Epsilon = 1e-6
)

// Dim returns the feature vector length for n landmarks.
func Dim(n int) int { return 2 * n }

// Normalize maps every landmark p to (p - wrist) / (|mcp - wrist| + eps)
// and flattens the result as x0, y0, x1, y1, ... It reports false when the
// instance has fewer than MinLandmarks points.
func Normalize(in pose.Instance) ([]float64, bool) {
	n := in.Len()
	if n < MinLandmarks {
		return nil, false
	}
	origin := in.At(OriginIndex)
	ref := in.At(ScaleIndex)
	scale := math.Hypot(ref.X-origin.X, ref.Y-origin.Y) + Epsilon

	out := make([]float64, Dim(n))
	for i := 0; i < n; i++ {
		p := in.At(i)
		out[2*i] = (p.X - origin.X) / scale
		out[2*i+1] = (p.Y - origin.Y) / scale
	}
	return out, true
}
