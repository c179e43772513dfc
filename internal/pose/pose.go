// Package pose defines the hand pose model produced by a landmark detector
// and the Detector contract the extractor drives.
package pose

import (
	"context"
	"image"
	"strings"
)

// Point is a landmark in normalised image space, roughly [0,1] on each axis.
type Point struct {
	X, Y float64
}

// Side is the handedness reported by the detector.
type Side int

const (
	SideUnknown Side = iota
	SideLeft
	SideRight
)

// ParseSide maps "Left"/"Right" (any case) to a Side.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left":
		return SideLeft
	case "right":
		return SideRight
	default:
		return SideUnknown
	}
}

func (s Side) String() string {
	switch s {
	case SideLeft:
		return "left"
	case SideRight:
		return "right"
	default:
		return "unknown"
	}
}

// Instance is one detected hand. The point slice is owned by the instance;
// use NewInstance so callers cannot alias it.
type Instance struct {
	points []Point
	side   Side
}

// NewInstance copies points into a new Instance.
func NewInstance(points []Point, side Side) Instance {
	cp := make([]Point, len(points))
	copy(cp, points)
	return Instance{points: cp, side: side}
}

// Len returns the number of landmarks.
func (in Instance) Len() int { return len(in.points) }

// At returns the i-th landmark.
func (in Instance) At(i int) Point { return in.points[i] }

// Points returns a copy of the landmarks.
func (in Instance) Points() []Point {
	cp := make([]Point, len(in.points))
	copy(cp, in.points)
	return cp
}

// Side returns the reported handedness.
func (in Instance) Side() Side { return in.side }

// Detector finds hand poses in a single image. A result may be empty.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]Instance, error)
}

// DetectorFunc adapts a function to the Detector interface.
type DetectorFunc func(ctx context.Context, img image.Image) ([]Instance, error)

// Detect calls f.
func (f DetectorFunc) Detect(ctx context.Context, img image.Image) ([]Instance, error) {
	return f(ctx, img)
}
