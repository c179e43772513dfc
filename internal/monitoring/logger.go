// Package monitoring holds the diagnostic logger shared by every stage of a
// training run and the tally of samples dropped along the way.
package monitoring

import (
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Drop reasons recorded by ingestors. A dropped sample is never an error.
const (
	DropMalformedLabel   = "malformed-label"
	DropUndecodableImage = "undecodable-image"
	DropTooFewLandmarks  = "too-few-landmarks"
	DropLandmarkCount    = "landmark-count-mismatch"
	DropLabelNotAllowed  = "label-not-allowed"
	DropNoDetections     = "no-detections"
	DropFetchFailed      = "fetch-failed"
	DropMissingFile      = "missing-file"
	DropUnknownShape     = "unknown-shape"
)

// Tally counts dropped samples per reason. It is safe for concurrent use;
// a nil *Tally discards everything.
type Tally struct {
	mu     sync.Mutex
	counts map[string]int
}

// NewTally returns an empty tally.
func NewTally() *Tally {
	return &Tally{counts: make(map[string]int)}
}

// Drop records one dropped sample.
func (t *Tally) Drop(reason string) {
	t.Add(reason, 1)
}

// Add records n dropped samples.
func (t *Tally) Add(reason string, n int) {
	if t == nil || n <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.counts == nil {
		t.counts = make(map[string]int)
	}
	t.counts[reason] += n
}

// Count returns the number of drops recorded for reason.
func (t *Tally) Count(reason string) int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counts[reason]
}

// Total returns the number of drops across all reasons.
func (t *Tally) Total() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, n := range t.counts {
		total += n
	}
	return total
}

// Snapshot returns a copy of the per-reason counts.
func (t *Tally) Snapshot() map[string]int {
	out := make(map[string]int)
	if t == nil {
		return out
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.counts {
		out[k] = v
	}
	return out
}

// String renders the tally as "reason=n" pairs in reason order.
func (t *Tally) String() string {
	snap := t.Snapshot()
	if len(snap) == 0 {
		return "none"
	}
	reasons := make([]string, 0, len(snap))
	for r := range snap {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, fmt.Sprintf("%s=%d", r, snap[r]))
	}
	return strings.Join(parts, " ")
}
