// Package dataset holds labelled feature samples and turns them into a
// training set: class counting, the minimum-per-class gate, the fixed
// class index and the stratified holdout split.
package dataset

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"math/rand"
	"sort"
)

// ErrNoEligibleClasses reports that no class reached the minimum sample
// count. It is a terminal outcome, not a failure.
var ErrNoEligibleClasses = errors.New("no class meets the minimum samples per class")

// Representation identifies what a feature vector encodes.
type Representation int

const (
	// Landmarks are normalized pose coordinates, length 2N.
	Landmarks Representation = iota
	// ImageGrid is a square RGB pixel grid in row-major HWC order.
	ImageGrid
)

func (r Representation) String() string {
	switch r {
	case Landmarks:
		return "landmarks"
	case ImageGrid:
		return "image-grid"
	default:
		return fmt.Sprintf("representation(%d)", int(r))
	}
}

// ParseRepresentation is the inverse of String.
func ParseRepresentation(s string) (Representation, error) {
	switch s {
	case "landmarks":
		return Landmarks, nil
	case "image-grid":
		return ImageGrid, nil
	}
	return 0, fmt.Errorf("unknown representation %q", s)
}

// Sample is one feature vector with its class label.
type Sample struct {
	Features []float64
	Label    string
}

// Collect drains seq into a slice, stopping at the first error.
func Collect(seq iter.Seq2[Sample, error]) ([]Sample, error) {
	var out []Sample
	for s, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, s)
	}
	return out, nil
}

// ClassCounts maps a label to its number of samples.
type ClassCounts map[string]int

// CountClasses tallies samples per label.
func CountClasses(samples []Sample) ClassCounts {
	c := make(ClassCounts)
	for _, s := range samples {
		c[s.Label]++
	}
	return c
}

// Eligible returns the sorted labels with at least minCount samples.
func (c ClassCounts) Eligible(minCount int) []string {
	var out []string
	for label, n := range c {
		if n >= minCount {
			out = append(out, label)
		}
	}
	sort.Strings(out)
	return out
}

// Labels returns every label in sorted order.
func (c ClassCounts) Labels() []string {
	return c.Eligible(math.MinInt)
}

// Classes is the sorted, deduplicated label list. A label's position is
// its class index for the whole run.
type Classes struct {
	labels []string
	index  map[string]int
}

// NewClasses sorts and deduplicates labels.
func NewClasses(labels []string) *Classes {
	sorted := append([]string(nil), labels...)
	sort.Strings(sorted)
	c := &Classes{index: make(map[string]int, len(sorted))}
	for _, l := range sorted {
		if _, dup := c.index[l]; dup {
			continue
		}
		c.index[l] = len(c.labels)
		c.labels = append(c.labels, l)
	}
	return c
}

// Len returns the number of classes.
func (c *Classes) Len() int { return len(c.labels) }

// Label returns the label at index i.
func (c *Classes) Label(i int) string { return c.labels[i] }

// Labels returns a copy of the ordered labels.
func (c *Classes) Labels() []string { return append([]string(nil), c.labels...) }

// Index returns the class index of label.
func (c *Classes) Index(label string) (int, bool) {
	i, ok := c.index[label]
	return i, ok
}

// Assembly is the gated dataset.
type Assembly struct {
	// All is every ingested sample, in ingestion order.
	All []Sample
	// Eligible holds the samples of eligible classes, in ingestion order.
	Eligible []Sample
	Counts   ClassCounts
	// Classes covers Eligible only. It is nil when nothing is eligible.
	Classes *Classes
	// Dim is the common feature length.
	Dim int
}

// Assemble counts classes and applies the minimum-per-class gate. When no
// class qualifies it returns the Assembly (for raw export) together with
// ErrNoEligibleClasses.
func Assemble(samples []Sample, minPerClass int) (*Assembly, error) {
	a := &Assembly{All: samples, Counts: CountClasses(samples)}
	for i, s := range samples {
		if i == 0 {
			a.Dim = len(s.Features)
			continue
		}
		if len(s.Features) != a.Dim {
			return nil, fmt.Errorf("sample %d (%s) has %d features, want %d", i, s.Label, len(s.Features), a.Dim)
		}
	}

	eligible := a.Counts.Eligible(minPerClass)
	if len(eligible) == 0 {
		return a, ErrNoEligibleClasses
	}
	a.Classes = NewClasses(eligible)
	for _, s := range samples {
		if _, ok := a.Classes.Index(s.Label); ok {
			a.Eligible = append(a.Eligible, s)
		}
	}
	return a, nil
}

// Split is a train/holdout partition with labels as class indices.
type Split struct {
	TrainX [][]float64
	TrainY []int
	TestX  [][]float64
	TestY  []int
}

// Split partitions the eligible samples into training and holdout sets,
// stratified by class. The holdout size is ceil(fraction * n); each class
// contributes in proportion to its size and always keeps at least one
// training sample. The result depends only on seed and sample order.
func (a *Assembly) Split(fraction float64, seed int64) (*Split, error) {
	if a.Classes == nil {
		return nil, ErrNoEligibleClasses
	}
	if fraction < 0 || fraction >= 1 {
		return nil, fmt.Errorf("holdout fraction %v outside [0, 1)", fraction)
	}

	byClass := make([][]int, a.Classes.Len())
	for i, s := range a.Eligible {
		ci, _ := a.Classes.Index(s.Label)
		byClass[ci] = append(byClass[ci], i)
	}
	n := len(a.Eligible)
	nTest := int(math.Ceil(fraction * float64(n)))
	quota := allocate(byClass, fraction, nTest)

	rng := rand.New(rand.NewSource(seed))
	var trainIdx, testIdx []int
	for ci, idx := range byClass {
		perm := append([]int(nil), idx...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		testIdx = append(testIdx, perm[:quota[ci]]...)
		trainIdx = append(trainIdx, perm[quota[ci]:]...)
	}
	rng.Shuffle(len(trainIdx), func(i, j int) { trainIdx[i], trainIdx[j] = trainIdx[j], trainIdx[i] })
	rng.Shuffle(len(testIdx), func(i, j int) { testIdx[i], testIdx[j] = testIdx[j], testIdx[i] })

	sp := &Split{}
	for _, i := range trainIdx {
		ci, _ := a.Classes.Index(a.Eligible[i].Label)
		sp.TrainX = append(sp.TrainX, a.Eligible[i].Features)
		sp.TrainY = append(sp.TrainY, ci)
	}
	for _, i := range testIdx {
		ci, _ := a.Classes.Index(a.Eligible[i].Label)
		sp.TestX = append(sp.TestX, a.Eligible[i].Features)
		sp.TestY = append(sp.TestY, ci)
	}
	return sp, nil
}

// allocate gives each class floor(fraction*size) holdout slots, then hands
// the remainder to the largest fractional parts (ties to the larger class,
// then the lower index). No class gives up its last sample.
func allocate(byClass [][]int, fraction float64, nTest int) []int {
	quota := make([]int, len(byClass))
	type rem struct {
		class int
		frac  float64
	}
	var rems []rem
	total := 0
	for ci, idx := range byClass {
		exact := fraction * float64(len(idx))
		q := int(math.Floor(exact))
		if q > len(idx)-1 {
			q = len(idx) - 1
		}
		quota[ci] = q
		total += q
		rems = append(rems, rem{ci, exact - float64(q)})
	}
	sort.SliceStable(rems, func(i, j int) bool {
		if rems[i].frac != rems[j].frac {
			return rems[i].frac > rems[j].frac
		}
		return len(byClass[rems[i].class]) > len(byClass[rems[j].class])
	})
	for total < nTest {
		progressed := false
		for _, r := range rems {
			if total >= nTest {
				break
			}
			if quota[r.class] < len(byClass[r.class])-1 {
				quota[r.class]++
				total++
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}
	return quota
}
