package dataset

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func samples(counts map[string]int) []Sample {
	var out []Sample
	for _, label := range []string{"A", "B", "C", "D", "E"} {
		for i := 0; i < counts[label]; i++ {
			out = append(out, Sample{Features: []float64{float64(len(out)), 1}, Label: label})
		}
	}
	return out
}

func TestAssemble_Threshold(t *testing.T) {
	all := samples(map[string]int{"A": 5, "B": 2})

	a, err := Assemble(all, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, a.Classes.Labels())
	assert.Len(t, a.Eligible, 5)
	assert.Len(t, a.All, 7)
	assert.Equal(t, ClassCounts{"A": 5, "B": 2}, a.Counts)
	assert.Equal(t, 2, a.Dim)
	for _, s := range a.Eligible {
		assert.Equal(t, "A", s.Label)
	}
}

func TestAssemble_NoEligibleClasses(t *testing.T) {
	all := samples(map[string]int{"A": 2, "B": 1})

	a, err := Assemble(all, 5)
	assert.ErrorIs(t, err, ErrNoEligibleClasses)
	require.NotNil(t, a)
	assert.Len(t, a.All, 3)
	assert.Nil(t, a.Classes)

	_, err = a.Split(0.2, 42)
	assert.ErrorIs(t, err, ErrNoEligibleClasses)

	a, err = Assemble(nil, 1)
	assert.ErrorIs(t, err, ErrNoEligibleClasses)
	assert.Empty(t, a.All)
}

func TestAssemble_FeatureLengthMismatch(t *testing.T) {
	_, err := Assemble([]Sample{
		{Features: []float64{1, 2}, Label: "A"},
		{Features: []float64{1, 2, 3}, Label: "A"},
	}, 1)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNoEligibleClasses))
}

func TestAssemble_ClassesIndependentOfOrder(t *testing.T) {
	all := samples(map[string]int{"C": 6, "A": 6, "B": 6})
	a, err := Assemble(all, 5)
	require.NoError(t, err)
	want := a.Classes.Labels()

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		perm := append([]Sample(nil), all...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
		got, err := Assemble(perm, 5)
		require.NoError(t, err)
		if diff := cmp.Diff(want, got.Classes.Labels()); diff != "" {
			t.Fatalf("classes differ after permutation (-want +got):\n%s", diff)
		}
	}
	assert.Equal(t, []string{"A", "B", "C"}, want)
}

func TestClasses(t *testing.T) {
	c := NewClasses([]string{"b", "a", "b", "c"})
	assert.Equal(t, 3, c.Len())
	assert.Equal(t, []string{"a", "b", "c"}, c.Labels())
	i, ok := c.Index("c")
	assert.True(t, ok)
	assert.Equal(t, 2, i)
	assert.Equal(t, "b", c.Label(1))
	_, ok = c.Index("z")
	assert.False(t, ok)

	labels := c.Labels()
	labels[0] = "mutated"
	assert.Equal(t, "a", c.Label(0))
}

func TestClassCounts(t *testing.T) {
	c := CountClasses(samples(map[string]int{"A": 3, "B": 1, "C": 2}))
	assert.Equal(t, []string{"A", "C"}, c.Eligible(2))
	assert.Equal(t, []string{"A", "B", "C"}, c.Labels())
	assert.Empty(t, c.Eligible(4))
}

func TestSplit_Stratified(t *testing.T) {
	a, err := Assemble(samples(map[string]int{"A": 10, "B": 10, "C": 5}), 5)
	require.NoError(t, err)

	sp, err := a.Split(0.2, 42)
	require.NoError(t, err)
	assert.Len(t, sp.TestX, 5)
	assert.Len(t, sp.TrainX, 20)
	assert.Len(t, sp.TrainY, len(sp.TrainX))
	assert.Len(t, sp.TestY, len(sp.TestX))

	testPer := map[int]int{}
	for _, y := range sp.TestY {
		testPer[y]++
	}
	assert.Equal(t, map[int]int{0: 2, 1: 2, 2: 1}, testPer)

	// Every sample lands in exactly one side.
	seen := map[float64]bool{}
	for _, x := range append(append([][]float64(nil), sp.TrainX...), sp.TestX...) {
		assert.False(t, seen[x[0]], "sample %v used twice", x[0])
		seen[x[0]] = true
	}
	assert.Len(t, seen, 25)
}

func TestSplit_Deterministic(t *testing.T) {
	a, err := Assemble(samples(map[string]int{"A": 7, "B": 9}), 5)
	require.NoError(t, err)

	first, err := a.Split(0.2, 42)
	require.NoError(t, err)
	again, err := a.Split(0.2, 42)
	require.NoError(t, err)
	if diff := cmp.Diff(first, again); diff != "" {
		t.Errorf("split not deterministic (-first +again):\n%s", diff)
	}
	assert.Len(t, first.TestX, 4)
}

func TestSplit_KeepsOneTrainingSamplePerClass(t *testing.T) {
	a, err := Assemble(samples(map[string]int{"A": 1, "B": 2, "C": 1}), 1)
	require.NoError(t, err)

	sp, err := a.Split(0.9, 7)
	require.NoError(t, err)
	trainPer := map[int]int{}
	for _, y := range sp.TrainY {
		trainPer[y]++
	}
	for ci := 0; ci < a.Classes.Len(); ci++ {
		assert.GreaterOrEqual(t, trainPer[ci], 1, "class %s", a.Classes.Label(ci))
	}
	assert.Len(t, sp.TestX, 1)

	_, err = a.Split(1, 7)
	assert.Error(t, err)
}

func TestCollect(t *testing.T) {
	boom := fmt.Errorf("boom")
	seq := func(yield func(Sample, error) bool) {
		if !yield(Sample{Label: "A"}, nil) {
			return
		}
		if !yield(Sample{}, boom) {
			return
		}
		yield(Sample{Label: "B"}, nil)
	}
	got, err := Collect(seq)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []Sample{{Label: "A"}}, got)
}

func TestRepresentation(t *testing.T) {
	for _, r := range []Representation{Landmarks, ImageGrid} {
		got, err := ParseRepresentation(r.String())
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRepresentation("voxels")
	assert.Error(t, err)
}
