package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/db"
	"github.com/signlearn/trainer/internal/export"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/testutil"
	"github.com/signlearn/trainer/internal/timeutil"
	"github.com/signlearn/trainer/internal/train"
)

func init() {
	monitoring.SetLogger(nil)
}

// sliceIngestor replays fixed samples, optionally failing at the end.
type sliceIngestor struct {
	samples []dataset.Sample
	rep     dataset.Representation
	err     error
}

func (s *sliceIngestor) Samples(ctx context.Context) iter.Seq2[dataset.Sample, error] {
	return func(yield func(dataset.Sample, error) bool) {
		for _, smp := range s.samples {
			if !yield(smp, nil) {
				return
			}
		}
		if s.err != nil {
			yield(dataset.Sample{}, s.err)
		}
	}
}

func (s *sliceIngestor) Representation() dataset.Representation { return s.rep }
func (s *sliceIngestor) Name() string                           { return "slice" }

func landmarkSamples(perLabel map[string]int) []dataset.Sample {
	return testutil.LandmarkSamples(perLabel, 6, 1)
}

func testConfig() *config.TrainConfig {
	return &config.TrainConfig{
		MinPerClass:  config.PtrInt(5),
		HiddenLayers: []int{8},
		LearningRate: config.PtrFloat64(0.02),
	}
}

func TestRun_TrainsOnEligibleClassesOnly(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	ing := &sliceIngestor{samples: landmarkSamples(map[string]int{"A": 6, "B": 6, "C": 2}), rep: dataset.Landmarks}

	res, err := Run(context.Background(), testConfig(), ing, Options{FS: fsys, OutDir: "work"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTrained, res.Outcome)
	assert.Equal(t, 14, res.Samples)
	assert.Equal(t, []string{"A", "B"}, res.Model.Classes.Labels())

	manifest, err := fsys.ReadFile(filepath.Join("work", "labels.json"))
	require.NoError(t, err)
	var labels []string
	require.NoError(t, json.Unmarshal(manifest, &labels))
	assert.Equal(t, []string{"A", "B"}, labels)

	model, err := fsys.ReadFile(filepath.Join("work", "gesture_frame_mlp.qnn"))
	require.NoError(t, err)
	assert.NotEmpty(t, model)

	assert.False(t, fsys.Exists(filepath.Join("work", export.RawFeaturesFile)))
	assert.ElementsMatch(t, []string{
		filepath.Join("work", "gesture_frame_mlp.qnn"),
		filepath.Join("work", "labels.json"),
	}, res.Artifacts)
}

func TestRun_AllBelowThresholdWritesRawOnly(t *testing.T) {
	dir := t.TempDir()
	in := landmarkSamples(map[string]int{"A": 2, "B": 4, "C": 1})
	ing := &sliceIngestor{samples: in, rep: dataset.Landmarks}

	res, err := Run(context.Background(), testConfig(), ing, Options{OutDir: dir})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRawExported, res.Outcome)
	assert.Nil(t, res.Model)

	osfs := fsutil.OSFileSystem{}
	assert.False(t, osfs.Exists(filepath.Join(dir, "gesture_frame_mlp.qnn")))
	assert.False(t, osfs.Exists(filepath.Join(dir, "labels.json")))

	names, err := osfs.ReadFile(filepath.Join(dir, export.RawLabelNames))
	require.NoError(t, err)
	assert.JSONEq(t, `["A","B","C"]`, string(names))
	assert.Len(t, res.Assembly.All, len(in))
	for _, f := range []string{export.RawFeaturesFile, export.RawLabelsFile} {
		assert.True(t, osfs.Exists(filepath.Join(dir, f)), f)
	}
}

func TestRun_FatalLeavesNoArtifacts(t *testing.T) {
	samples := landmarkSamples(map[string]int{"A": 6, "B": 6})
	cases := map[string]struct {
		ing   *sliceIngestor
		fault string
		want  error
	}{
		"ingest error": {
			ing:  &sliceIngestor{samples: samples, err: errors.New("broken container")},
			want: nil,
		},
		"no samples": {
			ing:  &sliceIngestor{},
			want: ErrNoSamples,
		},
		"manifest commit fails": {
			ing:   &sliceIngestor{samples: samples},
			fault: "labels.json",
			want:  export.ErrExportIO,
		},
		"wrong grid size": {
			ing:  &sliceIngestor{samples: samples, rep: dataset.ImageGrid},
			want: train.ErrTraining,
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			fsys := fsutil.NewMemoryFileSystem()
			if tc.fault != "" {
				fsys.FailOn("rename", tc.fault, nil)
			}
			res, err := Run(context.Background(), testConfig(), tc.ing, Options{FS: fsys, OutDir: "work", Reports: true})
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
			assert.Equal(t, OutcomeFatal, res.Outcome)
			assert.Empty(t, fsys.Files())
		})
	}
}

func TestRun_ReportsAndLedger(t *testing.T) {
	ledger, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	fsys := fsutil.NewMemoryFileSystem()
	tally := monitoring.NewTally()
	tally.Add(monitoring.DropNoDetections, 3)
	ing := &sliceIngestor{samples: landmarkSamples(map[string]int{"A": 6, "B": 6, "C": 2}), rep: dataset.Landmarks}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

	res, err := Run(context.Background(), testConfig(), ing, Options{
		FS: fsys, OutDir: "work", Reports: true,
		Ledger: ledger, KeepSamples: true, Tally: tally,
		Clock: timeutil.NewStepClock(now, time.Minute),
	})
	require.NoError(t, err)
	for _, f := range []string{ClassHistogramFile, LossCurveFile, ReportHTMLFile} {
		assert.True(t, fsys.Exists(filepath.Join("work", "reports", f)), f)
	}

	runs, err := ledger.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	r := runs[0]
	assert.Equal(t, res.RunID, r.ID)
	assert.Equal(t, string(OutcomeTrained), r.Outcome)
	assert.Equal(t, []string{"A", "B"}, r.Classes)
	assert.Equal(t, 14, r.NumSamples)
	assert.Equal(t, map[string]int{monitoring.DropNoDetections: 3}, r.Drops)
	assert.True(t, now.Equal(r.StartedAt), "started at %v", r.StartedAt)
	assert.True(t, now.Add(time.Minute).Equal(r.FinishedAt), "finished at %v", r.FinishedAt)

	stored, err := ledger.Samples(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 14)
}

func TestRun_LedgerRecordsEveryOutcome(t *testing.T) {
	ledger, err := db.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer ledger.Close()

	t0 := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(t0)
	opts := Options{FS: fsutil.NewMemoryFileSystem(), OutDir: "work", Ledger: ledger, Clock: clock}

	raw := &sliceIngestor{samples: landmarkSamples(map[string]int{"A": 2, "B": 3}), rep: dataset.Landmarks}
	rawRes, err := Run(context.Background(), testConfig(), raw, opts)
	require.NoError(t, err)
	require.Equal(t, OutcomeRawExported, rawRes.Outcome)

	clock.Advance(2 * time.Hour)
	fatalRes, err := Run(context.Background(), testConfig(), &sliceIngestor{rep: dataset.Landmarks}, opts)
	require.ErrorIs(t, err, ErrNoSamples)

	runs, err := ledger.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 2)

	// Newest first.
	assert.Equal(t, fatalRes.RunID, runs[0].ID)
	assert.Equal(t, string(OutcomeFatal), runs[0].Outcome)
	assert.Contains(t, runs[0].Error, "no samples")
	assert.True(t, t0.Add(2*time.Hour).Equal(runs[0].StartedAt), "started at %v", runs[0].StartedAt)
	assert.True(t, runs[0].StartedAt.Equal(runs[0].FinishedAt))

	assert.Equal(t, rawRes.RunID, runs[1].ID)
	assert.Equal(t, string(OutcomeRawExported), runs[1].Outcome)
	assert.Equal(t, 5, runs[1].NumSamples)
	assert.Empty(t, runs[1].Classes)
	assert.True(t, t0.Equal(runs[1].StartedAt), "started at %v", runs[1].StartedAt)
	assert.True(t, t0.Equal(runs[1].FinishedAt), "finished at %v", runs[1].FinishedAt)
}
