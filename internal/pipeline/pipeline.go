// Package pipeline runs one training job end to end: ingest, gate classes,
// split, train, export. Every run ends in exactly one Outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/dataset"
	"github.com/signlearn/trainer/internal/db"
	"github.com/signlearn/trainer/internal/export"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/ingest"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/nn"
	"github.com/signlearn/trainer/internal/report"
	"github.com/signlearn/trainer/internal/timeutil"
	"github.com/signlearn/trainer/internal/train"
)

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeTrained     Outcome = "trained"
	OutcomeRawExported Outcome = "raw-exported"
	OutcomeFatal       Outcome = "fatal"
)

// ErrNoSamples reports a source that produced no samples at all.
var ErrNoSamples = errors.New("no samples ingested")

// Report file names, written next to the artifacts.
const (
	ClassHistogramFile = "class_counts.png"
	LossCurveFile      = "training_loss.png"
	ReportHTMLFile     = "report.html"
)

// Options carries the collaborators of a run. The zero value writes to the
// OS filesystem under the configured workdir with no ledger.
type Options struct {
	FS     fsutil.FileSystem
	OutDir string
	Names  export.Names

	// Tally is the drop counter shared with the ingestor.
	Tally *monitoring.Tally
	// Ledger, when set, records the run. KeepSamples also stores the
	// ingested samples.
	Ledger      *db.DB
	KeepSamples bool

	// Backbone, when set, is loaded frozen into image-grid models.
	Backbone *nn.ConvNet
	Reports  bool

	// Clock stamps the ledger. Defaults to the wall clock.
	Clock timeutil.Clock
}

func (o *Options) defaults(cfg *config.TrainConfig) {
	if o.FS == nil {
		o.FS = fsutil.OSFileSystem{}
	}
	if o.OutDir == "" {
		o.OutDir = cfg.GetWorkdir()
	}
	if o.Names.Model == "" {
		o.Names.Model = cfg.GetModelFile()
	}
	if o.Names.Manifest == "" {
		o.Names.Manifest = cfg.GetLabelsFile()
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
}

// Result describes a finished run.
type Result struct {
	RunID    string
	Outcome  Outcome
	Samples  int
	Assembly *dataset.Assembly
	Model    *train.Model
	Drops    map[string]int
	// Artifacts lists the files the run produced.
	Artifacts []string
}

// Run executes one job. A nil error means the outcome is trained or
// raw-exported; otherwise the outcome is fatal and no model, manifest or
// raw export is left behind.
func Run(ctx context.Context, cfg *config.TrainConfig, ing ingest.Ingestor, opts Options) (*Result, error) {
	opts.defaults(cfg)
	res := &Result{RunID: uuid.NewString(), Outcome: OutcomeFatal}
	rep := ing.Representation()
	started := opts.Clock.Now()
	monitoring.Logf("run %s: source %s (%s)", res.RunID, ing.Name(), rep)

	if opts.Ledger != nil {
		if err := opts.Ledger.CreateRun(ctx, res.RunID, ing.Name(), rep.String(), started); err != nil {
			return res, err
		}
	}
	err := run(ctx, cfg, ing, &opts, res)
	res.Drops = opts.Tally.Snapshot()
	if opts.Ledger != nil {
		fin := db.Finish{Outcome: string(res.Outcome), NumSamples: res.Samples, Drops: res.Drops, Err: err}
		if res.Model != nil {
			fin.Accuracy = res.Model.Accuracy
			fin.Classes = res.Model.Classes.Labels()
		}
		if lerr := opts.Ledger.FinishRun(context.WithoutCancel(ctx), res.RunID, opts.Clock.Now(), fin); lerr != nil {
			monitoring.Logf("run %s: ledger: %v", res.RunID, lerr)
		}
	}
	if err != nil {
		monitoring.Logf("run %s: fatal: %v", res.RunID, err)
		return res, err
	}
	monitoring.Logf("run %s: %s in %s", res.RunID, res.Outcome, opts.Clock.Since(started).Round(time.Millisecond))
	return res, nil
}

func run(ctx context.Context, cfg *config.TrainConfig, ing ingest.Ingestor, opts *Options, res *Result) error {
	samples, err := dataset.Collect(ing.Samples(ctx))
	if err != nil {
		return fmt.Errorf("ingest %s: %w", ing.Name(), err)
	}
	res.Samples = len(samples)
	monitoring.Logf("run %s: %d samples ingested, %d dropped (%s)",
		res.RunID, len(samples), opts.Tally.Total(), opts.Tally)
	if len(samples) == 0 {
		return fmt.Errorf("%s: %w", ing.Name(), ErrNoSamples)
	}
	if opts.Ledger != nil && opts.KeepSamples {
		if err := opts.Ledger.InsertSamples(ctx, res.RunID, samples); err != nil {
			return err
		}
	}

	minPerClass := cfg.GetMinPerClass()
	asm, err := dataset.Assemble(samples, minPerClass)
	res.Assembly = asm
	switch {
	case errors.Is(err, dataset.ErrNoEligibleClasses):
		monitoring.Logf("run %s: no class has %d samples; writing raw dataset", res.RunID, minPerClass)
		if err := export.WriteRaw(opts.FS, opts.OutDir, asm.All); err != nil {
			return err
		}
		res.Outcome = OutcomeRawExported
		for _, name := range []string{export.RawFeaturesFile, export.RawLabelsFile, export.RawLabelNames} {
			res.Artifacts = append(res.Artifacts, filepath.Join(opts.OutDir, name))
		}
		writeReports(opts, res, asm, minPerClass, nil)
		return nil
	case err != nil:
		return err
	}
	monitoring.Logf("run %s: %d of %d classes eligible: %v",
		res.RunID, asm.Classes.Len(), len(asm.Counts), asm.Classes.Labels())

	split, err := asm.Split(cfg.GetHoldoutFraction(), int64(cfg.GetSeed()))
	if err != nil {
		return fmt.Errorf("%w: %v", train.ErrTraining, err)
	}
	var model *train.Model
	switch ing.Representation() {
	case dataset.ImageGrid:
		model, err = train.ImageGrid(ctx, cfg, split, asm.Classes, opts.Backbone)
	default:
		model, err = train.Landmark(cfg, split, asm.Classes)
	}
	if err != nil {
		return err
	}
	if err := export.WritePair(opts.FS, opts.OutDir, opts.Names, model); err != nil {
		return err
	}
	res.Model = model
	res.Outcome = OutcomeTrained
	res.Artifacts = append(res.Artifacts,
		filepath.Join(opts.OutDir, opts.Names.Model),
		filepath.Join(opts.OutDir, opts.Names.Manifest))
	monitoring.Logf("run %s: holdout accuracy %.4f", res.RunID, model.Accuracy)
	writeReports(opts, res, asm, cfg.GetMinPerClass(), model.History)
	return nil
}

// writeReports is best effort: a failed chart never changes the outcome.
func writeReports(opts *Options, res *Result, asm *dataset.Assembly, minPerClass int, history []train.Epoch) {
	if !opts.Reports {
		return
	}
	dir := filepath.Join(opts.OutDir, "reports")
	if err := opts.FS.MkdirAll(dir, 0o755); err != nil {
		monitoring.Logf("run %s: reports: %v", res.RunID, err)
		return
	}
	attempt := func(name string, f func(path string) error) {
		path := filepath.Join(dir, name)
		if err := f(path); err != nil {
			monitoring.Logf("run %s: report %s: %v", res.RunID, name, err)
			return
		}
		res.Artifacts = append(res.Artifacts, path)
	}
	attempt(ClassHistogramFile, func(p string) error {
		return report.ClassHistogram(opts.FS, asm.Counts, minPerClass, p)
	})
	if len(history) > 0 {
		attempt(LossCurveFile, func(p string) error { return report.LossCurve(opts.FS, history, p) })
	}
	attempt(ReportHTMLFile, func(p string) error {
		return report.WriteHTML(opts.FS, p, "run "+res.RunID, asm.Counts, minPerClass, history)
	})
}
