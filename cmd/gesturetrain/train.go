package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/signlearn/trainer/internal/catalog"
	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/db"
	"github.com/signlearn/trainer/internal/export"
	"github.com/signlearn/trainer/internal/extract"
	"github.com/signlearn/trainer/internal/features"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/ingest"
	"github.com/signlearn/trainer/internal/monitoring"
	"github.com/signlearn/trainer/internal/nn"
	"github.com/signlearn/trainer/internal/objstore"
	"github.com/signlearn/trainer/internal/pipeline"
	"github.com/signlearn/trainer/internal/pose"
)

// trainFlags are shared by the training commands. Flags left unset keep
// the config file's values.
type trainFlags struct {
	configPath  string
	workdir     string
	database    string
	minPerClass int
	seed        uint64
	workers     int
	keepSamples bool
	reports     bool

	// image-grid only
	imgSize      int
	epochs       int
	fineTune     bool
	allowClasses string
	backbone     string
}

func (t *trainFlags) register(fs *flag.FlagSet, imageGrid bool) {
	fs.StringVar(&t.configPath, "config", "", "JSON training config")
	fs.StringVar(&t.workdir, "workdir", "", "Output directory for artifacts")
	fs.StringVar(&t.database, "db", "", "SQLite run ledger")
	fs.IntVar(&t.minPerClass, "min-per-class", 0, "Minimum samples per class")
	fs.Uint64Var(&t.seed, "seed", 0, "Seed for splits and weight init")
	fs.IntVar(&t.workers, "workers", 0, "Parallel workers (0 = CPU count)")
	fs.BoolVar(&t.keepSamples, "keep-samples", false, "Store ingested samples in the ledger")
	fs.BoolVar(&t.reports, "reports", false, "Write training reports under <workdir>/reports")
	if !imageGrid {
		return
	}
	fs.IntVar(&t.imgSize, "img-size", 0, "Square input edge in pixels")
	fs.IntVar(&t.epochs, "epochs", 0, "Training epochs")
	fs.BoolVar(&t.fineTune, "fine-tune", false, "Unfreeze the backbone and fine-tune with a lower rate")
	fs.StringVar(&t.allowClasses, "allow-classes", "", "Comma-separated allowed class labels")
	fs.StringVar(&t.backbone, "backbone", "", "Directory holding an exported image-grid model whose conv layers seed training")
}

// load reads the config and applies the flags that were set explicitly.
func (t *trainFlags) load(fs *flag.FlagSet) (*config.TrainConfig, error) {
	cfg := config.Default()
	if t.configPath != "" {
		var err error
		if cfg, err = config.Load(t.configPath); err != nil {
			return nil, err
		}
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "workdir":
			cfg.Workdir = config.PtrString(t.workdir)
		case "db":
			cfg.Database = config.PtrString(t.database)
		case "min-per-class":
			cfg.MinPerClass = config.PtrInt(t.minPerClass)
		case "seed":
			cfg.Seed = config.PtrUint64(t.seed)
		case "workers":
			cfg.Workers = config.PtrInt(t.workers)
		case "img-size":
			cfg.ImgSize = config.PtrInt(t.imgSize)
		case "epochs":
			cfg.Epochs = config.PtrInt(t.epochs)
		case "fine-tune":
			cfg.FineTune = config.PtrBool(t.fineTune)
		case "allow-classes":
			cfg.AllowClasses = config.PtrString(t.allowClasses)
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// train runs the pipeline for ing and prints a summary.
func (t *trainFlags) train(ctx context.Context, cfg *config.TrainConfig, ing ingest.Ingestor, tally *monitoring.Tally) error {
	opts := pipeline.Options{
		Tally:       tally,
		KeepSamples: t.keepSamples,
		Reports:     t.reports,
	}
	if path := cfg.GetDatabase(); path != "" {
		ledger, err := db.Open(path)
		if err != nil {
			return fmt.Errorf("open ledger: %w", err)
		}
		defer ledger.Close()
		opts.Ledger = ledger
	}
	if t.backbone != "" {
		backbone, err := loadBackbone(t.backbone, cfg)
		if err != nil {
			return err
		}
		opts.Backbone = backbone
	}

	res, err := pipeline.Run(ctx, cfg, ing, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "run %s: %s (%d samples)\n", res.RunID, res.Outcome, res.Samples)
	if res.Model != nil {
		fmt.Fprintf(stdout, "classes: %s\n", strings.Join(res.Model.Classes.Labels(), ","))
		fmt.Fprintf(stdout, "holdout accuracy: %.4f\n", res.Model.Accuracy)
	}
	for _, a := range res.Artifacts {
		fmt.Fprintf(stdout, "wrote %s\n", a)
	}
	return nil
}

func loadBackbone(dir string, cfg *config.TrainConfig) (*nn.ConvNet, error) {
	names := export.Names{Model: cfg.GetModelFile(), Manifest: cfg.GetLabelsFile()}
	p, err := export.ReadPair(fsutil.OSFileSystem{}, dir, names)
	if err != nil {
		return nil, fmt.Errorf("load backbone: %w", err)
	}
	if p.Model.Conv == nil {
		return nil, fmt.Errorf("load backbone: %s holds a %s model", dir, p.Model.Representation)
	}
	return p.Model.Conv, nil
}

func runLandmarks(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("landmarks", flag.ContinueOnError)
	var tf trainFlags
	tf.register(fs, false)
	catalogPath := fs.String("catalog", "", "Catalog export (JSON or JSON lines) listing the media (required)")
	storeURI := fs.String("store", "", "Object store holding the media: s3://bucket/prefix, https://host/base or a directory (required)")
	detector := fs.String("detector", "", "Hand-landmark worker command line, e.g. \"python3 tools/detect_hands.py\" (required)")
	downloadDir := fs.String("download-dir", "", "Where fetched media is staged")
	keepDownloads := fs.Bool("keep-downloads", false, "Leave fetched media in the download directory")
	maxFrames := fs.Int("max-frames", 0, "Frames with detections kept per video")
	stride := fs.Int("stride", 0, "Process every Nth video frame")
	landmarks := fs.Int("landmarks", features.HandLandmarks, "Landmarks per detected hand; hands with another count are dropped")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *catalogPath == "" || *storeURI == "" || *detector == "" {
		fs.Usage()
		return errors.New("--catalog, --store and --detector are required")
	}
	if *landmarks < features.MinLandmarks {
		return fmt.Errorf("--landmarks must be at least %d", features.MinLandmarks)
	}
	cfg, err := tf.load(fs)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "max-frames":
			cfg.MaxFrames = config.PtrInt(*maxFrames)
		case "stride":
			cfg.FrameStride = config.PtrInt(*stride)
		}
	})
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := objstore.Open(*storeURI)
	if err != nil {
		return err
	}
	argv := strings.Fields(*detector)
	if len(argv) == 0 {
		return errors.New("--detector is empty")
	}
	det, err := pose.StartProcessDetector(ctx, argv[0], argv[1:]...)
	if err != nil {
		return fmt.Errorf("start detector: %w", err)
	}
	defer det.Close()

	tally := monitoring.NewTally()
	ing := &ingest.MediaCatalog{
		Repo:          catalog.NewFileCatalog(*catalogPath, store),
		Detector:      det,
		Workers:       cfg.GetWorkers(),
		Landmarks:     *landmarks,
		Extract:       extract.Options{MaxFrames: cfg.GetMaxFrames(), Stride: cfg.GetFrameStride()},
		DownloadDir:   *downloadDir,
		KeepDownloads: *keepDownloads,
		Tally:         tally,
	}
	return tf.train(ctx, cfg, ing, tally)
}

// extraFolders collects repeated --extra-folder-dataset values.
type extraFolders []string

func (e *extraFolders) String() string { return strings.Join(*e, ",") }

func (e *extraFolders) Set(v string) error {
	*e = append(*e, v)
	return nil
}

func runCOCO(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coco", flag.ContinueOnError)
	var tf trainFlags
	tf.register(fs, true)
	dataDir := fs.String("data-dir", "", "Dataset root with train/valid/test splits (required)")
	var extras extraFolders
	fs.Var(&extras, "extra-folder-dataset", "Folder dataset laid out as <split>/<class>/<file> (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataDir == "" {
		fs.Usage()
		return errors.New("--data-dir is required")
	}
	cfg, err := tf.load(fs)
	if err != nil {
		return err
	}

	osfs := fsutil.OSFileSystem{}
	splits := ingest.DiscoverSplits(osfs, *dataDir)
	if len(splits) == 0 && len(extras) == 0 {
		return fmt.Errorf("%w: no %s under %s", ingest.ErrSourceFormat, ingest.AnnotationsFile, *dataDir)
	}
	for _, sp := range splits {
		monitoring.Logf("coco: using %s", sp.JSONPath)
	}
	tally := monitoring.NewTally()
	ing := &ingest.AnnotatedBundle{
		Splits:       splits,
		ExtraFolders: extras,
		Allowed:      cfg.GetAllowClasses(),
		Edge:         cfg.GetImgSize(),
		FS:           osfs,
		Tally:        tally,
	}
	return tf.train(ctx, cfg, ing, tally)
}

func runPickle(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("pickle", flag.ContinueOnError)
	var tf trainFlags
	tf.register(fs, true)
	path := fs.String("pickle", "", "Container with images and labels: .pickle, .pkl, .p or .json (required)")
	imagesDir := fs.String("images-dir", "", "Base directory for relative image paths in the container")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *path == "" {
		fs.Usage()
		return errors.New("--pickle is required")
	}
	cfg, err := tf.load(fs)
	if err != nil {
		return err
	}
	tally := monitoring.NewTally()
	ing := &ingest.SerializedBlob{
		Path:      filepath.Clean(*path),
		ImagesDir: *imagesDir,
		Edge:      cfg.GetImgSize(),
		FS:        fsutil.OSFileSystem{},
		Tally:     tally,
	}
	return tf.train(ctx, cfg, ing, tally)
}
