package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/signlearn/trainer/internal/blob"
	"github.com/signlearn/trainer/internal/config"
	"github.com/signlearn/trainer/internal/db"
	"github.com/signlearn/trainer/internal/export"
	"github.com/signlearn/trainer/internal/fsutil"
	"github.com/signlearn/trainer/internal/imageio"
	"github.com/signlearn/trainer/internal/objstore"
)

// loadConfig reads path, or returns the defaults when path is empty.
func loadConfig(path string) (*config.TrainConfig, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func runInspect(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ContinueOnError)
	p := fs.String("pickle", "", "Container to describe (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *p == "" {
		fs.Usage()
		return errors.New("--pickle is required")
	}
	v, err := blob.Load(*p)
	if err != nil {
		return fmt.Errorf("load %s: %w", *p, err)
	}
	fmt.Fprintln(stdout, blob.Describe(v))
	return nil
}

func runUpload(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("upload", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON training config")
	workdir := fs.String("workdir", "", "Directory holding the exported pair")
	storeURI := fs.String("store", "", "Destination object store (required)")
	prefix := fs.String("prefix", "models", "Key prefix for the uploaded files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *storeURI == "" {
		fs.Usage()
		return errors.New("--store is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	dir := *workdir
	if dir == "" {
		dir = cfg.GetWorkdir()
	}

	// Nothing is uploaded unless both files are present.
	files := []string{cfg.GetModelFile(), cfg.GetLabelsFile()}
	var missing []string
	for _, name := range files {
		if !(fsutil.OSFileSystem{}).Exists(filepath.Join(dir, name)) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing artifacts in %s: %s", dir, strings.Join(missing, ", "))
	}

	store, err := objstore.Open(*storeURI)
	if err != nil {
		return err
	}
	for _, name := range files {
		key := path.Join(*prefix, name)
		if err := putFile(ctx, store, filepath.Join(dir, name), key); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "uploaded %s -> %s\n", filepath.Join(dir, name), key)
	}
	return nil
}

func putFile(ctx context.Context, store objstore.Store, local, key string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := store.Put(ctx, key, f); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

func runPredict(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON training config")
	workdir := fs.String("workdir", "", "Directory holding the exported pair")
	featuresPath := fs.String("features", "", "JSON file holding one feature vector")
	imagePath := fs.String("image", "", "Image to classify with an image-grid model")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (*featuresPath == "") == (*imagePath == "") {
		fs.Usage()
		return errors.New("exactly one of --features and --image is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	dir := *workdir
	if dir == "" {
		dir = cfg.GetWorkdir()
	}
	names := export.Names{Model: cfg.GetModelFile(), Manifest: cfg.GetLabelsFile()}
	p, err := export.ReadPair(fsutil.OSFileSystem{}, dir, names)
	if err != nil {
		return err
	}

	var label string
	var conf float64
	if *imagePath != "" {
		img, err := imageio.Open(*imagePath)
		if err != nil {
			return err
		}
		label, conf, err = p.PredictImage(img)
		if err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(*featuresPath)
		if err != nil {
			return err
		}
		var features []float64
		if err := json.Unmarshal(data, &features); err != nil {
			return fmt.Errorf("parse %s: %w", *featuresPath, err)
		}
		label, conf, err = p.Predict(features)
		if err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "%s\t%.4f\n", label, conf)
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	configPath := fs.String("config", "", "JSON training config")
	dbPath := fs.String("db", "", "SQLite run ledger")
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	p := *dbPath
	if p == "" {
		p = cfg.GetDatabase()
	}
	if p == "" {
		return errors.New("--db is required when the config sets no database")
	}
	ledger, err := db.Open(p)
	if err != nil {
		return err
	}
	defer ledger.Close()

	runs, err := ledger.Runs(ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSOURCE\tOUTCOME\tSAMPLES\tACCURACY\tCLASSES")
	for _, r := range runs {
		outcome := r.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%.4f\t%s\n",
			r.ID, r.StartedAt.Local().Format(time.DateTime), r.Source, outcome,
			r.NumSamples, r.Accuracy, strings.Join(r.Classes, ","))
	}
	return w.Flush()
}
