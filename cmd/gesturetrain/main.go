package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/signlearn/trainer/internal/version"
)

const tool = "gesturetrain"

// stdout receives command results; logs go through monitoring.Logf.
var stdout io.Writer = os.Stdout

type command struct {
	run   func(ctx context.Context, args []string) error
	usage string
}

var commands = map[string]command{
	"landmarks": {runLandmarks, "Extract hand landmarks from a media catalog and train the landmark MLP"},
	"coco":      {runCOCO, "Train the image-grid CNN on COCO-style annotated image sets"},
	"pickle":    {runPickle, "Train the image-grid CNN on a pickled or JSON image container"},
	"inspect":   {runInspect, "Describe the structure of a pickled or JSON container"},
	"prepare":   {runPrepare, "Transcode and upload sign media, then write the catalog"},
	"upload":    {runUpload, "Upload the exported model and label manifest"},
	"predict":   {runPredict, "Classify a feature vector or an image with an exported model"},
	"runs":      {runRuns, "List runs recorded in the ledger database"},
}

func main() {
	flag.Usage = printUsage
	flag.Parse()

	if flag.NArg() < 1 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := dispatch(ctx, flag.Arg(0), flag.Args()[1:])
	stop()
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
	case errors.Is(err, errUnknownCommand):
		fmt.Fprintf(os.Stderr, "%v\n\n", err)
		printUsage()
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUnknownCommand = errors.New("unknown command")

func dispatch(ctx context.Context, name string, args []string) error {
	switch name {
	case "version":
		fmt.Fprintln(stdout, version.String(tool))
		return nil
	case "help":
		printUsage()
		return nil
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("%w: %s", errUnknownCommand, name)
	}
	return cmd.run(ctx, args)
}

func printUsage() {
	fmt.Fprintf(stdout, `%s - train and export sign-language gesture classifiers

Usage: %s <command> [options]

Commands:
`, tool, tool)
	for _, name := range []string{"landmarks", "coco", "pickle", "inspect", "prepare", "upload", "predict", "runs"} {
		fmt.Fprintf(stdout, "  %-10s %s\n", name, commands[name].usage)
	}
	fmt.Fprintf(stdout, `  %-10s Show version information
  %-10s Show this help message

Training Flags (landmarks, coco, pickle):
  --config <file>         JSON training config (default: built-in defaults)
  --workdir <dir>         Output directory for artifacts
  --db <file>             SQLite run ledger (empty disables)
  --min-per-class <n>     Minimum samples for a class to be trained on
  --reports               Write class histogram, loss curve and HTML report

Examples:
  %s coco --data-dir datasets/letters --epochs 12 --fine-tune
  %s pickle --pickle data.pickle --images-dir datasets/imgs
  %s upload --store s3://signs-bucket
  %s predict --image hand.png
`, "version", "help", tool, tool, tool, tool)
}
