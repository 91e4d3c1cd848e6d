// Command tokclass trains and evaluates a token classifier over a pretrained encoder.
//
//	tokclass -config config.yaml -mode all
//
// Modes: "fit" trains with validation after every epoch, "test" evaluates on the test file
// (with -checkpoint to load a trained model), "all" trains and then tests the model of the last epoch.
// Configuration keys can be overridden with TOKCLASS_* environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/classifier"
	"github.com/wimlds/tokclass/config"
	"github.com/wimlds/tokclass/models/probe"
	"github.com/wimlds/tokclass/trainer"
	"k8s.io/klog/v2"
)

var (
	flagConfig     = flag.String("config", "config.yaml", "YAML configuration file.")
	flagMode       = flag.String("mode", "all", "One of fit, test or all.")
	flagCheckpoint = flag.String("checkpoint", "", "Checkpoint directory, written by a previous run, to start from.")
	flagFreeze     = flag.Bool("freeze_embeddings", false, "Train only the layer normalization and the classification head.")
	flagQuiet      = flag.Bool("quiet", false, "Disable the progress bar.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx); err != nil {
		klog.Errorf("%+v", err)
		klog.Flush()
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	switch *flagMode {
	case "fit", "test", "all":
	default:
		return errors.Errorf("invalid -mode %q, expected fit, test or all", *flagMode)
	}
	cfg, err := config.Load(*flagConfig)
	if err != nil {
		return err
	}

	c, err := classifier.New(ctx, cfg, probe.Factory(probe.Options{
		Checkpoint:       *flagCheckpoint,
		FreezeEmbeddings: *flagFreeze,
	}))
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			klog.Warningf("closing data sources: %v", err)
		}
	}()

	opts := trainer.OptionsFromConfig(cfg)
	opts.ProgressBar = !*flagQuiet
	opts.Out = os.Stderr
	tr := trainer.New(opts)

	if *flagMode != "test" {
		h, err := tr.Fit(ctx, c)
		if err != nil {
			return err
		}
		if h.Checkpoint != "" {
			fmt.Println(h.Checkpoint)
		}
	}
	if *flagMode != "fit" {
		if _, err := tr.Test(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
