// Package trainer drives the epoch and step lifecycle of a token classification Module: training with
// validation after every epoch, early stopping on the validation loss, checkpoints of the best model,
// and a final test run.
package trainer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/wimlds/tokclass/classifier"
	"github.com/wimlds/tokclass/config"
	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/metrics"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// MetricsFile is the JSON lines log written in the run directory.
const MetricsFile = "metrics.jsonl"

// Module is what the Trainer trains. classifier.Classifier implements it.
type Module interface {
	TrainingStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (float64, error)
	ValidationStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error)
	ValidationEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error)
	TestStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error)
	TestEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error)

	TrainDataLoader() (*dataset.Loader, error)
	ValDataLoader() (*dataset.Loader, error)
	TestDataLoader() (*dataset.Loader, error)

	// Model is checkpointed when it implements classifier.Saver.
	Model() classifier.Model
}

var _ Module = &classifier.Classifier{}

// Options of the Trainer.
type Options struct {
	Epochs int

	// Patience is the number of epochs without improvement of the validation loss before stopping.
	// 0 disables early stopping.
	Patience int

	// CheckpointDir holds one directory per run, with the best checkpoint and the metrics log.
	// If empty nothing is written.
	CheckpointDir string

	// ProgressBar shows the progress of every epoch's training batches.
	ProgressBar bool

	// Out receives the epoch summaries. Defaults to os.Stdout.
	Out io.Writer
}

// OptionsFromConfig returns the Options set by the configuration, with a progress bar.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Epochs:        cfg.Model.Epochs,
		Patience:      cfg.Trainer.Patience,
		CheckpointDir: cfg.Trainer.CheckpointDir,
		ProgressBar:   true,
	}
}

// EpochRecord holds the results of one epoch.
type EpochRecord struct {
	Epoch     int                  `json:"epoch"`
	TrainLoss float64              `json:"train_loss"`
	Val       metrics.EpochMetrics `json:"val"`
	Improved  bool                 `json:"improved"`
	Duration  time.Duration        `json:"duration_ns"`
}

// History of a Fit run.
type History struct {
	RunID        string
	Epochs       []EpochRecord
	BestEpoch    int
	BestValLoss  float64
	StoppedEarly bool

	// Checkpoint is the directory of the best checkpoint, empty if none was saved.
	Checkpoint string
}

// Trainer runs Fit and Test. Each Trainer is one run, identified by a random run id.
type Trainer struct {
	opts  Options
	runID string
}

// New creates a Trainer.
func New(opts Options) *Trainer {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	return &Trainer{opts: opts, runID: uuid.NewString()}
}

// RunID identifies the run.
func (t *Trainer) RunID() string { return t.runID }

// RunDir is where the run's files are written, empty if there is no checkpoint directory.
func (t *Trainer) RunDir() string {
	if t.opts.CheckpointDir == "" {
		return ""
	}
	return filepath.Join(t.opts.CheckpointDir, t.runID)
}

// Fit trains the module for the configured number of epochs, validating after each one.
func (t *Trainer) Fit(ctx context.Context, m Module) (*History, error) {
	if t.opts.Epochs <= 0 {
		return nil, errors.Errorf("number of epochs must be positive, got %d", t.opts.Epochs)
	}
	train, err := m.TrainDataLoader()
	if err != nil {
		return nil, err
	}
	val, err := m.ValDataLoader()
	if err != nil {
		return nil, err
	}
	for _, loader := range []*dataset.Loader{train, val} {
		if loader.NumExamples() == 0 {
			return nil, errors.Errorf("%s data has no examples", loader.Name())
		}
	}
	saver, canSave := m.Model().(classifier.Saver)
	if !canSave {
		klog.V(1).Infof("model %T doesn't implement Save, no checkpoints", m.Model())
	}

	h := &History{RunID: t.runID, BestEpoch: -1, BestValLoss: math.Inf(1)}
	klog.Infof("run %s: training for %d epochs", t.runID, t.opts.Epochs)
	badEpochs := 0
	for epoch := range t.opts.Epochs {
		start := time.Now()
		trainLoss, err := t.trainEpoch(ctx, m, train, epoch)
		if err != nil {
			return h, errors.WithMessagef(err, "epoch %d", epoch)
		}
		valMetrics, err := evaluate(ctx, val, epoch, m.ValidationStep, m.ValidationEpochEnd)
		if err != nil {
			return h, errors.WithMessagef(err, "epoch %d validation", epoch)
		}

		rec := EpochRecord{Epoch: epoch, TrainLoss: trainLoss, Val: valMetrics, Duration: time.Since(start)}
		if valMetrics.Loss < h.BestValLoss {
			rec.Improved = true
			h.BestEpoch, h.BestValLoss = epoch, valMetrics.Loss
			badEpochs = 0
			if canSave && t.RunDir() != "" {
				dir := filepath.Join(t.RunDir(), "best")
				if err := saver.Save(dir); err != nil {
					return h, errors.WithMessagef(err, "epoch %d checkpoint", epoch)
				}
				h.Checkpoint = dir
				klog.V(1).Infof("epoch %d: checkpoint saved to %s", epoch, dir)
			}
		} else {
			badEpochs++
		}
		h.Epochs = append(h.Epochs, rec)
		if err := t.logMetrics(logLine{Stage: "fit", EpochRecord: &rec}); err != nil {
			return h, err
		}
		fmt.Fprintln(t.opts.Out, renderEpoch(rec, t.opts.Epochs))

		if t.opts.Patience > 0 && badEpochs >= t.opts.Patience {
			klog.Infof("early stopping after epoch %d: val_loss didn't improve for %d epochs", epoch, badEpochs)
			h.StoppedEarly = true
			break
		}
	}
	fmt.Fprintln(t.opts.Out, renderFit(h))
	return h, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, m Module, train *dataset.Loader, epoch int) (float64, error) {
	var bar *progressbar.ProgressBar
	if t.opts.ProgressBar {
		bar = progressbar.NewOptions(train.Len(),
			progressbar.OptionSetDescription(fmt.Sprintf("epoch %d/%d", epoch+1, t.opts.Epochs)),
			progressbar.OptionSetWidth(30),
			progressbar.OptionSetWriter(t.opts.Out),
			progressbar.OptionClearOnFinish(),
		)
		defer func() { _ = bar.Finish() }()
	}
	var losses []float64
	batchIdx := 0
	for batch, err := range train.Batches(ctx, epoch) {
		if err != nil {
			return 0, err
		}
		loss, err := m.TrainingStep(ctx, batch, batchIdx)
		if err != nil {
			return 0, err
		}
		losses = append(losses, loss)
		batchIdx++
		if bar != nil {
			bar.Describe(fmt.Sprintf("epoch %d/%d loss=%.4f", epoch+1, t.opts.Epochs, loss))
			_ = bar.Add(1)
		}
	}
	if len(losses) == 0 {
		return 0, errors.New("no training batches")
	}
	return stat.Mean(losses, nil), nil
}

type (
	stepFn     func(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error)
	epochEndFn func(outputs []metrics.StepOutput) (metrics.EpochMetrics, error)
)

func evaluate(ctx context.Context, loader *dataset.Loader, epoch int, step stepFn, end epochEndFn) (metrics.EpochMetrics, error) {
	var acc metrics.Accumulator
	for batch, err := range loader.Batches(ctx, epoch) {
		if err != nil {
			return metrics.EpochMetrics{}, err
		}
		out, err := step(ctx, batch, acc.Len())
		if err != nil {
			return metrics.EpochMetrics{}, err
		}
		acc.Add(out)
	}
	return end(acc.Steps())
}

// Test evaluates the module on its test set.
func (t *Trainer) Test(ctx context.Context, m Module) (metrics.EpochMetrics, error) {
	test, err := m.TestDataLoader()
	if err != nil {
		return metrics.EpochMetrics{}, err
	}
	if test.NumExamples() == 0 {
		return metrics.EpochMetrics{}, errors.Errorf("%s data has no examples", test.Name())
	}
	result, err := evaluate(ctx, test, 0, m.TestStep, m.TestEpochEnd)
	if err != nil {
		return result, errors.WithMessage(err, "test")
	}
	if err := t.logMetrics(logLine{Stage: "test", Test: &result}); err != nil {
		return result, err
	}
	fmt.Fprintln(t.opts.Out, renderTest(result))
	return result, nil
}

type logLine struct {
	Stage string `json:"stage"`
	*EpochRecord
	Test *metrics.EpochMetrics `json:"test,omitempty"`
}

// logMetrics appends one line to the run's metrics log.
func (t *Trainer) logMetrics(line logLine) error {
	if t.RunDir() == "" {
		return nil
	}
	if err := os.MkdirAll(t.RunDir(), 0755); err != nil {
		return errors.Wrapf(err, "failed to create run directory %s", t.RunDir())
	}
	path := filepath.Join(t.RunDir(), MetricsFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", path)
	}
	err = json.NewEncoder(f).Encode(line)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write %s", path)
}
