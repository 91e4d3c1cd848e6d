// Package classifier wraps a pretrained encoder for token classification: it ties the configuration to
// the tokenizer, the label-alignment preprocessor, the model and its optimizer, and exposes the step and
// data loader hooks driven by the trainer.
package classifier

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/config"
	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/metrics"
	"github.com/wimlds/tokclass/models"
	"github.com/wimlds/tokclass/preprocess"
	"github.com/wimlds/tokclass/tokenizers"
	"github.com/wimlds/tokclass/tokenizers/api"
	"k8s.io/klog/v2"
)

// Classifier is the token classification module trained by the trainer.
type Classifier struct {
	cfg   *config.Config
	repo  *hub.Repo
	tok   api.Tokenizer
	pre   *preprocess.Preprocessor
	model Model

	mu      sync.Mutex
	sources []dataset.Source
}

type options struct {
	repo *hub.Repo
	tok  api.Tokenizer
}

// Option configures New.
type Option func(*options)

// WithRepo uses repo for the pretrained model instead of building it from model.bert and the hub settings.
func WithRepo(repo *hub.Repo) Option {
	return func(o *options) { o.repo = repo }
}

// WithTokenizer uses tok instead of loading the repo's tokenizer.
func WithTokenizer(tok api.Tokenizer) Option {
	return func(o *options) { o.tok = tok }
}

// New creates the Classifier for cfg, building its model with factory.
func New(ctx context.Context, cfg *config.Config, factory ModelFactory, opts ...Option) (*Classifier, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Classifier{cfg: cfg, repo: o.repo, tok: o.tok}

	if c.repo == nil {
		settings, err := hub.LoadSettings()
		if err != nil {
			return nil, err
		}
		c.repo = hub.NewWithSettings(cfg.Model.Bert, settings)
	}

	if c.tok == nil {
		var err error
		c.tok, err = tokenizers.New(ctx, c.repo, api.Options{LowerCase: cfg.Data.LowerCase})
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to load tokenizer for %s", c.repo)
		}
	}

	modelCfg, err := models.LoadConfig(ctx, c.repo)
	switch {
	case errors.Is(err, models.ErrNoConfig):
		klog.V(1).Infof("%s has no config.json, max_len not checked", c.repo)
	case err != nil:
		return nil, err
	default:
		if err := modelCfg.CheckMaxLen(cfg.Data.MaxLen); err != nil {
			return nil, err
		}
		if modelCfg.ModelType != "" {
			klog.Infof("pretrained model %s: %s, %d layers, hidden size %d",
				c.repo, modelCfg.ModelType, modelCfg.NumHiddenLayers, modelCfg.HiddenSize)
		}
	}

	c.pre, err = preprocess.New(c.tok, preprocess.Options{
		MaxLen:            cfg.Data.MaxLen,
		Marker:            cfg.Data.Marker,
		MarkedLabel:       cfg.Data.MarkerLabel,
		StrictAlignment:   cfg.Data.StrictAlignment,
		ZeroTypeIDPadding: cfg.Data.ZeroTypeIDPadding,
	})
	if err != nil {
		return nil, err
	}

	c.model, err = factory(ctx, ModelSpec{
		Repo:      c.repo,
		NumLabels: cfg.Model.NumLabels,
		MaxLen:    cfg.Data.MaxLen,
		PadID:     c.pre.PadID(),
		Optimizer: c.ConfigureOptimizer(),
		Seed:      cfg.Model.Seed,
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to build model")
	}
	return c, nil
}

// Model returns the wrapped model.
func (c *Classifier) Model() Model { return c.model }

// Preprocessor returns the label-alignment preprocessor.
func (c *Classifier) Preprocessor() *preprocess.Preprocessor { return c.pre }

// Config returns the configuration the Classifier was built with.
func (c *Classifier) Config() *config.Config { return c.cfg }

// ConfigureOptimizer returns the AdamW settings. There is no learning rate schedule.
func (c *Classifier) ConfigureOptimizer() OptimizerConfig {
	return OptimizerConfig{
		Name:         "adamw",
		LearningRate: c.cfg.Model.LR,
		WeightDecay:  c.cfg.Model.WeightDecay,
		Epsilon:      c.cfg.Model.Epsilon,
	}
}

// TrainingStep runs one optimization step on the batch and returns its loss.
func (c *Classifier) TrainingStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (float64, error) {
	loss, err := c.model.TrainStep(ctx, batch)
	if err != nil {
		return 0, errors.WithMessagef(err, "training step %d", batchIdx)
	}
	klog.V(2).Infof("training step %d: loss=%.4f", batchIdx, loss)
	return loss, nil
}

// ValidationStep scores the batch and counts correct predictions under the attention mask.
func (c *Classifier) ValidationStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error) {
	return c.evalStep(ctx, batch, batchIdx, "validation")
}

// TestStep is ValidationStep on the test set.
func (c *Classifier) TestStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error) {
	return c.evalStep(ctx, batch, batchIdx, "test")
}

func (c *Classifier) evalStep(ctx context.Context, batch *dataset.Batch, batchIdx int, stage string) (metrics.StepOutput, error) {
	out, err := c.model.Forward(ctx, batch)
	if err != nil {
		return metrics.StepOutput{}, errors.WithMessagef(err, "%s step %d", stage, batchIdx)
	}
	if len(out.Logits) != batch.Size() {
		return metrics.StepOutput{}, errors.Errorf("%s step %d: model returned logits for %d examples, batch has %d",
			stage, batchIdx, len(out.Logits), batch.Size())
	}
	correct, total := metrics.CountCorrect(batch.Labels, metrics.Argmax(out.Logits), batch.AttentionMask)
	return metrics.StepOutput{Loss: out.Loss, Correct: correct, Total: total}, nil
}

// ValidationEpochEnd aggregates the validation steps into val_loss and val_acc.
func (c *Classifier) ValidationEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error) {
	return epochEnd("val", outputs)
}

// TestEpochEnd aggregates the test steps into test_loss and test_acc.
func (c *Classifier) TestEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error) {
	return epochEnd("test", outputs)
}

func epochEnd(prefix string, outputs []metrics.StepOutput) (metrics.EpochMetrics, error) {
	m, err := metrics.Aggregate(outputs)
	if err != nil {
		return m, errors.WithMessagef(err, "%s epoch end", prefix)
	}
	klog.Infof("%s_loss=%.4f %s_acc=%.4f (%d/%d over %d steps)",
		prefix, m.Loss, prefix, m.Accuracy, m.Correct, m.Total, m.Steps)
	return m, nil
}

// TrainDataLoader serves data.train_file in a new random order every epoch.
func (c *Classifier) TrainDataLoader() (*dataset.Loader, error) {
	return c.loader("train", c.cfg.Data.TrainFile, dataset.RandomSampler{Seed: c.cfg.Model.Seed})
}

// ValDataLoader serves data.val_file in file order.
func (c *Classifier) ValDataLoader() (*dataset.Loader, error) {
	return c.loader("val", c.cfg.Data.ValFile, dataset.SequentialSampler{})
}

// TestDataLoader serves data.test_file in file order.
func (c *Classifier) TestDataLoader() (*dataset.Loader, error) {
	return c.loader("test", c.cfg.Data.TestFile, dataset.SequentialSampler{})
}

func (c *Classifier) loader(name, path string, sampler dataset.Sampler) (*dataset.Loader, error) {
	src, err := dataset.OpenSource(path)
	if err != nil {
		return nil, errors.WithMessagef(err, "%s data", name)
	}
	l, err := dataset.NewLoader(name, src, c.pre, dataset.LoaderOptions{
		BatchSize:  c.cfg.Model.BatchSize,
		NumWorkers: c.cfg.Data.NumWorkers,
		Sampler:    sampler,
	})
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	c.mu.Lock()
	c.sources = append(c.sources, src)
	c.mu.Unlock()
	klog.Infof("%s data: %d examples in %d batches from %s", name, l.NumExamples(), l.Len(), path)
	return l, nil
}

// Close releases the data sources opened by the loaders.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, src := range c.sources {
		if err := src.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sources = nil
	return firstErr
}
