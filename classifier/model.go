package classifier

import (
	"context"

	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/hub"
)

// Model is a token classification model: it scores every position of a batch with NumLabels logits.
type Model interface {
	// TrainStep runs forward and backward passes on the batch, applies one optimizer update and returns the loss.
	TrainStep(ctx context.Context, batch *dataset.Batch) (float64, error)

	// Forward scores the batch without updating the model. The loss is computed against the batch labels.
	Forward(ctx context.Context, batch *dataset.Batch) (*Output, error)
}

// Saver is implemented by models that can write checkpoints.
type Saver interface {
	Save(dir string) error
}

// Output of a forward pass.
type Output struct {
	Loss float64

	// Logits shaped [batch][position][label].
	Logits [][][]float32
}

// OptimizerConfig selects the optimizer and its hyperparameters.
type OptimizerConfig struct {
	Name         string
	LearningRate float64
	WeightDecay  float64
	Epsilon      float64
}

// ModelSpec is everything a ModelFactory needs to build a model.
type ModelSpec struct {
	// Repo holds the pretrained weights.
	Repo *hub.Repo

	NumLabels int
	MaxLen    int
	PadID     int
	Optimizer OptimizerConfig
	Seed      uint64
}

// ModelFactory builds the model wrapped by a Classifier.
type ModelFactory func(ctx context.Context, spec ModelSpec) (Model, error)
