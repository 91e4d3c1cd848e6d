// Package probe implements a token classification model over the embeddings of a pretrained encoder.
//
// The word embeddings (plus position embeddings, when the checkpoint has them) of the encoder are read
// from its safetensors weights and used to seed a GoMLX graph: embeddings, layer normalization and a
// linear head per token. The graph is trained with masked sparse cross-entropy and Adam with weight
// decay, on the pure Go backend.
package probe

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/compute"
	"github.com/gomlx/compute/gobackend"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
	"github.com/wimlds/tokclass/classifier"
	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/models/safetensors"
	"k8s.io/klog/v2"
)

const (
	wordEmbeddingsSuffix     = "word_embeddings.weight"
	positionEmbeddingsSuffix = "position_embeddings.weight"

	// CheckpointFile is the name of the weights file written by Save.
	CheckpointFile = "model.safetensors"

	layerNormEpsilon = 1e-12
)

// Scopes of the model variables.
const (
	wordScope     = "word"
	positionScope = "position"
	headScope     = "head"
)

// Options of the probe.
type Options struct {
	// EmbeddingTensor is the name of the word embeddings tensor. If empty, the first tensor
	// whose name ends with "word_embeddings.weight" is used.
	EmbeddingTensor string

	// Checkpoint is a directory written by Save, whose weights replace the initial ones.
	Checkpoint string

	// FreezeEmbeddings keeps the pretrained embeddings fixed, training only the normalization and the head.
	FreezeEmbeddings bool

	// Backend to run the graphs on. Defaults to the pure Go backend.
	Backend compute.Backend
}

// Model implements classifier.Model and classifier.Saver.
type Model struct {
	mu sync.Mutex

	backend compute.Backend
	ctx     *mlctx.Context
	trainer *train.Trainer
	forward *mlctx.Exec

	vocabSize, hidden, numLabels, maxPos int
	embeddingName                        string

	// variables maps the checkpoint name of every model variable to its expected dimensions.
	variables map[string][]int
}

var (
	_ classifier.Model = &Model{}
	_ classifier.Saver = &Model{}
)

// New is a classifier.ModelFactory with default options.
func New(ctx context.Context, spec classifier.ModelSpec) (classifier.Model, error) {
	return NewWithOptions(ctx, spec, Options{})
}

// Factory returns a classifier.ModelFactory using opts.
func Factory(opts Options) classifier.ModelFactory {
	return func(ctx context.Context, spec classifier.ModelSpec) (classifier.Model, error) {
		return NewWithOptions(ctx, spec, opts)
	}
}

// NewWithOptions loads the embeddings from spec.Repo and builds the model.
func NewWithOptions(ctx context.Context, spec classifier.ModelSpec, opts Options) (*Model, error) {
	if spec.NumLabels < 2 {
		return nil, errors.Errorf("probe needs at least 2 labels, got %d", spec.NumLabels)
	}
	if name := strings.ToLower(spec.Optimizer.Name); name != "" && name != "adamw" {
		return nil, errors.Errorf("probe only supports the adamw optimizer, got %q", spec.Optimizer.Name)
	}
	weights, err := safetensors.New(ctx, spec.Repo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load weights of %s", spec.Repo)
	}

	m := &Model{
		backend:       opts.Backend,
		ctx:           mlctx.New().Checked(false),
		numLabels:     spec.NumLabels,
		embeddingName: opts.EmbeddingTensor,
	}
	if m.backend == nil {
		if m.backend, err = gobackend.New(""); err != nil {
			return nil, errors.WithMessage(err, "failed to create backend")
		}
	}
	m.ctx.SetParam(mlctx.ParamInitialSeed, int64(spec.Seed))

	if m.embeddingName == "" {
		m.embeddingName = findTensor(weights.ListTensorNames(), wordEmbeddingsSuffix)
		if m.embeddingName == "" {
			return nil, errors.Errorf("no %q tensor in %s", wordEmbeddingsSuffix, spec.Repo)
		}
	}
	meta, err := weights.GetTensorMetadata(ctx, m.embeddingName)
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 2 {
		return nil, errors.Errorf("embeddings %s have shape %v, expected [vocab, hidden]", m.embeddingName, meta.Shape)
	}
	m.vocabSize, m.hidden = meta.Shape[0], meta.Shape[1]
	if spec.PadID < 0 || spec.PadID >= m.vocabSize {
		return nil, errors.Errorf("pad id %d outside the %d embeddings", spec.PadID, m.vocabSize)
	}
	word, err := readFloat32Tensor(ctx, weights, m.embeddingName)
	if err != nil {
		return nil, err
	}
	m.ctx.In(wordScope).VariableWithValue("embeddings", word).SetTrainable(!opts.FreezeEmbeddings)

	posName := strings.TrimSuffix(m.embeddingName, wordEmbeddingsSuffix) + positionEmbeddingsSuffix
	if weights.HasTensor(posName) {
		pos, err := readFloat32Tensor(ctx, weights, posName)
		if err != nil {
			return nil, err
		}
		dims := pos.Shape().Dimensions
		if len(dims) != 2 || dims[1] != m.hidden {
			return nil, errors.Errorf("position embeddings %s have shape %v, expected [positions, %d]", posName, dims, m.hidden)
		}
		m.maxPos = dims[0]
		if spec.MaxLen > m.maxPos {
			return nil, errors.Errorf("max_len %d exceeds the %d position embeddings", spec.MaxLen, m.maxPos)
		}
		m.ctx.In(positionScope).VariableWithValue("embeddings", pos).SetTrainable(!opts.FreezeEmbeddings)
	}
	m.variables = m.variableShapes()

	if opts.Checkpoint != "" {
		if err := m.load(ctx, opts.Checkpoint); err != nil {
			return nil, err
		}
	}

	optimizer := optimizers.Adam().WeightDecay(spec.Optimizer.WeightDecay)
	if spec.Optimizer.LearningRate > 0 {
		optimizer = optimizer.LearningRate(spec.Optimizer.LearningRate)
	}
	if spec.Optimizer.Epsilon > 0 {
		optimizer = optimizer.Epsilon(spec.Optimizer.Epsilon)
	}
	m.trainer = train.NewTrainer(m.backend, m.ctx, m.modelGraph, losses.SparseCategoricalCrossEntropyLogits,
		optimizer.Done(), nil, nil)
	m.forward, err = mlctx.NewExec(m.backend, m.ctx, m.forwardGraph)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create forward executor")
	}
	klog.Infof("probe: %s embeddings [%d, %d], position embeddings=%v, %d labels, backend %s",
		m.embeddingName, m.vocabSize, m.hidden, m.maxPos > 0, m.numLabels, m.backend.Name())
	return m, nil
}

func findTensor(names []string, suffix string) string {
	for _, name := range names {
		if strings.HasSuffix(name, suffix) {
			return name
		}
	}
	return ""
}

// readFloat32Tensor reads a tensor of the checkpoint, converting half precision weights to float32.
func readFloat32Tensor(ctx context.Context, weights *safetensors.Model, name string) (*tensors.Tensor, error) {
	meta, err := weights.GetTensorMetadata(ctx, name)
	if err != nil {
		return nil, err
	}
	if meta.Dtype == "F32" {
		tn, err := weights.GetTensor(ctx, name)
		if err != nil {
			return nil, err
		}
		return tn.Tensor, nil
	}
	values, dims, err := weights.GetFloat32(ctx, name)
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(values, dims...), nil
}

func (m *Model) variableShapes() map[string][]int {
	dims := map[string][]int{
		mlctx.JoinScope("/"+wordScope, "embeddings"):       {m.vocabSize, m.hidden},
		mlctx.JoinScope("/layer_normalization", "gain"):    {m.hidden},
		mlctx.JoinScope("/layer_normalization", "offset"):  {m.hidden},
		mlctx.JoinScope("/"+headScope+"/dense", "weights"): {m.hidden, m.numLabels},
		mlctx.JoinScope("/"+headScope+"/dense", "biases"):  {m.numLabels},
	}
	if m.maxPos > 0 {
		dims[mlctx.JoinScope("/"+positionScope, "embeddings")] = []int{m.maxPos, m.hidden}
	}
	return dims
}

// modelGraph is the train.ModelFn: inputs are the input ids, attention mask and token type ids,
// the output is the logits shaped [batch, max_len, labels].
func (m *Model) modelGraph(ctx *mlctx.Context, _ any, inputs []*Node) []*Node {
	return []*Node{m.logitsGraph(ctx, inputs[0])}
}

func (m *Model) logitsGraph(ctx *mlctx.Context, inputIDs *Node) *Node {
	g := inputIDs.Graph()
	x := layers.Embedding(ctx.In(wordScope), inputIDs, dtypes.Float32, m.vocabSize, m.hidden)
	if m.maxPos > 0 {
		positions := Iota(g, shapes.Make(dtypes.Int32, inputIDs.Shape().Dimensions...), 1)
		x = Add(x, layers.Embedding(ctx.In(positionScope), positions, dtypes.Float32, m.maxPos, m.hidden))
	}
	x = layers.LayerNormalization(ctx, x, -1).Epsilon(layerNormEpsilon).Done()
	return layers.DenseWithBias(ctx.In(headScope), x, m.numLabels)
}

// forwardGraph returns the logits and the masked loss.
func (m *Model) forwardGraph(ctx *mlctx.Context, inputIDs, labels, mask *Node) (logits, loss *Node) {
	logits = m.logitsGraph(ctx, inputIDs)
	loss = losses.SparseCategoricalCrossEntropyLogits([]*Node{labels, mask}, []*Node{logits})
	return
}

func (m *Model) checkBatch(batch *dataset.Batch) error {
	if batch.Size() == 0 || batch.SeqLen() == 0 {
		return errors.New("empty batch")
	}
	if m.maxPos > 0 && batch.SeqLen() > m.maxPos {
		return errors.Errorf("batch of length %d exceeds the %d position embeddings", batch.SeqLen(), m.maxPos)
	}
	for b, ids := range batch.InputIDs {
		for pos, id := range ids {
			if id < 0 || id >= m.vocabSize {
				return errors.Errorf("token id %d outside the %d embeddings", id, m.vocabSize)
			}
			if label := batch.Labels[b][pos]; label < 0 || label >= m.numLabels {
				return errors.Errorf("label %d outside [0, %d)", label, m.numLabels)
			}
		}
	}
	return nil
}

// TrainStep implements classifier.Model.
func (m *Model) TrainStep(ctx context.Context, batch *dataset.Batch) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := m.checkBatch(batch); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results, err := m.trainer.TrainStep(nil, batch.InputTensors(),
		[]*tensors.Tensor{batch.LabelTensor(), batch.LossMaskTensor()})
	if err != nil {
		return 0, errors.WithMessage(err, "train step")
	}
	return scalar(results[0])
}

// Forward implements classifier.Model.
func (m *Model) Forward(ctx context.Context, batch *dataset.Batch) (*classifier.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(batch); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inputs := batch.InputTensors()
	results, err := m.forward.Exec(inputs[0], batch.LabelTensor(), batch.LossMaskTensor())
	if err != nil {
		return nil, errors.WithMessage(err, "forward")
	}
	logits, ok := results[0].Value().([][][]float32)
	if !ok {
		return nil, errors.Errorf("unexpected logits %s", results[0].Shape())
	}
	loss, err := scalar(results[1])
	if err != nil {
		return nil, err
	}
	return &classifier.Output{Loss: loss, Logits: logits}, nil
}

func scalar(t *tensors.Tensor) (float64, error) {
	v, ok := t.Value().(float32)
	if !ok {
		return 0, errors.Errorf("expected a float32 scalar, got %s", t.Shape())
	}
	return float64(v), nil
}

// Save implements classifier.Saver, writing every model variable to dir/model.safetensors.
// Optimizer state isn't saved.
func (m *Model) Save(dir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	var list []safetensors.Float32Tensor
	for v := range m.ctx.IterVariables() {
		name := v.ScopeAndName()
		if _, found := m.variables[name]; !found {
			continue
		}
		value, err := v.Value()
		if err != nil {
			return errors.WithMessagef(err, "variable %s", name)
		}
		flat, err := tensors.CopyFlatData[float32](value)
		if err != nil {
			return errors.WithMessagef(err, "variable %s", name)
		}
		list = append(list, safetensors.Float32Tensor{Name: name, Shape: value.Shape().Dimensions, Values: flat})
	}
	if len(list) == 0 {
		return errors.New("model has no trained variables to save")
	}
	return safetensors.Write(filepath.Join(dir, CheckpointFile), list, map[string]string{"embeddings": m.embeddingName})
}

// load replaces the variables with those saved in dir.
func (m *Model) load(ctx context.Context, dir string) error {
	weights, err := safetensors.New(ctx, hub.New(dir))
	if err != nil {
		return errors.WithMessage(err, "failed to open checkpoint")
	}
	count := 0
	for tn, err := range weights.IterTensors(ctx) {
		if err != nil {
			return err
		}
		want, found := m.variables[tn.Name]
		if !found {
			return errors.Errorf("unknown variable %s in checkpoint %s", tn.Name, dir)
		}
		if got := tn.Tensor.Shape().Dimensions; !slices.Equal(got, want) {
			return errors.Errorf("variable %s in checkpoint %s has shape %v, expected %v", tn.Name, dir, got, want)
		}
		scope, name := mlctx.SplitScope(tn.Name)
		if v := m.ctx.GetVariableByScopeAndName(scope, name); v != nil {
			if err := v.SetValue(tn.Tensor); err != nil {
				return errors.WithMessagef(err, "variable %s", tn.Name)
			}
		} else {
			m.ctx.InAbsPath(scope).VariableWithValue(name, tn.Tensor)
		}
		count++
	}
	klog.Infof("probe: loaded %d variables from %s", count, dir)
	return nil
}
