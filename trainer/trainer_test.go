package trainer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/classifier"
	"github.com/wimlds/tokclass/config"
	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/metrics"
	"github.com/wimlds/tokclass/preprocess"
	"github.com/wimlds/tokclass/tokenizers/api"
	"github.com/wimlds/tokclass/tokenizers/hftokenizer"
)

var testTokenizerJSON = []byte(`{
  "added_tokens": [
    {"id": 0, "content": "[PAD]", "special": true},
    {"id": 1, "content": "[UNK]", "special": true},
    {"id": 2, "content": "[CLS]", "special": true},
    {"id": 3, "content": "[SEP]", "special": true}
  ],
  "normalizer": {"type": "BertNormalizer", "lowercase": true},
  "pre_tokenizer": {"type": "BertPreTokenizer"},
  "model": {"type": "WordPiece", "unk_token": "[UNK]", "vocab": {"[PAD]": 0, "[UNK]": 1, "[CLS]": 2, "[SEP]": 3, "a": 4, "b": 5}}
}`)

// savingModel records its checkpoints.
type savingModel struct {
	saves []string
}

func (s *savingModel) TrainStep(context.Context, *dataset.Batch) (float64, error) { return 0, nil }

func (s *savingModel) Forward(context.Context, *dataset.Batch) (*classifier.Output, error) {
	return &classifier.Output{}, nil
}

func (s *savingModel) Save(dir string) error {
	s.saves = append(s.saves, dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "model.safetensors"), []byte("x"), 0644)
}

// scriptedModule returns the next scripted validation loss at every validation epoch end.
type scriptedModule struct {
	t        *testing.T
	pre      *preprocess.Preprocessor
	dataFile string
	model    classifier.Model

	valLosses  []float64
	valEpochs  int
	trainSteps int
	trainErr   error

	// emptyData holds the names of the loaders reading an empty file.
	emptyData map[string]bool
}

func newScriptedModule(t *testing.T, valLosses ...float64) *scriptedModule {
	t.Helper()
	tok, err := hftokenizer.NewFromContent(testTokenizerJSON, api.Options{})
	require.NoError(t, err)
	pre, err := preprocess.New(tok, preprocess.Options{MaxLen: 5, MarkedLabel: 1})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("a *b\nb a\n*a\n"), 0644))
	return &scriptedModule{t: t, pre: pre, dataFile: path, model: &savingModel{}, valLosses: valLosses}
}

func (s *scriptedModule) TrainingStep(_ context.Context, batch *dataset.Batch, batchIdx int) (float64, error) {
	if s.trainErr != nil {
		return 0, s.trainErr
	}
	s.trainSteps++
	return float64(batch.Size()), nil
}

func (s *scriptedModule) ValidationStep(_ context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error) {
	return metrics.StepOutput{Loss: 1, Correct: batch.Size(), Total: 2 * batch.Size()}, nil
}

func (s *scriptedModule) ValidationEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error) {
	m, err := metrics.Aggregate(outputs)
	if err != nil {
		return m, err
	}
	m.Loss = s.valLosses[s.valEpochs]
	s.valEpochs++
	return m, nil
}

func (s *scriptedModule) TestStep(ctx context.Context, batch *dataset.Batch, batchIdx int) (metrics.StepOutput, error) {
	return metrics.StepOutput{Loss: 0.25, Correct: batch.Size(), Total: batch.Size()}, nil
}

func (s *scriptedModule) TestEpochEnd(outputs []metrics.StepOutput) (metrics.EpochMetrics, error) {
	return metrics.Aggregate(outputs)
}

func (s *scriptedModule) loader(name string, sampler dataset.Sampler) (*dataset.Loader, error) {
	path := s.dataFile
	if s.emptyData[name] {
		path = filepath.Join(s.t.TempDir(), name+".txt")
		require.NoError(s.t, os.WriteFile(path, nil, 0644))
	}
	src, err := dataset.OpenSource(path)
	if err != nil {
		return nil, err
	}
	s.t.Cleanup(func() { _ = src.Close() })
	return dataset.NewLoader(name, src, s.pre, dataset.LoaderOptions{BatchSize: 2, NumWorkers: 2, Sampler: sampler})
}

func (s *scriptedModule) TrainDataLoader() (*dataset.Loader, error) {
	return s.loader("train", dataset.RandomSampler{Seed: 1})
}

func (s *scriptedModule) ValDataLoader() (*dataset.Loader, error) {
	return s.loader("val", nil)
}

func (s *scriptedModule) TestDataLoader() (*dataset.Loader, error) {
	return s.loader("test", nil)
}

func (s *scriptedModule) Model() classifier.Model { return s.model }

func readMetricsLog(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

func TestFitEarlyStopping(t *testing.T) {
	m := newScriptedModule(t, 1.0, 0.8, 0.9, 0.95, 0.7)
	var out bytes.Buffer
	tr := New(Options{Epochs: 5, Patience: 2, CheckpointDir: t.TempDir(), Out: &out})

	h, err := tr.Fit(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, tr.RunID(), h.RunID)
	require.Len(t, h.Epochs, 4)
	assert.True(t, h.StoppedEarly)
	assert.Equal(t, 1, h.BestEpoch)
	assert.Equal(t, 0.8, h.BestValLoss)
	assert.Equal(t, []bool{true, true, false, false},
		[]bool{h.Epochs[0].Improved, h.Epochs[1].Improved, h.Epochs[2].Improved, h.Epochs[3].Improved})

	// 3 lines in batches of 2: losses 2 and 1.
	assert.Equal(t, 8, m.trainSteps)
	assert.Equal(t, 1.5, h.Epochs[0].TrainLoss)
	assert.Equal(t, 0.5, h.Epochs[0].Val.Accuracy)
	assert.Equal(t, 2, h.Epochs[0].Val.Steps)

	best := filepath.Join(tr.RunDir(), "best")
	assert.Equal(t, best, h.Checkpoint)
	assert.Equal(t, []string{best, best}, m.model.(*savingModel).saves)
	assert.FileExists(t, filepath.Join(best, "model.safetensors"))

	lines := readMetricsLog(t, filepath.Join(tr.RunDir(), MetricsFile))
	require.Len(t, lines, 4)
	assert.Equal(t, "fit", lines[0]["stage"])
	assert.Equal(t, 0.9, lines[2]["val"].(map[string]any)["loss"])

	assert.Contains(t, out.String(), "Epoch 1/5")
	assert.Contains(t, out.String(), "Training done")
}

func TestFitWithoutPatienceRunsAllEpochs(t *testing.T) {
	m := newScriptedModule(t, 1, 2, 3)
	tr := New(Options{Epochs: 3, Out: &bytes.Buffer{}})
	h, err := tr.Fit(context.Background(), m)
	require.NoError(t, err)
	assert.Len(t, h.Epochs, 3)
	assert.False(t, h.StoppedEarly)
	assert.Equal(t, 0, h.BestEpoch)
	assert.Empty(t, h.Checkpoint, "no checkpoint directory")
	assert.Empty(t, tr.RunDir())
	assert.Empty(t, m.model.(*savingModel).saves)
}

func TestFitErrors(t *testing.T) {
	ctx := context.Background()
	_, err := New(Options{Out: &bytes.Buffer{}}).Fit(ctx, newScriptedModule(t))
	assert.Error(t, err, "no epochs")

	boom := errors.New("boom")
	m := newScriptedModule(t, 1)
	m.trainErr = boom
	_, err = New(Options{Epochs: 1, Out: &bytes.Buffer{}}).Fit(ctx, m)
	assert.ErrorIs(t, err, boom)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = New(Options{Epochs: 1, Out: &bytes.Buffer{}}).Fit(cancelled, newScriptedModule(t, 1))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEmptyDataFails(t *testing.T) {
	ctx := context.Background()
	for _, name := range []string{"train", "val"} {
		m := newScriptedModule(t, 1)
		m.emptyData = map[string]bool{name: true}
		_, err := New(Options{Epochs: 1, Out: &bytes.Buffer{}}).Fit(ctx, m)
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), name+" data has no examples")
		assert.Zero(t, m.trainSteps)
	}

	m := newScriptedModule(t)
	m.emptyData = map[string]bool{"test": true}
	_, err := New(Options{Out: &bytes.Buffer{}}).Test(ctx, m)
	assert.ErrorContains(t, err, "test data has no examples")
}

func TestTest(t *testing.T) {
	m := newScriptedModule(t)
	var out bytes.Buffer
	tr := New(Options{Epochs: 1, CheckpointDir: t.TempDir(), Out: &out})
	result, err := tr.Test(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, metrics.EpochMetrics{Loss: 0.25, Accuracy: 1, Steps: 2, Correct: 3, Total: 3}, result)
	assert.Contains(t, out.String(), "test_acc")

	lines := readMetricsLog(t, filepath.Join(tr.RunDir(), MetricsFile))
	require.Len(t, lines, 1)
	assert.Equal(t, "test", lines[0]["stage"])
	assert.Equal(t, 1.0, lines[0]["test"].(map[string]any)["accuracy"])
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Model:   config.ModelConfig{Epochs: 4},
		Trainer: config.TrainerConfig{Patience: 2, CheckpointDir: "ckpt"},
	}
	assert.Equal(t, Options{Epochs: 4, Patience: 2, CheckpointDir: "ckpt", ProgressBar: true}, OptionsFromConfig(cfg))
}
