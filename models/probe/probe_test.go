package probe

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/classifier"
	"github.com/wimlds/tokclass/dataset"
	"github.com/wimlds/tokclass/hub"
	"github.com/wimlds/tokclass/metrics"
	"github.com/wimlds/tokclass/models/safetensors"
)

// writeEncoder writes a repo with one-hot word embeddings for a 5 token vocabulary.
func writeEncoder(t *testing.T, withPositions bool) *hub.Repo {
	t.Helper()
	const vocab, hidden = 5, 5
	words := make([]float32, vocab*hidden)
	for i := range vocab {
		words[i*hidden+i] = 1
	}
	tensors := []safetensors.Float32Tensor{
		{Name: "bert.embeddings.word_embeddings.weight", Shape: []int{vocab, hidden}, Values: words},
	}
	if withPositions {
		tensors = append(tensors, safetensors.Float32Tensor{
			Name: "bert.embeddings.position_embeddings.weight", Shape: []int{4, hidden}, Values: make([]float32, 4*hidden),
		})
	}
	dir := t.TempDir()
	require.NoError(t, safetensors.Write(filepath.Join(dir, "model.safetensors"), tensors, nil))
	return hub.New(dir)
}

func testSpec(repo *hub.Repo) classifier.ModelSpec {
	return classifier.ModelSpec{
		Repo:      repo,
		NumLabels: 2,
		MaxLen:    4,
		PadID:     0,
		Optimizer: classifier.OptimizerConfig{Name: "adamw", LearningRate: 0.1, WeightDecay: 0.01, Epsilon: 1e-8},
		Seed:      42,
	}
}

// testBatch labels token 3 with 1 and every other token with 0. The last position is padding.
func testBatch() *dataset.Batch {
	return &dataset.Batch{
		InputIDs:      [][]int{{1, 3, 2, 0}, {1, 2, 3, 0}},
		Labels:        [][]int{{0, 1, 0, 0}, {0, 0, 1, 0}},
		AttentionMask: [][]int{{1, 1, 1, 0}, {1, 1, 1, 0}},
		TokenTypeIDs:  [][]int{{0, 0, 0, 0}, {0, 0, 0, 0}},
	}
}

func accuracy(out *classifier.Output, batch *dataset.Batch) float64 {
	correct, total := metrics.CountCorrect(batch.Labels, metrics.Argmax(out.Logits), batch.AttentionMask)
	return float64(correct) / float64(total)
}

func TestTrainStepLearns(t *testing.T) {
	for _, withPositions := range []bool{false, true} {
		ctx := context.Background()
		m, err := NewWithOptions(ctx, testSpec(writeEncoder(t, withPositions)), Options{})
		require.NoError(t, err)
		batch := testBatch()

		first, err := m.TrainStep(ctx, batch)
		require.NoError(t, err)
		var last float64
		for range 100 {
			last, err = m.TrainStep(ctx, batch)
			require.NoError(t, err)
		}
		assert.Less(t, last, first)

		out, err := m.Forward(ctx, batch)
		require.NoError(t, err)
		require.Len(t, out.Logits, 2)
		require.Len(t, out.Logits[0], 4)
		require.Len(t, out.Logits[0][0], 2)
		assert.InDelta(t, last, out.Loss, 0.1)
		assert.Equal(t, 1.0, accuracy(out, batch))
	}
}

func TestFreezeEmbeddings(t *testing.T) {
	ctx := context.Background()
	m, err := NewWithOptions(ctx, testSpec(writeEncoder(t, false)), Options{FreezeEmbeddings: true})
	require.NoError(t, err)
	for range 5 {
		_, err = m.TrainStep(ctx, testBatch())
		require.NoError(t, err)
	}
	value, err := m.ctx.InspectVariable("/word", "embeddings").Value()
	require.NoError(t, err)
	embeddings := value.Value().([][]float32)
	for i, row := range embeddings {
		for j, v := range row {
			if i == j {
				assert.Equal(t, float32(1), v)
			} else {
				assert.Equal(t, float32(0), v)
			}
		}
	}

	trained, err := NewWithOptions(ctx, testSpec(writeEncoder(t, false)), Options{})
	require.NoError(t, err)
	for range 5 {
		_, err = trained.TrainStep(ctx, testBatch())
		require.NoError(t, err)
	}
	value, err = trained.ctx.InspectVariable("/word", "embeddings").Value()
	require.NoError(t, err)
	assert.NotEqual(t, float32(1), value.Value().([][]float32)[3][3], "embeddings are trained by default")
}

func TestSaveAndLoad(t *testing.T) {
	ctx := context.Background()
	repo := writeEncoder(t, true)
	m, err := NewWithOptions(ctx, testSpec(repo), Options{})
	require.NoError(t, err)
	batch := testBatch()
	for range 10 {
		_, err = m.TrainStep(ctx, batch)
		require.NoError(t, err)
	}
	want, err := m.Forward(ctx, batch)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "best")
	require.NoError(t, m.Save(dir))
	assert.FileExists(t, filepath.Join(dir, CheckpointFile))

	loaded, err := NewWithOptions(ctx, testSpec(repo), Options{Checkpoint: dir})
	require.NoError(t, err)
	got, err := loaded.Forward(ctx, batch)
	require.NoError(t, err)
	assert.InDelta(t, want.Loss, got.Loss, 1e-4)
	for b := range want.Logits {
		for pos := range want.Logits[b] {
			assert.InDeltaSlice(t, want.Logits[b][pos], got.Logits[b][pos], 1e-4)
		}
	}

	spec := testSpec(repo)
	spec.NumLabels = 3
	_, err = NewWithOptions(ctx, spec, Options{Checkpoint: dir})
	assert.Error(t, err, "head shape doesn't match the number of labels")

	_, err = NewWithOptions(ctx, testSpec(writeEncoder(t, false)), Options{Checkpoint: dir})
	assert.Error(t, err, "checkpoint has position embeddings the encoder doesn't have")
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()
	repo := writeEncoder(t, true)

	spec := testSpec(repo)
	spec.NumLabels = 1
	_, err := New(ctx, spec)
	assert.Error(t, err)

	spec = testSpec(repo)
	spec.Optimizer.Name = "sgd"
	_, err = New(ctx, spec)
	assert.Error(t, err)

	spec = testSpec(repo)
	spec.MaxLen = 8
	_, err = New(ctx, spec)
	assert.Error(t, err, "more positions than position embeddings")

	spec = testSpec(repo)
	spec.PadID = 5
	_, err = New(ctx, spec)
	assert.Error(t, err)

	_, err = NewWithOptions(ctx, testSpec(repo), Options{EmbeddingTensor: "missing"})
	assert.Error(t, err)

	_, err = New(ctx, testSpec(hub.New(t.TempDir())))
	assert.Error(t, err)
}

func TestBatchErrors(t *testing.T) {
	ctx := context.Background()
	m, err := Factory(Options{})(ctx, testSpec(writeEncoder(t, false)))
	require.NoError(t, err)

	batch := testBatch()
	batch.InputIDs[0][0] = 99
	_, err = m.TrainStep(ctx, batch)
	assert.Error(t, err)

	batch = testBatch()
	batch.Labels[0][0] = 2
	_, err = m.Forward(ctx, batch)
	assert.Error(t, err)

	_, err = m.Forward(ctx, &dataset.Batch{})
	assert.Error(t, err)

	long := &dataset.Batch{
		InputIDs:      [][]int{{1, 2, 3, 4, 0}},
		Labels:        [][]int{{0, 0, 1, 0, 0}},
		AttentionMask: [][]int{{1, 1, 1, 1, 0}},
		TokenTypeIDs:  [][]int{{0, 0, 0, 0, 0}},
	}
	withPositions, err := New(ctx, testSpec(writeEncoder(t, true)))
	require.NoError(t, err)
	_, err = withPositions.Forward(ctx, long)
	assert.Error(t, err, "longer than the position embeddings")

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.TrainStep(cancelled, testBatch())
	assert.ErrorIs(t, err, context.Canceled)
}
