package safetensors

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wimlds/tokclass/hub"
)

var testTensors = []Float32Tensor{
	{Name: "embeddings.word_embeddings.weight", Shape: []int{3, 2}, Values: []float32{1, 2, 3, 4, 5, 6}},
	{Name: "classifier.bias", Shape: []int{2}, Values: []float32{-0.5, 0.5}},
}

func writeSingleFileRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "model.safetensors"), testTensors, map[string]string{"format": "pt"}))
	return dir
}

func TestSingleFileModel(t *testing.T) {
	ctx := context.Background()
	m, err := New(ctx, hub.New(writeSingleFileRepo(t)))
	require.NoError(t, err)

	assert.Equal(t, []string{"classifier.bias", "embeddings.word_embeddings.weight"}, m.ListTensorNames())
	assert.True(t, m.HasTensor("classifier.bias"))
	assert.False(t, m.HasTensor("missing"))
	assert.Equal(t, "pt", m.Headers["model.safetensors"].Metadata["format"])

	meta, err := m.GetTensorMetadata(ctx, "embeddings.word_embeddings.weight")
	require.NoError(t, err)
	assert.Equal(t, "F32", meta.Dtype)
	assert.Equal(t, []int{3, 2}, meta.Shape)
	assert.Equal(t, 6, meta.NumElements())

	values, shape, err := m.GetFloat32(ctx, "embeddings.word_embeddings.weight")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2}, shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, values)

	tensor, err := m.GetTensor(ctx, "classifier.bias")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Float32, tensor.Tensor.Shape().DType)
	assert.Equal(t, []int{2}, tensor.Tensor.Shape().Dimensions)

	_, _, err = m.GetFloat32(ctx, "missing")
	assert.Error(t, err)
}

func TestShardedModel(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, Write(filepath.Join(dir, "model-00001-of-00002.safetensors"), testTensors[:1], nil))
	require.NoError(t, Write(filepath.Join(dir, "model-00002-of-00002.safetensors"), testTensors[1:], nil))
	index, err := json.Marshal(ShardedModelIndex{WeightMap: map[string]string{
		"embeddings.word_embeddings.weight": "model-00001-of-00002.safetensors",
		"classifier.bias":                   "model-00002-of-00002.safetensors",
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model.safetensors.index.json"), index, 0644))

	m := NewEmpty(hub.New(dir))
	indexFile, sharded, err := m.DetectShardedModel()
	require.NoError(t, err)
	assert.True(t, sharded)
	assert.Equal(t, "model.safetensors.index.json", indexFile)
	require.NoError(t, m.Load(ctx))

	values, _, err := m.GetFloat32(ctx, "classifier.bias")
	require.NoError(t, err)
	assert.Equal(t, []float32{-0.5, 0.5}, values)

	var names []string
	for tn, err := range m.IterTensors(ctx) {
		require.NoError(t, err)
		names = append(names, tn.Name)
	}
	assert.ElementsMatch(t, []string{"classifier.bias", "embeddings.word_embeddings.weight"}, names)
}

func TestNoSafetensors(t *testing.T) {
	_, err := New(context.Background(), hub.New(t.TempDir()))
	assert.Error(t, err)

	m := NewEmpty(hub.New(t.TempDir()))
	for _, err := range m.IterTensors(context.Background()) {
		assert.Error(t, err)
	}
}

// writeRaw writes a safetensors file with a single tensor of raw little-endian data.
func writeRaw(t *testing.T, dtype string, shape []int, data []byte) string {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"x": TensorMetadata{Dtype: dtype, Shape: shape, DataOffsets: [2]int64{0, int64(len(data))}},
	})
	require.NoError(t, err)
	content := binary.LittleEndian.AppendUint64(nil, uint64(len(header)))
	content = append(content, header...)
	content = append(content, data...)
	path := filepath.Join(t.TempDir(), "x.safetensors")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestReadFloat32Conversions(t *testing.T) {
	tests := []struct {
		name  string
		dtype string
		data  []byte
		want  []float32
	}{
		// 1.0, -2.0 and 0.5 in bfloat16.
		{"bf16", "BF16", []byte{0x80, 0x3f, 0x00, 0xc0, 0x00, 0x3f}, []float32{1, -2, 0.5}},
		// 1.0, -2.0 and 0.5 in half precision.
		{"f16", "F16", []byte{0x00, 0x3c, 0x00, 0xc0, 0x00, 0x38}, []float32{1, -2, 0.5}},
		{"f64", "F64", binary.LittleEndian.AppendUint64(binary.LittleEndian.AppendUint64(
			binary.LittleEndian.AppendUint64(nil, 0x3ff0000000000000), 0xc000000000000000), 0x3fe0000000000000),
			[]float32{1, -2, 0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := OpenMMapReader(writeRaw(t, tt.dtype, []int{3}, tt.data))
			require.NoError(t, err)
			defer r.Close()
			values, shape, err := r.ReadFloat32("x")
			require.NoError(t, err)
			assert.Equal(t, []int{3}, shape)
			assert.Equal(t, tt.want, values)
		})
	}

	r, err := OpenMMapReader(writeRaw(t, "I32", []int{1}, []byte{1, 0, 0, 0}))
	require.NoError(t, err)
	defer r.Close()
	_, _, err = r.ReadFloat32("x")
	assert.Error(t, err)
	tensor, err := r.ReadTensor("x")
	require.NoError(t, err)
	assert.Equal(t, dtypes.Int32, tensor.Shape().DType)
}

func TestHalfToFloat32(t *testing.T) {
	assert.Equal(t, float32(0), halfToFloat32(0))
	assert.Equal(t, float32(65504), halfToFloat32(0x7bff))
	// Smallest subnormal, 2^-24.
	assert.Equal(t, float32(5.9604645e-08), halfToFloat32(0x0001))
}

func TestParseHeaderErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.safetensors")
	require.NoError(t, os.WriteFile(path, []byte{1, 2}, 0644))
	_, _, err := parseHeader(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, binary.LittleEndian.AppendUint64(nil, maxHeaderSize+1), 0644))
	_, _, err = parseHeader(path)
	assert.Error(t, err)

	err = Write(path, []Float32Tensor{{Name: "x", Shape: []int{2}, Values: []float32{1}}}, nil)
	assert.Error(t, err, "values don't match the shape")
}
