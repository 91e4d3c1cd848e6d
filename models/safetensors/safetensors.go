// Package safetensors provides a Model object for safetensors-based models,
// from which one can load individual weights (tensors) or iterate over them, with access to headers.
//
// Example:
//
//	repo := hub.New(modelID).WithAuth(hfAuthToken)
//	model, err := safetensors.New(ctx, repo)
//	if err != nil {
//		return err
//	}
//	values, shape, err := model.GetFloat32(ctx, "embeddings.word_embeddings.weight")
//
// Checkpoints are written in the same format with Write.
package safetensors

import (
	"context"
	"encoding/json"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// Load loads the model from the repo, whether it's sharded or a single file.
// It automatically detects sharded models via index files, otherwise treats the first
// .safetensors file as a single-file model.
func (m *Model) Load(ctx context.Context) error {
	indexFile, isSharded, err := m.DetectShardedModel()
	if err != nil {
		return err
	}

	if isSharded {
		return m.LoadShardedModel(ctx, indexFile)
	}
	return m.LoadSingleFileModel(ctx)
}

// DetectShardedModel checks if the repository contains a sharded model and returns the index filename.
func (m *Model) DetectShardedModel() (string, bool, error) {
	if m.Repo == nil {
		return "", false, errors.New("Repo is nil, create the Model with New or NewEmpty first")
	}

	commonIndexFiles := []string{
		"model.safetensors.index.json",
		"pytorch_model.safetensors.index.json",
	}
	for filename, err := range m.Repo.IterFileNames() {
		if err != nil {
			return "", false, err
		}
		for _, indexName := range commonIndexFiles {
			if filename == indexName || filepath.Base(filename) == indexName {
				return filename, true, nil
			}
		}
	}
	return "", false, nil
}

// LoadSingleFileModel loads a single-file safetensors model.
// "model.safetensors" is preferred when the repo has more than one .safetensors file.
func (m *Model) LoadSingleFileModel(ctx context.Context) error {
	if m.Repo == nil {
		return errors.New("Repo is nil, create the Model with New or NewEmpty first")
	}

	var candidates []string
	for filename, err := range m.Repo.IterFileNames() {
		if err != nil {
			return err
		}
		if filepath.Ext(filename) == ".safetensors" {
			candidates = append(candidates, filename)
		}
	}
	if len(candidates) == 0 {
		return errors.Errorf("no .safetensors files found in repository %s", m.Repo)
	}
	filename := candidates[0]
	if slices.Contains(candidates, "model.safetensors") {
		filename = "model.safetensors"
	}

	localPath, err := m.Repo.DownloadFile(ctx, filename)
	if err != nil {
		return errors.WithMessagef(err, "failed to download %s", filename)
	}
	header, _, err := parseHeader(localPath)
	if err != nil {
		return errors.WithMessagef(err, "failed to parse header for %s", localPath)
	}

	// Create a synthetic index with all tensors pointing to this one file
	weightMap := make(map[string]string, len(header.Tensors))
	for tensorName := range header.Tensors {
		weightMap[tensorName] = filename
	}
	m.Index = &ShardedModelIndex{WeightMap: weightMap}
	m.IndexFile = filename
	m.Headers = map[string]*Header{filename: header}
	return nil
}

// LoadShardedModel loads a sharded model index file (typically model.safetensors.index.json).
// Shard file names are relative to the index file.
func (m *Model) LoadShardedModel(ctx context.Context, indexFilename string) error {
	if m.Repo == nil {
		return errors.New("Repo is nil, create the Model with New or NewEmpty first")
	}

	localPath, err := m.Repo.DownloadFile(ctx, indexFilename)
	if err != nil {
		return errors.WithMessagef(err, "failed to download %s", indexFilename)
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return errors.Wrapf(err, "failed to read %s", localPath)
	}

	var index ShardedModelIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return errors.Wrap(err, "failed to parse sharded model index")
	}
	if dir := path.Dir(indexFilename); dir != "." {
		for name, shard := range index.WeightMap {
			index.WeightMap[name] = path.Join(dir, shard)
		}
	}

	m.IndexFile = indexFilename
	m.Index = &index
	m.Headers = make(map[string]*Header)
	return nil
}

// GetSafetensor returns the parsed .safetensors file header, caching it in Headers.
func (m *Model) GetSafetensor(ctx context.Context, filename string) (*FileInfo, error) {
	if m.Repo == nil {
		return nil, errors.New("Repo is nil, create the Model with New or NewEmpty first")
	}
	if !strings.HasSuffix(filename, ".safetensors") {
		return nil, errors.Errorf("filename %s is not a .safetensors file", filename)
	}
	if header, ok := m.Headers[filename]; ok {
		return &FileInfo{Filename: filename, Header: header}, nil
	}

	localPath, err := m.Repo.DownloadFile(ctx, filename)
	if err != nil {
		return nil, err
	}
	header, _, err := parseHeader(localPath)
	if err != nil {
		return nil, err
	}
	if m.Headers == nil {
		m.Headers = make(map[string]*Header)
	}
	m.Headers[filename] = header
	return &FileInfo{Filename: filename, Header: header}, nil
}

// GetTensor by its name.
func (m *Model) GetTensor(ctx context.Context, tensorName string) (*TensorAndName, error) {
	reader, err := m.readerFor(ctx, tensorName)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	tensor, err := reader.ReadTensor(tensorName)
	if err != nil {
		return nil, err
	}
	return &TensorAndName{Name: tensorName, Tensor: tensor}, nil
}

// GetFloat32 reads a floating point tensor by its name, converted to float32, along with its shape.
func (m *Model) GetFloat32(ctx context.Context, tensorName string) ([]float32, []int, error) {
	reader, err := m.readerFor(ctx, tensorName)
	if err != nil {
		return nil, nil, err
	}
	defer reader.Close()
	return reader.ReadFloat32(tensorName)
}

func (m *Model) readerFor(ctx context.Context, tensorName string) (*MMapReader, error) {
	if m.Index == nil || len(m.Index.WeightMap) == 0 {
		return nil, errors.New("model empty (not loaded) call Load first")
	}
	filename, err := m.GetTensorFilename(tensorName)
	if err != nil {
		return nil, err
	}
	reader, err := m.NewMMapReader(ctx, filename)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create MMapReader for %s", filename)
	}
	return reader, nil
}

// IterTensors returns an iterator over all tensors as GoMLX tensors.
// It opens each shard file once and reads its tensors in file order.
func (m *Model) IterTensors(ctx context.Context) func(yield func(TensorAndName, error) bool) {
	return func(yield func(TensorAndName, error) bool) {
		if m.Index == nil || len(m.Index.WeightMap) == 0 {
			yield(TensorAndName{}, errors.New("model empty (not loaded) call Load first"))
			return
		}

		// Group tensors by shard file.
		shardToTensors := make(map[string][]string)
		for tensorName, fileName := range m.Index.WeightMap {
			shardToTensors[fileName] = append(shardToTensors[fileName], tensorName)
		}
		shards := make([]string, 0, len(shardToTensors))
		for fileName := range shardToTensors {
			shards = append(shards, fileName)
		}
		slices.Sort(shards)

		for _, fileName := range shards {
			reader, err := m.NewMMapReader(ctx, fileName)
			if err != nil {
				yield(TensorAndName{}, errors.WithMessagef(err, "failed to create MMapReader for %s", fileName))
				return
			}
			for _, tensorName := range sortTensorsByOffset(shardToTensors[fileName], reader.Header) {
				tensor, err := reader.ReadTensor(tensorName)
				if err != nil {
					reader.Close()
					yield(TensorAndName{}, err)
					return
				}
				if !yield(TensorAndName{Name: tensorName, Tensor: tensor}, nil) {
					reader.Close()
					return
				}
			}
			reader.Close()
		}
	}
}

// sortTensorsByOffset sorts tensor names by their file offset for sequential reading.
func sortTensorsByOffset(tensorNames []string, header *Header) []string {
	type tensorOffset struct {
		name   string
		offset int64
	}
	offsets := make([]tensorOffset, 0, len(tensorNames))
	for _, name := range tensorNames {
		if meta, ok := header.Tensors[name]; ok {
			offsets = append(offsets, tensorOffset{name: name, offset: meta.DataOffsets[0]})
		}
	}
	slices.SortFunc(offsets, func(a, b tensorOffset) int {
		switch {
		case a.offset < b.offset:
			return -1
		case a.offset > b.offset:
			return 1
		}
		return 0
	})
	result := make([]string, len(offsets))
	for i, to := range offsets {
		result[i] = to.name
	}
	return result
}
