package safetensors

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"slices"

	"github.com/pkg/errors"
)

// Float32Tensor is a named float32 tensor to be written.
type Float32Tensor struct {
	Name   string
	Shape  []int
	Values []float32
}

// headerAlignment pads the JSON header so tensor data starts 8-byte aligned.
const headerAlignment = 8

// Write saves the tensors as F32 in a .safetensors file, in name order, with optional metadata.
func Write(path string, tensorList []Float32Tensor, metadata map[string]string) error {
	sorted := slices.Clone(tensorList)
	slices.SortFunc(sorted, func(a, b Float32Tensor) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var offset int64
	for _, t := range sorted {
		if t.Shape == nil {
			t.Shape = []int{}
		}
		meta := TensorMetadata{Dtype: "F32", Shape: t.Shape, DataOffsets: [2]int64{offset, offset + int64(4*len(t.Values))}}
		if meta.NumElements() != len(t.Values) {
			return errors.Errorf("tensor %s has %d values for shape %v", t.Name, len(t.Values), t.Shape)
		}
		if _, dup := header[t.Name]; dup {
			return errors.Errorf("duplicate tensor %s", t.Name)
		}
		header[t.Name] = meta
		offset = meta.DataOffsets[1]
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return errors.Wrap(err, "failed to encode safetensors header")
	}
	for len(headerBytes)%headerAlignment != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", path)
	}
	w := bufio.NewWriter(f)
	err = binary.Write(w, binary.LittleEndian, uint64(len(headerBytes)))
	if err == nil {
		_, err = w.Write(headerBytes)
	}
	var buf [4]byte
	for _, t := range sorted {
		for _, v := range t.Values {
			if err != nil {
				break
			}
			binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
			_, err = w.Write(buf[:])
		}
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return errors.Wrapf(err, "failed to write %s", path)
}
