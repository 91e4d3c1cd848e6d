package safetensors

import (
	"context"
	"encoding/binary"
	"io"
	"math"

	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
)

// MMapReader provides access to the tensor data of one .safetensors file via a memory map.
type MMapReader struct {
	reader     *mmap.ReaderAt
	dataOffset int64
	Header     *Header
}

// NewMMapReader creates a new MMapReader for a specific .safetensors file of the repo.
func (m *Model) NewMMapReader(ctx context.Context, fileName string) (*MMapReader, error) {
	localPath, err := m.Repo.DownloadFile(ctx, fileName)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to download %s", fileName)
	}
	return OpenMMapReader(localPath)
}

// OpenMMapReader creates a MMapReader for a local .safetensors file.
func OpenMMapReader(localPath string) (*MMapReader, error) {
	header, dataOffset, err := parseHeader(localPath)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to parse header for %s", localPath)
	}
	reader, err := mmap.Open(localPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to mmap %s", localPath)
	}
	return &MMapReader{
		reader:     reader,
		dataOffset: dataOffset,
		Header:     header,
	}, nil
}

// Close closes the underlying memory-mapped file.
func (mr *MMapReader) Close() error {
	return mr.reader.Close()
}

func (mr *MMapReader) metadata(tensorName string) (*TensorMetadata, error) {
	meta, ok := mr.Header.Tensors[tensorName]
	if !ok {
		return nil, errors.Errorf("tensor %s not found", tensorName)
	}
	if meta.DataOffsets[1] < meta.DataOffsets[0] {
		return nil, errors.Errorf("tensor %s has invalid data offsets %v", tensorName, meta.DataOffsets)
	}
	return meta, nil
}

// ReadTensor reads a tensor by name from the memory-mapped file.
func (mr *MMapReader) ReadTensor(tensorName string) (*tensors.Tensor, error) {
	meta, err := mr.metadata(tensorName)
	if err != nil {
		return nil, err
	}
	dtype, err := dtypeToGoMLX(meta.Dtype)
	if err != nil {
		return nil, err
	}

	t := tensors.FromShape(shapes.Make(dtype, meta.Shape...))

	// Read from mmap directly into tensor memory
	tensorOffset := mr.dataOffset + meta.DataOffsets[0]
	var readErr error
	t.MutableBytes(func(data []byte) {
		expectedBytes := meta.DataOffsets[1] - meta.DataOffsets[0]
		if int64(len(data)) != expectedBytes {
			readErr = errors.Errorf("tensor %s shape %s takes %d bytes, but file has %d bytes",
				tensorName, t.Shape(), len(data), expectedBytes)
			return
		}
		_, readErr = mr.reader.ReadAt(data, tensorOffset)
		if readErr == io.EOF {
			readErr = nil
		}
		if readErr != nil {
			readErr = errors.Wrapf(readErr, "failed to read tensor %s", tensorName)
		}
	})
	if readErr != nil {
		return nil, readErr
	}
	return t, nil
}

// ReadFloat32 reads a floating point tensor (F32, F64, F16 or BF16) as float32 values, along with its shape.
func (mr *MMapReader) ReadFloat32(tensorName string) ([]float32, []int, error) {
	meta, err := mr.metadata(tensorName)
	if err != nil {
		return nil, nil, err
	}
	var elementSize int
	switch meta.Dtype {
	case "F32":
		elementSize = 4
	case "F64":
		elementSize = 8
	case "F16", "BF16":
		elementSize = 2
	default:
		return nil, nil, errors.Errorf("tensor %s has dtype %s, not a float", tensorName, meta.Dtype)
	}
	n := meta.NumElements()
	if int64(n*elementSize) != meta.DataOffsets[1]-meta.DataOffsets[0] {
		return nil, nil, errors.Errorf("tensor %s shape %v doesn't match its %d data bytes",
			tensorName, meta.Shape, meta.DataOffsets[1]-meta.DataOffsets[0])
	}

	raw := make([]byte, n*elementSize)
	if _, err := mr.reader.ReadAt(raw, mr.dataOffset+meta.DataOffsets[0]); err != nil && err != io.EOF {
		return nil, nil, errors.Wrapf(err, "failed to read tensor %s", tensorName)
	}
	values := make([]float32, n)
	for i := range values {
		chunk := raw[i*elementSize : (i+1)*elementSize]
		switch meta.Dtype {
		case "F32":
			values[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case "F64":
			values[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		case "BF16":
			values[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(chunk)) << 16)
		case "F16":
			values[i] = halfToFloat32(binary.LittleEndian.Uint16(chunk))
		}
	}
	return values, append([]int(nil), meta.Shape...), nil
}

// halfToFloat32 converts an IEEE 754 half precision value.
func halfToFloat32(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	mant := uint32(h) & 0x3ff
	switch {
	case exp == 0 && mant == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// Subnormal: normalize the mantissa.
		e := uint32(127 - 15 + 1)
		for mant&0x400 == 0 {
			mant <<= 1
			e--
		}
		mant &= 0x3ff
		return math.Float32frombits(sign | e<<23 | mant<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | mant<<13)
	}
	return math.Float32frombits(sign | (exp+127-15)<<23 | mant<<13)
}
