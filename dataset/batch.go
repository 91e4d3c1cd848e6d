package dataset

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/wimlds/tokclass/preprocess"
)

// Batch is a group of encoded examples, each field shaped [batch size][max_len].
type Batch struct {
	InputIDs      [][]int
	Labels        [][]int
	AttentionMask [][]int
	TokenTypeIDs  [][]int
}

// NewBatch collates examples.
func NewBatch(examples []preprocess.Example) *Batch {
	b := &Batch{
		InputIDs:      make([][]int, len(examples)),
		Labels:        make([][]int, len(examples)),
		AttentionMask: make([][]int, len(examples)),
		TokenTypeIDs:  make([][]int, len(examples)),
	}
	for i, ex := range examples {
		b.InputIDs[i] = ex.InputIDs
		b.Labels[i] = ex.Labels
		b.AttentionMask[i] = ex.AttentionMask
		b.TokenTypeIDs[i] = ex.TokenTypeIDs
	}
	return b
}

// Size is the number of examples.
func (b *Batch) Size() int { return len(b.InputIDs) }

// SeqLen is the length of the sequences, 0 for an empty batch.
func (b *Batch) SeqLen() int {
	if len(b.InputIDs) == 0 {
		return 0
	}
	return len(b.InputIDs[0])
}

// InputTensors returns the model inputs as int32 tensors shaped [batch, max_len]:
// input ids, attention mask and token type ids.
func (b *Batch) InputTensors() []*tensors.Tensor {
	return []*tensors.Tensor{
		toTensor(b.InputIDs, b.SeqLen()),
		toTensor(b.AttentionMask, b.SeqLen()),
		toTensor(b.TokenTypeIDs, b.SeqLen()),
	}
}

// LabelTensor returns the labels as an int32 tensor shaped [batch, max_len, 1], the layout
// expected by sparse categorical losses.
func (b *Batch) LabelTensor() *tensors.Tensor {
	return toTensor(b.Labels, b.SeqLen(), 1)
}

// LossMaskTensor returns the attention mask as a bool tensor shaped [batch, max_len]: padding
// positions are false and don't count in the loss.
func (b *Batch) LossMaskTensor() *tensors.Tensor {
	flat := make([]bool, 0, b.Size()*b.SeqLen())
	for _, row := range b.AttentionMask {
		for _, v := range row {
			flat = append(flat, v != 0)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, b.Size(), b.SeqLen())
}

func toTensor(rows [][]int, seqLen int, extraDims ...int) *tensors.Tensor {
	flat := make([]int32, 0, len(rows)*seqLen)
	for _, row := range rows {
		for _, v := range row {
			flat = append(flat, int32(v))
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, append([]int{len(rows), seqLen}, extraDims...)...)
}
