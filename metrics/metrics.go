// Package metrics reduces per-batch statistics into epoch loss and accuracy.
package metrics

import (
	"fmt"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoSteps is returned when aggregating an epoch without any step.
var ErrNoSteps = errors.New("no steps to aggregate")

// StepOutput holds the statistics of one evaluation batch.
type StepOutput struct {
	Loss    float64
	Correct int
	Total   int
}

// EpochMetrics are the aggregated statistics of an epoch.
type EpochMetrics struct {
	Loss     float64 `json:"loss"`
	Accuracy float64 `json:"accuracy"`
	Steps    int     `json:"steps"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
}

func (m EpochMetrics) String() string {
	return fmt.Sprintf("loss=%.4f accuracy=%.4f (%d/%d over %d steps)", m.Loss, m.Accuracy, m.Correct, m.Total, m.Steps)
}

// Aggregate computes accuracy as sum(correct)/sum(total) over all steps, and loss as the
// unweighted mean of the step losses: a small last batch weighs as much as a full one.
func Aggregate(steps []StepOutput) (EpochMetrics, error) {
	if len(steps) == 0 {
		return EpochMetrics{}, ErrNoSteps
	}
	losses := make([]float64, len(steps))
	m := EpochMetrics{Steps: len(steps)}
	for i, s := range steps {
		losses[i] = s.Loss
		m.Correct += s.Correct
		m.Total += s.Total
	}
	m.Loss = stat.Mean(losses, nil)
	if m.Total > 0 {
		m.Accuracy = float64(m.Correct) / float64(m.Total)
	}
	return m, nil
}

// Accumulator collects step outputs, safe for concurrent use.
type Accumulator struct {
	mu    sync.Mutex
	steps []StepOutput
}

// Add records one step.
func (a *Accumulator) Add(s StepOutput) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = append(a.steps, s)
}

// Len returns the number of steps recorded.
func (a *Accumulator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.steps)
}

// Steps returns a copy of the recorded steps.
func (a *Accumulator) Steps() []StepOutput {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.steps)
}

// Result aggregates the recorded steps.
func (a *Accumulator) Result() (EpochMetrics, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Aggregate(a.steps)
}

// Reset drops the recorded steps.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.steps = nil
}

// Argmax returns the predicted class per position of logits shaped [batch][position][class].
func Argmax(logits [][][]float32) [][]int {
	preds := make([][]int, len(logits))
	scratch := make([]float64, 0, 8)
	for b, row := range logits {
		preds[b] = make([]int, len(row))
		for pos, classes := range row {
			if len(classes) == 0 {
				continue
			}
			scratch = scratch[:0]
			for _, v := range classes {
				scratch = append(scratch, float64(v))
			}
			preds[b][pos] = floats.MaxIdx(scratch)
		}
	}
	return preds
}

// CountCorrect counts positions with mask 1 where the prediction equals the label.
// Boundary tokens are counted like any other unmasked position.
func CountCorrect(labels, preds, mask [][]int) (correct, total int) {
	for b := range labels {
		for pos, label := range labels[b] {
			if mask[b][pos] == 0 {
				continue
			}
			total++
			if preds[b][pos] == label {
				correct++
			}
		}
	}
	return
}
