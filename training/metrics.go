package training

import (
	"fmt"

	"github.com/tsawler/go-vp/tensor"
)

// AccuracyMeter accumulates correct predictions and the batch-weighted loss
// over an epoch.
type AccuracyMeter struct {
	Correct int
	Total   int
	LossSum float64
}

// Update adds one batch of task logits [N, C_task] and its labels. loss is
// the batch mean and is weighted by N.
func (m *AccuracyMeter) Update(logits *tensor.Tensor, labels []int32, loss float64) ([]int, error) {
	preds, err := tensor.ArgMaxRows(logits)
	if err != nil {
		return nil, err
	}
	if len(preds) != len(labels) {
		return nil, fmt.Errorf("got %d predictions for %d labels", len(preds), len(labels))
	}
	for i, p := range preds {
		if p == int(labels[i]) {
			m.Correct++
		}
	}
	m.Total += len(labels)
	m.LossSum += loss * float64(len(labels))
	return preds, nil
}

// Accuracy is the fraction of correct predictions, 0 before any update.
func (m *AccuracyMeter) Accuracy() float64 {
	if m.Total == 0 {
		return 0
	}
	return float64(m.Correct) / float64(m.Total)
}

// Loss is the mean loss per example.
func (m *AccuracyMeter) Loss() float64 {
	if m.Total == 0 {
		return 0
	}
	return m.LossSum / float64(m.Total)
}

// ConfusionMatrix counts [true class][predicted class] pairs.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Update records predictions against labels.
func (cm *ConfusionMatrix) Update(preds []int, labels []int32) error {
	if len(preds) != len(labels) {
		return fmt.Errorf("got %d predictions for %d labels", len(preds), len(labels))
	}
	for i, p := range preds {
		t := int(labels[i])
		if t < 0 || t >= cm.NumClasses || p < 0 || p >= cm.NumClasses {
			return fmt.Errorf("%w: pair (%d, %d), %d classes", ErrLabelRange, t, p, cm.NumClasses)
		}
		cm.Matrix[t][p]++
		cm.TotalSamples++
	}
	return nil
}

// GetAccuracy returns overall classification accuracy as a fraction.
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// PerClassRecall returns recall per true class; classes without samples get 0.
func (cm *ConfusionMatrix) PerClassRecall() []float64 {
	out := make([]float64, cm.NumClasses)
	for i, row := range cm.Matrix {
		total := 0
		for _, v := range row {
			total += v
		}
		if total > 0 {
			out[i] = float64(row[i]) / float64(total)
		}
	}
	return out
}

// MacroRecall averages PerClassRecall over the classes that have samples.
func (cm *ConfusionMatrix) MacroRecall() float64 {
	var sum float64
	present := 0
	for i, r := range cm.PerClassRecall() {
		rowTotal := 0
		for _, v := range cm.Matrix[i] {
			rowTotal += v
		}
		if rowTotal > 0 {
			sum += r
			present++
		}
	}
	if present == 0 {
		return 0
	}
	return sum / float64(present)
}
