package training

import (
	"errors"
	"fmt"
	"math"

	"github.com/tsawler/go-vp/tensor"
)

// ErrLabelRange reports a label outside [0, C_task).
var ErrLabelRange = errors.New("label outside task classes")

// CrossEntropyOp is the mean softmax cross-entropy of logits [N, C]
// against integer labels.
type CrossEntropyOp struct {
	labels []int32
	inputs []*tensor.Tensor
	probs  []float32
}

func (op *CrossEntropyOp) Inputs() []*tensor.Tensor { return op.inputs }

func (op *CrossEntropyOp) Forward(inputs ...*tensor.Tensor) (*tensor.Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("cross entropy expects 1 input, got %d", len(inputs))
	}
	logits := inputs[0]
	if len(logits.Shape) != 2 {
		return nil, fmt.Errorf("cross entropy expects logits [N C], got %v", logits.Shape)
	}
	n, c := logits.Shape[0], logits.Shape[1]
	if n == 0 || c == 0 {
		return nil, fmt.Errorf("cross entropy of empty logits %v", logits.Shape)
	}
	if len(op.labels) != n {
		return nil, fmt.Errorf("got %d labels for batch of %d", len(op.labels), n)
	}
	for i, l := range op.labels {
		if l < 0 || int(l) >= c {
			return nil, fmt.Errorf("%w: label %d at index %d, %d classes", ErrLabelRange, l, i, c)
		}
	}
	data, err := logits.GetFloat32Data()
	if err != nil {
		return nil, err
	}

	probs := make([]float32, n*c)
	var total float64
	for i := 0; i < n; i++ {
		row := data[i*c : (i+1)*c]
		maxV := math.Inf(-1)
		for _, v := range row {
			maxV = math.Max(maxV, float64(v))
		}
		var sum float64
		for j, v := range row {
			e := math.Exp(float64(v) - maxV)
			probs[i*c+j] = float32(e)
			sum += e
		}
		for j := range row {
			probs[i*c+j] = float32(float64(probs[i*c+j]) / sum)
		}
		// -log softmax at the label, in log space for stability
		total += maxV + math.Log(sum) - float64(row[op.labels[i]])
	}

	op.inputs = []*tensor.Tensor{logits}
	op.probs = probs
	return tensor.NewTensor([]int{1}, tensor.Float32, []float32{float32(total / float64(n))})
}

func (op *CrossEntropyOp) Backward(gradOut *tensor.Tensor) ([]*tensor.Tensor, error) {
	g, err := gradOut.Float()
	if err != nil {
		return nil, err
	}
	shape := op.inputs[0].Shape
	n, c := shape[0], shape[1]
	scale := g / float32(n)

	grad := make([]float32, n*c)
	for i := 0; i < n; i++ {
		for j := 0; j < c; j++ {
			grad[i*c+j] = op.probs[i*c+j] * scale
		}
		grad[i*c+int(op.labels[i])] -= scale
	}
	gt, err := tensor.NewTensor(shape, tensor.Float32, grad)
	if err != nil {
		return nil, err
	}
	return []*tensor.Tensor{gt}, nil
}

// CrossEntropy returns the mean cross-entropy loss as a one-element tensor.
func CrossEntropy(logits *tensor.Tensor, labels []int32) (*tensor.Tensor, error) {
	return tensor.Apply(&CrossEntropyOp{labels: labels}, logits)
}
