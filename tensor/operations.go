package tensor

import (
	"fmt"
	"math"
)

func floatData(t *Tensor, name string) ([]float32, error) {
	if t == nil {
		return nil, fmt.Errorf("%s: tensor is nil", name)
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s: requires Float32 tensor, got %s", name, t.DType)
	}
	return t.Data.([]float32), nil
}

// checkSuffixBroadcast validates that b's shape equals the trailing
// dimensions of a's shape and returns b's block size.
func checkSuffixBroadcast(a, b *Tensor) (int, error) {
	if len(b.Shape) > len(a.Shape) {
		return 0, fmt.Errorf("cannot broadcast shape %v to %v", b.Shape, a.Shape)
	}
	offset := len(a.Shape) - len(b.Shape)
	for i, dim := range b.Shape {
		if a.Shape[offset+i] != dim {
			return 0, fmt.Errorf("cannot broadcast shape %v to %v", b.Shape, a.Shape)
		}
	}
	return b.NumElems, nil
}

func newFloat(shape []int, data []float32) *Tensor {
	return &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    Float32,
		Data:     data,
		NumElems: len(data),
	}
}

// AddOp computes a + b where b is a's shape or a trailing suffix of it.
type AddOp struct {
	inputs []*Tensor
	block  int
}

func (op *AddOp) Inputs() []*Tensor { return op.inputs }

func (op *AddOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("add expects 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	da, err := floatData(a, "add")
	if err != nil {
		return nil, err
	}
	db, err := floatData(b, "add")
	if err != nil {
		return nil, err
	}
	block, err := checkSuffixBroadcast(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(da))
	for i := range da {
		out[i] = da[i] + db[i%block]
	}
	op.inputs = []*Tensor{a, b}
	op.block = block
	return newFloat(a.Shape, out), nil
}

func (op *AddOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	ga := make([]float32, len(g))
	copy(ga, g)
	gb := make([]float32, op.block)
	for i, v := range g {
		gb[i%op.block] += v
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, ga), newFloat(op.inputs[1].Shape, gb)}, nil
}

func Add(a, b *Tensor) (*Tensor, error) {
	op := &AddOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// MulOp computes a * b elementwise with the same broadcasting rule as AddOp.
type MulOp struct {
	inputs []*Tensor
	block  int
}

func (op *MulOp) Inputs() []*Tensor { return op.inputs }

func (op *MulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("mul expects 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	da, err := floatData(a, "mul")
	if err != nil {
		return nil, err
	}
	db, err := floatData(b, "mul")
	if err != nil {
		return nil, err
	}
	block, err := checkSuffixBroadcast(a, b)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(da))
	for i := range da {
		out[i] = da[i] * db[i%block]
	}
	op.inputs = []*Tensor{a, b}
	op.block = block
	return newFloat(a.Shape, out), nil
}

func (op *MulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	da := op.inputs[0].Data.([]float32)
	db := op.inputs[1].Data.([]float32)
	ga := make([]float32, len(g))
	gb := make([]float32, op.block)
	for i, v := range g {
		ga[i] = v * db[i%op.block]
		gb[i%op.block] += v * da[i]
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, ga), newFloat(op.inputs[1].Shape, gb)}, nil
}

func Mul(a, b *Tensor) (*Tensor, error) {
	op := &MulOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// ScaleOp multiplies every element by a constant.
type ScaleOp struct {
	inputs []*Tensor
	factor float32
}

func (op *ScaleOp) Inputs() []*Tensor { return op.inputs }

func (op *ScaleOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("scale expects 1 input, got %d", len(inputs))
	}
	d, err := floatData(inputs[0], "scale")
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = v * op.factor
	}
	op.inputs = []*Tensor{inputs[0]}
	return newFloat(inputs[0].Shape, out), nil
}

func (op *ScaleOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i, v := range g {
		out[i] = v * op.factor
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, out)}, nil
}

func Scale(t *Tensor, factor float32) (*Tensor, error) {
	op := &ScaleOp{factor: factor}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

type ReLUOp struct {
	inputs []*Tensor
}

func (op *ReLUOp) Inputs() []*Tensor { return op.inputs }

func (op *ReLUOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("relu expects 1 input, got %d", len(inputs))
	}
	d, err := floatData(inputs[0], "relu")
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(d))
	for i, v := range d {
		if v > 0 {
			out[i] = v
		}
	}
	op.inputs = []*Tensor{inputs[0]}
	return newFloat(inputs[0].Shape, out), nil
}

func (op *ReLUOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	d := op.inputs[0].Data.([]float32)
	out := make([]float32, len(g))
	for i, v := range g {
		if d[i] > 0 {
			out[i] = v
		}
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, out)}, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	op := &ReLUOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

type SigmoidOp struct {
	inputs []*Tensor
	output []float32
}

func (op *SigmoidOp) Inputs() []*Tensor { return op.inputs }

func (op *SigmoidOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("sigmoid expects 1 input, got %d", len(inputs))
	}
	d, err := floatData(inputs[0], "sigmoid")
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(d))
	for i, v := range d {
		out[i] = float32(1.0 / (1.0 + math.Exp(-float64(v))))
	}
	op.inputs = []*Tensor{inputs[0]}
	op.output = out
	return newFloat(inputs[0].Shape, out), nil
}

func (op *SigmoidOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i, v := range g {
		s := op.output[i]
		out[i] = v * s * (1 - s)
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, out)}, nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	op := &SigmoidOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// MeanOp reduces all elements to a one-element tensor.
type MeanOp struct {
	inputs []*Tensor
}

func (op *MeanOp) Inputs() []*Tensor { return op.inputs }

func (op *MeanOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("mean expects 1 input, got %d", len(inputs))
	}
	d, err := floatData(inputs[0], "mean")
	if err != nil {
		return nil, err
	}
	if len(d) == 0 {
		return nil, fmt.Errorf("mean of empty tensor")
	}
	var sum float64
	for _, v := range d {
		sum += float64(v)
	}
	op.inputs = []*Tensor{inputs[0]}
	return newFloat([]int{1}, []float32{float32(sum / float64(len(d)))}), nil
}

func (op *MeanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g := gradOut.Data.([]float32)[0]
	n := op.inputs[0].NumElems
	out := make([]float32, n)
	v := g / float32(n)
	for i := range out {
		out[i] = v
	}
	return []*Tensor{newFloat(op.inputs[0].Shape, out)}, nil
}

func Mean(t *Tensor) (*Tensor, error) {
	op := &MeanOp{}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}
