package tensor

import (
	"fmt"
)

// ReshapeOp views a tensor with a new shape of the same element count.
type ReshapeOp struct {
	inputs []*Tensor
	shape  []int
}

func (op *ReshapeOp) Inputs() []*Tensor { return op.inputs }

func (op *ReshapeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("reshape expects 1 input, got %d", len(inputs))
	}
	t := inputs[0]
	if calculateNumElements(op.shape) != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d to shape %v", t.NumElems, op.shape)
	}
	op.inputs = []*Tensor{t}
	return &Tensor{
		Shape:    copyShape(op.shape),
		Strides:  calculateStrides(op.shape),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

func (op *ReshapeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	return []*Tensor{newFloat(op.inputs[0].Shape, gradOut.Data.([]float32))}, nil
}

// Reshape shares storage with t.
func Reshape(t *Tensor, shape []int) (*Tensor, error) {
	op := &ReshapeOp{shape: copyShape(shape)}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// Pad2DOp zero-pads the last two dimensions of a tensor.
type Pad2DOp struct {
	inputs                   []*Tensor
	top, bottom, left, right int
	value                    float32
}

func (op *Pad2DOp) Inputs() []*Tensor { return op.inputs }

func (op *Pad2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("pad2d expects 1 input, got %d", len(inputs))
	}
	t := inputs[0]
	d, err := floatData(t, "pad2d")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) < 2 {
		return nil, fmt.Errorf("pad2d requires at least 2 dimensions, got %v", t.Shape)
	}
	if op.top < 0 || op.bottom < 0 || op.left < 0 || op.right < 0 {
		return nil, fmt.Errorf("padding must be non-negative")
	}
	rank := len(t.Shape)
	h, w := t.Shape[rank-2], t.Shape[rank-1]
	oh, ow := h+op.top+op.bottom, w+op.left+op.right
	planes := calculateNumElements(t.Shape[:rank-2])

	outShape := copyShape(t.Shape)
	outShape[rank-2], outShape[rank-1] = oh, ow
	out := make([]float32, planes*oh*ow)
	if op.value != 0 {
		for i := range out {
			out[i] = op.value
		}
	}
	for p := 0; p < planes; p++ {
		src := d[p*h*w : (p+1)*h*w]
		dst := out[p*oh*ow : (p+1)*oh*ow]
		for y := 0; y < h; y++ {
			copy(dst[(y+op.top)*ow+op.left:(y+op.top)*ow+op.left+w], src[y*w:(y+1)*w])
		}
	}
	op.inputs = []*Tensor{t}
	return newFloat(outShape, out), nil
}

func (op *Pad2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	rank := len(in.Shape)
	h, w := in.Shape[rank-2], in.Shape[rank-1]
	oh, ow := h+op.top+op.bottom, w+op.left+op.right
	g := gradOut.Data.([]float32)
	out := make([]float32, in.NumElems)
	planes := calculateNumElements(in.Shape[:rank-2])
	for p := 0; p < planes; p++ {
		src := g[p*oh*ow : (p+1)*oh*ow]
		dst := out[p*h*w : (p+1)*h*w]
		for y := 0; y < h; y++ {
			copy(dst[y*w:(y+1)*w], src[(y+op.top)*ow+op.left:(y+op.top)*ow+op.left+w])
		}
	}
	return []*Tensor{newFloat(in.Shape, out)}, nil
}

// Pad2D pads the last two dimensions (height, width) with value.
func Pad2D(t *Tensor, top, bottom, left, right int, value float32) (*Tensor, error) {
	op := &Pad2DOp{top: top, bottom: bottom, left: left, right: right, value: value}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// ChannelNormalizeOp applies (x - mean[c]) / std[c] over dimension 1 of an
// NCHW tensor.
type ChannelNormalizeOp struct {
	inputs    []*Tensor
	mean, std []float32
}

func (op *ChannelNormalizeOp) Inputs() []*Tensor { return op.inputs }

func (op *ChannelNormalizeOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("channel normalize expects 1 input, got %d", len(inputs))
	}
	t := inputs[0]
	d, err := floatData(t, "channel normalize")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("channel normalize requires NCHW input, got %v", t.Shape)
	}
	c := t.Shape[1]
	if len(op.mean) != c || len(op.std) != c {
		return nil, fmt.Errorf("normalization has %d/%d channels, input has %d", len(op.mean), len(op.std), c)
	}
	for i, s := range op.std {
		if s == 0 {
			return nil, fmt.Errorf("std for channel %d is zero", i)
		}
	}
	plane := t.Shape[2] * t.Shape[3]
	out := make([]float32, len(d))
	for i, v := range d {
		ch := (i / plane) % c
		out[i] = (v - op.mean[ch]) / op.std[ch]
	}
	op.inputs = []*Tensor{t}
	return newFloat(t.Shape, out), nil
}

func (op *ChannelNormalizeOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	c := in.Shape[1]
	plane := in.Shape[2] * in.Shape[3]
	g := gradOut.Data.([]float32)
	out := make([]float32, len(g))
	for i, v := range g {
		out[i] = v / op.std[(i/plane)%c]
	}
	return []*Tensor{newFloat(in.Shape, out)}, nil
}

func ChannelNormalize(t *Tensor, mean, std []float32) (*Tensor, error) {
	op := &ChannelNormalizeOp{mean: mean, std: std}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// AvgPool2DOp averages non-overlapping kernel×kernel windows of an NCHW
// tensor. Trailing rows and columns that do not fill a window are dropped.
type AvgPool2DOp struct {
	inputs []*Tensor
	kernel int
}

func (op *AvgPool2DOp) Inputs() []*Tensor { return op.inputs }

func (op *AvgPool2DOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("avgpool2d expects 1 input, got %d", len(inputs))
	}
	t := inputs[0]
	d, err := floatData(t, "avgpool2d")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("avgpool2d requires NCHW input, got %v", t.Shape)
	}
	k := op.kernel
	if k <= 0 {
		return nil, fmt.Errorf("kernel size must be positive, got %d", k)
	}
	h, w := t.Shape[2], t.Shape[3]
	oh, ow := h/k, w/k
	if oh == 0 || ow == 0 {
		return nil, fmt.Errorf("kernel %d larger than input %dx%d", k, h, w)
	}
	planes := t.Shape[0] * t.Shape[1]
	out := make([]float32, planes*oh*ow)
	inv := 1 / float32(k*k)
	for p := 0; p < planes; p++ {
		src := d[p*h*w:]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				var sum float32
				for dy := 0; dy < k; dy++ {
					row := (oy*k + dy) * w
					for dx := 0; dx < k; dx++ {
						sum += src[row+ox*k+dx]
					}
				}
				out[p*oh*ow+oy*ow+ox] = sum * inv
			}
		}
	}
	op.inputs = []*Tensor{t}
	return newFloat([]int{t.Shape[0], t.Shape[1], oh, ow}, out), nil
}

func (op *AvgPool2DOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	k := op.kernel
	h, w := in.Shape[2], in.Shape[3]
	oh, ow := h/k, w/k
	planes := in.Shape[0] * in.Shape[1]
	g := gradOut.Data.([]float32)
	out := make([]float32, in.NumElems)
	inv := 1 / float32(k*k)
	for p := 0; p < planes; p++ {
		dst := out[p*h*w:]
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				v := g[p*oh*ow+oy*ow+ox] * inv
				for dy := 0; dy < k; dy++ {
					row := (oy*k + dy) * w
					for dx := 0; dx < k; dx++ {
						dst[row+ox*k+dx] += v
					}
				}
			}
		}
	}
	return []*Tensor{newFloat(in.Shape, out)}, nil
}

func AvgPool2D(t *Tensor, kernel int) (*Tensor, error) {
	op := &AvgPool2DOp{kernel: kernel}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// IndexSelectColumnsOp gathers columns of a 2D tensor: out[:, i] = x[:, idx[i]].
type IndexSelectColumnsOp struct {
	inputs  []*Tensor
	indices []int
}

func (op *IndexSelectColumnsOp) Inputs() []*Tensor { return op.inputs }

func (op *IndexSelectColumnsOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 1 {
		return nil, fmt.Errorf("index select expects 1 input, got %d", len(inputs))
	}
	t := inputs[0]
	d, err := floatData(t, "index select")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("index select requires a 2D tensor, got %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	for _, idx := range op.indices {
		if idx < 0 || idx >= cols {
			return nil, fmt.Errorf("column index %d out of range [0, %d)", idx, cols)
		}
	}
	n := len(op.indices)
	out := make([]float32, rows*n)
	for r := 0; r < rows; r++ {
		for i, idx := range op.indices {
			out[r*n+i] = d[r*cols+idx]
		}
	}
	op.inputs = []*Tensor{t}
	return newFloat([]int{rows, n}, out), nil
}

func (op *IndexSelectColumnsOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	in := op.inputs[0]
	rows, cols := in.Shape[0], in.Shape[1]
	n := len(op.indices)
	g := gradOut.Data.([]float32)
	out := make([]float32, rows*cols)
	for r := 0; r < rows; r++ {
		for i, idx := range op.indices {
			out[r*cols+idx] += g[r*n+i]
		}
	}
	return []*Tensor{newFloat(in.Shape, out)}, nil
}

func IndexSelectColumns(t *Tensor, indices []int) (*Tensor, error) {
	idx := make([]int, len(indices))
	copy(idx, indices)
	op := &IndexSelectColumnsOp{indices: idx}
	out, err := op.Forward(t)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}
