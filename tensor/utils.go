package tensor

import (
	"fmt"
	"math"
)

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Size() []int {
	return copyShape(t.Shape)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

// Clone returns a detached deep copy of t.
func (t *Tensor) Clone() (*Tensor, error) {
	var data interface{}
	switch t.DType {
	case Float32:
		src := t.Data.([]float32)
		dst := make([]float32, len(src))
		copy(dst, src)
		data = dst
	case Int32:
		src := t.Data.([]int32)
		dst := make([]int32, len(src))
		copy(dst, src)
		data = dst
	default:
		return nil, fmt.Errorf("unsupported dtype for clone: %s", t.DType)
	}
	c, err := NewTensor(t.Shape, t.DType, data)
	if err != nil {
		return nil, fmt.Errorf("failed to clone tensor: %v", err)
	}
	c.requiresGrad = t.requiresGrad && t.creator == nil
	return c, nil
}

// Detach returns a view of t sharing storage but cut from the graph.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    copyShape(t.Shape),
		Strides:  copyShape(t.Strides),
		DType:    t.DType,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is not Float32, got %s", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor is not Int32, got %s", t.DType)
	}
	return t.Data.([]int32), nil
}

func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", t.DType)
	}
}

// Float returns the single element of a one-element Float32 tensor.
func (t *Tensor) Float() (float32, error) {
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	if len(data) != 1 {
		return 0, fmt.Errorf("Float() requires exactly one element, got %d", len(data))
	}
	return data[0], nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return 0, err
	}
	offset := 0
	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of range for dimension %d of size %d", idx, i, t.Shape[i])
		}
		offset += idx * t.Strides[i]
	}
	return data[offset], nil
}

// ZeroGrad clears accumulated gradients.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		if t != nil {
			t.grad = nil
		}
	}
}

// SetGrad overwrites the accumulated gradient of t.
func (t *Tensor) SetGrad(grad *Tensor) {
	t.grad = grad
}

// ArgMaxRows returns the column index of the maximum of every row of a 2-D
// Float32 tensor. Ties resolve to the lowest index.
func ArgMaxRows(t *Tensor) ([]int, error) {
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("argmax requires a 2D tensor, got shape %v", t.Shape)
	}
	data, err := t.GetFloat32Data()
	if err != nil {
		return nil, err
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*cols : (r+1)*cols]
		best := 0
		for c := 1; c < cols; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[r] = best
	}
	return out, nil
}

// HasNonFinite reports whether any element is NaN or infinite.
func HasNonFinite(data []float32) bool {
	for _, v := range data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Equal reports whether two tensors have identical shape, dtype and bits.
func Equal(a, b *Tensor) bool {
	if a.DType != b.DType || !shapesEqual(a.Shape, b.Shape) {
		return false
	}
	switch a.DType {
	case Float32:
		da, db := a.Data.([]float32), b.Data.([]float32)
		for i := range da {
			if math.Float32bits(da[i]) != math.Float32bits(db[i]) {
				return false
			}
		}
	case Int32:
		da, db := a.Data.([]int32), b.Data.([]int32)
		for i := range da {
			if da[i] != db[i] {
				return false
			}
		}
	default:
		return false
	}
	return true
}
