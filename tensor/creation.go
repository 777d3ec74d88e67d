package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, data interface{}) (*Tensor, error) {
	if len(shape) == 0 {
		return nil, fmt.Errorf("shape cannot be empty")
	}
	for i, dim := range shape {
		if dim < 0 {
			return nil, fmt.Errorf("dimension %d cannot be negative: %d", i, dim)
		}
	}

	numElems := calculateNumElements(shape)
	t := &Tensor{
		Shape:    copyShape(shape),
		Strides:  calculateStrides(shape),
		DType:    dtype,
		NumElems: numElems,
	}

	if data == nil {
		switch dtype {
		case Float32:
			t.Data = make([]float32, numElems)
		case Int32:
			t.Data = make([]int32, numElems)
		default:
			return nil, fmt.Errorf("unsupported dtype: %s", dtype)
		}
		return t, nil
	}

	if err := t.setData(data); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		d, ok := data.([]float32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []float32 for Float32 tensor, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length (%d) doesn't match tensor size (%d)", len(d), t.NumElems)
		}
		t.Data = d
	case Int32:
		d, ok := data.([]int32)
		if !ok {
			return fmt.Errorf("data type mismatch: expected []int32 for Int32 tensor, got %T", data)
		}
		if len(d) != t.NumElems {
			return fmt.Errorf("data length (%d) doesn't match tensor size (%d)", len(d), t.NumElems)
		}
		t.Data = d
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

// SetData replaces the tensor storage in place. The slice must match the
// tensor's dtype and element count.
func (t *Tensor) SetData(data interface{}) error {
	return t.setData(data)
}

func Zeros(shape []int, dtype DType) (*Tensor, error) {
	return NewTensor(shape, dtype, nil)
}

func Ones(shape []int, dtype DType) (*Tensor, error) {
	return Full(shape, 1, dtype)
}

func Full(shape []int, value float32, dtype DType) (*Tensor, error) {
	t, err := NewTensor(shape, dtype, nil)
	if err != nil {
		return nil, err
	}
	switch dtype {
	case Float32:
		data := t.Data.([]float32)
		for i := range data {
			data[i] = value
		}
	case Int32:
		data := t.Data.([]int32)
		for i := range data {
			data[i] = int32(value)
		}
	}
	return t, nil
}

// RandN fills a Float32 tensor with samples from the standard normal
// distribution drawn from rng.
func RandN(shape []int, rng *rand.Rand) (*Tensor, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	t, err := NewTensor(shape, Float32, nil)
	if err != nil {
		return nil, err
	}
	data := t.Data.([]float32)
	for i := range data {
		data[i] = float32(rng.NormFloat64())
	}
	return t, nil
}

func FromScalar(value float64, dtype DType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return NewTensor([]int{1}, dtype, []float32{float32(value)})
	case Int32:
		return NewTensor([]int{1}, dtype, []int32{int32(value)})
	default:
		return nil, fmt.Errorf("unsupported dtype: %s", dtype)
	}
}
