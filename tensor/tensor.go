package tensor

import (
	"fmt"
	"sync/atomic"
)

type DType int

const (
	Float32 DType = iota
	Float16
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float16:
		return "Float16"
	case Int32:
		return "Int32"
	default:
		return "Unknown"
	}
}

// Operation is a node of the autograd graph. Backward returns one gradient
// per input, in the order of Inputs; a nil entry means no gradient flows to
// that input.
type Operation interface {
	Forward(inputs ...*Tensor) (*Tensor, error)
	Backward(gradOut *Tensor) ([]*Tensor, error)
	Inputs() []*Tensor
}

type Tensor struct {
	Shape        []int
	Strides      []int
	DType        DType
	Data         interface{}
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, dtype=%s, elements=%d)", t.Shape, t.DType, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaf tensors.
func (t *Tensor) Creator() Operation {
	return t.creator
}

func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyShape(shape []int) []int {
	out := make([]int, len(shape))
	copy(out, shape)
	return out
}

var noGradDepth int32

// NoGrad runs fn with graph recording disabled. Results of operations
// executed inside fn never require grad. Calls may nest.
func NoGrad(fn func() error) error {
	atomic.AddInt32(&noGradDepth, 1)
	defer atomic.AddInt32(&noGradDepth, -1)
	return fn()
}

// GradEnabled reports whether operations currently record the autograd graph.
func GradEnabled() bool {
	return atomic.LoadInt32(&noGradDepth) == 0
}

// Apply runs op forward and records it in the graph. Packages outside
// tensor use it to define their own differentiable operations.
func Apply(op Operation, inputs ...*Tensor) (*Tensor, error) {
	out, err := op.Forward(inputs...)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// attach marks out as produced by op when any input requires grad and
// recording is enabled.
func attach(out *Tensor, op Operation) *Tensor {
	if !GradEnabled() {
		return out
	}
	for _, in := range op.Inputs() {
		if in != nil && in.requiresGrad {
			out.requiresGrad = true
			out.creator = op
			break
		}
	}
	return out
}
