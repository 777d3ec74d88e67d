package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-vp/tensor"
	"github.com/tsawler/go-vp/weights"
)

// Classifier maps a batch of images [N, C, H, W] to native logits
// [N, NumClasses]. Implementations expose no parameters and are never
// updated by training.
type Classifier interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
	NumClasses() int
	InputShape() []int
}

// FrozenClassifier is an immutable network built from a compiled ModelSpec
// and a weight set. Gradients flow through it to its input only.
type FrozenClassifier struct {
	spec   *ModelSpec
	params map[string]*tensor.Tensor
}

// Build binds a weight set to a compiled spec. Every parameter named by the
// spec must be present with the compiled shape, and the set may not carry
// unknown names.
func Build(spec *ModelSpec, set weights.Set) (*FrozenClassifier, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}

	params := make(map[string]*tensor.Tensor, len(spec.ParameterNames))
	for i, name := range spec.ParameterNames {
		w, ok := set[name]
		if !ok {
			return nil, &weights.ConfigError{Name: name, Reason: "missing weight for classifier parameter"}
		}
		if !sameShape(w.Shape, spec.ParameterShapes[i]) {
			return nil, &weights.ConfigError{
				Name:   name,
				Reason: fmt.Sprintf("weight shape %v does not match parameter shape %v", w.Shape, spec.ParameterShapes[i]),
			}
		}
		t, err := w.ToTensor()
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", name, err)
		}
		params[name] = t
	}
	for _, name := range set.Names() {
		if _, ok := params[name]; !ok {
			return nil, &weights.ConfigError{Name: name, Reason: "weight does not belong to the classifier"}
		}
	}

	return &FrozenClassifier{spec: spec, params: params}, nil
}

func sameShape(a, b []int) bool {
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

func (c *FrozenClassifier) NumClasses() int { return c.spec.NumClasses() }

func (c *FrozenClassifier) InputShape() []int { return append([]int(nil), c.spec.InputShape...) }

func (c *FrozenClassifier) Spec() *ModelSpec { return c.spec }

// Weights returns a copy of the bound parameters.
func (c *FrozenClassifier) Weights() weights.Set {
	out := make(weights.Set, len(c.params))
	for name, t := range c.params {
		data := make([]float32, t.NumElems)
		copy(data, t.Data.([]float32))
		out[name] = &weights.Tensor{Shape: t.Size(), Data: data}
	}
	return out
}

func (c *FrozenClassifier) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if len(x.Shape) != len(c.spec.InputShape)+1 || !sameShape(x.Shape[1:], c.spec.InputShape) {
		return nil, fmt.Errorf("classifier expects input [N %v], got %v", c.spec.InputShape, x.Shape)
	}
	batch := x.Shape[0]

	out := x
	var err error
	for _, layer := range c.spec.Layers {
		switch layer.Type {
		case Dense:
			flat := out
			if len(out.Shape) != 2 {
				flat, err = tensor.Reshape(out, []int{batch, numElements(layer.InputShape)})
				if err != nil {
					return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
				}
			}
			var bias *tensor.Tensor
			if len(layer.ParameterNames) > 1 {
				bias = c.params[layer.ParameterNames[1]]
			}
			out, err = tensor.LinearForward(flat, c.params[layer.ParameterNames[0]], bias)
		case ReLU:
			out, err = tensor.ReLU(out)
		case AvgPool2D:
			out, err = tensor.AvgPool2D(out, getIntParam(layer.Parameters, "kernel_size", 1))
		case Flatten:
			out, err = tensor.Reshape(out, []int{batch, numElements(layer.InputShape)})
		default:
			err = fmt.Errorf("unsupported layer type: %s", layer.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", layer.Name, err)
		}
	}
	return out, nil
}

// InitWeights draws He-initialized weights and zero biases for spec.
func InitWeights(spec *ModelSpec, rng *rand.Rand) (weights.Set, error) {
	if spec == nil || !spec.Compiled {
		return nil, fmt.Errorf("model not compiled")
	}
	set := make(weights.Set, len(spec.ParameterNames))
	for i, name := range spec.ParameterNames {
		shape := append([]int(nil), spec.ParameterShapes[i]...)
		data := make([]float32, numElements(shape))
		if len(shape) == 2 {
			std := math.Sqrt(2.0 / float64(shape[0]))
			for j := range data {
				data[j] = float32(rng.NormFloat64() * std)
			}
		}
		set[name] = &weights.Tensor{Shape: shape, Data: data}
	}
	return set, nil
}
