package tensor

import (
	"fmt"
)

// Backward runs reverse-mode differentiation from a scalar tensor and
// accumulates gradients into every leaf that requires grad.
func (t *Tensor) Backward() error {
	return t.BackwardWithGrad(nil)
}

// BackwardWithGrad seeds the backward pass with gradOut. A nil gradOut is
// only valid for one-element tensors and means a gradient of one.
func (t *Tensor) BackwardWithGrad(gradOut *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}
	if gradOut == nil {
		if t.NumElems != 1 {
			return fmt.Errorf("gradient can only be implicitly created for scalar outputs, got %d elements", t.NumElems)
		}
		var err error
		gradOut, err = Ones(t.Shape, Float32)
		if err != nil {
			return fmt.Errorf("failed to seed gradient: %v", err)
		}
	} else if !shapesEqual(gradOut.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v doesn't match tensor shape %v", gradOut.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: gradOut}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g, ok := grads[node]
		if !ok {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			if node.requiresGrad {
				if err := node.accumulateGrad(g); err != nil {
					return err
				}
			}
			continue
		}

		inputGrads, err := node.creator.Backward(g)
		if err != nil {
			return fmt.Errorf("backward pass failed: %v", err)
		}
		inputs := node.creator.Inputs()
		if len(inputGrads) != len(inputs) {
			return fmt.Errorf("operation returned %d gradients for %d inputs", len(inputGrads), len(inputs))
		}
		for j, in := range inputs {
			if in == nil || !in.requiresGrad || inputGrads[j] == nil {
				continue
			}
			if prev, seen := grads[in]; seen {
				sum, err := addGrads(prev, inputGrads[j])
				if err != nil {
					return err
				}
				grads[in] = sum
			} else {
				grads[in] = inputGrads[j]
			}
		}
	}
	return nil
}

func (t *Tensor) accumulateGrad(g *Tensor) error {
	if t.grad == nil {
		c, err := g.Clone()
		if err != nil {
			return fmt.Errorf("failed to store gradient: %v", err)
		}
		c.requiresGrad = false
		t.grad = c
		return nil
	}
	if _, err := addInPlace(t.grad, g); err != nil {
		return fmt.Errorf("failed to accumulate gradient: %v", err)
	}
	return nil
}

// topoSort returns the graph rooted at t in post-order, so every node
// appears after all of its inputs.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)
	var visit func(*Tensor)
	visit = func(n *Tensor) {
		if n == nil || visited[n] {
			return
		}
		visited[n] = true
		if n.creator != nil {
			for _, in := range n.creator.Inputs() {
				if in != nil && in.requiresGrad {
					visit(in)
				}
			}
		}
		order = append(order, n)
	}
	visit(root)
	return order
}

// addGrads returns a fresh tensor; gradient tensors may be shared between
// graph edges.
func addGrads(a, b *Tensor) (*Tensor, error) {
	if !shapesEqual(a.Shape, b.Shape) {
		return nil, fmt.Errorf("gradient shapes must match: %v vs %v", a.Shape, b.Shape)
	}
	da := a.Data.([]float32)
	db := b.Data.([]float32)
	out := make([]float32, len(da))
	for i := range da {
		out[i] = da[i] + db[i]
	}
	return NewTensor(a.Shape, Float32, out)
}

func addInPlace(dst, src *Tensor) (*Tensor, error) {
	if !shapesEqual(dst.Shape, src.Shape) {
		return nil, fmt.Errorf("gradient shapes must match: %v vs %v", dst.Shape, src.Shape)
	}
	d := dst.Data.([]float32)
	s := src.Data.([]float32)
	for i := range d {
		d[i] += s[i]
	}
	return dst, nil
}
