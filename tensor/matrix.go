package tensor

import (
	"fmt"
)

// MatMulOp multiplies a [M,K] by b [K,N].
type MatMulOp struct {
	inputs []*Tensor
}

func (op *MatMulOp) Inputs() []*Tensor { return op.inputs }

func (op *MatMulOp) Forward(inputs ...*Tensor) (*Tensor, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("matmul expects 2 inputs, got %d", len(inputs))
	}
	a, b := inputs[0], inputs[1]
	da, err := floatData(a, "matmul")
	if err != nil {
		return nil, err
	}
	db, err := floatData(b, "matmul")
	if err != nil {
		return nil, err
	}
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	m, k := a.Shape[0], a.Shape[1]
	if b.Shape[0] != k {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d)", m, k, b.Shape[0], b.Shape[1])
	}
	n := b.Shape[1]

	out := make([]float32, m*n)
	for i := 0; i < m; i++ {
		row := out[i*n : (i+1)*n]
		for p := 0; p < k; p++ {
			av := da[i*k+p]
			if av == 0 {
				continue
			}
			brow := db[p*n : (p+1)*n]
			for j := range row {
				row[j] += av * brow[j]
			}
		}
	}
	op.inputs = []*Tensor{a, b}
	return newFloat([]int{m, n}, out), nil
}

func (op *MatMulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	a, b := op.inputs[0], op.inputs[1]
	g := gradOut.Data.([]float32)
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	grads := make([]*Tensor, 2)

	if a.requiresGrad {
		// dA = G · Bᵀ
		db := b.Data.([]float32)
		ga := make([]float32, m*k)
		for i := 0; i < m; i++ {
			grow := g[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				brow := db[p*n : (p+1)*n]
				var sum float32
				for j := range grow {
					sum += grow[j] * brow[j]
				}
				ga[i*k+p] = sum
			}
		}
		grads[0] = newFloat(a.Shape, ga)
	}

	if b.requiresGrad {
		// dB = Aᵀ · G
		da := a.Data.([]float32)
		gb := make([]float32, k*n)
		for i := 0; i < m; i++ {
			grow := g[i*n : (i+1)*n]
			for p := 0; p < k; p++ {
				av := da[i*k+p]
				if av == 0 {
					continue
				}
				brow := gb[p*n : (p+1)*n]
				for j := range brow {
					brow[j] += av * grow[j]
				}
			}
		}
		grads[1] = newFloat(b.Shape, gb)
	}
	return grads, nil
}

func MatMul(a, b *Tensor) (*Tensor, error) {
	op := &MatMulOp{}
	out, err := op.Forward(a, b)
	if err != nil {
		return nil, err
	}
	return attach(out, op), nil
}

// Transpose returns a detached copy of a 2D tensor with its axes swapped.
func Transpose(t *Tensor) (*Tensor, error) {
	d, err := floatData(t, "transpose")
	if err != nil {
		return nil, err
	}
	if len(t.Shape) != 2 {
		return nil, fmt.Errorf("transpose requires a 2D tensor, got shape %v", t.Shape)
	}
	rows, cols := t.Shape[0], t.Shape[1]
	out := make([]float32, len(d))
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			out[c*rows+r] = d[r*cols+c]
		}
	}
	return newFloat([]int{cols, rows}, out), nil
}

// LinearForward computes input·weight + bias, the fused path used by dense
// layers. bias may be nil.
func LinearForward(input, weight, bias *Tensor) (*Tensor, error) {
	out, err := MatMul(input, weight)
	if err != nil {
		return nil, fmt.Errorf("failed to compute linear matmul: %v", err)
	}
	if bias == nil {
		return out, nil
	}
	out, err = Add(out, bias)
	if err != nil {
		return nil, fmt.Errorf("failed to add linear bias: %v", err)
	}
	return out, nil
}
