package training

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-vp/tensor"
)

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	x, err := tensor.NewTensor(shape, tensor.Float32, data)
	if err != nil {
		t.Fatalf("failed to create tensor: %v", err)
	}
	return x
}

func TestCrossEntropyValue(t *testing.T) {
	tests := []struct {
		name   string
		logits []float32
		labels []int32
		want   float64
	}{
		{"uniform", []float32{0, 0, 0, 0}, []int32{2}, math.Log(4)},
		{"two rows", []float32{2, 0, 0, 2}, []int32{0, 0}, (math.Log(1+math.Exp(-2)) + math.Log(1+math.Exp(2))) / 2},
		{"large logits", []float32{1000, 0, 0, 0}, []int32{0}, 0},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			c := len(test.logits) / len(test.labels)
			loss, err := CrossEntropy(mustTensor(t, []int{len(test.labels), c}, test.logits), test.labels)
			if err != nil {
				t.Fatalf("CrossEntropy failed: %v", err)
			}
			got, _ := loss.Float()
			if math.Abs(float64(got)-test.want) > 1e-5 {
				t.Errorf("loss = %v, expected %v", got, test.want)
			}
		})
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	data := []float32{0.5, -1, 2, 0.1, 0.3, -0.7}
	labels := []int32{2, 0}
	x := mustTensor(t, []int{2, 3}, append([]float32(nil), data...))
	x.SetRequiresGrad(true)

	loss, err := CrossEntropy(x, labels)
	if err != nil {
		t.Fatalf("CrossEntropy failed: %v", err)
	}
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	grad := x.Grad().Data.([]float32)

	value := func(d []float32) float64 {
		var out float64
		_ = tensor.NoGrad(func() error {
			l, err := CrossEntropy(mustTensor(t, []int{2, 3}, d), labels)
			if err != nil {
				t.Fatalf("CrossEntropy failed: %v", err)
			}
			f, _ := l.Float()
			out = float64(f)
			return nil
		})
		return out
	}
	const eps = 1e-2
	for i := range data {
		plus := append([]float32(nil), data...)
		minus := append([]float32(nil), data...)
		plus[i] += eps
		minus[i] -= eps
		numeric := (value(plus) - value(minus)) / (2 * eps)
		if math.Abs(float64(grad[i])-numeric) > 1e-3 {
			t.Errorf("grad[%d] = %v, numeric %v", i, grad[i], numeric)
		}
	}
}

func TestCrossEntropyErrors(t *testing.T) {
	logits := mustTensor(t, []int{2, 2}, []float32{1, 2, 3, 4})
	if _, err := CrossEntropy(logits, []int32{0, 2}); !errors.Is(err, ErrLabelRange) {
		t.Errorf("expected ErrLabelRange, got %v", err)
	}
	if _, err := CrossEntropy(logits, []int32{-1, 0}); !errors.Is(err, ErrLabelRange) {
		t.Errorf("expected ErrLabelRange for negative label, got %v", err)
	}
	if _, err := CrossEntropy(logits, []int32{0}); err == nil {
		t.Error("expected error for label count mismatch")
	}
	flat := mustTensor(t, []int{4}, []float32{1, 2, 3, 4})
	if _, err := CrossEntropy(flat, []int32{0}); err == nil {
		t.Error("expected error for 1-D logits")
	}
}
